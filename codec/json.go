package codec

import (
	"ergo.services/hive/gen"
	"github.com/goccy/go-json"
)

type jsonFrame struct {
	Kind    gen.EnvelopeKind `json:"k"`
	From    gen.PID          `json:"f"`
	Tag     gen.Tag          `json:"t"`
	Type    string           `json:"y,omitempty"`
	Payload json.RawMessage  `json:"p,omitempty"`
}

type jsonEncoder struct{}

// NewJSON creates the encoder producing JSON frames. It is slower than
// the msgpack one but the traffic is human readable.
func NewJSON() gen.Encoder {
	return jsonEncoder{}
}

func (jsonEncoder) Encode(env gen.Envelope) ([]byte, error) {
	name, err := typeNameOf(env.Message)
	if err != nil {
		return nil, err
	}
	frame := jsonFrame{
		Kind: env.Kind,
		From: env.From,
		Tag:  env.Tag,
		Type: name,
	}
	frame.Payload, err = json.Marshal(env.Message)
	if err != nil {
		return nil, gen.ErrSerialization.GenWithStackByArgs(err.Error())
	}
	data, err := json.Marshal(&frame)
	if err != nil {
		return nil, gen.ErrSerialization.GenWithStackByArgs(err.Error())
	}
	return data, nil
}

func (jsonEncoder) Decode(data []byte) (gen.Envelope, error) {
	var frame jsonFrame
	var env gen.Envelope

	if err := json.Unmarshal(data, &frame); err != nil {
		return env, gen.ErrSerialization.GenWithStackByArgs(err.Error())
	}
	env.Kind = frame.Kind
	env.From = frame.From
	env.Tag = frame.Tag
	if frame.Type == "" {
		return env, nil
	}

	value, err := newValueOf(frame.Type)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(frame.Payload, value.Interface()); err != nil {
		return env, gen.ErrSerialization.GenWithStackByArgs(err.Error())
	}
	env.Message = value.Elem().Interface()
	return env, nil
}
