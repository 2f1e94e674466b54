package codec

import (
	"ergo.services/hive/gen"
	"github.com/vmihailenco/msgpack/v5"
)

type msgpackFrame struct {
	Kind    gen.EnvelopeKind   `msgpack:"k"`
	From    gen.PID            `msgpack:"f"`
	Tag     gen.Tag            `msgpack:"t"`
	Type    string             `msgpack:"y"`
	Payload msgpack.RawMessage `msgpack:"p"`
}

type msgpackEncoder struct{}

// NewMsgpack creates the default encoder of the node.
func NewMsgpack() gen.Encoder {
	return msgpackEncoder{}
}

func (msgpackEncoder) Encode(env gen.Envelope) ([]byte, error) {
	name, err := typeNameOf(env.Message)
	if err != nil {
		return nil, err
	}
	frame := msgpackFrame{
		Kind: env.Kind,
		From: env.From,
		Tag:  env.Tag,
		Type: name,
	}
	frame.Payload, err = msgpack.Marshal(env.Message)
	if err != nil {
		return nil, gen.ErrSerialization.GenWithStackByArgs(err.Error())
	}
	data, err := msgpack.Marshal(&frame)
	if err != nil {
		return nil, gen.ErrSerialization.GenWithStackByArgs(err.Error())
	}
	return data, nil
}

func (msgpackEncoder) Decode(data []byte) (gen.Envelope, error) {
	var frame msgpackFrame
	var env gen.Envelope

	if err := msgpack.Unmarshal(data, &frame); err != nil {
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
	if err := msgpack.Unmarshal(frame.Payload, value.Interface()); err != nil {
		return env, gen.ErrSerialization.GenWithStackByArgs(err.Error())
	}
	env.Message = value.Elem().Interface()
	return env, nil
}
