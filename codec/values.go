package codec

import (
	"ergo.services/hive/gen"

	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Values is the list of values keeping the concrete types of its elements
// across the encoder. A plain []any field loses them: msgpack decodes
// a small int as int8, and both encoders turn a struct into a map.
// The element types must be registered (see RegisterTypeOf) on the
// receiving side unless it encodes them itself.
type Values []any

type jsonValue struct {
	Type    string          `json:"y,omitempty"`
	Payload json.RawMessage `json:"p,omitempty"`
}

// EncodeMsgpack writes the values as the flat array of type name and value pairs.
func (v Values) EncodeMsgpack(enc *msgpack.Encoder) error {
	if v == nil {
		return enc.EncodeNil()
	}
	if err := enc.EncodeArrayLen(2 * len(v)); err != nil {
		return err
	}
	for _, value := range v {
		name, err := typeNameOf(value)
		if err != nil {
			return err
		}
		if err := enc.EncodeString(name); err != nil {
			return err
		}
		if err := enc.Encode(value); err != nil {
			return err
		}
	}
	return nil
}

func (v *Values) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 0 {
		*v = nil
		return nil
	}
	if n%2 != 0 {
		return gen.ErrSerialization.GenWithStackByArgs("malformed values")
	}
	values := make(Values, 0, n/2)
	for i := 0; i < n/2; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return err
		}
		if name == "" {
			if err := dec.Skip(); err != nil {
				return err
			}
			values = append(values, nil)
			continue
		}
		value, err := newValueOf(name)
		if err != nil {
			return err
		}
		if err := dec.Decode(value.Interface()); err != nil {
			return err
		}
		values = append(values, value.Elem().Interface())
	}
	*v = values
	return nil
}

func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	list := make([]jsonValue, 0, len(v))
	for _, value := range v {
		name, err := typeNameOf(value)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return nil, errors.Trace(err)
		}
		list = append(list, jsonValue{Type: name, Payload: payload})
	}
	return json.Marshal(list)
}

func (v *Values) UnmarshalJSON(data []byte) error {
	var list []jsonValue
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Trace(err)
	}
	if list == nil {
		*v = nil
		return nil
	}
	values := make(Values, 0, len(list))
	for _, item := range list {
		if item.Type == "" {
			values = append(values, nil)
			continue
		}
		value, err := newValueOf(item.Type)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(item.Payload, value.Interface()); err != nil {
			return errors.Trace(err)
		}
		values = append(values, value.Elem().Interface())
	}
	*v = values
	return nil
}
