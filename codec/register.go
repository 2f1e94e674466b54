package codec

import (
	"reflect"
	"sync"
	"time"

	"ergo.services/hive/gen"
	"github.com/pingcap/errors"
)

var registry = struct {
	sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}{
	byName: make(map[string]reflect.Type),
	byType: make(map[reflect.Type]string),
}

func init() {
	for _, v := range []any{
		false, "",
		int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
		[]byte{}, []string{}, []int{}, []any{},
		map[string]any{}, map[string]string{}, map[string]int{},
		gen.Atom(""), gen.PID{}, gen.Tag{}, time.Time{}, time.Duration(0),
	} {
		register(reflect.TypeOf(v))
	}
}

func regTypeName(t reflect.Type) string {
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return "#" + t.PkgPath() + "/" + t.Name()
}

func register(t reflect.Type) string {
	name := regTypeName(t)
	registry.byName[name] = t
	registry.byType[t] = name
	return name
}

// RegisterTypeOf registers the type of the given value. Decoding a message
// requires its type to be registered. Types of the sent messages are
// registered on the encoding, so explicit registration is needed only if
// the receiving side never encodes a value of this type.
func RegisterTypeOf(v any) error {
	if v == nil {
		return gen.ErrIncorrect.GenWithStackByArgs("nil value")
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Interface || t.Kind() == reflect.Func || t.Kind() == reflect.Chan {
		return gen.ErrIncorrect.GenWithStackByArgs("unable to register " + t.String())
	}
	registry.Lock()
	register(t)
	registry.Unlock()
	return nil
}

// Register registers the type T.
func Register[T any]() error {
	var v T
	return RegisterTypeOf(v)
}

func typeNameOf(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	t := reflect.TypeOf(v)
	registry.RLock()
	name, found := registry.byType[t]
	registry.RUnlock()
	if found {
		return name, nil
	}
	switch t.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return "", gen.ErrSerialization.GenWithStackByArgs("unsupported type " + t.String())
	}
	registry.Lock()
	name = register(t)
	registry.Unlock()
	return name, nil
}

func newValueOf(name string) (reflect.Value, error) {
	registry.RLock()
	t, found := registry.byName[name]
	registry.RUnlock()
	if found == false {
		return reflect.Value{}, errors.Trace(gen.ErrSerialization.GenWithStackByArgs("unknown type " + name))
	}
	return reflect.New(t), nil
}
