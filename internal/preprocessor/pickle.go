package preprocessor

import (
	"fmt"
	"io"
	"math/big"
	"reflect"
	"strings"

	"github.com/nlpodyssey/gopickle/pickle"
)

// unpickle decodes a Python pickle stream. Classes the unpickler does not know
// natively are resolved by findClass: numpy arrays and dtypes decode into
// ndarray/dtype, every other class into a generic pyObject holding its
// instance attributes.
func unpickle(r io.Reader) (interface{}, error) {
	u := pickle.NewUnpickler(r)
	u.FindClass = findClass
	return u.Load()
}

func findClass(module, name string) (interface{}, error) {
	switch module {
	case "numpy.core.multiarray", "numpy._core.multiarray":
		switch name {
		case "_reconstruct":
			return reconstructFunc{}, nil
		case "scalar":
			return scalarFunc{}, nil
		}
	case "numpy.core.numeric", "numpy._core.numeric":
		if name == "_frombuffer" {
			return frombufferFunc{}, nil
		}
	case "numpy":
		switch name {
		case "ndarray":
			return ndarrayClass{}, nil
		case "dtype":
			return dtypeClass{}, nil
		}
	case "_codecs":
		if name == "encode" {
			return codecsEncodeFunc{}, nil
		}
	case "copy_reg", "copyreg":
		if name == "_reconstructor" {
			return reconstructorFunc{}, nil
		}
	}
	return &pyClass{Module: module, Name: name}, nil
}

// pyClass stands in for any Python class the exporter has no specific
// decoding for.
type pyClass struct {
	Module string
	Name   string
}

func (c *pyClass) PyNew(args ...interface{}) (interface{}, error) {
	return &pyObject{Class: c, Attrs: make(map[string]interface{})}, nil
}

func (c *pyClass) Call(args ...interface{}) (interface{}, error) {
	return c.PyNew(args...)
}

func (c *pyClass) String() string {
	return c.Module + "." + c.Name
}

// pyObject is an instance of a pyClass. Attrs is the instance __dict__.
type pyObject struct {
	Class *pyClass
	Attrs map[string]interface{}
}

func (o *pyObject) PySetState(state interface{}) error {
	// (dict, slots) pairs come from classes that define __slots__.
	if items, ok := sequence(state); ok && len(items) == 2 {
		for _, part := range items {
			if err := o.mergeState(part); err != nil {
				return err
			}
		}
		return nil
	}
	return o.mergeState(state)
}

func (o *pyObject) PyDictSet(key, value interface{}) error {
	name, ok := key.(string)
	if !ok {
		return fmt.Errorf("%s: attribute name %v is not a string", o.Class, key)
	}
	o.Attrs[name] = value
	return nil
}

func (o *pyObject) mergeState(state interface{}) error {
	if state == nil || isNone(state) {
		return nil
	}
	entries, ok := dictEntries(state)
	if !ok {
		return fmt.Errorf("%s: unsupported instance state %T", o.Class, state)
	}
	for k, v := range entries {
		o.Attrs[k] = v
	}
	return nil
}

// reconstructorFunc is copyreg._reconstructor(cls, base, state) used by
// protocol 0 and 1 pickles.
type reconstructorFunc struct{}

func (reconstructorFunc) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("_reconstructor: missing class")
	}
	c, ok := args[0].(*pyClass)
	if !ok {
		return nil, fmt.Errorf("_reconstructor: unsupported class %T", args[0])
	}
	return c.PyNew()
}

// codecsEncodeFunc is _codecs.encode(str, "latin1"), which protocol 2 uses to
// carry bytes objects.
type codecsEncodeFunc struct{}

func (codecsEncodeFunc) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return []byte{}, nil
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("_codecs.encode: unsupported argument %T", args[0])
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return nil, fmt.Errorf("_codecs.encode: rune %U outside latin1", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

// attr reads a named member from a decoded object: an instance attribute of a
// pyObject or a string key of a dict.
func attr(obj interface{}, name string) (interface{}, bool) {
	if o, ok := obj.(*pyObject); ok {
		v, ok := o.Attrs[name]
		return v, ok
	}
	entries, ok := dictEntries(obj)
	if !ok {
		return nil, false
	}
	v, ok := entries[name]
	return v, ok
}

// mapping is the accessor surface of the unpickler's dict types.
type mapping interface {
	Keys() []interface{}
	Get(key interface{}) (interface{}, bool)
}

// dictEntries returns the string-keyed entries of a decoded Python dict.
// Non-string keys are skipped.
func dictEntries(v interface{}) (map[string]interface{}, bool) {
	out := make(map[string]interface{})

	if m, ok := v.(mapping); ok {
		for _, k := range m.Keys() {
			if name, ok := k.(string); ok {
				out[name], _ = m.Get(k)
			}
		}
		return out, true
	}

	rv := reflect.Indirect(reflect.ValueOf(v))
	switch rv.Kind() {
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if name, ok := iter.Key().Interface().(string); ok {
				out[name] = iter.Value().Interface()
			}
		}
		return out, true
	case reflect.Slice:
		// Ordered dicts are slices of *{Key, Value} entries.
		for i := 0; i < rv.Len(); i++ {
			e := reflect.Indirect(rv.Index(i))
			if e.Kind() != reflect.Struct {
				return nil, false
			}
			k, val := e.FieldByName("Key"), e.FieldByName("Value")
			if !k.IsValid() || !val.IsValid() {
				return nil, false
			}
			if name, ok := k.Interface().(string); ok {
				out[name] = val.Interface()
			}
		}
		return out, true
	}
	return nil, false
}

// sequence returns the items of a decoded Python list or tuple. The unpickler
// represents both as named []interface{} slice types.
func sequence(v interface{}) ([]interface{}, bool) {
	if items, ok := v.([]interface{}); ok {
		return items, true
	}
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() != reflect.Interface {
		return nil, false
	}
	items := make([]interface{}, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// asBytes returns the contents of a decoded bytes or bytearray value.
func asBytes(v interface{}) ([]byte, bool) {
	if b, ok := v.([]byte); ok {
		return b, true
	}
	rv := reflect.Indirect(reflect.ValueOf(v))
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return rv.Bytes(), true
	}
	return nil, false
}

func isNone(v interface{}) bool {
	if v == nil {
		return true
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.Contains(t.Name(), "None")
}

// toFloat converts a decoded Python number to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	}
	return 0, false
}
