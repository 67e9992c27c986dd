package bencode

import (
	"fmt"
	"reflect"
	"strings"
)

// Marshal converts a Go value into its bencode encoding using struct tags
// in the `bencode:"name,omitempty"` idiom used throughout the retrieved
// pack's KRPC packages (grounded on yarikk-dht/krpc/msg.go). Supported Go
// types: string, []byte, bool (encoded as 0/1), the integer kinds,
// slices, maps with string keys, structs, pointers, and Value itself
// (passed through, for BEP44's dynamic "v" field).
func Marshal(x interface{}) ([]byte, error) {
	v, err := toValue(reflect.ValueOf(x))
	if err != nil {
		return nil, err
	}
	return Encode(v), nil
}

// Unmarshal decodes b into x, the inverse of Marshal.
func Unmarshal(b []byte, x interface{}) error {
	v, err := DecodeAll(b)
	if err != nil {
		return err
	}
	return fromValue(v, reflect.ValueOf(x))
}

func toValue(rv reflect.Value) (Value, error) {
	if !rv.IsValid() {
		return Value{}, nil
	}
	if rv.Type() == reflect.TypeOf(Value{}) {
		return rv.Interface().(Value), nil
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Value{}, nil
		}
		return toValue(rv.Elem())
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		if rv.Bool() {
			return Int(1), nil
		}
		return Int(0), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Int(int64(rv.Uint())), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return String(string(rv.Bytes())), nil
		}
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := toValue(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case reflect.Map:
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := toValue(iter.Value())
			if err != nil {
				return Value{}, err
			}
			m[fmt.Sprint(iter.Key().Interface())] = v
		}
		return Dict(m), nil
	case reflect.Struct:
		return structToValue(rv)
	default:
		return Value{}, fmt.Errorf("bencode: cannot marshal kind %v", rv.Kind())
	}
}

func structToValue(rv reflect.Value) (Value, error) {
	m := make(map[string]Value)
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		name, omitempty := fieldTag(f)
		if name == "-" {
			continue
		}
		fv := rv.Field(i)
		if omitempty && isEmptyValue(fv) {
			continue
		}
		val, err := toValue(fv)
		if err != nil {
			return Value{}, err
		}
		m[name] = val
	}
	return Dict(m), nil
}

func fieldTag(f reflect.StructField) (name string, omitempty bool) {
	tag := f.Tag.Get("bencode")
	if tag == "" {
		return f.Name, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.String:
		return v.Len() == 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Struct:
		return v.Type() == reflect.TypeOf(Value{}) && v.Interface().(Value).IsZero()
	}
	return false
}

func fromValue(v Value, rv reflect.Value) error {
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bencode: Unmarshal target must be a non-nil pointer")
	}
	return assign(v, rv.Elem())
}

func assign(v Value, rv reflect.Value) error {
	if rv.Type() == reflect.TypeOf(Value{}) {
		rv.Set(reflect.ValueOf(v))
		return nil
	}
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return assign(v, rv.Elem())
	case reflect.String:
		if v.Kind != KindString {
			return fmt.Errorf("bencode: expected string, got kind %v", v.Kind)
		}
		rv.SetString(v.Str)
		return nil
	case reflect.Bool:
		if v.Kind != KindInt {
			return fmt.Errorf("bencode: expected int for bool, got kind %v", v.Kind)
		}
		rv.SetBool(v.Int != 0)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.Kind != KindInt {
			return fmt.Errorf("bencode: expected int, got kind %v", v.Kind)
		}
		rv.SetInt(v.Int)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v.Kind != KindInt {
			return fmt.Errorf("bencode: expected int, got kind %v", v.Kind)
		}
		rv.SetUint(uint64(v.Int))
		return nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if v.Kind != KindString {
				return fmt.Errorf("bencode: expected string for []byte, got kind %v", v.Kind)
			}
			rv.SetBytes([]byte(v.Str))
			return nil
		}
		if v.Kind != KindList {
			return fmt.Errorf("bencode: expected list, got kind %v", v.Kind)
		}
		s := reflect.MakeSlice(rv.Type(), len(v.List), len(v.List))
		for i, e := range v.List {
			if err := assign(e, s.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(s)
		return nil
	case reflect.Map:
		if v.Kind != KindDict {
			return fmt.Errorf("bencode: expected dict, got kind %v", v.Kind)
		}
		m := reflect.MakeMapWithSize(rv.Type(), len(v.Dict))
		for k, e := range v.Dict {
			ev := reflect.New(rv.Type().Elem()).Elem()
			if err := assign(e, ev); err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()), ev)
		}
		rv.Set(m)
		return nil
	case reflect.Struct:
		if v.Kind != KindDict {
			return fmt.Errorf("bencode: expected dict for struct, got kind %v", v.Kind)
		}
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name, _ := fieldTag(f)
			if name == "-" {
				continue
			}
			fval, ok := v.Dict[name]
			if !ok {
				continue
			}
			if err := assign(fval, rv.Field(i)); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("bencode: cannot unmarshal into kind %v", rv.Kind())
	}
}
