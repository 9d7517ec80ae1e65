package schema

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"reflect"
	"time"

	"github.com/pkg/errors"
)

var timeType = reflect.TypeOf(time.Time{})

// ZeroValue 属性的零值：可空属性和链接为 nil，列表为空列表
func ZeroValue(prop *Property) any {
	if prop.Type == TypeList {
		return []any{}
	}
	if prop.Optional {
		return nil
	}
	return zeroOf(prop.Type)
}

func zeroOf(t PropertyType) any {
	switch t {
	case TypeBool:
		return false
	case TypeInt:
		return int64(0)
	case TypeFloat:
		return float32(0)
	case TypeDouble:
		return float64(0)
	case TypeString:
		return ""
	case TypeBinary:
		return []byte{}
	case TypeDate:
		return time.Time{}
	}
	return nil
}

// Coerce 将用户传入的值转换为属性的规范类型
// 规范类型：bool、int64、float32、float64、string、[]byte、time.Time
// 链接和列表属性由上层处理，这里只处理基础类型
func Coerce(prop *Property, v any) (any, error) {
	if isNil(v) {
		if prop.Optional {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrTypeMismatch, "%s: nil is not allowed for non-optional %v", prop.Name, prop.Type)
	}
	t := prop.Type
	if t == TypeList {
		t = prop.ElemType
	}
	out, err := coerce(t, v)
	if err != nil {
		return nil, errors.WithMessage(err, prop.Name)
	}
	return out, nil
}

// CoerceElem 转换列表元素，元素不可为 nil
func CoerceElem(prop *Property, v any) (any, error) {
	if isNil(v) {
		return nil, errors.Wrapf(ErrTypeMismatch, "%s: nil list element", prop.Name)
	}
	out, err := coerce(prop.ElemType, v)
	if err != nil {
		return nil, errors.WithMessage(err, prop.Name)
	}
	return out, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map:
		return rv.IsNil()
	}
	return false
}

func coerce(t PropertyType, v any) (any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}

	switch t {
	case TypeBool:
		if rv.Kind() == reflect.Bool {
			return rv.Bool(), nil
		}
	case TypeInt:
		if n, ok := v.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, errors.Wrapf(ErrTypeMismatch, "%s is not an int", n)
			}
			return i, nil
		}
		if i, ok := toInt64(rv); ok {
			return i, nil
		}
		if rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64 {
			f := rv.Float()
			if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
				return int64(f), nil
			}
			return nil, errors.Wrapf(ErrTypeMismatch, "%v is not an integral value", f)
		}
	case TypeFloat, TypeDouble:
		f, ok := toFloat64(v, rv)
		if !ok {
			break
		}
		if t == TypeDouble {
			return f, nil
		}
		if math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
			return nil, errors.Wrapf(ErrTypeMismatch, "%v overflows float", f)
		}
		return float32(f), nil
	case TypeString:
		if rv.Kind() == reflect.String {
			return rv.String(), nil
		}
	case TypeBinary:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytes.Clone(rv.Bytes()), nil
		}
	case TypeDate:
		if rv.IsValid() && rv.Type() == timeType {
			return rv.Interface().(time.Time), nil
		}
	default:
		return nil, errors.Wrapf(ErrTypeMismatch, "%v is not a primitive type", t)
	}
	return nil, errors.Wrapf(ErrTypeMismatch, "cannot use %T as %v", v, t)
}

func toInt64(rv reflect.Value) (int64, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

func toFloat64(v any, rv reflect.Value) (float64, bool) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	}
	return 0, false
}

// Normalize 将后端解码出的原始值转换为规范类型
// 与 Coerce 不同，这里接受编解码器的中间形态：json 的 float64 与字符串、msgpack 的小整数等
// 链接属性的原始值为目标行的 int64 id，列表为 []any
func Normalize(prop *Property, raw any) (any, error) {
	if prop.Type == TypeList {
		if raw == nil {
			return []any{}, nil
		}
		rv := reflect.ValueOf(raw)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, errors.Wrapf(ErrTypeMismatch, "%s: cannot use %T as list", prop.Name, raw)
		}
		out := make([]any, rv.Len())
		for i := range out {
			elem, err := normalize(prop.ElemType, rv.Index(i).Interface())
			if err != nil {
				return nil, errors.WithMessage(err, prop.Name)
			}
			out[i] = elem
		}
		return out, nil
	}

	if raw == nil {
		if prop.Optional {
			return nil, nil
		}
		return ZeroValue(prop), nil
	}
	out, err := normalize(prop.Type, raw)
	if err != nil {
		return nil, errors.WithMessage(err, prop.Name)
	}
	return out, nil
}

func normalize(t PropertyType, raw any) (any, error) {
	switch t {
	case TypeObject:
		return coerce(TypeInt, raw)
	case TypeBinary:
		if s, ok := raw.(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, errors.Wrapf(ErrTypeMismatch, "invalid base64 binary: %v", err)
			}
			return b, nil
		}
	case TypeDate:
		switch v := raw.(type) {
		case string:
			tm, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, errors.Wrapf(ErrTypeMismatch, "invalid date: %v", err)
			}
			return tm, nil
		case time.Time:
			return v, nil
		}
	}
	return coerce(t, raw)
}

// Equal 比较两个规范值，时间使用 time.Equal，二进制按字节比较
func Equal(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
