package orm

import (
	"reflect"
	"time"

	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

var (
	objectPtrType = reflect.TypeOf((*Object)(nil))
	listPtrType   = reflect.TypeOf((*List)(nil))
	timeType      = reflect.TypeOf(time.Time{})
)

// Field 类型化的属性访问器，属性位置在构造时解析一次
// 读写与 Object.Get/Object.Set 走同一条路径，两者结果一致
type Field[T any] struct {
	schema *schema.ObjectSchema
	prop   *schema.Property
}

// FieldOf T 必须与属性类型兼容：
// bool、整数、float32、float64、string、[]byte、time.Time、*Object、*List，可空属性可以使用指针，any 兼容所有属性
func FieldOf[T any](s *schema.ObjectSchema, name string) (Field[T], error) {
	prop, err := s.Lookup(name)
	if err != nil {
		return Field[T]{}, err
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	if !compatible(prop, t) {
		return Field[T]{}, errors.Wrapf(ErrTypeMismatch, "%s.%s: %v is not compatible with %v", s.Name(), name, t, prop.Type)
	}
	return Field[T]{schema: s, prop: prop}, nil
}

func MustFieldOf[T any](s *schema.ObjectSchema, name string) Field[T] {
	f, err := FieldOf[T](s, name)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Field[T]) Property() *schema.Property {
	return f.prop
}

func (f Field[T]) Get(obj *Object) (T, error) {
	var zero T
	if err := f.check(obj); err != nil {
		return zero, err
	}
	v, err := obj.getAt(f.prop)
	if err != nil {
		return zero, err
	}
	return cast[T](v)
}

func (f Field[T]) Set(obj *Object, v T) error {
	if err := f.check(obj); err != nil {
		return err
	}
	return obj.setAt(f.prop, v)
}

func (f Field[T]) check(obj *Object) error {
	if obj == nil || !obj.schema.Equal(f.schema) {
		return errors.Wrapf(ErrTypeMismatch, "field of %s used on another object type", f.schema.Name())
	}
	return nil
}

func compatible(prop *schema.Property, t reflect.Type) bool {
	if t.Kind() == reflect.Interface && t.NumMethod() == 0 {
		return true
	}
	switch prop.Type {
	case schema.TypeObject:
		return t == objectPtrType
	case schema.TypeList:
		return t == listPtrType
	}
	if t.Kind() == reflect.Ptr {
		if !prop.Optional {
			return false
		}
		t = t.Elem()
	}
	switch prop.Type {
	case schema.TypeBool:
		return t.Kind() == reflect.Bool
	case schema.TypeInt:
		switch t.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return true
		}
	case schema.TypeFloat:
		return t.Kind() == reflect.Float32
	case schema.TypeDouble:
		return t.Kind() == reflect.Float64
	case schema.TypeString:
		return t.Kind() == reflect.String
	case schema.TypeBinary:
		return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
	case schema.TypeDate:
		return t == timeType
	}
	return false
}

func cast[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	if out, ok := v.(T); ok {
		return out, nil
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	out := reflect.New(t).Elem()
	if err := assign(out, v); err != nil {
		return zero, err
	}
	return out.Interface().(T), nil
}

// assign 将规范值写入 Go 值，指针字段按需分配，整数检查溢出
func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.Kind() == reflect.Ptr {
		p := reflect.New(dst.Type().Elem())
		if err := assign(p.Elem(), v); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(dst.Type()) {
		dst.Set(rv)
		return nil
	}
	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, ok := v.(int64); ok && !dst.OverflowInt(i) {
			dst.SetInt(i)
			return nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		if i, ok := v.(int64); ok && i >= 0 && !dst.OverflowUint(uint64(i)) {
			dst.SetUint(uint64(i))
			return nil
		}
	case reflect.Float32, reflect.Float64:
		switch f := v.(type) {
		case float32:
			dst.SetFloat(float64(f))
			return nil
		case float64:
			dst.SetFloat(f)
			return nil
		}
	case reflect.Bool:
		if b, ok := v.(bool); ok {
			dst.SetBool(b)
			return nil
		}
	case reflect.String:
		if s, ok := v.(string); ok {
			dst.SetString(s)
			return nil
		}
	case reflect.Slice:
		if b, ok := v.([]byte); ok && dst.Type().Elem().Kind() == reflect.Uint8 {
			dst.Set(reflect.ValueOf(b).Convert(dst.Type()))
			return nil
		}
	}
	return errors.Wrapf(ErrTypeMismatch, "cannot assign %T to %v", v, dst.Type())
}

// NewFrom 从结构体创建未托管对象，value 为结构体或结构体指针
// 链接的结构体一并转换，同一个结构体指针只转换一次
func NewFrom(r *schema.Registry, value any) (*Object, error) {
	if isNil(value) {
		return nil, errors.Wrap(ErrTypeMismatch, "value is nil")
	}
	return newFrom(r, reflect.ValueOf(value), map[uintptr]*Object{})
}

func newFrom(r *schema.Registry, rv reflect.Value, seen map[uintptr]*Object) (*Object, error) {
	var ptr uintptr
	if rv.Kind() == reflect.Ptr {
		ptr = rv.Pointer()
		if obj, ok := seen[ptr]; ok {
			return obj, nil
		}
		rv = rv.Elem()
	}
	s, err := r.SchemaOf(rv.Type())
	if err != nil {
		return nil, err
	}

	obj := &Object{schema: s, values: make([]any, s.NumProperty())}
	if ptr != 0 {
		seen[ptr] = obj
	}
	for i, prop := range s.Properties() {
		field := s.Field(rv, i)
		switch {
		case prop.Type == schema.TypeObject:
			if field.IsNil() {
				continue
			}
			if obj.values[i], err = newFrom(r, field, seen); err != nil {
				return nil, err
			}
		case prop.Type == schema.TypeList:
			elems := make([]any, field.Len())
			for j := range elems {
				if prop.ElemType == schema.TypeObject {
					if field.Index(j).IsNil() {
						return nil, errors.Wrapf(ErrTypeMismatch, "%s.%s[%d] is nil", s.Name(), prop.Name, j)
					}
					elems[j], err = newFrom(r, field.Index(j), seen)
				} else {
					elems[j], err = schema.CoerceElem(prop, field.Index(j).Interface())
				}
				if err != nil {
					return nil, err
				}
			}
			obj.values[i] = elems
		default:
			if obj.values[i], err = schema.Coerce(prop, field.Interface()); err != nil {
				return nil, err
			}
		}
	}
	return obj, nil
}

// Decode 将对象的属性写入结构体，dst 必须是推导出该对象类型的结构体指针
// 链接对象一并解码，引用环中同一对象只解码一次
func (o *Object) Decode(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.Wrapf(ErrTypeMismatch, "decode %s into non-pointer %T", o.schema.Name(), dst)
	}
	if o.schema.GoType() == nil || rv.Elem().Type() != o.schema.GoType() {
		return errors.Wrapf(ErrTypeMismatch, "decode %s into %T", o.schema.Name(), dst)
	}
	if _, err := o.row(); err != nil {
		return err
	}
	return o.decode(rv, map[any]reflect.Value{o.decodeKey(): rv})
}

func (o *Object) decodeKey() any {
	if o.session == nil {
		return o
	}
	return o.key()
}

func (o *Object) decode(ptr reflect.Value, seen map[any]reflect.Value) error {
	rv := ptr.Elem()
	for i, prop := range o.schema.Properties() {
		v, err := o.getAt(prop)
		if err != nil {
			return err
		}
		field := o.schema.Field(rv, i)
		switch prop.Type {
		case schema.TypeObject:
			if v == nil {
				field.Set(reflect.Zero(field.Type()))
				continue
			}
			target, err := decodeLinked(v.(*Object), field.Type(), seen)
			if err != nil {
				return err
			}
			field.Set(target)
		case schema.TypeList:
			values, err := v.(*List).Values()
			if err != nil {
				return err
			}
			slice := reflect.MakeSlice(field.Type(), len(values), len(values))
			for j, elem := range values {
				if prop.ElemType == schema.TypeObject {
					target, err := decodeLinked(elem.(*Object), field.Type().Elem(), seen)
					if err != nil {
						return err
					}
					slice.Index(j).Set(target)
				} else if err := assign(slice.Index(j), elem); err != nil {
					return errors.WithMessagef(err, "%s.%s[%d]", o.schema.Name(), prop.Name, j)
				}
			}
			field.Set(slice)
		default:
			if err := assign(field, v); err != nil {
				return errors.WithMessagef(err, "%s.%s", o.schema.Name(), prop.Name)
			}
		}
	}
	return nil
}

func decodeLinked(obj *Object, ptrType reflect.Type, seen map[any]reflect.Value) (reflect.Value, error) {
	key := obj.decodeKey()
	if ptr, ok := seen[key]; ok {
		return ptr, nil
	}
	ptr := reflect.New(ptrType.Elem())
	seen[key] = ptr
	if err := obj.decode(ptr, seen); err != nil {
		return reflect.Value{}, err
	}
	return ptr, nil
}
