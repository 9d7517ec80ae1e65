package orm

import (
	"bytes"
	"reflect"
	"sort"

	"github.com/hatlonely/odb/engine"
	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

// Object 对象句柄
// 未托管时属性值保存在 values 中，托管之后绑定到会话中的一行，所有读写经过会话当前的视图
// 托管是单向的，行被删除或会话关闭之后对象永久失效
type Object struct {
	schema  *schema.ObjectSchema
	session *Session
	id      engine.RowID

	// values 未托管时的属性值，链接为 *Object，列表为 []any
	values []any

	invalidated bool
}

// New 创建未托管对象，未给出的属性取默认值，DefaultFunc 每次构造时重新求值
func New(s *schema.ObjectSchema, values map[string]any) (*Object, error) {
	obj, err := newUnmanaged(s)
	if err != nil {
		return nil, err
	}
	if err := obj.SetValues(values); err != nil {
		return nil, err
	}
	return obj, nil
}

func newUnmanaged(s *schema.ObjectSchema) (*Object, error) {
	obj := &Object{schema: s, values: make([]any, s.NumProperty())}
	for i, prop := range s.Properties() {
		switch prop.Type {
		case schema.TypeObject:
			obj.values[i] = nil
		case schema.TypeList:
			v, err := convert(prop, prop.DefaultValue())
			if err != nil {
				return nil, err
			}
			obj.values[i] = v
		default:
			v, err := schema.Coerce(prop, prop.DefaultValue())
			if err != nil {
				return nil, errors.WithMessagef(err, "default value of %s.%s", s.Name(), prop.Name)
			}
			obj.values[i] = v
		}
	}
	return obj, nil
}

func (o *Object) ObjectSchema() *schema.ObjectSchema {
	return o.schema
}

func (o *Object) IsManaged() bool {
	return o.session != nil
}

// Session 未托管对象返回 nil
func (o *Object) Session() *Session {
	return o.session
}

// ID 托管对象的行 id，未托管对象返回 0
func (o *Object) ID() engine.RowID {
	return o.id
}

// IsInvalidated 行已删除或会话已关闭，一旦为 true 不再恢复
func (o *Object) IsInvalidated() bool {
	_, err := o.row()
	return err != nil
}

// Equal 同一会话中的同一行，或者同一个未托管对象
func (o *Object) Equal(other *Object) bool {
	if o == other {
		return true
	}
	if o == nil || other == nil || o.session == nil {
		return false
	}
	return o.session == other.session && o.schema.Name() == other.schema.Name() && o.id == other.id
}

func (o *Object) key() engine.RowKey {
	return engine.RowKey{Type: o.schema.Name(), ID: o.id}
}

// row 托管对象在会话当前视图中的行，未托管对象返回 nil
func (o *Object) row() (*engine.Row, error) {
	if o.invalidated {
		return nil, errors.Wrapf(ErrInvalidated, "%s", o.schema.Name())
	}
	if o.session == nil {
		return nil, nil
	}
	if o.session.closed {
		o.invalidated = true
		return nil, errors.Wrapf(ErrInvalidated, "%s: session closed", o.schema.Name())
	}
	row, ok := o.session.view().Row(o.schema.Name(), o.id)
	if !ok {
		o.invalidated = true
		return nil, errors.Wrapf(ErrInvalidated, "%s", o.schema.Name())
	}
	return row, nil
}

// writable 托管对象必须处于会话的写事务中
func (o *Object) writable() (*engine.Row, error) {
	row, err := o.row()
	if err != nil {
		return nil, err
	}
	if o.session != nil && o.session.txn == nil {
		return nil, errNotInWrite()
	}
	return row, nil
}

func (o *Object) Get(name string) (any, error) {
	prop, err := o.schema.Lookup(name)
	if err != nil {
		return nil, err
	}
	return o.getAt(prop)
}

func (o *Object) getAt(prop *schema.Property) (any, error) {
	row, err := o.row()
	if err != nil {
		return nil, err
	}
	if row == nil {
		return o.local(prop), nil
	}
	return o.session.wrap(o, prop, row.Value(prop.Index())), nil
}

func (o *Object) local(prop *schema.Property) any {
	v := o.values[prop.Index()]
	switch prop.Type {
	case schema.TypeObject:
		if v == nil {
			return nil
		}
	case schema.TypeList:
		return &List{owner: o, prop: prop}
	case schema.TypeBinary:
		if b, ok := v.([]byte); ok {
			return bytes.Clone(b)
		}
	}
	return v
}

func (o *Object) Set(name string, v any) error {
	prop, err := o.schema.Lookup(name)
	if err != nil {
		return err
	}
	return o.setAt(prop, v)
}

func (o *Object) setAt(prop *schema.Property, v any) error {
	row, err := o.writable()
	if err != nil {
		return err
	}
	value, err := convert(prop, v)
	if err != nil {
		return err
	}
	if err := o.checkPrimaryKey(row, prop, value); err != nil {
		return err
	}
	if err := o.checkAttach(value); err != nil {
		return err
	}
	return o.atomic(func() error {
		return o.assign(prop, value)
	})
}

// checkAttach 托管对象写入链接之前校验目标都能加入同一会话
func (o *Object) checkAttach(values ...any) error {
	if o.session == nil {
		return nil
	}
	return o.session.checkAttach(values...)
}

// atomic 托管对象的一次修改要么全部生效，要么不留下任何修改
func (o *Object) atomic(fn func() error) error {
	if o.session == nil {
		return fn()
	}
	return o.session.atomic(fn)
}

// checkPrimaryKey 托管对象的主键不可修改，写入相同的值允许
func (o *Object) checkPrimaryKey(row *engine.Row, prop *schema.Property, value any) error {
	if !prop.PrimaryKey || row == nil {
		return nil
	}
	if schema.Equal(row.Value(prop.Index()), value) {
		return nil
	}
	return errors.Wrapf(ErrInvariantViolation, "%s.%s: primary key is immutable once managed", o.schema.Name(), prop.Name)
}

// assign 写入已经转换过的值，列表整体替换等价于 RemoveAll 之后依次 Append
func (o *Object) assign(prop *schema.Property, value any) error {
	if prop.Type == schema.TypeList {
		list := &List{owner: o, prop: prop}
		if err := list.RemoveAll(); err != nil {
			return err
		}
		return list.Append(value.([]any)...)
	}
	if o.session == nil {
		o.values[prop.Index()] = value
		return nil
	}

	if prop.Type == schema.TypeObject && value != nil {
		id, err := o.session.attach(value.(*Object))
		if err != nil {
			return err
		}
		value = id
	}
	if prop.PrimaryKey {
		// 值相同，前面已经检查过
		return nil
	}
	return o.session.txn.WriteProperty(o.schema.Name(), o.id, prop.Name, value)
}

// SetValues 按字典批量修改，先校验全部属性、主键和链接，再依次写入，失败时不留下部分修改
func (o *Object) SetValues(values map[string]any) error {
	row, err := o.writable()
	if err != nil {
		return err
	}

	props := make([]*schema.Property, 0, len(values))
	for name := range values {
		prop, err := o.schema.Lookup(name)
		if err != nil {
			return err
		}
		props = append(props, prop)
	}
	sort.Slice(props, func(i, j int) bool {
		return props[i].Index() < props[j].Index()
	})

	converted := make([]any, len(props))
	for i, prop := range props {
		if converted[i], err = convert(prop, values[prop.Name]); err != nil {
			return err
		}
		if err := o.checkPrimaryKey(row, prop, converted[i]); err != nil {
			return err
		}
	}
	if err := o.checkAttach(converted...); err != nil {
		return err
	}
	return o.atomic(func() error {
		for i, prop := range props {
			if err := o.assign(prop, converted[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// List 按名字获取列表属性，属性不存在或不是列表时返回 ErrUnknownProperty
func (o *Object) List(name string) (*List, error) {
	prop, ok := o.schema.Property(name)
	if !ok || prop.Type != schema.TypeList {
		return nil, errors.Wrapf(ErrUnknownProperty, "%s.%s is not a list property", o.schema.Name(), name)
	}
	if _, err := o.row(); err != nil {
		return nil, err
	}
	return &List{owner: o, prop: prop}, nil
}

// convert 将用户传入的值转换为未托管形态：链接为 *Object，列表为 []any
func convert(prop *schema.Property, v any) (any, error) {
	switch prop.Type {
	case schema.TypeObject:
		if isNil(v) {
			return nil, nil
		}
		return convertObject(prop, v)
	case schema.TypeList:
		if isNil(v) {
			return []any{}, nil
		}
		if list, ok := v.(*List); ok {
			return list.Values()
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, errors.Wrapf(ErrTypeMismatch, "%s: cannot use %T as list", prop.Name, v)
		}
		elems := make([]any, rv.Len())
		for i := range elems {
			elem, err := convertElem(prop, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			elems[i] = elem
		}
		return elems, nil
	}
	return schema.Coerce(prop, v)
}

func convertElem(prop *schema.Property, v any) (any, error) {
	if prop.ElemType == schema.TypeObject {
		if isNil(v) {
			return nil, errors.Wrapf(ErrTypeMismatch, "%s: nil list element", prop.Name)
		}
		return convertObject(prop, v)
	}
	return schema.CoerceElem(prop, v)
}

func convertObject(prop *schema.Property, v any) (any, error) {
	obj, ok := v.(*Object)
	if !ok {
		return nil, errors.Wrapf(ErrTypeMismatch, "%s: cannot use %T as %s", prop.Name, v, prop.ObjectType)
	}
	if obj.schema.Name() != prop.ObjectType {
		return nil, errors.Wrapf(ErrTypeMismatch, "%s: cannot use %s as %s", prop.Name, obj.schema.Name(), prop.ObjectType)
	}
	if _, err := obj.row(); err != nil {
		return nil, err
	}
	return obj, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
