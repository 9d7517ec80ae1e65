package schema

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Registry 对象类型注册表，并发安全
// 结构体推导的类型只计算一次，之后的查找不加锁
type Registry struct {
	byName sync.Map // string -> *ObjectSchema
	byType sync.Map // reflect.Type -> *ObjectSchema

	mu    sync.Mutex
	group singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register 注册声明式定义的类型，同名类型结构不同时返回 ErrSchema
func (r *Registry) Register(schemas ...*ObjectSchema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range schemas {
		if err := r.register(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) register(s *ObjectSchema) error {
	if existing, ok := r.byName.Load(s.name); ok {
		if existing.(*ObjectSchema).Equal(s) {
			return nil
		}
		return errors.Wrapf(ErrSchema, "object type %s already registered with a different definition", s.name)
	}
	r.byName.Store(s.name, s)
	return nil
}

func (r *Registry) MustRegister(schemas ...*ObjectSchema) {
	if err := r.Register(schemas...); err != nil {
		panic(err)
	}
}

// SchemaFor 按类型名查找，同一类型名总是返回同一个 *ObjectSchema
func (r *Registry) SchemaFor(name string) (*ObjectSchema, error) {
	s, ok := r.byName.Load(name)
	if !ok {
		return nil, errors.Wrapf(ErrSchema, "object type %s is not registered", name)
	}
	return s.(*ObjectSchema), nil
}

// Schemas 返回按类型名排序的所有类型
func (r *Registry) Schemas() []*ObjectSchema {
	var schemas []*ObjectSchema
	r.byName.Range(func(_, value any) bool {
		schemas = append(schemas, value.(*ObjectSchema))
		return true
	})
	sort.Slice(schemas, func(i, j int) bool {
		return schemas[i].name < schemas[j].name
	})
	return schemas
}

// Validate 检查所有链接的目标类型都已注册
func (r *Registry) Validate() error {
	for _, s := range r.Schemas() {
		for _, prop := range s.properties {
			if !prop.IsLink() {
				continue
			}
			if _, ok := r.byName.Load(prop.ObjectType); !ok {
				return errors.Wrapf(ErrSchema, "%s.%s: link target %s is not registered", s.name, prop.Name, prop.ObjectType)
			}
		}
	}
	return nil
}

// SchemaFor 从结构体类型 T 推导对象类型，T 可以是结构体或结构体指针
func SchemaFor[T any](r *Registry) (*ObjectSchema, error) {
	return r.SchemaOf(reflect.TypeOf((*T)(nil)).Elem())
}

func MustSchemaFor[T any](r *Registry) *ObjectSchema {
	s, err := SchemaFor[T](r)
	if err != nil {
		panic(err)
	}
	return s
}

// SchemaOf 推导结构体类型的对象类型，链接的目标结构体一并推导
//
// 字段标签 `odb:"name,primaryKey,indexed,optional"`，`odb:"-"` 忽略字段
// 指针字段为可空属性，结构体指针为链接，结构体指针切片为对象列表
func (r *Registry) SchemaOf(t reflect.Type) (*ObjectSchema, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if s, ok := r.byType.Load(t); ok {
		return s.(*ObjectSchema), nil
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return nil, errors.Wrapf(ErrSchema, "%v is not a named struct type", t)
	}

	var targets []reflect.Type
	v, err, _ := r.group.Do(t.PkgPath()+"."+t.Name(), func() (any, error) {
		if s, ok := r.byType.Load(t); ok {
			return s, nil
		}

		s, links, err := derive(t)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if _, ok := r.byName.Load(s.name); ok {
			r.mu.Unlock()
			return nil, errors.Wrapf(ErrSchema, "object type %s is already registered", s.name)
		}
		r.byName.Store(s.name, s)
		r.mu.Unlock()
		r.byType.Store(t, s)
		targets = links
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	// 目标类型在当前类型缓存之后推导，自引用和互相引用不会死锁
	for _, target := range targets {
		if _, err := r.SchemaOf(target); err != nil {
			return nil, err
		}
	}
	return v.(*ObjectSchema), nil
}

type fieldTag struct {
	name       string
	ignored    bool
	primaryKey bool
	indexed    bool
	optional   bool
}

func parseFieldTag(field reflect.StructField) fieldTag {
	tag := fieldTag{name: field.Name}
	value, ok := field.Tag.Lookup("odb")
	if !ok {
		return tag
	}
	if value == "-" {
		tag.ignored = true
		return tag
	}
	parts := strings.Split(value, ",")
	if parts[0] != "" {
		tag.name = parts[0]
	}
	for _, part := range parts[1:] {
		switch strings.TrimSpace(part) {
		case "primaryKey":
			tag.primaryKey = true
		case "indexed":
			tag.indexed = true
		case "optional":
			tag.optional = true
		}
	}
	return tag
}

func derive(t reflect.Type) (*ObjectSchema, []reflect.Type, error) {
	var props []Property
	var links []reflect.Type
	if err := deriveFields(t, nil, &props, &links); err != nil {
		return nil, nil, err
	}
	s, err := newObjectSchema(t.Name(), props, t)
	if err != nil {
		return nil, nil, err
	}
	return s, links, nil
}

func deriveFields(t reflect.Type, index []int, props *[]Property, links *[]reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldIndex := append(append([]int{}, index...), i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct && field.Type != timeType {
			if err := deriveFields(field.Type, fieldIndex, props, links); err != nil {
				return err
			}
			continue
		}
		if !field.IsExported() {
			continue
		}
		tag := parseFieldTag(field)
		if tag.ignored {
			continue
		}

		prop, target, err := propertyOf(field.Type)
		if err != nil {
			return errors.Wrapf(ErrSchema, "%s.%s: %v", t.Name(), field.Name, err)
		}
		prop.Name = tag.name
		prop.PrimaryKey = tag.primaryKey
		prop.Indexed = tag.indexed
		prop.Optional = prop.Optional || tag.optional
		prop.field = fieldIndex
		*props = append(*props, prop)
		if target != nil {
			*links = append(*links, target)
		}
	}
	return nil
}

func propertyOf(t reflect.Type) (Property, reflect.Type, error) {
	if t.Kind() == reflect.Ptr {
		elem := t.Elem()
		if elem.Kind() == reflect.Struct && elem != timeType {
			return Property{Type: TypeObject, ObjectType: elem.Name(), Optional: true}, elem, nil
		}
		prop, _, err := propertyOf(elem)
		if err != nil {
			return prop, nil, err
		}
		if prop.Type == TypeList || prop.Type == TypeObject {
			return prop, nil, errors.Errorf("unsupported pointer type %v", t)
		}
		prop.Optional = true
		return prop, nil, nil
	}

	if t == timeType {
		return Property{Type: TypeDate}, nil, nil
	}
	if t.Kind() == reflect.Slice {
		elem := t.Elem()
		if elem.Kind() == reflect.Uint8 {
			return Property{Type: TypeBinary}, nil, nil
		}
		if elem.Kind() == reflect.Ptr && elem.Elem().Kind() == reflect.Struct && elem.Elem() != timeType {
			return Property{Type: TypeList, ElemType: TypeObject, ObjectType: elem.Elem().Name()}, elem.Elem(), nil
		}
		elemType, ok := primitiveOf(elem)
		if !ok {
			return Property{}, nil, errors.Errorf("unsupported list element type %v", elem)
		}
		return Property{Type: TypeList, ElemType: elemType}, nil, nil
	}

	propType, ok := primitiveOf(t)
	if !ok {
		return Property{}, nil, errors.Errorf("unsupported field type %v", t)
	}
	return Property{Type: propType}, nil, nil
}

func primitiveOf(t reflect.Type) (PropertyType, bool) {
	if t == timeType {
		return TypeDate, true
	}
	switch t.Kind() {
	case reflect.Bool:
		return TypeBool, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return TypeInt, true
	case reflect.Float32:
		return TypeFloat, true
	case reflect.Float64:
		return TypeDouble, true
	case reflect.String:
		return TypeString, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return TypeBinary, true
		}
	}
	return 0, false
}
