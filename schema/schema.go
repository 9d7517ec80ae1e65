package schema

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// ObjectSchema 一个对象类型的有序属性列表，构造后不可修改
type ObjectSchema struct {
	name       string
	properties []*Property
	byName     map[string]int
	primaryKey *Property

	// goType 由结构体推导时记录，属性的 field 为结构体字段的索引路径
	goType reflect.Type
}

// Define 按声明顺序定义对象类型，声明错误时返回 ErrSchema
func Define(name string, builders ...*Builder) (*ObjectSchema, error) {
	props := make([]Property, 0, len(builders))
	for _, b := range builders {
		if b == nil || b.ignored {
			continue
		}
		props = append(props, b.prop)
	}
	return newObjectSchema(name, props, nil)
}

func MustDefine(name string, builders ...*Builder) *ObjectSchema {
	s, err := Define(name, builders...)
	if err != nil {
		panic(err)
	}
	return s
}

func newObjectSchema(name string, props []Property, goType reflect.Type) (*ObjectSchema, error) {
	if name == "" {
		return nil, errors.Wrap(ErrSchema, "object type name is empty")
	}

	s := &ObjectSchema{
		name:       name,
		properties: make([]*Property, 0, len(props)),
		byName:     make(map[string]int, len(props)),
		goType:     goType,
	}
	for i := range props {
		prop := props[i]
		if err := validateProperty(name, &prop); err != nil {
			return nil, err
		}
		if _, ok := s.byName[prop.Name]; ok {
			return nil, errors.Wrapf(ErrSchema, "%s: duplicate property %q", name, prop.Name)
		}
		if prop.PrimaryKey {
			if s.primaryKey != nil {
				return nil, errors.Wrapf(ErrSchema, "%s: multiple primary keys %q and %q", name, s.primaryKey.Name, prop.Name)
			}
			s.primaryKey = &prop
		}
		prop.index = len(s.properties)
		s.byName[prop.Name] = prop.index
		s.properties = append(s.properties, &prop)
	}
	return s, nil
}

func validateProperty(typeName string, prop *Property) error {
	if prop.Name == "" {
		return errors.Wrapf(ErrSchema, "%s: property name is empty", typeName)
	}
	if prop.Type < TypeBool || prop.Type > TypeList {
		return errors.Wrapf(ErrSchema, "%s.%s: invalid property type %v", typeName, prop.Name, prop.Type)
	}

	switch prop.Type {
	case TypeObject:
		if prop.ObjectType == "" {
			return errors.Wrapf(ErrSchema, "%s.%s: link without target type", typeName, prop.Name)
		}
		prop.Optional = true
	case TypeList:
		if prop.ElemType == TypeList || prop.ElemType < TypeBool || prop.ElemType > TypeList {
			return errors.Wrapf(ErrSchema, "%s.%s: invalid list element type %v", typeName, prop.Name, prop.ElemType)
		}
		if prop.ElemType == TypeObject && prop.ObjectType == "" {
			return errors.Wrapf(ErrSchema, "%s.%s: object list without target type", typeName, prop.Name)
		}
		if prop.Optional {
			return errors.Wrapf(ErrSchema, "%s.%s: list property cannot be optional", typeName, prop.Name)
		}
	}

	if prop.PrimaryKey && prop.Type != TypeInt && prop.Type != TypeString {
		return errors.Wrapf(ErrSchema, "%s.%s: primary key of type %v is not supported", typeName, prop.Name, prop.Type)
	}
	if prop.Indexed && !prop.Type.Indexable() {
		return errors.Wrapf(ErrSchema, "%s.%s: index on type %v is not supported", typeName, prop.Name, prop.Type)
	}

	if prop.Default != nil {
		if prop.IsLink() {
			return errors.Wrapf(ErrSchema, "%s.%s: link property cannot have a default value", typeName, prop.Name)
		}
		v, err := Coerce(prop, prop.Default)
		if err != nil {
			return errors.Wrapf(ErrSchema, "%s.%s: invalid default value: %v", typeName, prop.Name, err)
		}
		prop.Default = v
	}
	return nil
}

func (s *ObjectSchema) Name() string {
	return s.name
}

// Properties 返回声明顺序的属性列表
func (s *ObjectSchema) Properties() []*Property {
	props := make([]*Property, len(s.properties))
	copy(props, s.properties)
	return props
}

func (s *ObjectSchema) PropertyNames() []string {
	names := make([]string, len(s.properties))
	for i, prop := range s.properties {
		names[i] = prop.Name
	}
	return names
}

func (s *ObjectSchema) NumProperty() int {
	return len(s.properties)
}

func (s *ObjectSchema) PropertyAt(i int) *Property {
	return s.properties[i]
}

func (s *ObjectSchema) Property(name string) (*Property, bool) {
	i, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return s.properties[i], true
}

// Lookup 属性不存在时返回 ErrUnknownProperty
func (s *ObjectSchema) Lookup(name string) (*Property, error) {
	prop, ok := s.Property(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProperty, "%s.%s", s.name, name)
	}
	return prop, nil
}

// PrimaryKey 没有主键时返回 nil
func (s *ObjectSchema) PrimaryKey() *Property {
	return s.primaryKey
}

// GoType 由结构体推导的类型，声明式定义的类型返回 nil
func (s *ObjectSchema) GoType() reflect.Type {
	return s.goType
}

// Field 返回结构体值 v 中属性 i 对应的字段
func (s *ObjectSchema) Field(v reflect.Value, i int) reflect.Value {
	return v.FieldByIndex(s.properties[i].field)
}

// Equal 结构相等：类型名和有序属性列表相同
func (s *ObjectSchema) Equal(o *ObjectSchema) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || s.name != o.name || len(s.properties) != len(o.properties) {
		return false
	}
	for i := range s.properties {
		if !s.properties[i].equal(o.properties[i]) {
			return false
		}
	}
	return true
}

func (s *ObjectSchema) String() string {
	var sb strings.Builder
	sb.WriteString(s.name)
	sb.WriteString(" {\n")
	for _, prop := range s.properties {
		sb.WriteString("\t")
		sb.WriteString(prop.String())
		sb.WriteString("\n")
	}
	sb.WriteString("}")
	return sb.String()
}
