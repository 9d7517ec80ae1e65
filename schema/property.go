package schema

import "fmt"

type PropertyType int

const (
	TypeBool PropertyType = iota
	TypeInt
	TypeFloat
	TypeDouble
	TypeString
	TypeBinary
	TypeDate
	TypeObject
	TypeList
)

var propertyTypeNames = [...]string{
	TypeBool:   "bool",
	TypeInt:    "int",
	TypeFloat:  "float",
	TypeDouble: "double",
	TypeString: "string",
	TypeBinary: "binary",
	TypeDate:   "date",
	TypeObject: "object",
	TypeList:   "list",
}

func (t PropertyType) String() string {
	if t >= 0 && int(t) < len(propertyTypeNames) {
		return propertyTypeNames[t]
	}
	return fmt.Sprintf("PropertyType(%d)", int(t))
}

// Indexable 只有整数、字符串、布尔和日期可以建索引
func (t PropertyType) Indexable() bool {
	switch t {
	case TypeInt, TypeString, TypeBool, TypeDate:
		return true
	}
	return false
}

// Property 对象类型的一个属性，定义之后不可修改
type Property struct {
	Name string
	Type PropertyType

	// ElemType 列表元素类型，仅 TypeList 有效
	ElemType PropertyType

	// ObjectType 链接或对象列表的目标类型名
	ObjectType string

	Optional   bool
	Indexed    bool
	PrimaryKey bool

	// Default 静态默认值，DefaultFunc 每次构造对象时求值，后者优先
	Default     any
	DefaultFunc func() any

	index int
	field []int
}

// Index 属性在对象类型中的位置
func (p *Property) Index() int {
	return p.index
}

// IsLink 链接属性或对象列表属性
func (p *Property) IsLink() bool {
	return p.Type == TypeObject || (p.Type == TypeList && p.ElemType == TypeObject)
}

// DefaultValue 返回属性的默认值，未声明默认值时返回类型零值
func (p *Property) DefaultValue() any {
	if p.DefaultFunc != nil {
		return p.DefaultFunc()
	}
	if p.Default != nil {
		return p.Default
	}
	return ZeroValue(p)
}

func (p *Property) String() string {
	s := p.Name + " " + p.Type.String()
	if p.Type == TypeList {
		if p.ElemType == TypeObject {
			s += "<" + p.ObjectType + ">"
		} else {
			s += "<" + p.ElemType.String() + ">"
		}
	} else if p.Type == TypeObject {
		s += "<" + p.ObjectType + ">"
	}
	if p.Optional && p.Type != TypeObject {
		s += "?"
	}
	if p.PrimaryKey {
		s += " primaryKey"
	}
	if p.Indexed {
		s += " indexed"
	}
	return s
}

// equal 结构相等，默认值不参与比较
func (p *Property) equal(o *Property) bool {
	return p.Name == o.Name &&
		p.Type == o.Type &&
		p.ElemType == o.ElemType &&
		p.ObjectType == o.ObjectType &&
		p.Optional == o.Optional &&
		p.Indexed == o.Indexed &&
		p.PrimaryKey == o.PrimaryKey
}

// Builder 声明式构造属性
//
//	schema.Define("Person",
//	    schema.String("name").PrimaryKey(),
//	    schema.Int("age").Indexed(),
//	    schema.ListOf("dogs", "Dog"),
//	)
type Builder struct {
	prop    Property
	ignored bool
}

func newBuilder(name string, t PropertyType) *Builder {
	return &Builder{prop: Property{Name: name, Type: t}}
}

func Bool(name string) *Builder   { return newBuilder(name, TypeBool) }
func Int(name string) *Builder    { return newBuilder(name, TypeInt) }
func Float(name string) *Builder  { return newBuilder(name, TypeFloat) }
func Double(name string) *Builder { return newBuilder(name, TypeDouble) }
func String(name string) *Builder { return newBuilder(name, TypeString) }
func Binary(name string) *Builder { return newBuilder(name, TypeBinary) }
func Date(name string) *Builder   { return newBuilder(name, TypeDate) }

// Link 指向 target 类型对象的链接，总是可空
func Link(name string, target string) *Builder {
	b := newBuilder(name, TypeObject)
	b.prop.ObjectType = target
	b.prop.Optional = true
	return b
}

// ListOf target 类型对象的列表
func ListOf(name string, target string) *Builder {
	b := newBuilder(name, TypeList)
	b.prop.ElemType = TypeObject
	b.prop.ObjectType = target
	return b
}

// ListOfPrimitive 基础类型值的列表
func ListOfPrimitive(name string, elemType PropertyType) *Builder {
	b := newBuilder(name, TypeList)
	b.prop.ElemType = elemType
	return b
}

func (b *Builder) Optional() *Builder {
	b.prop.Optional = true
	return b
}

func (b *Builder) Indexed() *Builder {
	b.prop.Indexed = true
	return b
}

func (b *Builder) PrimaryKey() *Builder {
	b.prop.PrimaryKey = true
	return b
}

func (b *Builder) Default(v any) *Builder {
	b.prop.Default = v
	return b
}

func (b *Builder) DefaultFunc(fn func() any) *Builder {
	b.prop.DefaultFunc = fn
	return b
}

// Ignored 属性不进入对象类型
func (b *Builder) Ignored() *Builder {
	b.ignored = true
	return b
}
