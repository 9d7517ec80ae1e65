package orm

import (
	"fmt"
	"strings"
	"time"

	"github.com/hatlonely/odb/schema"
)

const maxDescriptionDepth = 5

const maxDepthPlaceholder = "<Maximum depth exceeded>"

// String 对象的结构化描述，链接展开超过 5 层时以占位符代替
func (o *Object) String() string {
	var sb strings.Builder
	describeObject(&sb, o, 0)
	return sb.String()
}

func describeObject(sb *strings.Builder, o *Object, depth int) {
	if o == nil {
		sb.WriteString("(null)")
		return
	}
	if depth >= maxDescriptionDepth {
		sb.WriteString(maxDepthPlaceholder)
		return
	}
	if _, err := o.row(); err != nil {
		sb.WriteString("[invalid object]")
		return
	}

	indent := strings.Repeat("\t", depth)
	sb.WriteString(o.schema.Name())
	sb.WriteString(" {\n")
	for _, prop := range o.schema.Properties() {
		v, err := o.getAt(prop)
		sb.WriteString(indent)
		sb.WriteString("\t")
		sb.WriteString(prop.Name)
		sb.WriteString(" = ")
		if err != nil {
			sb.WriteString("[invalid object]")
		} else {
			describeValue(sb, prop, v, depth+1)
		}
		sb.WriteString(";\n")
	}
	sb.WriteString(indent)
	sb.WriteString("}")
}

func describeValue(sb *strings.Builder, prop *schema.Property, v any, depth int) {
	switch prop.Type {
	case schema.TypeObject:
		obj, _ := v.(*Object)
		describeObject(sb, obj, depth)
	case schema.TypeList:
		describeList(sb, prop, v.(*List), depth)
	default:
		sb.WriteString(formatPrimitive(v))
	}
}

func describeList(sb *strings.Builder, prop *schema.Property, list *List, depth int) {
	elemType := prop.ElemType.String()
	if prop.ElemType == schema.TypeObject {
		elemType = prop.ObjectType
	}
	fmt.Fprintf(sb, "List<%s> [", elemType)

	values, err := list.Values()
	if err != nil {
		sb.WriteString("[invalid object]]")
		return
	}
	if len(values) == 0 {
		sb.WriteString("]")
		return
	}

	indent := strings.Repeat("\t", depth)
	sb.WriteString("\n")
	for i, v := range values {
		fmt.Fprintf(sb, "%s\t[%d] ", indent, i)
		if prop.ElemType == schema.TypeObject {
			describeObject(sb, v.(*Object), depth+1)
		} else {
			sb.WriteString(formatPrimitive(v))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(indent)
	sb.WriteString("]")
}

func formatPrimitive(v any) string {
	switch v := v.(type) {
	case nil:
		return "(null)"
	case []byte:
		return fmt.Sprintf("<%x>", v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
