package loader

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
)

const Namespace = "github.com/hatlonely/odb/loader"

// ChangeType 记录的变更类型
type ChangeType int

const (
	ChangeTypeUnknown ChangeType = iota
	ChangeTypeAdd
	ChangeTypeUpdate
	ChangeTypeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeTypeAdd:
		return "add"
	case ChangeTypeUpdate:
		return "update"
	case ChangeTypeDelete:
		return "delete"
	}
	return "unknown"
}

// ParseChangeType 不区分大小写，空字符串视为 add
func ParseChangeType(s string) (ChangeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "add":
		return ChangeTypeAdd, nil
	case "update":
		return ChangeTypeUpdate, nil
	case "delete":
		return ChangeTypeDelete, nil
	}
	return ChangeTypeUnknown, errors.Errorf("unknown change type %q", s)
}

// Parser 将一行数据解析为变更类型和属性字典
// 字典的键为属性名，值为解码后的原始值，由加载器按属性类型转换
type Parser interface {
	Parse(line []byte) (ChangeType, map[string]any, error)
}

// NewParserWithOptions options 为空时使用 JSONLineParser
// 可选类型：JSONLineParser、SeparatorLineParser
func NewParserWithOptions(options *ref.TypeOptions) (Parser, error) {
	if options == nil || options.Type == "" {
		return NewJSONLineParserWithOptions(nil)
	}

	registry := ref.NewRegistry(Namespace)
	registry.MustRegister("", "JSONLineParser", NewJSONLineParserWithOptions)
	registry.MustRegister("", "SeparatorLineParser", NewSeparatorLineParserWithOptions)

	obj, err := registry.NewWithOptions(options)
	if err != nil {
		return nil, errors.WithMessage(err, "registry.NewWithOptions failed")
	}
	p, ok := obj.(Parser)
	if !ok {
		return nil, errors.Errorf("%s is not a Parser", options.Type)
	}
	return p, nil
}

type Condition struct {
	Field string `cfg:"field" validate:"required"` // 字段路径，支持嵌套 "meta.op"
	Value any    `cfg:"value"`
}

// ChangeTypeRule 条件满足时记录的变更类型为 Type
type ChangeTypeRule struct {
	Conditions []Condition `cfg:"conditions"`
	Logic      string      `cfg:"logic" def:"AND" validate:"omitempty,oneof=AND OR and or"`
	Type       string      `cfg:"type" validate:"required"`
}

type changeTypeRule struct {
	conditions []Condition
	or         bool
	changeType ChangeType
}

func compileRules(rules []ChangeTypeRule) ([]changeTypeRule, error) {
	out := make([]changeTypeRule, 0, len(rules))
	for i, rule := range rules {
		changeType, err := ParseChangeType(rule.Type)
		if err != nil {
			return nil, errors.WithMessagef(err, "changeTypeRules[%d]", i)
		}
		out = append(out, changeTypeRule{
			conditions: rule.Conditions,
			or:         strings.EqualFold(rule.Logic, "OR"),
			changeType: changeType,
		})
	}
	return out, nil
}

func (r *changeTypeRule) match(data map[string]any) bool {
	if len(r.conditions) == 0 {
		return false
	}
	for _, condition := range r.conditions {
		value, ok := lookupField(data, condition.Field)
		matched := ok && compareValues(value, condition.Value)
		if r.or && matched {
			return true
		}
		if !r.or && !matched {
			return false
		}
	}
	return !r.or
}

// determineChangeType 第一个匹配的规则决定变更类型，都不匹配时为 add
func determineChangeType(rules []changeTypeRule, data map[string]any) ChangeType {
	for i := range rules {
		if rules[i].match(data) {
			return rules[i].changeType
		}
	}
	return ChangeTypeAdd
}

func lookupField(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	current := data
	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return value, true
		}
		if current, ok = value.(map[string]any); !ok {
			return nil, false
		}
	}
	return nil, false
}

// compareValues 类型不同时按字符串形式比较，json 的数字与配置中的整数可以相等
func compareValues(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}
