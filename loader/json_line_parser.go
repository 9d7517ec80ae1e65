package loader

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

type JSONLineParserOptions struct {
	// ChangeTypeRules 按顺序匹配，都不匹配时记录为 add
	ChangeTypeRules []ChangeTypeRule `cfg:"changeTypeRules" validate:"dive"`
}

// JSONLineParser 每行一个 json 对象，顶层字段为属性名
// 数字保留为 json.Number，整数属性不会丢失精度
type JSONLineParser struct {
	rules []changeTypeRule
}

func NewJSONLineParserWithOptions(options *JSONLineParserOptions) (*JSONLineParser, error) {
	if options == nil {
		options = &JSONLineParserOptions{}
	}
	rules, err := compileRules(options.ChangeTypeRules)
	if err != nil {
		return nil, err
	}
	return &JSONLineParser{rules: rules}, nil
}

func (p *JSONLineParser) Parse(line []byte) (ChangeType, map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(line))
	decoder.UseNumber()

	var data map[string]any
	if err := decoder.Decode(&data); err != nil {
		return ChangeTypeUnknown, nil, errors.Wrap(err, "json decode failed")
	}
	if data == nil {
		return ChangeTypeUnknown, nil, errors.New("line is not a json object")
	}
	return determineChangeType(p.rules, data), data, nil
}
