package loader

import (
	"strings"

	"github.com/pkg/errors"
)

type SeparatorLineParserOptions struct {
	Separator string `cfg:"separator" def:"\t"`
	// Fields 每一列对应的属性名
	Fields []string `cfg:"fields" validate:"required,min=1"`
	// ChangeTypeField 变更类型所在的列名，该列不写入对象
	ChangeTypeField string `cfg:"changeTypeField"`
}

// SeparatorLineParser 每行按分隔符切分为若干列，列值为字符串
type SeparatorLineParser struct {
	separator       string
	fields          []string
	changeTypeField string
}

func NewSeparatorLineParserWithOptions(options *SeparatorLineParserOptions) (*SeparatorLineParser, error) {
	if options == nil || len(options.Fields) == 0 {
		return nil, errors.New("fields is required")
	}
	separator := options.Separator
	if separator == "" {
		separator = "\t"
	}
	return &SeparatorLineParser{
		separator:       separator,
		fields:          options.Fields,
		changeTypeField: options.ChangeTypeField,
	}, nil
}

func (p *SeparatorLineParser) Parse(line []byte) (ChangeType, map[string]any, error) {
	parts := strings.Split(string(line), p.separator)
	if len(parts) != len(p.fields) {
		return ChangeTypeUnknown, nil, errors.Errorf("expect %d columns, got %d", len(p.fields), len(parts))
	}

	changeType := ChangeTypeAdd
	data := make(map[string]any, len(parts))
	for i, field := range p.fields {
		if field == p.changeTypeField {
			var err error
			if changeType, err = ParseChangeType(parts[i]); err != nil {
				return ChangeTypeUnknown, nil, err
			}
			continue
		}
		data[field] = parts[i]
	}
	return changeType, data, nil
}
