package uid

import (
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
)

func init() {
	ref.MustRegisterT[SnowflakeGenerator](NewSnowflakeGeneratorWithOptions)
	ref.MustRegisterT[UUIDGenerator](NewUUIDGeneratorWithOptions)
}

// IntGenerator 生成 64 位整数 ID
type IntGenerator interface {
	Generate() int64
}

// StrGenerator 生成字符串 ID
type StrGenerator interface {
	Generate() string
}

// NewIntGeneratorWithOptions options 为空时使用默认的 Snowflake 生成器
func NewIntGeneratorWithOptions(options *ref.TypeOptions) (IntGenerator, error) {
	if options == nil || options.Type == "" {
		return NewSnowflakeGeneratorWithOptions(nil), nil
	}

	obj, err := ref.NewWithOptions(options)
	if err != nil {
		return nil, errors.WithMessage(err, "ref.NewWithOptions failed")
	}
	generator, ok := obj.(IntGenerator)
	if !ok {
		return nil, errors.New("generator is not an IntGenerator")
	}
	return generator, nil
}
