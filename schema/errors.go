package schema

import "github.com/pkg/errors"

var (
	// ErrSchema 类型声明错误，在定义时返回
	ErrSchema          = errors.New("schema error")
	ErrUnknownProperty = errors.New("unknown property")
	ErrTypeMismatch    = errors.New("type mismatch")
)
