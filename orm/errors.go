package orm

import (
	"github.com/hatlonely/odb/engine"
	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

var (
	// ErrInvariantViolation 违反对象约束，例如修改已托管对象的主键、主键重复
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrInvalidated 对象所在的行已删除或会话已关闭
	ErrInvalidated     = errors.New("object has been deleted or invalidated")
	ErrIndexOutOfRange = errors.New("index out of range")
)

var (
	ErrSchema          = schema.ErrSchema
	ErrUnknownProperty = schema.ErrUnknownProperty
	ErrTypeMismatch    = schema.ErrTypeMismatch
	ErrIllegalState    = engine.ErrIllegalState
	ErrWriteConflict   = engine.ErrWriteConflict
	ErrClosed          = engine.ErrClosed
	ErrDuplicateKey    = engine.ErrDuplicateKey
	ErrNotFound        = engine.ErrRowNotFound
)

func errNotInWrite() error {
	return errors.Wrap(ErrIllegalState, "not in a write context")
}

func errForeignObject() error {
	return errors.Wrap(ErrIllegalState, "object belongs to another session")
}
