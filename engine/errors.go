package engine

import "github.com/pkg/errors"

var (
	// ErrIllegalState 在错误的上下文中调用，例如事务提交之后继续使用
	ErrIllegalState  = errors.New("illegal state")
	ErrWriteConflict = errors.New("write conflict")
	ErrClosed        = errors.New("engine closed")
	ErrDuplicateKey  = errors.New("duplicate primary key")
	ErrRowNotFound   = errors.New("row not found")
)
