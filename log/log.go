package log

import (
	"io"
	"log/slog"

	"github.com/hatlonely/odb/log/logger"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
)

var defaultLogger logger.Logger

func init() {
	l, err := logger.NewSLogWithOptions(&logger.SLogOptions{
		Level:  "info",
		Format: "text",
	})
	if err != nil {
		panic("failed to initialize default logger: " + err.Error())
	}
	defaultLogger = l
}

// Default 返回默认日志器，向终端输出 text 格式日志
func Default() logger.Logger {
	return defaultLogger
}

// Discard 返回丢弃所有输出的日志器
func Discard() logger.Logger {
	return logger.NewSLog(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// NewLoggerWithOptions 根据 TypeOptions 创建日志器，options 为空时返回默认日志器
func NewLoggerWithOptions(options *ref.TypeOptions) (logger.Logger, error) {
	if options == nil || options.Type == "" {
		return Default(), nil
	}

	obj, err := ref.NewWithOptions(options)
	if err != nil {
		return nil, errors.WithMessage(err, "ref.NewWithOptions failed")
	}
	l, ok := obj.(logger.Logger)
	if !ok {
		return nil, errors.Errorf("%s:%s is not a Logger", options.Namespace, options.Type)
	}
	return l, nil
}
