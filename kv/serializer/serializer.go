package serializer

import (
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
)

const Namespace = "github.com/hatlonely/odb/kv/serializer"

type Serializer[F, T any] interface {
	Serialize(from F) (T, error)
	Deserialize(to T) (F, error)
}

// NewByteSerializerWithOptions 根据类型名创建 T 的字节序列化器
// 可选类型：MsgPackSerializer（默认）、JSONSerializer、BSONSerializer
func NewByteSerializerWithOptions[T any](options *ref.TypeOptions) (Serializer[T, []byte], error) {
	if options == nil || options.Type == "" {
		return NewMsgPackSerializer[T](), nil
	}

	registry := ref.NewRegistry(Namespace)
	registry.MustRegister("", "MsgPackSerializer", NewMsgPackSerializer[T])
	registry.MustRegister("", "JSONSerializer", NewJSONSerializer[T])
	registry.MustRegister("", "BSONSerializer", NewBSONSerializer[T])

	obj, err := registry.NewWithOptions(options)
	if err != nil {
		return nil, errors.WithMessage(err, "registry.NewWithOptions failed")
	}
	s, ok := obj.(Serializer[T, []byte])
	if !ok {
		return nil, errors.Errorf("%s is not a Serializer", options.Type)
	}
	return s, nil
}
