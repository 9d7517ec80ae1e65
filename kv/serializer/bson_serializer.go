package serializer

import (
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
)

// bsonRegistry 让 any 字段中的二进制、时间、数组、文档解码为 Go 原生类型而不是 primitive 类型
var bsonRegistry = newBSONRegistry()

func newBSONRegistry() *bsoncodec.Registry {
	registry := bson.NewRegistry()
	registry.RegisterTypeMapEntry(bson.TypeBinary, reflect.TypeOf([]byte(nil)))
	registry.RegisterTypeMapEntry(bson.TypeDateTime, reflect.TypeOf(time.Time{}))
	registry.RegisterTypeMapEntry(bson.TypeArray, reflect.TypeOf([]any(nil)))
	registry.RegisterTypeMapEntry(bson.TypeEmbeddedDocument, reflect.TypeOf(map[string]any(nil)))
	return registry
}

// BSONSerializer T 必须编码为 bson 文档（结构体或 map）
type BSONSerializer[T any] struct{}

func NewBSONSerializer[T any]() *BSONSerializer[T] {
	return &BSONSerializer[T]{}
}

func (s *BSONSerializer[T]) Serialize(from T) ([]byte, error) {
	return bson.MarshalWithRegistry(bsonRegistry, from)
}

func (s *BSONSerializer[T]) Deserialize(to []byte) (T, error) {
	var result T
	err := bson.UnmarshalWithRegistry(bsonRegistry, to, &result)
	return result, err
}
