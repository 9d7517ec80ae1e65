package store

import (
	"context"
	"time"

	"github.com/hatlonely/odb/kv/serializer"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
)

const Namespace = "github.com/hatlonely/odb/kv/store"

var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrConditionFailed = errors.New("condition failed")
	ErrStopIteration   = errors.New("stop iteration")
)

// setOptions 用于设置 KV 数据时的选项
type setOptions struct {
	Expiration time.Duration
	IfNotExist bool
}

type setOption func(*setOptions)

func WithExpiration(expiration time.Duration) setOption {
	return func(options *setOptions) {
		options.Expiration = expiration
	}
}

func WithIfNotExist() setOption {
	return func(options *setOptions) {
		options.IfNotExist = true
	}
}

func newSetOptions(opts []setOption) *setOptions {
	options := &setOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

type Store[K, V any] interface {
	// Set 设置键值对，WithIfNotExist 时键存在则返回 ErrConditionFailed
	Set(ctx context.Context, key K, value V, opts ...setOption) error
	// Get 获取键对应的值，键不存在时返回 ErrKeyNotFound
	Get(ctx context.Context, key K) (V, error)
	// Del 删除键，键不存在时也返回成功
	Del(ctx context.Context, key K) error
	// BatchSet 批量设置，返回每个键的操作结果
	BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error)
	// BatchGet 批量获取，返回每个键的值和错误
	BatchGet(ctx context.Context, keys []K) ([]V, []error, error)
	// BatchDel 批量删除，返回每个键的操作结果
	BatchDel(ctx context.Context, keys []K) ([]error, error)
	// ForEach 遍历所有键值对，fn 返回 ErrStopIteration 时提前结束且不返回错误
	ForEach(ctx context.Context, fn func(key K, val V) error) error
	Close() error
}

// NewStoreWithOptions 按类型名构造 Store
// 可选类型：MapStore、BoltDBStore、PebbleStore、LevelDBStore、RedisStore、GormStore、ObservableStore
func NewStoreWithOptions[K comparable, V any](options *ref.TypeOptions) (Store[K, V], error) {
	if options == nil {
		return nil, errors.New("store options is nil")
	}

	registry := ref.NewRegistry(Namespace)
	registry.MustRegister("", "MapStore", NewMapStoreWithOptions[K, V])
	registry.MustRegister("", "BoltDBStore", NewBoltDBStoreWithOptions[K, V])
	registry.MustRegister("", "PebbleStore", NewPebbleStoreWithOptions[K, V])
	registry.MustRegister("", "LevelDBStore", NewLevelDBStoreWithOptions[K, V])
	registry.MustRegister("", "RedisStore", NewRedisStoreWithOptions[K, V])
	registry.MustRegister("", "GormStore", NewGormStoreWithOptions[K, V])
	registry.MustRegister("", "MongoStore", NewMongoStoreWithOptions[K, V])
	registry.MustRegister("", "ObservableStore", NewObservableStoreWithOptions[K, V])

	obj, err := registry.NewWithOptions(options)
	if err != nil {
		return nil, errors.WithMessage(err, "registry.NewWithOptions failed")
	}
	store, ok := obj.(Store[K, V])
	if !ok || store == nil {
		return nil, errors.Errorf("%s is not a Store", options.Type)
	}
	return store, nil
}

func newSerializers[K, V any](keyOptions, valOptions *ref.TypeOptions) (serializer.Serializer[K, []byte], serializer.Serializer[V, []byte], error) {
	keySerializer, err := serializer.NewByteSerializerWithOptions[K](keyOptions)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "create key serializer failed")
	}
	valSerializer, err := serializer.NewByteSerializerWithOptions[V](valOptions)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "create value serializer failed")
	}
	return keySerializer, valSerializer, nil
}

func stopped(err error) error {
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}
