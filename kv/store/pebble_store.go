package store

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/fifo"
	"github.com/cockroachdb/pebble"
	"github.com/hatlonely/odb/kv/serializer"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
)

type PebbleStoreOptions struct {
	// DBPath 数据库目录，不存在时自动创建
	DBPath string `cfg:"dbPath" validate:"required"`

	KeySerializer *ref.TypeOptions `cfg:"keySerializer"`
	ValSerializer *ref.TypeOptions `cfg:"valSerializer"`

	// SetWithoutSync 写入时不同步 WAL
	SetWithoutSync bool `cfg:"setWithoutSync"`

	// BytesPerSync sstable 定期同步的字节数，默认 512KB
	BytesPerSync int `cfg:"bytesPerSync"`

	// CacheSize 未压缩块缓存大小，为 0 时使用 pebble 默认的 8MB
	CacheSize int64 `cfg:"cacheSize"`

	// LoadBlockConcurrency 限制并行从文件系统加载的块数，为 0 时不限制
	LoadBlockConcurrency int64 `cfg:"loadBlockConcurrency"`

	// DisableWAL 禁用预写日志，崩溃后数据不可恢复
	DisableWAL bool `cfg:"disableWAL"`

	// MemTableSize 单个 memtable 大小，默认 4MB
	MemTableSize int `cfg:"memTableSize"`

	MaxOpenFiles int  `cfg:"maxOpenFiles"`
	ReadOnly     bool `cfg:"readOnly"`
}

type PebbleStore[K, V any] struct {
	db            *pebble.DB
	keySerializer serializer.Serializer[K, []byte]
	valSerializer serializer.Serializer[V, []byte]
	writeOptions  *pebble.WriteOptions

	mu sync.Mutex
}

func NewPebbleStoreWithOptions[K, V any](options *PebbleStoreOptions) (*PebbleStore[K, V], error) {
	if options.DBPath == "" {
		return nil, errors.New("dbPath is required")
	}

	keySerializer, valSerializer, err := newSerializers[K, V](options.KeySerializer, options.ValSerializer)
	if err != nil {
		return nil, err
	}

	pebbleOptions := &pebble.Options{
		BytesPerSync: options.BytesPerSync,
		DisableWAL:   options.DisableWAL,
		MemTableSize: uint64(options.MemTableSize),
		MaxOpenFiles: options.MaxOpenFiles,
		ReadOnly:     options.ReadOnly,
	}
	if options.CacheSize > 0 {
		cache := pebble.NewCache(options.CacheSize)
		defer cache.Unref()
		pebbleOptions.Cache = cache
	}
	if options.LoadBlockConcurrency > 0 {
		pebbleOptions.LoadBlockSema = fifo.NewSemaphore(options.LoadBlockConcurrency)
	}

	db, err := pebble.Open(options.DBPath, pebbleOptions)
	if err != nil {
		return nil, errors.Wrapf(err, "pebble.Open failed. dbPath: %s", options.DBPath)
	}

	writeOptions := pebble.Sync
	if options.SetWithoutSync {
		writeOptions = pebble.NoSync
	}

	return &PebbleStore[K, V]{
		db:            db,
		keySerializer: keySerializer,
		valSerializer: valSerializer,
		writeOptions:  writeOptions,
	}, nil
}

func (s *PebbleStore[K, V]) has(keyBytes []byte) (bool, error) {
	_, closer, err := s.db.Get(keyBytes)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "pebble.Get failed")
	}
	return true, closer.Close()
}

func (s *PebbleStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
	options := newSetOptions(opts)

	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return errors.Wrap(err, "marshal key failed")
	}
	valueBytes, err := s.valSerializer.Serialize(value)
	if err != nil {
		return errors.Wrap(err, "marshal value failed")
	}

	if options.IfNotExist {
		s.mu.Lock()
		defer s.mu.Unlock()

		exists, err := s.has(keyBytes)
		if err != nil {
			return err
		}
		if exists {
			return ErrConditionFailed
		}
	}

	if err := s.db.Set(keyBytes, valueBytes, s.writeOptions); err != nil {
		return errors.Wrap(err, "pebble.Set failed")
	}
	return nil
}

func (s *PebbleStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return zero, errors.Wrap(err, "marshal key failed")
	}

	data, closer, err := s.db.Get(keyBytes)
	if errors.Is(err, pebble.ErrNotFound) {
		return zero, ErrKeyNotFound
	}
	if err != nil {
		return zero, errors.Wrap(err, "pebble.Get failed")
	}
	// data 在 closer.Close 之后失效
	valueBytes := bytes.Clone(data)
	if err := closer.Close(); err != nil {
		return zero, errors.Wrap(err, "closer.Close failed")
	}

	value, err := s.valSerializer.Deserialize(valueBytes)
	if err != nil {
		return zero, errors.Wrap(err, "unmarshal value failed")
	}
	return value, nil
}

func (s *PebbleStore[K, V]) Del(ctx context.Context, key K) error {
	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return errors.Wrap(err, "marshal key failed")
	}
	if err := s.db.Delete(keyBytes, s.writeOptions); err != nil {
		return errors.Wrap(err, "pebble.Delete failed")
	}
	return nil
}

func (s *PebbleStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	if len(keys) != len(vals) {
		return nil, errors.New("keys and values length mismatch")
	}
	options := newSetOptions(opts)

	if options.IfNotExist {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	errs := make([]error, len(keys))
	batch := s.db.NewBatch()
	defer batch.Close()

	for i, key := range keys {
		keyBytes, err := s.keySerializer.Serialize(key)
		if err != nil {
			errs[i] = errors.Wrap(err, "marshal key failed")
			continue
		}
		valueBytes, err := s.valSerializer.Serialize(vals[i])
		if err != nil {
			errs[i] = errors.Wrap(err, "marshal value failed")
			continue
		}
		if options.IfNotExist {
			exists, err := s.has(keyBytes)
			if err != nil {
				errs[i] = err
				continue
			}
			if exists {
				errs[i] = ErrConditionFailed
				continue
			}
		}
		if err := batch.Set(keyBytes, valueBytes, nil); err != nil {
			errs[i] = errors.Wrap(err, "batch.Set failed")
		}
	}

	if err := batch.Commit(s.writeOptions); err != nil {
		return errs, errors.Wrap(err, "batch.Commit failed")
	}
	return errs, nil
}

func (s *PebbleStore[K, V]) BatchGet(ctx context.Context, keys []K) ([]V, []error, error) {
	vals := make([]V, len(keys))
	errs := make([]error, len(keys))

	for i, key := range keys {
		vals[i], errs[i] = s.Get(ctx, key)
	}
	return vals, errs, nil
}

func (s *PebbleStore[K, V]) BatchDel(ctx context.Context, keys []K) ([]error, error) {
	errs := make([]error, len(keys))
	batch := s.db.NewBatch()
	defer batch.Close()

	for i, key := range keys {
		keyBytes, err := s.keySerializer.Serialize(key)
		if err != nil {
			errs[i] = errors.Wrap(err, "marshal key failed")
			continue
		}
		if err := batch.Delete(keyBytes, nil); err != nil {
			errs[i] = errors.Wrap(err, "batch.Delete failed")
		}
	}

	if err := batch.Commit(s.writeOptions); err != nil {
		return errs, errors.Wrap(err, "batch.Commit failed")
	}
	return errs, nil
}

func (s *PebbleStore[K, V]) ForEach(ctx context.Context, fn func(key K, val V) error) (err error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return errors.Wrap(err, "pebble.NewIter failed")
	}
	defer func() {
		if closeErr := iter.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "iter.Close failed")
		}
	}()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, err := s.keySerializer.Deserialize(bytes.Clone(iter.Key()))
		if err != nil {
			return errors.Wrap(err, "unmarshal key failed")
		}
		val, err := s.valSerializer.Deserialize(bytes.Clone(iter.Value()))
		if err != nil {
			return errors.Wrap(err, "unmarshal value failed")
		}
		if err := fn(key, val); err != nil {
			return stopped(err)
		}
	}
	return nil
}

func (s *PebbleStore[K, V]) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "pebble.Close failed")
	}
	s.db = nil
	return nil
}

var _ Store[string, string] = (*PebbleStore[string, string])(nil)
