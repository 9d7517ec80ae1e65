package store

import (
	"bytes"
	"context"
	"sync"

	"github.com/hatlonely/odb/kv/serializer"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

type LevelDBStoreOptions struct {
	// DBPath 数据库目录，不存在时自动创建
	DBPath string `cfg:"dbPath" validate:"required"`

	KeySerializer *ref.TypeOptions `cfg:"keySerializer"`
	ValSerializer *ref.TypeOptions `cfg:"valSerializer"`

	// BlockCacheCapacity 块缓存容量，默认 8MiB
	BlockCacheCapacity int `cfg:"blockCacheCapacity"`

	// WriteBuffer memdb 大小，默认 4MiB
	WriteBuffer int `cfg:"writeBuffer"`

	// Compression 可选 default、snappy、none
	Compression string `cfg:"compression" validate:"omitempty,oneof=default snappy none"`

	// ErrorIfMissing 数据库不存在时报错而不是创建
	ErrorIfMissing bool `cfg:"errorIfMissing"`

	ReadOnly bool `cfg:"readOnly"`

	// NoSync 写入时不同步到磁盘
	NoSync bool `cfg:"noSync"`
}

type LevelDBStore[K, V any] struct {
	db            *leveldb.DB
	keySerializer serializer.Serializer[K, []byte]
	valSerializer serializer.Serializer[V, []byte]
	writeOptions  *opt.WriteOptions

	// 条件写需要先读后写
	mu sync.Mutex
}

func NewLevelDBStoreWithOptions[K, V any](options *LevelDBStoreOptions) (*LevelDBStore[K, V], error) {
	if options.DBPath == "" {
		return nil, errors.New("dbPath is required")
	}

	keySerializer, valSerializer, err := newSerializers[K, V](options.KeySerializer, options.ValSerializer)
	if err != nil {
		return nil, err
	}

	compression, err := leveldbParseCompression(options.Compression)
	if err != nil {
		return nil, err
	}

	db, err := leveldb.OpenFile(options.DBPath, &opt.Options{
		BlockCacheCapacity: options.BlockCacheCapacity,
		WriteBuffer:        options.WriteBuffer,
		Compression:        compression,
		ErrorIfMissing:     options.ErrorIfMissing,
		ReadOnly:           options.ReadOnly,
		NoSync:             options.NoSync,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "leveldb.OpenFile failed. dbPath: %s", options.DBPath)
	}

	return &LevelDBStore[K, V]{
		db:            db,
		keySerializer: keySerializer,
		valSerializer: valSerializer,
		writeOptions:  &opt.WriteOptions{Sync: !options.NoSync},
	}, nil
}

func leveldbParseCompression(compression string) (opt.Compression, error) {
	switch compression {
	case "", "default":
		return opt.DefaultCompression, nil
	case "snappy":
		return opt.SnappyCompression, nil
	case "none":
		return opt.NoCompression, nil
	default:
		return opt.DefaultCompression, errors.Errorf("unsupported compression: %s", compression)
	}
}

func (s *LevelDBStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
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

		exists, err := s.db.Has(keyBytes, nil)
		if err != nil {
			return errors.Wrap(err, "leveldb.Has failed")
		}
		if exists {
			return ErrConditionFailed
		}
	}

	if err := s.db.Put(keyBytes, valueBytes, s.writeOptions); err != nil {
		return errors.Wrap(err, "leveldb.Put failed")
	}
	return nil
}

func (s *LevelDBStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return zero, errors.Wrap(err, "marshal key failed")
	}

	valueBytes, err := s.db.Get(keyBytes, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return zero, ErrKeyNotFound
	}
	if err != nil {
		return zero, errors.Wrap(err, "leveldb.Get failed")
	}

	value, err := s.valSerializer.Deserialize(valueBytes)
	if err != nil {
		return zero, errors.Wrap(err, "unmarshal value failed")
	}
	return value, nil
}

func (s *LevelDBStore[K, V]) Del(ctx context.Context, key K) error {
	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return errors.Wrap(err, "marshal key failed")
	}
	if err := s.db.Delete(keyBytes, s.writeOptions); err != nil {
		return errors.Wrap(err, "leveldb.Delete failed")
	}
	return nil
}

// BatchSet 使用 leveldb.Batch 原子写入
func (s *LevelDBStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	if len(keys) != len(vals) {
		return nil, errors.New("keys and values length mismatch")
	}
	options := newSetOptions(opts)

	if options.IfNotExist {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	errs := make([]error, len(keys))
	batch := new(leveldb.Batch)
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
			exists, err := s.db.Has(keyBytes, nil)
			if err != nil {
				errs[i] = errors.Wrap(err, "leveldb.Has failed")
				continue
			}
			if exists {
				errs[i] = ErrConditionFailed
				continue
			}
		}
		batch.Put(keyBytes, valueBytes)
	}

	if err := s.db.Write(batch, s.writeOptions); err != nil {
		return errs, errors.Wrap(err, "leveldb.Write failed")
	}
	return errs, nil
}

func (s *LevelDBStore[K, V]) BatchGet(ctx context.Context, keys []K) ([]V, []error, error) {
	vals := make([]V, len(keys))
	errs := make([]error, len(keys))

	for i, key := range keys {
		vals[i], errs[i] = s.Get(ctx, key)
	}
	return vals, errs, nil
}

func (s *LevelDBStore[K, V]) BatchDel(ctx context.Context, keys []K) ([]error, error) {
	errs := make([]error, len(keys))
	batch := new(leveldb.Batch)
	for i, key := range keys {
		keyBytes, err := s.keySerializer.Serialize(key)
		if err != nil {
			errs[i] = errors.Wrap(err, "marshal key failed")
			continue
		}
		batch.Delete(keyBytes)
	}

	if err := s.db.Write(batch, s.writeOptions); err != nil {
		return errs, errors.Wrap(err, "leveldb.Write failed")
	}
	return errs, nil
}

func (s *LevelDBStore[K, V]) ForEach(ctx context.Context, fn func(key K, val V) error) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	for iter.Next() {
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
	return errors.Wrap(iter.Error(), "iterator failed")
}

func (s *LevelDBStore[K, V]) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "leveldb.Close failed")
	}
	s.db = nil
	return nil
}

var _ Store[string, string] = (*LevelDBStore[string, string])(nil)
