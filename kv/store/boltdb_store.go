package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hatlonely/odb/kv/serializer"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

type BoltDBStoreOptions struct {
	// DBPath 是数据库文件的路径，文件不存在时自动创建
	DBPath string `cfg:"dbPath" validate:"required"`

	// 键的序列化选项，默认 MsgPackSerializer
	KeySerializer *ref.TypeOptions `cfg:"keySerializer"`

	// 值的序列化选项，默认 MsgPackSerializer
	ValSerializer *ref.TypeOptions `cfg:"valSerializer"`

	// Timeout 是获取文件锁的等待时间，设置为零时将无限期等待
	Timeout time.Duration `cfg:"timeout" def:"1s"`

	// 在内存映射文件之前设置 DB.NoGrowSync 标志
	NoGrowSync bool `cfg:"noGrowSync"`

	// 不将 freelist 同步到磁盘，恢复时需要完全重新同步数据库
	NoFreelistSync bool `cfg:"noFreelistSync"`

	// FreelistType 可选 array、hashmap，默认 array
	FreelistType string `cfg:"freelistType" validate:"omitempty,oneof=array hashmap"`

	// 以只读模式打开数据库
	ReadOnly bool `cfg:"readOnly"`

	// InitialMmapSize 足够大时读事务不会阻塞写事务
	InitialMmapSize int `cfg:"initialMmapSize" validate:"min=0"`

	// PageSize 覆盖默认的操作系统页面大小
	PageSize int `cfg:"pageSize"`

	// NoSync 每次提交后不调用 fsync
	NoSync bool `cfg:"noSync"`

	// 桶名称
	BucketName string `cfg:"bucketName" def:"default"`
}

type BoltDBStore[K, V any] struct {
	db            *bolt.DB
	keySerializer serializer.Serializer[K, []byte]
	valSerializer serializer.Serializer[V, []byte]

	dbPath     string
	bucketName []byte
}

func NewBoltDBStoreWithOptions[K, V any](options *BoltDBStoreOptions) (*BoltDBStore[K, V], error) {
	if options.DBPath == "" {
		return nil, errors.New("dbPath is required")
	}

	keySerializer, valSerializer, err := newSerializers[K, V](options.KeySerializer, options.ValSerializer)
	if err != nil {
		return nil, err
	}

	directory := filepath.Dir(options.DBPath)
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, errors.Wrapf(err, "os.MkdirAll failed. directory: %s", directory)
	}

	db, err := bolt.Open(options.DBPath, 0600, &bolt.Options{
		Timeout:         options.Timeout,
		NoGrowSync:      options.NoGrowSync,
		NoFreelistSync:  options.NoFreelistSync,
		FreelistType:    bolt.FreelistType(options.FreelistType),
		ReadOnly:        options.ReadOnly,
		InitialMmapSize: options.InitialMmapSize,
		PageSize:        options.PageSize,
		NoSync:          options.NoSync,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt.Open failed. dbPath: %s", options.DBPath)
	}

	bucketName := options.BucketName
	if bucketName == "" {
		bucketName = "default"
	}

	store := &BoltDBStore[K, V]{
		db:            db,
		keySerializer: keySerializer,
		valSerializer: valSerializer,
		dbPath:        options.DBPath,
		bucketName:    []byte(bucketName),
	}

	if !options.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(store.bucketName)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "create bucket failed")
		}
	}

	return store, nil
}

func (s *BoltDBStore[K, V]) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bucket := tx.Bucket(s.bucketName)
	if bucket == nil {
		return nil, errors.Errorf("bucket %s not found", s.bucketName)
	}
	return bucket, nil
}

func (s *BoltDBStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
	options := newSetOptions(opts)

	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return errors.Wrap(err, "marshal key failed")
	}
	valueBytes, err := s.valSerializer.Serialize(value)
	if err != nil {
		return errors.Wrap(err, "marshal value failed")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx)
		if err != nil {
			return err
		}
		if options.IfNotExist && bucket.Get(keyBytes) != nil {
			return ErrConditionFailed
		}
		return bucket.Put(keyBytes, valueBytes)
	})
}

func (s *BoltDBStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return zero, errors.Wrap(err, "marshal key failed")
	}

	var valueBytes []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data := bucket.Get(keyBytes)
		if data == nil {
			return ErrKeyNotFound
		}
		// bolt 返回的内存只在事务内有效
		valueBytes = bytes.Clone(data)
		return nil
	})
	if err != nil {
		return zero, err
	}

	value, err := s.valSerializer.Deserialize(valueBytes)
	if err != nil {
		return zero, errors.Wrap(err, "unmarshal value failed")
	}
	return value, nil
}

func (s *BoltDBStore[K, V]) Del(ctx context.Context, key K) error {
	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return errors.Wrap(err, "marshal key failed")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return bucket.Delete(keyBytes)
	})
}

// BatchSet 在一个 bolt 事务中写入所有键值
func (s *BoltDBStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	if len(keys) != len(vals) {
		return nil, errors.New("keys and values length mismatch")
	}
	options := newSetOptions(opts)

	errs := make([]error, len(keys))
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx)
		if err != nil {
			return err
		}

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
			if options.IfNotExist && bucket.Get(keyBytes) != nil {
				errs[i] = ErrConditionFailed
				continue
			}
			if err := bucket.Put(keyBytes, valueBytes); err != nil {
				errs[i] = errors.Wrap(err, "put failed")
			}
		}
		return nil
	})

	return errs, err
}

func (s *BoltDBStore[K, V]) BatchGet(ctx context.Context, keys []K) ([]V, []error, error) {
	vals := make([]V, len(keys))
	errs := make([]error, len(keys))

	for i, key := range keys {
		vals[i], errs[i] = s.Get(ctx, key)
	}
	return vals, errs, nil
}

func (s *BoltDBStore[K, V]) BatchDel(ctx context.Context, keys []K) ([]error, error) {
	errs := make([]error, len(keys))

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx)
		if err != nil {
			return err
		}

		for i, key := range keys {
			keyBytes, err := s.keySerializer.Serialize(key)
			if err != nil {
				errs[i] = errors.Wrap(err, "marshal key failed")
				continue
			}
			if err := bucket.Delete(keyBytes); err != nil {
				errs[i] = errors.Wrap(err, "delete failed")
			}
		}
		return nil
	})

	return errs, err
}

func (s *BoltDBStore[K, V]) ForEach(ctx context.Context, fn func(key K, val V) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := s.keySerializer.Deserialize(bytes.Clone(k))
			if err != nil {
				return errors.Wrap(err, "unmarshal key failed")
			}
			val, err := s.valSerializer.Deserialize(bytes.Clone(v))
			if err != nil {
				return errors.Wrap(err, "unmarshal value failed")
			}
			return fn(key, val)
		})
	})
	return stopped(err)
}

func (s *BoltDBStore[K, V]) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "close database failed")
	}
	s.db = nil
	return nil
}

var _ Store[string, string] = (*BoltDBStore[string, string])(nil)
