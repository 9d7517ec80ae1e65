package store

import (
	"context"
	"encoding/hex"

	"github.com/hatlonely/odb/kv/serializer"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type GormStoreOptions struct {
	// Driver 可选 sqlite、mysql
	Driver string `cfg:"driver" def:"sqlite" validate:"oneof=sqlite mysql"`

	// DSN sqlite 为文件路径，mysql 为 user:pass@tcp(host:port)/db?parseTime=True
	DSN string `cfg:"dsn" validate:"required"`

	// Table 键值表名，不存在时自动创建
	Table string `cfg:"table" def:"kv"`

	KeySerializer *ref.TypeOptions `cfg:"keySerializer"`
	ValSerializer *ref.TypeOptions `cfg:"valSerializer"`

	MaxOpenConns int `cfg:"maxOpenConns" def:"10"`
	MaxIdleConns int `cfg:"maxIdleConns" def:"5"`

	// BatchSize ForEach 每批读取的行数
	BatchSize int `cfg:"batchSize" def:"500"`
}

// gormKV 键为序列化后键的十六进制编码
type gormKV struct {
	Key   string `gorm:"column:k;primaryKey;size:255"`
	Value []byte `gorm:"column:v"`
}

type GormStore[K, V any] struct {
	db            *gorm.DB
	keySerializer serializer.Serializer[K, []byte]
	valSerializer serializer.Serializer[V, []byte]

	table     string
	batchSize int
}

func NewGormStoreWithOptions[K, V any](options *GormStoreOptions) (*GormStore[K, V], error) {
	if options.DSN == "" {
		return nil, errors.New("dsn is required")
	}

	keySerializer, valSerializer, err := newSerializers[K, V](options.KeySerializer, options.ValSerializer)
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch options.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(options.DSN)
	case "mysql":
		dialector = mysql.Open(options.DSN)
	default:
		return nil, errors.Errorf("unsupported driver: %s", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "gorm.Open failed. driver: %s", options.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "db.DB failed")
	}
	if options.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(options.MaxOpenConns)
	}
	if options.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(options.MaxIdleConns)
	}

	table := options.Table
	if table == "" {
		table = "kv"
	}
	if err := db.Table(table).AutoMigrate(&gormKV{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrapf(err, "AutoMigrate failed. table: %s", table)
	}

	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	return &GormStore[K, V]{
		db:            db,
		keySerializer: keySerializer,
		valSerializer: valSerializer,
		table:         table,
		batchSize:     batchSize,
	}, nil
}

func (s *GormStore[K, V]) encodeKey(key K) (string, error) {
	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return "", errors.Wrap(err, "marshal key failed")
	}
	return hex.EncodeToString(keyBytes), nil
}

func (s *GormStore[K, V]) row(key K, value V) (*gormKV, error) {
	k, err := s.encodeKey(key)
	if err != nil {
		return nil, err
	}
	valueBytes, err := s.valSerializer.Serialize(value)
	if err != nil {
		return nil, errors.Wrap(err, "marshal value failed")
	}
	return &gormKV{Key: k, Value: valueBytes}, nil
}

func (s *GormStore[K, V]) set(tx *gorm.DB, row *gormKV, ifNotExist bool) error {
	if ifNotExist {
		result := tx.Table(s.table).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if result.Error != nil {
			return errors.Wrap(result.Error, "gorm.Create failed")
		}
		if result.RowsAffected == 0 {
			return ErrConditionFailed
		}
		return nil
	}

	result := tx.Table(s.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "k"}},
		DoUpdates: clause.AssignmentColumns([]string{"v"}),
	}).Create(row)
	return errors.Wrap(result.Error, "gorm.Create failed")
}

func (s *GormStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
	options := newSetOptions(opts)

	row, err := s.row(key, value)
	if err != nil {
		return err
	}
	return s.set(s.db.WithContext(ctx), row, options.IfNotExist)
}

func (s *GormStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	k, err := s.encodeKey(key)
	if err != nil {
		return zero, err
	}

	var row gormKV
	err = s.db.WithContext(ctx).Table(s.table).Where("k = ?", k).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, ErrKeyNotFound
	}
	if err != nil {
		return zero, errors.Wrap(err, "gorm.Take failed")
	}

	value, err := s.valSerializer.Deserialize(row.Value)
	if err != nil {
		return zero, errors.Wrap(err, "unmarshal value failed")
	}
	return value, nil
}

func (s *GormStore[K, V]) Del(ctx context.Context, key K) error {
	k, err := s.encodeKey(key)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Table(s.table).Where("k = ?", k).Delete(&gormKV{}).Error
	return errors.Wrap(err, "gorm.Delete failed")
}

// BatchSet 在一个数据库事务中写入
func (s *GormStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	if len(keys) != len(vals) {
		return nil, errors.New("keys and values length mismatch")
	}
	options := newSetOptions(opts)

	errs := make([]error, len(keys))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range keys {
			row, err := s.row(keys[i], vals[i])
			if err != nil {
				errs[i] = err
				continue
			}
			err = s.set(tx, row, options.IfNotExist)
			if errors.Is(err, ErrConditionFailed) {
				errs[i] = err
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})

	return errs, err
}

func (s *GormStore[K, V]) BatchGet(ctx context.Context, keys []K) ([]V, []error, error) {
	vals := make([]V, len(keys))
	errs := make([]error, len(keys))

	for i, key := range keys {
		vals[i], errs[i] = s.Get(ctx, key)
	}
	return vals, errs, nil
}

func (s *GormStore[K, V]) BatchDel(ctx context.Context, keys []K) ([]error, error) {
	errs := make([]error, len(keys))
	ks := make([]string, 0, len(keys))
	for i, key := range keys {
		k, err := s.encodeKey(key)
		if err != nil {
			errs[i] = err
			continue
		}
		ks = append(ks, k)
	}
	if len(ks) == 0 {
		return errs, nil
	}

	err := s.db.WithContext(ctx).Table(s.table).Where("k IN ?", ks).Delete(&gormKV{}).Error
	return errs, errors.Wrap(err, "gorm.Delete failed")
}

func (s *GormStore[K, V]) ForEach(ctx context.Context, fn func(key K, val V) error) error {
	var rows []gormKV
	var fnErr error
	result := s.db.WithContext(ctx).Table(s.table).FindInBatches(&rows, s.batchSize, func(tx *gorm.DB, batch int) error {
		for _, row := range rows {
			keyBytes, err := hex.DecodeString(row.Key)
			if err != nil {
				return errors.Wrap(err, "hex.DecodeString failed")
			}
			key, err := s.keySerializer.Deserialize(keyBytes)
			if err != nil {
				return errors.Wrap(err, "unmarshal key failed")
			}
			val, err := s.valSerializer.Deserialize(row.Value)
			if err != nil {
				return errors.Wrap(err, "unmarshal value failed")
			}
			if err := fn(key, val); err != nil {
				fnErr = err
				return err
			}
		}
		return nil
	})
	if fnErr != nil {
		return stopped(fnErr)
	}
	return errors.Wrap(result.Error, "gorm.FindInBatches failed")
}

func (s *GormStore[K, V]) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "db.DB failed")
	}
	return sqlDB.Close()
}

var _ Store[string, string] = (*GormStore[string, string])(nil)
