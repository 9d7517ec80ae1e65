package orm

import (
	"context"
	"reflect"
	"sync/atomic"

	"github.com/hatlonely/odb/engine"
	"github.com/hatlonely/odb/log"
	"github.com/hatlonely/odb/log/logger"
	"github.com/hatlonely/odb/ref"
	"github.com/hatlonely/odb/schema"
	"github.com/hatlonely/odb/uid"
	"github.com/pkg/errors"
)

type Options struct {
	Engine engine.Options   `cfg:"engine"`
	Logger *ref.TypeOptions `cfg:"logger"`
}

type dbOptions struct {
	migration     func(*Migration) error
	logger        logger.Logger
	types         []any
	engineOptions []engine.Option
}

type Option func(*dbOptions)

// WithMigration 存储的 schema 版本低于 Options.Engine.SchemaVersion 时，打开数据库时执行 fn
func WithMigration(fn func(*Migration) error) Option {
	return func(o *dbOptions) {
		o.migration = fn
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *dbOptions) {
		o.logger = l
	}
}

// WithTypes 打开之前从结构体推导对象类型，samples 为结构体或结构体指针
func WithTypes(samples ...any) Option {
	return func(o *dbOptions) {
		o.types = append(o.types, samples...)
	}
}

func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *dbOptions) {
		o.engineOptions = append(o.engineOptions, opts...)
	}
}

// DB 托管对象层的入口，多个会话共享一个引擎
type DB struct {
	engine     *engine.Engine
	registry   *schema.Registry
	logger     logger.Logger
	sessionIDs uid.StrGenerator
	closed     atomic.Bool
}

func Open(ctx context.Context, options *Options, registry *schema.Registry, opts ...Option) (*DB, error) {
	if options == nil {
		options = &Options{}
	}
	if registry == nil {
		registry = schema.NewRegistry()
	}
	o := &dbOptions{}
	for _, opt := range opts {
		opt(o)
	}

	for _, sample := range o.types {
		if _, err := registry.SchemaOf(reflect.TypeOf(sample)); err != nil {
			return nil, errors.WithMessage(err, "registry.SchemaOf failed")
		}
	}

	l := o.logger
	if l == nil {
		var err error
		if l, err = log.NewLoggerWithOptions(options.Logger); err != nil {
			return nil, errors.WithMessage(err, "log.NewLoggerWithOptions failed")
		}
	}

	engineOptions := o.engineOptions
	if options.Engine.Logger == nil {
		engineOptions = append([]engine.Option{engine.WithLogger(l)}, engineOptions...)
	}
	e, err := engine.Open(ctx, &options.Engine, registry, engineOptions...)
	if err != nil {
		return nil, errors.WithMessage(err, "engine.Open failed")
	}

	db := &DB{
		engine:     e,
		registry:   registry,
		logger:     l.With("component", "orm"),
		sessionIDs: uid.NewUUIDGeneratorWithOptions(&uid.UUIDOptions{Version: "v7"}),
	}
	if err := db.migrate(ctx, o.migration); err != nil {
		_ = e.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context, fn func(*Migration) error) error {
	stored, current := db.engine.StoredSchemaVersion(), db.engine.SchemaVersion()
	if stored == current {
		return nil
	}
	if stored > current {
		return errors.Wrapf(ErrSchema, "schema version %d is lower than stored version %d", current, stored)
	}

	s, err := db.Session()
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.Write(ctx, func() error {
		if fn != nil && !db.empty() {
			db.logger.InfoContext(ctx, "run migration", "from", stored, "to", current)
			if err := fn(&Migration{session: s, oldVersion: stored, newVersion: current}); err != nil {
				return errors.WithMessage(err, "migration failed")
			}
		}
		s.txn.SetSchemaVersion(current)
		return nil
	})
	if err != nil {
		db.logger.ErrorContext(ctx, "migrate failed", "from", stored, "to", current, "error", err)
		return err
	}
	return nil
}

func (db *DB) empty() bool {
	snapshot := db.engine.Snapshot()
	for _, s := range db.registry.Schemas() {
		if snapshot.Count(s.Name()) != 0 {
			return false
		}
	}
	return true
}

// Session 打开一个新会话，会话绑定当前最新的快照
func (db *DB) Session() (*Session, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return newSession(db), nil
}

// Write 在新会话的写事务中执行 fn
func (db *DB) Write(ctx context.Context, fn func(s *Session) error) error {
	s, err := db.Session()
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Write(ctx, func() error {
		return fn(s)
	})
}

func (db *DB) Registry() *schema.Registry {
	return db.registry
}

func (db *DB) Engine() *engine.Engine {
	return db.engine
}

func (db *DB) SchemaVersion() uint64 {
	return db.engine.StoredSchemaVersion()
}

// Close 关闭引擎，已打开的会话仍可读取各自的快照，写事务返回 ErrClosed
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	return db.engine.Close()
}
