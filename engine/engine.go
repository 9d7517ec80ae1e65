package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hatlonely/odb/kv/store"
	"github.com/hatlonely/odb/log"
	"github.com/hatlonely/odb/log/logger"
	"github.com/hatlonely/odb/ref"
	"github.com/hatlonely/odb/schema"
	"github.com/hatlonely/odb/uid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	WritePolicyBlock  = "block"
	WritePolicyReject = "reject"
)

type Options struct {
	// Backend 为空时使用内存 MapStore
	Backend *ref.TypeOptions `cfg:"backend"`
	// WritePolicy 写事务冲突时的策略，block 等待，reject 立即返回 ErrWriteConflict
	WritePolicy   string           `cfg:"writePolicy" def:"block" validate:"omitempty,oneof=block reject"`
	SchemaVersion uint64           `cfg:"schemaVersion"`
	IDGenerator   *ref.TypeOptions `cfg:"idGenerator"`
	Logger        *ref.TypeOptions `cfg:"logger"`
}

type Option func(*Engine)

// WithStore 直接指定后端，忽略 Options.Backend
func WithStore(s store.Store[string, Record]) Option {
	return func(e *Engine) {
		e.store = s
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Transition 一次提交产生的版本迁移，Created/Deleted/Modified 按类型和 id 排序
type Transition struct {
	From     *Snapshot
	To       *Snapshot
	Created  []RowKey
	Deleted  []RowKey
	Modified []RowKey
}

type subscriber struct {
	id int
	fn func(*Transition)
}

// Engine 多版本对象存储
// 读取基于不可变快照，写入由单个写事务串行化，提交时先持久化再发布新快照
type Engine struct {
	registry *schema.Registry
	store    store.Store[string, Record]
	ids      uid.IntGenerator
	logger   logger.Logger
	reject   bool
	sema     *semaphore.Weighted

	mu                  sync.RWMutex
	snapshot            *Snapshot
	schemaVersion       uint64
	storedSchemaVersion uint64
	legacy              map[RowKey]map[string]any

	subMu       sync.Mutex
	subscribers []subscriber
	nextSub     int

	closed atomic.Bool
}

// Open 打开引擎并从后端加载所有记录
// registry 中的所有类型都会建表，链接目标必须已注册
func Open(ctx context.Context, options *Options, registry *schema.Registry, opts ...Option) (*Engine, error) {
	if options == nil {
		options = &Options{}
	}
	if registry == nil {
		return nil, errors.Wrap(schema.ErrSchema, "schema registry is nil")
	}
	if err := registry.Validate(); err != nil {
		return nil, errors.WithMessage(err, "registry.Validate failed")
	}

	e := &Engine{
		registry:      registry,
		sema:          semaphore.NewWeighted(1),
		schemaVersion: options.SchemaVersion,
	}
	switch options.WritePolicy {
	case "", WritePolicyBlock:
	case WritePolicyReject:
		e.reject = true
	default:
		return nil, errors.Errorf("unsupported write policy %q", options.WritePolicy)
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	if e.logger == nil {
		if e.logger, err = log.NewLoggerWithOptions(options.Logger); err != nil {
			return nil, errors.WithMessage(err, "log.NewLoggerWithOptions failed")
		}
	}
	e.logger = e.logger.With("component", "engine")

	if e.ids, err = uid.NewIntGeneratorWithOptions(options.IDGenerator); err != nil {
		return nil, errors.WithMessage(err, "uid.NewIntGeneratorWithOptions failed")
	}

	if e.store == nil {
		if options.Backend == nil {
			e.store = store.NewMapStoreWithOptions[string, Record]()
		} else if e.store, err = store.NewStoreWithOptions[string, Record](options.Backend); err != nil {
			return nil, errors.WithMessage(err, "store.NewStoreWithOptions failed")
		}
	}

	if err := e.load(ctx); err != nil {
		_ = e.store.Close()
		return nil, err
	}

	e.logger.InfoContext(ctx, "engine opened",
		"version", e.snapshot.version,
		"schemaVersion", e.schemaVersion,
		"storedSchemaVersion", e.storedSchemaVersion,
		"writePolicy", options.WritePolicy,
	)
	return e, nil
}

func (e *Engine) load(ctx context.Context) error {
	tables := map[string]*table{}
	for _, s := range e.registry.Schemas() {
		tables[s.Name()] = newTable(s)
	}

	legacy := map[RowKey]map[string]any{}
	skipped := 0
	err := e.store.ForEach(ctx, func(key string, rec Record) error {
		if rec.Kind == RecordKindMeta || key == metaKey {
			e.storedSchemaVersion = rec.SchemaVersion
			return nil
		}

		typeName, id, err := parseRecordKey(key)
		if err != nil {
			return err
		}
		tb, ok := tables[typeName]
		if !ok {
			skipped++
			return nil
		}

		row := &Row{schema: tb.schema, id: id, values: make([]any, tb.schema.NumProperty())}
		for i, prop := range tb.schema.Properties() {
			raw, ok := rec.Values[prop.Name]
			if !ok {
				row.values[i] = prop.DefaultValue()
				if prop.Type != schema.TypeList && prop.Type != schema.TypeObject {
					if row.values[i], err = schema.Coerce(prop, row.values[i]); err != nil {
						return errors.WithMessagef(err, "load %s", key)
					}
				}
				continue
			}
			if row.values[i], err = schema.Normalize(prop, raw); err != nil {
				return errors.WithMessagef(err, "load %s", key)
			}
		}

		if pk := tb.schema.PrimaryKey(); pk != nil {
			k := row.values[pk.Index()]
			if _, ok := tb.keys[k]; ok {
				return errors.Wrapf(ErrDuplicateKey, "load %s: %s=%v", key, pk.Name, k)
			}
			tb.keys[k] = id
		}
		tb.rows[id] = row
		legacy[row.Key()] = rec.Values
		return nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "load records failed", "error", err)
		return errors.WithMessage(err, "store.ForEach failed")
	}

	// 加载之后断开悬空链接
	for _, tb := range tables {
		for id, row := range tb.rows {
			tb.rows[id] = danglingFree(tables, row)
		}
	}

	if skipped > 0 {
		e.logger.WarnContext(ctx, "skip records of unregistered types", "count", skipped)
	}
	if e.storedSchemaVersion < e.schemaVersion {
		e.legacy = legacy
	}
	e.snapshot = &Snapshot{version: 1, tables: tables}
	return nil
}

func danglingFree(tables map[string]*table, row *Row) *Row {
	out := row
	for _, prop := range row.schema.Properties() {
		if prop.ObjectType == "" {
			continue
		}
		target := tables[prop.ObjectType]
		v := row.values[prop.Index()]
		switch prop.Type {
		case schema.TypeObject:
			if v == nil {
				continue
			}
			if _, ok := target.rows[RowID(v.(int64))]; !ok {
				out = out.with(prop.Index(), nil)
			}
		case schema.TypeList:
			elems := v.([]any)
			kept := make([]any, 0, len(elems))
			for _, elem := range elems {
				if _, ok := target.rows[RowID(elem.(int64))]; ok {
					kept = append(kept, elem)
				}
			}
			if len(kept) != len(elems) {
				out = out.with(prop.Index(), kept)
			}
		}
	}
	return out
}

func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// Snapshot 最新发布的快照
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// SchemaVersion 当前代码声明的 schema 版本
func (e *Engine) SchemaVersion() uint64 {
	return e.schemaVersion
}

// StoredSchemaVersion 后端中记录的 schema 版本
func (e *Engine) StoredSchemaVersion() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.storedSchemaVersion
}

// LegacyValues 迁移前后端中保存的原始属性值，只在存储版本低于当前版本时可用
func (e *Engine) LegacyValues(typeName string, id RowID) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	values, ok := e.legacy[RowKey{Type: typeName, ID: id}]
	return values, ok
}

// BeginWrite 开始写事务
// block 策略下等待前一个写事务结束，ctx 取消时返回 ctx 的错误；reject 策略下立即返回 ErrWriteConflict
func (e *Engine) BeginWrite(ctx context.Context) (*WriteTxn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if e.reject {
		if !e.sema.TryAcquire(1) {
			return nil, errors.Wrap(ErrWriteConflict, "another write transaction is in progress")
		}
	} else if err := e.sema.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "wait for write transaction failed")
	}
	if e.closed.Load() {
		e.sema.Release(1)
		return nil, ErrClosed
	}
	return newWriteTxn(e, e.Snapshot()), nil
}

func (e *Engine) finish(txn *WriteTxn) {
	txn.done = true
	e.sema.Release(1)
}

func (e *Engine) commit(ctx context.Context, txn *WriteTxn) (*Snapshot, error) {
	defer e.finish(txn)

	if !txn.HasChanges() {
		return txn.base, nil
	}

	if err := e.persist(ctx, txn); err != nil {
		e.logger.ErrorContext(ctx, "persist write transaction failed", "version", txn.base.version+1, "error", err)
		return nil, err
	}

	next := &Snapshot{version: txn.base.version + 1, tables: txn.tables}
	transition := &Transition{
		From:     txn.base,
		To:       next,
		Created:  sortedKeys(txn.created),
		Deleted:  sortedKeys(txn.deleted),
		Modified: sortedKeys(txn.modified),
	}

	e.mu.Lock()
	e.snapshot = next
	if txn.schemaVersion != nil {
		e.storedSchemaVersion = *txn.schemaVersion
		e.legacy = nil
	}
	e.mu.Unlock()

	e.logger.DebugContext(ctx, "write transaction committed",
		"version", next.version,
		"created", len(transition.Created),
		"deleted", len(transition.Deleted),
		"modified", len(transition.Modified),
	)

	e.subMu.Lock()
	subscribers := make([]subscriber, len(e.subscribers))
	copy(subscribers, e.subscribers)
	e.subMu.Unlock()
	for _, sub := range subscribers {
		sub.fn(transition)
	}
	return next, nil
}

func (e *Engine) persist(ctx context.Context, txn *WriteTxn) error {
	var keys []string
	var records []Record
	add := func(row *Row) {
		keys = append(keys, recordKey(row.Type(), row.id))
		records = append(records, row.record())
	}

	if txn.schemaVersion != nil {
		// schema 版本变化时重写所有行，补齐新增属性并去掉已删除的属性
		for _, name := range sortedTableNames(txn.tables) {
			for _, row := range txn.tables[name].sortedRows() {
				add(row)
			}
		}
		keys = append(keys, metaKey)
		records = append(records, Record{Kind: RecordKindMeta, SchemaVersion: *txn.schemaVersion})
	} else {
		for _, key := range sortedKeys(txn.created) {
			row, _ := txn.Row(key.Type, key.ID)
			add(row)
		}
		for _, key := range sortedKeys(txn.modified) {
			row, _ := txn.Row(key.Type, key.ID)
			add(row)
		}
	}

	if len(keys) != 0 {
		errs, err := e.store.BatchSet(ctx, keys, records)
		if err != nil {
			return errors.WithMessage(err, "store.BatchSet failed")
		}
		for i, err := range errs {
			if err != nil {
				return errors.WithMessagef(err, "store.BatchSet %s failed", keys[i])
			}
		}
	}

	if len(txn.deleted) != 0 {
		deleted := sortedKeys(txn.deleted)
		keys := make([]string, len(deleted))
		for i, key := range deleted {
			keys[i] = recordKey(key.Type, key.ID)
		}
		errs, err := e.store.BatchDel(ctx, keys)
		if err != nil {
			return errors.WithMessage(err, "store.BatchDel failed")
		}
		for i, err := range errs {
			if err != nil && !errors.Is(err, store.ErrKeyNotFound) {
				return errors.WithMessagef(err, "store.BatchDel %s failed", keys[i])
			}
		}
	}
	return nil
}

// Subscribe 注册版本迁移的订阅者，在提交的 goroutine 上按注册顺序同步调用
// 订阅者不能在回调中开始新的写事务
func (e *Engine) Subscribe(fn func(*Transition)) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.subscribers = append(e.subscribers, subscriber{id: id, fn: fn})

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, sub := range e.subscribers {
			if sub.id == id {
				e.subscribers = append(e.subscribers[:i:i], e.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Close 等待进行中的写事务结束后关闭后端，重复调用返回 nil
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := e.sema.Acquire(context.Background(), 1); err != nil {
		return errors.Wrap(err, "wait for write transaction failed")
	}
	defer e.sema.Release(1)

	if err := e.store.Close(); err != nil {
		e.logger.Error("close store failed", "error", err)
		return errors.WithMessage(err, "store.Close failed")
	}
	e.logger.Info("engine closed")
	return nil
}

func sortedTableNames(tables map[string]*table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
