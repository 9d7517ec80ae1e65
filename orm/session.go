package orm

import (
	"bytes"
	"context"
	"sync"

	"github.com/hatlonely/odb/engine"
	"github.com/hatlonely/odb/log/logger"
	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

// Session 事务和版本上下文，绑定一个快照，只在显式刷新或开始写事务时前进
// 会话及其对象只能在一个 goroutine 中使用，引擎把版本迁移投递到会话的队列，
// 会话在自己的 goroutine 上消费队列并回调通知
// 没有订阅时队列只保留最新的迁移；有订阅时队列持有每个未消费版本的快照，
// 长期不刷新的会话应当 Close
type Session struct {
	db     *DB
	id     string
	logger logger.Logger

	snapshot *engine.Snapshot
	txn      *engine.WriteTxn
	tokens   []*NotificationToken
	closed   bool

	// depth 嵌套的 atomic 层数，undo 记录其中加入会话的对象，失败时恢复为未托管
	depth int
	undo  []func()

	unsubscribe func()

	mu       sync.Mutex
	queue    []*engine.Transition
	observed bool
	signal   chan struct{}
}

func newSession(db *DB) *Session {
	s := &Session{
		db:     db,
		id:     db.sessionIDs.Generate(),
		signal: make(chan struct{}, 1),
	}
	s.logger = db.logger.With("session", s.id)
	// 先订阅再取快照，队列中早于快照的迁移在消费时跳过
	s.unsubscribe = db.engine.Subscribe(s.post)
	s.snapshot = db.engine.Snapshot()
	s.logger.Debug("session opened", "version", s.snapshot.Version())
	return s
}

func (s *Session) post(t *engine.Transition) {
	s.mu.Lock()
	if !s.observed {
		// 没有订阅时只需要最新版本，较早的迁移和它们的快照不再保留
		s.queue = nil
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// updateObserved 订阅列表变化之后调用
func (s *Session) updateObserved() {
	s.mu.Lock()
	s.observed = len(s.tokens) != 0
	s.mu.Unlock()
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) DB() *DB {
	return s.db
}

func (s *Session) view() engine.View {
	if s.txn != nil {
		return s.txn
	}
	return s.snapshot
}

// Version 会话当前看到的版本
func (s *Session) Version() uint64 {
	return s.view().Version()
}

func (s *Session) IsInWrite() bool {
	return s.txn != nil
}

func (s *Session) IsClosed() bool {
	return s.closed
}

// drain 逐个版本消费队列中的迁移并投递通知
func (s *Session) drain() bool {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	advanced := false
	for _, t := range queue {
		if t.To.Version() <= s.snapshot.Version() {
			continue
		}
		s.snapshot = t.To
		advanced = true
		s.deliver(t)
	}
	return advanced
}

func (s *Session) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) != 0
}

// Refresh 前进到最新版本并投递通知，写事务中调用无效果
func (s *Session) Refresh() bool {
	if s.closed || s.txn != nil {
		return false
	}
	return s.drain()
}

// WaitForChange 等待其他会话提交新版本，然后刷新
func (s *Session) WaitForChange(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.txn != nil {
		return errors.Wrap(ErrIllegalState, "cannot wait for change in a write transaction")
	}
	for !s.pending() {
		select {
		case <-s.signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.drain()
	return nil
}

// BeginWrite 开始写事务，会话先前进到最新版本
// 同一会话中嵌套开始写事务返回 ErrIllegalState
func (s *Session) BeginWrite(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.txn != nil {
		return errors.Wrap(ErrIllegalState, "already in a write transaction")
	}
	txn, err := s.db.engine.BeginWrite(ctx)
	if err != nil {
		return err
	}
	s.txn = txn
	s.undo = nil
	s.drain()
	s.snapshot = txn.Base()
	return nil
}

// CommitWrite 提交写事务，失败时修改全部丢弃
func (s *Session) CommitWrite(ctx context.Context) error {
	if s.txn == nil {
		return errNotInWrite()
	}
	txn := s.txn
	snapshot, err := txn.Commit(ctx)
	s.txn = nil
	s.undo = nil
	if err != nil {
		s.logger.ErrorContext(ctx, "commit failed", "error", err)
		return err
	}
	s.drain()
	if snapshot.Version() > s.snapshot.Version() {
		s.snapshot = snapshot
	}
	return nil
}

// CancelWrite 丢弃写事务中的所有修改，事务中创建的对象随之失效
func (s *Session) CancelWrite() {
	if s.txn == nil {
		return
	}
	s.txn.Cancel()
	s.txn = nil
	s.undo = nil
	s.logger.Debug("write transaction cancelled", "version", s.snapshot.Version())
}

// Write 在写事务中执行 fn，fn 返回错误或 panic 时回滚
func (s *Session) Write(ctx context.Context, fn func() error) error {
	if err := s.BeginWrite(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			s.CancelWrite()
			panic(r)
		}
	}()
	if err := fn(); err != nil {
		s.CancelWrite()
		return err
	}
	return s.CommitWrite(ctx)
}

// Close 关闭会话，未提交的写事务被丢弃，通知全部停止，重复调用无副作用
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.CancelWrite()
	s.unsubscribe()
	for _, token := range s.tokens {
		token.stopped = true
	}
	s.tokens = nil
	s.updateObserved()
	s.closed = true
	s.logger.Debug("session closed")
	return nil
}

func (s *Session) requireWrite() error {
	if s.closed {
		return ErrClosed
	}
	if s.txn == nil {
		return errNotInWrite()
	}
	return nil
}

// atomic 在写事务的保存点中执行 fn，fn 失败时撤销它留下的所有修改
func (s *Session) atomic(fn func() error) error {
	if s.txn == nil {
		return fn()
	}
	mark := len(s.undo)
	s.depth++
	defer func() {
		s.depth--
	}()

	s.txn.Savepoint()
	if err := fn(); err != nil {
		s.txn.RollbackSavepoint()
		for i := len(s.undo) - 1; i >= mark; i-- {
			s.undo[i]()
		}
		s.undo = s.undo[:mark]
		return err
	}
	s.txn.ReleaseSavepoint()
	if s.depth == 1 {
		s.undo = s.undo[:0]
	}
	return nil
}

// checkAttach 写入之前校验值中的对象都能加入当前会话：
// 托管对象必须属于当前会话，未托管对象递归检查它链接的对象
func (s *Session) checkAttach(values ...any) error {
	seen := map[*Object]bool{}
	var check func(o *Object) error
	check = func(o *Object) error {
		if o.session != nil {
			return s.own(o)
		}
		if seen[o] {
			return nil
		}
		seen[o] = true
		for _, v := range o.values {
			if err := checkElems(v, check); err != nil {
				return err
			}
		}
		return nil
	}
	for _, v := range values {
		if err := checkElems(v, check); err != nil {
			return err
		}
	}
	return nil
}

func checkElems(v any, check func(o *Object) error) error {
	switch v := v.(type) {
	case *Object:
		return check(v)
	case []any:
		for _, elem := range v {
			if obj, ok := elem.(*Object); ok {
				if err := check(obj); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Session) schemaFor(typeName string) (*schema.ObjectSchema, error) {
	return s.view().Schema(typeName)
}

func (s *Session) object(typeName string, id engine.RowID) *Object {
	sch, _ := s.schemaFor(typeName)
	return &Object{schema: sch, session: s, id: id}
}

func (s *Session) wrap(owner *Object, prop *schema.Property, raw any) any {
	switch prop.Type {
	case schema.TypeObject:
		if raw == nil {
			return nil
		}
		return s.object(prop.ObjectType, engine.RowID(raw.(int64)))
	case schema.TypeList:
		return &List{owner: owner, prop: prop}
	case schema.TypeBinary:
		if b, ok := raw.([]byte); ok {
			return bytes.Clone(b)
		}
	}
	return raw
}

func (s *Session) wrapElem(prop *schema.Property, elem any) any {
	switch prop.ElemType {
	case schema.TypeObject:
		return s.object(prop.ObjectType, engine.RowID(elem.(int64)))
	case schema.TypeBinary:
		return bytes.Clone(elem.([]byte))
	}
	return elem
}

// own 校验对象属于当前会话
func (s *Session) own(obj *Object) error {
	if obj == nil {
		return errors.Wrap(ErrIllegalState, "object is nil")
	}
	if obj.session == nil {
		return errors.Wrap(ErrIllegalState, "object is not managed")
	}
	if obj.session != s {
		return errForeignObject()
	}
	_, err := obj.row()
	return err
}

// attach 返回对象在当前会话中的行 id，未托管对象先加入会话
func (s *Session) attach(obj *Object) (engine.RowID, error) {
	if obj.session == nil {
		return s.add(obj)
	}
	if err := s.own(obj); err != nil {
		return 0, err
	}
	return obj.id, nil
}

// Add 将未托管对象及其链接的未托管对象加入会话，对象随之变为托管
// 已属于当前会话的对象直接返回
func (s *Session) Add(obj *Object) error {
	if err := s.requireWrite(); err != nil {
		return err
	}
	if obj == nil {
		return errors.Wrap(ErrIllegalState, "object is nil")
	}
	if err := s.checkAttach(obj); err != nil {
		return err
	}
	return s.atomic(func() error {
		_, err := s.attach(obj)
		return err
	})
}

func (s *Session) add(root *Object) (engine.RowID, error) {
	if err := s.requireWrite(); err != nil {
		return 0, err
	}

	var pending []*Object
	seen := map[*Object]bool{}
	var collect func(o *Object) error
	collect = func(o *Object) error {
		if o.session != nil {
			return s.own(o)
		}
		if seen[o] {
			return nil
		}
		seen[o] = true
		pending = append(pending, o)
		for i, prop := range o.schema.Properties() {
			switch {
			case prop.Type == schema.TypeObject:
				if target, ok := o.values[i].(*Object); ok {
					if err := collect(target); err != nil {
						return err
					}
				}
			case prop.Type == schema.TypeList && prop.ElemType == schema.TypeObject:
				for _, elem := range o.values[i].([]any) {
					if err := collect(elem.(*Object)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	if err := collect(root); err != nil {
		return 0, err
	}

	// 创建之前校验主键，失败时不留下部分写入
	for i, o := range pending {
		pk := o.schema.PrimaryKey()
		if pk == nil {
			continue
		}
		value := o.values[pk.Index()]
		_, exists := s.txn.LookupKey(o.schema.Name(), value)
		for _, other := range pending[:i] {
			if other.schema == o.schema && schema.Equal(other.values[pk.Index()], value) {
				exists = true
			}
		}
		if exists {
			return 0, errors.Wrapf(ErrInvariantViolation, "%s: duplicate primary key %s=%v", o.schema.Name(), pk.Name, value)
		}
	}

	ids := make(map[*Object]engine.RowID, len(pending))
	for _, o := range pending {
		values := make(map[string]any, o.schema.NumProperty())
		for i, prop := range o.schema.Properties() {
			if prop.IsLink() {
				continue
			}
			values[prop.Name] = o.values[i]
		}
		row, err := s.txn.CreateRow(o.schema.Name(), values)
		if err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return 0, errors.Wrap(ErrInvariantViolation, err.Error())
			}
			return 0, err
		}
		ids[o] = row.ID()
	}

	idOf := func(o *Object) engine.RowID {
		if id, ok := ids[o]; ok {
			return id
		}
		return o.id
	}
	for _, o := range pending {
		for i, prop := range o.schema.Properties() {
			var value any
			switch {
			case prop.Type == schema.TypeObject:
				target, ok := o.values[i].(*Object)
				if !ok {
					continue
				}
				value = idOf(target)
			case prop.Type == schema.TypeList && prop.ElemType == schema.TypeObject:
				elems := o.values[i].([]any)
				if len(elems) == 0 {
					continue
				}
				out := make([]any, len(elems))
				for j, elem := range elems {
					out[j] = int64(idOf(elem.(*Object)))
				}
				value = out
			default:
				continue
			}
			if err := s.txn.WriteProperty(o.schema.Name(), ids[o], prop.Name, value); err != nil {
				return 0, err
			}
		}
	}

	for _, o := range pending {
		if s.depth > 0 {
			o, values := o, o.values
			s.undo = append(s.undo, func() {
				o.session = nil
				o.id = 0
				o.values = values
			})
		}
		o.session = s
		o.id = ids[o]
		o.values = nil
	}
	return root.id, nil
}

// Create 按字典创建托管对象，未给出的属性取默认值
// 主键重复返回 ErrInvariantViolation
func (s *Session) Create(typeName string, values map[string]any) (*Object, error) {
	if err := s.requireWrite(); err != nil {
		return nil, err
	}
	sch, err := s.schemaFor(typeName)
	if err != nil {
		return nil, err
	}
	obj, err := New(sch, values)
	if err != nil {
		return nil, err
	}
	if err := s.Add(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// CreateOrUpdate 按主键更新已存在的对象，不存在时创建
func (s *Session) CreateOrUpdate(typeName string, values map[string]any) (*Object, error) {
	if err := s.requireWrite(); err != nil {
		return nil, err
	}
	sch, err := s.schemaFor(typeName)
	if err != nil {
		return nil, err
	}
	pk := sch.PrimaryKey()
	if pk == nil {
		return nil, errors.Wrapf(ErrIllegalState, "%s has no primary key", typeName)
	}
	key, ok := values[pk.Name]
	if !ok {
		return s.Create(typeName, values)
	}
	obj, err := s.Object(typeName, key)
	if errors.Is(err, ErrNotFound) {
		return s.Create(typeName, values)
	}
	if err != nil {
		return nil, err
	}
	if err := obj.SetValues(values); err != nil {
		return nil, err
	}
	return obj, nil
}

// Delete 删除对象，指向它的链接置空、列表中的引用移除
func (s *Session) Delete(obj *Object) error {
	if err := s.requireWrite(); err != nil {
		return err
	}
	if err := s.own(obj); err != nil {
		return err
	}
	err := s.atomic(func() error {
		return s.txn.DeleteRow(obj.schema.Name(), obj.id)
	})
	if err != nil {
		return err
	}
	obj.invalidated = true
	return nil
}

// Object 按主键查找对象，不存在时返回 ErrNotFound
func (s *Session) Object(typeName string, key any) (*Object, error) {
	if s.closed {
		return nil, ErrClosed
	}
	sch, err := s.schemaFor(typeName)
	if err != nil {
		return nil, err
	}
	pk := sch.PrimaryKey()
	if pk == nil {
		return nil, errors.Wrapf(ErrIllegalState, "%s has no primary key", typeName)
	}
	value, err := schema.Coerce(pk, key)
	if err != nil {
		return nil, err
	}
	row, ok := s.view().LookupKey(typeName, value)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s: %s=%v", typeName, pk.Name, value)
	}
	return s.object(typeName, row.ID()), nil
}

// Objects 按行 id 顺序列出类型的所有对象
func (s *Session) Objects(typeName string) ([]*Object, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if _, err := s.schemaFor(typeName); err != nil {
		return nil, err
	}
	rows := s.view().Rows(typeName)
	objects := make([]*Object, len(rows))
	for i, row := range rows {
		objects[i] = s.object(typeName, row.ID())
	}
	return objects, nil
}

// Resolve 在当前会话中重新获取其他会话的对象
func (s *Session) Resolve(obj *Object) (*Object, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if obj == nil || obj.session == nil {
		return nil, errors.Wrap(ErrIllegalState, "object is not managed")
	}
	if obj.session == s {
		if _, err := obj.row(); err != nil {
			return nil, err
		}
		return obj, nil
	}
	if obj.session.db != s.db {
		return nil, errors.Wrap(ErrIllegalState, "object belongs to another database")
	}
	if _, ok := s.view().Row(obj.schema.Name(), obj.id); !ok {
		return nil, errors.Wrapf(ErrInvalidated, "%s", obj.schema.Name())
	}
	return s.object(obj.schema.Name(), obj.id), nil
}
