package engine

import (
	"context"
	"reflect"
	"sort"

	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

// WriteTxn 写事务，基于开始时的最新快照做写时复制
// 同一时刻只有一个未结束的写事务，提交或取消之后不可再使用
type WriteTxn struct {
	engine *Engine
	base   *Snapshot
	tables map[string]*table
	dirty  map[string]bool

	created  map[RowKey]struct{}
	deleted  map[RowKey]struct{}
	modified map[RowKey]struct{}

	schemaVersion *uint64
	savepoints    []*savepoint
	done          bool
}

// savepoint 记录保存点之后第一次被修改的行在保存点时的状态
type savepoint struct {
	rows map[RowKey]rowState
}

type rowState struct {
	// row 为 nil 表示保存点时该行不存在
	row      *Row
	created  bool
	deleted  bool
	modified bool
}

func newWriteTxn(e *Engine, base *Snapshot) *WriteTxn {
	tables := make(map[string]*table, len(base.tables))
	for name, t := range base.tables {
		tables[name] = t
	}
	return &WriteTxn{
		engine:   e,
		base:     base,
		tables:   tables,
		dirty:    map[string]bool{},
		created:  map[RowKey]struct{}{},
		deleted:  map[RowKey]struct{}{},
		modified: map[RowKey]struct{}{},
	}
}

// Version 事务开始时的快照版本
func (t *WriteTxn) Version() uint64 {
	return t.base.version
}

func (t *WriteTxn) Base() *Snapshot {
	return t.base
}

func (t *WriteTxn) Done() bool {
	return t.done
}

func (t *WriteTxn) Schema(typeName string) (*schema.ObjectSchema, error) {
	return schemaOf(t.tables, typeName)
}

func (t *WriteTxn) Row(typeName string, id RowID) (*Row, bool) {
	return rowOf(t.tables, typeName, id)
}

func (t *WriteTxn) Rows(typeName string) []*Row {
	tb, ok := t.tables[typeName]
	if !ok {
		return nil
	}
	return tb.sortedRows()
}

func (t *WriteTxn) LookupKey(typeName string, key any) (*Row, bool) {
	tb, ok := t.tables[typeName]
	if !ok {
		return nil, false
	}
	return tb.lookupKey(key)
}

func (t *WriteTxn) ReadProperty(typeName string, id RowID, name string) (any, error) {
	return readProperty(t.tables, typeName, id, name)
}

// HasChanges 事务内是否有需要提交的修改
func (t *WriteTxn) HasChanges() bool {
	return len(t.created) != 0 || len(t.deleted) != 0 || len(t.modified) != 0 || t.schemaVersion != nil
}

func (t *WriteTxn) mutable(typeName string) (*table, error) {
	if t.done {
		return nil, errors.Wrap(ErrIllegalState, "write transaction already finished")
	}
	tb, ok := t.tables[typeName]
	if !ok {
		return nil, errors.Wrapf(schema.ErrSchema, "object type %s is not registered", typeName)
	}
	if !t.dirty[typeName] {
		tb = tb.clone()
		t.tables[typeName] = tb
		t.dirty[typeName] = true
	}
	return tb, nil
}

// CreateRow 创建一行，未给出的属性取默认值
// 主键重复返回 ErrDuplicateKey，未知属性返回 ErrUnknownProperty
func (t *WriteTxn) CreateRow(typeName string, values map[string]any) (*Row, error) {
	tb, err := t.mutable(typeName)
	if err != nil {
		return nil, err
	}
	s := tb.schema
	for name := range values {
		if _, err := s.Lookup(name); err != nil {
			return nil, err
		}
	}

	row := &Row{schema: s, values: make([]any, s.NumProperty())}
	for i, prop := range s.Properties() {
		v, ok := values[prop.Name]
		if !ok {
			v = prop.DefaultValue()
		}
		if row.values[i], err = t.coerce(prop, v); err != nil {
			return nil, err
		}
	}

	if pk := s.PrimaryKey(); pk != nil {
		key := row.values[pk.Index()]
		if _, ok := tb.keys[key]; ok {
			return nil, errors.Wrapf(ErrDuplicateKey, "%s: %s=%v", typeName, pk.Name, key)
		}
	}

	for {
		row.id = RowID(t.engine.ids.Generate())
		if _, ok := tb.rows[row.id]; !ok {
			break
		}
	}
	t.touch(tb, row.id)
	tb.rows[row.id] = row
	if pk := s.PrimaryKey(); pk != nil {
		tb.keys[row.values[pk.Index()]] = row.id
	}
	t.created[row.Key()] = struct{}{}
	return row, nil
}

// DeleteRow 删除一行，指向该行的链接置空，列表中的引用被移除
func (t *WriteTxn) DeleteRow(typeName string, id RowID) error {
	tb, err := t.mutable(typeName)
	if err != nil {
		return err
	}
	row, ok := tb.rows[id]
	if !ok {
		return errors.Wrapf(ErrRowNotFound, "%s", recordKey(typeName, id))
	}
	t.touch(tb, id)
	delete(tb.rows, id)
	if pk := tb.schema.PrimaryKey(); pk != nil {
		delete(tb.keys, row.values[pk.Index()])
	}

	key := row.Key()
	if _, ok := t.created[key]; ok {
		delete(t.created, key)
	} else {
		t.deleted[key] = struct{}{}
	}
	delete(t.modified, key)

	return t.unlink(typeName, id)
}

func (t *WriteTxn) unlink(typeName string, id RowID) error {
	target := int64(id)
	names := make([]string, 0, len(t.tables))
	for name := range t.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := t.tables[name].schema
		for _, prop := range s.Properties() {
			if prop.ObjectType != typeName {
				continue
			}
			for _, row := range t.tables[name].sortedRows() {
				old := row.values[prop.Index()]
				var v any
				switch {
				case prop.Type == schema.TypeObject:
					if old != target {
						continue
					}
				case prop.Type == schema.TypeList:
					elems := old.([]any)
					kept := make([]any, 0, len(elems))
					for _, elem := range elems {
						if elem != target {
							kept = append(kept, elem)
						}
					}
					if len(kept) == len(elems) {
						continue
					}
					v = kept
				default:
					continue
				}
				if err := t.set(name, row, prop, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// WriteProperty 修改一个属性，值与当前值相同时不记录修改
func (t *WriteTxn) WriteProperty(typeName string, id RowID, name string, v any) error {
	tb, err := t.mutable(typeName)
	if err != nil {
		return err
	}
	row, ok := tb.rows[id]
	if !ok {
		return errors.Wrapf(ErrRowNotFound, "%s", recordKey(typeName, id))
	}
	prop, err := tb.schema.Lookup(name)
	if err != nil {
		return err
	}
	value, err := t.coerce(prop, v)
	if err != nil {
		return err
	}
	return t.set(typeName, row, prop, value)
}

func (t *WriteTxn) set(typeName string, row *Row, prop *schema.Property, value any) error {
	tb, err := t.mutable(typeName)
	if err != nil {
		return err
	}
	row = tb.rows[row.id]
	old := row.values[prop.Index()]
	if schema.Equal(old, value) {
		return nil
	}
	if prop.PrimaryKey {
		if _, ok := tb.keys[value]; ok {
			return errors.Wrapf(ErrDuplicateKey, "%s: %s=%v", typeName, prop.Name, value)
		}
	}
	t.touch(tb, row.id)
	if prop.PrimaryKey {
		delete(tb.keys, old)
		tb.keys[value] = row.id
	}

	updated := row.with(prop.Index(), value)
	tb.rows[row.id] = updated
	if _, ok := t.created[updated.Key()]; !ok {
		t.modified[updated.Key()] = struct{}{}
	}
	return nil
}

// Savepoint 开始一个保存点，可以嵌套
// 之后的修改由 RollbackSavepoint 撤销，或由 ReleaseSavepoint 并入外层
func (t *WriteTxn) Savepoint() {
	t.savepoints = append(t.savepoints, &savepoint{rows: map[RowKey]rowState{}})
}

func (t *WriteTxn) ReleaseSavepoint() {
	if n := len(t.savepoints); n > 0 {
		t.savepoints = t.savepoints[:n-1]
	}
}

// RollbackSavepoint 撤销最近一个保存点之后的所有行修改
func (t *WriteTxn) RollbackSavepoint() {
	n := len(t.savepoints)
	if n == 0 {
		return
	}
	sp := t.savepoints[n-1]
	t.savepoints = t.savepoints[:n-1]
	if t.done {
		return
	}

	// 先移除当前的主键索引再恢复原有的，两行交换主键时不会互相覆盖
	for key := range sp.rows {
		tb := t.tables[key.Type]
		pk := tb.schema.PrimaryKey()
		row, ok := tb.rows[key.ID]
		if !ok || pk == nil {
			continue
		}
		if id, ok := tb.keys[row.values[pk.Index()]]; ok && id == key.ID {
			delete(tb.keys, row.values[pk.Index()])
		}
	}
	for key, state := range sp.rows {
		tb := t.tables[key.Type]
		if state.row == nil {
			delete(tb.rows, key.ID)
		} else {
			tb.rows[key.ID] = state.row
			if pk := tb.schema.PrimaryKey(); pk != nil {
				tb.keys[state.row.values[pk.Index()]] = key.ID
			}
		}
		mark(t.created, key, state.created)
		mark(t.deleted, key, state.deleted)
		mark(t.modified, key, state.modified)
	}
}

// touch 在修改行之前为每个活动的保存点记录行的原始状态，只记录第一次
// tb 必须是 mutable 返回的表
func (t *WriteTxn) touch(tb *table, id RowID) {
	if len(t.savepoints) == 0 {
		return
	}
	key := RowKey{Type: tb.schema.Name(), ID: id}
	for _, sp := range t.savepoints {
		if _, ok := sp.rows[key]; ok {
			continue
		}
		_, created := t.created[key]
		_, deleted := t.deleted[key]
		_, modified := t.modified[key]
		sp.rows[key] = rowState{row: tb.rows[id], created: created, deleted: deleted, modified: modified}
	}
}

func mark(set map[RowKey]struct{}, key RowKey, member bool) {
	if member {
		set[key] = struct{}{}
	} else {
		delete(set, key)
	}
}

// SetSchemaVersion 提交时写入新的 schema 版本并重写所有行
func (t *WriteTxn) SetSchemaVersion(version uint64) {
	t.schemaVersion = &version
}

// Commit 持久化并发布新快照，没有任何修改时返回开始时的快照
func (t *WriteTxn) Commit(ctx context.Context) (*Snapshot, error) {
	if t.done {
		return nil, errors.Wrap(ErrIllegalState, "write transaction already finished")
	}
	return t.engine.commit(ctx, t)
}

// Cancel 丢弃所有修改，重复调用无副作用
func (t *WriteTxn) Cancel() {
	if t.done {
		return
	}
	t.engine.finish(t)
}

// coerce 链接属性接受 RowID 或整数 id，目标行必须存在
func (t *WriteTxn) coerce(prop *schema.Property, v any) (any, error) {
	switch prop.Type {
	case schema.TypeObject:
		if v == nil {
			return nil, nil
		}
		return t.link(prop, v)
	case schema.TypeList:
		if v == nil {
			return []any{}, nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, errors.Wrapf(schema.ErrTypeMismatch, "%s: cannot use %T as list", prop.Name, v)
		}
		elems := make([]any, rv.Len())
		for i := range elems {
			var err error
			elem := rv.Index(i).Interface()
			if prop.ElemType == schema.TypeObject {
				elems[i], err = t.link(prop, elem)
			} else {
				elems[i], err = schema.CoerceElem(prop, elem)
			}
			if err != nil {
				return nil, err
			}
		}
		return elems, nil
	}
	return schema.Coerce(prop, v)
}

func (t *WriteTxn) link(prop *schema.Property, v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return nil, errors.Wrapf(schema.ErrTypeMismatch, "%s: cannot use %T as link to %s", prop.Name, v, prop.ObjectType)
	}
	id := RowID(rv.Int())
	if _, ok := rowOf(t.tables, prop.ObjectType, id); !ok {
		return nil, errors.Wrapf(ErrRowNotFound, "%s: link target %s", prop.Name, recordKey(prop.ObjectType, id))
	}
	return int64(id), nil
}

func sortedKeys(set map[RowKey]struct{}) []RowKey {
	keys := make([]RowKey, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}
