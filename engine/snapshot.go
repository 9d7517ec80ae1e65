package engine

import (
	"maps"
	"sort"

	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

type RowID int64

type RowKey struct {
	Type string
	ID   RowID
}

// Row 不可变的行，修改时复制出新行
type Row struct {
	schema *schema.ObjectSchema
	id     RowID
	values []any
}

func (r *Row) ID() RowID {
	return r.id
}

func (r *Row) Type() string {
	return r.schema.Name()
}

func (r *Row) Schema() *schema.ObjectSchema {
	return r.schema
}

func (r *Row) Key() RowKey {
	return RowKey{Type: r.schema.Name(), ID: r.id}
}

// Value 按属性位置读取原始值
func (r *Row) Value(i int) any {
	return r.values[i]
}

func (r *Row) Values() []any {
	values := make([]any, len(r.values))
	copy(values, r.values)
	return values
}

func (r *Row) with(i int, v any) *Row {
	values := make([]any, len(r.values))
	copy(values, r.values)
	values[i] = v
	return &Row{schema: r.schema, id: r.id, values: values}
}

type table struct {
	schema *schema.ObjectSchema
	rows   map[RowID]*Row
	// keys 主键值到行的索引，类型没有主键时为 nil
	keys map[any]RowID
}

func newTable(s *schema.ObjectSchema) *table {
	t := &table{schema: s, rows: map[RowID]*Row{}}
	if s.PrimaryKey() != nil {
		t.keys = map[any]RowID{}
	}
	return t
}

func (t *table) clone() *table {
	return &table{
		schema: t.schema,
		rows:   maps.Clone(t.rows),
		keys:   maps.Clone(t.keys),
	}
}

func (t *table) sortedRows() []*Row {
	rows := make([]*Row, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].id < rows[j].id
	})
	return rows
}

func (t *table) lookupKey(key any) (*Row, bool) {
	if t.keys == nil {
		return nil, false
	}
	id, ok := t.keys[key]
	if !ok {
		return nil, false
	}
	return t.rows[id], true
}

// View 只读视图，Snapshot 和 WriteTxn 都实现该接口
type View interface {
	Version() uint64
	Schema(typeName string) (*schema.ObjectSchema, error)
	Row(typeName string, id RowID) (*Row, bool)
	Rows(typeName string) []*Row
	LookupKey(typeName string, key any) (*Row, bool)
	ReadProperty(typeName string, id RowID, name string) (any, error)
}

// Snapshot 某个版本的一致只读视图，发布之后不再修改，可以被任意 goroutine 并发读取
type Snapshot struct {
	version uint64
	tables  map[string]*table
}

func (s *Snapshot) Version() uint64 {
	return s.version
}

func (s *Snapshot) Schema(typeName string) (*schema.ObjectSchema, error) {
	return schemaOf(s.tables, typeName)
}

func (s *Snapshot) Row(typeName string, id RowID) (*Row, bool) {
	return rowOf(s.tables, typeName, id)
}

// Rows 按行 id 排序
func (s *Snapshot) Rows(typeName string) []*Row {
	t, ok := s.tables[typeName]
	if !ok {
		return nil
	}
	return t.sortedRows()
}

func (s *Snapshot) Count(typeName string) int {
	t, ok := s.tables[typeName]
	if !ok {
		return 0
	}
	return len(t.rows)
}

func (s *Snapshot) LookupKey(typeName string, key any) (*Row, bool) {
	t, ok := s.tables[typeName]
	if !ok {
		return nil, false
	}
	return t.lookupKey(key)
}

func (s *Snapshot) ReadProperty(typeName string, id RowID, name string) (any, error) {
	return readProperty(s.tables, typeName, id, name)
}

func schemaOf(tables map[string]*table, typeName string) (*schema.ObjectSchema, error) {
	t, ok := tables[typeName]
	if !ok {
		return nil, errors.Wrapf(schema.ErrSchema, "object type %s is not registered", typeName)
	}
	return t.schema, nil
}

func rowOf(tables map[string]*table, typeName string, id RowID) (*Row, bool) {
	t, ok := tables[typeName]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[id]
	return row, ok
}

func readProperty(tables map[string]*table, typeName string, id RowID, name string) (any, error) {
	row, ok := rowOf(tables, typeName, id)
	if !ok {
		return nil, errors.Wrapf(ErrRowNotFound, "%s", recordKey(typeName, id))
	}
	prop, err := row.schema.Lookup(name)
	if err != nil {
		return nil, err
	}
	return row.values[prop.Index()], nil
}
