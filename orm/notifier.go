package orm

import (
	"github.com/hatlonely/odb/engine"
	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

type ChangeKind int

const (
	Changed ChangeKind = iota + 1
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Changed:
		return "changed"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// PropertyChange 列表属性的 OldValue 和 NewValue 为 nil
type PropertyChange struct {
	Name     string
	OldValue any
	NewValue any
}

type ObjectChange struct {
	Kind       ChangeKind
	Object     *Object
	Properties []PropertyChange
}

// ListChange Deletions 为旧列表中的位置，Insertions 和 Modifications 为新列表中的位置
type ListChange struct {
	Deleted       bool
	Deletions     []int
	Insertions    []int
	Modifications []int
}

// NotificationToken 一个对象或列表的订阅
// 每个包含相关修改的版本回调一次，对象删除时回调一次 Deleted 之后自动停止
type NotificationToken struct {
	session *Session
	object  *Object
	list    *List
	props   []*schema.Property

	onObject func(ObjectChange)
	onList   func(ListChange)

	// last 上次回调时的快照
	last    *engine.Snapshot
	stopped bool
}

// Stop 停止订阅，之后不再回调，重复调用无副作用
func (t *NotificationToken) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	tokens := t.session.tokens[:0]
	for _, token := range t.session.tokens {
		if token != t {
			tokens = append(tokens, token)
		}
	}
	t.session.tokens = tokens
	t.session.updateObserved()
}

func (t *NotificationToken) IsStopped() bool {
	return t.stopped
}

// Observe 订阅对象的修改，props 为空时观察所有属性
// 只能订阅托管对象，写事务中不能订阅
func (o *Object) Observe(fn func(ObjectChange), props ...string) (*NotificationToken, error) {
	if o.session == nil {
		return nil, errors.Wrap(ErrIllegalState, "cannot observe an unmanaged object")
	}
	if _, err := o.row(); err != nil {
		return nil, err
	}
	if o.session.txn != nil {
		return nil, errors.Wrap(ErrIllegalState, "cannot observe in a write transaction")
	}

	token := &NotificationToken{session: o.session, object: o, onObject: fn}
	for _, name := range props {
		prop, err := o.schema.Lookup(name)
		if err != nil {
			return nil, err
		}
		token.props = append(token.props, prop)
	}
	o.session.subscribe(token)
	return token, nil
}

// Observe 订阅列表的修改，所属对象必须是托管对象
func (l *List) Observe(fn func(ListChange)) (*NotificationToken, error) {
	owner := l.owner
	if owner.session == nil {
		return nil, errors.Wrap(ErrIllegalState, "cannot observe a list of an unmanaged object")
	}
	if _, err := owner.row(); err != nil {
		return nil, err
	}
	if owner.session.txn != nil {
		return nil, errors.Wrap(ErrIllegalState, "cannot observe in a write transaction")
	}

	token := &NotificationToken{session: owner.session, object: owner, list: l, onList: fn}
	owner.session.subscribe(token)
	return token, nil
}

func (s *Session) subscribe(token *NotificationToken) {
	token.last = s.snapshot
	s.tokens = append(s.tokens, token)
	s.updateObserved()
}

// deliver 按注册顺序回调，回调中停止的订阅不再收到本次通知
func (s *Session) deliver(t *engine.Transition) {
	tokens := make([]*NotificationToken, len(s.tokens))
	copy(tokens, s.tokens)
	for _, token := range tokens {
		if token.stopped {
			continue
		}
		token.deliver(t.To)
	}
}

func (t *NotificationToken) deliver(to *engine.Snapshot) {
	from := t.last
	t.last = to

	key := t.object.key()
	oldRow, ok := from.Row(key.Type, key.ID)
	if !ok {
		t.Stop()
		return
	}
	newRow, ok := to.Row(key.Type, key.ID)
	if !ok {
		t.object.invalidated = true
		t.Stop()
		if t.list != nil {
			t.onList(ListChange{Deleted: true})
		} else {
			t.onObject(ObjectChange{Kind: Deleted, Object: t.object})
		}
		return
	}

	if t.list != nil {
		change, ok := diffList(t.list.prop, oldRow, newRow, from, to)
		if ok {
			t.onList(change)
		}
		return
	}

	if oldRow == newRow {
		return
	}
	props := t.props
	if len(props) == 0 {
		props = t.object.schema.Properties()
	}
	var changes []PropertyChange
	for _, prop := range props {
		oldValue, newValue := oldRow.Value(prop.Index()), newRow.Value(prop.Index())
		if schema.Equal(oldValue, newValue) {
			continue
		}
		change := PropertyChange{Name: prop.Name}
		if prop.Type != schema.TypeList {
			change.OldValue = t.session.wrap(t.object, prop, oldValue)
			change.NewValue = t.session.wrap(t.object, prop, newValue)
		}
		changes = append(changes, change)
	}
	if len(changes) != 0 {
		t.onObject(ObjectChange{Kind: Changed, Object: t.object, Properties: changes})
	}
}

// diffList 基于最长公共子序列计算删除和插入，保留下来的对象元素所在行变化时记为修改
func diffList(prop *schema.Property, oldRow, newRow *engine.Row, from, to *engine.Snapshot) (ListChange, bool) {
	var change ListChange
	oldElems, _ := oldRow.Value(prop.Index()).([]any)
	newElems, _ := newRow.Value(prop.Index()).([]any)

	n, m := len(oldElems), len(newElems)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if schema.Equal(oldElems[i], newElems[j]) {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	i, j := 0, 0
	for i < n && j < m {
		switch {
		case schema.Equal(oldElems[i], newElems[j]):
			if prop.ElemType == schema.TypeObject && linkedRowChanged(prop.ObjectType, newElems[j], from, to) {
				change.Modifications = append(change.Modifications, j)
			}
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			change.Deletions = append(change.Deletions, i)
			i++
		default:
			change.Insertions = append(change.Insertions, j)
			j++
		}
	}
	for ; i < n; i++ {
		change.Deletions = append(change.Deletions, i)
	}
	for ; j < m; j++ {
		change.Insertions = append(change.Insertions, j)
	}

	ok := len(change.Deletions) != 0 || len(change.Insertions) != 0 || len(change.Modifications) != 0
	return change, ok
}

func linkedRowChanged(typeName string, elem any, from, to *engine.Snapshot) bool {
	id := engine.RowID(elem.(int64))
	oldRow, _ := from.Row(typeName, id)
	newRow, _ := to.Row(typeName, id)
	return oldRow != newRow
}
