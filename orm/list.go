package orm

import (
	"github.com/hatlonely/odb/schema"
	"github.com/pkg/errors"
)

// List 对象的列表属性，元素为基础类型值或同一会话中的对象
// 托管对象的列表只能在会话的写事务中修改
type List struct {
	owner *Object
	prop  *schema.Property
}

func (l *List) Owner() *Object {
	return l.owner
}

func (l *List) Property() *schema.Property {
	return l.prop
}

// raw 当前元素的内部形态，托管时对象元素为行 id
func (l *List) raw() ([]any, error) {
	row, err := l.owner.row()
	if err != nil {
		return nil, err
	}
	var elems any
	if row == nil {
		elems = l.owner.values[l.prop.Index()]
	} else {
		elems = row.Value(l.prop.Index())
	}
	if elems == nil {
		return nil, nil
	}
	return elems.([]any), nil
}

func (l *List) wrap(elem any) any {
	if l.owner.session == nil {
		return elem
	}
	return l.owner.session.wrapElem(l.prop, elem)
}

func (l *List) Count() (int, error) {
	elems, err := l.raw()
	if err != nil {
		return 0, err
	}
	return len(elems), nil
}

func (l *List) Get(i int) (any, error) {
	elems, err := l.raw()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(elems) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "%s[%d], count %d", l.prop.Name, i, len(elems))
	}
	return l.wrap(elems[i]), nil
}

// First 列表为空时返回 nil
func (l *List) First() (any, error) {
	elems, err := l.raw()
	if err != nil || len(elems) == 0 {
		return nil, err
	}
	return l.wrap(elems[0]), nil
}

// Last 列表为空时返回 nil
func (l *List) Last() (any, error) {
	elems, err := l.raw()
	if err != nil || len(elems) == 0 {
		return nil, err
	}
	return l.wrap(elems[len(elems)-1]), nil
}

func (l *List) Values() ([]any, error) {
	elems, err := l.raw()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(elems))
	for i, elem := range elems {
		values[i] = l.wrap(elem)
	}
	return values, nil
}

func (l *List) Append(values ...any) error {
	return l.mutate(values, func(elems []any, added []any) ([]any, error) {
		return append(elems, added...), nil
	})
}

// Insert 在位置 i 插入，i 等于元素个数时追加到末尾
func (l *List) Insert(i int, v any) error {
	return l.mutate([]any{v}, func(elems []any, added []any) ([]any, error) {
		if i < 0 || i > len(elems) {
			return nil, errors.Wrapf(ErrIndexOutOfRange, "%s[%d], count %d", l.prop.Name, i, len(elems))
		}
		out := make([]any, 0, len(elems)+1)
		out = append(out, elems[:i]...)
		out = append(out, added[0])
		return append(out, elems[i:]...), nil
	})
}

func (l *List) Set(i int, v any) error {
	return l.mutate([]any{v}, func(elems []any, added []any) ([]any, error) {
		if i < 0 || i >= len(elems) {
			return nil, errors.Wrapf(ErrIndexOutOfRange, "%s[%d], count %d", l.prop.Name, i, len(elems))
		}
		elems[i] = added[0]
		return elems, nil
	})
}

func (l *List) Remove(i int) error {
	return l.mutate(nil, func(elems []any, _ []any) ([]any, error) {
		if i < 0 || i >= len(elems) {
			return nil, errors.Wrapf(ErrIndexOutOfRange, "%s[%d], count %d", l.prop.Name, i, len(elems))
		}
		return append(elems[:i], elems[i+1:]...), nil
	})
}

func (l *List) RemoveAll() error {
	return l.mutate(nil, func([]any, []any) ([]any, error) {
		return []any{}, nil
	})
}

// mutate 转换新增元素后对当前元素的副本执行 fn，托管时写回写事务
func (l *List) mutate(values []any, fn func(elems []any, added []any) ([]any, error)) error {
	if _, err := l.owner.writable(); err != nil {
		return err
	}

	added := make([]any, len(values))
	for i, v := range values {
		elem, err := convertElem(l.prop, v)
		if err != nil {
			return err
		}
		added[i] = elem
	}

	current, err := l.raw()
	if err != nil {
		return err
	}
	elems := make([]any, len(current), len(current)+len(added))
	copy(elems, current)

	elems, err = fn(elems, added)
	if err != nil {
		return err
	}

	session := l.owner.session
	if session == nil {
		l.owner.values[l.prop.Index()] = elems
		return nil
	}
	if err := session.checkAttach(added); err != nil {
		return err
	}
	// 未托管元素先加入会话，写入失败时一并撤销
	return session.atomic(func() error {
		for i, elem := range elems {
			if obj, ok := elem.(*Object); ok {
				id, err := session.attach(obj)
				if err != nil {
					return err
				}
				elems[i] = int64(id)
			}
		}
		return session.txn.WriteProperty(l.owner.schema.Name(), l.owner.id, l.prop.Name, elems)
	})
}
