package orm

import (
	"maps"

	"github.com/pkg/errors"
)

// Migration 迁移上下文，在打开数据库的写事务中执行
type Migration struct {
	session    *Session
	oldVersion uint64
	newVersion uint64
}

func (m *Migration) OldSchemaVersion() uint64 {
	return m.oldVersion
}

func (m *Migration) NewSchemaVersion() uint64 {
	return m.newVersion
}

// Session 迁移所在的会话，可以用来创建和删除对象
func (m *Migration) Session() *Session {
	return m.session
}

// Enumerate 遍历类型的所有对象
// old 为迁移前保存的原始属性，包括已经删除的属性；obj 为按新 schema 读写的对象，新增属性已经填充默认值
func (m *Migration) Enumerate(typeName string, fn func(old map[string]any, obj *Object) error) error {
	objects, err := m.session.Objects(typeName)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if obj.IsInvalidated() {
			continue
		}
		values, _ := m.session.db.engine.LegacyValues(typeName, obj.id)
		if err := fn(maps.Clone(values), obj); err != nil {
			return errors.WithMessagef(err, "enumerate %s", typeName)
		}
	}
	return nil
}
