package orm

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/hatlonely/odb/engine"
	"github.com/hatlonely/odb/kv/store"
	"github.com/hatlonely/odb/log"
	"github.com/hatlonely/odb/ref"
	"github.com/hatlonely/odb/schema"
	. "github.com/smartystreets/goconvey/convey"
)

func newBoltBackend(t *testing.T) *ref.TypeOptions {
	return &ref.TypeOptions{
		Type: "BoltDBStore",
		Options: &store.BoltDBStoreOptions{
			DBPath: filepath.Join(t.TempDir(), "odb.db"),
		},
	}
}

func contactRegistry(nameProp string) *schema.Registry {
	registry := schema.NewRegistry()
	registry.MustRegister(schema.MustDefine("Contact",
		schema.String(nameProp),
		schema.Int("age"),
	))
	return registry
}

func TestMigration(t *testing.T) {
	Convey("Migration", t, func() {
		ctx := context.Background()
		backend := newBoltBackend(t)
		open := func(version uint64, nameProp string, opts ...Option) (*DB, error) {
			opts = append([]Option{WithLogger(log.Discard())}, opts...)
			return Open(ctx, &Options{Engine: engine.Options{Backend: backend, SchemaVersion: version}}, contactRegistry(nameProp), opts...)
		}

		calls := 0
		rename := WithMigration(func(m *Migration) error {
			calls++
			So(m.OldSchemaVersion(), ShouldEqual, 1)
			So(m.NewSchemaVersion(), ShouldEqual, 2)
			if err := m.Enumerate("Contact", func(old map[string]any, obj *Object) error {
				return obj.Set("name", old["fullName"])
			}); err != nil {
				return err
			}
			_, err := m.Session().Create("Contact", map[string]any{"name": "carol", "age": 40})
			return err
		})

		Convey("空数据库不执行迁移", func() {
			db, err := open(2, "name", rename)
			So(err, ShouldBeNil)
			defer db.Close()
			So(calls, ShouldEqual, 0)
			So(db.SchemaVersion(), ShouldEqual, 2)
		})

		seed := func() {
			db, err := open(1, "fullName")
			So(err, ShouldBeNil)
			So(db.Write(ctx, func(s *Session) error {
				if _, err := s.Create("Contact", map[string]any{"fullName": "alice", "age": 30}); err != nil {
					return err
				}
				_, err := s.Create("Contact", map[string]any{"fullName": "bob", "age": 31})
				return err
			}), ShouldBeNil)
			So(db.SchemaVersion(), ShouldEqual, 1)
			So(db.Close(), ShouldBeNil)
		}

		names := func(db *DB) []string {
			s := mustSession(db)
			defer s.Close()
			objects, err := s.Objects("Contact")
			So(err, ShouldBeNil)
			var out []string
			for _, obj := range objects {
				v, _ := obj.Get("name")
				out = append(out, v.(string))
			}
			sort.Strings(out)
			return out
		}

		Convey("重命名属性", func() {
			seed()
			db, err := open(2, "name", rename)
			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 1)
			So(db.SchemaVersion(), ShouldEqual, 2)
			So(names(db), ShouldResemble, []string{"alice", "bob", "carol"})

			s := mustSession(db)
			objects, _ := s.Objects("Contact")
			ages := map[string]any{}
			for _, obj := range objects {
				name, _ := obj.Get("name")
				ages[name.(string)], _ = obj.Get("age")
			}
			So(ages, ShouldResemble, map[string]any{"alice": int64(30), "bob": int64(31), "carol": int64(40)})
			So(s.Close(), ShouldBeNil)
			So(db.Close(), ShouldBeNil)

			db, err = open(2, "name", rename)
			So(err, ShouldBeNil)
			defer db.Close()
			So(calls, ShouldEqual, 1)
			So(names(db), ShouldResemble, []string{"alice", "bob", "carol"})
		})

		Convey("迁移失败时保留原数据", func() {
			seed()
			_, err := open(2, "name", WithMigration(func(m *Migration) error {
				if err := m.Enumerate("Contact", func(old map[string]any, obj *Object) error {
					return obj.Set("name", old["fullName"])
				}); err != nil {
					return err
				}
				return errors.New("boom")
			}))
			So(err, ShouldNotBeNil)

			db, err := open(1, "fullName")
			So(err, ShouldBeNil)
			defer db.Close()
			So(db.SchemaVersion(), ShouldEqual, 1)
		})

		Convey("遍历未注册的类型", func() {
			seed()
			_, err := open(2, "name", WithMigration(func(m *Migration) error {
				return m.Enumerate("Missing", func(map[string]any, *Object) error { return nil })
			}))
			So(errors.Is(err, ErrSchema), ShouldBeTrue)
		})
	})
}
