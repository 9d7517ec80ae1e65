package orm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hatlonely/odb/cfg"
	"github.com/hatlonely/odb/engine"
	"github.com/hatlonely/odb/log"
	"github.com/hatlonely/odb/schema"
	. "github.com/smartystreets/goconvey/convey"
)

func newTestRegistry() *schema.Registry {
	registry := schema.NewRegistry()
	registry.MustRegister(
		schema.MustDefine("AllTypes",
			schema.Bool("boolCol"),
			schema.Int("intCol"),
			schema.Float("floatCol"),
			schema.Double("doubleCol"),
			schema.String("stringCol"),
			schema.Binary("binaryCol"),
			schema.Date("dateCol"),
			schema.Link("objectCol", "StringObject"),
			schema.ListOf("arrayCol", "StringObject"),
		),
		schema.MustDefine("StringObject",
			schema.String("stringCol").Optional(),
		),
		schema.MustDefine("PrimaryStringObject",
			schema.String("stringCol").PrimaryKey(),
			schema.Int("intCol"),
		),
		schema.MustDefine("PrimaryIntObject",
			schema.Int("intCol").PrimaryKey().Optional(),
			schema.ListOfPrimitive("tags", schema.TypeString),
		),
		schema.MustDefine("CycleObject",
			schema.String("name"),
			schema.Link("next", "CycleObject"),
		),
		schema.MustDefine("DefaultObject",
			schema.String("uuid").DefaultFunc(func() any { return uuid.NewString() }),
			schema.Int("count").Default(7),
			schema.ListOfPrimitive("scores", schema.TypeDouble),
		),
	)
	return registry
}

func openTestDB(options *Options, opts ...Option) *DB {
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	db, err := Open(context.Background(), options, newTestRegistry(), opts...)
	So(err, ShouldBeNil)
	return db
}

func mustSession(db *DB) *Session {
	s, err := db.Session()
	So(err, ShouldBeNil)
	return s
}

func TestOpen(t *testing.T) {
	Convey("Open", t, func() {
		ctx := context.Background()

		Convey("从配置文件打开", func() {
			dir := t.TempDir()
			filename := filepath.Join(dir, "odb.yaml")
			So(os.WriteFile(filename, []byte(`
engine:
  writePolicy: reject
  backend:
    type: LevelDBStore
    options:
      dbPath: `+filepath.Join(dir, "leveldb")+`
`), 0644), ShouldBeNil)

			var options Options
			So(cfg.Load(filename, &options), ShouldBeNil)
			So(options.Engine.WritePolicy, ShouldEqual, engine.WritePolicyReject)

			db := openTestDB(&options)
			err := db.Write(ctx, func(s *Session) error {
				_, err := s.Create("PrimaryStringObject", map[string]any{"stringCol": "a", "intCol": 1})
				return err
			})
			So(err, ShouldBeNil)
			So(db.Close(), ShouldBeNil)
			So(db.Close(), ShouldBeNil)

			_, err = db.Session()
			So(errors.Is(err, ErrClosed), ShouldBeTrue)

			db = openTestDB(&options)
			defer db.Close()
			s := mustSession(db)
			defer s.Close()
			obj, err := s.Object("PrimaryStringObject", "a")
			So(err, ShouldBeNil)
			v, err := obj.Get("intCol")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, int64(1))
		})

		Convey("存储的 schema 版本更高", func() {
			backend := newBoltBackend(t)
			db := openTestDB(&Options{Engine: engine.Options{Backend: backend, SchemaVersion: 2}})
			So(db.SchemaVersion(), ShouldEqual, 2)
			So(db.Close(), ShouldBeNil)

			_, err := Open(ctx, &Options{Engine: engine.Options{Backend: backend, SchemaVersion: 1}}, newTestRegistry(), WithLogger(log.Discard()))
			So(errors.Is(err, ErrSchema), ShouldBeTrue)
		})

		Convey("WithTypes 推导结构体类型", func() {
			registry := schema.NewRegistry()
			db, err := Open(ctx, nil, registry, WithTypes(&Person{}), WithLogger(log.Discard()))
			So(err, ShouldBeNil)
			defer db.Close()

			_, err = registry.SchemaFor("Person")
			So(err, ShouldBeNil)
			_, err = registry.SchemaFor("Dog")
			So(err, ShouldBeNil)
		})

		Convey("链接目标未注册", func() {
			registry := schema.NewRegistry()
			registry.MustRegister(schema.MustDefine("Person", schema.Link("dog", "Dog")))
			_, err := Open(ctx, nil, registry, WithLogger(log.Discard()))
			So(errors.Is(err, ErrSchema), ShouldBeTrue)
		})
	})
}
