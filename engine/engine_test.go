package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hatlonely/odb/kv/store"
	"github.com/hatlonely/odb/log"
	"github.com/hatlonely/odb/ref"
	"github.com/hatlonely/odb/schema"
	. "github.com/smartystreets/goconvey/convey"
)

func newTestRegistry() *schema.Registry {
	registry := schema.NewRegistry()
	registry.MustRegister(
		schema.MustDefine("Person",
			schema.String("name").PrimaryKey(),
			schema.Int("age").Indexed(),
			schema.Link("dog", "Dog"),
			schema.ListOf("dogs", "Dog"),
			schema.ListOfPrimitive("tags", schema.TypeString),
		),
		schema.MustDefine("Dog",
			schema.String("name"),
			schema.Int("age").Default(1),
		),
	)
	return registry
}

func openTestEngine(options *Options) *Engine {
	e, err := Open(context.Background(), options, newTestRegistry(), WithLogger(log.Discard()))
	So(err, ShouldBeNil)
	return e
}

func TestWriteTxn(t *testing.T) {
	Convey("WriteTxn", t, func() {
		ctx := context.Background()
		e := openTestEngine(nil)
		defer e.Close()

		So(e.Snapshot().Version(), ShouldEqual, 1)

		Convey("创建并读取", func() {
			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			dog, err := txn.CreateRow("Dog", map[string]any{"name": "rex"})
			So(err, ShouldBeNil)
			person, err := txn.CreateRow("Person", map[string]any{
				"name": "alice",
				"age":  30,
				"dog":  dog.ID(),
				"tags": []string{"a", "b"},
			})
			So(err, ShouldBeNil)

			// 提交前快照不可见
			_, ok := e.Snapshot().Row("Dog", dog.ID())
			So(ok, ShouldBeFalse)

			snapshot, err := txn.Commit(ctx)
			So(err, ShouldBeNil)
			So(snapshot.Version(), ShouldEqual, 2)
			So(e.Snapshot(), ShouldEqual, snapshot)

			age, err := snapshot.ReadProperty("Dog", dog.ID(), "age")
			So(err, ShouldBeNil)
			So(age, ShouldEqual, int64(1))

			row, ok := snapshot.LookupKey("Person", "alice")
			So(ok, ShouldBeTrue)
			So(row.ID(), ShouldEqual, person.ID())
			So(row.Value(1), ShouldEqual, int64(30))
			So(row.Value(2), ShouldEqual, int64(dog.ID()))
			So(row.Value(4), ShouldResemble, []any{"a", "b"})
			So(snapshot.Count("Person"), ShouldEqual, 1)
		})

		Convey("主键重复", func() {
			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			defer txn.Cancel()

			_, err = txn.CreateRow("Person", map[string]any{"name": "alice"})
			So(err, ShouldBeNil)
			_, err = txn.CreateRow("Person", map[string]any{"name": "alice"})
			So(errors.Is(err, ErrDuplicateKey), ShouldBeTrue)

			bob, err := txn.CreateRow("Person", map[string]any{"name": "bob"})
			So(err, ShouldBeNil)
			err = txn.WriteProperty("Person", bob.ID(), "name", "alice")
			So(errors.Is(err, ErrDuplicateKey), ShouldBeTrue)

			So(txn.WriteProperty("Person", bob.ID(), "name", "carol"), ShouldBeNil)
			_, ok := txn.LookupKey("Person", "bob")
			So(ok, ShouldBeFalse)
			row, ok := txn.LookupKey("Person", "carol")
			So(ok, ShouldBeTrue)
			So(row.ID(), ShouldEqual, bob.ID())
		})

		Convey("保存点", func() {
			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			dog, err := txn.CreateRow("Dog", map[string]any{"name": "rex"})
			So(err, ShouldBeNil)
			alice, err := txn.CreateRow("Person", map[string]any{"name": "alice", "dogs": []any{int64(dog.ID())}})
			So(err, ShouldBeNil)
			bob, err := txn.CreateRow("Person", map[string]any{"name": "bob"})
			So(err, ShouldBeNil)
			_, err = txn.Commit(ctx)
			So(err, ShouldBeNil)

			txn, err = e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			defer txn.Cancel()
			So(txn.WriteProperty("Person", alice.ID(), "age", 10), ShouldBeNil)

			txn.Savepoint()
			So(txn.WriteProperty("Person", alice.ID(), "age", 20), ShouldBeNil)
			So(txn.WriteProperty("Person", bob.ID(), "name", "carol"), ShouldBeNil)
			So(txn.WriteProperty("Person", alice.ID(), "name", "bob"), ShouldBeNil)
			maxDog, err := txn.CreateRow("Dog", map[string]any{"name": "max"})
			So(err, ShouldBeNil)
			So(txn.DeleteRow("Dog", dog.ID()), ShouldBeNil)

			txn.Savepoint()
			So(txn.WriteProperty("Person", alice.ID(), "age", 30), ShouldBeNil)
			txn.ReleaseSavepoint()
			txn.RollbackSavepoint()

			age, err := txn.ReadProperty("Person", alice.ID(), "age")
			So(err, ShouldBeNil)
			So(age, ShouldEqual, int64(10))
			row, ok := txn.LookupKey("Person", "alice")
			So(ok, ShouldBeTrue)
			So(row.ID(), ShouldEqual, alice.ID())
			row, ok = txn.LookupKey("Person", "bob")
			So(ok, ShouldBeTrue)
			So(row.ID(), ShouldEqual, bob.ID())
			_, ok = txn.LookupKey("Person", "carol")
			So(ok, ShouldBeFalse)
			_, ok = txn.Row("Dog", maxDog.ID())
			So(ok, ShouldBeFalse)
			_, ok = txn.Row("Dog", dog.ID())
			So(ok, ShouldBeTrue)
			dogs, err := txn.ReadProperty("Person", alice.ID(), "dogs")
			So(err, ShouldBeNil)
			So(dogs, ShouldResemble, []any{int64(dog.ID())})

			// 没有保存点时回滚无效果
			txn.RollbackSavepoint()
			snapshot, err := txn.Commit(ctx)
			So(err, ShouldBeNil)
			So(snapshot.Count("Dog"), ShouldEqual, 1)
			age, err = snapshot.ReadProperty("Person", alice.ID(), "age")
			So(err, ShouldBeNil)
			So(age, ShouldEqual, int64(10))
			name, err := snapshot.ReadProperty("Person", bob.ID(), "name")
			So(err, ShouldBeNil)
			So(name, ShouldEqual, "bob")
		})

		Convey("未知属性和类型错误", func() {
			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			defer txn.Cancel()

			_, err = txn.CreateRow("Dog", map[string]any{"color": "black"})
			So(errors.Is(err, schema.ErrUnknownProperty), ShouldBeTrue)
			_, err = txn.CreateRow("Dog", map[string]any{"age": "old"})
			So(errors.Is(err, schema.ErrTypeMismatch), ShouldBeTrue)
			_, err = txn.CreateRow("Cat", nil)
			So(errors.Is(err, schema.ErrSchema), ShouldBeTrue)
			_, err = txn.CreateRow("Person", map[string]any{"name": "alice", "dog": RowID(42)})
			So(errors.Is(err, ErrRowNotFound), ShouldBeTrue)
		})

		Convey("取消之后丢弃修改", func() {
			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			_, err = txn.CreateRow("Dog", nil)
			So(err, ShouldBeNil)
			txn.Cancel()
			txn.Cancel()

			So(e.Snapshot().Version(), ShouldEqual, 1)
			So(e.Snapshot().Count("Dog"), ShouldEqual, 0)

			_, err = txn.CreateRow("Dog", nil)
			So(errors.Is(err, ErrIllegalState), ShouldBeTrue)
			_, err = txn.Commit(ctx)
			So(errors.Is(err, ErrIllegalState), ShouldBeTrue)
		})

		Convey("没有修改的提交不产生新版本", func() {
			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			snapshot, err := txn.Commit(ctx)
			So(err, ShouldBeNil)
			So(snapshot.Version(), ShouldEqual, 1)
		})

		Convey("删除行时断开链接", func() {
			txn, _ := e.BeginWrite(ctx)
			rex, _ := txn.CreateRow("Dog", map[string]any{"name": "rex"})
			fido, _ := txn.CreateRow("Dog", map[string]any{"name": "fido"})
			alice, err := txn.CreateRow("Person", map[string]any{
				"name": "alice",
				"dog":  rex.ID(),
				"dogs": []RowID{rex.ID(), fido.ID(), rex.ID()},
			})
			So(err, ShouldBeNil)
			_, err = txn.Commit(ctx)
			So(err, ShouldBeNil)

			var transitions []*Transition
			unsubscribe := e.Subscribe(func(t *Transition) {
				transitions = append(transitions, t)
			})
			defer unsubscribe()

			txn, _ = e.BeginWrite(ctx)
			So(txn.DeleteRow("Dog", rex.ID()), ShouldBeNil)
			So(errors.Is(txn.DeleteRow("Dog", rex.ID()), ErrRowNotFound), ShouldBeTrue)
			snapshot, err := txn.Commit(ctx)
			So(err, ShouldBeNil)

			row, _ := snapshot.Row("Person", alice.ID())
			So(row.Value(2), ShouldBeNil)
			So(row.Value(3), ShouldResemble, []any{int64(fido.ID())})

			So(transitions, ShouldHaveLength, 1)
			So(transitions[0].From.Version(), ShouldEqual, 2)
			So(transitions[0].To, ShouldEqual, snapshot)
			So(transitions[0].Deleted, ShouldResemble, []RowKey{{Type: "Dog", ID: rex.ID()}})
			So(transitions[0].Modified, ShouldResemble, []RowKey{{Type: "Person", ID: alice.ID()}})
			So(transitions[0].Created, ShouldBeEmpty)
		})

		Convey("同一事务内创建再删除", func() {
			var transitions []*Transition
			unsubscribe := e.Subscribe(func(t *Transition) {
				transitions = append(transitions, t)
			})

			txn, _ := e.BeginWrite(ctx)
			dog, _ := txn.CreateRow("Dog", nil)
			So(txn.WriteProperty("Dog", dog.ID(), "name", "tmp"), ShouldBeNil)
			So(txn.DeleteRow("Dog", dog.ID()), ShouldBeNil)
			_, err := txn.CreateRow("Dog", map[string]any{"name": "kept"})
			So(err, ShouldBeNil)
			_, err = txn.Commit(ctx)
			So(err, ShouldBeNil)

			So(transitions, ShouldHaveLength, 1)
			So(transitions[0].Created, ShouldHaveLength, 1)
			So(transitions[0].Deleted, ShouldBeEmpty)
			So(transitions[0].Modified, ShouldBeEmpty)

			unsubscribe()
			txn, _ = e.BeginWrite(ctx)
			_, _ = txn.CreateRow("Dog", nil)
			_, err = txn.Commit(ctx)
			So(err, ShouldBeNil)
			So(transitions, ShouldHaveLength, 1)
		})

		Convey("写入相同的值不记录修改", func() {
			txn, _ := e.BeginWrite(ctx)
			dog, _ := txn.CreateRow("Dog", map[string]any{"name": "rex"})
			_, _ = txn.Commit(ctx)

			txn, _ = e.BeginWrite(ctx)
			So(txn.WriteProperty("Dog", dog.ID(), "name", "rex"), ShouldBeNil)
			So(txn.HasChanges(), ShouldBeFalse)
			snapshot, err := txn.Commit(ctx)
			So(err, ShouldBeNil)
			So(snapshot.Version(), ShouldEqual, 2)
		})
	})
}

func TestWritePolicy(t *testing.T) {
	Convey("WritePolicy", t, func() {
		ctx := context.Background()

		Convey("reject", func() {
			e := openTestEngine(&Options{WritePolicy: WritePolicyReject})
			defer e.Close()

			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			_, err = e.BeginWrite(ctx)
			So(errors.Is(err, ErrWriteConflict), ShouldBeTrue)

			txn.Cancel()
			txn, err = e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			txn.Cancel()
		})

		Convey("block", func() {
			e := openTestEngine(&Options{WritePolicy: WritePolicyBlock})
			defer e.Close()

			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)

			timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err = e.BeginWrite(timeoutCtx)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)

			done := make(chan uint64)
			go func() {
				txn, err := e.BeginWrite(ctx)
				if err != nil {
					close(done)
					return
				}
				done <- txn.Version()
				txn.Cancel()
			}()

			_, _ = txn.CreateRow("Dog", nil)
			_, err = txn.Commit(ctx)
			So(err, ShouldBeNil)
			So(<-done, ShouldEqual, 2)
		})

		Convey("不支持的策略", func() {
			_, err := Open(ctx, &Options{WritePolicy: "wait"}, newTestRegistry())
			So(err, ShouldNotBeNil)
		})
	})
}

func TestPersistence(t *testing.T) {
	Convey("Persistence", t, func() {
		ctx := context.Background()
		backend := &ref.TypeOptions{
			Type: "BoltDBStore",
			Options: &store.BoltDBStoreOptions{
				DBPath: filepath.Join(t.TempDir(), "odb.db"),
			},
		}

		e := openTestEngine(&Options{Backend: backend})
		txn, _ := e.BeginWrite(ctx)
		rex, _ := txn.CreateRow("Dog", map[string]any{"name": "rex", "age": 3})
		alice, err := txn.CreateRow("Person", map[string]any{
			"name": "alice",
			"age":  30,
			"dog":  rex.ID(),
			"dogs": []RowID{rex.ID()},
			"tags": []string{"x"},
		})
		So(err, ShouldBeNil)
		bob, _ := txn.CreateRow("Person", map[string]any{"name": "bob"})
		_, err = txn.Commit(ctx)
		So(err, ShouldBeNil)

		txn, _ = e.BeginWrite(ctx)
		So(txn.DeleteRow("Person", bob.ID()), ShouldBeNil)
		_, err = txn.Commit(ctx)
		So(err, ShouldBeNil)
		So(e.Close(), ShouldBeNil)
		So(e.Close(), ShouldBeNil)

		_, err = e.BeginWrite(ctx)
		So(errors.Is(err, ErrClosed), ShouldBeTrue)

		Convey("重新打开恢复所有行", func() {
			e := openTestEngine(&Options{Backend: backend})
			defer e.Close()

			snapshot := e.Snapshot()
			So(snapshot.Count("Person"), ShouldEqual, 1)
			row, ok := snapshot.LookupKey("Person", "alice")
			So(ok, ShouldBeTrue)
			So(row.ID(), ShouldEqual, alice.ID())
			So(row.Value(1), ShouldEqual, int64(30))
			So(row.Value(2), ShouldEqual, int64(rex.ID()))
			So(row.Value(3), ShouldResemble, []any{int64(rex.ID())})
			So(row.Value(4), ShouldResemble, []any{"x"})

			age, err := snapshot.ReadProperty("Dog", rex.ID(), "age")
			So(err, ShouldBeNil)
			So(age, ShouldEqual, int64(3))
			So(e.StoredSchemaVersion(), ShouldEqual, 0)
		})

		Convey("schema 版本升级", func() {
			registry := schema.NewRegistry()
			registry.MustRegister(
				schema.MustDefine("Person",
					schema.String("name").PrimaryKey(),
					schema.String("nickname").Default("anonymous"),
					schema.Link("dog", "Dog"),
				),
				schema.MustDefine("Dog",
					schema.String("name"),
					schema.Int("age"),
				),
			)
			e, err := Open(ctx, &Options{Backend: backend, SchemaVersion: 2}, registry, WithLogger(log.Discard()))
			So(err, ShouldBeNil)
			So(e.StoredSchemaVersion(), ShouldEqual, 0)
			So(e.SchemaVersion(), ShouldEqual, 2)

			nickname, err := e.Snapshot().ReadProperty("Person", alice.ID(), "nickname")
			So(err, ShouldBeNil)
			So(nickname, ShouldEqual, "anonymous")

			legacy, ok := e.LegacyValues("Person", alice.ID())
			So(ok, ShouldBeTrue)
			So(legacy["tags"], ShouldResemble, []any{"x"})

			txn, err := e.BeginWrite(ctx)
			So(err, ShouldBeNil)
			txn.SetSchemaVersion(2)
			_, err = txn.Commit(ctx)
			So(err, ShouldBeNil)
			So(e.StoredSchemaVersion(), ShouldEqual, 2)
			_, ok = e.LegacyValues("Person", alice.ID())
			So(ok, ShouldBeFalse)
			So(e.Close(), ShouldBeNil)

			e, err = Open(ctx, &Options{Backend: backend, SchemaVersion: 2}, registry, WithLogger(log.Discard()))
			So(err, ShouldBeNil)
			defer e.Close()
			So(e.StoredSchemaVersion(), ShouldEqual, 2)
			_, ok = e.LegacyValues("Person", alice.ID())
			So(ok, ShouldBeFalse)
		})
	})
}

func TestOpen(t *testing.T) {
	Convey("Open", t, func() {
		ctx := context.Background()

		Convey("链接目标未注册", func() {
			registry := schema.NewRegistry()
			registry.MustRegister(schema.MustDefine("Person", schema.Link("dog", "Dog")))
			_, err := Open(ctx, nil, registry)
			So(errors.Is(err, schema.ErrSchema), ShouldBeTrue)
		})

		Convey("后端记录主键重复", func() {
			s := store.NewMapStoreWithOptions[string, Record]()
			_ = s.Set(ctx, "Person/1", Record{Kind: RecordKindRow, Values: map[string]any{"name": "alice"}})
			_ = s.Set(ctx, "Person/2", Record{Kind: RecordKindRow, Values: map[string]any{"name": "alice"}})
			_, err := Open(ctx, nil, newTestRegistry(), WithStore(s), WithLogger(log.Discard()))
			So(errors.Is(err, ErrDuplicateKey), ShouldBeTrue)
		})

		Convey("悬空链接和未注册类型", func() {
			s := store.NewMapStoreWithOptions[string, Record]()
			_ = s.Set(ctx, "Person/1", Record{Kind: RecordKindRow, Values: map[string]any{
				"name": "alice",
				"dog":  int64(7),
				"dogs": []any{int64(7), int64(8)},
			}})
			_ = s.Set(ctx, "Dog/8", Record{Kind: RecordKindRow, Values: map[string]any{"name": "fido"}})
			_ = s.Set(ctx, "Cat/1", Record{Kind: RecordKindRow})

			e, err := Open(ctx, nil, newTestRegistry(), WithStore(s), WithLogger(log.Discard()))
			So(err, ShouldBeNil)
			defer e.Close()

			row, ok := e.Snapshot().Row("Person", 1)
			So(ok, ShouldBeTrue)
			So(row.Value(2), ShouldBeNil)
			So(row.Value(3), ShouldResemble, []any{int64(8)})
			So(row.Value(1), ShouldEqual, int64(0))
		})
	})
}
