package orm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hatlonely/odb/schema"
	. "github.com/smartystreets/goconvey/convey"
)

func TestObjectSchema(t *testing.T) {
	Convey("ObjectSchema", t, func() {
		db := openTestDB(nil)
		defer db.Close()

		s, err := db.Registry().SchemaFor("AllTypes")
		So(err, ShouldBeNil)
		So(s.PropertyNames(), ShouldResemble, []string{
			"boolCol", "intCol", "floatCol", "doubleCol", "stringCol", "binaryCol", "dateCol", "objectCol", "arrayCol",
		})

		obj, err := New(s, nil)
		So(err, ShouldBeNil)
		So(obj.ObjectSchema().Equal(s), ShouldBeTrue)
		So(obj.IsManaged(), ShouldBeFalse)
		So(obj.IsInvalidated(), ShouldBeFalse)
	})
}

func TestRoundTrip(t *testing.T) {
	Convey("属性读写一致", t, func() {
		ctx := context.Background()
		db := openTestDB(nil)
		defer db.Close()
		s := mustSession(db)
		defer s.Close()

		allTypes, _ := db.Registry().SchemaFor("AllTypes")
		stringObject, _ := db.Registry().SchemaFor("StringObject")
		date := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

		check := func(obj *Object) {
			values := map[string]any{
				"boolCol":   true,
				"intCol":    int64(42),
				"floatCol":  float32(1.5),
				"doubleCol": 2.25,
				"stringCol": "abc",
				"binaryCol": []byte{1, 2, 3},
				"dateCol":   date,
			}
			for name, v := range values {
				So(obj.Set(name, v), ShouldBeNil)
				got, err := obj.Get(name)
				So(err, ShouldBeNil)
				So(got, ShouldResemble, v)
			}

			// 泛化的数值类型
			So(obj.Set("intCol", 7), ShouldBeNil)
			intCol := MustFieldOf[int64](allTypes, "intCol")
			n, err := intCol.Get(obj)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 7)
			So(obj.Set("doubleCol", float32(0.5)), ShouldBeNil)

			So(intCol.Set(obj, 99), ShouldBeNil)
			v, err := obj.Get("intCol")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, int64(99))

			stringCol := MustFieldOf[string](allTypes, "stringCol")
			So(stringCol.Set(obj, "typed"), ShouldBeNil)
			v, _ = obj.Get("stringCol")
			str, _ := stringCol.Get(obj)
			So(v, ShouldEqual, "typed")
			So(str, ShouldEqual, v)

			dateCol := MustFieldOf[time.Time](allTypes, "dateCol")
			got, err := dateCol.Get(obj)
			So(err, ShouldBeNil)
			So(got.Equal(date), ShouldBeTrue)

			floatCol := MustFieldOf[float32](allTypes, "floatCol")
			So(floatCol.Set(obj, 3.5), ShouldBeNil)
			v, _ = obj.Get("floatCol")
			So(v, ShouldEqual, float32(3.5))

			target, err := New(stringObject, map[string]any{"stringCol": "target"})
			So(err, ShouldBeNil)
			objectCol := MustFieldOf[*Object](allTypes, "objectCol")
			So(objectCol.Set(obj, target), ShouldBeNil)
			linked, err := objectCol.Get(obj)
			So(err, ShouldBeNil)
			name, _ := linked.Get("stringCol")
			So(name, ShouldEqual, "target")
			dynamic, _ := obj.Get("objectCol")
			So(dynamic.(*Object).Equal(linked), ShouldBeTrue)

			So(obj.Set("objectCol", nil), ShouldBeNil)
			dynamic, err = obj.Get("objectCol")
			So(err, ShouldBeNil)
			So(dynamic, ShouldBeNil)
			linked, err = objectCol.Get(obj)
			So(err, ShouldBeNil)
			So(linked, ShouldBeNil)

			arrayCol := MustFieldOf[*List](allTypes, "arrayCol")
			list, err := arrayCol.Get(obj)
			So(err, ShouldBeNil)
			So(list.Append(target), ShouldBeNil)
			count, _ := list.Count()
			So(count, ShouldEqual, 1)
		}

		Convey("未托管对象", func() {
			obj, err := New(allTypes, nil)
			So(err, ShouldBeNil)
			check(obj)
		})

		Convey("托管对象", func() {
			So(s.BeginWrite(ctx), ShouldBeNil)
			obj, err := s.Create("AllTypes", nil)
			So(err, ShouldBeNil)
			check(obj)
			So(s.CommitWrite(ctx), ShouldBeNil)

			v, err := obj.Get("stringCol")
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "typed")
		})

		Convey("类型错误", func() {
			obj, _ := New(allTypes, nil)
			So(errors.Is(obj.Set("intCol", "1"), ErrTypeMismatch), ShouldBeTrue)
			So(errors.Is(obj.Set("boolCol", 1), ErrTypeMismatch), ShouldBeTrue)
			So(errors.Is(obj.Set("intCol", 1.5), ErrTypeMismatch), ShouldBeTrue)
			So(errors.Is(obj.Set("stringCol", nil), ErrTypeMismatch), ShouldBeTrue)
			So(errors.Is(obj.Set("objectCol", obj), ErrTypeMismatch), ShouldBeTrue)
			So(errors.Is(obj.Set("missing", 1), ErrUnknownProperty), ShouldBeTrue)
			_, err := obj.Get("missing")
			So(errors.Is(err, ErrUnknownProperty), ShouldBeTrue)

			_, err = FieldOf[string](allTypes, "intCol")
			So(errors.Is(err, ErrTypeMismatch), ShouldBeTrue)
			_, err = FieldOf[*int64](allTypes, "intCol")
			So(errors.Is(err, ErrTypeMismatch), ShouldBeTrue)
			_, err = FieldOf[int64](allTypes, "missing")
			So(errors.Is(err, ErrUnknownProperty), ShouldBeTrue)

			other, _ := New(stringObject, nil)
			err = MustFieldOf[int64](allTypes, "intCol").Set(other, 1)
			So(errors.Is(err, ErrTypeMismatch), ShouldBeTrue)
		})

		Convey("可空属性", func() {
			obj, _ := New(stringObject, nil)
			v, err := obj.Get("stringCol")
			So(err, ShouldBeNil)
			So(v, ShouldBeNil)

			field := MustFieldOf[*string](stringObject, "stringCol")
			str, err := field.Get(obj)
			So(err, ShouldBeNil)
			So(str, ShouldBeNil)

			value := "x"
			So(field.Set(obj, &value), ShouldBeNil)
			str, _ = field.Get(obj)
			So(*str, ShouldEqual, "x")
			So(field.Set(obj, nil), ShouldBeNil)
			v, _ = obj.Get("stringCol")
			So(v, ShouldBeNil)
		})
	})
}

func TestPrimaryKey(t *testing.T) {
	Convey("主键", t, func() {
		ctx := context.Background()
		db := openTestDB(nil)
		defer db.Close()
		s := mustSession(db)
		defer s.Close()

		primary, _ := db.Registry().SchemaFor("PrimaryStringObject")
		stringCol := MustFieldOf[string](primary, "stringCol")

		Convey("未托管时可以修改", func() {
			obj, err := New(primary, map[string]any{"stringCol": "a"})
			So(err, ShouldBeNil)
			So(obj.Set("stringCol", "b"), ShouldBeNil)
			So(stringCol.Set(obj, "c"), ShouldBeNil)
			So(obj.SetValues(map[string]any{"stringCol": "d"}), ShouldBeNil)
			v, _ := obj.Get("stringCol")
			So(v, ShouldEqual, "d")
		})

		Convey("托管之后三种修改方式都失败", func() {
			So(s.BeginWrite(ctx), ShouldBeNil)
			obj, err := New(primary, map[string]any{"stringCol": "a", "intCol": 1})
			So(err, ShouldBeNil)
			So(s.Add(obj), ShouldBeNil)
			So(obj.IsManaged(), ShouldBeTrue)

			So(errors.Is(stringCol.Set(obj, "b"), ErrInvariantViolation), ShouldBeTrue)
			So(errors.Is(obj.Set("stringCol", "b"), ErrInvariantViolation), ShouldBeTrue)
			err = obj.SetValues(map[string]any{"intCol": 2, "stringCol": "b"})
			So(errors.Is(err, ErrInvariantViolation), ShouldBeTrue)

			v, _ := obj.Get("stringCol")
			So(v, ShouldEqual, "a")
			n, _ := obj.Get("intCol")
			So(n, ShouldEqual, int64(1))

			// 写入相同的值不报错
			So(obj.Set("stringCol", "a"), ShouldBeNil)
			So(s.CommitWrite(ctx), ShouldBeNil)

			found, err := s.Object("PrimaryStringObject", "a")
			So(err, ShouldBeNil)
			So(found.Equal(obj), ShouldBeTrue)
			_, err = s.Object("PrimaryStringObject", "b")
			So(errors.Is(err, ErrNotFound), ShouldBeTrue)
		})

		Convey("主键重复", func() {
			So(s.BeginWrite(ctx), ShouldBeNil)
			defer s.CancelWrite()
			_, err := s.Create("PrimaryStringObject", map[string]any{"stringCol": "a"})
			So(err, ShouldBeNil)
			_, err = s.Create("PrimaryStringObject", map[string]any{"stringCol": "a"})
			So(errors.Is(err, ErrInvariantViolation), ShouldBeTrue)

			objects, _ := s.Objects("PrimaryStringObject")
			So(objects, ShouldHaveLength, 1)
		})

		Convey("可空整数主键", func() {
			So(s.BeginWrite(ctx), ShouldBeNil)
			obj, err := s.Create("PrimaryIntObject", nil)
			So(err, ShouldBeNil)
			v, _ := obj.Get("intCol")
			So(v, ShouldBeNil)
			_, err = s.Create("PrimaryIntObject", map[string]any{"intCol": nil})
			So(errors.Is(err, ErrInvariantViolation), ShouldBeTrue)
			_, err = s.Create("PrimaryIntObject", map[string]any{"intCol": 1})
			So(err, ShouldBeNil)
			So(s.CommitWrite(ctx), ShouldBeNil)

			found, err := s.Object("PrimaryIntObject", nil)
			So(err, ShouldBeNil)
			So(found.Equal(obj), ShouldBeTrue)
			found, err = s.Object("PrimaryIntObject", int32(1))
			So(err, ShouldBeNil)
			v, _ = found.Get("intCol")
			So(v, ShouldEqual, int64(1))
		})

		Convey("CreateOrUpdate", func() {
			So(s.BeginWrite(ctx), ShouldBeNil)
			first, err := s.CreateOrUpdate("PrimaryStringObject", map[string]any{"stringCol": "a", "intCol": 1})
			So(err, ShouldBeNil)
			second, err := s.CreateOrUpdate("PrimaryStringObject", map[string]any{"stringCol": "a", "intCol": 2})
			So(err, ShouldBeNil)
			So(second.Equal(first), ShouldBeTrue)
			v, _ := first.Get("intCol")
			So(v, ShouldEqual, int64(2))
			So(s.CommitWrite(ctx), ShouldBeNil)

			objects, _ := s.Objects("PrimaryStringObject")
			So(objects, ShouldHaveLength, 1)
		})
	})
}

func TestInvalidation(t *testing.T) {
	Convey("对象失效", t, func() {
		ctx := context.Background()
		db := openTestDB(nil)
		defer db.Close()
		s := mustSession(db)
		defer s.Close()

		Convey("删除之后失效", func() {
			So(s.BeginWrite(ctx), ShouldBeNil)
			obj, err := s.Create("StringObject", map[string]any{"stringCol": "a"})
			So(err, ShouldBeNil)
			So(s.CommitWrite(ctx), ShouldBeNil)
			So(obj.IsInvalidated(), ShouldBeFalse)

			So(s.BeginWrite(ctx), ShouldBeNil)
			So(s.Delete(obj), ShouldBeNil)
			So(obj.IsInvalidated(), ShouldBeTrue)
			So(s.CommitWrite(ctx), ShouldBeNil)

			So(obj.IsInvalidated(), ShouldBeTrue)
			_, err = obj.Get("stringCol")
			So(errors.Is(err, ErrInvalidated), ShouldBeTrue)
			So(s.BeginWrite(ctx), ShouldBeNil)
			So(errors.Is(obj.Set("stringCol", "b"), ErrInvalidated), ShouldBeTrue)
			So(errors.Is(s.Delete(obj), ErrInvalidated), ShouldBeTrue)
			s.CancelWrite()
		})

		Convey("其他会话删除之后刷新失效", func() {
			var obj *Object
			err := s.Write(ctx, func() error {
				var err error
				obj, err = s.Create("StringObject", nil)
				return err
			})
			So(err, ShouldBeNil)

			other := mustSession(db)
			defer other.Close()
			err = other.Write(ctx, func() error {
				objects, err := other.Objects("StringObject")
				if err != nil {
					return err
				}
				return other.Delete(objects[0])
			})
			So(err, ShouldBeNil)

			// 刷新之前仍然看到旧快照
			So(obj.IsInvalidated(), ShouldBeFalse)
			So(s.Refresh(), ShouldBeTrue)
			So(obj.IsInvalidated(), ShouldBeTrue)
		})

		Convey("回滚之后事务中创建的对象失效", func() {
			So(s.BeginWrite(ctx), ShouldBeNil)
			obj, err := s.Create("StringObject", nil)
			So(err, ShouldBeNil)
			s.CancelWrite()
			So(obj.IsInvalidated(), ShouldBeTrue)

			err = s.Write(ctx, func() error {
				obj, err = s.Create("StringObject", nil)
				So(err, ShouldBeNil)
				return errors.New("abort")
			})
			So(err, ShouldNotBeNil)
			So(obj.IsInvalidated(), ShouldBeTrue)

			So(func() {
				_ = s.Write(ctx, func() error {
					obj, _ = s.Create("StringObject", nil)
					panic("boom")
				})
			}, ShouldPanic)
			So(s.IsInWrite(), ShouldBeFalse)
			So(obj.IsInvalidated(), ShouldBeTrue)

			objects, _ := s.Objects("StringObject")
			So(objects, ShouldBeEmpty)
		})

		Convey("会话关闭之后失效", func() {
			So(s.BeginWrite(ctx), ShouldBeNil)
			obj, _ := s.Create("StringObject", nil)
			So(s.CommitWrite(ctx), ShouldBeNil)
			So(s.Close(), ShouldBeNil)
			So(obj.IsInvalidated(), ShouldBeTrue)
			So(errors.Is(s.BeginWrite(ctx), ErrClosed), ShouldBeTrue)
		})
	})
}

func TestDefaults(t *testing.T) {
	Convey("默认值", t, func() {
		ctx := context.Background()
		db := openTestDB(nil)
		defer db.Close()
		s := mustSession(db)
		defer s.Close()

		defaults, _ := db.Registry().SchemaFor("DefaultObject")
		first, err := New(defaults, nil)
		So(err, ShouldBeNil)
		second, err := New(defaults, nil)
		So(err, ShouldBeNil)

		a, _ := first.Get("uuid")
		b, _ := second.Get("uuid")
		So(a, ShouldNotBeEmpty)
		So(a, ShouldNotEqual, b)
		count, _ := first.Get("count")
		So(count, ShouldEqual, int64(7))

		So(s.BeginWrite(ctx), ShouldBeNil)
		third, err := s.Create("DefaultObject", nil)
		So(err, ShouldBeNil)
		fourth, err := s.Create("DefaultObject", map[string]any{"count": 1})
		So(err, ShouldBeNil)
		So(s.CommitWrite(ctx), ShouldBeNil)

		c, _ := third.Get("uuid")
		d, _ := fourth.Get("uuid")
		So(c, ShouldNotEqual, d)
		So(c, ShouldNotEqual, a)
		count, _ = fourth.Get("count")
		So(count, ShouldEqual, int64(1))
		count, _ = third.Get("count")
		So(count, ShouldEqual, int64(7))
	})
}

func TestSchemaErrors(t *testing.T) {
	Convey("索引类型在定义时校验", t, func() {
		for _, b := range []*schema.Builder{
			schema.Float("f").Indexed(),
			schema.Double("d").Indexed(),
			schema.Binary("b").Indexed(),
		} {
			_, err := schema.Define("Indexed", b)
			So(errors.Is(err, ErrSchema), ShouldBeTrue)
		}
		for _, b := range []*schema.Builder{
			schema.Int("i").Indexed(),
			schema.String("s").Indexed(),
			schema.Bool("b").Indexed(),
			schema.Date("d").Indexed(),
		} {
			_, err := schema.Define("Indexed", b)
			So(err, ShouldBeNil)
		}
	})
}
