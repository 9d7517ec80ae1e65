package orm

import (
	"context"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestDescription(t *testing.T) {
	Convey("对象描述", t, func() {
		ctx := context.Background()
		db := openTestDB(nil)
		defer db.Close()
		s := mustSession(db)
		defer s.Close()
		So(s.BeginWrite(ctx), ShouldBeNil)
		defer s.CancelWrite()

		Convey("基础类型", func() {
			obj, err := s.Create("StringObject", map[string]any{"stringCol": "a"})
			So(err, ShouldBeNil)
			So(obj.String(), ShouldEqual, "StringObject {\n\tstringCol = a;\n}")

			So(obj.Set("stringCol", nil), ShouldBeNil)
			So(obj.String(), ShouldEqual, "StringObject {\n\tstringCol = (null);\n}")

			unmanaged, _ := New(obj.ObjectSchema(), map[string]any{"stringCol": "b"})
			So(unmanaged.String(), ShouldEqual, "StringObject {\n\tstringCol = b;\n}")
		})

		Convey("列表", func() {
			obj, err := s.Create("PrimaryIntObject", map[string]any{"intCol": 1, "tags": []string{"x"}})
			So(err, ShouldBeNil)
			So(obj.String(), ShouldEqual, "PrimaryIntObject {\n\tintCol = 1;\n\ttags = List<string> [\n\t\t[0] x\n\t];\n}")

			empty, err := s.Create("PrimaryIntObject", map[string]any{"intCol": 2})
			So(err, ShouldBeNil)
			So(empty.String(), ShouldEqual, "PrimaryIntObject {\n\tintCol = 2;\n\ttags = List<string> [];\n}")
		})

		Convey("链接", func() {
			target, _ := s.Create("StringObject", map[string]any{"stringCol": "t"})
			owner, _ := s.Create("AllTypes", map[string]any{"objectCol": target, "binaryCol": []byte{0xab, 0x01}})
			description := owner.String()
			So(description, ShouldContainSubstring, "\tobjectCol = StringObject {\n\t\tstringCol = t;\n\t};\n")
			So(description, ShouldContainSubstring, "\tbinaryCol = <ab01>;\n")
			So(description, ShouldContainSubstring, "\tarrayCol = List<StringObject> [];\n")
		})

		Convey("自引用对象", func() {
			obj, err := s.Create("CycleObject", map[string]any{"name": "loop"})
			So(err, ShouldBeNil)
			So(obj.Set("next", obj), ShouldBeNil)

			description := obj.String()
			So(strings.Count(description, "CycleObject {"), ShouldEqual, maxDescriptionDepth)
			So(strings.Count(description, maxDepthPlaceholder), ShouldEqual, 1)
		})

		Convey("已删除的对象", func() {
			obj, _ := s.Create("StringObject", nil)
			So(s.Delete(obj), ShouldBeNil)
			So(obj.String(), ShouldEqual, "[invalid object]")
		})
	})
}
