package loader

import (
	"encoding/json"
	"testing"

	"github.com/hatlonely/odb/cfg"
	"github.com/hatlonely/odb/ref"
	. "github.com/smartystreets/goconvey/convey"
)

func TestParseChangeType(t *testing.T) {
	Convey("ParseChangeType", t, func() {
		for text, expected := range map[string]ChangeType{
			"":        ChangeTypeAdd,
			"add":     ChangeTypeAdd,
			"UPDATE":  ChangeTypeUpdate,
			" delete": ChangeTypeDelete,
		} {
			changeType, err := ParseChangeType(text)
			So(err, ShouldBeNil)
			So(changeType, ShouldEqual, expected)
		}
		_, err := ParseChangeType("upsert")
		So(err, ShouldNotBeNil)
		So(ChangeTypeDelete.String(), ShouldEqual, "delete")
	})
}

func TestJSONLineParser(t *testing.T) {
	Convey("JSONLineParser", t, func() {
		p, err := NewJSONLineParserWithOptions(&JSONLineParserOptions{
			ChangeTypeRules: []ChangeTypeRule{
				{Conditions: []Condition{{Field: "meta.op", Value: "delete"}}, Type: "delete"},
				{Conditions: []Condition{{Field: "version", Value: 2}, {Field: "force", Value: true}}, Logic: "or", Type: "update"},
			},
		})
		So(err, ShouldBeNil)

		Convey("默认为 add", func() {
			changeType, data, err := p.Parse([]byte(`{"id": 12345678901234567, "name": "rex"}`))
			So(err, ShouldBeNil)
			So(changeType, ShouldEqual, ChangeTypeAdd)
			So(data["id"], ShouldEqual, json.Number("12345678901234567"))
			So(data["name"], ShouldEqual, "rex")
		})

		Convey("嵌套字段条件", func() {
			changeType, _, err := p.Parse([]byte(`{"id": 1, "meta": {"op": "delete"}}`))
			So(err, ShouldBeNil)
			So(changeType, ShouldEqual, ChangeTypeDelete)

			changeType, _, err = p.Parse([]byte(`{"id": 1, "meta": "delete"}`))
			So(err, ShouldBeNil)
			So(changeType, ShouldEqual, ChangeTypeAdd)
		})

		Convey("OR 条件", func() {
			changeType, _, err := p.Parse([]byte(`{"id": 1, "version": 2}`))
			So(err, ShouldBeNil)
			So(changeType, ShouldEqual, ChangeTypeUpdate)

			changeType, _, err = p.Parse([]byte(`{"id": 1, "version": 1, "force": true}`))
			So(err, ShouldBeNil)
			So(changeType, ShouldEqual, ChangeTypeUpdate)
		})

		Convey("非法数据", func() {
			_, _, err := p.Parse([]byte(`not json`))
			So(err, ShouldNotBeNil)
			_, _, err = p.Parse([]byte(`null`))
			So(err, ShouldNotBeNil)
			_, _, err = p.Parse([]byte(`[1, 2]`))
			So(err, ShouldNotBeNil)
		})

		Convey("非法规则", func() {
			_, err := NewJSONLineParserWithOptions(&JSONLineParserOptions{
				ChangeTypeRules: []ChangeTypeRule{{Type: "upsert"}},
			})
			So(err, ShouldNotBeNil)
		})
	})
}

func TestSeparatorLineParser(t *testing.T) {
	Convey("SeparatorLineParser", t, func() {
		p, err := NewSeparatorLineParserWithOptions(&SeparatorLineParserOptions{
			Fields:          []string{"id", "name", "op"},
			ChangeTypeField: "op",
		})
		So(err, ShouldBeNil)

		changeType, data, err := p.Parse([]byte("1\trex\tdelete"))
		So(err, ShouldBeNil)
		So(changeType, ShouldEqual, ChangeTypeDelete)
		So(data, ShouldResemble, map[string]any{"id": "1", "name": "rex"})

		changeType, _, err = p.Parse([]byte("1\trex\t"))
		So(err, ShouldBeNil)
		So(changeType, ShouldEqual, ChangeTypeAdd)

		_, _, err = p.Parse([]byte("1\trex"))
		So(err, ShouldNotBeNil)
		_, _, err = p.Parse([]byte("1\trex\tupsert"))
		So(err, ShouldNotBeNil)

		_, err = NewSeparatorLineParserWithOptions(&SeparatorLineParserOptions{})
		So(err, ShouldNotBeNil)
	})
}

func TestNewParserWithOptions(t *testing.T) {
	Convey("NewParserWithOptions", t, func() {
		p, err := NewParserWithOptions(nil)
		So(err, ShouldBeNil)
		So(p, ShouldHaveSameTypeAs, &JSONLineParser{})

		p, err = NewParserWithOptions(&ref.TypeOptions{
			Type:    "SeparatorLineParser",
			Options: &SeparatorLineParserOptions{Separator: ",", Fields: []string{"id", "name"}},
		})
		So(err, ShouldBeNil)
		_, data, err := p.Parse([]byte("1,rex"))
		So(err, ShouldBeNil)
		So(data["name"], ShouldEqual, "rex")

		storage, err := cfg.Parse([]byte(`{"type": "SeparatorLineParser", "options": {"separator": "|", "fields": ["id", "name"]}}`), "json")
		So(err, ShouldBeNil)
		var options ref.TypeOptions
		So(storage.ConvertTo(&options), ShouldBeNil)
		p, err = NewParserWithOptions(&options)
		So(err, ShouldBeNil)
		_, data, err = p.Parse([]byte("2|fido"))
		So(err, ShouldBeNil)
		So(data["id"], ShouldEqual, "2")

		_, err = NewParserWithOptions(&ref.TypeOptions{Type: "XMLParser"})
		So(err, ShouldNotBeNil)
	})
}
