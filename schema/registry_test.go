package schema

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type Dog struct {
	Name  string `odb:"name,primaryKey"`
	Age   int    `odb:"age,indexed"`
	Owner *Owner `odb:"owner"`
}

type Owner struct {
	Name     string            `odb:"name"`
	Birthday time.Time         `odb:"birthday"`
	Nickname *string           `odb:"nickname"`
	Score    float32
	Balance  float64
	Avatar   []byte
	Dogs     []*Dog            `odb:"dogs"`
	Tags     []string          `odb:"tags"`
	Spouse   *Owner            `odb:"spouse"`
	Cache    map[string]string `odb:"-"`
	internal int
	Audit
}

type Audit struct {
	CreatedBy string `odb:"createdBy,optional"`
}

type BadFloatKey struct {
	ID float64 `odb:"id,primaryKey"`
}

type Unsupported struct {
	Ch chan int
}

func TestSchemaFor(t *testing.T) {
	Convey("SchemaFor", t, func() {
		r := NewRegistry()

		Convey("从结构体推导", func() {
			s, err := SchemaFor[Owner](r)
			So(err, ShouldBeNil)
			So(s.Name(), ShouldEqual, "Owner")
			So(s.PropertyNames(), ShouldResemble, []string{
				"name", "birthday", "nickname", "Score", "Balance", "Avatar", "dogs", "tags", "spouse", "createdBy",
			})
			So(s.GoType(), ShouldEqual, reflect.TypeOf(Owner{}))

			nickname, _ := s.Property("nickname")
			So(nickname.Type, ShouldEqual, TypeString)
			So(nickname.Optional, ShouldBeTrue)

			score, _ := s.Property("Score")
			So(score.Type, ShouldEqual, TypeFloat)
			avatar, _ := s.Property("Avatar")
			So(avatar.Type, ShouldEqual, TypeBinary)

			dogs, _ := s.Property("dogs")
			So(dogs.Type, ShouldEqual, TypeList)
			So(dogs.ElemType, ShouldEqual, TypeObject)
			So(dogs.ObjectType, ShouldEqual, "Dog")

			tags, _ := s.Property("tags")
			So(tags.ElemType, ShouldEqual, TypeString)

			createdBy, _ := s.Property("createdBy")
			So(createdBy.Optional, ShouldBeTrue)

			owner := Owner{Audit: Audit{CreatedBy: "jim"}}
			So(s.Field(reflect.ValueOf(owner), createdBy.Index()).String(), ShouldEqual, "jim")

			Convey("链接目标一并推导", func() {
				dog, err := r.SchemaFor("Dog")
				So(err, ShouldBeNil)
				So(dog.PrimaryKey().Name, ShouldEqual, "name")
				So(r.Validate(), ShouldBeNil)
			})

			Convey("重复推导返回同一个实例", func() {
				again, err := SchemaFor[*Owner](r)
				So(err, ShouldBeNil)
				So(again, ShouldEqual, s)
			})
		})

		Convey("并发推导只计算一次", func() {
			var wg sync.WaitGroup
			results := make([]*ObjectSchema, 16)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], _ = SchemaFor[Dog](r)
				}(i)
			}
			wg.Wait()
			for _, s := range results {
				So(s, ShouldNotBeNil)
				So(s, ShouldEqual, results[0])
			}
		})

		Convey("推导错误", func() {
			_, err := SchemaFor[BadFloatKey](r)
			So(errors.Is(err, ErrSchema), ShouldBeTrue)

			_, err = SchemaFor[Unsupported](r)
			So(errors.Is(err, ErrSchema), ShouldBeTrue)

			_, err = SchemaFor[int](r)
			So(errors.Is(err, ErrSchema), ShouldBeTrue)
		})

		Convey("与声明式类型同名", func() {
			So(r.Register(MustDefine("Dog", String("name"))), ShouldBeNil)
			_, err := SchemaFor[Dog](r)
			So(errors.Is(err, ErrSchema), ShouldBeTrue)
		})
	})
}

func TestRegistry(t *testing.T) {
	Convey("Registry", t, func() {
		r := NewRegistry()
		person := MustDefine("Person", String("name"), ListOf("dogs", "Dog"))

		So(r.Register(person), ShouldBeNil)
		s, err := r.SchemaFor("Person")
		So(err, ShouldBeNil)
		So(s, ShouldEqual, person)

		So(r.Register(MustDefine("Person", String("name"), ListOf("dogs", "Dog"))), ShouldBeNil)
		err = r.Register(MustDefine("Person", String("name")))
		So(errors.Is(err, ErrSchema), ShouldBeTrue)

		_, err = r.SchemaFor("Dog")
		So(errors.Is(err, ErrSchema), ShouldBeTrue)
		So(errors.Is(r.Validate(), ErrSchema), ShouldBeTrue)

		r.MustRegister(MustDefine("Dog", String("name")))
		So(r.Validate(), ShouldBeNil)

		var names []string
		for _, s := range r.Schemas() {
			names = append(names, s.Name())
		}
		So(names, ShouldResemble, []string{"Dog", "Person"})
	})
}
