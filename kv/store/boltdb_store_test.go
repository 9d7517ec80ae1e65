package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hatlonely/odb/ref"
	. "github.com/smartystreets/goconvey/convey"
)

func TestBoltDBStore(t *testing.T) {
	Convey("BoltDBStore", t, func() {
		dbPath := filepath.Join(t.TempDir(), "sub", "test.db")

		store, err := NewBoltDBStoreWithOptions[string, string](&BoltDBStoreOptions{
			DBPath:     dbPath,
			BucketName: "test_bucket",
		})
		So(err, ShouldBeNil)
		defer store.Close()
		So(string(store.bucketName), ShouldEqual, "test_bucket")

		testStoreContract(store)
	})
}

func TestBoltDBStoreReopen(t *testing.T) {
	Convey("重新打开后数据仍在", t, func() {
		ctx := context.Background()
		options := &BoltDBStoreOptions{
			DBPath:        filepath.Join(t.TempDir(), "test.db"),
			ValSerializer: &ref.TypeOptions{Type: "JSONSerializer"},
		}

		store, err := NewBoltDBStoreWithOptions[string, map[string]any](options)
		So(err, ShouldBeNil)
		So(store.Set(ctx, "Person/1", map[string]any{"name": "Jim"}), ShouldBeNil)
		So(store.Close(), ShouldBeNil)
		So(store.Close(), ShouldBeNil)

		store, err = NewBoltDBStoreWithOptions[string, map[string]any](options)
		So(err, ShouldBeNil)
		defer store.Close()

		val, err := store.Get(ctx, "Person/1")
		So(err, ShouldBeNil)
		So(val["name"], ShouldEqual, "Jim")
	})

	Convey("缺少 dbPath", t, func() {
		_, err := NewBoltDBStoreWithOptions[string, string](&BoltDBStoreOptions{})
		So(err, ShouldNotBeNil)
	})
}
