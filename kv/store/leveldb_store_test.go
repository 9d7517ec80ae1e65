package store

import (
	"context"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLevelDBStore(t *testing.T) {
	Convey("LevelDBStore", t, func() {
		store, err := NewLevelDBStoreWithOptions[string, string](&LevelDBStoreOptions{
			DBPath:      filepath.Join(t.TempDir(), "leveldb"),
			Compression: "snappy",
		})
		So(err, ShouldBeNil)
		defer store.Close()

		testStoreContract(store)
	})

	Convey("不支持的压缩算法", t, func() {
		_, err := NewLevelDBStoreWithOptions[string, string](&LevelDBStoreOptions{
			DBPath:      filepath.Join(t.TempDir(), "leveldb"),
			Compression: "zstd",
		})
		So(err, ShouldNotBeNil)
	})

	Convey("ErrorIfMissing", t, func() {
		_, err := NewLevelDBStoreWithOptions[string, string](&LevelDBStoreOptions{
			DBPath:         filepath.Join(t.TempDir(), "missing"),
			ErrorIfMissing: true,
		})
		So(err, ShouldNotBeNil)
	})

	Convey("ForEach 响应 context 取消", t, func() {
		store, err := NewLevelDBStoreWithOptions[string, string](&LevelDBStoreOptions{
			DBPath: filepath.Join(t.TempDir(), "leveldb"),
		})
		So(err, ShouldBeNil)
		defer store.Close()
		So(store.Set(context.Background(), "k", "v"), ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = store.ForEach(ctx, func(key string, val string) error { return nil })
		So(err, ShouldEqual, context.Canceled)
	})
}
