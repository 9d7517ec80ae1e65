package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
)

// 需要本地 mongo，通过 ODB_MONGO_URI 指定，未设置时跳过
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("ODB_MONGO_URI")
	if uri == "" {
		t.Skip("ODB_MONGO_URI not set")
	}

	Convey("MongoStore", t, func() {
		store, err := NewMongoStoreWithOptions[string, string](&MongoStoreOptions{
			URI:        uri,
			Database:   "odb_test",
			Collection: "kv_" + uuid.NewString(),
			Timeout:    3 * time.Second,
		})
		So(err, ShouldBeNil)
		defer func() {
			_ = store.collection.Drop(context.Background())
			_ = store.Close()
		}()

		testStoreContract(store)

		Convey("过期的键不可读", func() {
			ctx := context.Background()
			So(store.Set(ctx, "ttl", "v", WithExpiration(time.Millisecond)), ShouldBeNil)
			time.Sleep(10 * time.Millisecond)
			_, err := store.Get(ctx, "ttl")
			So(err, ShouldEqual, ErrKeyNotFound)
			So(store.Set(ctx, "ttl", "v2", WithIfNotExist()), ShouldBeNil)
		})
	})

	Convey("MongoStore 缺少 uri", t, func() {
		_, err := NewMongoStoreWithOptions[string, string](&MongoStoreOptions{})
		So(err, ShouldNotBeNil)
	})
}
