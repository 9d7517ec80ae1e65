package store

import (
	"context"
	"time"

	"github.com/hatlonely/odb/kv/serializer"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type MongoStoreOptions struct {
	URI        string `cfg:"uri" validate:"required"`
	Database   string `cfg:"database" def:"odb"`
	Collection string `cfg:"collection" def:"kv"`

	Timeout     time.Duration `cfg:"timeout" def:"10s"`
	MaxPoolSize uint64        `cfg:"maxPoolSize" def:"100"`

	KeySerializer *ref.TypeOptions `cfg:"keySerializer"`
	ValSerializer *ref.TypeOptions `cfg:"valSerializer"`
}

// MongoStore 每个键一个文档，_id 为序列化后的键
// 带过期时间的文档由 expireAt 上的 TTL 索引清理，清理之前读取时同样视为不存在
type MongoStore[K, V any] struct {
	client        *mongo.Client
	collection    *mongo.Collection
	keySerializer serializer.Serializer[K, []byte]
	valSerializer serializer.Serializer[V, []byte]
}

type mongoDocument struct {
	ID       []byte     `bson:"_id"`
	Value    []byte     `bson:"v"`
	ExpireAt *time.Time `bson:"expireAt,omitempty"`
}

func (d *mongoDocument) expired() bool {
	return d.ExpireAt != nil && !d.ExpireAt.After(time.Now())
}

func NewMongoStoreWithOptions[K, V any](options *MongoStoreOptions) (*MongoStore[K, V], error) {
	if options.URI == "" {
		return nil, errors.New("uri is required")
	}
	keySerializer, valSerializer, err := newSerializers[K, V](options.KeySerializer, options.ValSerializer)
	if err != nil {
		return nil, err
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	database, collection := options.Database, options.Collection
	if database == "" {
		database = "odb"
	}
	if collection == "" {
		collection = "kv"
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := mongooptions.Client().ApplyURI(options.URI).SetServerSelectionTimeout(timeout)
	if options.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(options.MaxPoolSize)
	}
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "mongo.Connect failed")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo.Ping failed")
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expireAt", Value: 1}},
		Options: mongooptions.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "create ttl index failed")
	}

	return &MongoStore[K, V]{
		client:        client,
		collection:    coll,
		keySerializer: keySerializer,
		valSerializer: valSerializer,
	}, nil
}

func (s *MongoStore[K, V]) document(key K, value V, options *setOptions) (*mongoDocument, error) {
	id, err := s.keySerializer.Serialize(key)
	if err != nil {
		return nil, errors.Wrap(err, "marshal key failed")
	}
	valueBytes, err := s.valSerializer.Serialize(value)
	if err != nil {
		return nil, errors.Wrap(err, "marshal value failed")
	}
	doc := &mongoDocument{ID: id, Value: valueBytes}
	if options.Expiration > 0 {
		expireAt := time.Now().Add(options.Expiration)
		doc.ExpireAt = &expireAt
	}
	return doc, nil
}

// upsert 已过期的文档视为不存在，IfNotExist 时可以覆盖
func (s *MongoStore[K, V]) upsertFilter(doc *mongoDocument, ifNotExist bool) bson.M {
	if !ifNotExist {
		return bson.M{"_id": doc.ID}
	}
	return bson.M{"_id": doc.ID, "expireAt": bson.M{"$lte": time.Now()}}
}

func (s *MongoStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
	setOpts := newSetOptions(opts)
	doc, err := s.document(key, value, setOpts)
	if err != nil {
		return err
	}

	_, err = s.collection.ReplaceOne(ctx, s.upsertFilter(doc, setOpts.IfNotExist), doc, mongooptions.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrConditionFailed
	}
	if err != nil {
		return errors.Wrap(err, "mongo.ReplaceOne failed")
	}
	return nil
}

func (s *MongoStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	id, err := s.keySerializer.Serialize(key)
	if err != nil {
		return zero, errors.Wrap(err, "marshal key failed")
	}

	var doc mongoDocument
	err = s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return zero, ErrKeyNotFound
	}
	if err != nil {
		return zero, errors.Wrap(err, "mongo.FindOne failed")
	}
	if doc.expired() {
		return zero, ErrKeyNotFound
	}
	return s.value(&doc)
}

func (s *MongoStore[K, V]) value(doc *mongoDocument) (V, error) {
	value, err := s.valSerializer.Deserialize(doc.Value)
	if err != nil {
		return value, errors.Wrap(err, "unmarshal value failed")
	}
	return value, nil
}

func (s *MongoStore[K, V]) Del(ctx context.Context, key K) error {
	id, err := s.keySerializer.Serialize(key)
	if err != nil {
		return errors.Wrap(err, "marshal key failed")
	}
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return errors.Wrap(err, "mongo.DeleteOne failed")
	}
	return nil
}

func (s *MongoStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	if len(keys) != len(vals) {
		return nil, errors.New("keys and values length mismatch")
	}
	setOpts := newSetOptions(opts)

	errs := make([]error, len(keys))
	var models []mongo.WriteModel
	var positions []int
	for i, key := range keys {
		doc, err := s.document(key, vals[i], setOpts)
		if err != nil {
			errs[i] = err
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(s.upsertFilter(doc, setOpts.IfNotExist)).
			SetReplacement(doc).
			SetUpsert(true))
		positions = append(positions, i)
	}
	if len(models) == 0 {
		return errs, nil
	}

	_, err := s.collection.BulkWrite(ctx, models, mongooptions.BulkWrite().SetOrdered(false))
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		// 单条写入的错误记录在 errs 中
		for _, writeErr := range bulkErr.WriteErrors {
			i := positions[writeErr.Index]
			if writeErr.Code == 11000 {
				errs[i] = ErrConditionFailed
			} else {
				errs[i] = errors.Wrap(writeErr, "mongo.BulkWrite failed")
			}
		}
		if bulkErr.WriteConcernError == nil {
			return errs, nil
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongo.BulkWrite failed")
	}
	return errs, nil
}

func (s *MongoStore[K, V]) BatchGet(ctx context.Context, keys []K) ([]V, []error, error) {
	vals := make([]V, len(keys))
	errs := make([]error, len(keys))
	index := map[string][]int{}
	var ids [][]byte
	for i, key := range keys {
		id, err := s.keySerializer.Serialize(key)
		if err != nil {
			errs[i] = errors.Wrap(err, "marshal key failed")
			continue
		}
		errs[i] = ErrKeyNotFound
		index[string(id)] = append(index[string(id)], i)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return vals, errs, nil
	}

	cursor, err := s.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, nil, errors.Wrap(err, "mongo.Find failed")
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc mongoDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, nil, errors.Wrap(err, "mongo.Cursor.Decode failed")
		}
		if doc.expired() {
			continue
		}
		for _, i := range index[string(doc.ID)] {
			vals[i], errs[i] = s.value(&doc)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "mongo.Cursor failed")
	}
	return vals, errs, nil
}

func (s *MongoStore[K, V]) BatchDel(ctx context.Context, keys []K) ([]error, error) {
	errs := make([]error, len(keys))
	var ids [][]byte
	for i, key := range keys {
		id, err := s.keySerializer.Serialize(key)
		if err != nil {
			errs[i] = errors.Wrap(err, "marshal key failed")
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return errs, nil
	}
	if _, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, errors.Wrap(err, "mongo.DeleteMany failed")
	}
	return errs, nil
}

func (s *MongoStore[K, V]) ForEach(ctx context.Context, fn func(key K, val V) error) error {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return errors.Wrap(err, "mongo.Find failed")
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc mongoDocument
		if err := cursor.Decode(&doc); err != nil {
			return errors.Wrap(err, "mongo.Cursor.Decode failed")
		}
		if doc.expired() {
			continue
		}
		key, err := s.keySerializer.Deserialize(doc.ID)
		if err != nil {
			return errors.Wrap(err, "unmarshal key failed")
		}
		val, err := s.value(&doc)
		if err != nil {
			return err
		}
		if err := fn(key, val); err != nil {
			return stopped(err)
		}
	}
	if err := cursor.Err(); err != nil {
		return errors.Wrap(err, "mongo.Cursor failed")
	}
	return nil
}

func (s *MongoStore[K, V]) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return errors.Wrap(err, "mongo.Disconnect failed")
	}
	return nil
}

var _ Store[string, string] = (*MongoStore[string, string])(nil)
