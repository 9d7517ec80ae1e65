package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hatlonely/odb/kv/serializer"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisStoreOptions struct {
	// host:port 地址
	Endpoint string `cfg:"endpoint"`

	// 集群节点的 host:port 地址列表，Endpoint 为空时使用
	Endpoints []string `cfg:"endpoints"`

	// KeyPrefix 所有键的前缀，ForEach 只遍历该前缀下的键
	KeyPrefix string `cfg:"keyPrefix"`

	// 默认 TTL，0 表示不过期
	DefaultTTL time.Duration `cfg:"defaultTTL" def:"0"`

	KeySerializer *ref.TypeOptions `cfg:"keySerializer"`
	ValSerializer *ref.TypeOptions `cfg:"valSerializer"`

	Username string `cfg:"username"`
	Password string `cfg:"password"`

	// 连接到服务器后选择的数据库，集群模式下忽略
	DB int `cfg:"db" def:"0"`

	// 放弃前的最大重试次数，-1 禁用重试
	MaxRetries   int           `cfg:"maxRetries" def:"3"`
	DialTimeout  time.Duration `cfg:"dialTimeout" def:"5s"`
	ReadTimeout  time.Duration `cfg:"readTimeout" def:"3s"`
	WriteTimeout time.Duration `cfg:"writeTimeout" def:"3s"`
	PoolSize     int           `cfg:"poolSize" def:"100"`
	MinIdleConns int           `cfg:"minIdleConns" def:"0"`

	// ScanCount 每次 SCAN 的建议条数
	ScanCount int64 `cfg:"scanCount" def:"1000"`
}

type RedisStore[K, V any] struct {
	client        redis.UniversalClient
	keySerializer serializer.Serializer[K, []byte]
	valSerializer serializer.Serializer[V, []byte]

	keyPrefix  string
	defaultTTL time.Duration
	scanCount  int64
}

func NewRedisStoreWithOptions[K, V any](options *RedisStoreOptions) (*RedisStore[K, V], error) {
	keySerializer, valSerializer, err := newSerializers[K, V](options.KeySerializer, options.ValSerializer)
	if err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	if options.Endpoint != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         options.Endpoint,
			Username:     options.Username,
			Password:     options.Password,
			DB:           options.DB,
			MaxRetries:   options.MaxRetries,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
			PoolSize:     options.PoolSize,
			MinIdleConns: options.MinIdleConns,
		})
	} else if len(options.Endpoints) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        options.Endpoints,
			Username:     options.Username,
			Password:     options.Password,
			MaxRetries:   options.MaxRetries,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
			PoolSize:     options.PoolSize,
			MinIdleConns: options.MinIdleConns,
		})
	} else {
		return nil, errors.New("Endpoint or Endpoints must be set")
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithMessage(err, "redis.client.Ping failed")
	}

	scanCount := options.ScanCount
	if scanCount <= 0 {
		scanCount = 1000
	}

	return &RedisStore[K, V]{
		client:        client,
		keySerializer: keySerializer,
		valSerializer: valSerializer,
		keyPrefix:     options.KeyPrefix,
		defaultTTL:    options.DefaultTTL,
		scanCount:     scanCount,
	}, nil
}

func (s *RedisStore[K, V]) redisKey(key K) (string, error) {
	keyBytes, err := s.keySerializer.Serialize(key)
	if err != nil {
		return "", errors.Wrap(err, "marshal key failed")
	}
	return s.keyPrefix + string(keyBytes), nil
}

func (s *RedisStore[K, V]) ttl(options *setOptions) time.Duration {
	if options.Expiration > 0 {
		return options.Expiration
	}
	return s.defaultTTL
}

func (s *RedisStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
	options := newSetOptions(opts)

	redisKey, err := s.redisKey(key)
	if err != nil {
		return err
	}
	valueBytes, err := s.valSerializer.Serialize(value)
	if err != nil {
		return errors.Wrap(err, "marshal value failed")
	}

	if options.IfNotExist {
		ok, err := s.client.SetNX(ctx, redisKey, valueBytes, s.ttl(options)).Result()
		if err != nil {
			return errors.Wrap(err, "redis.SetNX failed")
		}
		if !ok {
			return ErrConditionFailed
		}
		return nil
	}

	if err := s.client.Set(ctx, redisKey, valueBytes, s.ttl(options)).Err(); err != nil {
		return errors.Wrap(err, "redis.Set failed")
	}
	return nil
}

func (s *RedisStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	redisKey, err := s.redisKey(key)
	if err != nil {
		return zero, err
	}

	valueBytes, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, ErrKeyNotFound
	}
	if err != nil {
		return zero, errors.Wrap(err, "redis.Get failed")
	}

	value, err := s.valSerializer.Deserialize(valueBytes)
	if err != nil {
		return zero, errors.Wrap(err, "unmarshal value failed")
	}
	return value, nil
}

func (s *RedisStore[K, V]) Del(ctx context.Context, key K) error {
	redisKey, err := s.redisKey(key)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return errors.Wrap(err, "redis.Del failed")
	}
	return nil
}

func (s *RedisStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	if len(keys) != len(vals) {
		return nil, errors.New("keys and values length mismatch")
	}
	options := newSetOptions(opts)
	ttl := s.ttl(options)

	errs := make([]error, len(keys))
	setCmds := make([]*redis.StatusCmd, len(keys))
	setNXCmds := make([]*redis.BoolCmd, len(keys))

	pipe := s.client.Pipeline()
	for i, key := range keys {
		redisKey, err := s.redisKey(key)
		if err != nil {
			errs[i] = err
			continue
		}
		valueBytes, err := s.valSerializer.Serialize(vals[i])
		if err != nil {
			errs[i] = errors.Wrap(err, "marshal value failed")
			continue
		}
		if options.IfNotExist {
			setNXCmds[i] = pipe.SetNX(ctx, redisKey, valueBytes, ttl)
		} else {
			setCmds[i] = pipe.Set(ctx, redisKey, valueBytes, ttl)
		}
	}

	// 单条命令的错误记录在 errs 中
	_, _ = pipe.Exec(ctx)

	for i := range keys {
		switch {
		case setNXCmds[i] != nil:
			ok, err := setNXCmds[i].Result()
			if err != nil {
				errs[i] = errors.Wrap(err, "redis.SetNX failed")
			} else if !ok {
				errs[i] = ErrConditionFailed
			}
		case setCmds[i] != nil:
			if err := setCmds[i].Err(); err != nil {
				errs[i] = errors.Wrap(err, "redis.Set failed")
			}
		}
	}
	return errs, nil
}

func (s *RedisStore[K, V]) BatchGet(ctx context.Context, keys []K) ([]V, []error, error) {
	vals := make([]V, len(keys))
	errs := make([]error, len(keys))
	cmds := make([]*redis.StringCmd, len(keys))

	pipe := s.client.Pipeline()
	for i, key := range keys {
		redisKey, err := s.redisKey(key)
		if err != nil {
			errs[i] = err
			continue
		}
		cmds[i] = pipe.Get(ctx, redisKey)
	}
	_, _ = pipe.Exec(ctx)

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		valueBytes, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			errs[i] = ErrKeyNotFound
			continue
		}
		if err != nil {
			errs[i] = errors.Wrap(err, "redis.Get failed")
			continue
		}
		vals[i], err = s.valSerializer.Deserialize(valueBytes)
		if err != nil {
			errs[i] = errors.Wrap(err, "unmarshal value failed")
		}
	}
	return vals, errs, nil
}

func (s *RedisStore[K, V]) BatchDel(ctx context.Context, keys []K) ([]error, error) {
	errs := make([]error, len(keys))
	cmds := make([]*redis.IntCmd, len(keys))

	pipe := s.client.Pipeline()
	for i, key := range keys {
		redisKey, err := s.redisKey(key)
		if err != nil {
			errs[i] = err
			continue
		}
		cmds[i] = pipe.Del(ctx, redisKey)
	}
	_, _ = pipe.Exec(ctx)

	for i, cmd := range cmds {
		if cmd != nil && cmd.Err() != nil {
			errs[i] = errors.Wrap(cmd.Err(), "redis.Del failed")
		}
	}
	return errs, nil
}

// ForEach 使用 SCAN 遍历 KeyPrefix 下的键，遍历期间写入的键可能被遗漏
func (s *RedisStore[K, V]) ForEach(ctx context.Context, fn func(key K, val V) error) error {
	var redisKeys []string
	var err error
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		var mu sync.Mutex
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, client *redis.Client) error {
			keys, err := s.scan(ctx, client)
			mu.Lock()
			redisKeys = append(redisKeys, keys...)
			mu.Unlock()
			return err
		})
	} else {
		redisKeys, err = s.scan(ctx, s.client)
	}
	if err != nil {
		return err
	}

	for _, redisKey := range redisKeys {
		valueBytes, err := s.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "redis.Get failed")
		}
		key, err := s.keySerializer.Deserialize([]byte(strings.TrimPrefix(redisKey, s.keyPrefix)))
		if err != nil {
			return errors.Wrap(err, "unmarshal key failed")
		}
		val, err := s.valSerializer.Deserialize(valueBytes)
		if err != nil {
			return errors.Wrap(err, "unmarshal value failed")
		}
		if err := fn(key, val); err != nil {
			return stopped(err)
		}
	}
	return nil
}

func (s *RedisStore[K, V]) scan(ctx context.Context, client redis.Cmdable) ([]string, error) {
	match := redisGlobEscape(s.keyPrefix) + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, match, s.scanCount).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis.Scan failed")
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

var redisGlobReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func redisGlobEscape(pattern string) string {
	return redisGlobReplacer.Replace(pattern)
}

func (s *RedisStore[K, V]) Close() error {
	if err := s.client.Close(); err != nil {
		return errors.Wrap(err, "redis.Close failed")
	}
	return nil
}

var _ Store[string, string] = (*RedisStore[string, string])(nil)
