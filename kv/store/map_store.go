package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MapStore 进程内存储，不持久化，数据库关闭后丢失
type MapStore[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func NewMapStoreWithOptions[K comparable, V any]() *MapStore[K, V] {
	return &MapStore[K, V]{
		m: make(map[K]V),
	}
}

func (s *MapStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
	options := newSetOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.IfNotExist {
		if _, exists := s.m[key]; exists {
			return ErrConditionFailed
		}
	}
	s.m[key] = value
	return nil
}

func (s *MapStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.m[key]
	if !exists {
		var zero V
		return zero, ErrKeyNotFound
	}
	return value, nil
}

func (s *MapStore[K, V]) Del(ctx context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m, key)
	return nil
}

func (s *MapStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	if len(keys) != len(vals) {
		return nil, errors.New("keys and values length mismatch")
	}
	options := newSetOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, len(keys))
	for i, key := range keys {
		if options.IfNotExist {
			if _, exists := s.m[key]; exists {
				errs[i] = ErrConditionFailed
				continue
			}
		}
		s.m[key] = vals[i]
	}
	return errs, nil
}

func (s *MapStore[K, V]) BatchGet(ctx context.Context, keys []K) ([]V, []error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vals := make([]V, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		value, exists := s.m[key]
		if !exists {
			errs[i] = ErrKeyNotFound
			continue
		}
		vals[i] = value
	}
	return vals, errs, nil
}

func (s *MapStore[K, V]) BatchDel(ctx context.Context, keys []K) ([]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.m, key)
	}
	return make([]error, len(keys)), nil
}

// ForEach 遍历时持有读锁的副本，fn 中可以安全地写入
func (s *MapStore[K, V]) ForEach(ctx context.Context, fn func(key K, val V) error) error {
	s.mu.RLock()
	keys := make([]K, 0, len(s.m))
	vals := make([]V, 0, len(s.m))
	for k, v := range s.m {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	s.mu.RUnlock()

	for i := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(keys[i], vals[i]); err != nil {
			return stopped(err)
		}
	}
	return nil
}

func (s *MapStore[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = make(map[K]V)
	return nil
}

var _ Store[string, string] = (*MapStore[string, string])(nil)
