package store

import (
	"context"
	"time"

	"github.com/hatlonely/odb/log"
	"github.com/hatlonely/odb/log/logger"
	"github.com/hatlonely/odb/ref"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ObservableStoreOptions struct {
	// Store 被包装的底层存储配置
	Store *ref.TypeOptions `cfg:"store" validate:"required"`

	// Logger 日志记录器配置，为空时使用默认日志器
	Logger *ref.TypeOptions `cfg:"logger"`

	EnableMetrics bool `cfg:"enableMetrics" def:"true"`
	EnableLogging bool `cfg:"enableLogging" def:"true"`
	EnableTracing bool `cfg:"enableTracing" def:"false"`

	// Name 组件名称，作为指标名前缀、日志的 component 字段和 span 的 component 属性
	Name string `cfg:"name" def:"store"`
}

type ObservableMetrics struct {
	operationCounter   *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	activeOperations   *prometheus.GaugeVec
	batchSizeHistogram *prometheus.HistogramVec
}

// NewObservableMetrics 同名指标已注册时复用已有的收集器，多个同名 store 共享指标
func NewObservableMetrics(name string) (*ObservableMetrics, error) {
	operationCounter, err := registerCollector(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name + "_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	))
	if err != nil {
		return nil, err
	}
	operationDuration, err := registerCollector(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    name + "_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	))
	if err != nil {
		return nil, err
	}
	activeOperations, err := registerCollector(prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name + "_active_operations",
			Help: "Number of active store operations",
		},
		[]string{"operation"},
	))
	if err != nil {
		return nil, err
	}
	batchSizeHistogram, err := registerCollector(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    name + "_batch_size",
			Help:    "Size of batch operations",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"operation"},
	))
	if err != nil {
		return nil, err
	}

	return &ObservableMetrics{
		operationCounter:   operationCounter,
		operationDuration:  operationDuration,
		activeOperations:   activeOperations,
		batchSizeHistogram: batchSizeHistogram,
	}, nil
}

func registerCollector[C prometheus.Collector](collector C) (C, error) {
	err := prometheus.Register(collector)
	if err == nil {
		return collector, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return collector, errors.Wrap(err, "prometheus.Register failed")
}

// ObservableStore 装饰器，为任何 Store 添加指标、日志和追踪
type ObservableStore[K comparable, V any] struct {
	store Store[K, V]

	logger  logger.Logger
	metrics *ObservableMetrics
	tracer  trace.Tracer
	name    string
}

func NewObservableStoreWithOptions[K comparable, V any](options *ObservableStoreOptions) (*ObservableStore[K, V], error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	store, err := NewStoreWithOptions[K, V](options.Store)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create underlying store")
	}

	name := options.Name
	if name == "" {
		name = "store"
	}
	obs := &ObservableStore[K, V]{
		store: store,
		name:  name,
	}

	if options.EnableLogging {
		l, err := log.NewLoggerWithOptions(options.Logger)
		if err != nil {
			_ = store.Close()
			return nil, errors.WithMessage(err, "failed to create logger")
		}
		obs.logger = l.WithGroup("observableStore")
	}

	if options.EnableMetrics {
		obs.metrics, err = NewObservableMetrics(name)
		if err != nil {
			_ = store.Close()
			return nil, errors.WithMessage(err, "failed to create metrics")
		}
	}

	if options.EnableTracing {
		obs.tracer = otel.Tracer("store." + name)
	}

	return obs, nil
}

// observe batchSize 小于 0 表示非批量操作
func (obs *ObservableStore[K, V]) observe(ctx context.Context, operation string, batchSize int, fn func(context.Context) error) error {
	start := time.Now()

	var span trace.Span
	if obs.tracer != nil {
		attrs := []attribute.KeyValue{
			attribute.String("component", obs.name),
			attribute.String("operation", operation),
		}
		if batchSize >= 0 {
			attrs = append(attrs, attribute.Int("batch_size", batchSize))
		}
		ctx, span = obs.tracer.Start(ctx, "store."+operation, trace.WithAttributes(attrs...))
		defer span.End()
	}

	if obs.metrics != nil {
		if batchSize >= 0 {
			obs.metrics.batchSizeHistogram.WithLabelValues(operation).Observe(float64(batchSize))
		}
		obs.metrics.activeOperations.WithLabelValues(operation).Inc()
		defer obs.metrics.activeOperations.WithLabelValues(operation).Dec()
	}

	err := fn(ctx)
	duration := time.Since(start)

	if span != nil {
		span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	if obs.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		obs.metrics.operationCounter.WithLabelValues(operation, status).Inc()
		obs.metrics.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	if obs.logger != nil {
		args := []any{"component", obs.name, "operation", operation, "duration_ms", duration.Milliseconds()}
		if batchSize >= 0 {
			args = append(args, "batch_size", batchSize)
		}
		// 键不存在和条件失败属于正常结果
		if err != nil && !errors.Is(err, ErrKeyNotFound) && !errors.Is(err, ErrConditionFailed) {
			obs.logger.ErrorContext(ctx, "store operation failed", append(args, "error", err.Error())...)
		} else {
			obs.logger.DebugContext(ctx, "store operation completed", args...)
		}
	}

	return err
}

func (obs *ObservableStore[K, V]) Set(ctx context.Context, key K, value V, opts ...setOption) error {
	return obs.observe(ctx, "set", -1, func(ctx context.Context) error {
		return obs.store.Set(ctx, key, value, opts...)
	})
}

func (obs *ObservableStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var result V
	err := obs.observe(ctx, "get", -1, func(ctx context.Context) error {
		var err error
		result, err = obs.store.Get(ctx, key)
		return err
	})
	return result, err
}

func (obs *ObservableStore[K, V]) Del(ctx context.Context, key K) error {
	return obs.observe(ctx, "del", -1, func(ctx context.Context) error {
		return obs.store.Del(ctx, key)
	})
}

func (obs *ObservableStore[K, V]) BatchSet(ctx context.Context, keys []K, vals []V, opts ...setOption) ([]error, error) {
	var errs []error
	err := obs.observe(ctx, "batch_set", len(keys), func(ctx context.Context) error {
		var err error
		errs, err = obs.store.BatchSet(ctx, keys, vals, opts...)
		return err
	})
	return errs, err
}

func (obs *ObservableStore[K, V]) BatchGet(ctx context.Context, keys []K) ([]V, []error, error) {
	var vals []V
	var errs []error
	err := obs.observe(ctx, "batch_get", len(keys), func(ctx context.Context) error {
		var err error
		vals, errs, err = obs.store.BatchGet(ctx, keys)
		return err
	})
	return vals, errs, err
}

func (obs *ObservableStore[K, V]) BatchDel(ctx context.Context, keys []K) ([]error, error) {
	var errs []error
	err := obs.observe(ctx, "batch_del", len(keys), func(ctx context.Context) error {
		var err error
		errs, err = obs.store.BatchDel(ctx, keys)
		return err
	})
	return errs, err
}

func (obs *ObservableStore[K, V]) ForEach(ctx context.Context, fn func(key K, val V) error) error {
	return obs.observe(ctx, "for_each", -1, func(ctx context.Context) error {
		return obs.store.ForEach(ctx, fn)
	})
}

func (obs *ObservableStore[K, V]) Close() error {
	return obs.observe(context.Background(), "close", -1, func(ctx context.Context) error {
		return obs.store.Close()
	})
}

var _ Store[string, string] = (*ObservableStore[string, string])(nil)
