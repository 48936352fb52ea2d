package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hatlonely/settings/log"
	"github.com/hatlonely/settings/log/logger"
	"github.com/hatlonely/settings/ref"
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

	// Logger 日志记录器配置
	Logger *ref.TypeOptions `cfg:"logger"`

	EnableMetrics bool `cfg:"enableMetrics"`
	EnableLogging bool `cfg:"enableLogging"`
	EnableTracing bool `cfg:"enableTracing"`

	// Name 组件名称，作为指标名前缀、日志的 component 字段和 span 的 component 属性
	Name string `cfg:"name" def:"settings_store"`
}

// ObservableMetrics 封装 prometheus 指标
type ObservableMetrics struct {
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeOperations  *prometheus.GaugeVec
	batchSize         *prometheus.HistogramVec
}

// NewObservableMetrics 创建指标并注册到默认 registry，同名指标已注册时复用已有的
func NewObservableMetrics(name string) *ObservableMetrics {
	return &ObservableMetrics{
		operationCounter: registerCollector(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_operations_total",
				Help: "Total number of settings store operations",
			},
			[]string{"operation", "status"},
		)),
		operationDuration: registerCollector(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_operation_duration_seconds",
				Help:    "Duration of settings store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"operation"},
		)),
		activeOperations: registerCollector(prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: name + "_active_operations",
				Help: "Number of active settings store operations",
			},
			[]string{"operation"},
		)),
		batchSize: registerCollector(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_change_batch_size",
				Help:    "Number of changes per change feed batch",
				Buckets: []float64{1, 2, 5, 10, 50, 100},
			},
			[]string{"operation"},
		)),
	}
}

func registerCollector[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObservableStore 装饰器，为任何 Store 添加指标、日志和追踪
type ObservableStore[T any] struct {
	store Store[T]

	logger        logger.Logger
	metrics       *ObservableMetrics
	tracer        trace.Tracer
	name          string
	enableMetrics bool
	enableLogging bool
	enableTracing bool
}

func NewObservableStoreWithOptions[T any](options *ObservableStoreOptions) (*ObservableStore[T], error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	s, err := NewStoreWithOptions[T](options.Store)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create underlying store")
	}

	obs, err := NewObservableStore[T](s, options)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return obs, nil
}

// NewObservableStore 包装已有的存储，options.Store 被忽略
func NewObservableStore[T any](s Store[T], options *ObservableStoreOptions) (*ObservableStore[T], error) {
	name := options.Name
	if name == "" {
		name = "settings_store"
	}

	obs := &ObservableStore[T]{
		store:         s,
		name:          name,
		enableMetrics: options.EnableMetrics,
		enableLogging: options.EnableLogging,
		enableTracing: options.EnableTracing,
	}

	if options.EnableLogging {
		l, err := log.NewLoggerWithOptions(options.Logger)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create logger")
		}
		obs.logger = l.WithGroup("observableStore")
	}

	if options.EnableMetrics {
		obs.metrics = NewObservableMetrics(name)
	}

	if options.EnableTracing {
		obs.tracer = otel.Tracer(fmt.Sprintf("store.%s", name))
	}

	return obs, nil
}

// observeOperation 统一的操作观测逻辑
func (obs *ObservableStore[T]) observeOperation(ctx context.Context, operation string, id string, fn func(context.Context) error) error {
	start := time.Now()

	var span trace.Span
	if obs.enableTracing && obs.tracer != nil {
		ctx, span = obs.tracer.Start(ctx, fmt.Sprintf("store.%s", operation),
			trace.WithAttributes(
				attribute.String("component", obs.name),
				attribute.String("operation", operation),
				attribute.String("settings.id", id),
			),
		)
		defer span.End()
	}

	if obs.enableMetrics && obs.metrics != nil {
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

	if obs.enableMetrics && obs.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		obs.metrics.operationCounter.WithLabelValues(operation, status).Inc()
		obs.metrics.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	if obs.enableLogging && obs.logger != nil {
		if err != nil {
			obs.logger.ErrorContext(ctx, "store operation failed",
				"component", obs.name,
				"operation", operation,
				"id", id,
				"duration_ms", duration.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			obs.logger.DebugContext(ctx, "store operation completed",
				"component", obs.name,
				"operation", operation,
				"id", id,
				"duration_ms", duration.Milliseconds(),
			)
		}
	}

	return err
}

func (obs *ObservableStore[T]) Find(ctx context.Context, id string) (*T, error) {
	var result *T
	err := obs.observeOperation(ctx, "find", id, func(ctx context.Context) error {
		var findErr error
		result, findErr = obs.store.Find(ctx, id)
		return findErr
	})
	return result, err
}

func (obs *ObservableStore[T]) SupportsChangeFeed(ctx context.Context) (bool, error) {
	var result bool
	err := obs.observeOperation(ctx, "supports_change_feed", "", func(ctx context.Context) error {
		var probeErr error
		result, probeErr = obs.store.SupportsChangeFeed(ctx)
		return probeErr
	})
	return result, err
}

func (obs *ObservableStore[T]) Watch(ctx context.Context, id string) (ChangeFeed[T], error) {
	var feed ChangeFeed[T]
	err := obs.observeOperation(ctx, "watch", id, func(ctx context.Context) error {
		var watchErr error
		feed, watchErr = obs.store.Watch(ctx, id)
		return watchErr
	})
	if err != nil {
		return nil, err
	}
	return &observableFeed[T]{ChangeFeed: feed, obs: obs, id: id}, nil
}

func (obs *ObservableStore[T]) Save(ctx context.Context, id string, doc *T) error {
	writer, ok := obs.store.(Writer[T])
	if !ok {
		return errors.Errorf("%T does not support writes", obs.store)
	}
	return obs.observeOperation(ctx, "save", id, func(ctx context.Context) error {
		return writer.Save(ctx, id, doc)
	})
}

func (obs *ObservableStore[T]) Delete(ctx context.Context, id string) error {
	writer, ok := obs.store.(Writer[T])
	if !ok {
		return errors.Errorf("%T does not support writes", obs.store)
	}
	return obs.observeOperation(ctx, "delete", id, func(ctx context.Context) error {
		return writer.Delete(ctx, id)
	})
}

func (obs *ObservableStore[T]) Close() error {
	return obs.store.Close()
}

// observableFeed 记录每批变更的大小
type observableFeed[T any] struct {
	ChangeFeed[T]
	obs *ObservableStore[T]
	id  string
}

func (f *observableFeed[T]) Next(ctx context.Context) bool {
	if !f.ChangeFeed.Next(ctx) {
		if err := f.ChangeFeed.Err(); err != nil && f.obs.enableLogging && f.obs.logger != nil {
			f.obs.logger.WarnContext(ctx, "change feed ended", "component", f.obs.name, "id", f.id, "error", err.Error())
		}
		return false
	}

	n := len(f.ChangeFeed.Batch())
	if f.obs.enableMetrics && f.obs.metrics != nil {
		f.obs.metrics.batchSize.WithLabelValues("watch").Observe(float64(n))
	}
	if f.obs.enableLogging && f.obs.logger != nil {
		f.obs.logger.DebugContext(ctx, "change feed batch", "component", f.obs.name, "id", f.id, "size", n)
	}
	return true
}
