package watcher

import (
	"context"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hatlonely/settings/log/logger"
	"github.com/hatlonely/settings/ref"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultCloseTimeout = 10 * time.Second
)

// Options 从配置文件构造监听器
type Options struct {
	SettingsID   string        `cfg:"settingsId" validate:"required"`
	ForcePolling bool          `cfg:"forcePolling"`
	PollInterval time.Duration `cfg:"pollInterval" def:"500ms" validate:"gte=0"`
	CloseTimeout time.Duration `cfg:"closeTimeout" def:"10s" validate:"gte=0"`

	// 比较时忽略的字段，例如 LastUpdate
	IgnoreFields []string `cfg:"ignoreFields"`

	Store  *ref.TypeOptions `cfg:"store" validate:"required"`
	Logger *ref.TypeOptions `cfg:"logger"`

	Metrics MetricsOptions `cfg:"metrics"`
}

type MetricsOptions struct {
	Enable bool   `cfg:"enable"`
	Name   string `cfg:"name" def:"settings_watcher"`
}

type config struct {
	forcePolling bool
	comparers    []cmp.Option
	ignoreFields []string
	ctx          context.Context
	logger       logger.Logger
	pollInterval time.Duration
	closeTimeout time.Duration
	registerer   prometheus.Registerer
	metricsName  string
}

type Option func(*config)

// WithForcePolling 始终轮询，即使存储支持变更流
func WithForcePolling(force bool) Option {
	return func(c *config) {
		c.forcePolling = force
	}
}

// WithComparers 追加比较选项，例如 cmp.Comparer 或 cmpopts.EquateEmpty
func WithComparers(options ...cmp.Option) Option {
	return func(c *config) {
		c.comparers = append(c.comparers, options...)
	}
}

// WithIgnoreFields 比较时忽略这些字段，文档类型必须是结构体
func WithIgnoreFields(names ...string) Option {
	return func(c *config) {
		c.ignoreFields = append(c.ignoreFields, names...)
	}
}

// WithContext ctx 取消后后台任务退出，监听器进入 Faulted 状态，直到 Restart
func WithContext(ctx context.Context) Option {
	return func(c *config) {
		c.ctx = ctx
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithCloseTimeout Close 和 Restart 等待后台任务退出的最长时间
func WithCloseTimeout(d time.Duration) Option {
	return func(c *config) {
		c.closeTimeout = d
	}
}

// WithMetrics 把指标注册到 registerer，registerer 为 nil 时使用默认 registry
func WithMetrics(registerer prometheus.Registerer, name string) Option {
	return func(c *config) {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		c.registerer = registerer
		c.metricsName = name
	}
}
