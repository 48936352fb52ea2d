// Package watcher 把存储中的一个设置文档同步到进程内缓存，文档变化时回调使用者。
//
// 存储支持变更流时订阅变更，否则定时轮询，两种方式随存储拓扑的变化自动切换。
// 同一时刻只有一个后台 goroutine 读取存储并调用回调，回调串行执行。
package watcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/hatlonely/settings/log"
	"github.com/hatlonely/settings/log/logger"
	"github.com/hatlonely/settings/store"
	"github.com/pkg/errors"
)

var (
	// ErrClosed 监听器已关闭
	ErrClosed = errors.New("watcher closed")
	// ErrCloseTimeout 后台任务没有在限定时间内退出
	ErrCloseTimeout = errors.New("timed out waiting for background task to exit")
)

type Watcher[T any] struct {
	id        string
	store     store.Store[T]
	ownsStore bool
	accessor  *Accessor[T]
	comparer  *Comparer
	onUpdate  func(*T)
	options   config
	logger    logger.Logger
	metrics   *Metrics

	snapshot   atomic.Pointer[T]
	firstValue chan struct{}
	firstOnce  sync.Once
	deliverMu  sync.Mutex

	startup *signal

	// mu 保护 run 和 launch
	mu       sync.Mutex
	run      *runScope
	task     atomic.Pointer[task]
	closed   atomic.Bool
	disposed chan struct{}

	restartMu sync.Mutex

	closeMu     sync.Mutex
	closeCalled bool
	closeErr    error
}

// NewWatcher 监听 s 中 id 对应的文档，每次确认变化后同步调用 onUpdate
// 返回时后台任务已经启动，可以用 WaitForStartup 等待第一次读取完成
func NewWatcher[T any](s store.Store[T], id string, onUpdate func(*T), opts ...Option) (*Watcher[T], error) {
	if s == nil {
		return nil, errors.New("store is nil")
	}
	if id == "" {
		return nil, errors.New("settings id is empty")
	}

	c := config{
		ctx:          context.Background(),
		pollInterval: DefaultPollInterval,
		closeTimeout: DefaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.closeTimeout <= 0 {
		c.closeTimeout = DefaultCloseTimeout
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if onUpdate == nil {
		onUpdate = func(*T) {}
	}

	comparers := c.comparers
	if len(c.ignoreFields) > 0 {
		opt, err := ignoreFieldsOption[T](c.ignoreFields)
		if err != nil {
			return nil, err
		}
		comparers = append([]cmp.Option{opt}, comparers...)
	}

	var metrics *Metrics
	if c.registerer != nil {
		m, err := NewMetrics(c.registerer, c.metricsName)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create metrics")
		}
		metrics = m
	}

	l := c.logger.WithGroup("settingsWatcher").With("settingsId", id, "instance", uuid.NewString())

	w := &Watcher[T]{
		id:         id,
		store:      s,
		accessor:   NewAccessor[T](s, l.WithGroup("accessor")),
		comparer:   NewComparer(comparers...),
		onUpdate:   onUpdate,
		options:    c,
		logger:     l,
		metrics:    metrics,
		firstValue: make(chan struct{}),
		startup:    newSignal(),
		disposed:   make(chan struct{}),
	}
	w.metrics.setState(id, StateNotStarted)

	w.mu.Lock()
	w.run = newRunScope(c.ctx)
	w.launch(w.run, w.initialMode())
	w.mu.Unlock()

	return w, nil
}

// NewWatcherFor 使用文档自身的 id 构造监听器
func NewWatcherFor[T any](s store.Store[T], doc *T, onUpdate func(*T), opts ...Option) (*Watcher[T], error) {
	identified, ok := any(doc).(store.Identified)
	if !ok || doc == nil {
		return nil, errors.Errorf("%T does not provide a settings id", doc)
	}
	return NewWatcher[T](s, identified.SettingsID(), onUpdate, opts...)
}

// NewWatcherWithOptions 根据配置创建存储和日志器并构造监听器，Close 时一并关闭存储
func NewWatcherWithOptions[T any](options *Options, onUpdate func(*T), opts ...Option) (*Watcher[T], error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}

	l, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create logger")
	}

	s, err := store.NewStoreWithOptions[T](options.Store)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create store")
	}

	base := []Option{
		WithLogger(l),
		WithForcePolling(options.ForcePolling),
		WithPollInterval(options.PollInterval),
		WithCloseTimeout(options.CloseTimeout),
	}
	if len(options.IgnoreFields) > 0 {
		base = append(base, WithIgnoreFields(options.IgnoreFields...))
	}
	if options.Metrics.Enable {
		base = append(base, WithMetrics(nil, options.Metrics.Name))
	}

	w, err := NewWatcher[T](s, options.SettingsID, onUpdate, append(base, opts...)...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	w.ownsStore = true
	return w, nil
}

func (w *Watcher[T]) initialMode() Mode {
	if w.options.forcePolling {
		return ModePolling
	}
	return ModeSubscribing
}

func (w *Watcher[T]) strategy(mode Mode) strategy {
	if mode == ModeSubscribing {
		return &subscribeStrategy[T]{w: w}
	}
	return &pollStrategy[T]{w: w}
}

// launch 是替换任务句柄的唯一入口，调用方持有 w.mu
// run 已经取消或不再是当前运行时拒绝启动
func (w *Watcher[T]) launch(run *runScope, mode Mode) bool {
	if w.closed.Load() || run != w.run || run.ctx.Err() != nil {
		return false
	}

	t := newTask(mode, run)
	w.task.Store(t)
	w.metrics.launched(w.id, mode)
	w.metrics.setState(w.id, w.State())
	w.logger.Debug("background task launched", "mode", mode.String())

	go w.execute(t)
	return true
}

func (w *Watcher[T]) execute(t *task) {
	defer close(t.done)

	next, err := w.runStrategy(t)
	if err == nil && next != ModeNone {
		w.mu.Lock()
		launched := w.launch(t.run, next)
		w.mu.Unlock()
		if launched {
			w.logger.Debug("observation mode switched", "from", t.mode.String(), "to", next.String())
			return
		}
		err = t.run.ctx.Err()
	}
	w.finish(t, err)
}

func (w *Watcher[T]) runStrategy(t *task) (next Mode, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = ModeNone, errors.Errorf("panic in settings watcher: %v", r)
		}
	}()
	return w.strategy(t.mode).run(t.run.ctx)
}

// finish 区分主动取消和故障，在 done 关闭前记录结果
func (w *Watcher[T]) finish(t *task, err error) {
	switch {
	case t.run.ctx.Err() != nil && t.run.requested.Load():
		w.logger.Debug("background task stopped", "mode", t.mode.String())
	case t.run.ctx.Err() != nil:
		t.faulted = true
		t.err = errors.WithMessage(context.Cause(t.run.ctx), "cancelled without restart request")
	case err != nil:
		t.faulted = true
		t.err = err
	default:
		t.faulted = true
		t.err = errors.New("background task exited unexpectedly")
	}

	if t.faulted {
		w.logger.Error("background task faulted", "mode", t.mode.String(), "error", t.err.Error())
		w.metrics.failed(w.id, "fault")
		w.metrics.setState(w.id, StateFaulted)
	}
}

// deliver 文档有变化时替换快照并调用回调，修订号倒退的文档被丢弃
func (w *Watcher[T]) deliver(doc *T, mode Mode) bool {
	if doc == nil {
		return false
	}

	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	prev := w.snapshot.Load()
	if !w.comparer.Changed(prev, doc) {
		return false
	}
	if prev != nil {
		cur, ok1 := any(doc).(store.Revisioned)
		old, ok2 := any(prev).(store.Revisioned)
		if ok1 && ok2 && cur.Revision() < old.Revision() {
			w.logger.Debug("stale settings dropped", "revision", cur.Revision(), "current", old.Revision())
			return false
		}
	}

	w.snapshot.Store(doc)
	w.firstOnce.Do(func() { close(w.firstValue) })
	w.metrics.delivered(w.id, mode)
	w.logger.Debug("settings updated", "mode", mode.String())

	w.notify(doc)
	return true
}

// notify 回调 panic 只记录，不影响后台任务
func (w *Watcher[T]) notify(doc *T) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("settings callback panicked", "panic", fmt.Sprint(r))
			w.metrics.failed(w.id, "callback")
		}
	}()
	w.onUpdate(doc)
}

func (w *Watcher[T]) markStarted() {
	if w.startup.fire() {
		w.logger.Debug("startup completed")
		w.metrics.setState(w.id, w.State())
	}
}

// isFatal 存储已关闭，重试没有意义
func isFatal(err error) bool {
	return errors.Is(err, store.ErrClosed)
}

// sleep 等待 d，ctx 取消时返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// strategy 观察方式，run 返回下一个观察方式表示交接，返回错误表示退出
type strategy interface {
	run(ctx context.Context) (Mode, error)
}
