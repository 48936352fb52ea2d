package watcher

import (
	"context"
	"time"
)

// GetSettings 返回当前快照，还没有读到文档时返回 nil
func (w *Watcher[T]) GetSettings() *T {
	return w.snapshot.Load()
}

// GetSettingsContext 等到快照非空后返回，可以被任意多个 goroutine 同时调用
func (w *Watcher[T]) GetSettingsContext(ctx context.Context) (*T, error) {
	if doc := w.snapshot.Load(); doc != nil {
		return doc, nil
	}

	select {
	case <-w.firstValue:
		return w.snapshot.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.disposed:
		if doc := w.snapshot.Load(); doc != nil {
			return doc, nil
		}
		return nil, ErrClosed
	}
}

// WaitForStartup 等待第一次读取完成，timeout 为 0 表示一直等待
// 后台任务故障退出或监听器关闭时立即返回 false
func (w *Watcher[T]) WaitForStartup(timeout time.Duration) bool {
	return w.WaitForStartupContext(context.Background(), timeout)
}

func (w *Watcher[T]) WaitForStartupContext(ctx context.Context, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		started := w.startup.wait()
		t := w.task.Load()
		if t == nil || w.closed.Load() {
			return false
		}
		if t.finished() {
			if w.task.Load() != t {
				continue
			}
			return false
		}

		select {
		case <-started:
			return true
		case <-t.done:
			// 交接时任务句柄已经换成新的任务
			continue
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		case <-w.disposed:
			return false
		}
	}
}

// Restart 停止当前后台任务，在新的取消范围内重新启动，然后等待启动完成
// 可以在 Running 和 Faulted 状态下调用，关闭后返回 false。
// 旧任务在 closeTimeout 内没有退出（例如回调阻塞）时不启动新任务并返回 false，旧任务退出后可以再次调用
func (w *Watcher[T]) Restart(timeout time.Duration) bool {
	return w.RestartContext(context.Background(), timeout)
}

func (w *Watcher[T]) RestartContext(ctx context.Context, timeout time.Duration) bool {
	w.restartMu.Lock()
	defer w.restartMu.Unlock()

	if w.closed.Load() {
		return false
	}

	w.mu.Lock()
	previous := w.run
	w.mu.Unlock()

	w.logger.Debug("restarting")
	previous.stop()
	if err := w.awaitTask(ctx, w.options.closeTimeout); err != nil {
		// 旧任务仍在运行时不启动新任务，保证同一时刻只有一个后台任务
		w.logger.Warn("previous background task did not exit", "error", err.Error())
		return false
	}

	// 外部 ctx 已经取消时新的运行不再继承它的取消信号
	parent := w.options.ctx
	if parent.Err() != nil {
		parent = context.WithoutCancel(parent)
	}

	w.mu.Lock()
	if w.closed.Load() {
		w.mu.Unlock()
		return false
	}
	w.startup.reset()
	w.run = newRunScope(parent)
	launched := w.launch(w.run, w.initialMode())
	w.mu.Unlock()

	if !launched {
		return false
	}
	return w.WaitForStartupContext(ctx, timeout)
}

// IsRunning 后台任务存活并且已经完成第一次读取
func (w *Watcher[T]) IsRunning() bool {
	return w.State() == StateRunning
}

// IsFaulted 后台任务因错误、panic 或外部 ctx 取消而退出
// 还没有任务句柄不算故障
func (w *Watcher[T]) IsFaulted() bool {
	return w.State() == StateFaulted
}

func (w *Watcher[T]) State() State {
	if w.closed.Load() {
		return StateDisposed
	}
	t := w.task.Load()
	if t == nil {
		return StateNotStarted
	}
	if t.finished() {
		if t.faulted {
			return StateFaulted
		}
		return StateNotStarted
	}
	if w.startup.isSet() {
		return StateRunning
	}
	return StateStarting
}

// Mode 当前后台任务的观察方式
func (w *Watcher[T]) Mode() Mode {
	if t := w.task.Load(); t != nil && !t.finished() {
		return t.mode
	}
	return ModeNone
}

// Err 返回导致故障的错误，没有故障时为 nil
func (w *Watcher[T]) Err() error {
	if t := w.task.Load(); t != nil && t.finished() && t.faulted {
		return t.err
	}
	return nil
}

// Close 取消后台任务并等待其退出，重复调用返回第一次的结果
func (w *Watcher[T]) Close() error {
	return w.CloseContext(context.Background())
}

func (w *Watcher[T]) CloseContext(ctx context.Context) error {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()

	if w.closeCalled {
		return w.closeErr
	}
	w.closeCalled = true

	w.mu.Lock()
	w.closed.Store(true)
	run := w.run
	w.mu.Unlock()

	w.logger.Debug("closing")
	run.stop()
	close(w.disposed)

	err := w.awaitTask(ctx, w.options.closeTimeout)
	if err != nil {
		w.logger.Error("failed to stop background task", "error", err.Error())
	}
	if w.ownsStore {
		if cerr := w.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	w.metrics.setState(w.id, StateDisposed)

	w.closeErr = err
	return err
}

// awaitTask 等待当前任务退出，交接产生的新任务也要等待
func (w *Watcher[T]) awaitTask(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t := w.task.Load()
		if t == nil {
			return nil
		}
		select {
		case <-t.done:
			if w.task.Load() == t {
				return nil
			}
		case <-timer.C:
			return ErrCloseTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
