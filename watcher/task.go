package watcher

import (
	"context"
	"sync"
	"sync/atomic"
)

// runScope 一次运行的取消范围，Restart 会创建新的 runScope
type runScope struct {
	ctx    context.Context
	cancel context.CancelFunc
	// requested 为 true 表示取消来自 Close 或 Restart
	requested atomic.Bool
}

func newRunScope(parent context.Context) *runScope {
	ctx, cancel := context.WithCancel(parent)
	return &runScope{ctx: ctx, cancel: cancel}
}

func (r *runScope) stop() {
	r.requested.Store(true)
	r.cancel()
}

// task 一个后台 goroutine，err 和 faulted 在 done 关闭前写入
type task struct {
	mode    Mode
	run     *runScope
	done    chan struct{}
	err     error
	faulted bool
}

func newTask(mode Mode, run *runScope) *task {
	return &task{mode: mode, run: run, done: make(chan struct{})}
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// signal 可以重置的一次性通知
type signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) fire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return false
	}
	s.set = true
	close(s.ch)
	return true
}

func (s *signal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) isSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}
