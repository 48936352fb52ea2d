package store

import (
	"context"
	"sync"
	"sync/atomic"
)

type MapStoreOptions struct {
	// 关闭后 SupportsChangeFeed 返回 false，模拟单机部署
	DisableChangeFeed bool `cfg:"disableChangeFeed"`
}

// MapStore 内存存储
// 变更流不按 id 过滤，所有写入广播给全部订阅者
type MapStore[T any] struct {
	mu     sync.RWMutex
	m      map[string]T
	feeds  map[*memoryFeed[T]]struct{}
	closed bool

	changeFeed atomic.Bool
	findHook   atomic.Pointer[func(ctx context.Context, id string) error]
	watchHook  atomic.Pointer[func(ctx context.Context, id string) error]
	findCount  atomic.Int64
	watchCount atomic.Int64
}

func NewMapStoreWithOptions[T any](options *MapStoreOptions) (*MapStore[T], error) {
	s := NewMapStore[T]()
	if options != nil && options.DisableChangeFeed {
		s.changeFeed.Store(false)
	}
	return s, nil
}

func NewMapStore[T any]() *MapStore[T] {
	s := &MapStore[T]{
		m:     map[string]T{},
		feeds: map[*memoryFeed[T]]struct{}{},
	}
	s.changeFeed.Store(true)
	return s
}

// SetChangeFeedSupported 切换拓扑探测的结果
func (s *MapStore[T]) SetChangeFeedSupported(supported bool) {
	s.changeFeed.Store(supported)
}

// SetFindHook 在每次 Find 之前调用 fn，fn 返回错误时 Find 直接返回该错误
// fn 可以阻塞，用来控制读取的时机
func (s *MapStore[T]) SetFindHook(fn func(ctx context.Context, id string) error) {
	if fn == nil {
		s.findHook.Store(nil)
		return
	}
	s.findHook.Store(&fn)
}

// SetWatchHook 在每次 Watch 之前调用 fn，fn 返回错误时 Watch 直接返回该错误
func (s *MapStore[T]) SetWatchHook(fn func(ctx context.Context, id string) error) {
	if fn == nil {
		s.watchHook.Store(nil)
		return
	}
	s.watchHook.Store(&fn)
}

// FindCount 返回 Find 被调用的次数
func (s *MapStore[T]) FindCount() int64 {
	return s.findCount.Load()
}

// WatchCount 返回 Watch 被调用的次数
func (s *MapStore[T]) WatchCount() int64 {
	return s.watchCount.Load()
}

// Subscribers 当前打开的变更流数量
func (s *MapStore[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.feeds)
}

func (s *MapStore[T]) Find(ctx context.Context, id string) (*T, error) {
	s.findCount.Add(1)
	if hook := s.findHook.Load(); hook != nil {
		if err := (*hook)(ctx, id); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.m[id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (s *MapStore[T]) SupportsChangeFeed(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}
	return s.changeFeed.Load(), nil
}

func (s *MapStore[T]) Watch(ctx context.Context, id string) (ChangeFeed[T], error) {
	s.watchCount.Add(1)
	if hook := s.watchHook.Load(); hook != nil {
		if err := (*hook)(ctx, id); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if !s.changeFeed.Load() {
		return nil, ErrChangeFeedUnsupported
	}

	feed := newMemoryFeed[T](func(f *memoryFeed[T]) {
		s.mu.Lock()
		delete(s.feeds, f)
		s.mu.Unlock()
	})
	s.feeds[feed] = struct{}{}
	return feed, nil
}

func (s *MapStore[T]) Save(ctx context.Context, id string, doc *T) error {
	if doc == nil {
		return s.Delete(ctx, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.m[id] = *doc
	s.publish(Change[T]{ID: id, Document: doc})
	return nil
}

func (s *MapStore[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.m, id)
	s.publish(Change[T]{ID: id})
	return nil
}

// Publish 直接向所有变更流推送一条记录而不修改数据，用于模拟外部事件
func (s *MapStore[T]) Publish(change Change[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(change)
}

// BreakFeeds 以 err 结束当前所有变更流
func (s *MapStore[T]) BreakFeeds(err error) {
	s.mu.Lock()
	feeds := s.feeds
	s.feeds = map[*memoryFeed[T]]struct{}{}
	s.mu.Unlock()

	for feed := range feeds {
		feed.finish(err)
	}
}

func (s *MapStore[T]) publish(change Change[T]) {
	if change.Document != nil {
		doc := *change.Document
		change.Document = &doc
	}
	for feed := range s.feeds {
		feed.push(change)
	}
}

func (s *MapStore[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds := s.feeds
	s.feeds = map[*memoryFeed[T]]struct{}{}
	s.mu.Unlock()

	for feed := range feeds {
		feed.finish(ErrClosed)
	}
	return nil
}

type memoryFeed[T any] struct {
	mu      sync.Mutex
	pending []Change[T]
	batch   []Change[T]
	done    bool
	err     error
	notify  chan struct{}
	onClose func(*memoryFeed[T])
}

func newMemoryFeed[T any](onClose func(*memoryFeed[T])) *memoryFeed[T] {
	return &memoryFeed[T]{
		notify:  make(chan struct{}, 1),
		onClose: onClose,
	}
}

func (f *memoryFeed[T]) push(change Change[T]) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.pending = append(f.pending, change)
	f.mu.Unlock()
	f.wake()
}

func (f *memoryFeed[T]) finish(err error) {
	f.mu.Lock()
	if !f.done {
		f.done = true
		f.err = err
	}
	f.mu.Unlock()
	f.wake()
}

func (f *memoryFeed[T]) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *memoryFeed[T]) Next(ctx context.Context) bool {
	for {
		f.mu.Lock()
		if len(f.pending) > 0 {
			f.batch, f.pending = f.pending, nil
			f.mu.Unlock()
			return true
		}
		if f.done {
			f.batch = nil
			f.mu.Unlock()
			return false
		}
		f.mu.Unlock()

		select {
		case <-f.notify:
		case <-ctx.Done():
			f.mu.Lock()
			if f.err == nil {
				f.err = ctx.Err()
			}
			f.batch = nil
			f.mu.Unlock()
			return false
		}
	}
}

func (f *memoryFeed[T]) Batch() []Change[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batch
}

func (f *memoryFeed[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *memoryFeed[T]) Close(ctx context.Context) error {
	f.finish(nil)
	if f.onClose != nil {
		f.onClose(f)
	}
	return nil
}
