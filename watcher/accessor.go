package watcher

import (
	"context"

	"github.com/hatlonely/settings/log/logger"
	"github.com/hatlonely/settings/store"
)

// Accessor 按 id 读取一次文档，不做缓存
type Accessor[T any] struct {
	store  store.Store[T]
	logger logger.Logger
}

func NewAccessor[T any](s store.Store[T], l logger.Logger) *Accessor[T] {
	return &Accessor[T]{store: s, logger: l}
}

func (a *Accessor[T]) Find(id string) (*T, error) {
	return a.FindContext(context.Background(), id)
}

// FindContext 文档不存在时返回 (nil, nil)，连接问题返回的错误满足 errors.Is(err, store.ErrStoreUnavailable)
func (a *Accessor[T]) FindContext(ctx context.Context, id string) (*T, error) {
	a.logger.DebugContext(ctx, "retrieving settings", "id", id)
	return a.store.Find(ctx, id)
}
