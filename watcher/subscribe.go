package watcher

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const feedCloseTimeout = 5 * time.Second

// subscribeStrategy 消费存储的变更流，存储不再支持变更流时交给 pollStrategy
type subscribeStrategy[T any] struct {
	w *Watcher[T]
}

func (s *subscribeStrategy[T]) run(ctx context.Context) (Mode, error) {
	w := s.w

	for {
		if err := ctx.Err(); err != nil {
			return ModeNone, err
		}

		supported, err := w.store.SupportsChangeFeed(ctx)
		switch {
		case ctx.Err() != nil:
			return ModeNone, ctx.Err()
		case err != nil && isFatal(err):
			return ModeNone, err
		case err != nil:
			w.logger.Error("failed to check change feed support", "error", err.Error())
			w.metrics.failed(w.id, "topology")
			if !sleep(ctx, w.options.pollInterval) {
				return ModeNone, ctx.Err()
			}
			continue
		case !supported:
			w.logger.Debug("change feed unavailable, switching to polling")
			w.startup.reset()
			return ModePolling, nil
		}

		err = s.consume(ctx)
		switch {
		case ctx.Err() != nil:
			return ModeNone, ctx.Err()
		case err != nil && isFatal(err):
			return ModeNone, err
		case err != nil:
			w.logger.Error("change feed failed, restarting", "error", err.Error())
			w.metrics.failed(w.id, "feed")
			if !sleep(ctx, w.options.pollInterval) {
				return ModeNone, ctx.Err()
			}
		default:
			w.logger.Debug("change feed ended, restarting")
		}
	}
}

// consume 先打开变更流再读取当前文档，读取和订阅之间的写入会出现在流中。
// 变更流打不开时仍然读取一次当前文档，等待启动的调用方不必等到变更流恢复，
// 每次重试都重新读取，变更流恢复前的修改按重试间隔送达。
// 是否回退到轮询只由 SupportsChangeFeed 决定
func (s *subscribeStrategy[T]) consume(ctx context.Context) error {
	w := s.w

	feed, err := w.store.Watch(ctx, w.id)
	if err != nil {
		if ctx.Err() == nil && !isFatal(err) {
			if serr := s.seed(ctx); serr != nil {
				w.logger.Warn("failed to retrieve settings without change feed", "error", serr.Error())
			}
		}
		return errors.WithMessage(err, "failed to open change feed")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), feedCloseTimeout)
		defer cancel()
		if err := feed.Close(closeCtx); err != nil {
			w.logger.Warn("failed to close change feed", "error", err.Error())
		}
	}()

	if err := s.seed(ctx); err != nil {
		return err
	}

	for feed.Next(ctx) {
		batch := feed.Batch()
		w.logger.Debug("change batch received", "size", len(batch))
		for _, change := range batch {
			if change.Document == nil || change.ID != w.id {
				continue
			}
			w.deliver(change.Document, ModeSubscribing)
		}
	}
	return feed.Err()
}

// seed 读取当前文档并标记启动完成
func (s *subscribeStrategy[T]) seed(ctx context.Context) error {
	w := s.w

	doc, err := w.accessor.FindContext(ctx, w.id)
	if err != nil {
		return errors.WithMessage(err, "failed to retrieve settings")
	}
	if doc == nil {
		w.logger.Warn("settings not found")
	} else {
		w.deliver(doc, ModeSubscribing)
	}
	w.markStarted()
	return nil
}
