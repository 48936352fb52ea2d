package watcher

import (
	"context"
)

// pollStrategy 定时读取文档并与快照比较
// 存储开始支持变更流且没有强制轮询时交给 subscribeStrategy
type pollStrategy[T any] struct {
	w *Watcher[T]
}

func (p *pollStrategy[T]) run(ctx context.Context) (Mode, error) {
	w := p.w
	missing := false

	for {
		if err := ctx.Err(); err != nil {
			return ModeNone, err
		}

		if !w.options.forcePolling {
			supported, err := w.store.SupportsChangeFeed(ctx)
			switch {
			case ctx.Err() != nil:
				return ModeNone, ctx.Err()
			case err != nil && isFatal(err):
				return ModeNone, err
			case err != nil:
				w.logger.Error("failed to check change feed support", "error", err.Error())
				w.metrics.failed(w.id, "topology")
			case supported:
				w.logger.Debug("change feed available, switching to subscription")
				w.startup.reset()
				return ModeSubscribing, nil
			}
		}

		doc, err := w.accessor.FindContext(ctx, w.id)
		switch {
		case ctx.Err() != nil:
			return ModeNone, ctx.Err()
		case err != nil && isFatal(err):
			return ModeNone, err
		case err != nil:
			w.logger.Error("failed to retrieve settings", "error", err.Error())
			w.metrics.failed(w.id, "find")
		default:
			if doc == nil {
				if !missing {
					w.logger.Warn("settings not found")
				}
				missing = true
			} else {
				missing = false
				w.deliver(doc, ModePolling)
			}
			w.markStarted()
		}

		if !sleep(ctx, w.options.pollInterval) {
			return ModeNone, ctx.Err()
		}
	}
}
