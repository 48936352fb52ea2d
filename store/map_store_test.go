package store

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMapStore(t *testing.T) {
	Convey("MapStore", t, func() {
		ctx := context.Background()
		s := NewMapStore[testSettings]()

		Convey("Find 不存在返回 nil", func() {
			doc, err := s.Find(ctx, "app")
			So(err, ShouldBeNil)
			So(doc, ShouldBeNil)
		})

		Convey("Save 后 Find 得到副本", func() {
			So(s.Save(ctx, "app", newTestSettings("app", 1, "a")), ShouldBeNil)
			doc, err := s.Find(ctx, "app")
			So(err, ShouldBeNil)
			So(doc.Name, ShouldEqual, "a")

			doc.Name = "changed"
			again, _ := s.Find(ctx, "app")
			So(again.Name, ShouldEqual, "a")
			So(s.FindCount(), ShouldEqual, 2)
		})

		Convey("变更流广播所有写入", func() {
			feed, err := s.Watch(ctx, "app")
			So(err, ShouldBeNil)
			defer feed.Close(ctx)
			So(s.Subscribers(), ShouldEqual, 1)

			So(s.Save(ctx, "app", newTestSettings("app", 1, "a")), ShouldBeNil)
			So(s.Save(ctx, "other", newTestSettings("other", 1, "b")), ShouldBeNil)
			So(s.Delete(ctx, "app"), ShouldBeNil)

			So(feed.Next(ctx), ShouldBeTrue)
			batch := feed.Batch()
			So(batch, ShouldHaveLength, 3)
			So(batch[0].ID, ShouldEqual, "app")
			So(batch[0].Document.Name, ShouldEqual, "a")
			So(batch[1].ID, ShouldEqual, "other")
			So(batch[2].ID, ShouldEqual, "app")
			So(batch[2].Document, ShouldBeNil)
		})

		Convey("Next 随 ctx 取消返回", func() {
			feed, err := s.Watch(ctx, "app")
			So(err, ShouldBeNil)

			cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			So(feed.Next(cctx), ShouldBeFalse)
			So(errors.Is(feed.Err(), context.DeadlineExceeded), ShouldBeTrue)
			So(feed.Close(ctx), ShouldBeNil)
			So(s.Subscribers(), ShouldEqual, 0)
		})

		Convey("BreakFeeds 结束变更流", func() {
			feed, err := s.Watch(ctx, "app")
			So(err, ShouldBeNil)

			cause := errors.New("connection reset")
			s.BreakFeeds(Unavailable(cause, "test"))
			So(feed.Next(ctx), ShouldBeFalse)
			So(errors.Is(feed.Err(), ErrStoreUnavailable), ShouldBeTrue)
		})

		Convey("拓扑切换", func() {
			ok, err := s.SupportsChangeFeed(ctx)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			s.SetChangeFeedSupported(false)
			ok, _ = s.SupportsChangeFeed(ctx)
			So(ok, ShouldBeFalse)

			_, err = s.Watch(ctx, "app")
			So(errors.Is(err, ErrChangeFeedUnsupported), ShouldBeTrue)
		})

		Convey("钩子注入错误", func() {
			s.SetFindHook(func(ctx context.Context, id string) error {
				return Unavailable(errors.New("timeout"), "find")
			})
			_, err := s.Find(ctx, "app")
			So(errors.Is(err, ErrStoreUnavailable), ShouldBeTrue)

			s.SetFindHook(nil)
			_, err = s.Find(ctx, "app")
			So(err, ShouldBeNil)

			s.SetWatchHook(func(ctx context.Context, id string) error {
				return errors.New("denied")
			})
			_, err = s.Watch(ctx, "app")
			So(err, ShouldNotBeNil)
			So(s.WatchCount(), ShouldEqual, 1)
		})

		Convey("关闭后返回 ErrClosed", func() {
			feed, err := s.Watch(ctx, "app")
			So(err, ShouldBeNil)

			So(s.Close(), ShouldBeNil)
			So(s.Close(), ShouldBeNil)

			So(feed.Next(ctx), ShouldBeFalse)
			So(feed.Err(), ShouldEqual, ErrClosed)

			_, err = s.Find(ctx, "app")
			So(err, ShouldEqual, ErrClosed)
			_, err = s.SupportsChangeFeed(ctx)
			So(err, ShouldEqual, ErrClosed)
			_, err = s.Watch(ctx, "app")
			So(err, ShouldEqual, ErrClosed)
			So(s.Save(ctx, "app", newTestSettings("app", 1, "a")), ShouldEqual, ErrClosed)
		})
	})
}
