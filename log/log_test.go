package log

import (
	"testing"

	"github.com/hatlonely/settings/log/logger"
	"github.com/hatlonely/settings/ref"
	. "github.com/smartystreets/goconvey/convey"
)

func TestNewLoggerWithOptions(t *testing.T) {
	Convey("NewLoggerWithOptions", t, func() {
		Convey("nil 返回默认日志器", func() {
			l, err := NewLoggerWithOptions(nil)
			So(err, ShouldBeNil)
			So(l, ShouldEqual, Default())
		})

		Convey("类型为空时按 SLog 创建", func() {
			l, err := NewLoggerWithOptions(&ref.TypeOptions{
				Options: &logger.SLogOptions{Level: "debug", Format: "json"},
			})
			So(err, ShouldBeNil)
			So(l, ShouldHaveSameTypeAs, &logger.SLog{})
		})

		Convey("短类型名 SLog", func() {
			l, err := NewLoggerWithOptions(&ref.TypeOptions{Type: "SLog"})
			So(err, ShouldBeNil)
			So(l, ShouldNotBeNil)
		})

		Convey("错误的选项", func() {
			_, err := NewLoggerWithOptions(&ref.TypeOptions{
				Options: &logger.SLogOptions{Level: "verbose"},
			})
			So(err, ShouldNotBeNil)
		})

		Convey("未注册的类型", func() {
			_, err := NewLoggerWithOptions(&ref.TypeOptions{Namespace: "x", Type: "Y"})
			So(err, ShouldNotBeNil)
		})
	})
}
