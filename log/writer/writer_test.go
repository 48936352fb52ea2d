package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hatlonely/settings/ref"
	. "github.com/smartystreets/goconvey/convey"
)

func TestFileWriter(t *testing.T) {
	Convey("FileWriter", t, func() {
		path := filepath.Join(t.TempDir(), "a", "b", "out.log")

		w, err := NewFileWriterWithOptions(&FileWriterOptions{Path: path})
		So(err, ShouldBeNil)

		Convey("自动创建目录并追加写入", func() {
			_, err := w.Write([]byte("hello\n"))
			So(err, ShouldBeNil)
			_, err = w.Write([]byte("world\n"))
			So(err, ShouldBeNil)
			So(w.Close(), ShouldBeNil)

			content, err := os.ReadFile(path)
			So(err, ShouldBeNil)
			So(string(content), ShouldEqual, "hello\nworld\n")
		})

		Convey("关闭后写入返回错误，重复关闭无错误", func() {
			So(w.Close(), ShouldBeNil)
			So(w.Close(), ShouldBeNil)
			_, err := w.Write([]byte("x"))
			So(err, ShouldNotBeNil)
		})
	})

	Convey("FileWriter 缺少路径", t, func() {
		_, err := NewFileWriterWithOptions(&FileWriterOptions{})
		So(err, ShouldNotBeNil)
		_, err = NewFileWriterWithOptions(nil)
		So(err, ShouldNotBeNil)
	})
}

func TestMultiWriter(t *testing.T) {
	Convey("MultiWriter", t, func() {
		dir := t.TempDir()
		p1 := filepath.Join(dir, "1.log")
		p2 := filepath.Join(dir, "2.log")

		w, err := NewMultiWriterWithOptions(&MultiWriterOptions{
			Writers: []ref.TypeOptions{
				{Namespace: "github.com/hatlonely/settings/log/writer", Type: "FileWriter", Options: &FileWriterOptions{Path: p1}},
				{Namespace: "github.com/hatlonely/settings/log/writer", Type: "FileWriter", Options: &FileWriterOptions{Path: p2}},
			},
		})
		So(err, ShouldBeNil)

		n, err := w.Write([]byte("line\n"))
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 5)
		So(w.Close(), ShouldBeNil)

		for _, p := range []string{p1, p2} {
			content, err := os.ReadFile(p)
			So(err, ShouldBeNil)
			So(string(content), ShouldEqual, "line\n")
		}
	})

	Convey("MultiWriter 配置错误", t, func() {
		_, err := NewMultiWriterWithOptions(&MultiWriterOptions{})
		So(err, ShouldNotBeNil)

		_, err = NewMultiWriterWithOptions(&MultiWriterOptions{
			Writers: []ref.TypeOptions{{Namespace: "github.com/hatlonely/settings/log/writer", Type: "Unknown"}},
		})
		So(err, ShouldNotBeNil)
	})
}

func TestConsoleWriter(t *testing.T) {
	Convey("ConsoleWriter", t, func() {
		w, err := NewConsoleWriterWithOptions(&ConsoleWriterOptions{Target: "stderr"})
		So(err, ShouldBeNil)
		So(w.w, ShouldEqual, os.Stderr)
		So(w.Close(), ShouldBeNil)

		w, err = NewConsoleWriterWithOptions(nil)
		So(err, ShouldBeNil)
		So(w.w, ShouldEqual, os.Stdout)
	})
}
