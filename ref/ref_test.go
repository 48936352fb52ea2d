package ref

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type sampleOptions struct {
	Name string
}

type sample struct {
	name string
}

func newSampleWithOptions(options *sampleOptions) (*sample, error) {
	if options == nil {
		return &sample{name: "default"}, nil
	}
	if options.Name == "" {
		return nil, errors.New("name is required")
	}
	return &sample{name: options.Name}, nil
}

type box[T any] struct{ value T }

type mapOptions map[string]any

func (m mapOptions) ConvertTo(object any) error {
	options, ok := object.(*sampleOptions)
	if !ok {
		return errors.New("unexpected target")
	}
	options.Name, _ = m["name"].(string)
	return nil
}

func TestRegister(t *testing.T) {
	Convey("Register", t, func() {
		So(Register("ref_test", "sample", newSampleWithOptions), ShouldBeNil)

		Convey("重复注册同一个函数", func() {
			So(Register("ref_test", "sample", newSampleWithOptions), ShouldBeNil)
		})

		Convey("重复注册不同函数", func() {
			So(Register("ref_test", "sample", func() *sample { return nil }), ShouldNotBeNil)
		})

		Convey("非法构造函数", func() {
			So(Register("ref_test", "bad1", 1), ShouldNotBeNil)
			So(Register("ref_test", "bad2", func(a, b int) *sample { return nil }), ShouldNotBeNil)
			So(Register("ref_test", "bad3", func() (*sample, int) { return nil, 0 }), ShouldNotBeNil)
		})
	})
}

func TestNew(t *testing.T) {
	Convey("New", t, func() {
		MustRegister("ref_test", "sample", newSampleWithOptions)

		Convey("直接传入参数类型", func() {
			obj, err := New("ref_test", "sample", &sampleOptions{Name: "a"})
			So(err, ShouldBeNil)
			So(obj.(*sample).name, ShouldEqual, "a")
		})

		Convey("nil 参数", func() {
			obj, err := NewWithOptions(&TypeOptions{Namespace: "ref_test", Type: "sample"})
			So(err, ShouldBeNil)
			So(obj.(*sample).name, ShouldEqual, "default")
		})

		Convey("Convertable 参数", func() {
			obj, err := New("ref_test", "sample", mapOptions{"name": "b"})
			So(err, ShouldBeNil)
			So(obj.(*sample).name, ShouldEqual, "b")
		})

		Convey("构造函数返回错误", func() {
			_, err := New("ref_test", "sample", &sampleOptions{})
			So(err, ShouldNotBeNil)
		})

		Convey("类型不匹配", func() {
			_, err := New("ref_test", "sample", 123)
			So(err, ShouldNotBeNil)
		})

		Convey("未注册", func() {
			_, err := New("ref_test", "missing", nil)
			So(err, ShouldNotBeNil)
			_, err = NewWithOptions(nil)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestTypeName(t *testing.T) {
	Convey("TypeName", t, func() {
		namespace, typ, err := TypeName[*sample]()
		So(err, ShouldBeNil)
		So(namespace, ShouldEqual, "github.com/hatlonely/settings/ref")
		So(typ, ShouldEqual, "sample")

		_, typ, err = TypeName[box[sample]]()
		So(err, ShouldBeNil)
		So(BaseName(typ), ShouldEqual, "box")

		_, _, err = TypeName[int]()
		So(err, ShouldNotBeNil)
	})

	Convey("RegisterT/NewT", t, func() {
		MustRegisterT[*sample](newSampleWithOptions)

		s, err := NewT[*sample](&sampleOptions{Name: "c"})
		So(err, ShouldBeNil)
		So(s.name, ShouldEqual, "c")
	})
}
