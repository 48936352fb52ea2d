package watcher

import (
	"go/token"
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
)

// Comparer 判断两个文档是否不同
// 默认逐字段深比较，忽略未导出字段，可以通过 cmp.Option 定制
type Comparer struct {
	options []cmp.Option
}

var ignoreUnexported = cmp.FilterPath(func(p cmp.Path) bool {
	sf, ok := p.Last().(cmp.StructField)
	return ok && !token.IsExported(sf.Name())
}, cmp.Ignore())

func NewComparer(options ...cmp.Option) *Comparer {
	return &Comparer{options: append([]cmp.Option{ignoreUnexported}, options...)}
}

// Changed nil 和 nil 视为相同，nil 和非 nil 视为不同
func (c *Comparer) Changed(prev any, cur any) bool {
	prevNil, curNil := isNil(prev), isNil(cur)
	if prevNil || curNil {
		return prevNil != curNil
	}
	return !cmp.Equal(prev, cur, c.options...)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// ignoreFieldsOption 为结构体类型 T 生成忽略字段的选项，字段不存在时返回错误
func ignoreFieldsOption[T any](names []string) (opt cmp.Option, err error) {
	var zero T
	if reflect.TypeOf(zero) == nil || reflect.TypeOf(zero).Kind() != reflect.Struct {
		return nil, errors.Errorf("ignore fields requires a struct type, got %T", zero)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("invalid ignore fields %v: %v", names, r)
		}
	}()
	return cmpopts.IgnoreFields(zero, names...), nil
}
