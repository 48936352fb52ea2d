// Package ref 按 namespace:type 注册构造函数，并根据配置反射创建对象。
// 配置文件中的组件（日志、输出器、存储后端）都通过 TypeOptions 描述并由这里实例化。
package ref

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// TypeOptions 描述一个可由注册表创建的对象
type TypeOptions struct {
	Namespace string `cfg:"namespace"`
	Type      string `cfg:"type"`
	Options   any    `cfg:"options"`
}

// Convertable 可以被转换成构造函数参数类型的配置数据
// cfg 包解码出的嵌套配置实现了该接口，因此可以延迟到构造时再绑定到具体的 Options 结构体
type Convertable interface {
	ConvertTo(object any) error
}

type constructor struct {
	fn           any
	value        reflect.Value
	hasOptions   bool
	returnsError bool
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func newConstructor(fn any) (*constructor, error) {
	value := reflect.ValueOf(fn)
	if value.Kind() != reflect.Func {
		return nil, fmt.Errorf("constructor must be a function, got %T", fn)
	}

	typ := value.Type()
	if typ.NumIn() > 1 {
		return nil, fmt.Errorf("constructor must have 0 or 1 input parameters, got %d", typ.NumIn())
	}
	if typ.NumOut() != 1 && typ.NumOut() != 2 {
		return nil, fmt.Errorf("constructor must have 1 or 2 return values, got %d", typ.NumOut())
	}
	if typ.NumOut() == 2 && !typ.Out(1).Implements(errorType) {
		return nil, fmt.Errorf("second return value must be error type")
	}

	return &constructor{
		fn:           fn,
		value:        value,
		hasOptions:   typ.NumIn() == 1,
		returnsError: typ.NumOut() == 2,
	}, nil
}

func (c *constructor) call(options any) (any, error) {
	var args []reflect.Value
	if c.hasOptions {
		arg, err := c.argument(options)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	results := c.value.Call(args)
	if c.returnsError && !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}

// argument 把 options 转换为构造函数的参数
func (c *constructor) argument(options any) (reflect.Value, error) {
	paramType := c.value.Type().In(0)

	if options == nil {
		if paramType.Kind() == reflect.Ptr {
			return reflect.Zero(paramType), nil
		}
		return reflect.Value{}, fmt.Errorf("constructor requires options of type %v but got nil", paramType)
	}

	if convertable, ok := options.(Convertable); ok && !reflect.TypeOf(options).AssignableTo(paramType) {
		target := paramType
		if paramType.Kind() == reflect.Ptr {
			target = paramType.Elem()
		}
		ptr := reflect.New(target)
		if err := convertable.ConvertTo(ptr.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("failed to convert options to %v: %w", paramType, err)
		}
		if paramType.Kind() == reflect.Ptr {
			return ptr, nil
		}
		return ptr.Elem(), nil
	}

	value := reflect.ValueOf(options)
	if !value.Type().AssignableTo(paramType) {
		return reflect.Value{}, fmt.Errorf("options type %T is not assignable to %v", options, paramType)
	}
	return value, nil
}

var constructors sync.Map

func key(namespace, typ string) string {
	return namespace + ":" + typ
}

// Register 注册构造函数，同一个 key 重复注册同一个函数会被忽略
func Register(namespace string, typ string, fn any) error {
	c, err := newConstructor(fn)
	if err != nil {
		return fmt.Errorf("failed to create constructor: %w", err)
	}

	existing, loaded := constructors.LoadOrStore(key(namespace, typ), c)
	if !loaded || existing.(*constructor).value.Pointer() == c.value.Pointer() {
		return nil
	}
	return fmt.Errorf("constructor for %s:%s already registered with different function", namespace, typ)
}

// RegisterT 使用 T 的包路径和类型名作为 namespace 和 type 注册构造函数
func RegisterT[T any](fn any) error {
	namespace, typ, err := TypeName[T]()
	if err != nil {
		return err
	}
	return Register(namespace, typ, fn)
}

func MustRegister(namespace string, typ string, fn any) {
	if err := Register(namespace, typ, fn); err != nil {
		panic(err)
	}
}

func MustRegisterT[T any](fn any) {
	if err := RegisterT[T](fn); err != nil {
		panic(err)
	}
}

// TypeName 返回 T 去掉指针后的包路径和类型名
// 泛型类型的类型名带有实例化参数，例如 MapStore[github.com/foo/bar.Settings]
func TypeName[T any]() (namespace string, typ string, err error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return "", "", fmt.Errorf("cannot determine package path or type name for %v", t)
	}
	return t.PkgPath(), t.Name(), nil
}

// BaseName 去掉泛型实例化参数，MapStore[foo.Bar] -> MapStore
func BaseName(typ string) string {
	if idx := strings.IndexByte(typ, '['); idx >= 0 {
		return typ[:idx]
	}
	return typ
}

// New 创建 namespace:type 对应的对象
func New(namespace string, typ string, options any) (any, error) {
	value, ok := constructors.Load(key(namespace, typ))
	if !ok {
		return nil, fmt.Errorf("constructor not found for %s:%s", namespace, typ)
	}
	return value.(*constructor).call(options)
}

// NewWithOptions 根据 TypeOptions 创建对象
func NewWithOptions(options *TypeOptions) (any, error) {
	if options == nil {
		return nil, fmt.Errorf("type options is nil")
	}
	return New(options.Namespace, options.Type, options.Options)
}

// NewT 创建 T 类型的对象，T 需要已经通过 RegisterT 注册
func NewT[T any](options any) (T, error) {
	var zero T
	namespace, typ, err := TypeName[T]()
	if err != nil {
		return zero, err
	}

	obj, err := New(namespace, typ, options)
	if err != nil {
		return zero, err
	}

	result, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("created object %T is not of type %T", obj, zero)
	}
	return result, nil
}
