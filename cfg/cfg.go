// Package cfg 从 yaml/json/toml/ini 文件和环境变量加载配置到带 cfg tag 的结构体，
// 并依次应用 def 默认值和 validate 校验
package cfg

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

var validate = validator.New()

// Load 读取配置文件并解码到 object
// envPrefix 非空时，PREFIX_A_B=v 形式的环境变量覆盖文件中 a.b 的值
func Load(path string, envPrefix string, object any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}

	decoder, err := DecoderForExt(filepath.Ext(path))
	if err != nil {
		return err
	}

	values, err := decoder.Decode(data)
	if err != nil {
		return errors.WithMessagef(err, "failed to parse config file %s", path)
	}

	if envPrefix != "" {
		OverlayEnv(values, envPrefix, os.Environ())
	}

	return Node(values).ConvertTo(object)
}

// OverlayEnv 把 prefix 开头的环境变量按 "_" 拆分后写入 values
func OverlayEnv(values map[string]any, prefix string, environ []string) {
	prefix = strings.ToUpper(strings.TrimSuffix(prefix, "_")) + "_"
	for _, kv := range environ {
		idx := strings.IndexByte(kv, '=')
		if idx <= 0 || !strings.HasPrefix(kv[:idx], prefix) {
			continue
		}

		keys := strings.Split(strings.ToLower(kv[len(prefix):idx]), "_")
		if len(keys) == 0 || keys[0] == "" {
			continue
		}
		parent := ensurePath(values, keys[:len(keys)-1])
		parent[matchKey(parent, keys[len(keys)-1])] = kv[idx+1:]
	}
}

// Node 解码后尚未绑定类型的配置节点
// ref.TypeOptions.Options 这类 any 字段会保留为 Node，直到构造函数确定了 Options 的具体类型
type Node map[string]any

// ConvertTo 把节点解码到 object，然后设置默认值并校验
func (n Node) ConvertTo(object any) error {
	if err := Decode(map[string]any(n), object); err != nil {
		return err
	}
	if err := SetDefaults(object); err != nil {
		return errors.WithMessage(err, "failed to set defaults")
	}
	if err := Validate(object); err != nil {
		return err
	}
	return nil
}

// Decode 按 cfg tag 把 input 解码到 object，不设置默认值也不校验
func Decode(input any, object any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "cfg",
		WeaklyTypedInput: true,
		Result:           object,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			nodeHook,
		),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}
	if err := decoder.Decode(input); err != nil {
		return errors.Wrap(err, "failed to decode config")
	}
	return nil
}

var interfaceType = reflect.TypeOf((*any)(nil)).Elem()

// nodeHook 把写入 any 字段的 map 包装成 Node
func nodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != interfaceType {
		return data, nil
	}
	if m, ok := data.(map[string]any); ok {
		return Node(m), nil
	}
	return data, nil
}

// Validate 校验结构体的 validate tag，非结构体直接通过
func Validate(object any) error {
	rv := reflect.ValueOf(object)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() || rv.Kind() != reflect.Struct {
		return nil
	}
	if err := validate.Struct(rv.Interface()); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}
