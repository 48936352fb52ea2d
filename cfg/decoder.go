package cfg

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Decoder 把配置文件内容解码成嵌套的 map
type Decoder interface {
	Decode(data []byte) (map[string]any, error)
}

type YamlDecoder struct{}

func (YamlDecoder) Decode(data []byte) (map[string]any, error) {
	result := map[string]any{}
	if err := yaml.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode yaml")
	}
	return result, nil
}

type JsonDecoder struct{}

func (JsonDecoder) Decode(data []byte) (map[string]any, error) {
	result := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode json")
	}
	return result, nil
}

type TomlDecoder struct{}

func (TomlDecoder) Decode(data []byte) (map[string]any, error) {
	result := map[string]any{}
	if _, err := toml.Decode(string(data), &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode toml")
	}
	return result, nil
}

// IniDecoder 节名按 "." 展开成嵌套结构，[store.options] 对应 store.options
type IniDecoder struct{}

func (IniDecoder) Decode(data []byte) (map[string]any, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:         true,
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode ini")
	}

	result := map[string]any{}
	for _, section := range file.Sections() {
		target := result
		if section.Name() != ini.DefaultSection {
			target = ensurePath(result, strings.Split(section.Name(), "."))
		}
		for _, key := range section.Keys() {
			target[key.Name()] = key.Value()
		}
	}
	return result, nil
}

// DecoderForExt 根据文件扩展名选择解码器
func DecoderForExt(ext string) (Decoder, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		return YamlDecoder{}, nil
	case "json":
		return JsonDecoder{}, nil
	case "toml":
		return TomlDecoder{}, nil
	case "ini":
		return IniDecoder{}, nil
	}
	return nil, errors.Errorf("unsupported config format %q", ext)
}

// ensurePath 沿着 keys 创建或复用嵌套 map，键名大小写不敏感
func ensurePath(root map[string]any, keys []string) map[string]any {
	current := root
	for _, key := range keys {
		name := matchKey(current, key)
		next, ok := current[name].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[name] = next
		}
		current = next
	}
	return current
}

func matchKey(m map[string]any, key string) string {
	if _, ok := m[key]; ok {
		return key
	}
	for k := range m {
		if strings.EqualFold(k, key) {
			return k
		}
	}
	return key
}
