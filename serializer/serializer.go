// Package serializer 把文档编码成字节，供 redis 和文件存储使用
package serializer

import (
	"strings"

	"github.com/hatlonely/settings/ref"
	"github.com/pkg/errors"
)

type Serializer[F, T any] interface {
	Serialize(from F) (T, error)
	Deserialize(to T) (F, error)
}

// NewByteSerializerWithOptions 根据配置创建字节序列化器，options 为 nil 时使用 JSONSerializer
// Type 可以省略泛型参数，例如 "MsgPackSerializer" 会按 T 补全
func NewByteSerializerWithOptions[T any](options *ref.TypeOptions) (Serializer[T, []byte], error) {
	ref.RegisterT[*JSONSerializer[T]](NewJSONSerializer[T])
	ref.RegisterT[*BSONSerializer[T]](NewBSONSerializer[T])
	ref.RegisterT[*MsgPackSerializer[T]](NewMsgPackSerializer[T])
	ref.RegisterT[*YAMLSerializer[T]](NewYAMLSerializer[T])

	namespace, typ, err := ref.TypeName[*JSONSerializer[T]]()
	if err != nil {
		return nil, errors.WithMessage(err, "ref.TypeName failed")
	}

	actual := ref.TypeOptions{Namespace: namespace, Type: typ}
	if options != nil && options.Type != "" {
		actual = *options
		if actual.Namespace == "" {
			actual.Namespace = namespace
		}
		if !strings.Contains(actual.Type, "[") {
			actual.Type += typ[strings.IndexByte(typ, '['):]
		}
	}

	obj, err := ref.NewWithOptions(&actual)
	if err != nil {
		return nil, errors.WithMessage(err, "ref.NewWithOptions failed")
	}
	s, ok := obj.(Serializer[T, []byte])
	if !ok {
		return nil, errors.Errorf("%T is not a Serializer", obj)
	}
	return s, nil
}

// ForExt 根据文件扩展名选择序列化器
func ForExt[T any](ext string) (Serializer[T, []byte], error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "json":
		return NewJSONSerializer[T](), nil
	case "yaml", "yml":
		return NewYAMLSerializer[T](), nil
	case "bson":
		return NewBSONSerializer[T](), nil
	case "msgpack":
		return NewMsgPackSerializer[T](), nil
	}
	return nil, errors.Errorf("no serializer for extension %q", ext)
}
