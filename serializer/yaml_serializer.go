package serializer

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type YAMLSerializer[T any] struct{}

func NewYAMLSerializer[T any]() *YAMLSerializer[T] {
	return &YAMLSerializer[T]{}
}

func (s *YAMLSerializer[T]) Serialize(from T) ([]byte, error) {
	data, err := yaml.Marshal(from)
	if err != nil {
		return nil, errors.Wrap(err, "yaml.Marshal failed")
	}
	return data, nil
}

func (s *YAMLSerializer[T]) Deserialize(to []byte) (T, error) {
	var result T
	if err := yaml.Unmarshal(to, &result); err != nil {
		return result, errors.Wrap(err, "yaml.Unmarshal failed")
	}
	return result, nil
}
