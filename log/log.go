// Package log 提供默认日志器以及从配置创建日志器的入口
package log

import (
	"github.com/hatlonely/settings/log/logger"
	"github.com/hatlonely/settings/ref"
	"github.com/pkg/errors"
)

var defaultLogger logger.Logger

func init() {
	// 默认 SLog 实例，向终端输出 text 格式日志
	slog, err := logger.NewSLogWithOptions(&logger.SLogOptions{
		Level:  "info",
		Format: "text",
	})
	if err != nil {
		panic("failed to initialize default logger: " + err.Error())
	}
	defaultLogger = slog
}

func Default() logger.Logger {
	return defaultLogger
}

// NewLoggerWithOptions 根据 TypeOptions 创建日志器，options 为 nil 时返回默认日志器
// Namespace 和 Type 为空时按 SLog 处理
func NewLoggerWithOptions(options *ref.TypeOptions) (logger.Logger, error) {
	if options == nil {
		return Default(), nil
	}

	typeOptions := *options
	if typeOptions.Type == "" || typeOptions.Type == "SLog" {
		namespace, typ, err := ref.TypeName[*logger.SLog]()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to resolve SLog type name")
		}
		if typeOptions.Namespace == "" {
			typeOptions.Namespace = namespace
		}
		typeOptions.Type = typ
	}

	obj, err := ref.NewWithOptions(&typeOptions)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create logger")
	}

	l, ok := obj.(logger.Logger)
	if !ok {
		return nil, errors.Errorf("object %T does not implement logger.Logger", obj)
	}
	return l, nil
}
