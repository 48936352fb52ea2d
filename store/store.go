// Package store 定义被监听的设置文档所在的存储：按 id 点查、按 id 过滤的变更流以及拓扑探测，
// 并提供 mongo、redis、gorm、文件和内存几种实现
package store

import (
	"context"
	"strings"

	"github.com/hatlonely/settings/ref"
	"github.com/pkg/errors"
)

var (
	// ErrStoreUnavailable 暂时不可用（网络、超时等），调用方可以稍后重试
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrClosed 存储已经关闭，不可恢复
	ErrClosed = errors.New("store closed")
	// ErrChangeFeedUnsupported 当前部署不支持变更流
	ErrChangeFeedUnsupported = errors.New("change feed unsupported")
)

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return e.op + ": " + ErrStoreUnavailable.Error() + ": " + e.err.Error()
}

func (e *unavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *unavailableError) Unwrap() error {
	return e.err
}

// Unavailable 把底层错误标记为 ErrStoreUnavailable，保留原始错误
// 上下文取消不做标记，原样返回
func Unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &unavailableError{op: op, err: err}
}

// Change 变更流中的一条记录，Document 为 nil 表示删除或没有携带完整文档
type Change[T any] struct {
	ID       string
	Document *T
}

// ChangeFeed 按 id 过滤的变更流
type ChangeFeed[T any] interface {
	// Next 阻塞直到下一批变更到达，流结束、出错或 ctx 取消时返回 false
	Next(ctx context.Context) bool
	// Batch 返回最近一次 Next 得到的变更
	Batch() []Change[T]
	// Err 返回导致流结束的错误，正常结束为 nil
	Err() error
	Close(ctx context.Context) error
}

type Store[T any] interface {
	// Find 按 id 点查，文档不存在时返回 (nil, nil)
	Find(ctx context.Context, id string) (*T, error)
	// SupportsChangeFeed 探测当前部署是否支持变更流
	SupportsChangeFeed(ctx context.Context) (bool, error)
	// Watch 打开 id 对应文档的变更流，打开成功后的写入都会出现在流中
	Watch(ctx context.Context, id string) (ChangeFeed[T], error)
	Close() error
}

// Writer 写入文档，用于工具和测试，监听器本身不写
type Writer[T any] interface {
	Save(ctx context.Context, id string, doc *T) error
	Delete(ctx context.Context, id string) error
}

// Revisioned 带修订号的文档，修订号单调递增
type Revisioned interface {
	Revision() int64
}

// Identified 能够给出自身 id 的文档
type Identified interface {
	SettingsID() string
}

// Settings 设置文档的公共字段，业务文档通过内嵌获得 id 和修订号
type Settings struct {
	ID         string `bson:"_id" json:"id" yaml:"id" msgpack:"id"`
	LastUpdate int64  `bson:"lastUpdate" json:"lastUpdate" yaml:"lastUpdate" msgpack:"lastUpdate"`
}

func (s Settings) SettingsID() string {
	return s.ID
}

func (s Settings) Revision() int64 {
	return s.LastUpdate
}

// Document 结构未知的文档，命令行工具使用
type Document map[string]any

func (d Document) SettingsID() string {
	for _, key := range []string{"_id", "id"} {
		if id, ok := d[key].(string); ok {
			return id
		}
	}
	return ""
}

func (d Document) Revision() int64 {
	switch v := d["lastUpdate"].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func revisionOf(doc any) int64 {
	if r, ok := doc.(Revisioned); ok {
		return r.Revision()
	}
	return 0
}

// NewStoreWithOptions 根据配置创建存储
// Namespace 为空时使用本包，Type 可以省略泛型参数，例如 "MongoStore"
func NewStoreWithOptions[T any](options *ref.TypeOptions) (Store[T], error) {
	if options == nil {
		return nil, errors.New("store options is nil")
	}

	ref.RegisterT[*MapStore[T]](NewMapStoreWithOptions[T])
	ref.RegisterT[*MongoStore[T]](NewMongoStoreWithOptions[T])
	ref.RegisterT[*RedisStore[T]](NewRedisStoreWithOptions[T])
	ref.RegisterT[*GormStore[T]](NewGormStoreWithOptions[T])
	ref.RegisterT[*FileStore[T]](NewFileStoreWithOptions[T])
	ref.RegisterT[*ObservableStore[T]](NewObservableStoreWithOptions[T])

	namespace, typ, err := ref.TypeName[*MapStore[T]]()
	if err != nil {
		return nil, errors.WithMessage(err, "ref.TypeName failed")
	}

	actual := *options
	if actual.Namespace == "" {
		actual.Namespace = namespace
	}
	if actual.Namespace == namespace && !strings.Contains(actual.Type, "[") {
		actual.Type += typ[strings.IndexByte(typ, '['):]
	}

	obj, err := ref.NewWithOptions(&actual)
	if err != nil {
		return nil, errors.WithMessage(err, "ref.NewWithOptions failed")
	}
	if obj == nil {
		return nil, errors.New("store is nil")
	}
	s, ok := obj.(Store[T])
	if !ok {
		return nil, errors.Errorf("%T is not a Store", obj)
	}
	return s, nil
}
