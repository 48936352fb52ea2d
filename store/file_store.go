package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/hatlonely/settings/log"
	"github.com/hatlonely/settings/log/logger"
	"github.com/hatlonely/settings/ref"
	"github.com/hatlonely/settings/serializer"
	"github.com/pkg/errors"
)

type FileStoreOptions struct {
	// 文档目录，每个文档一个文件 <directory>/<id>.<extension>
	Directory string `cfg:"directory" validate:"required"`
	// 文件扩展名，同时决定序列化格式：json, yaml, yml
	Extension string `cfg:"extension" def:"json" validate:"omitempty,oneof=json yaml yml"`
	// 关闭后不监听文件变化，只能轮询
	DisableChangeFeed bool             `cfg:"disableChangeFeed"`
	Logger            *ref.TypeOptions `cfg:"logger"`
}

// FileStore 文件存储，变更流基于 fsnotify 监听目录
type FileStore[T any] struct {
	directory  string
	extension  string
	serializer serializer.Serializer[T, []byte]
	changeFeed bool
	closed     atomic.Bool
	logger     logger.Logger
}

func NewFileStoreWithOptions[T any](options *FileStoreOptions) (*FileStore[T], error) {
	if options == nil || options.Directory == "" {
		return nil, errors.New("directory is required")
	}

	l, err := log.NewLoggerWithOptions(options.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create logger")
	}

	extension := strings.TrimPrefix(options.Extension, ".")
	if extension == "" {
		extension = "json"
	}
	valSerializer, err := serializer.ForExt[T](extension)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(options.Directory, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %s", options.Directory)
	}

	return &FileStore[T]{
		directory:  options.Directory,
		extension:  extension,
		serializer: valSerializer,
		changeFeed: !options.DisableChangeFeed,
		logger:     l.WithGroup("fileStore").With("directory", options.Directory),
	}, nil
}

// ErrInvalidID id 不能作为文件名
var ErrInvalidID = errors.New("invalid settings id")

// path id 必须是单个文件名，不能包含路径分隔符或 ".."
func (s *FileStore[T]) path(id string) (string, error) {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return "", errors.WithMessagef(ErrInvalidID, "%q", id)
	}
	return filepath.Join(s.directory, id+"."+s.extension), nil
}

func (s *FileStore[T]) Find(ctx context.Context, id string) (*T, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Unavailable(err, "file read")
	}

	doc, err := s.serializer.Deserialize(data)
	if err != nil {
		// 写入过程中可能读到不完整的内容，按暂时不可用处理
		return nil, Unavailable(err, "file decode")
	}
	return &doc, nil
}

func (s *FileStore[T]) SupportsChangeFeed(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if _, err := os.Stat(s.directory); err != nil {
		return false, Unavailable(err, "file stat")
	}
	return s.changeFeed, nil
}

func (s *FileStore[T]) Watch(ctx context.Context, id string) (ChangeFeed[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !s.changeFeed {
		return nil, ErrChangeFeedUnsupported
	}

	target, err := s.path(id)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, Unavailable(err, "fsnotify.NewWatcher")
	}
	if err := watcher.Add(s.directory); err != nil {
		_ = watcher.Close()
		return nil, Unavailable(err, "watcher.Add")
	}

	return &fileFeed[T]{
		store:   s,
		watcher: watcher,
		id:      id,
		target:  target,
	}, nil
}

// Save 先写临时文件再重命名，监听方不会读到写了一半的文件
func (s *FileStore[T]) Save(ctx context.Context, id string, doc *T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if doc == nil {
		return s.Delete(ctx, id)
	}

	path, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := s.serializer.Serialize(*doc)
	if err != nil {
		return errors.WithMessage(err, "failed to serialize document")
	}

	tmp, err := os.CreateTemp(s.directory, "."+id+".*.tmp")
	if err != nil {
		return Unavailable(err, "file create")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Unavailable(err, "file write")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Unavailable(err, "file close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return Unavailable(err, "file rename")
	}
	return nil
}

func (s *FileStore[T]) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Unavailable(err, "file remove")
	}
	return nil
}

func (s *FileStore[T]) Close() error {
	s.closed.Store(true)
	return nil
}

type fileFeed[T any] struct {
	store   *FileStore[T]
	watcher *fsnotify.Watcher
	id      string
	target  string
	batch   []Change[T]
	err     error
}

func (f *fileFeed[T]) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != f.target {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}

// Next 等到目标文件发生变化，把排队的事件合并成一次读取
func (f *fileFeed[T]) Next(ctx context.Context) bool {
	f.batch = nil
	for {
		select {
		case <-ctx.Done():
			f.err = ctx.Err()
			return false
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return false
			}
			f.err = Unavailable(err, "fsnotify")
			return false
		case event, ok := <-f.watcher.Events:
			if !ok {
				return false
			}
			if !f.relevant(event) {
				continue
			}
			f.store.logger.Debug("file changed", "file", event.Name, "op", event.Op.String())
			f.drain()

			doc, err := f.store.Find(ctx, f.id)
			if err != nil {
				f.err = err
				return false
			}
			f.batch = []Change[T]{{ID: f.id, Document: doc}}
			return true
		}
	}
}

func (f *fileFeed[T]) drain() {
	for {
		select {
		case _, ok := <-f.watcher.Events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (f *fileFeed[T]) Batch() []Change[T] {
	return f.batch
}

func (f *fileFeed[T]) Err() error {
	return f.err
}

func (f *fileFeed[T]) Close(ctx context.Context) error {
	return f.watcher.Close()
}
