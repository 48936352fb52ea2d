package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hatlonely/settings/ref"
	"github.com/hatlonely/settings/serializer"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisStoreOptions struct {
	// host:port 地址
	Endpoint string `cfg:"endpoint"`

	// 集群节点的 host:port 地址列表，集群模式下只能轮询
	Endpoints []string `cfg:"endpoints"`

	Username string `cfg:"username"`
	Password string `cfg:"password"`
	DB       int    `cfg:"db" def:"0"`

	// 文档保存在 KeyPrefix+id
	KeyPrefix string `cfg:"keyPrefix" def:"settings:"`

	// 写入后把 id 发布到该频道
	Channel string `cfg:"channel" def:"settings:changes"`

	// 关闭后只能轮询
	DisableChangeFeed bool `cfg:"disableChangeFeed"`

	// 值的序列化选项，默认 JSON
	Serializer *ref.TypeOptions `cfg:"serializer"`

	MaxRetries   int           `cfg:"maxRetries" def:"3"`
	DialTimeout  time.Duration `cfg:"dialTimeout" def:"5s"`
	ReadTimeout  time.Duration `cfg:"readTimeout" def:"3s"`
	WriteTimeout time.Duration `cfg:"writeTimeout" def:"3s"`
	PoolSize     int           `cfg:"poolSize" def:"10"`
}

// RedisStore 文档序列化后保存为字符串，变更通过 pub/sub 通知
// 只有经过 Save/Delete 的写入会发布通知
type RedisStore[T any] struct {
	client     redis.UniversalClient
	serializer serializer.Serializer[T, []byte]
	keyPrefix  string
	channel    string
	changeFeed bool
	closed     atomic.Bool
}

func NewRedisStoreWithOptions[T any](options *RedisStoreOptions) (*RedisStore[T], error) {
	if options == nil {
		return nil, errors.New("redis store options is nil")
	}

	valSerializer, err := serializer.NewByteSerializerWithOptions[T](options.Serializer)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create serializer")
	}

	var client redis.UniversalClient
	clustered := false
	if options.Endpoint != "" {
		client = redis.NewClient(&redis.Options{
			Addr:         options.Endpoint,
			Username:     options.Username,
			Password:     options.Password,
			DB:           options.DB,
			MaxRetries:   options.MaxRetries,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
			PoolSize:     options.PoolSize,
		})
	} else if len(options.Endpoints) > 0 {
		clustered = true
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        options.Endpoints,
			Username:     options.Username,
			Password:     options.Password,
			MaxRetries:   options.MaxRetries,
			DialTimeout:  options.DialTimeout,
			ReadTimeout:  options.ReadTimeout,
			WriteTimeout: options.WriteTimeout,
			PoolSize:     options.PoolSize,
		})
	} else {
		return nil, errors.New("Endpoint or Endpoints must be set")
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithMessage(err, "redis.client.Ping failed")
	}

	return &RedisStore[T]{
		client:     client,
		serializer: valSerializer,
		keyPrefix:  options.KeyPrefix,
		channel:    options.Channel,
		changeFeed: !options.DisableChangeFeed && !clustered,
	}, nil
}

func (s *RedisStore[T]) key(id string) string {
	return s.keyPrefix + id
}

func (s *RedisStore[T]) Find(ctx context.Context, id string) (*T, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(err, "get")
	}

	doc, err := s.serializer.Deserialize(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to deserialize %s", s.key(id))
	}
	return &doc, nil
}

func (s *RedisStore[T]) SupportsChangeFeed(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, s.classify(err, "ping")
	}
	return s.changeFeed, nil
}

func (s *RedisStore[T]) Watch(ctx context.Context, id string) (ChangeFeed[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !s.changeFeed {
		return nil, ErrChangeFeedUnsupported
	}

	pubsub := s.client.Subscribe(ctx, s.channel)
	// 等待订阅确认，之后发布的通知都不会丢
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, s.classify(err, "subscribe")
	}
	return &redisFeed[T]{store: s, pubsub: pubsub, messages: pubsub.Channel(), id: id}, nil
}

func (s *RedisStore[T]) Save(ctx context.Context, id string, doc *T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if doc == nil {
		return s.Delete(ctx, id)
	}

	data, err := s.serializer.Serialize(*doc)
	if err != nil {
		return errors.WithMessage(err, "failed to serialize document")
	}
	if err := s.client.Set(ctx, s.key(id), data, 0).Err(); err != nil {
		return s.classify(err, "set")
	}
	return s.notify(ctx, id)
}

func (s *RedisStore[T]) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return s.classify(err, "del")
	}
	return s.notify(ctx, id)
}

func (s *RedisStore[T]) notify(ctx context.Context, id string) error {
	if !s.changeFeed {
		return nil
	}
	if err := s.client.Publish(ctx, s.channel, id).Err(); err != nil {
		return s.classify(err, "publish")
	}
	return nil
}

func (s *RedisStore[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore[T]) classify(err error, op string) error {
	if s.closed.Load() || errors.Is(err, redis.ErrClosed) {
		return errors.WithMessage(ErrClosed, err.Error())
	}
	return Unavailable(err, "redis "+op)
}

// redisFeed 把频道中属于 id 的通知转换成变更，文档内容在收到通知后读取
// 连接断开时 go-redis 会自动重新订阅
type redisFeed[T any] struct {
	store    *RedisStore[T]
	pubsub   *redis.PubSub
	messages <-chan *redis.Message
	id       string
	batch    []Change[T]
	err      error
}

func (f *redisFeed[T]) Next(ctx context.Context) bool {
	f.batch = nil
	for {
		var msg *redis.Message
		select {
		case <-ctx.Done():
			f.err = ctx.Err()
			return false
		case m, ok := <-f.messages:
			if !ok {
				if f.store.closed.Load() {
					f.err = ErrClosed
				}
				return false
			}
			msg = m
		}
		if msg.Payload != f.id {
			continue
		}

		doc, err := f.store.Find(ctx, f.id)
		if err != nil {
			f.err = err
			return false
		}
		f.batch = []Change[T]{{ID: f.id, Document: doc}}
		return true
	}
}

func (f *redisFeed[T]) Batch() []Change[T] {
	return f.batch
}

func (f *redisFeed[T]) Err() error {
	return f.err
}

func (f *redisFeed[T]) Close(ctx context.Context) error {
	return f.pubsub.Close()
}
