package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type MongoStoreOptions struct {
	URI         string        `cfg:"uri"`
	Host        string        `cfg:"host" def:"localhost"`
	Port        int           `cfg:"port" def:"27017"`
	Database    string        `cfg:"database" validate:"required"`
	Collection  string        `cfg:"collection" def:"settings"`
	Username    string        `cfg:"username"`
	Password    string        `cfg:"password"`
	AuthSource  string        `cfg:"authSource" def:"admin"`
	Timeout     time.Duration `cfg:"timeout" def:"30s"`
	MaxPoolSize uint64        `cfg:"maxPoolSize" def:"100"`
	MinPoolSize uint64        `cfg:"minPoolSize" def:"0"`
}

// MongoStore 文档存放在一个集合中，_id 为设置 id
// 副本集和分片集群通过 change stream 推送变更，单机部署只能轮询
type MongoStore[T any] struct {
	client     *mongo.Client
	database   *mongo.Database
	collection *mongo.Collection
	closed     atomic.Bool
}

func NewMongoStoreWithOptions[T any](opts *MongoStoreOptions) (*MongoStore[T], error) {
	if opts == nil {
		return nil, errors.New("mongo store options is nil")
	}

	uri := opts.URI
	if uri == "" {
		if opts.Username != "" && opts.Password != "" {
			uri = fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=%s",
				opts.Username, opts.Password, opts.Host, opts.Port,
				opts.Database, opts.AuthSource)
		} else {
			uri = fmt.Sprintf("mongodb://%s:%d/%s", opts.Host, opts.Port, opts.Database)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetMaxPoolSize(opts.MaxPoolSize)
	clientOptions.SetMinPoolSize(opts.MinPoolSize)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Wrap(err, "mongo.Connect failed")
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo.client.Ping failed")
	}

	return NewMongoStore[T](client, opts.Database, opts.Collection), nil
}

// NewMongoStore 使用已有的连接创建存储，Close 会断开该连接
func NewMongoStore[T any](client *mongo.Client, database string, collection string) *MongoStore[T] {
	if collection == "" {
		collection = "settings"
	}
	db := client.Database(database)
	return &MongoStore[T]{
		client:     client,
		database:   db,
		collection: db.Collection(collection),
	}
}

func (s *MongoStore[T]) Find(ctx context.Context, id string) (*T, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var doc T
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify(err, "find")
	}
	return &doc, nil
}

// helloReply hello 命令中用来判断拓扑的字段
type helloReply struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

// supportsChangeStreams 副本集成员带 setName，mongos 返回 msg=isdbgrid
func supportsChangeStreams(reply helloReply) bool {
	return reply.SetName != "" || reply.Msg == "isdbgrid"
}

func (s *MongoStore[T]) SupportsChangeFeed(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	var reply helloReply
	if err := s.database.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply); err != nil {
		return false, s.classify(err, "hello")
	}
	return supportsChangeStreams(reply), nil
}

// changeStreamPipeline 只保留 id 对应文档的变更
func changeStreamPipeline(id string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: id},
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}}}},
		}}},
	}
}

func (s *MongoStore[T]) Watch(ctx context.Context, id string) (ChangeFeed[T], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.collection.Watch(ctx, changeStreamPipeline(id), opts)
	if err != nil {
		return nil, s.classify(err, "watch")
	}
	return &mongoFeed[T]{stream: stream, store: s}, nil
}

// Save 整体替换文档，不存在时插入
func (s *MongoStore[T]) Save(ctx context.Context, id string, doc *T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if doc == nil {
		return s.Delete(ctx, id)
	}

	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return s.classify(err, "save")
	}
	return nil
}

func (s *MongoStore[T]) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return s.classify(err, "delete")
	}
	return nil
}

func (s *MongoStore[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Wrap(s.client.Disconnect(ctx), "mongo.client.Disconnect failed")
}

func (s *MongoStore[T]) classify(err error, op string) error {
	if s.closed.Load() || errors.Is(err, mongo.ErrClientDisconnected) {
		return errors.WithMessage(ErrClosed, err.Error())
	}
	return Unavailable(err, "mongo "+op)
}

type changeEvent[T any] struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *T `bson:"fullDocument"`
}

type mongoFeed[T any] struct {
	stream *mongo.ChangeStream
	store  *MongoStore[T]
	batch  []Change[T]
	err    error
}

// Next 读取一个事件，然后把服务端同一批次中剩余的事件一并取出
func (f *mongoFeed[T]) Next(ctx context.Context) bool {
	f.batch = nil
	if !f.stream.Next(ctx) {
		f.setErr(ctx)
		return false
	}
	if !f.appendCurrent() {
		return false
	}
	for f.stream.RemainingBatchLength() > 0 && f.stream.TryNext(ctx) {
		if !f.appendCurrent() {
			return false
		}
	}
	return true
}

func (f *mongoFeed[T]) appendCurrent() bool {
	var event changeEvent[T]
	if err := f.stream.Decode(&event); err != nil {
		f.err = errors.Wrap(err, "decode change event failed")
		f.batch = nil
		return false
	}
	f.batch = append(f.batch, Change[T]{ID: event.DocumentKey.ID, Document: event.FullDocument})
	return true
}

func (f *mongoFeed[T]) setErr(ctx context.Context) {
	if err := f.stream.Err(); err != nil {
		f.err = f.store.classify(err, "change stream")
		return
	}
	if ctx.Err() != nil {
		f.err = ctx.Err()
	}
}

func (f *mongoFeed[T]) Batch() []Change[T] {
	return f.batch
}

func (f *mongoFeed[T]) Err() error {
	return f.err
}

func (f *mongoFeed[T]) Close(ctx context.Context) error {
	return f.stream.Close(ctx)
}
