package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hatlonely/settings/ref"
	"github.com/hatlonely/settings/serializer"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormStoreOptions struct {
	// 数据库驱动：sqlite, mysql
	Driver string `cfg:"driver" def:"sqlite" validate:"oneof=sqlite mysql"`
	DSN    string `cfg:"dsn" validate:"required"`
	Table  string `cfg:"table" def:"settings"`

	// 内容的序列化选项，默认 JSON
	Serializer *ref.TypeOptions `cfg:"serializer"`

	MaxOpenConns    int           `cfg:"maxOpenConns" def:"10"`
	ConnMaxLifetime time.Duration `cfg:"connMaxLifetime" def:"1h"`
}

// settingsRecord 每行保存一个设置文档
type settingsRecord struct {
	ID        string    `gorm:"primaryKey;column:id;size:255"`
	Content   []byte    `gorm:"not null;column:content"`
	Revision  int64     `gorm:"column:revision;not null;default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;column:updated_at"`
}

// GormStore 关系数据库存储，没有变更流，只能轮询
type GormStore[T any] struct {
	db         *gorm.DB
	table      string
	serializer serializer.Serializer[T, []byte]
	closed     atomic.Bool
}

func NewGormStoreWithOptions[T any](options *GormStoreOptions) (*GormStore[T], error) {
	if options == nil {
		return nil, errors.New("gorm store options is nil")
	}

	var dialector gorm.Dialector
	switch options.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(options.DSN)
	case "mysql":
		dialector = mysql.Open(options.DSN)
	default:
		return nil, errors.Errorf("unsupported database driver: %s", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "gorm.Open failed")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "gorm.DB failed")
	}
	if options.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(options.MaxOpenConns)
	}
	if options.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(options.ConnMaxLifetime)
	}

	return NewGormStore[T](db, options.Table, options.Serializer)
}

// NewGormStore 使用已有的连接创建存储，表不存在时自动创建
func NewGormStore[T any](db *gorm.DB, table string, serializerOptions *ref.TypeOptions) (*GormStore[T], error) {
	if table == "" {
		table = "settings"
	}

	valSerializer, err := serializer.NewByteSerializerWithOptions[T](serializerOptions)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create serializer")
	}

	if err := db.Table(table).AutoMigrate(&settingsRecord{}); err != nil {
		return nil, errors.Wrapf(err, "failed to migrate table %s", table)
	}

	return &GormStore[T]{
		db:         db,
		table:      table,
		serializer: valSerializer,
	}, nil
}

func (s *GormStore[T]) Find(ctx context.Context, id string) (*T, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var record settingsRecord
	err := s.db.WithContext(ctx).Table(s.table).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Unavailable(err, "gorm find")
	}

	doc, err := s.serializer.Deserialize(record.Content)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to deserialize settings %s", id)
	}
	return &doc, nil
}

func (s *GormStore[T]) SupportsChangeFeed(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return false, nil
}

func (s *GormStore[T]) Watch(ctx context.Context, id string) (ChangeFeed[T], error) {
	return nil, ErrChangeFeedUnsupported
}

func (s *GormStore[T]) Save(ctx context.Context, id string, doc *T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if doc == nil {
		return s.Delete(ctx, id)
	}

	content, err := s.serializer.Serialize(*doc)
	if err != nil {
		return errors.WithMessage(err, "failed to serialize document")
	}

	record := settingsRecord{
		ID:       id,
		Content:  content,
		Revision: revisionOf(doc),
	}
	err = s.db.WithContext(ctx).Table(s.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "revision", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return Unavailable(err, "gorm save")
	}
	return nil
}

func (s *GormStore[T]) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.db.WithContext(ctx).Table(s.table).Where("id = ?", id).Delete(&settingsRecord{}).Error; err != nil {
		return Unavailable(err, "gorm delete")
	}
	return nil
}

func (s *GormStore[T]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "gorm.DB failed")
	}
	return sqlDB.Close()
}
