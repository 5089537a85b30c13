package registry

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormRepo 把一种记录保存在一张 SQL 表中
type GormRepo[T Record[T]] struct {
	db *gorm.DB
}

// NewGormRepo 自动迁移 T 对应的表
func NewGormRepo[T Record[T]](db *gorm.DB) (*GormRepo[T], error) {
	if err := db.AutoMigrate(new(T)); err != nil {
		return nil, fmt.Errorf("migrate %T: %w", *new(T), err)
	}
	return &GormRepo[T]{db: db}, nil
}

// NewSQLite 打开 (或创建) sqlite 文件作为注册表
func NewSQLite(_ context.Context, dsn string) (*Registry, error) {
	if dsn == "" {
		dsn = "homegate.db"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	return NewGorm(db)
}

// NewGorm 在已有连接上创建注册表
func NewGorm(db *gorm.DB) (*Registry, error) {
	var (
		r   = &Registry{}
		err error
	)
	if r.Plugins, err = NewGormRepo[PluginDescriptor](db); err != nil {
		return nil, err
	}
	if r.Devices, err = NewGormRepo[DeviceConfig](db); err != nil {
		return nil, err
	}
	if r.Controllers, err = NewGormRepo[ControllerConfig](db); err != nil {
		return nil, err
	}
	if r.Scripts, err = NewGormRepo[ScriptDescriptor](db); err != nil {
		return nil, err
	}
	if r.Rules, err = NewGormRepo[RuleDescriptor](db); err != nil {
		return nil, err
	}
	if r.Advanced, err = NewGormRepo[Advanced](db); err != nil {
		return nil, err
	}
	if r.Stores, err = NewGormRepo[PluginStore](db); err != nil {
		return nil, err
	}
	r.closer = func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return r, nil
}

func (g *GormRepo[T]) List(ctx context.Context) ([]T, error) {
	var out []T
	if err := g.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return plainAll(out), nil
}

func (g *GormRepo[T]) ListEnabled(ctx context.Context) ([]T, error) {
	all, err := g.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterEnabled(all), nil
}

func (g *GormRepo[T]) Get(ctx context.Context, id int) (T, error) {
	var rec T
	err := g.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("get %d: %w", id, err)
	}
	return plain(rec), nil
}

func (g *GormRepo[T]) Create(ctx context.Context, rec T) (T, error) {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var all []T
		if err := tx.Order("id").Find(&all).Error; err != nil {
			return err
		}
		if rec.Key() == 0 {
			rec = rec.WithKey(nextKey(all))
		}
		for _, other := range all {
			if other.Key() == rec.Key() {
				return fmt.Errorf("id %d: %w", rec.Key(), ErrDuplicate)
			}
		}
		if labelTaken(all, rec) {
			return fmt.Errorf("name %q: %w", rec.Label(), ErrDuplicate)
		}
		return tx.Create(&rec).Error
	})
	return plain(rec), err
}

func (g *GormRepo[T]) UpdateFields(ctx context.Context, id int, fields map[string]interface{}) (T, error) {
	var patched T
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec T
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("id %d: %w", id, ErrNotFound)
			}
			return err
		}
		var err error
		if patched, err = Patch(rec, fields); err != nil {
			return err
		}
		if patched.Label() != "" {
			var all []T
			if err := tx.Find(&all).Error; err != nil {
				return err
			}
			if labelTaken(all, patched) {
				return fmt.Errorf("name %q: %w", patched.Label(), ErrDuplicate)
			}
		}
		return tx.Save(&patched).Error
	})
	return plain(patched), err
}

func (g *GormRepo[T]) Delete(ctx context.Context, id int) error {
	res := g.db.WithContext(ctx).Delete(new(T), "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return nil
}
