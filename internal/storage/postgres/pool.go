package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB GORM 数据库封装
type DB struct {
	*gorm.DB
}

// DBConfig 数据库连接配置
type DBConfig struct {
	MaxOpenConns    int           // 最大打开连接数，默认 20
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 30分钟
	ConnMaxIdleTime time.Duration // 连接最大空闲时间，默认 5分钟
}

// DefaultDBConfig 返回默认数据库配置
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// NewDBWithConfig 使用指定配置创建数据库连接
func NewDBWithConfig(ctx context.Context, dsn string, cfg DBConfig) (*DB, error) {
	if err := validateDSN(dsn); err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// 获取底层 sql.DB 并配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	def := DefaultDBConfig()
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, def.MaxOpenConns))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, def.MaxIdleConns))
	sqlDB.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, def.ConnMaxLifetime))
	sqlDB.SetConnMaxIdleTime(orDefault(cfg.ConnMaxIdleTime, def.ConnMaxIdleTime))

	// 连通性检查
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SqlDB 返回底层 sql.DB（用于迁移与健康检查）
func (d *DB) SqlDB() (*sql.DB, error) {
	return d.DB.DB()
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
