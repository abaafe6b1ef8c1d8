package database

import (
	"fmt"
	"log/slog"
	"time"

	"tradeboard/internal/config"
	"tradeboard/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 按 database.driver 选择方言，建立连接池并迁移表结构
func InitDB(cfg *config.Config, log *slog.Logger) (*gorm.DB, error) {
	var (
		dialector    gorm.Dialector
		maxOpenConns int
		maxIdleConns int
	)

	switch cfg.Database.Driver {
	case "mysql":
		dialector = mysql.Open(MySQLDSN(&cfg.MySQL))
		maxOpenConns, maxIdleConns = cfg.MySQL.MaxOpenConns, cfg.MySQL.MaxIdleConns
	case "postgres":
		dialector = postgres.Open(PostgresDSN(&cfg.Postgres))
		maxOpenConns, maxIdleConns = cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(LogLevel(cfg.Database.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("数据库连接成功", slog.String("driver", cfg.Database.Driver))
	return db, nil
}

// Migrate 自动迁移表结构，测试里对 sqlite 也走这里
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return nil
}

func MySQLDSN(cfg *config.MySQLConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)
}

func PostgresDSN(cfg *config.PostgresConfig) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Host,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.Port,
		cfg.SSLMode,
		cfg.TimeZone,
	)
}

// LogLevel 把配置里的字符串映射成 gorm 日志级别，未知值按 warn 处理
func LogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
