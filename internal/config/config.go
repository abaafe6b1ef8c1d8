package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release / test
}

// DatabaseConfig 选择数据库方言
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // mysql / postgres
	LogLevel string `mapstructure:"log_level"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	TimeZone     string `mapstructure:"time_zone"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	ListingEvent string `mapstructure:"listing_event"`
	LedgerEvent  string `mapstructure:"ledger_event"`
	UserEvent    string `mapstructure:"user_event"`
}

// JWTConfig 只用于校验令牌，签发不在本服务
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// BusinessConfig 积分与交易信息的业务参数
type BusinessConfig struct {
	PublishCost         int64   `mapstructure:"publish_cost"`
	ViewCost            int64   `mapstructure:"view_cost"`
	ViewLimit           int     `mapstructure:"view_limit"`
	PostTTLHours        int     `mapstructure:"post_ttl_hours"`
	SignupBonus         int64   `mapstructure:"signup_bonus"`
	InviteBonus         int64   `mapstructure:"invite_bonus"`
	MaxPrice            float64 `mapstructure:"max_price"`
	MaxPageSize         int     `mapstructure:"max_page_size"`
	DefaultPageSize     int     `mapstructure:"default_page_size"`
	FeedCacheTTLSeconds int     `mapstructure:"feed_cache_ttl_seconds"`
	FeedCacheSize       int     `mapstructure:"feed_cache_size"`
	ExpirySweepEnabled  bool    `mapstructure:"expiry_sweep_enabled"`
	ExpirySweepSeconds  int     `mapstructure:"expiry_sweep_seconds"`
	ReconcileSeconds    int     `mapstructure:"reconcile_seconds"`
	OutboxMaxRetry      int     `mapstructure:"outbox_max_retry"`
	LockTimeoutSeconds  int     `mapstructure:"lock_timeout_seconds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "tradeboard")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "tradeboard")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.time_zone", "Asia/Shanghai")
	v.SetDefault("postgres.max_open_conns", 50)
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.listing_event", "tradeboard.listing")
	v.SetDefault("kafka.topic.ledger_event", "tradeboard.ledger")
	v.SetDefault("kafka.topic.user_event", "tradeboard.user")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "tradeboard")

	d := DefaultBusiness()
	v.SetDefault("business.publish_cost", d.PublishCost)
	v.SetDefault("business.view_cost", d.ViewCost)
	v.SetDefault("business.view_limit", d.ViewLimit)
	v.SetDefault("business.post_ttl_hours", d.PostTTLHours)
	v.SetDefault("business.signup_bonus", d.SignupBonus)
	v.SetDefault("business.invite_bonus", d.InviteBonus)
	v.SetDefault("business.max_price", d.MaxPrice)
	v.SetDefault("business.max_page_size", d.MaxPageSize)
	v.SetDefault("business.default_page_size", d.DefaultPageSize)
	v.SetDefault("business.feed_cache_ttl_seconds", d.FeedCacheTTLSeconds)
	v.SetDefault("business.feed_cache_size", d.FeedCacheSize)
	v.SetDefault("business.expiry_sweep_enabled", d.ExpirySweepEnabled)
	v.SetDefault("business.expiry_sweep_seconds", d.ExpirySweepSeconds)
	v.SetDefault("business.reconcile_seconds", d.ReconcileSeconds)
	v.SetDefault("business.outbox_max_retry", d.OutboxMaxRetry)
	v.SetDefault("business.lock_timeout_seconds", d.LockTimeoutSeconds)
}

// DefaultBusiness 返回线上默认的业务参数，测试里也直接使用
func DefaultBusiness() BusinessConfig {
	return BusinessConfig{
		PublishCost:         10,
		ViewCost:            1,
		ViewLimit:           10,
		PostTTLHours:        72,
		SignupBonus:         100,
		InviteBonus:         0,
		MaxPrice:            1000000,
		MaxPageSize:         100,
		DefaultPageSize:     20,
		FeedCacheTTLSeconds: 5,
		FeedCacheSize:       256,
		ExpirySweepEnabled:  false,
		ExpirySweepSeconds:  60,
		ReconcileSeconds:    600,
		OutboxMaxRetry:      5,
		LockTimeoutSeconds:  10,
	}
}

// LoadConfig 加载配置文件，环境变量优先（mysql.host -> MYSQL_HOST）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验关键参数
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret 不能为空")
	}
	return c.Business.Validate()
}

// Validate 校验业务参数
func (b BusinessConfig) Validate() error {
	if b.PublishCost <= 0 || b.ViewCost <= 0 {
		return errors.New("business.publish_cost / view_cost 必须大于0")
	}
	if b.ViewLimit <= 0 {
		return errors.New("business.view_limit 必须大于0")
	}
	if b.PostTTLHours <= 0 {
		return errors.New("business.post_ttl_hours 必须大于0")
	}
	if b.SignupBonus < 0 || b.InviteBonus < 0 {
		return errors.New("business.signup_bonus / invite_bonus 不能为负数")
	}
	if b.MaxPrice <= 0 {
		return errors.New("business.max_price 必须大于0")
	}
	if b.MaxPageSize <= 0 || b.DefaultPageSize <= 0 || b.DefaultPageSize > b.MaxPageSize {
		return errors.New("business.max_page_size / default_page_size 配置不合法")
	}
	if b.OutboxMaxRetry <= 0 {
		return errors.New("business.outbox_max_retry 必须大于0")
	}
	return nil
}
