package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/azhengyongqin/diagsync/sdk"
)

// Config 诊断服务配置
type Config struct {
	HTTP       HTTPConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	DBPool     DBPoolConfig
	Asynq      AsynqConfig
	Monitoring MonitoringConfig
	Auth       AuthConfig
	Push       PushConfig
	Worker     WorkerConfig
	Log        LogConfig
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr           string
	RateLimitRPS   float64 // 每个客户端 IP 的请求速率，0 表示不限流
	RateLimitBurst int
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// URL 返回 redis:// 形式的连接串
func (r RedisConfig) URL() string {
	addr := r.Addr
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		return addr
	}
	if r.Password != "" {
		return fmt.Sprintf("redis://:%s@%s/%d", r.Password, addr, r.DB)
	}
	return fmt.Sprintf("redis://%s/%d", addr, r.DB)
}

// PostgresConfig PostgreSQL 配置，DSN 为空时使用内存存储
type PostgresConfig struct {
	DSN           string
	MigrationsDir string
}

// DBPoolConfig 数据库连接池配置
type DBPoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// AsynqConfig 诊断任务入队配置
type AsynqConfig struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Enabled bool
}

// AuthConfig 鉴权配置，Token 为空时不校验
type AuthConfig struct {
	Token string
}

// PushConfig 推送端点配置
type PushConfig struct {
	PingInterval   time.Duration
	StatusCacheTTL time.Duration
}

// WorkerConfig 模拟执行端配置
type WorkerConfig struct {
	Concurrency  int
	StepInterval time.Duration
	BaseURL      string // 上报地址，默认指向本机 HTTP 服务
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string
	Production bool
}

func newViper() *viper.Viper {
	v := viper.New()

	// 设置配置文件名和路径
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")

	// 允许从环境变量读取（优先级最高）
	v.AutomaticEnv()

	// 读取配置文件（如果存在）
	_ = v.ReadInConfig() // 忽略错误，因为可能只使用环境变量
	return v
}

// Load 加载服务端配置
func Load() (*Config, error) {
	v := newViper()
	cfg := &Config{}

	// HTTP 配置
	cfg.HTTP.Addr = v.GetString("HTTP_ADDR")
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":28080"
	}
	cfg.HTTP.RateLimitRPS = 50
	if v.IsSet("RATE_LIMIT_RPS") {
		cfg.HTTP.RateLimitRPS = v.GetFloat64("RATE_LIMIT_RPS")
	}
	cfg.HTTP.RateLimitBurst = v.GetInt("RATE_LIMIT_BURST")
	if cfg.HTTP.RateLimitBurst <= 0 {
		cfg.HTTP.RateLimitBurst = 100
	}

	// Redis 配置
	cfg.Redis.Addr = v.GetString("REDIS_ADDR")
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")

	// PostgreSQL 配置
	cfg.Postgres.DSN = v.GetString("POSTGRES_DSN")
	cfg.Postgres.MigrationsDir = v.GetString("MIGRATIONS_DIR") // 为空时使用内置迁移

	// 数据库连接池配置
	cfg.DBPool.MaxConns = int32(v.GetInt("DB_MAX_CONNS"))
	if cfg.DBPool.MaxConns == 0 {
		cfg.DBPool.MaxConns = 20
	}

	cfg.DBPool.MinConns = int32(v.GetInt("DB_MIN_CONNS"))
	if cfg.DBPool.MinConns == 0 {
		cfg.DBPool.MinConns = 5
	}

	cfg.DBPool.MaxConnLifetime = v.GetDuration("DB_MAX_CONN_LIFETIME")
	if cfg.DBPool.MaxConnLifetime == 0 {
		cfg.DBPool.MaxConnLifetime = 30 * time.Minute
	}

	cfg.DBPool.MaxConnIdleTime = v.GetDuration("DB_MAX_CONN_IDLE_TIME")
	if cfg.DBPool.MaxConnIdleTime == 0 {
		cfg.DBPool.MaxConnIdleTime = 5 * time.Minute
	}

	// Asynq 配置
	cfg.Asynq.Queue = v.GetString("DIAGNOSIS_QUEUE")
	if cfg.Asynq.Queue == "" {
		cfg.Asynq.Queue = "diagnosis"
	}
	cfg.Asynq.MaxRetry = v.GetInt("DIAGNOSIS_MAX_RETRY")
	cfg.Asynq.Timeout = v.GetDuration("DIAGNOSIS_TIMEOUT")
	if cfg.Asynq.Timeout == 0 {
		cfg.Asynq.Timeout = 10 * time.Minute
	}

	// 监控配置
	cfg.Monitoring.Enabled = true
	if v.IsSet("MONITORING_ENABLED") {
		cfg.Monitoring.Enabled = v.GetBool("MONITORING_ENABLED")
	}

	cfg.Auth.Token = v.GetString("API_TOKEN")

	// 推送配置
	cfg.Push.PingInterval = v.GetDuration("PUSH_PING_INTERVAL")
	if cfg.Push.PingInterval == 0 {
		cfg.Push.PingInterval = 20 * time.Second
	}
	cfg.Push.StatusCacheTTL = v.GetDuration("STATUS_CACHE_TTL")
	if cfg.Push.StatusCacheTTL == 0 {
		cfg.Push.StatusCacheTTL = 15 * time.Minute
	}

	// 执行端配置
	cfg.Worker.Concurrency = v.GetInt("WORKER_CONCURRENCY")
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	cfg.Worker.StepInterval = v.GetDuration("WORKER_STEP_INTERVAL")
	if cfg.Worker.StepInterval == 0 {
		cfg.Worker.StepInterval = 2 * time.Second
	}
	cfg.Worker.BaseURL = v.GetString("BASE_URL")
	if cfg.Worker.BaseURL == "" {
		cfg.Worker.BaseURL = "http://localhost" + cfg.HTTP.Addr
		if !strings.HasPrefix(cfg.HTTP.Addr, ":") {
			cfg.Worker.BaseURL = "http://" + cfg.HTTP.Addr
		}
	}

	// 日志配置
	cfg.Log.Level = v.GetString("LOG_LEVEL")
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Production = v.GetBool("LOG_PRODUCTION")

	return cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("HTTP address is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("Redis address is required")
	}
	if c.Push.PingInterval < time.Second {
		return fmt.Errorf("PUSH_PING_INTERVAL must be at least 1s")
	}
	return nil
}

// ClientConfig 命令行客户端配置
type ClientConfig struct {
	BaseURL      string
	Token        string
	PendingStore string // sqlite / redis / memory
	PendingPath  string
	ClientID     string
	RedisURL     string
	Sync         sdk.Config
}

// LoadClient 加载客户端配置，SYNC_* 覆盖同步参数
func LoadClient() (*ClientConfig, error) {
	v := newViper()
	cfg := &ClientConfig{}

	cfg.BaseURL = v.GetString("BASE_URL")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:28080"
	}
	cfg.Token = v.GetString("API_TOKEN")

	cfg.PendingStore = strings.ToLower(v.GetString("PENDING_STORE"))
	if cfg.PendingStore == "" {
		cfg.PendingStore = "sqlite"
	}
	cfg.PendingPath = v.GetString("PENDING_PATH")
	if cfg.PendingPath == "" {
		cfg.PendingPath = ".diagwatch.db"
	}
	cfg.ClientID = v.GetString("CLIENT_ID")
	if cfg.ClientID == "" {
		cfg.ClientID = "default"
	}
	cfg.RedisURL = v.GetString("REDIS_URL")

	s := sdk.DefaultConfig()
	setDuration(v, "SYNC_BASE_INTERVAL", &s.BaseInterval)
	setDuration(v, "SYNC_MAX_INTERVAL", &s.MaxInterval)
	setDuration(v, "SYNC_TIMEOUT", &s.Timeout)
	setInt(v, "SYNC_MAX_RETRIES", &s.MaxRetries)
	setInt(v, "SYNC_PROGRESS_LOW", &s.ProgressThresholds.Low)
	setInt(v, "SYNC_PROGRESS_MEDIUM", &s.ProgressThresholds.Medium)
	setInt(v, "SYNC_PROGRESS_HIGH", &s.ProgressThresholds.High)
	setDuration(v, "SYNC_STAGE_FAST", &s.StageIntervals.Fast)
	setDuration(v, "SYNC_STAGE_MEDIUM", &s.StageIntervals.Medium)
	setDuration(v, "SYNC_STAGE_SLOW", &s.StageIntervals.Slow)
	setDuration(v, "SYNC_STAGE_FINAL", &s.StageIntervals.Final)
	setInt(v, "SYNC_MAX_RECONNECT_ATTEMPTS", &s.MaxReconnectAttempts)
	setDuration(v, "SYNC_HEARTBEAT_INTERVAL", &s.HeartbeatInterval)
	setDuration(v, "SYNC_HEARTBEAT_TIMEOUT", &s.HeartbeatTimeout)
	setDuration(v, "SYNC_IDLE_TIMEOUT", &s.IdleTimeout)
	setDuration(v, "SYNC_CONNECT_TIMEOUT", &s.ConnectTimeout)
	if v.IsSet("SYNC_JITTER_FACTOR") {
		s.JitterFactor = v.GetFloat64("SYNC_JITTER_FACTOR")
	}
	if v.IsSet("SYNC_PUSH_ENABLED") {
		s.PushEnabled = v.GetBool("SYNC_PUSH_ENABLED")
	}
	if v.IsSet("SYNC_REQUESTS_PER_SECOND") {
		s.RequestsPerSecond = v.GetFloat64("SYNC_REQUESTS_PER_SECOND")
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("sync config: %w", err)
	}
	cfg.Sync = s

	return cfg, nil
}

// Validate 验证客户端配置
func (c *ClientConfig) Validate() error {
	switch c.PendingStore {
	case "sqlite", "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PENDING_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown PENDING_STORE %q", c.PendingStore)
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("BASE_URL must start with http:// or https://")
	}
	return nil
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if d := v.GetDuration(key); d > 0 {
		*dst = d
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if n := v.GetInt(key); n > 0 {
		*dst = n
	}
}
