// Package config 提供 TOML 配置加载与环境变量覆盖
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 校验流水线全量配置
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`

	Verification VerificationConfig `mapstructure:"verification"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Hub          HubConfig          `mapstructure:"hub"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// VerificationConfig 校验域配置
type VerificationConfig struct {
	// 固定标的集合，启动后不可变
	Symbols []string `mapstructure:"symbols"`
	// 市场时区
	MarketTimezone string `mapstructure:"market_timezone"`
	// 成交量容差 V_TOL
	VolumeTolerance float64 `mapstructure:"volume_tolerance"`
	// 按标的的价格跳动容差，缺省精确比较
	PriceTickTolerance map[string]float64 `mapstructure:"price_tick_tolerance"`
	// 交易时段
	SessionOpen  string `mapstructure:"session_open"`
	SessionClose string `mapstructure:"session_close"`
}

// SchedulerConfig 任务生产配置
type SchedulerConfig struct {
	// 分钟收盘后的等待时间（秒），让实时聚合落盘
	RealtimeGraceSeconds int `mapstructure:"realtime_grace_seconds"`
	// 日批 cron 表达式（市场时区）
	DailyCron string `mapstructure:"daily_cron"`
	// 重启补发的安全窗口（小时）
	CatchupWindowHours int `mapstructure:"catchup_window_hours"`
}

// WorkerConfig 消费 worker 配置
type WorkerConfig struct {
	Count                int `mapstructure:"count"`
	RealtimeDeadlineSecs int `mapstructure:"realtime_deadline_seconds"`
	DailyDeadlineSecs    int `mapstructure:"daily_deadline_seconds"`
	ReconnectBackoffSecs int `mapstructure:"reconnect_backoff_seconds"`
	HubRatePerSecond     int `mapstructure:"hub_rate_per_second"`
	HubRateBurst         int `mapstructure:"hub_rate_burst"`
	RefreshMaxRetries    int `mapstructure:"refresh_max_retries"`
	RefreshBackoffBaseMs int `mapstructure:"refresh_backoff_base_ms"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	// 单队列容量上限
	SizeCap int64 `mapstructure:"size_cap"`
	// 最大重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 退避基数（秒），按 2^retry 放大
	RetryBackoffBaseSeconds int `mapstructure:"retry_backoff_base_seconds"`
	// claim 阻塞轮询窗口（秒）
	ClaimTimeoutSeconds int `mapstructure:"claim_timeout_seconds"`
	// claim 租约（秒），超时未确认的任务由清扫器退回队列
	ClaimLeaseSeconds int `mapstructure:"claim_lease_seconds"`
}

// HubConfig Broker Hub 网关配置
type HubConfig struct {
	// 主数据源
	PrimaryProvider string `mapstructure:"primary_provider"`
	// 请求应答超时（秒）
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime    int    `mapstructure:"conn_max_lifetime"`
	LogEnabled         bool   `mapstructure:"log_enabled"`
	SlowQueryThreshold int    `mapstructure:"slow_query_threshold"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxPoolSize  int    `mapstructure:"max_pool_size"`
	ConnTimeout  int    `mapstructure:"conn_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	ResultTopic  string   `mapstructure:"result_topic"`
	MaxRetries   int      `mapstructure:"max_retries"`
	RetryBackoff int      `mapstructure:"retry_backoff_ms"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Load 从 TOML 文件加载配置，环境变量以 MARKETVERIFY_ 前缀覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("MARKETVERIFY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("verification.market_timezone", "Asia/Seoul")
	v.SetDefault("verification.volume_tolerance", 0.02)
	v.SetDefault("verification.session_open", "09:00")
	v.SetDefault("verification.session_close", "15:30")
	v.SetDefault("scheduler.realtime_grace_seconds", 5)
	v.SetDefault("scheduler.daily_cron", "10 16 * * 1-5")
	v.SetDefault("scheduler.catchup_window_hours", 24)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.realtime_deadline_seconds", 30)
	v.SetDefault("worker.daily_deadline_seconds", 600)
	v.SetDefault("worker.reconnect_backoff_seconds", 5)
	v.SetDefault("worker.hub_rate_per_second", 20)
	v.SetDefault("worker.hub_rate_burst", 5)
	v.SetDefault("worker.refresh_max_retries", 3)
	v.SetDefault("worker.refresh_backoff_base_ms", 200)
	v.SetDefault("queue.size_cap", 10000)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_backoff_base_seconds", 2)
	v.SetDefault("queue.claim_timeout_seconds", 5)
	v.SetDefault("queue.claim_lease_seconds", 900)
	v.SetDefault("hub.primary_provider", "provider_a")
	v.SetDefault("hub.request_timeout_seconds", 10)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.slow_query_threshold", 1000)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)
	v.SetDefault("kafka.result_topic", "verify.results")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff_ms", 100)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if len(c.Verification.Symbols) == 0 {
		return fmt.Errorf("verification.symbols must not be empty")
	}
	if _, err := time.LoadLocation(c.Verification.MarketTimezone); err != nil {
		return fmt.Errorf("invalid market timezone %q: %w", c.Verification.MarketTimezone, err)
	}
	if c.Verification.VolumeTolerance < 0 {
		return fmt.Errorf("verification.volume_tolerance must be >= 0")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	return nil
}

// MarketLocation 返回市场时区
func (c *Config) MarketLocation() *time.Location {
	loc, err := time.LoadLocation(c.Verification.MarketTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
