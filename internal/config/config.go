package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt" yaml:"jwt"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Messaging  MessagingConfig  `mapstructure:"messaging" yaml:"messaging"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DSN 构建 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, ssl,
	)
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	KeyPrefix    string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Addr host:port
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`       // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"` // 缺省使用 "crmflow"
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RBAC         RBACConfig         `mapstructure:"rbac" yaml:"rbac"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

// RBACConfig 角色到权限的映射；roles 为空时使用内置默认
type RBACConfig struct {
	Enabled bool                `mapstructure:"enabled" yaml:"enabled"`
	Roles   map[string][]string `mapstructure:"roles" yaml:"roles"`
}

type RateLimitingConfig struct {
	Enabled           bool              `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int               `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int               `mapstructure:"burst" yaml:"burst"`
	Paths             []PathLimitConfig `mapstructure:"paths" yaml:"paths"`
	WhitelistIPs      []string          `mapstructure:"whitelist_ips" yaml:"whitelist_ips"`
}

// PathLimitConfig 按路径前缀覆盖限流参数
type PathLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	Prefix            string `mapstructure:"prefix" yaml:"prefix"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int    `mapstructure:"burst" yaml:"burst"`
}

// AutomationConfig 规则引擎运行参数
type AutomationConfig struct {
	DelayBackend         string        `mapstructure:"delay_backend" yaml:"delay_backend"` // db, redis, inline
	WorkerInterval       time.Duration `mapstructure:"worker_interval" yaml:"worker_interval"`
	OverdueCheckInterval time.Duration `mapstructure:"overdue_check_interval" yaml:"overdue_check_interval"`
	LogDryRuns           bool          `mapstructure:"log_dry_runs" yaml:"log_dry_runs"`
	BulkChunkSize        int           `mapstructure:"bulk_chunk_size" yaml:"bulk_chunk_size"`
	BulkMaxRetries       uint          `mapstructure:"bulk_max_retries" yaml:"bulk_max_retries"`
	BulkBaseDelay        time.Duration `mapstructure:"bulk_base_delay" yaml:"bulk_base_delay"`
	BulkMaxDelay         time.Duration `mapstructure:"bulk_max_delay" yaml:"bulk_max_delay"`
	LogRetentionDays     int           `mapstructure:"log_retention_days" yaml:"log_retention_days"`
}

type MessagingConfig struct {
	Email    EmailConfig    `mapstructure:"email" yaml:"email"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp" yaml:"whatsapp"`
	Breaker  BreakerConfig  `mapstructure:"breaker" yaml:"breaker"`
}

type EmailConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key"`
	From     string        `mapstructure:"from" yaml:"from"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type WhatsAppConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	AccountSID string        `mapstructure:"account_sid" yaml:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token" yaml:"auth_token"`
	From       string        `mapstructure:"from" yaml:"from"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BreakerConfig 出站发送的重试与熔断参数
type BreakerConfig struct {
	Attempts         uint          `mapstructure:"attempts" yaml:"attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// Setup 配置 viper：读取 .env、配置文件与 CRMFLOW_ 前缀环境变量。
// path 为空时在当前目录查找 config.yml。
func Setup(v *viper.Viper, path string) error {
	_ = godotenv.Load()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("CRMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, GetDefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		// 未找到默认配置文件时使用默认值 + 环境变量
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// setDefaults 注册默认值，使 AutomaticEnv 能覆盖未出现在配置文件中的键
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.name", d.Database.Name)
	v.SetDefault("database.ssl_mode", d.Database.SSLMode)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("jwt.secret", d.JWT.Secret)
	v.SetDefault("jwt.expires_in", d.JWT.ExpiresIn)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.output", d.Log.Output)
	v.SetDefault("log.file_path", d.Log.FilePath)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("monitoring.enabled", d.Monitoring.Enabled)
	v.SetDefault("monitoring.metrics_path", d.Monitoring.MetricsPath)
	v.SetDefault("monitoring.tracing.enabled", d.Monitoring.Tracing.Enabled)
	v.SetDefault("monitoring.tracing.endpoint", d.Monitoring.Tracing.Endpoint)
	v.SetDefault("monitoring.tracing.insecure", d.Monitoring.Tracing.Insecure)
	v.SetDefault("monitoring.tracing.sample_ratio", d.Monitoring.Tracing.SampleRatio)
	v.SetDefault("monitoring.tracing.service_name", d.Monitoring.Tracing.ServiceName)

	v.SetDefault("security.cors.enabled", d.Security.CORS.Enabled)
	v.SetDefault("security.cors.allowed_origins", d.Security.CORS.AllowedOrigins)
	v.SetDefault("security.cors.allowed_methods", d.Security.CORS.AllowedMethods)
	v.SetDefault("security.cors.allowed_headers", d.Security.CORS.AllowedHeaders)
	v.SetDefault("security.rbac.enabled", d.Security.RBAC.Enabled)
	v.SetDefault("security.rate_limiting.enabled", d.Security.RateLimiting.Enabled)
	v.SetDefault("security.rate_limiting.requests_per_minute", d.Security.RateLimiting.RequestsPerMinute)
	v.SetDefault("security.rate_limiting.burst", d.Security.RateLimiting.Burst)

	v.SetDefault("automation.delay_backend", d.Automation.DelayBackend)
	v.SetDefault("automation.worker_interval", d.Automation.WorkerInterval)
	v.SetDefault("automation.overdue_check_interval", d.Automation.OverdueCheckInterval)
	v.SetDefault("automation.log_dry_runs", d.Automation.LogDryRuns)
	v.SetDefault("automation.bulk_chunk_size", d.Automation.BulkChunkSize)
	v.SetDefault("automation.bulk_max_retries", d.Automation.BulkMaxRetries)
	v.SetDefault("automation.bulk_base_delay", d.Automation.BulkBaseDelay)
	v.SetDefault("automation.bulk_max_delay", d.Automation.BulkMaxDelay)
	v.SetDefault("automation.log_retention_days", d.Automation.LogRetentionDays)

	v.SetDefault("messaging.email.enabled", d.Messaging.Email.Enabled)
	v.SetDefault("messaging.email.endpoint", d.Messaging.Email.Endpoint)
	v.SetDefault("messaging.email.api_key", d.Messaging.Email.APIKey)
	v.SetDefault("messaging.email.from", d.Messaging.Email.From)
	v.SetDefault("messaging.email.timeout", d.Messaging.Email.Timeout)
	v.SetDefault("messaging.whatsapp.enabled", d.Messaging.WhatsApp.Enabled)
	v.SetDefault("messaging.whatsapp.base_url", d.Messaging.WhatsApp.BaseURL)
	v.SetDefault("messaging.whatsapp.account_sid", d.Messaging.WhatsApp.AccountSID)
	v.SetDefault("messaging.whatsapp.auth_token", d.Messaging.WhatsApp.AuthToken)
	v.SetDefault("messaging.whatsapp.from", d.Messaging.WhatsApp.From)
	v.SetDefault("messaging.whatsapp.timeout", d.Messaging.WhatsApp.Timeout)
	v.SetDefault("messaging.breaker.attempts", d.Messaging.Breaker.Attempts)
	v.SetDefault("messaging.breaker.base_delay", d.Messaging.Breaker.BaseDelay)
	v.SetDefault("messaging.breaker.max_delay", d.Messaging.Breaker.MaxDelay)
	v.SetDefault("messaging.breaker.failure_threshold", d.Messaging.Breaker.FailureThreshold)
	v.SetDefault("messaging.breaker.open_timeout", d.Messaging.Breaker.OpenTimeout)
}

// Load 从 viper 解析配置
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	cfg := GetDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "crmflow",
			SSLMode:         "disable",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 5,
			KeyPrefix:    "crmflow",
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/crmflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "crmflow",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RBAC: RBACConfig{
				Enabled: true,
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Automation: AutomationConfig{
			DelayBackend:         "db",
			WorkerInterval:       30 * time.Second,
			OverdueCheckInterval: 5 * time.Minute,
			LogDryRuns:           true,
			BulkChunkSize:        100,
			BulkMaxRetries:       5,
			BulkBaseDelay:        200 * time.Millisecond,
			BulkMaxDelay:         5 * time.Second,
			LogRetentionDays:     90,
		},
		Messaging: MessagingConfig{
			Email: EmailConfig{
				Enabled:  false,
				Endpoint: "https://api.resend.com/emails",
				From:     "CRM <no-reply@example.com>",
				Timeout:  15 * time.Second,
			},
			WhatsApp: WhatsAppConfig{
				Enabled: false,
				BaseURL: "https://api.twilio.com",
				Timeout: 15 * time.Second,
			},
			Breaker: BreakerConfig{
				Attempts:         3,
				BaseDelay:        500 * time.Millisecond,
				MaxDelay:         10 * time.Second,
				FailureThreshold: 5,
				OpenTimeout:      60 * time.Second,
			},
		},
	}
}
