// Package config loads the JSON configuration of the broadcast daemon.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OpenMCP-Broadcast/internal/auth"
)

// 配置文件路径的环境变量与默认值。
const (
	PathEnv     = "OPENMCP_BROADCAST_CONFIG"
	DefaultPath = "configs/broadcast.json"
)

// Config 描述守护进程启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Web3     Web3Config     `json:"web3"`
	Policy   PolicyConfig   `json:"policy"`
	Pipeline PipelineConfig `json:"pipeline"`
	Logging  LoggingConfig  `json:"logging"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。
type ServerConfig struct {
	Address string `json:"address"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string       `json:"metrics_address"`
	AuthTokens     []auth.Grant `json:"auth_tokens"`
}

// StorageConfig 选择待确认记录的存储后端。
type StorageConfig struct {
	Driver   string         `json:"driver"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	MySQL    MySQLConfig    `json:"mysql"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

// SQLiteConfig 指定数据库文件。
type SQLiteConfig struct {
	Path string `json:"path"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// PostgresConfig 描述 PostgreSQL 连接池。
type PostgresConfig struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
}

// RedisConfig 描述 Redis 连接，URL 优先。
type RedisConfig struct {
	URL      string `json:"url"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
	Queue    string `json:"queue"`
}

// EventsConfig 选择生命周期事件的投递方式。
type EventsConfig struct {
	Driver     string         `json:"driver"`
	BufferSize int            `json:"buffer_size"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainsFile     string `json:"chains_file"`
	DefaultNetwork string `json:"default_network"`
}

// PolicyConfig 指向策略文件，文件缺失时使用默认策略。
type PolicyConfig struct {
	File string `json:"file"`
}

// PipelineConfig 中的时长均为毫秒。
type PipelineConfig struct {
	DefaultTTLMS      int64  `json:"default_ttl_ms"`
	MaxTTLMS          int64  `json:"max_ttl_ms"`
	PollIntervalMS    int64  `json:"poll_interval_ms"`
	DefaultTimeoutMS  int64  `json:"default_timeout_ms"`
	MaxTimeoutMS      int64  `json:"max_timeout_ms"`
	DefaultCommitment string `json:"default_commitment"`
	CleanupMaxAgeMS   int64  `json:"cleanup_max_age_ms"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// AlertingConfig 配置 Slack webhook，留空时只写日志。
type AlertingConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
	SlackWebhookEnv string `json:"slack_webhook_env"`
	SlackChannel    string `json:"slack_channel"`
}

// SlackWebhook 返回生效的 webhook 地址，环境变量优先。
func (a AlertingConfig) SlackWebhook() string {
	if env := strings.TrimSpace(a.SlackWebhookEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(a.SlackWebhookURL)
}

// Millis 把毫秒配置转换为 time.Duration，超出可表示范围时饱和到最大或最小值。
func Millis(v int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Millisecond)
	switch {
	case v > limit:
		return time.Duration(math.MaxInt64)
	case v < -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(v) * time.Millisecond
}

// ResolvePath 依次使用显式路径、环境变量与默认路径。
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(PathEnv)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，相对路径以配置文件所在目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = filepath.Join(baseDir, "..", ".data", "pending.sqlite")
	} else {
		c.Storage.SQLite.Path = resolve(baseDir, c.Storage.SQLite.Path)
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "broadcast:pending"
	}

	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}
	if c.Events.Redis.Queue == "" {
		c.Events.Redis.Queue = "broadcast:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "broadcast.events"
	}

	if c.Web3.ChainsFile == "" {
		c.Web3.ChainsFile = filepath.Join(baseDir, "chain.yaml")
	} else {
		c.Web3.ChainsFile = resolve(baseDir, c.Web3.ChainsFile)
	}
	if c.Policy.File == "" {
		c.Policy.File = filepath.Join(baseDir, "policy.yaml")
	} else {
		c.Policy.File = resolve(baseDir, c.Policy.File)
	}

	if c.Pipeline.DefaultCommitment == "" {
		c.Pipeline.DefaultCommitment = "confirmed"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查枚举字段。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "mysql", "postgres", "redis":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Events.Driver {
	case "none", "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	if c.Pipeline.DefaultTTLMS < 0 || c.Pipeline.MaxTTLMS < 0 || c.Pipeline.PollIntervalMS < 0 ||
		c.Pipeline.DefaultTimeoutMS < 0 || c.Pipeline.MaxTimeoutMS < 0 || c.Pipeline.CleanupMaxAgeMS < 0 {
		return errors.New("pipeline 时长不能为负数")
	}
	return nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
