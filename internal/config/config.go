package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了结算守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	EventQueue EventQueueConfig `json:"event_queue"`
	Proofs     ProofsConfig     `json:"proofs"`
	Chain      ChainConfig      `json:"chain"`
	Settlement SettlementConfig `json:"settlement"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 统一描述 vault 状态、agent 注册表与结算历史的后端。
type StorageConfig struct {
	VaultStore DriverConfig `json:"vault_store"`
	Registry   DriverConfig `json:"registry"`
	History    DriverConfig `json:"history"`
}

// DriverConfig 描述一个可在内存与 MySQL 之间切换的存储后端。
type DriverConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventQueueConfig 描述结算事件队列的驱动与参数。
type EventQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接信息。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ProofsConfig 描述证明检查器的选择与外部验证服务的访问方式。
type ProofsConfig struct {
	Checker     string `json:"checker"`
	VerifierURL string `json:"verifier_url"`
	APIKeyEnv   string `json:"api_key_env"`
	Timeout     int    `json:"timeout_seconds"`
}

// ChainConfig 指向链定义文件并选择默认链。
type ChainConfig struct {
	Definitions string `json:"definitions"`
	Default     string `json:"default"`
}

// SettlementConfig 控制结算的业务参数。
type SettlementConfig struct {
	// MaxNonceGap 为 0 时表示不限制 nonce 跳跃。
	MaxNonceGap        uint64   `json:"max_nonce_gap"`
	AllowedCallTargets []string `json:"allowed_call_targets"`
	noGapLimit         bool
}

// UnmarshalJSON 区分"未填写"与"显式填 0"：前者使用默认值，后者关闭限制。
func (c *SettlementConfig) UnmarshalJSON(data []byte) error {
	type alias SettlementConfig
	aux := struct {
		MaxNonceGap *uint64 `json:"max_nonce_gap"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.MaxNonceGap != nil {
		c.MaxNonceGap = *aux.MaxNonceGap
		c.noGapLimit = *aux.MaxNonceGap == 0
	}
	return nil
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level  string      `json:"level"`
	Format string      `json:"format"`
	Output string      `json:"output"`
	Audit  AuditConfig `json:"audit"`
}

// AuditConfig 控制只追加的结算审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.VaultStore.Driver == "" {
		c.Storage.VaultStore.Driver = "memory"
	}
	if c.Storage.Registry.Driver == "" {
		c.Storage.Registry.Driver = "memory"
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = c.Storage.VaultStore.Driver
	}
	if c.Storage.History.DSN == "" {
		c.Storage.History.DSN = c.Storage.VaultStore.DSN
	}

	if c.EventQueue.Driver == "" {
		c.EventQueue.Driver = "memory"
	}
	if c.EventQueue.Worker <= 0 {
		c.EventQueue.Worker = 1
	}
	if c.EventQueue.Redis.Queue == "" {
		c.EventQueue.Redis.Queue = "opensettle:settlements"
	}
	if c.EventQueue.RabbitMQ.Queue == "" {
		c.EventQueue.RabbitMQ.Queue = "opensettle.settlements"
	}

	if c.Proofs.Checker == "" {
		c.Proofs.Checker = "digest"
	}

	if c.Settlement.MaxNonceGap == 0 && !c.Settlement.noGapLimit {
		c.Settlement.MaxNonceGap = 100
	}

	if c.Chain.Definitions != "" && !filepath.IsAbs(c.Chain.Definitions) {
		c.Chain.Definitions = filepath.Join(baseDir, c.Chain.Definitions)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit", "settlements.log")
	}
}
