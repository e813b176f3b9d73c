package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config 描述了 ChainPilot 在启动阶段需要加载的核心配置。
// 秘钥类字段一律通过 *_env 指定环境变量名，配置文件中不落明文。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	TxQueue    TxQueueConfig    `json:"tx_queue"`
	LLM        LLMConfig        `json:"llm"`
	Chain      ChainConfig      `json:"chain"`
	Protection ProtectionConfig `json:"protection"`
	Enrichment EnrichmentConfig `json:"enrichment"`
	Tools      ToolsConfig      `json:"tools"`
	Auth       AuthConfig       `json:"auth"`
	Logging    LoggingConfig    `json:"logging"`
	Alerting   AlertingConfig   `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述对话持久化后端。
type StorageConfig struct {
	Chat ChatStoreConfig `json:"chat"`
}

// ChatStoreConfig 选择对话存储驱动：memory、sqlite 或 mysql。
type ChatStoreConfig struct {
	Driver          string `json:"driver"`
	Path            string `json:"path"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
}

// TxQueueConfig 选择交易队列驱动：memory、redis 或 rabbitmq。
type TxQueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider  string `json:"provider"`
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
}

// ChainConfig 指向链定义文件与签名私钥。
type ChainConfig struct {
	DefinitionsPath string `json:"definitions_path"`
	Network         string `json:"network"`
	RPCURL          string `json:"rpc_url"`
	WSURL           string `json:"ws_url"`
	RelayRPCURL     string `json:"relay_rpc_url"`
	SignerKeyEnv    string `json:"signer_key_env"`
}

// ProtectionConfig 控制交易安全管道的保护策略。
type ProtectionConfig struct {
	Enabled               bool   `json:"enabled"`
	Strategy              string `json:"strategy"`
	MaxPriorityFeeWei     int64  `json:"max_priority_fee_wei"`
	BundleSize            int    `json:"bundle_size"`
	DelayMs               int64  `json:"delay_ms"`
	ConfirmTimeoutSeconds int64  `json:"confirm_timeout_seconds"`
	PollIntervalSeconds   int64  `json:"poll_interval_seconds"`
	RequiredConfirmations uint64 `json:"required_confirmations"`
}

// EnrichmentConfig 指向行情增强服务及其缓存。
type EnrichmentConfig struct {
	BaseURL   string                `json:"base_url"`
	APIKeyEnv string                `json:"api_key_env"`
	Cache     EnrichmentCacheConfig `json:"cache"`
}

// EnrichmentCacheConfig 控制快照缓存。
type EnrichmentCacheConfig struct {
	Enabled    bool        `json:"enabled"`
	Redis      RedisConfig `json:"redis"`
	TTLSeconds int64       `json:"ttl_seconds"`
}

// ToolsConfig 控制对模型开放的工具面。
type ToolsConfig struct {
	EnableEnrichment bool `json:"enable_enrichment"`
}

// AuthConfig 控制身份认证。
type AuthConfig struct {
	Disabled        bool   `json:"disabled"`
	SecretEnv       string `json:"secret_env"`
	TokenTTLSeconds int64  `json:"token_ttl_seconds"`
}

// LoggingConfig 控制结构化日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	Slack SlackAlertConfig `json:"slack"`
}

// SlackAlertConfig 配置 Slack 告警。
type SlackAlertConfig struct {
	Enabled  bool   `json:"enabled"`
	TokenEnv string `json:"token_env"`
	Channel  string `json:"channel"`
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Chat.Driver == "" {
		c.Storage.Chat.Driver = "memory"
	}
	if c.Storage.Chat.Driver == "sqlite" && c.Storage.Chat.Path == "" {
		c.Storage.Chat.Path = filepath.Join(baseDir, "chainpilot.db")
	}

	if c.TxQueue.Driver == "" {
		c.TxQueue.Driver = "memory"
	}
	if c.TxQueue.Size <= 0 {
		c.TxQueue.Size = 1024
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Chain.DefinitionsPath == "" {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chain.DefinitionsPath) {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, c.Chain.DefinitionsPath)
	}
	if c.Chain.SignerKeyEnv == "" {
		c.Chain.SignerKeyEnv = "CHAINPILOT_SIGNER_KEY"
	}

	if c.Protection.Strategy == "" {
		c.Protection.Strategy = "bundle"
	}
	if c.Protection.BundleSize <= 0 {
		c.Protection.BundleSize = 3
	}
	if c.Protection.DelayMs <= 0 {
		c.Protection.DelayMs = 2000
	}
	if c.Protection.ConfirmTimeoutSeconds <= 0 {
		c.Protection.ConfirmTimeoutSeconds = 60
	}
	if c.Protection.PollIntervalSeconds <= 0 {
		c.Protection.PollIntervalSeconds = 2
	}
	if c.Protection.RequiredConfirmations == 0 {
		c.Protection.RequiredConfirmations = 1
	}

	if c.Enrichment.Cache.TTLSeconds <= 0 {
		c.Enrichment.Cache.TTLSeconds = 60
	}

	if c.Auth.SecretEnv == "" {
		c.Auth.SecretEnv = "CHAINPILOT_AUTH_SECRET"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate 拒绝明显不可用的组合，尽早失败。
func (c *Config) validate() error {
	switch c.Storage.Chat.Driver {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("未知的对话存储驱动: %s", c.Storage.Chat.Driver)
	}
	if c.Storage.Chat.Driver == "mysql" && strings.TrimSpace(c.Storage.Chat.DSN) == "" {
		return errors.New("mysql 驱动需要配置 dsn")
	}

	switch c.TxQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的交易队列驱动: %s", c.TxQueue.Driver)
	}
	if c.TxQueue.Driver == "redis" && strings.TrimSpace(c.TxQueue.Redis.Addr) == "" {
		return errors.New("redis 驱动需要配置 addr")
	}
	if c.TxQueue.Driver == "rabbitmq" && strings.TrimSpace(c.TxQueue.RabbitMQ.URL) == "" {
		return errors.New("rabbitmq 驱动需要配置 url")
	}

	if c.LLM.Provider != "openai" {
		return fmt.Errorf("未知的模型提供方: %s", c.LLM.Provider)
	}

	switch c.Protection.Strategy {
	case "private-submission", "bundle", "time-delay":
	default:
		return fmt.Errorf("未知的保护策略: %s", c.Protection.Strategy)
	}
	return nil
}

// Secret 读取 *_env 指向的环境变量值。
func Secret(envName string) string {
	return strings.TrimSpace(os.Getenv(envName))
}
