package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 clawracled 在启动阶段需要加载的核心配置。
// 私钥与 API 凭证只在配置中引用环境变量名，真实值从环境读取。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	LLM       LLMConfig       `json:"llm"`
	Web3      Web3Config      `json:"web3"`
	Oracle    OracleConfig    `json:"oracle"`
	IPFS      IPFSConfig      `json:"ipfs"`
	APIs      APIRegistry     `json:"apis"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Queue     QueueConfig     `json:"queue"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
}

// AlertingConfig 配置告警外发渠道，日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// ServerConfig 控制只读状态接口的监听地址，留空则不启动。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 选择追踪存储的驱动。
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"dsn"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回大模型调用超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Web3Config 指向链定义文件，并允许内联单链兜底。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
	WSURL        string `json:"ws_url"`
}

// OracleConfig 描述预言机注册表合约与本 Agent 的链上身份。
type OracleConfig struct {
	RegistryAddress       string `json:"registry_address"`
	TokenAddress          string `json:"token_address"`
	AgentKeyEnv           string `json:"agent_key_env"`
	AgentID               uint64 `json:"agent_id"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// ConfirmTimeout 返回等待交易确认的超时时间。
func (c OracleConfig) ConfirmTimeout() time.Duration {
	if c.ConfirmTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

// IPFSConfig 描述内容网关列表与单网关超时。
type IPFSConfig struct {
	Gateways       []string `json:"gateways"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Timeout 返回单个网关的请求超时。
func (c IPFSConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// APIRegistry 指定外部数据 API 能力注册表与文档的候选位置。
type APIRegistry struct {
	ConfigPaths []string `json:"config_paths"`
	DocsDirs    []string `json:"docs_dirs"`
}

// SchedulerConfig 控制解析调度循环的节奏。
type SchedulerConfig struct {
	IntervalSeconds     int `json:"interval_seconds"`
	StaggerSeconds      int `json:"stagger_seconds"`
	FetchBackoffSeconds int `json:"fetch_backoff_seconds"`
	Workers             int `json:"workers"`
}

// Interval 返回调度扫描周期。
func (c SchedulerConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Stagger 返回同一轮扫描内相邻派发之间的间隔。
func (c SchedulerConfig) Stagger() time.Duration {
	if c.StaggerSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.StaggerSeconds) * time.Second
}

// FetchBackoff 返回内容拉取失败后的重试间隔。
func (c SchedulerConfig) FetchBackoff() time.Duration {
	if c.FetchBackoffSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.FetchBackoffSeconds) * time.Second
}

// QueueConfig 选择解析派发队列的驱动。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// Wait 返回 Redis 阻塞弹出的等待时长。
func (c RedisConfig) Wait() time.Duration {
	if c.BlockWait <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.BlockWait) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
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
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(baseDir, "agent-storage.json")
	} else if !filepath.IsAbs(c.Storage.Path) {
		c.Storage.Path = filepath.Join(baseDir, c.Storage.Path)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o"
	}

	if c.Oracle.AgentKeyEnv == "" {
		c.Oracle.AgentKeyEnv = "CLAWRACLE_AGENT_KEY"
	}

	if len(c.IPFS.Gateways) == 0 {
		c.IPFS.Gateways = []string{
			"https://ipfs.io/ipfs/",
			"https://gateway.pinata.cloud/ipfs/",
			"https://cloudflare-ipfs.com/ipfs/",
			"https://dweb.link/ipfs/",
			"https://ipfs.filebase.io/ipfs/",
		}
	}

	if len(c.APIs.ConfigPaths) == 0 {
		c.APIs.ConfigPaths = []string{
			filepath.Join(baseDir, "api-config.json"),
			"api-config.json",
		}
	}
	if len(c.APIs.DocsDirs) == 0 {
		c.APIs.DocsDirs = []string{baseDir, "."}
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
}
