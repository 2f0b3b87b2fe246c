package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AGENTCHAIN_CONFIG"

// Config 描述守护进程启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server"`
	Engine        EngineConfig        `json:"engine"`
	Retry         RetryConfig         `json:"retry"`
	Storage       StorageConfig       `json:"storage"`
	Queue         QueueConfig         `json:"queue"`
	Memory        MemoryConfig        `json:"memory"`
	LLM           LLMConfig           `json:"llm"`
	Agents        []AgentConfig       `json:"agents"`
	Capabilities  CapabilityConfig    `json:"capabilities"`
	Identity      IdentityConfig      `json:"identity"`
	Web3          Web3Config          `json:"web3"`
	Knowledge     KnowledgeConfig     `json:"knowledge"`
	Auth          AuthConfig          `json:"auth"`
	Observability ObservabilityConfig `json:"observability"`
	Logging       LoggingConfig       `json:"logging"`
	Runtime       RuntimeConfig       `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address           string   `json:"address"`
	ReadHeaderTimeout Duration `json:"read_header_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout"`
}

// EngineConfig 描述执行引擎的资源边界。
type EngineConfig struct {
	MaxSteps           int      `json:"max_steps"`
	MaxDelegationDepth int      `json:"max_delegation_depth"`
	MaxConcurrentTasks int64    `json:"max_concurrent_tasks"`
	TaskTimeout        Duration `json:"task_timeout"`
	AdmissionMode      string   `json:"admission_mode"`
	Workers            int      `json:"workers"`
}

// RetryConfig 描述瞬时失败的指数退避策略。
type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff"`
	Multiplier     float64  `json:"multiplier"`
	MaxBackoff     Duration `json:"max_backoff"`
}

// StorageConfig 描述任务归档与 MySQL 连接。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
	MySQL     MySQLConfig     `json:"mysql"`
}

// TaskStoreConfig 选择任务归档的实现：memory 或 mysql。
type TaskStoreConfig struct {
	Driver     string `json:"driver"`
	MaxRecords int    `json:"max_records"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time"`
	SkipMigrations  bool     `json:"skip_migrations"`
}

// QueueConfig 选择派发队列的实现：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address    string   `json:"address"`
	Password   string   `json:"password"`
	DB         int      `json:"db"`
	Queue      string   `json:"queue"`
	DeadLetter string   `json:"dead_letter"`
	BlockWait  Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL                string `json:"url"`
	Queue              string `json:"queue"`
	Prefetch           int    `json:"prefetch"`
	Durable            bool   `json:"durable"`
	DeadLetterExchange string `json:"dead_letter_exchange"`
}

// MemoryConfig 描述智能体记忆的存储与向量化方式。
type MemoryConfig struct {
	Driver   string `json:"driver"`
	Path     string `json:"path"`
	TopK     int    `json:"top_k"`
	// MinScore 过滤相似度低于该值的记忆，默认 0 即只保留正相关的记录。
	MinScore    float64 `json:"min_score"`
	Embedder    string  `json:"embedder"`
	Dimensions  int     `json:"dimensions"`
	CacheSize   int     `json:"cache_size"`
	SignRecords bool    `json:"sign_records"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider  string             `json:"provider"`
	OpenAI    OpenAIConfig       `json:"openai"`
	Anthropic AnthropicConfig    `json:"anthropic"`
	Python    PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string   `json:"api_key"`
	BaseURL        string   `json:"base_url"`
	Model          string   `json:"model"`
	EmbeddingModel string   `json:"embedding_model"`
	Temperature    float64  `json:"temperature"`
	Timeout        Duration `json:"timeout"`
}

// AnthropicConfig 描述 Anthropic Messages 接口。
type AnthropicConfig struct {
	APIKey      string   `json:"api_key"`
	BaseURL     string   `json:"base_url"`
	Model       string   `json:"model"`
	MaxTokens   int64    `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Timeout     Duration `json:"timeout"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// AgentConfig 描述一个智能体画像。Provider 为空时使用 llm.provider。
type AgentConfig struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	SystemPrompt string   `json:"system_prompt"`
	Provider     string   `json:"provider"`
	Allow        []string `json:"allow"`
	Deny         []string `json:"deny"`
	MemoryDepth  int      `json:"memory_depth"`
	Knowledge    bool     `json:"knowledge"`
}

// CapabilityConfig 指定能力目录文件及是否热加载。
type CapabilityConfig struct {
	Catalog string `json:"catalog"`
	Watch   bool   `json:"watch"`
	// Plugins 指向插件配置文件（YAML），插件工具同样由能力目录按名称绑定。
	Plugins string `json:"plugins"`
	// DefaultAllow 与 DefaultDeny 是所有智能体共享的默认访问策略，
	// 智能体自己的 allow 非空时覆盖 DefaultAllow，deny 规则总是叠加。
	DefaultAllow []string `json:"default_allow"`
	DefaultDeny  []string `json:"default_deny"`
}

// IdentityConfig 描述智能体签名密钥的来源。
type IdentityConfig struct {
	AllowEphemeral bool              `json:"allow_ephemeral"`
	Keys           map[string]string `json:"keys"`
	Keystores      []KeystoreConfig  `json:"keystores"`
}

// KeystoreConfig 指向 go-ethereum keystore 文件，口令从环境变量读取。
type KeystoreConfig struct {
	Agent         string `json:"agent"`
	Path          string `json:"path"`
	PassphraseEnv string `json:"passphrase_env"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// KnowledgeConfig 指定静态知识库文件。
type KnowledgeConfig struct {
	Path       string `json:"path"`
	MaxResults int    `json:"max_results"`
}

// AuthConfig 控制 API 的访问令牌校验。
type AuthConfig struct {
	Mode   string        `json:"mode"`
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig 描述一个静态访问令牌及其权限。
type TokenConfig struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// ObservabilityConfig 描述指标与告警。
type ObservabilityConfig struct {
	MetricsAddress string      `json:"metrics_address"`
	Namespace      string      `json:"namespace"`
	Alerts         AlertConfig `json:"alerts"`
}

// AlertConfig 描述告警渠道。
type AlertConfig struct {
	Log        bool              `json:"log"`
	WebhookURL string            `json:"webhook_url"`
	Headers    map[string]string `json:"headers"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// ResolvePath 返回配置文件路径：显式参数优先，其次是环境变量。
func ResolvePath(flagValue string) (string, error) {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path, nil
	}
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("未指定配置文件，请使用 --config 或设置 %s", EnvConfigPath)
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
	return Parse(content, filepath.Dir(path))
}

// Parse 解析配置内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = Duration(5 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.Engine.MaxSteps <= 0 {
		c.Engine.MaxSteps = 16
	}
	if c.Engine.MaxDelegationDepth <= 0 {
		c.Engine.MaxDelegationDepth = 4
	}
	if c.Engine.MaxConcurrentTasks <= 0 {
		c.Engine.MaxConcurrentTasks = 64
	}
	if c.Engine.TaskTimeout <= 0 {
		c.Engine.TaskTimeout = Duration(5 * time.Minute)
	}
	if c.Engine.AdmissionMode == "" {
		c.Engine.AdmissionMode = "reject"
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = Duration(200 * time.Millisecond)
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = Duration(5 * time.Second)
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "memory"
	}
	if c.Memory.TopK == 0 {
		c.Memory.TopK = 5
	}
	if c.Memory.Embedder == "" {
		c.Memory.Embedder = "hash"
	}
	if c.Memory.Dimensions <= 0 {
		c.Memory.Dimensions = 256
	}
	if c.Memory.CacheSize <= 0 {
		c.Memory.CacheSize = 512
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "python_bridge"
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.Anthropic.APIKey == "" {
		c.LLM.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir, baseDir)

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	for i := range c.Auth.Tokens {
		if c.Auth.Tokens[i].Token == "" && c.Auth.Tokens[i].TokenEnv != "" {
			c.Auth.Tokens[i].Token = os.Getenv(c.Auth.Tokens[i].TokenEnv)
		}
	}
	if c.Observability.Namespace == "" {
		c.Observability.Namespace = "agentchain"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
	c.Capabilities.Catalog = resolve(baseDir, c.Capabilities.Catalog, "")
	c.Capabilities.Plugins = resolve(baseDir, c.Capabilities.Plugins, "")
	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig, "")
	c.Knowledge.Path = resolve(baseDir, c.Knowledge.Path, "")
	c.Memory.Path = resolve(baseDir, c.Memory.Path, "")
	if c.Memory.Driver == "leveldb" && c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.Runtime.DataDir, "memory")
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, filepath.Join(c.Runtime.DataDir, "audit.log"))
	}
	for i := range c.Identity.Keystores {
		c.Identity.Keystores[i].Path = resolve(baseDir, c.Identity.Keystores[i].Path, "")
	}
}

// resolve 将相对路径转换为以 baseDir 为基准的绝对路径，空值返回 fallback。
func resolve(baseDir, path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查枚举字段与必填项。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, candidate := range allowed {
			if value == candidate {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 取值 %q 不合法，可选: %s", field, value, strings.Join(allowed, "|")))
	}
	check("engine.admission_mode", c.Engine.AdmissionMode, "reject", "block")
	check("storage.task_store.driver", c.Storage.TaskStore.Driver, "memory", "mysql")
	check("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq")
	check("memory.driver", c.Memory.Driver, "memory", "leveldb", "mysql")
	check("memory.embedder", c.Memory.Embedder, "hash", "openai")
	check("llm.provider", c.LLM.Provider, "openai", "anthropic", "python_bridge")
	check("auth.mode", c.Auth.Mode, "disabled", "token")

	needsMySQL := c.Storage.TaskStore.Driver == "mysql" || c.Memory.Driver == "mysql"
	if needsMySQL && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("使用 mysql 时必须配置 storage.mysql.dsn"))
	}
	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("至少需要配置一个智能体"))
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for i, agent := range c.Agents {
		id := strings.TrimSpace(agent.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("agents[%d].id 不能为空", i))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("智能体 %s 重复配置", id))
		}
		seen[id] = struct{}{}
		if agent.Provider != "" {
			check(fmt.Sprintf("agents[%d].provider", i), agent.Provider, "openai", "anthropic", "python_bridge")
		}
	}
	return errors.Join(errs...)
}

// ProviderFor 返回智能体实际使用的模型提供方。
func (c *Config) ProviderFor(agent AgentConfig) string {
	if agent.Provider != "" {
		return agent.Provider
	}
	return c.LLM.Provider
}
