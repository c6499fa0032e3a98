package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/pkg/logger"
)

// EnvConfigPath 是指定配置文件路径的环境变量。
const EnvConfigPath = "SENTINEL_CONFIG"

// DefaultMaxPercent 是未配置 policy.max_percent 时的余额百分比上限。
const DefaultMaxPercent = 50

// Config 描述了 sentinel 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  logger.Config  `json:"logging"`
	Ledger   LedgerConfig   `json:"ledger"`
	Policy   PolicyConfig   `json:"policy"`
	AI       AIConfig       `json:"ai"`
	Gas      GasConfig      `json:"gas"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Cache    CacheConfig    `json:"cache"`
	Alerting AlertingConfig `json:"alerting"`
	Auth     AuthConfig     `json:"auth"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// Duration 支持 "30s" 形式的字符串或以秒为单位的数字。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("无效的时长类型 %T", raw)
	}
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string   `json:"address"`
	MetricsAddress string   `json:"metrics_address"`
	ReadTimeout    Duration `json:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// LedgerConfig 选择账本实现。driver 为 memory 时使用进程内账本，evm 时使用链上合约。
type LedgerConfig struct {
	Driver         string   `json:"driver"`
	ChainConfig    string   `json:"chain_config"`
	Chain          string   `json:"chain"`
	VaultAddress   string   `json:"vault_address"`
	PaymentAddress string   `json:"payment_address"`
	AgentKeyEnv    string   `json:"agent_key_env"`
	ExecutorKeyEnv string   `json:"executor_key_env"`
	PayerKeyEnv    string   `json:"payer_key_env"`
	Timeout        Duration `json:"timeout"`
	FeeWei         string   `json:"fee_wei"`
	Recipient      string   `json:"recipient"`
	Asset          string   `json:"asset"`
	ChainLabel     string   `json:"chain_label"`
	// Seed 仅用于内存账本：启动时为这些地址存入余额（wei）。
	Seed map[string]string `json:"seed"`
}

// PolicyConfig 是安全钳的运营参数。
// MaxPercent 为指针，用于区分未配置与显式配置的 0。
type PolicyConfig struct {
	MaxPercent     *int   `json:"max_percent"`
	MaxAbsoluteWei string `json:"max_absolute_wei"`
}

// Percent 返回生效的百分比上限，未配置时为 DefaultMaxPercent。
func (p PolicyConfig) Percent() int {
	if p.MaxPercent == nil {
		return DefaultMaxPercent
	}
	return *p.MaxPercent
}

// AIConfig 控制可选的推理能力。
type AIConfig struct {
	Enabled       bool     `json:"enabled"`
	Provider      string   `json:"provider"`
	APIKeyEnv     string   `json:"api_key_env"`
	BaseURL       string   `json:"base_url"`
	Model         string   `json:"model"`
	Timeout       Duration `json:"timeout"`
	RatePerMinute int      `json:"rate_per_minute"`
	Burst         int      `json:"burst"`
}

// GasConfig 指定 gas 监控使用的两条链及缓存策略。
type GasConfig struct {
	TestnetChain string   `json:"testnet_chain"`
	MainnetChain string   `json:"mainnet_chain"`
	Timeout      Duration `json:"timeout"`
	CacheTTL     Duration `json:"cache_ttl"`
}

// StorageConfig 描述结算历史的存储后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	DSNEnv string `json:"dsn_env"`
}

// EventsConfig 描述事件队列与账本监听。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Watch    WatchConfig    `json:"watch"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address     string `json:"address"`
	PasswordEnv string `json:"password_env"`
	DB          int    `json:"db"`
	Queue       string `json:"queue"`
	Prefix      string `json:"prefix"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URLEnv   string `json:"url_env"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// WatchConfig 控制账本事件轮询。
type WatchConfig struct {
	Enabled       bool     `json:"enabled"`
	Interval      Duration `json:"interval"`
	Confirmations uint64   `json:"confirmations"`
	MaxRange      uint64   `json:"max_range"`
	StartBlock    *uint64  `json:"start_block"`
}

// CacheConfig 描述 gas 价格缓存。
type CacheConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string   `json:"webhook_url"`
	TokenEnv   string   `json:"token_env"`
	Timeout    Duration `json:"timeout"`
	Retries    int      `json:"retries"`
}

// AuthConfig 列出操作员令牌，令牌值从环境变量读取。
type AuthConfig struct {
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig 是一个操作员令牌。
type TokenConfig struct {
	Name     string   `json:"name"`
	TokenEnv string   `json:"token_env"`
	Scopes   []string `json:"scopes"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoadFromEnv 读取 .env（若存在），再按 SENTINEL_CONFIG 加载配置文件；未指定路径时只使用默认值。
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		cfg := &Config{}
		cfg.applyDefaults(cwd)
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取配置文件失败")
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析 JSON 配置内容，不会填充默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(90 * time.Second)
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Timeout == 0 {
		c.Ledger.Timeout = Duration(30 * time.Second)
	}
	if c.Ledger.AgentKeyEnv == "" {
		c.Ledger.AgentKeyEnv = "SENTINEL_AGENT_PRIVATE_KEY"
	}
	if c.Ledger.PayerKeyEnv == "" {
		c.Ledger.PayerKeyEnv = "SENTINEL_PAYER_PRIVATE_KEY"
	}
	if c.Ledger.Asset == "" {
		c.Ledger.Asset = "CRO"
	}
	if c.Ledger.ChainLabel == "" {
		c.Ledger.ChainLabel = "Cronos Testnet"
	}
	if c.Ledger.FeeWei == "" {
		c.Ledger.FeeWei = "1000000000000000"
	}
	if c.Ledger.ChainConfig != "" && !filepath.IsAbs(c.Ledger.ChainConfig) {
		c.Ledger.ChainConfig = filepath.Join(baseDir, c.Ledger.ChainConfig)
	}

	if c.Policy.MaxPercent == nil {
		percent := DefaultMaxPercent
		c.Policy.MaxPercent = &percent
	}

	if c.AI.Provider == "" {
		c.AI.Provider = "openai"
	}
	if c.AI.APIKeyEnv == "" {
		c.AI.APIKeyEnv = "OPENAI_API_KEY"
		if strings.EqualFold(c.AI.Provider, "anthropic") {
			c.AI.APIKeyEnv = "ANTHROPIC_API_KEY"
		}
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = Duration(20 * time.Second)
	}
	if c.AI.RatePerMinute == 0 {
		c.AI.RatePerMinute = 30
	}
	if c.AI.Burst == 0 {
		c.AI.Burst = 5
	}

	if c.Gas.TestnetChain == "" {
		c.Gas.TestnetChain = "cronos-testnet"
	}
	if c.Gas.MainnetChain == "" {
		c.Gas.MainnetChain = "cronos-mainnet"
	}
	if c.Gas.Timeout == 0 {
		c.Gas.Timeout = Duration(5 * time.Second)
	}
	if c.Gas.CacheTTL == 0 {
		c.Gas.CacheTTL = Duration(15 * time.Second)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 2
	}
	if c.Events.Watch.Interval == 0 {
		c.Events.Watch.Interval = Duration(15 * time.Second)
	}
	if c.Events.Watch.MaxRange == 0 {
		c.Events.Watch.MaxRange = 2000
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}

	if c.Alerting.Timeout == 0 {
		c.Alerting.Timeout = Duration(5 * time.Second)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// applyEnvOverrides 允许少量常用项通过环境变量覆盖。
func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("SENTINEL_ADDRESS")); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("SENTINEL_AI_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.AI.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("SENTINEL_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	if percent := c.Policy.Percent(); percent < 0 || percent > 100 {
		return invalid("policy.max_percent", "必须位于 [0,100]")
	}
	if _, err := c.MaxAbsolute(); err != nil {
		return err
	}
	switch strings.ToLower(c.Ledger.Driver) {
	case "memory":
		if _, ok := new(big.Int).SetString(c.Ledger.FeeWei, 10); !ok {
			return invalid("ledger.fee_wei", "必须为十进制整数")
		}
		for user, amount := range c.Ledger.Seed {
			if v, ok := new(big.Int).SetString(amount, 10); !ok || v.Sign() < 0 {
				return invalid("ledger.seed", "地址 "+user+" 的余额必须为非负十进制整数")
			}
		}
	case "evm":
		if c.Ledger.VaultAddress == "" || c.Ledger.PaymentAddress == "" {
			return invalid("ledger", "evm 账本需要 vault_address 与 payment_address")
		}
	default:
		return invalid("ledger.driver", "仅支持 memory 或 evm")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "mysql":
		if c.Storage.DSN == "" && c.Storage.DSNEnv == "" {
			return invalid("storage", "mysql 需要 dsn 或 dsn_env")
		}
	default:
		return invalid("storage.driver", "仅支持 memory 或 mysql")
	}
	switch strings.ToLower(c.AI.Provider) {
	case "openai", "anthropic":
	default:
		return invalid("ai.provider", "仅支持 openai 或 anthropic")
	}
	for _, tok := range c.Auth.Tokens {
		if tok.TokenEnv == "" {
			return invalid("auth.tokens", "每个令牌都需要 token_env")
		}
	}
	return nil
}

// MaxAbsolute 解析可选的绝对额度上限。
func (c *Config) MaxAbsolute() (*big.Int, error) {
	raw := strings.TrimSpace(c.Policy.MaxAbsoluteWei)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, invalid("policy.max_absolute_wei", "必须为非负十进制整数")
	}
	return v, nil
}

// FeeWei 解析内存账本的结算费用。
func (c *Config) FeeWei() *big.Int {
	v, ok := new(big.Int).SetString(c.Ledger.FeeWei, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// StorageDSN 返回 DSN，优先读取 dsn_env 指定的环境变量。
func (c *Config) StorageDSN() string {
	if c.Storage.DSNEnv != "" {
		if v := Secret(c.Storage.DSNEnv); v != "" {
			return v
		}
	}
	return c.Storage.DSN
}

// Secret 从环境变量读取敏感配置。
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

func invalid(field, message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("配置项 %s %s", field, message), xerrors.WithMetadata("field", field))
}
