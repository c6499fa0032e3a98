package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"cronos-sentinel/internal/agent"
	"cronos-sentinel/internal/auth"
	"cronos-sentinel/internal/clamp"
	"cronos-sentinel/internal/config"
	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/events"
	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/internal/llm"
	"cronos-sentinel/internal/llm/anthropic"
	"cronos-sentinel/internal/llm/openai"
	"cronos-sentinel/internal/observability/alerting"
	"cronos-sentinel/internal/storage/mysql"
	"cronos-sentinel/internal/storage/redis"
	"cronos-sentinel/internal/web3"
	"cronos-sentinel/internal/web3/ethereum"
	"cronos-sentinel/internal/web3/provider"
)

// settlementLedger 是守护进程需要的账本能力全集，内存账本与链上账本都实现它。
type settlementLedger interface {
	ledger.BalanceLedger
	ledger.PaymentLedger
	ledger.EventSource
}

type historyStore interface {
	mysql.HistoryRepository
	mysql.CursorStore
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if webhook := alerting.NewWebhookNotifier(alerting.WebhookConfig{
		URL:     cfg.Alerting.WebhookURL,
		Token:   config.Secret(cfg.Alerting.TokenEnv),
		Timeout: cfg.Alerting.Timeout.Std(),
		Retries: cfg.Alerting.Retries,
	}); webhook != nil {
		notifiers = append(notifiers, webhook)
	}
	return alerting.NewFanout(notifiers...)
}

func buildChains(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	defs := web3.DefaultCronosChains()
	if cfg.Ledger.ChainConfig != "" {
		loaded, err := web3.LoadChainDefinitions(cfg.Ledger.ChainConfig)
		if err != nil {
			return nil, err
		}
		defs = loaded
	}
	return provider.NewRegistry(ctx, defs, cfg.Ledger.Chain, provider.DialEVM)
}

func buildLedger(ctx context.Context, cfg *config.Config, chains *provider.Registry) (settlementLedger, error) {
	switch strings.ToLower(cfg.Ledger.Driver) {
	case "memory":
		mem := ledger.NewMemory(ledger.MemoryConfig{
			Fee:       cfg.FeeWei(),
			Recipient: cfg.Ledger.Recipient,
			Asset:     cfg.Ledger.Asset,
			Chain:     cfg.Ledger.ChainLabel,
		})
		for user, amount := range cfg.Ledger.Seed {
			v, _ := new(big.Int).SetString(amount, 10)
			mem.Deposit(user, v)
		}
		return mem, nil
	case "evm":
		client, err := chains.DefaultClient()
		if err != nil {
			return nil, err
		}
		chainID, err := client.ChainID(ctx)
		if err != nil {
			return nil, ledger.Unavailable(err, "读取链 ID")
		}
		agentKey, err := requiredKey(cfg.Ledger.AgentKeyEnv)
		if err != nil {
			return nil, err
		}
		executorKey, err := optionalKey(cfg.Ledger.ExecutorKeyEnv)
		if err != nil {
			return nil, err
		}
		payerKey, err := optionalKey(cfg.Ledger.PayerKeyEnv)
		if err != nil {
			return nil, err
		}
		if !common.IsHexAddress(cfg.Ledger.VaultAddress) || !common.IsHexAddress(cfg.Ledger.PaymentAddress) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "vault_address 或 payment_address 不是合法地址")
		}
		return ethereum.NewLedger(client.Backend(), ethereum.LedgerConfig{
			Vault:    common.HexToAddress(cfg.Ledger.VaultAddress),
			Payment:  common.HexToAddress(cfg.Ledger.PaymentAddress),
			ChainID:  chainID,
			Agent:    agentKey,
			Executor: executorKey,
			Payer:    payerKey,
			Asset:    cfg.Ledger.Asset,
			Chain:    cfg.Ledger.ChainLabel,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的账本驱动: "+cfg.Ledger.Driver)
	}
}

func requiredKey(env string) (*ecdsa.PrivateKey, error) {
	raw := config.Secret(env)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("环境变量 %s 未设置签名私钥", env))
	}
	key, err := web3.ParsePrivateKey(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 "+env+" 失败")
	}
	return key, nil
}

func optionalKey(env string) (*ecdsa.PrivateKey, error) {
	if config.Secret(env) == "" {
		return nil, nil
	}
	return requiredKey(env)
}

func buildHistory(ctx context.Context, cfg *config.Config) (historyStore, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
		}
		return mysql.NewMemoryHistoryRepository(cfg.Runtime.DataDir)
	case "mysql":
		return mysql.NewSQLHistoryRepository(ctx, mysql.Config{DSN: cfg.StorageDSN()})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的存储驱动: "+cfg.Storage.Driver)
	}
}

func queueConfig(cfg *config.Config) events.QueueConfig {
	return events.QueueConfig{
		Driver: cfg.Events.Driver,
		Buffer: cfg.Events.Buffer,
		Redis: events.RedisQueueConfig{
			Address:  cfg.Events.Redis.Address,
			Password: config.Secret(cfg.Events.Redis.PasswordEnv),
			DB:       cfg.Events.Redis.DB,
			Queue:    cfg.Events.Redis.Queue,
		},
		RabbitMQ: events.RabbitMQConfig{
			URL:      config.Secret(cfg.Events.RabbitMQ.URLEnv),
			Queue:    cfg.Events.RabbitMQ.Queue,
			Prefetch: cfg.Events.RabbitMQ.Prefetch,
			Durable:  cfg.Events.RabbitMQ.Durable,
		},
	}
}

func buildCache(ctx context.Context, cfg *config.Config) (redis.Cache, func(), error) {
	switch strings.ToLower(cfg.Cache.Driver) {
	case "", "memory":
		return redis.NewMemoryCache(), func() {}, nil
	case "redis":
		c, err := redis.NewRedisCache(ctx, redis.Config{
			Address:  cfg.Cache.Redis.Address,
			Password: config.Secret(cfg.Cache.Redis.PasswordEnv),
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的缓存驱动: "+cfg.Cache.Driver)
	}
}

func buildAgents(cfg *config.Config, chains *provider.Registry, cache redis.Cache) (*agent.Toggle, agent.CredentialSource, *agent.Registry, error) {
	toggle := agent.NewToggle(cfg.AI.Enabled)
	keyEnv := cfg.AI.APIKeyEnv
	credentials := agent.CredentialSource(func() string { return config.Secret(keyEnv) })

	deps := agent.Dependencies{
		FeeTimeout:       cfg.Gas.Timeout.Std(),
		Toggle:           toggle,
		Credentials:      credentials,
		Inference:        inferenceFactory(cfg),
		InferenceTimeout: cfg.AI.Timeout.Std(),
		InferenceLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.AI.RatePerMinute)), cfg.AI.Burst),
	}
	ttl := cfg.Gas.CacheTTL.Std()
	if client, ok := chains.Client(cfg.Gas.TestnetChain); ok {
		deps.TestnetFees = redis.NewCachedGasPricer(cfg.Gas.TestnetChain, client, cache, ttl)
	}
	if client, ok := chains.Client(cfg.Gas.MainnetChain); ok {
		deps.MainnetFees = redis.NewCachedGasPricer(cfg.Gas.MainnetChain, client, cache, ttl)
	}
	registry, err := agent.NewDefaultRegistry(deps)
	if err != nil {
		return nil, nil, nil, err
	}
	return toggle, credentials, registry, nil
}

func inferenceFactory(cfg *config.Config) llm.Factory {
	switch strings.ToLower(cfg.AI.Provider) {
	case "anthropic":
		return anthropic.NewFactory(anthropic.Config{BaseURL: cfg.AI.BaseURL, Model: cfg.AI.Model, Timeout: cfg.AI.Timeout.Std()})
	default:
		return openai.NewFactory(openai.Config{BaseURL: cfg.AI.BaseURL, Model: cfg.AI.Model, Timeout: cfg.AI.Timeout.Std()})
	}
}

func buildPolicy(cfg *config.Config) (clamp.Policy, error) {
	maxAbs, err := cfg.MaxAbsolute()
	if err != nil {
		return clamp.Policy{}, err
	}
	policy := clamp.Policy{MaxPercent: cfg.Policy.Percent(), MaxAbsolute: maxAbs}
	return policy, policy.Validate()
}

func buildAuth(cfg *config.Config) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Auth.Tokens))
	for _, tok := range cfg.Auth.Tokens {
		value := config.Secret(tok.TokenEnv)
		if value == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("令牌 %s 的环境变量 %s 为空", tok.Name, tok.TokenEnv))
		}
		tokens = append(tokens, auth.Token{Name: tok.Name, Value: value, Scopes: tok.Scopes})
	}
	return auth.NewService(auth.Config{Tokens: tokens})
}

func watcherOptions(cfg *config.Config, cursors mysql.CursorStore, alerts alerting.Dispatcher) []events.WatcherOption {
	w := cfg.Events.Watch
	opts := []events.WatcherOption{
		events.WithPollInterval(w.Interval.Std()),
		events.WithConfirmations(w.Confirmations),
		events.WithMaxRange(w.MaxRange),
		events.WithCursorStore(cursors),
		events.WithWatcherName("ledger-" + cfg.Ledger.Driver),
		events.WithWatcherAlerts(alerts),
	}
	if w.StartBlock != nil {
		opts = append(opts, events.WithStartBlock(*w.StartBlock))
	}
	return opts
}

// healthCheck 仅在链上账本模式下探测 RPC 节点。
func healthCheck(cfg *config.Config, chains *provider.Registry) func(ctx context.Context) map[string]string {
	if !strings.EqualFold(cfg.Ledger.Driver, "evm") {
		return nil
	}
	return func(ctx context.Context) map[string]string {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		_, errs := chains.Snapshots(ctx)
		chain := chains.DefaultChain()
		if err, ok := errs[chain]; ok && err != nil {
			return map[string]string{chain: err.Error()}
		}
		return nil
	}
}
