package redis

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"cronos-sentinel/pkg/logger"
)

const defaultGasTTL = 15 * time.Second

// GasPricer 返回某个网络当前的 gas 价格（wei）。
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// CachedGasPricer 在 Cache 中缓存 gas 价格，缓存读写失败时直接查询下游。
type CachedGasPricer struct {
	network string
	source  GasPricer
	cache   Cache
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedGasPricer 包装 source；ttl<=0 时使用 15 秒。
func NewCachedGasPricer(network string, source GasPricer, cache Cache, ttl time.Duration) *CachedGasPricer {
	if ttl <= 0 {
		ttl = defaultGasTTL
	}
	return &CachedGasPricer{
		network: network,
		source:  source,
		cache:   cache,
		ttl:     ttl,
		logger:  logger.Named("cache.gas"),
	}
}

// SuggestGasPrice 优先返回缓存值。
func (c *CachedGasPricer) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	key := "gas:" + c.network
	if c.cache != nil {
		raw, ok, err := c.cache.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("读取 gas 缓存失败", slog.String("network", c.network), slog.Any("error", err))
		case ok:
			if price, parsed := new(big.Int).SetString(raw, 10); parsed {
				return price, nil
			}
		}
	}

	price, err := c.source.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, price.String(), c.ttl); err != nil {
			c.logger.Warn("写入 gas 缓存失败", slog.String("network", c.network), slog.Any("error", err))
		}
	}
	return price, nil
}
