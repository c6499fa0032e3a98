package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"cronos-sentinel/internal/clamp"
	"cronos-sentinel/pkg/logger"
)

const (
	// EstimatedGasUnits 是一笔典型提现交易的 gas 消耗估计。
	EstimatedGasUnits = 50_000
	defaultGasTimeout = 5 * time.Second
)

var (
	// FallbackGasPrice 是费率查询失败时使用的默认值（5 gwei）。
	FallbackGasPrice = big.NewInt(5_000_000_000)
	highGasPrice     = big.NewInt(10_000_000_000)
	lowGasPrice      = big.NewInt(5_000_000_000)
)

// FeeOracle 返回某个网络当前的单位 gas 价格（wei）。
type FeeOracle interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// FeeOracleFunc 允许以函数形式实现 FeeOracle。
type FeeOracleFunc func(ctx context.Context) (*big.Int, error)

// SuggestGasPrice 实现 FeeOracle。
func (f FeeOracleFunc) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f(ctx)
}

// GasMonitor 根据测试网与主网的 gas 价格推荐额度，费率查询失败时回落到默认值。
type GasMonitor struct {
	testnet FeeOracle
	mainnet FeeOracle
	timeout time.Duration
	logger  *slog.Logger
}

// GasMonitorOption 定义 GasMonitor 的可选配置。
type GasMonitorOption func(*GasMonitor)

// WithFeeTimeout 设置单次费率查询的超时时间。
func WithFeeTimeout(timeout time.Duration) GasMonitorOption {
	return func(g *GasMonitor) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// NewGasMonitor 创建 gas 监控策略，任一 oracle 可以为 nil。
func NewGasMonitor(testnet, mainnet FeeOracle, opts ...GasMonitorOption) *GasMonitor {
	g := &GasMonitor{
		testnet: testnet,
		mainnet: mainnet,
		timeout: defaultGasTimeout,
		logger:  logger.Named("agent.gas"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Decide 实现 Strategy。
func (g *GasMonitor) Decide(ctx context.Context, dc DecisionContext) Proposal {
	testnet, mainnet := g.fetch(ctx)

	txCost := new(big.Int).Mul(testnet, big.NewInt(EstimatedGasUnits))
	minEconomical := new(big.Int).Mul(txCost, big.NewInt(100))
	balance := requestedOrZero(dc.Balance)
	rates := fmt.Sprintf("gas=%sGwei (T:%s M:%s)", formatGwei(testnet), formatGwei(testnet), formatGwei(mainnet))

	switch {
	case balance.Cmp(minEconomical) < 0:
		return Proposal{
			ProposedLimit: new(big.Int).Quo(balance, big.NewInt(2)),
			Reason:        fmt.Sprintf("%s. Balance too low for economical withdrawal. Min recommended: %s CRO", rates, clamp.FormatCRO(minEconomical)),
			Confidence:    0.9,
			Mode:          ModeDeterministic,
		}
	case testnet.Cmp(highGasPrice) > 0:
		return Proposal{
			ProposedLimit: percentOf(balance, 60),
			Reason:        fmt.Sprintf("High %s. Recommend larger withdrawals to amortize cost. Est tx cost: %s CRO", rates, clamp.FormatCRO(txCost)),
			Confidence:    0.85,
			Mode:          ModeDeterministic,
		}
	case testnet.Cmp(lowGasPrice) < 0:
		return Proposal{
			ProposedLimit: percentOf(balance, 40),
			Reason:        fmt.Sprintf("Low %s. Favorable for flexible withdrawals. Est tx cost: %s CRO", rates, clamp.FormatCRO(txCost)),
			Confidence:    0.8,
			Mode:          ModeDeterministic,
		}
	default:
		return Proposal{
			ProposedLimit: percentOf(balance, 50),
			Reason:        fmt.Sprintf("Normal %s. Standard withdrawal limit. Est tx cost: %s CRO", rates, clamp.FormatCRO(txCost)),
			Confidence:    0.75,
			Mode:          ModeDeterministic,
		}
	}
}

// fetch 并发查询两个网络的费率，失败的网络使用默认费率。
func (g *GasMonitor) fetch(ctx context.Context) (testnet, mainnet *big.Int) {
	testnet = new(big.Int).Set(FallbackGasPrice)
	mainnet = new(big.Int).Set(FallbackGasPrice)

	var eg errgroup.Group
	eg.Go(func() error {
		if price, ok := g.query(ctx, "testnet", g.testnet); ok {
			testnet = price
		}
		return nil
	})
	eg.Go(func() error {
		if price, ok := g.query(ctx, "mainnet", g.mainnet); ok {
			mainnet = price
		}
		return nil
	})
	_ = eg.Wait()
	return testnet, mainnet
}

func (g *GasMonitor) query(ctx context.Context, network string, oracle FeeOracle) (*big.Int, bool) {
	if oracle == nil {
		return nil, false
	}
	qctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	price, err := oracle.SuggestGasPrice(qctx)
	if err != nil || price == nil || price.Sign() < 0 {
		g.logger.Warn("gas 价格查询失败，使用默认费率", slog.String("network", network), slog.Any("error", err))
		return nil, false
	}
	return new(big.Int).Set(price), true
}

func formatGwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).String()
}
