package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"cronos-sentinel/internal/web3"
)

// Backend is everything the ledger bindings need from a node connection:
// contract calls and transactions, log filtering, and receipt lookups.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   Backend
	chainID   *big.Int
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
		chainID:   chainID,
	}, nil
}

// NewWithBackend wraps an existing backend, typically a test double.
func NewWithBackend(name string, chainID *big.Int, backend Backend) *Client {
	var id *big.Int
	if chainID != nil {
		id = new(big.Int).Set(chainID)
	}
	return &Client{name: name, backend: backend, chainID: id, notes: "custom backend"}
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Backend exposes the contract backend for the ledger bindings.
func (c *Client) Backend() Backend {
	return c.backend
}

// ChainID returns the configured chain id, querying the node when unset.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if c.eth == nil {
		return nil, errors.New("未配置链 ID")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// SuggestGasPrice returns the node's current gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	return price, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(id),
		BlockNumber: toHexBig(header.Number),
		Notes:       c.notes,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
