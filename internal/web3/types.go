package web3

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines the subset of chain access the service needs outside the
// contract bindings: health snapshots and fee-rate queries.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Close()
}

// ParsePrivateKey 解析十六进制私钥，允许带 0x 前缀。
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, fmt.Errorf("私钥为空")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return key, nil
}
