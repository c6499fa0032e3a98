package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type         string `yaml:"type"`
	RPCURL       string `yaml:"rpc_url"`
	ChainID      int64  `yaml:"chain_id"`
	NativeSymbol string `yaml:"native_symbol"`
	Description  string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析 YAML 内容并校验每条链的 RPC 地址。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if strings.TrimSpace(chain.RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if strings.TrimSpace(chain.Type) == "" {
			chain.Type = "evm"
			defs.Chains[name] = chain
		}
	}
	return defs, nil
}

// DefaultCronosChains 返回未提供 chain.yaml 时使用的 Cronos 测试网与主网定义。
func DefaultCronosChains() ChainDefinitions {
	return ChainDefinitions{Chains: map[string]ChainDefinition{
		"cronos-testnet": {
			Type:         "evm",
			RPCURL:       "https://evm-t3.cronos.org",
			ChainID:      338,
			NativeSymbol: "TCRO",
			Description:  "Cronos EVM Testnet",
		},
		"cronos-mainnet": {
			Type:         "evm",
			RPCURL:       "https://evm.cronos.org",
			ChainID:      25,
			NativeSymbol: "CRO",
			Description:  "Cronos EVM Mainnet",
		},
	}}
}
