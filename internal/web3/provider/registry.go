package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"cronos-sentinel/internal/web3"
	"cronos-sentinel/internal/web3/ethereum"
)

// Dialer builds a client for a single chain definition.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (*ethereum.Client, error)

// DialEVM is the default Dialer for EVM compatible chains.
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (*ethereum.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:    name,
		RPCURL:  def.RPCURL,
		ChainID: def.ChainID,
		Notes:   def.Description,
	})
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
	defs         map[string]web3.ChainDefinition
}

// NewRegistry instantiates clients for every chain definition. dial may be
// nil, in which case DialEVM is used.
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions, defaultChain string, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEVM
	}

	clients := make(map[string]*ethereum.Client)
	kept := make(map[string]web3.ChainDefinition)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := dial(ctx, name, chain)
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
		kept[name] = chain
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		defaultChain = sortedNames(clients)[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, defs: kept}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (*ethereum.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Definition returns the chain definition a client was built from.
func (r *Registry) Definition(name string) (web3.ChainDefinition, bool) {
	if r == nil {
		return web3.ChainDefinition{}, false
	}
	def, ok := r.defs[name]
	return def, ok
}

// Snapshots collects a health snapshot for every registered chain. Chains
// that fail to respond are reported in the returned error map.
func (r *Registry) Snapshots(ctx context.Context) ([]web3.ChainSnapshot, map[string]error) {
	if r == nil {
		return nil, nil
	}
	var (
		snapshots []web3.ChainSnapshot
		failures  map[string]error
	)
	for _, name := range r.Chains() {
		snap, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[name] = err
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, failures
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.clients)
}

func sortedNames(clients map[string]*ethereum.Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]*ethereum.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
