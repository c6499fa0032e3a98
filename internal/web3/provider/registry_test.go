package provider

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronos-sentinel/internal/web3"
	"cronos-sentinel/internal/web3/ethereum"
)

func stubDialer(fail string) Dialer {
	return func(ctx context.Context, name string, def web3.ChainDefinition) (*ethereum.Client, error) {
		if name == fail {
			return nil, errors.New("dial refused")
		}
		return ethereum.NewWithBackend(name, big.NewInt(def.ChainID), nil), nil
	}
}

func TestRegistryDefaultsToFirstChain(t *testing.T) {
	reg, err := NewRegistry(context.Background(), web3.DefaultCronosChains(), "", stubDialer(""))
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	assert.Equal(t, []string{"cronos-mainnet", "cronos-testnet"}, reg.Chains())
	assert.Equal(t, "cronos-mainnet", reg.DefaultChain())

	client, err := reg.DefaultClient()
	require.NoError(t, err)
	assert.Equal(t, "cronos-mainnet", client.Name())

	def, ok := reg.Definition("cronos-testnet")
	require.True(t, ok)
	assert.Equal(t, int64(338), def.ChainID)
}

func TestRegistryRejectsUnknownDefault(t *testing.T) {
	_, err := NewRegistry(context.Background(), web3.DefaultCronosChains(), "polygon", stubDialer(""))
	require.Error(t, err)
}

func TestRegistryRejectsUnsupportedType(t *testing.T) {
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"sol": {Type: "solana", RPCURL: "http://localhost"},
	}}
	_, err := NewRegistry(context.Background(), defs, "", stubDialer(""))
	require.Error(t, err)
}

func TestRegistryPropagatesDialFailure(t *testing.T) {
	_, err := NewRegistry(context.Background(), web3.DefaultCronosChains(), "", stubDialer("cronos-testnet"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cronos-testnet")
}

func TestRegistryRequiresChains(t *testing.T) {
	_, err := NewRegistry(context.Background(), web3.ChainDefinitions{}, "", stubDialer(""))
	require.Error(t, err)
}

func TestSnapshotsReportFailures(t *testing.T) {
	reg, err := NewRegistry(context.Background(), web3.DefaultCronosChains(), "cronos-testnet", stubDialer(""))
	require.NoError(t, err)

	snaps, failures := reg.Snapshots(context.Background())
	assert.Empty(t, snaps)
	assert.Len(t, failures, 2)
}
