package web3

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chains:
  cronos-testnet:
    rpc_url: https://evm-t3.cronos.org
    chain_id: 338
    native_symbol: TCRO
`), 0o600))

	defs, err := LoadChainDefinitions(path)
	require.NoError(t, err)
	chain, ok := defs.Chains["cronos-testnet"]
	require.True(t, ok)
	assert.Equal(t, "evm", chain.Type)
	assert.EqualValues(t, 338, chain.ChainID)
}

func TestParseChainDefinitionsRequiresRPC(t *testing.T) {
	_, err := ParseChainDefinitions([]byte("chains:\n  x:\n    chain_id: 1\n"))
	assert.Error(t, err)
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, defs.Chains)
	assert.Len(t, DefaultCronosChains().Chains, 2)
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encoded := "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParsePrivateKey("")
	assert.Error(t, err)
}
