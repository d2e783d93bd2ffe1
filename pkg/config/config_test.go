package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosana-ci/nosana-node/pkg/chain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NOSANA_MARKET", chain.TokenProgramID.String())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, NetworkMainnet, cfg.Network)
	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.RPCEndpoint)
	assert.Equal(t, DefaultJobsProgram, cfg.JobsProgram.String())
	assert.Equal(t, DefaultMint, cfg.Mint.String())
	assert.Equal(t, chain.TokenProgramID, cfg.Market)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.True(t, cfg.StartWork)
	assert.False(t, cfg.OpenMarket)
}

func TestLoadDevnetEndpoint(t *testing.T) {
	t.Setenv("NOSANA_MARKET", chain.TokenProgramID.String())
	t.Setenv("NOSANA_NETWORK", NetworkDevnet)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://api.devnet.solana.com", cfg.RPCEndpoint)
}

func TestLoadRequiresMarket(t *testing.T) {
	t.Setenv("NOSANA_MARKET", "")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownNetwork(t *testing.T) {
	t.Setenv("NOSANA_MARKET", chain.TokenProgramID.String())
	t.Setenv("NOSANA_NETWORK", "testnet-banana")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadRejectsBadMarketAddress(t *testing.T) {
	t.Setenv("NOSANA_MARKET", "not-base58-0OIl")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadKeypair(t *testing.T) {
	t.Setenv("NOSANA_MARKET", chain.TokenProgramID.String())

	kp, err := chain.NewKeypair()
	require.NoError(t, err)

	// Write the wallet file the way solana tooling does: a JSON byte array.
	path := filepath.Join(t.TempDir(), "key.json")
	data, err := json.Marshal(toInts(kp.Bytes()))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	t.Setenv("NOSANA_KEYPAIR", path)
	cfg, err := Load("")
	require.NoError(t, err)

	loaded, err := cfg.LoadKeypair()
	require.NoError(t, err)
	assert.Equal(t, kp.Public(), loaded.Public())
}

func TestLoadKeypairMissingFile(t *testing.T) {
	t.Setenv("NOSANA_MARKET", chain.TokenProgramID.String())
	t.Setenv("NOSANA_KEYPAIR", filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load("")
	require.NoError(t, err)

	_, err = cfg.LoadKeypair()
	assert.Error(t, err)
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}
