package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nosana-ci/nosana-node/pkg/chain"
)

// Networks the node can join.
const (
	NetworkMainnet = "mainnet"
	NetworkDevnet  = "devnet"
)

// Defaults for the on-chain programs and the token mint.
const (
	DefaultJobsProgram = "nosJhNRqr2bc9g1nfGDcXXTXvYUmxD4cVwy2pMWhrYM"
	DefaultMint        = "nosXBVoaCTtYdLvKY6Csb4AC8JCdQKKAaWYtx2ZMoo7"
)

// Config is the node's immutable session configuration.
type Config struct {
	Network     string
	RPCEndpoint string

	JobsProgram chain.Pubkey
	Market      chain.Pubkey
	Mint        chain.Pubkey

	KeypairPath string

	PodmanHost string // container engine endpoint; empty uses the environment

	IpfsAPIURL  string
	IpfsGateway string
	IpfsJWT     string

	PollInterval time.Duration
	OpenMarket   bool
	StartWork    bool

	DataDir string
	WorkDir string
	APIAddr string
}

// Load reads configuration from an optional .env file and NOSANA_-prefixed
// environment variables. Validation failures are fatal misconfigurations.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		// Best effort: a missing default .env is fine.
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix("NOSANA")
	v.AutomaticEnv()

	v.SetDefault("network", NetworkMainnet)
	v.SetDefault("jobs_program", DefaultJobsProgram)
	v.SetDefault("mint", DefaultMint)
	v.SetDefault("keypair", defaultKeypairPath())
	v.SetDefault("poll_interval_ms", 5000)
	v.SetDefault("open_market", false)
	v.SetDefault("start_work", true)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("api_addr", ":8080")
	v.SetDefault("ipfs_api_url", "https://api.pinata.cloud")
	v.SetDefault("ipfs_gateway", "https://nosana.mypinata.cloud")

	cfg := &Config{
		Network:      v.GetString("network"),
		RPCEndpoint:  v.GetString("rpc_endpoint"),
		KeypairPath:  v.GetString("keypair"),
		PodmanHost:   v.GetString("podman_host"),
		IpfsAPIURL:   v.GetString("ipfs_api_url"),
		IpfsGateway:  v.GetString("ipfs_gateway"),
		IpfsJWT:      v.GetString("ipfs_jwt"),
		PollInterval: time.Duration(v.GetInt("poll_interval_ms")) * time.Millisecond,
		OpenMarket:   v.GetBool("open_market"),
		StartWork:    v.GetBool("start_work"),
		DataDir:      v.GetString("data_dir"),
		WorkDir:      v.GetString("work_dir"),
		APIAddr:      v.GetString("api_addr"),
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = cfg.DataDir
	}

	switch cfg.Network {
	case NetworkMainnet:
		if cfg.RPCEndpoint == "" {
			cfg.RPCEndpoint = "https://api.mainnet-beta.solana.com"
		}
	case NetworkDevnet:
		if cfg.RPCEndpoint == "" {
			cfg.RPCEndpoint = "https://api.devnet.solana.com"
		}
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}

	var err error
	if cfg.JobsProgram, err = chain.ParsePubkey(v.GetString("jobs_program")); err != nil {
		return nil, fmt.Errorf("jobs program: %w", err)
	}
	if cfg.Mint, err = chain.ParsePubkey(v.GetString("mint")); err != nil {
		return nil, fmt.Errorf("mint: %w", err)
	}
	marketAddr := v.GetString("market")
	if marketAddr == "" {
		return nil, fmt.Errorf("NOSANA_MARKET is required")
	}
	if cfg.Market, err = chain.ParsePubkey(marketAddr); err != nil {
		return nil, fmt.Errorf("market: %w", err)
	}

	return cfg, nil
}

// LoadKeypair reads the signer key from the configured wallet file, a JSON
// array of 64 bytes.
func (c *Config) LoadKeypair() (*chain.Keypair, error) {
	data, err := os.ReadFile(c.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("read keypair %s: %w", c.KeypairPath, err)
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", c.KeypairPath, err)
	}
	raw := make([]byte, len(ints))
	for i, b := range ints {
		raw[i] = byte(b)
	}
	return chain.KeypairFromBytes(raw)
}

func defaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "nosana_key.json"
	}
	return home + "/.nosana/nosana_key.json"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nosana"
	}
	return home + "/.nosana"
}
