package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nosana-ci/nosana-node/pkg/chain"
	"github.com/nosana-ci/nosana-node/pkg/config"
	"github.com/nosana-ci/nosana-node/pkg/docker"
	"github.com/nosana-ci/nosana-node/pkg/health"
	"github.com/nosana-ci/nosana-node/pkg/market"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run a single health check and print the verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		envFile, _ := cmd.Flags().GetString("env")
		cfg, err := config.Load(envFile)
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}

		hasSigner := true
		var node chain.Pubkey
		signer, err := cfg.LoadKeypair()
		if err != nil {
			hasSigner = false
		} else {
			node = signer.Public()
		}

		engine, err := docker.NewEngine(cfg.PodmanHost)
		if err != nil {
			return err
		}
		defer engine.Close()

		rpc := chain.NewClient(cfg.RPCEndpoint)

		accessKey := cfg.Mint
		if hasSigner {
			mkt := market.NewClient(rpc, signer, market.Config{
				Program: cfg.JobsProgram,
				Market:  cfg.Market,
				Mint:    cfg.Mint,
			})
			if m, err := mkt.GetMarket(cmd.Context()); err == nil {
				accessKey = m.NodeAccessKey
			}
		}

		monitor := health.NewMonitor(rpc, engine, health.Config{
			Node:              node,
			Mint:              cfg.Mint,
			AccessKey:         accessKey,
			OpenMarket:        cfg.OpenMarket,
			HasSigner:         hasSigner,
			HasBlobCredential: cfg.IpfsJWT != "",
		})

		report, err := monitor.Check(cmd.Context())
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			return err
		}
		if !report.Healthy() {
			os.Exit(1)
		}
		return nil
	},
}
