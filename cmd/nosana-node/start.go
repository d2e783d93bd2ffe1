package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nosana-ci/nosana-node/pkg/api"
	"github.com/nosana-ci/nosana-node/pkg/chain"
	"github.com/nosana-ci/nosana-node/pkg/config"
	"github.com/nosana-ci/nosana-node/pkg/docker"
	"github.com/nosana-ci/nosana-node/pkg/flow"
	"github.com/nosana-ci/nosana-node/pkg/health"
	"github.com/nosana-ci/nosana-node/pkg/ipfs"
	"github.com/nosana-ci/nosana-node/pkg/jobs"
	"github.com/nosana-ci/nosana-node/pkg/log"
	"github.com/nosana-ci/nosana-node/pkg/market"
	"github.com/nosana-ci/nosana-node/pkg/node"
	"github.com/nosana-ci/nosana-node/pkg/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the work loop",
	Long: `Start the node: enter the market queue, claim assigned runs, execute
their flows and settle results until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)

		envFile, _ := cmd.Flags().GetString("env")
		cfg, err := config.Load(envFile)
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}

		signer, err := cfg.LoadKeypair()
		if err != nil {
			return fmt.Errorf("signer key: %w", err)
		}

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		engine, err := docker.NewEngine(cfg.PodmanHost)
		if err != nil {
			return err
		}
		defer engine.Close()

		rpc := chain.NewClient(cfg.RPCEndpoint)
		mkt := market.NewClient(rpc, signer, market.Config{
			Program: cfg.JobsProgram,
			Market:  cfg.Market,
			Mint:    cfg.Mint,
		})
		blob := ipfs.NewClient(ipfs.Config{
			APIURL:  cfg.IpfsAPIURL,
			Gateway: cfg.IpfsGateway,
			JWT:     cfg.IpfsJWT,
		})

		// The access key collection comes from the market account itself.
		accessKey := cfg.Mint
		if m, err := mkt.GetMarket(cmd.Context()); err == nil {
			accessKey = m.NodeAccessKey
		} else {
			logger := log.WithComponent("main")
			logger.Warn().Err(err).Msg("market read failed, deferring access key")
		}

		monitor := health.NewMonitor(rpc, engine, health.Config{
			Node:              signer.Public(),
			Mint:              cfg.Mint,
			AccessKey:         accessKey,
			OpenMarket:        cfg.OpenMarket,
			HasSigner:         true,
			HasBlobCredential: blob.HasCredential(),
		})

		handlers := jobs.Handlers(engine, blob, cfg.WorkDir)
		runner := flow.NewRunner(store, handlers)

		n := node.New(node.Options{
			Market:       mkt,
			Blob:         blob,
			Monitor:      monitor,
			Engine:       engine,
			Store:        store,
			Registry:     flow.DefaultRegistry(),
			Runner:       runner,
			PollInterval: cfg.PollInterval,
		})

		apiServer := api.NewServer(n, monitor)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.APIAddr); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()

		if cfg.StartWork {
			if err := n.Start(context.Background()); err != nil {
				return err
			}
		} else {
			log.Info("work loop disabled, serving api only")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("termination signal received")
		case err := <-errCh:
			log.Errorf("api server failed", err)
		}

		if cfg.StartWork {
			n.Stop()
		}
		_ = apiServer.Stop()
		return nil
	},
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
