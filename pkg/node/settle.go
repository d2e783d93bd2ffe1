package node

import (
	"context"
	"time"

	"github.com/nosana-ci/nosana-node/pkg/chain"
	"github.com/nosana-ci/nosana-node/pkg/ipfs"
	"github.com/nosana-ci/nosana-node/pkg/market"
	"github.com/nosana-ci/nosana-node/pkg/metrics"
	"github.com/nosana-ci/nosana-node/pkg/types"
)

// progressFlow advances the active flow: settle it when finished, quit it
// when expired, otherwise keep the runner going. The active flow is cleared
// only after the settling transaction is observed as confirmed.
func (n *Node) progressFlow(ctx context.Context) {
	// Reap a finished runner pass.
	select {
	case err := <-n.runnerDone:
		n.running = false
		n.runnerCancel = nil
		if err != nil {
			n.dropError(err, "flow pass ended with error")
		}
	default:
	}

	f, err := n.store.GetFlow(n.activeFlow)
	if err != nil {
		n.dropError(err, "active flow load failed")
		return
	}

	switch {
	case f.Finished():
		n.setState(StateSettling)
		n.settleFinish(ctx, f)
	case f.Expired(n.now()):
		n.setState(StateSettling)
		n.settleQuit(ctx, f)
	default:
		n.setState(StateClaimed)
		if !n.running {
			n.startRunner(f)
		}
	}
}

// startRunner executes the flow's remaining ops on a worker goroutine,
// bounded by the flow's deadline.
func (n *Node) startRunner(f *types.Flow) {
	rctx := context.Background()
	var cancel context.CancelFunc
	if f.Expires != 0 {
		rctx, cancel = context.WithDeadline(rctx, time.Unix(f.Expires, 0))
	} else {
		rctx, cancel = context.WithCancel(rctx)
	}
	n.runnerCancel = cancel
	n.running = true

	go func() {
		defer cancel()
		n.runnerDone <- n.runner.Run(rctx, f)
	}()
}

// settleFinish garbage-collects volumes, submits the finish transaction with
// the result digest, and clears the active flow once confirmed. Failure or
// timeout leaves the flow active for a retry on the next tick.
func (n *Node) settleFinish(ctx context.Context, f *types.Flow) {
	cidStr, ok := f.ResultCID()
	if !ok {
		return
	}
	digest, err := ipfs.DigestFromCid(cidStr)
	if err != nil {
		n.dropError(err, "result cid invalid")
		return
	}
	jobAddr, runAddr, err := flowAddresses(f)
	if err != nil {
		n.dropError(err, "flow addresses invalid")
		return
	}

	if err := n.engine.PruneVolumes(ctx); err != nil {
		n.logger.Warn().Err(err).Msg("volume prune failed")
	}

	sig, err := n.market.FinishJob(ctx, jobAddr, runAddr, digest)
	if err != nil {
		n.dropError(err, "finish submit failed")
		return
	}

	outcome := n.market.AwaitTx(ctx, sig)
	metrics.TransactionsTotal.WithLabelValues("finish", string(outcome)).Inc()
	if outcome != market.TxConfirmed {
		n.logger.Warn().Str("signature", sig).Str("outcome", string(outcome)).Msg("finish not confirmed")
		return
	}

	metrics.JobsFinishedTotal.Inc()
	n.logger.Info().Str("flow_id", f.ID).Str("cid", cidStr).Msg("job finished")
	n.clearActive()
}

// settleQuit abandons an expired run. The runner is cancelled first so no op
// outlives the deadline.
func (n *Node) settleQuit(ctx context.Context, f *types.Flow) {
	if n.runnerCancel != nil {
		n.runnerCancel()
	}

	_, runAddr, err := flowAddresses(f)
	if err != nil {
		n.dropError(err, "flow addresses invalid")
		return
	}

	sig, err := n.market.QuitJob(ctx, runAddr)
	if err != nil {
		n.dropError(err, "quit submit failed")
		return
	}

	outcome := n.market.AwaitTx(ctx, sig)
	metrics.TransactionsTotal.WithLabelValues("quit", string(outcome)).Inc()
	if outcome != market.TxConfirmed {
		n.logger.Warn().Str("signature", sig).Str("outcome", string(outcome)).Msg("quit not confirmed")
		return
	}

	metrics.JobsQuitTotal.Inc()
	n.logger.Info().Str("flow_id", f.ID).Msg("expired run quit")
	n.clearActive()
}

func (n *Node) clearActive() {
	n.activeFlow = ""
	n.setState(StateIdle)
}

func flowAddresses(f *types.Flow) (job, run chain.Pubkey, err error) {
	job, err = chain.ParsePubkey(f.JobAddress())
	if err != nil {
		return
	}
	run, err = chain.ParsePubkey(f.RunAddress())
	return
}

// shutdown performs the cooperative exit: stop the runner (the persisted
// flow resumes on next start), leave the queue when no flow is active, and
// wait for the exit confirmation within a bounded window.
func (n *Node) shutdown() {
	n.logger.Info().Msg("shutting down")

	if n.runnerCancel != nil {
		n.runnerCancel()
		select {
		case <-n.runnerDone:
		case <-time.After(10 * time.Second):
			n.logger.Warn().Msg("runner did not stop in time")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), exitMarketTimeout)
	defer cancel()

	if n.activeFlow != "" {
		n.logger.Info().Str("flow_id", n.activeFlow).Msg("leaving active flow for resume")
	} else {
		mkt, err := n.market.GetMarket(ctx)
		if err != nil {
			n.logger.Warn().Err(err).Msg("market read failed during shutdown")
		} else if mkt.InQueue(n.market.NodeAddress()) {
			sig, err := n.market.ExitMarket(ctx)
			if err != nil {
				n.logger.Warn().Err(err).Msg("exit market failed")
			} else {
				outcome := n.market.AwaitTx(ctx, sig)
				metrics.TransactionsTotal.WithLabelValues("stop", string(outcome)).Inc()
				n.logger.Info().Str("outcome", string(outcome)).Msg("left market queue")
			}
		}
	}

	n.logger.Info().Msg("shutdown complete")
}
