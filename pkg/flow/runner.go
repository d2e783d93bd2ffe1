package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nosana-ci/nosana-node/pkg/log"
	"github.com/nosana-ci/nosana-node/pkg/metrics"
	"github.com/nosana-ci/nosana-node/pkg/storage"
	"github.com/nosana-ci/nosana-node/pkg/types"
)

// Handler executes one operation kind. The returned value is recorded as the
// op's result.
type Handler interface {
	Run(ctx context.Context, flow *types.Flow, op *types.Op) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, flow *types.Flow, op *types.Op) (any, error)

func (f HandlerFunc) Run(ctx context.Context, flow *types.Flow, op *types.Op) (any, error) {
	return f(ctx, flow, op)
}

// HandlerMap maps op types to their handlers.
type HandlerMap map[string]Handler

// Runner advances a flow's operations in dependency order, persisting every
// recorded result before the next op starts.
type Runner struct {
	store    storage.Store
	handlers HandlerMap
	logger   zerolog.Logger
}

// NewRunner creates a runner over the given store and handlers.
func NewRunner(store storage.Store, handlers HandlerMap) *Runner {
	return &Runner{
		store:    store,
		handlers: handlers,
		logger:   log.WithComponent("runner"),
	}
}

// Run executes every op that has no recorded result yet. Ops whose
// dependencies failed are recorded as failed without executing; the terminal
// op runs regardless so the result document captures partial failures. A
// terminal op error is not recorded, leaving it eligible for retry on the
// next pass.
func (r *Runner) Run(ctx context.Context, flow *types.Flow) error {
	logger := r.logger.With().Str("flow_id", flow.ID).Logger()

	for _, op := range flow.Ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, done := flow.Results[op.ID]; done {
			continue
		}

		if failed := r.firstFailedDep(flow, op); failed != "" && !op.Terminal {
			flow.SetResult(op.ID, types.OpResult{
				Status: types.OpStatusError,
				Value:  fmt.Sprintf("upstream op %s failed", failed),
			})
			if err := r.store.PutFlow(flow); err != nil {
				return fmt.Errorf("persist flow: %w", err)
			}
			continue
		}

		handler, ok := r.handlers[op.Op]
		if !ok {
			return fmt.Errorf("no handler for op type %q", op.Op)
		}

		logger.Info().Str("op", op.ID).Msg("running op")
		started := time.Now()
		value, err := handler.Run(ctx, flow, op)
		metrics.OpDuration.WithLabelValues(op.Op).Observe(time.Since(started).Seconds())
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Cancelled mid-op: record nothing, resume picks it up.
			return ctxErr
		}

		if err != nil {
			if op.Terminal {
				return fmt.Errorf("op %s: %w", op.ID, err)
			}
			logger.Warn().Err(err).Str("op", op.ID).Msg("op failed")
			flow.SetResult(op.ID, types.OpResult{Status: types.OpStatusError, Value: err.Error()})
		} else {
			flow.SetResult(op.ID, types.OpResult{Status: types.OpStatusOK, Value: value})
			if op.Terminal {
				flow.SetResult(types.ResultIPFS, types.OpResult{Status: types.OpStatusOK, Value: value})
			}
		}

		if err := r.store.PutFlow(flow); err != nil {
			return fmt.Errorf("persist flow: %w", err)
		}
	}

	logger.Info().Msg("flow complete")
	return nil
}

func (r *Runner) firstFailedDep(flow *types.Flow, op *types.Op) string {
	for _, dep := range op.Deps {
		if result, ok := flow.Results[dep]; ok && !result.OK() {
			return dep
		}
	}
	return ""
}
