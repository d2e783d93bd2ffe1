package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nosana-ci/nosana-node/pkg/chain"
	"github.com/nosana-ci/nosana-node/pkg/flow"
	"github.com/nosana-ci/nosana-node/pkg/health"
	"github.com/nosana-ci/nosana-node/pkg/ipfs"
	"github.com/nosana-ci/nosana-node/pkg/log"
	"github.com/nosana-ci/nosana-node/pkg/market"
	"github.com/nosana-ci/nosana-node/pkg/metrics"
	"github.com/nosana-ci/nosana-node/pkg/storage"
	"github.com/nosana-ci/nosana-node/pkg/types"
)

// State is the work loop's current position in its lifecycle.
type State string

const (
	StateCheckingHealth State = "checking-health"
	StateUnhealthy      State = "unhealthy"
	StateIdle           State = "idle"
	StateQueued         State = "queued"
	StateClaimed        State = "claimed"
	StateSettling       State = "settling"
	StateShuttingDown   State = "shutting-down"
)

// AllStates lists every loop state, for metrics.
var AllStates = []string{
	string(StateCheckingHealth),
	string(StateUnhealthy),
	string(StateIdle),
	string(StateQueued),
	string(StateClaimed),
	string(StateSettling),
	string(StateShuttingDown),
}

// exitMarketTimeout bounds the clean queue exit during shutdown.
const exitMarketTimeout = 60 * time.Second

// Market is the on-chain surface the loop drives.
type Market interface {
	GetMarket(ctx context.Context) (*types.Market, error)
	GetJob(ctx context.Context, addr chain.Pubkey) (*types.Job, error)
	FindMyRuns(ctx context.Context) (map[chain.Pubkey]*types.Run, error)
	EnterMarket(ctx context.Context) (string, error)
	FinishJob(ctx context.Context, job, run chain.Pubkey, digest [32]byte) (string, error)
	QuitJob(ctx context.Context, run chain.Pubkey) (string, error)
	ExitMarket(ctx context.Context) (string, error)
	AwaitTx(ctx context.Context, sig string) market.TxOutcome
	NodeAddress() chain.Pubkey
	MarketAddress() chain.Pubkey
}

// Blob fetches job documents by CID.
type Blob interface {
	GetJSON(ctx context.Context, cid string, out any) error
}

// Monitor gates the loop on node health.
type Monitor interface {
	Check(ctx context.Context) (*health.Report, error)
	Cached(ctx context.Context) (*health.Report, error)
}

// Engine is the slice of the container engine the loop itself touches.
type Engine interface {
	PruneVolumes(ctx context.Context) error
}

// Options wires a Node.
type Options struct {
	Market       Market
	Blob         Blob
	Monitor      Monitor
	Engine       Engine
	Store        storage.Store
	Registry     *flow.Registry
	Runner       *flow.Runner
	PollInterval time.Duration
}

// Node drives the work loop: health gate, run discovery, flow execution,
// settlement, and queue membership.
type Node struct {
	market   Market
	blob     Blob
	monitor  Monitor
	engine   Engine
	store    storage.Store
	registry *flow.Registry
	runner   *flow.Runner
	logger   zerolog.Logger

	pollInterval time.Duration
	now          func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	// Loop-private between ticks; mu only covers the observer snapshot.
	activeFlow   string
	running      bool
	runnerDone   chan error
	runnerCancel context.CancelFunc

	mu    sync.RWMutex
	state State
}

// New creates a node from its collaborators.
func New(opts Options) *Node {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Node{
		market:       opts.Market,
		blob:         opts.Blob,
		monitor:      opts.Monitor,
		engine:       opts.Engine,
		store:        opts.Store,
		registry:     opts.Registry,
		runner:       opts.Runner,
		logger:       log.WithComponent("node"),
		pollInterval: opts.PollInterval,
		now:          time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		runnerDone:   make(chan error, 1),
		state:        StateCheckingHealth,
	}
}

// Start logs the boot banner and launches the work loop.
func (n *Node) Start(ctx context.Context) error {
	report, err := n.monitor.Check(ctx)
	if err != nil {
		n.logger.Warn().Err(err).Msg("initial health check failed")
	} else {
		banner := n.logger.Info().
			Str("node", n.market.NodeAddress().String()).
			Str("market", n.market.MarketAddress().String()).
			Str("status", report.Status).
			Uint64("sol_balance", report.Snapshot.SolBalance).
			Uint64("nos_balance", report.Snapshot.NosBalance).
			Int("nft_count", report.Snapshot.NftCount)
		if len(report.Reasons) > 0 {
			banner = banner.Strs("reasons", report.Reasons)
		}
		banner.Msg("node starting")
	}

	go n.run()
	return nil
}

// Stop signals the loop to shut down and waits for it to finish.
func (n *Node) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

// State returns the loop's current state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
	metrics.SetLoopState(string(s), AllStates)
}

// run is the work loop. Exceptions during RPC or IO are logged and leave the
// loop in its current state; it never terminates on transient failure.
func (n *Node) run() {
	defer close(n.doneCh)

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	n.tick(context.Background())
	for {
		select {
		case <-ticker.C:
			n.tick(context.Background())
		case <-n.stopCh:
			n.setState(StateShuttingDown)
			n.shutdown()
			return
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	metrics.LoopTicksTotal.Inc()

	report, err := n.monitor.Cached(ctx)
	if err != nil {
		n.dropError(err, "health check failed")
		return
	}
	metrics.HealthChecksTotal.WithLabelValues(report.Status).Inc()
	if !report.Healthy() {
		n.setState(StateUnhealthy)
		return
	}
	if n.State() == StateUnhealthy || n.State() == StateCheckingHealth {
		n.setState(StateIdle)
	}

	if n.activeFlow != "" {
		n.progressFlow(ctx)
		return
	}

	run, job, err := n.findNextAssignedRun(ctx)
	if err != nil {
		n.dropError(err, "run lookup failed")
		return
	}
	if run != nil {
		flowID, err := n.claimRun(ctx, run, job)
		if err != nil {
			n.dropError(err, "claim failed")
			return
		}
		n.activeFlow = flowID
		n.setState(StateClaimed)
		n.logger.Info().Str("flow_id", flowID).Str("job", run.Job.String()).Msg("run claimed")
		n.progressFlow(ctx)
		return
	}

	mkt, err := n.market.GetMarket(ctx)
	if err != nil {
		n.dropError(err, "market read failed")
		return
	}
	if mkt.InQueue(n.market.NodeAddress()) {
		n.setState(StateQueued)
		return
	}

	sig, err := n.market.EnterMarket(ctx)
	if err != nil {
		n.dropError(err, "enter market failed")
		return
	}
	outcome := n.market.AwaitTx(ctx, sig)
	metrics.TransactionsTotal.WithLabelValues("work", string(outcome)).Inc()
	if outcome == market.TxConfirmed {
		n.setState(StateQueued)
	} else {
		n.logger.Warn().Str("signature", sig).Str("outcome", string(outcome)).Msg("enter market not confirmed")
	}
}

// findNextAssignedRun fetches this node's runs and returns the first whose
// job belongs to the configured market, guarding against stale runs from a
// previous market.
func (n *Node) findNextAssignedRun(ctx context.Context) (*types.Run, *types.Job, error) {
	runs, err := n.market.FindMyRuns(ctx)
	if err != nil {
		return nil, nil, err
	}

	addrs := make([]chain.Pubkey, 0, len(runs))
	for addr := range runs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})

	for _, addr := range addrs {
		run := runs[addr]
		job, err := n.market.GetJob(ctx, run.Job)
		if err != nil {
			return nil, nil, err
		}
		if job.Market == n.market.MarketAddress() {
			return run, job, nil
		}
		n.logger.Warn().Str("run", addr.String()).Msg("ignoring run from another market")
	}
	return nil, nil, nil
}

// claimRun materializes a flow for an assigned run. The flow and its job
// binding are durable before the flow id is returned for scheduling. A job
// already bound to a flow resumes that flow.
func (n *Node) claimRun(ctx context.Context, run *types.Run, job *types.Job) (string, error) {
	jobAddr := run.Job.String()

	if flowID, err := n.store.FlowForJob(jobAddr); err == nil {
		if _, err := n.store.GetFlow(flowID); err != nil {
			return "", fmt.Errorf("bound flow %s missing: %w", flowID, err)
		}
		return flowID, nil
	}

	cidStr, err := ipfs.CidFromDigest(job.IpfsJob)
	if err != nil {
		return "", err
	}
	var doc types.JobDocument
	if err := n.blob.GetJSON(ctx, cidStr, &doc); err != nil {
		return "", fmt.Errorf("fetch job document: %w", err)
	}

	mkt, err := n.market.GetMarket(ctx)
	if err != nil {
		return "", err
	}

	f, err := n.registry.Build(&doc, flow.BuildInputs{
		JobAddress: jobAddr,
		RunAddress: run.Address.String(),
		Expires:    run.Time + mkt.JobTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("build flow: %w", err)
	}

	if err := n.store.PutFlow(f); err != nil {
		return "", err
	}
	flowID, err := n.store.BindJob(jobAddr, f.ID)
	if err != nil {
		return "", err
	}
	return flowID, nil
}

func (n *Node) dropError(err error, msg string) {
	metrics.RPCErrorsTotal.Inc()
	n.logger.Warn().Err(err).Msg(msg)
}
