package node

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosana-ci/nosana-node/pkg/chain"
	"github.com/nosana-ci/nosana-node/pkg/flow"
	"github.com/nosana-ci/nosana-node/pkg/health"
	"github.com/nosana-ci/nosana-node/pkg/ipfs"
	"github.com/nosana-ci/nosana-node/pkg/log"
	"github.com/nosana-ci/nosana-node/pkg/market"
	"github.com/nosana-ci/nosana-node/pkg/storage"
	"github.com/nosana-ci/nosana-node/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func pk(b byte) chain.Pubkey {
	var p chain.Pubkey
	p[0] = b
	return p
}

// fakeMarket implements the Market interface against in-memory chain state.
type fakeMarket struct {
	mu sync.Mutex

	node       chain.Pubkey
	marketAddr chain.Pubkey
	market     *types.Market
	runs       map[chain.Pubkey]*types.Run
	jobs       map[chain.Pubkey]*types.Job

	enterCalls  int
	finishCalls int
	quitCalls   int
	exitCalls   int
	marketReads int
	runLookups  int

	finishDigest [32]byte
	outcome      market.TxOutcome
}

func newFakeMarket() *fakeMarket {
	marketAddr := pk(0xAA)
	return &fakeMarket{
		node:       pk(1),
		marketAddr: marketAddr,
		market:     &types.Market{Address: marketAddr, JobTimeout: 3600},
		runs:       make(map[chain.Pubkey]*types.Run),
		jobs:       make(map[chain.Pubkey]*types.Job),
		outcome:    market.TxConfirmed,
	}
}

func (f *fakeMarket) GetMarket(context.Context) (*types.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketReads++
	copied := *f.market
	return &copied, nil
}

func (f *fakeMarket) GetJob(_ context.Context, addr chain.Pubkey) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[addr]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", addr, chain.ErrAccountNotFound)
	}
	return job, nil
}

func (f *fakeMarket) GetRun(_ context.Context, addr chain.Pubkey) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[addr]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", addr, chain.ErrAccountNotFound)
	}
	return run, nil
}

func (f *fakeMarket) FindMyRuns(context.Context) (map[chain.Pubkey]*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runLookups++
	out := make(map[chain.Pubkey]*types.Run, len(f.runs))
	for addr, run := range f.runs {
		out[addr] = run
	}
	return out, nil
}

func (f *fakeMarket) EnterMarket(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enterCalls++
	f.market.Queue = append(f.market.Queue, f.node)
	return "sig-enter", nil
}

func (f *fakeMarket) FinishJob(_ context.Context, _, run chain.Pubkey, digest [32]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishCalls++
	f.finishDigest = digest
	delete(f.runs, run)
	return "sig-finish", nil
}

func (f *fakeMarket) QuitJob(_ context.Context, run chain.Pubkey) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quitCalls++
	delete(f.runs, run)
	return "sig-quit", nil
}

func (f *fakeMarket) ExitMarket(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCalls++
	f.market.Queue = nil
	return "sig-exit", nil
}

func (f *fakeMarket) AwaitTx(context.Context, string) market.TxOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

func (f *fakeMarket) NodeAddress() chain.Pubkey   { return f.node }
func (f *fakeMarket) MarketAddress() chain.Pubkey { return f.marketAddr }

// fakeBlob serves job documents by CID.
type fakeBlob struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{docs: make(map[string][]byte)}
}

func (f *fakeBlob) put(cid string, v any) {
	data, _ := json.Marshal(v)
	f.mu.Lock()
	f.docs[cid] = data
	f.mu.Unlock()
}

func (f *fakeBlob) GetJSON(_ context.Context, cid string, out any) error {
	f.mu.Lock()
	data, ok := f.docs[cid]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("cid %s not found", cid)
	}
	return json.Unmarshal(data, out)
}

// fakeMonitor returns a scripted verdict.
type fakeMonitor struct {
	mu     sync.Mutex
	report *health.Report
}

func (f *fakeMonitor) set(status string, reasons ...string) {
	f.mu.Lock()
	f.report = &health.Report{Status: status, Reasons: reasons, CheckedAt: time.Now()}
	f.mu.Unlock()
}

func (f *fakeMonitor) Check(context.Context) (*health.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report, nil
}

func (f *fakeMonitor) Cached(ctx context.Context) (*health.Report, error) {
	return f.Check(ctx)
}

type fakeEngine struct {
	mu     sync.Mutex
	prunes int
}

func (f *fakeEngine) PruneVolumes(context.Context) error {
	f.mu.Lock()
	f.prunes++
	f.mu.Unlock()
	return nil
}

// testHarness bundles a node with its fakes.
type testHarness struct {
	node    *Node
	market  *fakeMarket
	blob    *fakeBlob
	monitor *fakeMonitor
	engine  *fakeEngine
	store   storage.Store
	cid     string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mkt := newFakeMarket()
	blob := newFakeBlob()
	monitor := &fakeMonitor{}
	monitor.set(health.StatusHealthy)
	engine := &fakeEngine{}

	resultDigest := sha256.Sum256([]byte("result document"))
	resultCid, err := ipfs.CidFromDigest(resultDigest)
	require.NoError(t, err)

	handlers := flow.HandlerMap{
		flow.OpTypeEnsureRepo: stubHandler("/work/repo"),
		flow.OpTypeCheckout:   stubHandler("/work/repo"),
		flow.OpTypeDockerRun:  stubHandler("/work/logs/run.log"),
		flow.OpTypeWrapUp:     stubHandler(resultCid),
	}
	runner := flow.NewRunner(store, handlers)

	n := New(Options{
		Market:       mkt,
		Blob:         blob,
		Monitor:      monitor,
		Engine:       engine,
		Store:        store,
		Registry:     flow.DefaultRegistry(),
		Runner:       runner,
		PollInterval: 10 * time.Millisecond,
	})

	return &testHarness{
		node:    n,
		market:  mkt,
		blob:    blob,
		monitor: monitor,
		engine:  engine,
		store:   store,
		cid:     resultCid,
	}
}

func stubHandler(value any) flow.Handler {
	return flow.HandlerFunc(func(context.Context, *types.Flow, *types.Op) (any, error) {
		return value, nil
	})
}

// assignRun installs a run for this node pointing at a job whose document is
// resolvable through the fake blob store.
func (h *testHarness) assignRun(t *testing.T, claimedAt int64) (runAddr, jobAddr chain.Pubkey) {
	t.Helper()

	doc := types.JobDocument{
		Type:     types.JobTypePipeline,
		URL:      "https://github.com/nosana-ci/example.git",
		Commit:   "abc123",
		Pipeline: types.Pipeline{Image: "alpine", Commands: []string{"echo hi"}},
	}
	docJSON, err := json.Marshal(doc)
	require.NoError(t, err)
	digest := sha256.Sum256(docJSON)
	docCid, err := ipfs.CidFromDigest(digest)
	require.NoError(t, err)
	h.blob.put(docCid, doc)

	runAddr, jobAddr = pk(0x10), pk(0x20)
	h.market.mu.Lock()
	h.market.jobs[jobAddr] = &types.Job{
		Address: jobAddr,
		Market:  h.market.marketAddr,
		IpfsJob: digest,
	}
	h.market.runs[runAddr] = &types.Run{
		Address: runAddr,
		Job:     jobAddr,
		Node:    h.market.node,
		Time:    claimedAt,
	}
	h.market.mu.Unlock()
	return runAddr, jobAddr
}

func (h *testHarness) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	require.Eventually(t, func() bool {
		h.node.tick(ctx)
		return cond()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	_, jobAddr := h.assignRun(t, time.Now().Unix())

	h.tickUntil(t, func() bool {
		h.market.mu.Lock()
		defer h.market.mu.Unlock()
		return h.market.finishCalls == 1
	})

	// The flow's container op has a recorded result.
	flowID, err := h.store.FlowForJob(jobAddr.String())
	require.NoError(t, err)
	f, err := h.store.GetFlow(flowID)
	require.NoError(t, err)
	result, ok := f.Result(flow.OpDockerCmds)
	require.True(t, ok)
	assert.True(t, result.OK())

	// The result CID made it into the finish transaction.
	cid, ok := f.ResultCID()
	require.True(t, ok)
	assert.Equal(t, h.cid, cid)
	wantDigest, err := ipfs.DigestFromCid(h.cid)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, h.market.finishDigest)

	// Volumes were garbage-collected before settling.
	assert.Equal(t, 1, h.engine.prunes)

	// No active flow and not queued after settlement.
	assert.Empty(t, h.node.activeFlow)
	assert.Equal(t, StateIdle, h.node.State())
	assert.False(t, h.market.market.InQueue(h.market.node))
	assert.Zero(t, h.market.quitCalls)
}

func TestExpiredRunIsQuit(t *testing.T) {
	h := newHarness(t)

	claimedAt := int64(1_000_000)
	runAddr, jobAddr := h.assignRun(t, claimedAt)
	h.market.market.JobTimeout = 60

	// The clock sits past the deadline before any op can run.
	h.node.now = func() time.Time { return time.Unix(claimedAt+61, 0) }

	h.tickUntil(t, func() bool {
		h.market.mu.Lock()
		defer h.market.mu.Unlock()
		return h.market.quitCalls == 1
	})

	assert.Zero(t, h.market.finishCalls, "expired run must not be finished")
	assert.Empty(t, h.node.activeFlow)

	// The persisted flow carried the deadline from the run claim.
	flowID, err := h.store.FlowForJob(jobAddr.String())
	require.NoError(t, err)
	f, err := h.store.GetFlow(flowID)
	require.NoError(t, err)
	assert.Equal(t, claimedAt+60, f.Expires)
	_ = runAddr
}

func TestRequeueAfterLostClaim(t *testing.T) {
	h := newHarness(t)

	// No assigned runs, empty queue: the node enters the market.
	h.node.tick(context.Background())
	assert.Equal(t, 1, h.market.enterCalls)
	assert.Equal(t, StateQueued, h.node.State())

	// Still queued: no duplicate enter.
	h.node.tick(context.Background())
	assert.Equal(t, 1, h.market.enterCalls)
	assert.Equal(t, StateQueued, h.node.State())

	// Dequeued without an assigned run (claim lost): enter again.
	h.market.mu.Lock()
	h.market.market.Queue = nil
	h.market.mu.Unlock()
	h.node.tick(context.Background())
	assert.Equal(t, 2, h.market.enterCalls)
}

func TestRestartResumesPersistedFlow(t *testing.T) {
	h := newHarness(t)
	_, jobAddr := h.assignRun(t, time.Now().Unix())

	// A previous process got as far as the container op.
	doc := types.JobDocument{
		Type:     types.JobTypePipeline,
		URL:      "https://github.com/nosana-ci/example.git",
		Commit:   "abc123",
		Pipeline: types.Pipeline{Image: "alpine", Commands: []string{"echo hi"}},
	}
	registry := flow.DefaultRegistry()
	f, err := registry.Build(&doc, flow.BuildInputs{
		JobAddress: jobAddr.String(),
		RunAddress: pk(0x10).String(),
	})
	require.NoError(t, err)
	f.SetResult(flow.OpClone, types.OpResult{Status: types.OpStatusOK, Value: "/work/repo"})
	f.SetResult(flow.OpCheckout, types.OpResult{Status: types.OpStatusOK, Value: "/work/repo"})
	f.SetResult(flow.OpDockerCmds, types.OpResult{Status: types.OpStatusOK, Value: "/tmp/log"})
	require.NoError(t, h.store.PutFlow(f))
	_, err = h.store.BindJob(jobAddr.String(), f.ID)
	require.NoError(t, err)

	h.tickUntil(t, func() bool {
		h.market.mu.Lock()
		defer h.market.mu.Unlock()
		return h.market.finishCalls == 1
	})

	// The same flow id was resumed, not rebuilt.
	flowID, err := h.store.FlowForJob(jobAddr.String())
	require.NoError(t, err)
	assert.Equal(t, f.ID, flowID)

	resumed, err := h.store.GetFlow(flowID)
	require.NoError(t, err)
	assert.True(t, resumed.Finished())
}

func TestUnhealthyNodeMakesNoChainCalls(t *testing.T) {
	h := newHarness(t)
	h.monitor.set(health.StatusUnhealthy, health.ReasonLowSolBalance)

	h.node.tick(context.Background())
	assert.Equal(t, StateUnhealthy, h.node.State())

	h.node.tick(context.Background())
	assert.Zero(t, h.market.runLookups)
	assert.Zero(t, h.market.marketReads)
	assert.Zero(t, h.market.enterCalls)

	// Balance topped up: the next verdict is healthy and the loop proceeds.
	h.monitor.set(health.StatusHealthy)
	h.node.tick(context.Background())
	assert.NotEqual(t, StateUnhealthy, h.node.State())
	assert.Equal(t, 1, h.market.runLookups)
}

func TestShutdownWhileQueuedExitsMarket(t *testing.T) {
	h := newHarness(t)

	h.node.tick(context.Background())
	require.Equal(t, StateQueued, h.node.State())

	h.node.shutdown()

	assert.Equal(t, 1, h.market.exitCalls)
	assert.Zero(t, h.market.finishCalls)
	assert.Zero(t, h.market.quitCalls)
}

func TestShutdownWithActiveFlowLeavesIt(t *testing.T) {
	h := newHarness(t)
	h.node.activeFlow = "flow-in-progress"

	h.node.shutdown()

	assert.Zero(t, h.market.exitCalls, "queue exit skipped while a flow is active")
	assert.Zero(t, h.market.quitCalls, "active flow is never quit on shutdown")
}

func TestStaleRunFromOtherMarketIgnored(t *testing.T) {
	h := newHarness(t)

	jobAddr := pk(0x30)
	h.market.mu.Lock()
	h.market.jobs[jobAddr] = &types.Job{Address: jobAddr, Market: pk(0x99)}
	h.market.runs[pk(0x31)] = &types.Run{Address: pk(0x31), Job: jobAddr, Node: h.market.node}
	h.market.mu.Unlock()

	h.node.tick(context.Background())

	assert.Empty(t, h.node.activeFlow)
	assert.Equal(t, 1, h.market.enterCalls, "node queues instead of claiming the stale run")
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.node.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.node.State() == StateQueued
	}, 5*time.Second, 10*time.Millisecond)

	h.node.Stop()
	assert.Equal(t, StateShuttingDown, h.node.State())
	assert.Equal(t, 1, h.market.exitCalls)
}
