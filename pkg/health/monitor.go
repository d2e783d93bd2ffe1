package health

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/nosana-ci/nosana-node/pkg/chain"
	"github.com/nosana-ci/nosana-node/pkg/log"
)

// Statuses reported by the monitor.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Unhealthy reasons. Each is independent; a report may carry several.
const (
	ReasonNoSigner          = "signer key absent"
	ReasonLowSolBalance     = "sol balance below minimum"
	ReasonNoAccessKey       = "market access key not held"
	ReasonNoBlobCredential  = "blob store credential absent"
	ReasonEngineUnreachable = "container engine unreachable"
)

// MinSolBalance is the minimum lamport balance required to operate (0.01 SOL).
const MinSolBalance uint64 = 10_000_000

// CheckInterval bounds how often the chain is probed; verdicts are cached in
// between.
const CheckInterval = 15 * time.Minute

// ChainProber reads balances and token holdings.
type ChainProber interface {
	GetBalance(ctx context.Context, addr chain.Pubkey) (uint64, error)
	GetTokenBalance(ctx context.Context, tokenAccount chain.Pubkey) (uint64, error)
	CountTokenAccounts(ctx context.Context, owner, mint chain.Pubkey) (int, error)
}

// EnginePinger checks container engine reachability.
type EnginePinger interface {
	Ping(ctx context.Context) error
}

// Snapshot captures the probed node resources.
type Snapshot struct {
	SolBalance uint64 `json:"sol_balance"`
	NosBalance uint64 `json:"nos_balance"`
	NftCount   int    `json:"nft_count"`
}

// Report is a health verdict with the snapshot it was based on.
type Report struct {
	Status    string    `json:"status"`
	Snapshot  Snapshot  `json:"snapshot"`
	Reasons   []string  `json:"reasons,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether the node may take work.
func (r *Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// Config holds the facts the monitor gates on.
type Config struct {
	Node              chain.Pubkey
	Mint              chain.Pubkey
	AccessKey         chain.Pubkey
	OpenMarket        bool
	HasSigner         bool
	HasBlobCredential bool
}

// Monitor classifies the node as healthy or unhealthy with a reason list.
type Monitor struct {
	prober ChainProber
	engine EnginePinger
	cfg    Config
	logger zerolog.Logger

	now func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewMonitor creates a health monitor.
func NewMonitor(prober ChainProber, engine EnginePinger, cfg Config) *Monitor {
	return &Monitor{
		prober: prober,
		engine: engine,
		cfg:    cfg,
		logger: log.WithComponent("health"),
		now:    time.Now,
	}
}

// Cached returns the last verdict, re-probing when it is older than
// CheckInterval.
func (m *Monitor) Cached(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	if last != nil && m.now().Sub(last.CheckedAt) < CheckInterval {
		return last, nil
	}
	return m.Check(ctx)
}

// Check probes balances, credentials and the container engine, and records
// the verdict.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	var reasons []string
	var snapshot Snapshot
	var probeErr *multierror.Error

	if !m.cfg.HasSigner {
		reasons = append(reasons, ReasonNoSigner)
	}
	if !m.cfg.HasBlobCredential {
		reasons = append(reasons, ReasonNoBlobCredential)
	}

	if m.cfg.HasSigner {
		balance, err := m.prober.GetBalance(ctx, m.cfg.Node)
		if err != nil {
			probeErr = multierror.Append(probeErr, err)
		} else {
			snapshot.SolBalance = balance
			if balance < MinSolBalance {
				reasons = append(reasons, ReasonLowSolBalance)
			}
		}

		if tokenAccount, err := chain.DeriveTokenAddress(m.cfg.Node, m.cfg.Mint); err == nil {
			if nos, err := m.prober.GetTokenBalance(ctx, tokenAccount); err != nil {
				probeErr = multierror.Append(probeErr, err)
			} else {
				snapshot.NosBalance = nos
			}
		}

		count, err := m.prober.CountTokenAccounts(ctx, m.cfg.Node, m.cfg.AccessKey)
		if err != nil {
			probeErr = multierror.Append(probeErr, err)
		} else {
			snapshot.NftCount = count
			if count < 1 && !m.cfg.OpenMarket {
				reasons = append(reasons, ReasonNoAccessKey)
			}
		}
	}

	if err := m.engine.Ping(ctx); err != nil {
		reasons = append(reasons, ReasonEngineUnreachable)
	}

	if err := probeErr.ErrorOrNil(); err != nil {
		return nil, err
	}

	report := &Report{
		Status:    StatusHealthy,
		Snapshot:  snapshot,
		Reasons:   reasons,
		CheckedAt: m.now(),
	}
	if len(reasons) > 0 {
		report.Status = StatusUnhealthy
		m.logger.Warn().Strs("reasons", reasons).Msg("node unhealthy")
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report, nil
}
