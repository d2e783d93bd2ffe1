package storage

import (
	"errors"

	"github.com/nosana-ci/nosana-node/pkg/types"
)

// ErrNotFound is returned when a flow or job binding does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for flow persistence.
// BoltStore implements it over BoltDB.
type Store interface {
	// Flows
	PutFlow(flow *types.Flow) error
	GetFlow(id string) (*types.Flow, error)
	ListFlows() ([]*types.Flow, error)
	DeleteFlow(id string) error

	// Job bindings
	// BindJob maps a job address to a flow id. The mapping is monotonic:
	// once written it is never replaced, and the bound id is returned.
	BindJob(jobAddr, flowID string) (string, error)
	FlowForJob(jobAddr string) (string, error)

	// Utility
	Close() error
}
