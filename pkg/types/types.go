package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nosana-ci/nosana-node/pkg/chain"
)

// Job type tags carried in a flow's state map.
const (
	JobTypePipeline = "Pipeline"
	JobTypeGithub   = "Github"
	JobTypeGitlab   = "Gitlab"
)

// State map keys.
const (
	StateJobType    = "nosana/job-type"
	StateJobAddress = "input/job-addr"
	StateRunAddress = "input/run-addr"
	StateRepo       = "input/repo"
	StateCommitSHA  = "input/commit-sha"
)

// ResultIPFS is the results key holding the uploaded result CID.
const ResultIPFS = "result/ipfs"

// Op statuses.
const (
	OpStatusOK    = "ok"
	OpStatusError = "error"
)

// Run states as stored on chain.
const (
	RunStateQueued   uint8 = 0
	RunStateRunning  uint8 = 1
	RunStateFinished uint8 = 2
)

// Market is the on-chain record coordinating the node queue. Read-only from
// the node's perspective.
type Market struct {
	Address         chain.Pubkey
	Authority       chain.Pubkey
	JobPrice        uint64
	JobTimeout      int64
	JobType         uint8
	Vault           chain.Pubkey
	VaultBump       uint8
	NodeAccessKey   chain.Pubkey
	NodeXnosMinimum uint64
	QueueType       uint8
	Queue           []chain.Pubkey
}

// InQueue reports whether the node address is waiting in the market queue.
func (m *Market) InQueue(node chain.Pubkey) bool {
	for _, entry := range m.Queue {
		if entry == node {
			return true
		}
	}
	return false
}

// Run binds a node to a job. Created when the node claims a queue position,
// destroyed on finish or quit.
type Run struct {
	Address chain.Pubkey
	Job     chain.Pubkey
	Node    chain.Pubkey
	Payer   chain.Pubkey
	State   uint8
	Time    int64
}

// Job references an off-chain job document by content hash.
type Job struct {
	Address   chain.Pubkey
	Market    chain.Pubkey
	Node      chain.Pubkey
	Payer     chain.Pubkey
	IpfsJob   [32]byte
	Price     uint64
	State     uint8
	TimeStart int64
	TimeEnd   int64
}

// JobDocument is the JSON document a job's CID resolves to.
type JobDocument struct {
	Type     string         `json:"type"`
	URL      string         `json:"url"`
	Commit   string         `json:"commit"`
	Pipeline Pipeline       `json:"pipeline"`
	State    map[string]any `json:"state,omitempty"`
}

// Pipeline describes the container step of a job.
type Pipeline struct {
	Image    string   `json:"image"`
	Commands []string `json:"commands"`
}

// Op is a single operation within a flow.
type Op struct {
	Op       string         `json:"op"`
	ID       string         `json:"id"`
	Args     map[string]any `json:"args,omitempty"`
	Deps     []string       `json:"deps,omitempty"`
	Terminal bool           `json:"terminal,omitempty"`
}

// OpResult is the recorded outcome of an operation. It serializes as the
// two-element tuple [status, value].
type OpResult struct {
	Status string
	Value  any
}

func (r OpResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Status, r.Value})
}

func (r *OpResult) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("op result: want [status, value], got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &r.Status); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &r.Value)
}

// OK reports whether the op completed successfully.
func (r OpResult) OK() bool {
	return r.Status == OpStatusOK
}

// ValueString returns the result value when it is a string.
func (r OpResult) ValueString() string {
	s, _ := r.Value.(string)
	return s
}

// Flow is the local executable plan derived from a job document. It is the
// unit of work persisted on disk.
type Flow struct {
	ID      string              `json:"id"`
	Ops     []*Op               `json:"ops"`
	State   map[string]string   `json:"state"`
	Results map[string]OpResult `json:"results"`
	Expires int64               `json:"expires,omitempty"`
}

// SetResult records an op outcome. Results grow monotonically; an existing
// status is never overwritten.
func (f *Flow) SetResult(id string, result OpResult) {
	if f.Results == nil {
		f.Results = make(map[string]OpResult)
	}
	if _, exists := f.Results[id]; exists {
		return
	}
	f.Results[id] = result
}

// Result returns the recorded outcome for an op id.
func (f *Flow) Result(id string) (OpResult, bool) {
	r, ok := f.Results[id]
	return r, ok
}

// Finished reports whether the flow has produced and recorded its result CID.
func (f *Flow) Finished() bool {
	_, ok := f.Results[ResultIPFS]
	return ok
}

// ResultCID returns the uploaded result CID, if any.
func (f *Flow) ResultCID() (string, bool) {
	r, ok := f.Results[ResultIPFS]
	if !ok {
		return "", false
	}
	return r.ValueString(), true
}

// Expired reports whether the flow's deadline has passed.
func (f *Flow) Expired(now time.Time) bool {
	return f.Expires != 0 && now.Unix() > f.Expires
}

// Completed reports whether every op has a recorded status.
func (f *Flow) Completed() bool {
	for _, op := range f.Ops {
		if _, ok := f.Results[op.ID]; !ok {
			return false
		}
	}
	return true
}

// JobAddress returns the job this flow was built for.
func (f *Flow) JobAddress() string {
	return f.State[StateJobAddress]
}

// RunAddress returns the run this flow settles against.
func (f *Flow) RunAddress() string {
	return f.State[StateRunAddress]
}

// ResultDocument is the artifact uploaded by the terminal wrap-up op.
type ResultDocument struct {
	NosID      string              `json:"nos-id"`
	FinishedAt int64               `json:"finished-at"`
	Results    map[string]OpResult `json:"results"`
}
