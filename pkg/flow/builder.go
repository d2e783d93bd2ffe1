package flow

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mr-tron/base58"

	"github.com/nosana-ci/nosana-node/pkg/types"
)

// Op ids of the canonical pipeline flow.
const (
	OpClone      = "clone"
	OpCheckout   = "checkout"
	OpDockerCmds = "docker-cmds"
	OpWrapUp     = "wrap-up"
)

// Op types dispatched by the runner.
const (
	OpTypeEnsureRepo = "git.ensure-repo"
	OpTypeCheckout   = "git.checkout"
	OpTypeDockerRun  = "docker.run"
	OpTypeWrapUp     = "wrap-up"
)

// StateSecrets carries the job document's secret names, JSON-encoded.
const StateSecrets = "nosana/secrets"

// BuildInputs are the on-chain facts a flow is bound to.
type BuildInputs struct {
	JobAddress string
	RunAddress string
	Expires    int64
}

// Builder maps a job document to an executable flow.
type Builder interface {
	Build(doc *types.JobDocument, in BuildInputs) (*types.Flow, error)
}

// Registry dispatches job-type tags to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty builder registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// DefaultRegistry returns a registry with the built-in job types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(types.JobTypePipeline, pipelineBuilder{jobType: types.JobTypePipeline})
	r.Register(types.JobTypeGithub, pipelineBuilder{jobType: types.JobTypeGithub, urlBase: "https://github.com/"})
	r.Register(types.JobTypeGitlab, pipelineBuilder{jobType: types.JobTypeGitlab, urlBase: "https://gitlab.com/"})
	return r
}

// Register adds a builder for a job-type tag.
func (r *Registry) Register(jobType string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[jobType] = b
}

// Build dispatches on the document's type tag. An empty tag builds as
// Pipeline.
func (r *Registry) Build(doc *types.JobDocument, in BuildInputs) (*types.Flow, error) {
	jobType := doc.Type
	if jobType == "" {
		jobType = types.JobTypePipeline
	}

	r.mu.RLock()
	b, ok := r.builders[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	return b.Build(doc, in)
}

// pipelineBuilder produces the clone → checkout → docker-cmds → wrap-up flow.
// Github and Gitlab variants expand bare "owner/repo" urls against their host.
type pipelineBuilder struct {
	jobType string
	urlBase string
}

func (b pipelineBuilder) Build(doc *types.JobDocument, in BuildInputs) (*types.Flow, error) {
	if doc.Pipeline.Image == "" {
		return nil, fmt.Errorf("job document has no pipeline image")
	}

	repoURL := doc.URL
	if b.urlBase != "" && !strings.Contains(repoURL, "://") {
		repoURL = b.urlBase + strings.TrimPrefix(repoURL, "/")
	}

	state := map[string]string{
		types.StateJobType:    b.jobType,
		types.StateJobAddress: in.JobAddress,
		types.StateRunAddress: in.RunAddress,
		types.StateRepo:       repoURL,
		types.StateCommitSHA:  doc.Commit,
	}
	carryState(state, doc.State)

	cmds := make([]any, 0, len(doc.Pipeline.Commands))
	for _, cmd := range doc.Pipeline.Commands {
		cmds = append(cmds, cmd)
	}

	ops := []*types.Op{
		{
			Op: OpTypeEnsureRepo,
			ID: OpClone,
			Args: map[string]any{
				"url":  repoURL,
				"path": repoPath(repoURL),
			},
		},
		{
			Op:   OpTypeCheckout,
			ID:   OpCheckout,
			Args: map[string]any{"commit": doc.Commit},
			Deps: []string{OpClone},
		},
		{
			Op: OpTypeDockerRun,
			ID: OpDockerCmds,
			Args: map[string]any{
				"image": doc.Pipeline.Image,
				"cmds":  cmds,
			},
			Deps: []string{OpCheckout},
		},
		{
			Op:       OpTypeWrapUp,
			ID:       OpWrapUp,
			Args:     map[string]any{"ops": []any{OpClone, OpCheckout, OpDockerCmds}},
			Deps:     []string{OpDockerCmds},
			Terminal: true,
		},
	}

	flow := &types.Flow{
		Ops:     ops,
		State:   state,
		Results: make(map[string]types.OpResult),
		Expires: in.Expires,
	}
	flow.ID = flowID(flow)
	return flow, nil
}

// carryState copies job document state into the flow. Non-string values are
// JSON-encoded so the flow state stays a flat string map.
func carryState(state map[string]string, docState map[string]any) {
	for key, value := range docState {
		if s, ok := value.(string); ok {
			state[key] = s
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			continue
		}
		state[key] = string(encoded)
	}
}

// repoPath is the deterministic local checkout path for a repository url,
// relative to the node's work directory.
func repoPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "repos/" + base58.Encode(sum[:8])
}

// flowID is the content hash of the flow definition: identical documents and
// inputs always produce the same id.
func flowID(f *types.Flow) string {
	payload, _ := json.Marshal(struct {
		Ops   []*types.Op       `json:"ops"`
		State map[string]string `json:"state"`
	}{f.Ops, f.State})
	sum := sha256.Sum256(payload)
	return base58.Encode(sum[:])
}
