package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nosana-ci/nosana-node/pkg/docker"
	"github.com/nosana-ci/nosana-node/pkg/flow"
	"github.com/nosana-ci/nosana-node/pkg/types"
)

// ContainerEngine runs job containers.
type ContainerEngine interface {
	RunContainer(ctx context.Context, spec docker.RunSpec) error
}

// BlobStore uploads result documents.
type BlobStore interface {
	PutJSON(ctx context.Context, v any) (string, error)
}

// handlers holds the collaborators shared by all op implementations.
type handlers struct {
	engine  ContainerEngine
	blob    BlobStore
	workDir string
	now     func() time.Time
}

// Handlers wires the op implementations for the flow runner.
func Handlers(engine ContainerEngine, blob BlobStore, workDir string) flow.HandlerMap {
	h := &handlers{engine: engine, blob: blob, workDir: workDir, now: time.Now}
	return flow.HandlerMap{
		flow.OpTypeEnsureRepo: flow.HandlerFunc(h.ensureRepo),
		flow.OpTypeCheckout:   flow.HandlerFunc(h.checkout),
		flow.OpTypeDockerRun:  flow.HandlerFunc(h.dockerRun),
		flow.OpTypeWrapUp:     flow.HandlerFunc(h.wrapUp),
	}
}

// dockerRun executes the pipeline commands in the job's image with the
// checked-out repository mounted at /root. The op value is the log file path.
func (h *handlers) dockerRun(ctx context.Context, f *types.Flow, op *types.Op) (any, error) {
	image, _ := op.Args["image"].(string)
	if image == "" {
		return nil, fmt.Errorf("docker.run: missing image")
	}
	commands := stringSlice(op.Args["cmds"])

	workDir, err := depValue(f, op, 0)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(h.workDir, "logs", f.ID+"-"+op.ID+".log")
	spec := docker.RunSpec{
		Image:    image,
		Commands: commands,
		WorkDir:  workDir,
		Env:      secretEnv(f),
		LogPath:  logPath,
	}
	if err := h.engine.RunContainer(ctx, spec); err != nil {
		return nil, err
	}
	return logPath, nil
}

// wrapUp collects the selected op results, inlines the container log, and
// uploads the result document. The op value is the document's CID.
func (h *handlers) wrapUp(ctx context.Context, f *types.Flow, op *types.Op) (any, error) {
	selected := stringSlice(op.Args["ops"])

	results := make(map[string]types.OpResult, len(selected))
	for _, id := range selected {
		result, ok := f.Results[id]
		if !ok {
			continue
		}
		if id == flow.OpDockerCmds && result.OK() {
			logData, err := os.ReadFile(result.ValueString())
			if err != nil {
				return nil, fmt.Errorf("wrap-up: read log: %w", err)
			}
			result = types.OpResult{Status: result.Status, Value: string(logData)}
		}
		results[id] = result
	}

	doc := types.ResultDocument{
		NosID:      f.ID,
		FinishedAt: h.now().Unix(),
		Results:    results,
	}
	cid, err := h.blob.PutJSON(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("wrap-up: %w", err)
	}
	return cid, nil
}

// secretEnv resolves the job's secret names against the node environment.
func secretEnv(f *types.Flow) []string {
	raw, ok := f.State[flow.StateSecrets]
	if !ok {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil
	}
	env := make([]string, 0, len(names))
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			env = append(env, name+"="+value)
		}
	}
	return env
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
