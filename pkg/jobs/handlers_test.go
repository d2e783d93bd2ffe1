package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nosana-ci/nosana-node/pkg/docker"
	"github.com/nosana-ci/nosana-node/pkg/flow"
	"github.com/nosana-ci/nosana-node/pkg/log"
	"github.com/nosana-ci/nosana-node/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type fakeEngine struct {
	spec docker.RunSpec
	err  error
}

func (f *fakeEngine) RunContainer(_ context.Context, spec docker.RunSpec) error {
	f.spec = spec
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(spec.LogPath, []byte("hi\n"), 0644)
}

type fakeBlob struct {
	doc types.ResultDocument
	err error
}

func (f *fakeBlob) PutJSON(_ context.Context, v any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	doc, ok := v.(types.ResultDocument)
	if !ok {
		return "", fmt.Errorf("unexpected upload type %T", v)
	}
	f.doc = doc
	return "QmUploaded", nil
}

func testFlow() *types.Flow {
	return &types.Flow{
		ID: "flow-x",
		Ops: []*types.Op{
			{Op: flow.OpTypeDockerRun, ID: flow.OpDockerCmds,
				Args: map[string]any{"image": "alpine", "cmds": []any{"echo hi"}},
				Deps: []string{flow.OpCheckout}},
			{Op: flow.OpTypeWrapUp, ID: flow.OpWrapUp,
				Args:     map[string]any{"ops": []any{flow.OpClone, flow.OpCheckout, flow.OpDockerCmds}},
				Deps:     []string{flow.OpDockerCmds},
				Terminal: true},
		},
		State:   map[string]string{},
		Results: map[string]types.OpResult{},
	}
}

func newTestHandlers(t *testing.T, engine *fakeEngine, blob *fakeBlob) (*handlers, string) {
	t.Helper()
	workDir := t.TempDir()
	h := &handlers{
		engine:  engine,
		blob:    blob,
		workDir: workDir,
		now:     func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	return h, workDir
}

func TestDockerRun(t *testing.T) {
	engine := &fakeEngine{}
	h, workDir := newTestHandlers(t, engine, &fakeBlob{})

	f := testFlow()
	f.SetResult(flow.OpCheckout, types.OpResult{Status: types.OpStatusOK, Value: "/work/repo"})

	value, err := h.dockerRun(context.Background(), f, f.Ops[0])
	require.NoError(t, err)

	logPath, ok := value.(string)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(workDir, "logs", "flow-x-docker-cmds.log"), logPath)

	assert.Equal(t, "alpine", engine.spec.Image)
	assert.Equal(t, []string{"echo hi"}, engine.spec.Commands)
	assert.Equal(t, "/work/repo", engine.spec.WorkDir)
}

func TestDockerRunMissingDep(t *testing.T) {
	h, _ := newTestHandlers(t, &fakeEngine{}, &fakeBlob{})

	f := testFlow()
	_, err := h.dockerRun(context.Background(), f, f.Ops[0])
	assert.Error(t, err)
}

func TestDockerRunSecretsEnv(t *testing.T) {
	t.Setenv("PIPELINE_TOKEN", "s3cret")

	engine := &fakeEngine{}
	h, _ := newTestHandlers(t, engine, &fakeBlob{})

	f := testFlow()
	f.State[flow.StateSecrets] = `["PIPELINE_TOKEN", "UNSET_ONE"]`
	f.SetResult(flow.OpCheckout, types.OpResult{Status: types.OpStatusOK, Value: "/work/repo"})

	_, err := h.dockerRun(context.Background(), f, f.Ops[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"PIPELINE_TOKEN=s3cret"}, engine.spec.Env)
}

func TestWrapUpInlinesContainerLog(t *testing.T) {
	blob := &fakeBlob{}
	h, workDir := newTestHandlers(t, &fakeEngine{}, blob)

	logPath := filepath.Join(workDir, "run.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hi\n"), 0644))

	f := testFlow()
	f.SetResult(flow.OpClone, types.OpResult{Status: types.OpStatusOK, Value: "/work/repo"})
	f.SetResult(flow.OpCheckout, types.OpResult{Status: types.OpStatusOK, Value: "/work/repo"})
	f.SetResult(flow.OpDockerCmds, types.OpResult{Status: types.OpStatusOK, Value: logPath})

	value, err := h.wrapUp(context.Background(), f, f.Ops[1])
	require.NoError(t, err)
	assert.Equal(t, "QmUploaded", value)

	assert.Equal(t, "flow-x", blob.doc.NosID)
	assert.EqualValues(t, 1_700_000_000, blob.doc.FinishedAt)

	// The log path was replaced with the log contents.
	result := blob.doc.Results[flow.OpDockerCmds]
	assert.Equal(t, "hi\n", result.ValueString())
	// Other selected results pass through untouched.
	assert.Equal(t, "/work/repo", blob.doc.Results[flow.OpClone].ValueString())
}

func TestWrapUpCarriesFailures(t *testing.T) {
	blob := &fakeBlob{}
	h, _ := newTestHandlers(t, &fakeEngine{}, blob)

	f := testFlow()
	f.SetResult(flow.OpClone, types.OpResult{Status: types.OpStatusOK, Value: "/work/repo"})
	f.SetResult(flow.OpCheckout, types.OpResult{Status: types.OpStatusError, Value: "commit not found"})
	f.SetResult(flow.OpDockerCmds, types.OpResult{Status: types.OpStatusError, Value: "upstream op checkout failed"})

	_, err := h.wrapUp(context.Background(), f, f.Ops[1])
	require.NoError(t, err)

	result := blob.doc.Results[flow.OpCheckout]
	assert.False(t, result.OK())
	assert.Equal(t, "commit not found", result.ValueString())
}

func TestWrapUpUploadFailure(t *testing.T) {
	blob := &fakeBlob{err: fmt.Errorf("status 503")}
	h, _ := newTestHandlers(t, &fakeEngine{}, blob)

	f := testFlow()
	f.SetResult(flow.OpDockerCmds, types.OpResult{Status: types.OpStatusError, Value: "boom"})

	_, err := h.wrapUp(context.Background(), f, f.Ops[1])
	assert.Error(t, err)
}

func TestHandlersCoverAllOpTypes(t *testing.T) {
	m := Handlers(&fakeEngine{}, &fakeBlob{}, t.TempDir())
	for _, opType := range []string{
		flow.OpTypeEnsureRepo, flow.OpTypeCheckout, flow.OpTypeDockerRun, flow.OpTypeWrapUp,
	} {
		assert.Contains(t, m, opType)
	}
}

func TestSecretEnvIgnoresGarbage(t *testing.T) {
	f := &types.Flow{State: map[string]string{flow.StateSecrets: "not json"}}
	assert.Nil(t, secretEnv(f))

	var decoded []string
	require.NoError(t, json.Unmarshal([]byte(`[]`), &decoded))
}
