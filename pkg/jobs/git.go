package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nosana-ci/nosana-node/pkg/types"
)

// ensureRepo clones a repository into the work directory, or fetches when the
// checkout already exists from an earlier run.
func (h *handlers) ensureRepo(ctx context.Context, _ *types.Flow, op *types.Op) (any, error) {
	url, _ := op.Args["url"].(string)
	rel, _ := op.Args["path"].(string)
	if url == "" || rel == "" {
		return nil, fmt.Errorf("ensure-repo: missing url or path")
	}

	path := filepath.Join(h.workDir, rel)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		if err := runGit(ctx, "-C", path, "fetch", "--all", "--quiet"); err != nil {
			return nil, err
		}
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ensure-repo: %w", err)
	}
	if err := runGit(ctx, "clone", "--quiet", url, path); err != nil {
		return nil, err
	}
	return path, nil
}

// checkout pins the cloned repository to the job's commit.
func (h *handlers) checkout(ctx context.Context, flow *types.Flow, op *types.Op) (any, error) {
	commit, _ := op.Args["commit"].(string)
	if commit == "" {
		return nil, fmt.Errorf("checkout: missing commit")
	}

	path, err := depValue(flow, op, 0)
	if err != nil {
		return nil, err
	}
	if err := runGit(ctx, "-C", path, "checkout", "--detach", "--quiet", commit); err != nil {
		return nil, err
	}
	return path, nil
}

func depValue(flow *types.Flow, op *types.Op, i int) (string, error) {
	if i >= len(op.Deps) {
		return "", fmt.Errorf("op %s: missing dependency %d", op.ID, i)
	}
	result, ok := flow.Results[op.Deps[i]]
	if !ok {
		return "", fmt.Errorf("op %s: dependency %s has no result", op.ID, op.Deps[i])
	}
	value := result.ValueString()
	if value == "" {
		return "", fmt.Errorf("op %s: dependency %s has no path value", op.ID, op.Deps[i])
	}
	return value, nil
}

func runGit(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
