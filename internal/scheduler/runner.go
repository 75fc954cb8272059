package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/zulandar/batchyard/internal/batchspec"
)

// StepInput is everything a runner needs to execute one step.
type StepInput struct {
	Repo               string
	Branch             string
	Commit             string
	Path               string
	OnlyFetchWorkspace bool
	Index              int
	Step               batchspec.Step
	// PreviousDiff is the cumulative diff of the steps before this one.
	PreviousDiff string
}

// StepRunner executes one step and returns the cumulative diff.
type StepRunner interface {
	RunStep(ctx context.Context, in StepInput) (*StepResult, error)
}

// DockerRunner checks the repository out with git, replays the previous
// diff and runs the step in a container with the workspace mounted.
type DockerRunner struct {
	Git      string
	Docker   string
	WorkDir  string
	CloneURL func(repo string) string
}

// RunStep implements StepRunner.
func (d *DockerRunner) RunStep(ctx context.Context, in StepInput) (*StepResult, error) {
	dir, err := os.MkdirTemp(d.WorkDir, "step-*")
	if err != nil {
		return nil, fmt.Errorf("scheduler: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var out bytes.Buffer
	git := func(stdin string, args ...string) error {
		cmd := exec.CommandContext(ctx, d.gitBinary(), args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
		if stdin != "" {
			cmd.Stdin = strings.NewReader(stdin)
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("scheduler: git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}

	if err := git("", "init", "-q"); err != nil {
		return nil, err
	}
	if err := git("", "fetch", "-q", "--depth", "1", d.CloneURL(in.Repo), in.Commit); err != nil {
		return nil, err
	}
	if err := git("", "checkout", "-q", "FETCH_HEAD"); err != nil {
		return nil, err
	}
	if in.PreviousDiff != "" {
		if err := git(in.PreviousDiff, "apply", "--index", "-"); err != nil {
			return nil, err
		}
	}

	cmd := exec.CommandContext(ctx, d.dockerBinary(), dockerArgs(dir, in)...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("scheduler: step %d failed: %w\n%s", in.Index, err, out.String())
	}
	output := out.String()

	out.Reset()
	if err := git("", "add", "-A"); err != nil {
		return nil, err
	}
	if err := git("", "diff", "--cached", "--binary", "HEAD"); err != nil {
		return nil, err
	}
	return &StepResult{Diff: out.String(), Output: output}, nil
}

func (d *DockerRunner) gitBinary() string {
	if d.Git == "" {
		return "git"
	}
	return d.Git
}

func (d *DockerRunner) dockerBinary() string {
	if d.Docker == "" {
		return "docker"
	}
	return d.Docker
}

// dockerArgs builds the `docker run` invocation for a step. Env is sorted so
// the command line is stable.
func dockerArgs(dir string, in StepInput) []string {
	workdir := path.Join("/work", in.Path)
	args := []string{"run", "--rm", "-v", dir + ":/work", "-w", workdir}
	keys := make([]string, 0, len(in.Step.Env))
	for k := range in.Step.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+in.Step.Env[k])
	}
	return append(args, in.Step.Container, "sh", "-c", in.Step.Run)
}

// MockRunner is a StepRunner for tests. Each step appends a line naming the
// step to the diff, so results are deterministic.
type MockRunner struct {
	mu       sync.Mutex
	calls    []StepInput
	failures map[string]error // step run -> error
	// BeforeStep, if set, is called at the start of every step.
	BeforeStep func(in StepInput)
}

// Compile-time interface compliance check.
var _ StepRunner = (*MockRunner)(nil)

// NewMockRunner creates a MockRunner.
func NewMockRunner() *MockRunner {
	return &MockRunner{failures: make(map[string]error)}
}

// RunStep implements StepRunner.
func (m *MockRunner) RunStep(ctx context.Context, in StepInput) (*StepResult, error) {
	if m.BeforeStep != nil {
		m.BeforeStep(in)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, in)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.failures[in.Step.Run]; err != nil {
		return nil, err
	}
	if strings.HasPrefix(in.Step.Run, "noop") {
		return &StepResult{Diff: in.PreviousDiff, Output: "nothing to do\n"}, nil
	}
	diff := in.PreviousDiff + fmt.Sprintf("+%s:%s@%s\n", in.Repo, in.Path, in.Step.Run)
	return &StepResult{Diff: diff, Output: "ran " + in.Step.Run + "\n"}, nil
}

// --- Test helpers ---

// Fail makes every step whose run command equals run fail with err.
func (m *MockRunner) Fail(run string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[run] = err
}

// Calls returns a copy of every recorded step input.
func (m *MockRunner) Calls() []StepInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepInput(nil), m.calls...)
}
