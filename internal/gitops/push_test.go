package gitops

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloDiff = `diff --git a/hello.txt b/hello.txt
new file mode 100644
--- /dev/null
+++ b/hello.txt
@@ -0,0 +1 @@
+hello
`

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=seed", "GIT_AUTHOR_EMAIL=seed@example.com",
		"GIT_COMMITTER_NAME=seed", "GIT_COMMITTER_EMAIL=seed@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// seedRemote creates a bare repository with one commit on main and returns
// its path and the commit SHA.
func seedRemote(t *testing.T) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := t.TempDir()
	bare := filepath.Join(root, "remote.git")
	work := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))

	run(t, root, "init", "--quiet", "--bare", bare)
	run(t, bare, "config", "uploadpack.allowAnySHA1InWant", "true")
	run(t, work, "init", "--quiet", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(work, "README.md"), []byte("# api\n"), 0o644))
	run(t, work, "add", "README.md")
	run(t, work, "commit", "--quiet", "-m", "initial")
	run(t, work, "push", "--quiet", bare, "main")
	return bare, run(t, work, "rev-parse", "HEAD")
}

func newPusher(t *testing.T, bare string) *GitPusher {
	return &GitPusher{
		WorkDir:   t.TempDir(),
		RemoteURL: func(string) string { return "file://" + bare },
	}
}

func TestGitPusher_PushAppliesDiff(t *testing.T) {
	bare, base := seedRemote(t)
	p := newPusher(t, bare)

	sha, err := p.Push(context.Background(), PushRequest{
		Repo:          "acme/api",
		BaseRef:       "main",
		BaseRev:       base,
		HeadRef:       "batch/hello",
		Diff:          helloDiff,
		CommitMessage: "Add hello",
		AuthorName:    "Batch Bot",
		AuthorEmail:   "bot@example.com",
	})
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	assert.Equal(t, sha, run(t, bare, "rev-parse", "refs/heads/batch/hello"))
	assert.Equal(t, "hello", run(t, bare, "show", "batch/hello:hello.txt"))
	assert.Equal(t, "Batch Bot <bot@example.com>", run(t, bare, "log", "-1", "--format=%an <%ae>", "batch/hello"))
}

func TestGitPusher_ForcePushReplacesBranch(t *testing.T) {
	bare, base := seedRemote(t)
	p := newPusher(t, bare)
	req := PushRequest{Repo: "acme/api", BaseRev: base, HeadRef: "batch/hello", Diff: helloDiff, CommitMessage: "v1"}

	_, err := p.Push(context.Background(), req)
	require.NoError(t, err)

	req.CommitMessage = "v2"
	sha, err := p.Push(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, sha, run(t, bare, "rev-parse", "refs/heads/batch/hello"))
	assert.Equal(t, "v2", run(t, bare, "log", "-1", "--format=%s", "batch/hello"))
	assert.Equal(t, "2", run(t, bare, "rev-list", "--count", "batch/hello"), "base commit plus one")
}

func TestGitPusher_BadPatchIsTerminal(t *testing.T) {
	bare, base := seedRemote(t)
	p := newPusher(t, bare)

	_, err := p.Push(context.Background(), PushRequest{
		Repo:          "acme/api",
		BaseRev:       base,
		HeadRef:       "batch/bad",
		Diff:          "diff --git a/missing.txt b/missing.txt\n--- a/missing.txt\n+++ b/missing.txt\n@@ -1 +1 @@\n-old\n+new\n",
		CommitMessage: "broken",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatchFailed)
	assert.False(t, IsRetryable(err))
}

func TestPushRequest_Validate(t *testing.T) {
	err := PushRequest{}.validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	for _, field := range []string{"repo", "head ref", "base rev or base ref", "commit message"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("gitops: git push: connection reset")))
	assert.False(t, IsRetryable(ErrInvalidRequest))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestMockPusher(t *testing.T) {
	m := NewMockPusher()
	req := PushRequest{Repo: "acme/api", BaseRef: "main", HeadRef: "b", CommitMessage: "m", Diff: "d"}

	m.FailNext(errors.New("network"))
	_, err := m.Push(context.Background(), req)
	require.Error(t, err)

	a, err := m.Push(context.Background(), req)
	require.NoError(t, err)
	b, err := m.Push(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical pushes produce identical commits")
	assert.Len(t, m.Pushes(), 2)
}
