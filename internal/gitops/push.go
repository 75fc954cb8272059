// Package gitops writes changeset commits to code host branches.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var (
	// ErrInvalidRequest means the push request is missing required fields.
	ErrInvalidRequest = errors.New("gitops: invalid push request")
	// ErrPatchFailed means the diff does not apply to the base revision.
	// Retrying will not help.
	ErrPatchFailed = errors.New("gitops: patch does not apply")
)

// PushRequest describes one commit to force-push onto HeadRef.
type PushRequest struct {
	Repo          string
	BaseRef       string
	BaseRev       string
	HeadRef       string
	Diff          string
	CommitMessage string
	AuthorName    string
	AuthorEmail   string
}

func (r PushRequest) validate() error {
	var missing []string
	if r.Repo == "" {
		missing = append(missing, "repo")
	}
	if r.HeadRef == "" {
		missing = append(missing, "head ref")
	}
	if r.BaseRev == "" && r.BaseRef == "" {
		missing = append(missing, "base rev or base ref")
	}
	if r.CommitMessage == "" {
		missing = append(missing, "commit message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Pusher creates a commit from a diff and pushes it, returning the new
// commit SHA.
type Pusher interface {
	Push(ctx context.Context, req PushRequest) (string, error)
}

// IsRetryable reports whether a push error may succeed on a later attempt.
// Invalid requests and patches that do not apply are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvalidRequest) && !errors.Is(err, ErrPatchFailed) && !errors.Is(err, context.Canceled)
}

// GitPusher implements Pusher with the git CLI in a throwaway repository.
type GitPusher struct {
	Binary  string
	WorkDir string
	// RemoteURL maps a repository name to a fetchable, pushable URL,
	// credentials included.
	RemoteURL func(repo string) string
}

// Compile-time interface compliance check.
var _ Pusher = (*GitPusher)(nil)

// Push implements Pusher.
func (p *GitPusher) Push(ctx context.Context, req PushRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(p.WorkDir, "batchyard-push-")
	if err != nil {
		return "", fmt.Errorf("gitops: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	remote := req.Repo
	if p.RemoteURL != nil {
		remote = p.RemoteURL(req.Repo)
	}
	base := req.BaseRev
	if base == "" {
		base = req.BaseRef
	}

	if _, err := p.git(ctx, dir, nil, "init", "--quiet"); err != nil {
		return "", err
	}
	if _, err := p.git(ctx, dir, nil, "remote", "add", "origin", remote); err != nil {
		return "", err
	}
	if _, err := p.git(ctx, dir, nil, "fetch", "--quiet", "--depth", "1", "origin", base); err != nil {
		// Some servers refuse unadvertised SHAs; fall back to the branch tip.
		if req.BaseRev == "" || req.BaseRef == "" {
			return "", err
		}
		if _, err := p.git(ctx, dir, nil, "fetch", "--quiet", "--depth", "1", "origin", req.BaseRef); err != nil {
			return "", err
		}
	}
	if _, err := p.git(ctx, dir, nil, "checkout", "--quiet", "-B", req.HeadRef, "FETCH_HEAD"); err != nil {
		return "", err
	}
	if req.Diff != "" {
		if out, err := p.git(ctx, dir, strings.NewReader(req.Diff), "apply", "--index", "-"); err != nil {
			return "", fmt.Errorf("%w: %s", ErrPatchFailed, out)
		}
	}

	author := req.AuthorName
	email := req.AuthorEmail
	if author == "" {
		author = "batchyard"
	}
	if email == "" {
		email = "batchyard@localhost"
	}
	if _, err := p.git(ctx, dir, nil,
		"-c", "user.name="+author, "-c", "user.email="+email,
		"commit", "--quiet", "--allow-empty", "-m", req.CommitMessage,
		"--author", fmt.Sprintf("%s <%s>", author, email),
	); err != nil {
		return "", err
	}
	if _, err := p.git(ctx, dir, nil, "push", "--quiet", "--force", "origin", "HEAD:refs/heads/"+req.HeadRef); err != nil {
		return "", err
	}
	sha, err := p.git(ctx, dir, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return sha, nil
}

func (p *GitPusher) git(ctx context.Context, dir string, stdin *strings.Reader, args ...string) (string, error) {
	bin := p.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("gitops: git %s: %w", args[0], ctx.Err())
		}
		return strings.TrimSpace(out.String()), fmt.Errorf("gitops: git %s: %s", args[0], strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}
