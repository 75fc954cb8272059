// Package workspace turns a batch spec's `on` and `workspaces` directives
// into persisted BatchSpecWorkspace rows, one per (repository, path), and
// runs that discovery as a retryable resolution job.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/batchyard/internal/backoff"
	"github.com/zulandar/batchyard/internal/batchspec"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

// DefaultIgnoreFile marks a repository as excluded from batch changes.
const DefaultIgnoreFile = ".batchignore"

// RepositorySearch finds repositories and inspects their files.
type RepositorySearch interface {
	// Search returns one page of matches; an empty NextCursor ends the search.
	Search(ctx context.Context, query, cursor string) (*codehost.RepositoryPage, error)
	Repository(ctx context.Context, name, branch string) (*codehost.Repository, error)
	HasFile(ctx context.Context, repo, commit, filePath string) (bool, error)
	FindFiles(ctx context.Context, repo, commit, filename string) ([]string, error)
}

// KindSupport reports whether a code host kind can be reconciled.
// *codehost.Registry implements it.
type KindSupport interface {
	Supports(kind string) bool
}

// Options tunes a Resolver.
type Options struct {
	IgnoreFile string
	Policy     backoff.Policy
	Logger     *slog.Logger
}

// Resolver resolves batch specs into workspaces.
type Resolver struct {
	db         *gorm.DB
	search     RepositorySearch
	kinds      KindSupport
	ignoreFile string
	logger     *slog.Logger

	mu     sync.RWMutex
	policy backoff.Policy

	nowFunc func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(db *gorm.DB, search RepositorySearch, kinds KindSupport, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ignore := opts.IgnoreFile
	if ignore == "" {
		ignore = DefaultIgnoreFile
	}
	return &Resolver{
		db:         db,
		search:     search,
		kinds:      kinds,
		ignoreFile: ignore,
		logger:     logger,
		policy:     opts.Policy,
		nowFunc:    time.Now,
	}
}

// SetPolicy replaces the retry policy.
func (r *Resolver) SetPolicy(p backoff.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

func (r *Resolver) currentPolicy() backoff.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Resolution is the outcome of one resolution attempt, not yet persisted.
type Resolution struct {
	Workspaces []models.BatchSpecWorkspace
	Imports    []models.ChangesetSpec
}

// Resolve computes the workspaces of spec. Exclusion rules apply in order:
// an ignore file marks the repository Ignored, an unsupported code host
// marks it Unsupported, and zero steps after `if:` evaluation leaves nothing
// to run. Any of the three makes the workspace SKIPPED.
func (r *Resolver) Resolve(ctx context.Context, spec *batchspec.Spec, namespace string) (*Resolution, error) {
	repos, err := r.repositories(ctx, spec.On)
	if err != nil {
		return nil, err
	}

	var out Resolution
	for _, repo := range repos {
		ws, err := r.workspacesFor(ctx, spec, namespace, repo)
		if err != nil {
			return nil, err
		}
		out.Workspaces = append(out.Workspaces, ws...)
	}
	sortWorkspaces(out.Workspaces)

	for _, imp := range spec.ImportChangesets {
		repo, err := r.search.Repository(ctx, imp.Repository, "")
		if err != nil {
			return nil, fmt.Errorf("workspace: import %s: %w", imp.Repository, err)
		}
		for _, id := range imp.ExternalIDs {
			out.Imports = append(out.Imports, models.ChangesetSpec{
				Type:         models.ChangesetSpecTypeExisting,
				Repo:         repo.Name,
				CodeHostKind: repo.CodeHostKind,
				ExternalID:   id,
			})
		}
	}
	return &out, nil
}

// repositories expands the `on` entries, keeping the first occurrence of
// each (repository, branch).
func (r *Resolver) repositories(ctx context.Context, entries []batchspec.On) ([]codehost.Repository, error) {
	seen := make(map[string]bool)
	var out []codehost.Repository
	add := func(repo codehost.Repository) {
		key := repo.Name + "@" + repo.Branch
		if !seen[key] {
			seen[key] = true
			out = append(out, repo)
		}
	}

	for _, on := range entries {
		if on.RepositoriesMatchingQuery != "" {
			cursor := ""
			for {
				page, err := r.search.Search(ctx, on.RepositoriesMatchingQuery, cursor)
				if err != nil {
					return nil, fmt.Errorf("workspace: search %q: %w", on.RepositoriesMatchingQuery, err)
				}
				for _, repo := range page.Repositories {
					if repo.Commit == "" {
						resolved, err := r.search.Repository(ctx, repo.Name, repo.Branch)
						if err != nil {
							return nil, fmt.Errorf("workspace: resolve %s: %w", repo.Name, err)
						}
						repo = *resolved
					}
					add(repo)
				}
				if page.NextCursor == "" {
					break
				}
				cursor = page.NextCursor
			}
			continue
		}

		branches := on.Branches
		if len(branches) == 0 {
			branches = []string{on.Branch}
		}
		for _, branch := range branches {
			repo, err := r.search.Repository(ctx, on.Repository, branch)
			if err != nil {
				return nil, fmt.Errorf("workspace: resolve %s: %w", on.Repository, err)
			}
			add(*repo)
		}
	}
	return out, nil
}

func (r *Resolver) workspacesFor(ctx context.Context, spec *batchspec.Spec, namespace string, repo codehost.Repository) ([]models.BatchSpecWorkspace, error) {
	ignored, err := r.search.HasFile(ctx, repo.Name, repo.Commit, r.ignoreFile)
	if err != nil {
		return nil, fmt.Errorf("workspace: check %s in %s: %w", r.ignoreFile, repo.Name, err)
	}
	unsupported := !r.kinds.Supports(repo.CodeHostKind)

	paths := []string{""}
	onlyFetch := false
	if ws, ok := workspaceConfigFor(spec.Workspaces, repo.Name); ok && !ignored && !unsupported {
		dirs, err := r.search.FindFiles(ctx, repo.Name, repo.Commit, ws.RootAtLocationOf)
		if err != nil {
			return nil, fmt.Errorf("workspace: find %s in %s: %w", ws.RootAtLocationOf, repo.Name, err)
		}
		paths = dirs
		onlyFetch = ws.OnlyFetchWorkspace
	}

	out := make([]models.BatchSpecWorkspace, 0, len(paths))
	for _, p := range paths {
		steps, err := spec.StepsFor(batchspec.TemplateData{
			Repository: batchspec.Repository{Name: repo.Name, Branch: repo.Branch},
			Path:       p,
			BatchSpec:  spec.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("workspace: %s: %w", repo.Name, err)
		}
		stepsJSON, err := json.Marshal(steps)
		if err != nil {
			return nil, fmt.Errorf("workspace: encode steps: %w", err)
		}
		if steps == nil {
			stepsJSON = []byte("[]")
		}

		ws := models.BatchSpecWorkspace{
			Namespace:          namespace,
			Repo:               repo.Name,
			CodeHostKind:       repo.CodeHostKind,
			Branch:             repo.Branch,
			Commit:             repo.Commit,
			Path:               p,
			OnlyFetchWorkspace: onlyFetch,
			Ignored:            ignored,
			Unsupported:        unsupported,
			Steps:              string(stepsJSON),
			StepCount:          len(steps),
			State:              models.WorkspaceStatePending,
		}
		if ignored || unsupported || len(steps) == 0 {
			ws.Skipped = true
			ws.State = models.WorkspaceStateSkipped
		}
		out = append(out, ws)
	}
	return out, nil
}

// workspaceConfigFor returns the last workspaces entry whose `in` glob
// matches repo. An empty glob matches every repository.
func workspaceConfigFor(entries []batchspec.Workspace, repo string) (batchspec.Workspace, bool) {
	var (
		found batchspec.Workspace
		ok    bool
	)
	for _, ws := range entries {
		if ws.In == "" || ws.In == "*" {
			found, ok = ws, true
			continue
		}
		if m, _ := path.Match(ws.In, repo); m {
			found, ok = ws, true
		}
	}
	return found, ok
}

// DecodeSteps returns the steps stored on a workspace.
func DecodeSteps(ws *models.BatchSpecWorkspace) ([]batchspec.Step, error) {
	if ws.Steps == "" {
		return nil, nil
	}
	var steps []batchspec.Step
	if err := json.Unmarshal([]byte(ws.Steps), &steps); err != nil {
		return nil, fmt.Errorf("workspace: decode steps of %d: %w", ws.ID, err)
	}
	return steps, nil
}

func sortWorkspaces(ws []models.BatchSpecWorkspace) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].Repo != ws[j].Repo {
			return ws[i].Repo < ws[j].Repo
		}
		if ws[i].Branch != ws[j].Branch {
			return ws[i].Branch < ws[j].Branch
		}
		return ws[i].Path < ws[j].Path
	})
}
