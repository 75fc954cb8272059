package workspace

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zulandar/batchyard/internal/codehost"
)

// MockSearch is an in-memory RepositorySearch for tests. Queries match
// repositories whose name contains the query string.
type MockSearch struct {
	mu       sync.Mutex
	repos    []codehost.Repository
	files    map[string][]string // repo -> file paths
	pageSize int
	failures map[string][]error
	calls    map[string]int
}

// Compile-time interface compliance check.
var _ RepositorySearch = (*MockSearch)(nil)

// NewMockSearch creates a MockSearch returning pageSize results per page.
func NewMockSearch(pageSize int) *MockSearch {
	if pageSize < 1 {
		pageSize = 100
	}
	return &MockSearch{
		files:    make(map[string][]string),
		pageSize: pageSize,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Search implements RepositorySearch.
func (m *MockSearch) Search(ctx context.Context, query, cursor string) (*codehost.RepositoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "search"); err != nil {
		return nil, err
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("mock search: bad cursor %q", cursor)
		}
		start = n
	}
	var matched []codehost.Repository
	for _, r := range m.repos {
		if strings.Contains(r.Name, query) {
			matched = append(matched, r)
		}
	}
	page := &codehost.RepositoryPage{}
	end := start + m.pageSize
	if end < len(matched) {
		page.NextCursor = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	if start < end {
		for _, r := range matched[start:end] {
			// Search results carry no commit, like the real search API.
			r.Commit = ""
			page.Repositories = append(page.Repositories, r)
		}
	}
	return page, nil
}

// Repository implements RepositorySearch.
func (m *MockSearch) Repository(ctx context.Context, name, branch string) (*codehost.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "repository"); err != nil {
		return nil, err
	}
	for _, r := range m.repos {
		if r.Name != name {
			continue
		}
		if branch != "" && branch != r.DefaultBranch {
			out := r
			out.Branch = branch
			out.Commit = fmt.Sprintf("%s-%s", r.Commit, branch)
			return &out, nil
		}
		out := r
		out.Branch = r.DefaultBranch
		return &out, nil
	}
	return nil, codehost.NewError("repository", 404, "repository "+name)
}

// HasFile implements RepositorySearch.
func (m *MockSearch) HasFile(ctx context.Context, repo, commit, filePath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "hasfile"); err != nil {
		return false, err
	}
	for _, f := range m.files[repo] {
		if f == filePath {
			return true, nil
		}
	}
	return false, nil
}

// FindFiles implements RepositorySearch.
func (m *MockSearch) FindFiles(ctx context.Context, repo, commit, filename string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "findfiles"); err != nil {
		return nil, err
	}
	var dirs []string
	for _, f := range m.files[repo] {
		if path.Base(f) == filename {
			dir := path.Dir(f)
			if dir == "." {
				dir = ""
			}
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

func (m *MockSearch) begin(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// --- Test helpers ---

// AddRepository registers a repository. Commit defaults to "c-<name>".
func (m *MockSearch) AddRepository(repo codehost.Repository, files ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	if repo.CodeHostKind == "" {
		repo.CodeHostKind = "github"
	}
	if repo.Commit == "" {
		repo.Commit = "c-" + strings.ReplaceAll(repo.Name, "/", "-")
	}
	repo.Branch = repo.DefaultBranch
	m.repos = append(m.repos, repo)
	m.files[repo.Name] = append(m.files[repo.Name], files...)
}

// FailNext queues errors for the next calls of op: search, repository,
// hasfile or findfiles.
func (m *MockSearch) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// CallCount returns how many times op was invoked.
func (m *MockSearch) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}
