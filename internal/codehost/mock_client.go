package codehost

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/zulandar/batchyard/internal/models"
)

// Call records one MockClient invocation.
type Call struct {
	Op         string
	Repo       string
	ExternalID string
}

// MockClient is an in-memory Client for tests. It keeps pull requests per
// repository, records every call and can be told to fail specific operations.
type MockClient struct {
	mu       sync.Mutex
	drafts   bool
	nextID   int
	prs      map[string]*Changeset // key: repo#externalID
	comments map[string][]string
	calls    []Call
	failures map[string][]error
}

// Compile-time interface compliance check.
var _ Client = (*MockClient)(nil)

// NewMockClient creates a MockClient. drafts controls SupportsDrafts.
func NewMockClient(drafts bool) *MockClient {
	return &MockClient{
		drafts:   drafts,
		nextID:   100,
		prs:      make(map[string]*Changeset),
		comments: make(map[string][]string),
		failures: make(map[string][]error),
	}
}

func prKey(repo, id string) string { return repo + "#" + id }

// SupportsDrafts implements Client.
func (m *MockClient) SupportsDrafts() bool { return m.drafts }

// Load implements Client.
func (m *MockClient) Load(ctx context.Context, repo, externalID string) (*Changeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "load", repo, externalID); err != nil {
		return nil, err
	}
	pr, ok := m.prs[prKey(repo, externalID)]
	if !ok {
		return nil, &Error{Op: "load", StatusCode: 404, Message: "pull request " + externalID, Err: ErrNotFound}
	}
	out := *pr
	return &out, nil
}

// FindByBranch implements Client.
func (m *MockClient) FindByBranch(ctx context.Context, repo, headRef string) (*Changeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "find", repo, ""); err != nil {
		return nil, err
	}
	if pr := m.findLocked(repo, headRef); pr != nil {
		out := *pr
		return &out, nil
	}
	return nil, &Error{Op: "find", StatusCode: 404, Message: "no pull request for " + headRef, Err: ErrNotFound}
}

// Create implements Client.
func (m *MockClient) Create(ctx context.Context, req CreateRequest) (*Changeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "create", req.Repo, ""); err != nil {
		return nil, err
	}
	if req.Draft && !m.drafts {
		return nil, NewError("create", 422, "draft pull requests are not supported")
	}
	if existing := m.findLocked(req.Repo, req.HeadRef); existing != nil && existing.ExternalState != models.ExternalStateMerged {
		return nil, NewError("create", 422, "a pull request already exists for "+req.HeadRef)
	}
	m.nextID++
	state := models.ExternalStateOpen
	if req.Draft {
		state = models.ExternalStateDraft
	}
	pr := &Changeset{
		ExternalID:    strconv.Itoa(m.nextID),
		Repo:          req.Repo,
		HeadRef:       req.HeadRef,
		BaseRef:       req.BaseRef,
		Title:         req.Title,
		Body:          req.Body,
		ExternalState: state,
	}
	m.prs[prKey(req.Repo, pr.ExternalID)] = pr
	out := *pr
	return &out, nil
}

// Update implements Client.
func (m *MockClient) Update(ctx context.Context, req UpdateRequest) (*Changeset, error) {
	return m.mutate(ctx, "update", req.Repo, req.ExternalID, func(pr *Changeset) error {
		if pr.ExternalState == models.ExternalStateMerged {
			return NewError("update", 422, "pull request is merged")
		}
		pr.Title = req.Title
		pr.Body = req.Body
		if req.BaseRef != "" {
			pr.BaseRef = req.BaseRef
		}
		return nil
	})
}

// Undraft implements Client.
func (m *MockClient) Undraft(ctx context.Context, repo, externalID string) (*Changeset, error) {
	return m.mutate(ctx, "undraft", repo, externalID, func(pr *Changeset) error {
		if pr.ExternalState == models.ExternalStateDraft {
			pr.ExternalState = models.ExternalStateOpen
		}
		return nil
	})
}

// Close implements Client.
func (m *MockClient) Close(ctx context.Context, repo, externalID string) (*Changeset, error) {
	return m.mutate(ctx, "close", repo, externalID, func(pr *Changeset) error {
		switch pr.ExternalState {
		case models.ExternalStateOpen, models.ExternalStateDraft:
			pr.ExternalState = models.ExternalStateClosed
		}
		return nil
	})
}

// Reopen implements Client.
func (m *MockClient) Reopen(ctx context.Context, repo, externalID string) (*Changeset, error) {
	return m.mutate(ctx, "reopen", repo, externalID, func(pr *Changeset) error {
		if pr.ExternalState == models.ExternalStateClosed {
			pr.ExternalState = models.ExternalStateOpen
		}
		return nil
	})
}

// Merge implements Client.
func (m *MockClient) Merge(ctx context.Context, repo, externalID string, squash bool) (*Changeset, error) {
	return m.mutate(ctx, "merge", repo, externalID, func(pr *Changeset) error {
		switch pr.ExternalState {
		case models.ExternalStateOpen:
			pr.ExternalState = models.ExternalStateMerged
		case models.ExternalStateMerged:
		default:
			return NewError("merge", 405, "pull request is not mergeable")
		}
		return nil
	})
}

// Comment implements Client.
func (m *MockClient) Comment(ctx context.Context, repo, externalID, body string) error {
	_, err := m.mutate(ctx, "comment", repo, externalID, func(pr *Changeset) error {
		key := prKey(repo, externalID)
		m.comments[key] = append(m.comments[key], body)
		return nil
	})
	return err
}

func (m *MockClient) mutate(ctx context.Context, op, repo, externalID string, fn func(*Changeset) error) (*Changeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, op, repo, externalID); err != nil {
		return nil, err
	}
	pr, ok := m.prs[prKey(repo, externalID)]
	if !ok {
		return nil, &Error{Op: op, StatusCode: 404, Message: "pull request " + externalID, Err: ErrNotFound}
	}
	if err := fn(pr); err != nil {
		return nil, err
	}
	out := *pr
	return &out, nil
}

// begin records the call and pops an injected failure. Caller holds mu.
func (m *MockClient) begin(ctx context.Context, op, repo, externalID string) error {
	m.calls = append(m.calls, Call{Op: op, Repo: repo, ExternalID: externalID})
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *MockClient) findLocked(repo, headRef string) *Changeset {
	var found *Changeset
	for _, pr := range m.prs {
		if pr.Repo != repo || pr.HeadRef != headRef {
			continue
		}
		// Prefer the most recent pull request for the branch.
		if found == nil || idNum(pr.ExternalID) > idNum(found.ExternalID) {
			found = pr
		}
	}
	return found
}

func idNum(id string) int {
	n, _ := strconv.Atoi(id)
	return n
}

// --- Test helpers ---

// Seed stores a pull request as if it already existed on the host.
func (m *MockClient) Seed(pr Changeset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr.ExternalState == "" {
		pr.ExternalState = models.ExternalStateOpen
	}
	m.prs[prKey(pr.Repo, pr.ExternalID)] = &pr
}

// SetState overrides the external state of a stored pull request.
func (m *MockClient) SetState(repo, externalID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[prKey(repo, externalID)]
	if !ok {
		return fmt.Errorf("mock client: no pull request %s", prKey(repo, externalID))
	}
	pr.ExternalState = state
	return nil
}

// FailNext queues errors returned by the next calls of op, in order.
// Ops are load, find, create, update, undraft, close, reopen, merge, comment.
func (m *MockClient) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns a copy of every recorded call.
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (m *MockClient) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Comments returns the comments posted on a pull request.
func (m *MockClient) Comments(repo, externalID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[prKey(repo, externalID)]...)
}

// PullRequest returns a copy of the stored pull request.
func (m *MockClient) PullRequest(repo, externalID string) (Changeset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pr, ok := m.prs[prKey(repo, externalID)]
	if !ok {
		return Changeset{}, false
	}
	return *pr, true
}

// PullRequestCount returns the number of stored pull requests.
func (m *MockClient) PullRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prs)
}
