// Package codehost defines the contract Batchyard uses to talk to code
// hosts, plus error classification shared by every implementation.
package codehost

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Changeset is the observed state of a pull request on a code host.
type Changeset struct {
	ExternalID    string
	Repo          string
	HeadRef       string
	BaseRef       string
	Title         string
	Body          string
	ExternalState string // models.ExternalState*
	HeadCommit    string
	ReviewState   string
	CheckState    string
}

// CreateRequest opens a pull request for a pushed branch.
type CreateRequest struct {
	Repo    string
	HeadRef string
	BaseRef string
	Title   string
	Body    string
	Draft   bool
}

// UpdateRequest rewrites the mutable fields of an open pull request.
type UpdateRequest struct {
	Repo       string
	ExternalID string
	Title      string
	Body       string
	BaseRef    string
}

// Repository is a repository returned by search.
type Repository struct {
	Name          string
	CodeHostKind  string
	DefaultBranch string
	Branch        string
	Commit        string
}

// RepositoryPage is one page of repository search results. An empty
// NextCursor means the search is exhausted.
type RepositoryPage struct {
	Repositories []Repository
	NextCursor   string
}

// Client is implemented by each supported code host. Every call returns the
// freshly observed state so the caller can persist it.
type Client interface {
	Load(ctx context.Context, repo, externalID string) (*Changeset, error)
	// FindByBranch returns ErrNotFound when no pull request exists for headRef.
	FindByBranch(ctx context.Context, repo, headRef string) (*Changeset, error)
	Create(ctx context.Context, req CreateRequest) (*Changeset, error)
	Update(ctx context.Context, req UpdateRequest) (*Changeset, error)
	Undraft(ctx context.Context, repo, externalID string) (*Changeset, error)
	Close(ctx context.Context, repo, externalID string) (*Changeset, error)
	Reopen(ctx context.Context, repo, externalID string) (*Changeset, error)
	Merge(ctx context.Context, repo, externalID string, squash bool) (*Changeset, error)
	Comment(ctx context.Context, repo, externalID, body string) error
	SupportsDrafts() bool
}

// Registry maps code host kinds to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for kind.
func (r *Registry) Register(kind string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[kind] = c
}

// Get returns the client for kind, or ErrUnsupportedKind.
func (r *Registry) Get(kind string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	return c, nil
}

// Supports reports whether a client is registered for kind.
func (r *Registry) Supports(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[kind]
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.clients))
	for k := range r.clients {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
