package gitops

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"
)

// MockPusher is an in-memory Pusher for tests. The returned SHA is derived
// from the head ref and diff so identical pushes yield identical commits.
type MockPusher struct {
	mu       sync.Mutex
	pushes   []PushRequest
	failures []error
}

// Compile-time interface compliance check.
var _ Pusher = (*MockPusher)(nil)

// NewMockPusher creates an empty MockPusher.
func NewMockPusher() *MockPusher {
	return &MockPusher{}
}

// Push implements Pusher.
func (m *MockPusher) Push(ctx context.Context, req PushRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return "", err
	}
	if err := req.validate(); err != nil {
		return "", err
	}
	m.pushes = append(m.pushes, req)
	sum := sha1.Sum([]byte(req.Repo + "\x00" + req.HeadRef + "\x00" + req.Diff + "\x00" + req.CommitMessage))
	return hex.EncodeToString(sum[:]), nil
}

// FailNext queues errors returned by the next pushes, in order.
func (m *MockPusher) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Pushes returns a copy of every successful push.
func (m *MockPusher) Pushes() []PushRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PushRequest(nil), m.pushes...)
}
