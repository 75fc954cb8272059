package codehost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/batchyard/internal/models"
)

func TestMockClient_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient(true)

	pr, err := m.Create(ctx, CreateRequest{Repo: "acme/api", HeadRef: "batch/x", BaseRef: "main", Title: "T", Draft: true})
	require.NoError(t, err)
	assert.Equal(t, models.ExternalStateDraft, pr.ExternalState)

	found, err := m.FindByBranch(ctx, "acme/api", "batch/x")
	require.NoError(t, err)
	assert.Equal(t, pr.ExternalID, found.ExternalID)

	_, err = m.Create(ctx, CreateRequest{Repo: "acme/api", HeadRef: "batch/x", BaseRef: "main"})
	assert.ErrorIs(t, err, ErrValidation, "second pull request for the same branch")
}

func TestMockClient_DraftUnsupported(t *testing.T) {
	m := NewMockClient(false)
	_, err := m.Create(context.Background(), CreateRequest{Repo: "acme/api", HeadRef: "b", Draft: true})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMockClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient(true)
	m.Seed(Changeset{Repo: "acme/api", ExternalID: "7", HeadRef: "fix", ExternalState: models.ExternalStateDraft})

	pr, err := m.Undraft(ctx, "acme/api", "7")
	require.NoError(t, err)
	assert.Equal(t, models.ExternalStateOpen, pr.ExternalState)

	pr, err = m.Close(ctx, "acme/api", "7")
	require.NoError(t, err)
	assert.Equal(t, models.ExternalStateClosed, pr.ExternalState)

	_, err = m.Merge(ctx, "acme/api", "7", true)
	assert.ErrorIs(t, err, ErrMergeConflict)

	pr, err = m.Reopen(ctx, "acme/api", "7")
	require.NoError(t, err)
	pr, err = m.Merge(ctx, "acme/api", "7", true)
	require.NoError(t, err)
	assert.Equal(t, models.ExternalStateMerged, pr.ExternalState)

	_, err = m.Update(ctx, UpdateRequest{Repo: "acme/api", ExternalID: "7", Title: "new"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMockClient_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient(true)
	m.Seed(Changeset{Repo: "acme/api", ExternalID: "1"})
	m.FailNext("comment", NewError("comment", 429, "slow down"))

	err := m.Comment(ctx, "acme/api", "1", "hello")
	assert.True(t, IsRetryable(err))
	require.NoError(t, m.Comment(ctx, "acme/api", "1", "hello"))

	assert.Equal(t, []string{"hello"}, m.Comments("acme/api", "1"))
	assert.Equal(t, 2, m.CallCount("comment"))
}

func TestMockClient_LoadMissing(t *testing.T) {
	_, err := NewMockClient(true).Load(context.Background(), "acme/api", "404")
	assert.ErrorIs(t, err, ErrNotFound)
}
