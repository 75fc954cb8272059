package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

const importSpec = `
name: with-imports
on:
  - repository: acme/api
steps:
  - run: x
    container: alpine
importChangesets:
  - repository: acme/web
    externalIDs: [7, 8]
changesetTemplate:
  title: t
  branch: b
  commit:
    message: m
`

func createBatchSpec(t *testing.T, gdb *gorm.DB, raw string) *models.BatchSpec {
	t.Helper()
	bs := &models.BatchSpec{RandID: "rand-" + t.Name(), Namespace: "acme", Name: "x", RawSpec: raw}
	require.NoError(t, gdb.Create(bs).Error)
	return bs
}

func jobFor(t *testing.T, gdb *gorm.DB, batchSpecID uint) models.BatchSpecResolutionJob {
	t.Helper()
	var job models.BatchSpecResolutionJob
	require.NoError(t, gdb.Where("batch_spec_id = ?", batchSpecID).First(&job).Error)
	return job
}

func TestResolveOne_PersistsWorkspacesAndImports(t *testing.T) {
	search := NewMockSearch(10)
	search.AddRepository(codehost.Repository{Name: "acme/api"})
	search.AddRepository(codehost.Repository{Name: "acme/web"})
	r, gdb := newResolver(t, search)
	bs := createBatchSpec(t, gdb, importSpec)

	job, err := EnqueueResolution(gdb, bs.ID)
	require.NoError(t, err)
	require.NoError(t, r.ResolveOne(context.Background(), job.ID))

	got := jobFor(t, gdb, bs.ID)
	assert.Equal(t, models.ResolutionStateCompleted, got.State)
	assert.NotNil(t, got.FinishedAt)

	var workspaces []models.BatchSpecWorkspace
	require.NoError(t, gdb.Where("batch_spec_id = ?", bs.ID).Find(&workspaces).Error)
	require.Len(t, workspaces, 1)
	assert.Equal(t, "acme/api", workspaces[0].Repo)

	var imports []models.ChangesetSpec
	require.NoError(t, gdb.Where("batch_spec_id = ?", bs.ID).Order("external_id").Find(&imports).Error)
	require.Len(t, imports, 2)
	assert.Equal(t, models.ChangesetSpecTypeExisting, imports[0].Type)
	assert.Equal(t, "7", imports[0].ExternalID)
	assert.Equal(t, "github", imports[0].CodeHostKind)
	assert.NotEmpty(t, imports[0].RandID)
}

func TestResolveOne_ReplacesPreviousAttempt(t *testing.T) {
	search := NewMockSearch(10)
	search.AddRepository(codehost.Repository{Name: "acme/api"})
	search.AddRepository(codehost.Repository{Name: "acme/web"})
	r, gdb := newResolver(t, search)
	bs := createBatchSpec(t, gdb, importSpec)

	for i := 0; i < 2; i++ {
		job, err := EnqueueResolution(gdb, bs.ID)
		require.NoError(t, err)
		require.NoError(t, r.ResolveOne(context.Background(), job.ID))
	}

	var n int64
	gdb.Model(&models.BatchSpecWorkspace{}).Where("batch_spec_id = ?", bs.ID).Count(&n)
	assert.Equal(t, int64(1), n)
	gdb.Model(&models.ChangesetSpec{}).Where("batch_spec_id = ?", bs.ID).Count(&n)
	assert.Equal(t, int64(2), n)
}

func TestResolveOne_RetryableErrorThenFailed(t *testing.T) {
	search := NewMockSearch(10)
	search.AddRepository(codehost.Repository{Name: "acme/api"})
	search.AddRepository(codehost.Repository{Name: "acme/web"})
	r, gdb := newResolver(t, search)
	bs := createBatchSpec(t, gdb, importSpec)
	boom := codehost.NewError("repository", 502, "bad gateway")
	search.FailNext("repository", boom, boom)

	job, err := EnqueueResolution(gdb, bs.ID)
	require.NoError(t, err)
	require.NoError(t, r.ResolveOne(context.Background(), job.ID))

	got := jobFor(t, gdb, bs.ID)
	assert.Equal(t, models.ResolutionStateErrored, got.State)
	assert.Equal(t, 1, got.NumFailures)
	require.NotNil(t, got.ProcessAfter)

	n, err := PromoteErrored(gdb, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = PromoteErrored(gdb, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.ResolveOne(context.Background(), job.ID))
	got = jobFor(t, gdb, bs.ID)
	assert.Equal(t, models.ResolutionStateFailed, got.State, "max attempts reached")
	assert.Equal(t, 2, got.NumFailures)
}

func TestResolveOne_TerminalErrors(t *testing.T) {
	t.Run("unknown repository", func(t *testing.T) {
		r, gdb := newResolver(t, NewMockSearch(10))
		bs := createBatchSpec(t, gdb, importSpec)
		job, err := EnqueueResolution(gdb, bs.ID)
		require.NoError(t, err)
		require.NoError(t, r.ResolveOne(context.Background(), job.ID))
		assert.Equal(t, models.ResolutionStateFailed, jobFor(t, gdb, bs.ID).State)
	})
	t.Run("invalid raw spec", func(t *testing.T) {
		r, gdb := newResolver(t, NewMockSearch(10))
		bs := createBatchSpec(t, gdb, "name: x\n")
		job, err := EnqueueResolution(gdb, bs.ID)
		require.NoError(t, err)
		require.NoError(t, r.ResolveOne(context.Background(), job.ID))
		got := jobFor(t, gdb, bs.ID)
		assert.Equal(t, models.ResolutionStateFailed, got.State)
		assert.Contains(t, got.FailureMessage, "invalid batch spec")
	})
}

func TestResolveOne_NotQueued(t *testing.T) {
	search := NewMockSearch(10)
	search.AddRepository(codehost.Repository{Name: "acme/api"})
	search.AddRepository(codehost.Repository{Name: "acme/web"})
	r, gdb := newResolver(t, search)
	bs := createBatchSpec(t, gdb, importSpec)
	job, err := EnqueueResolution(gdb, bs.ID)
	require.NoError(t, err)
	require.NoError(t, r.ResolveOne(context.Background(), job.ID))

	assert.ErrorIs(t, r.ResolveOne(context.Background(), job.ID), ErrNotClaimed)
}

func TestEnqueueResolution_Idempotent(t *testing.T) {
	_, gdb := newResolver(t, NewMockSearch(10))
	a, err := EnqueueResolution(gdb, 5)
	require.NoError(t, err)
	b, err := EnqueueResolution(gdb, 5)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, models.ResolutionStateQueued, b.State)
}

func TestRun_ResolvesQueuedJobs(t *testing.T) {
	search := NewMockSearch(10)
	search.AddRepository(codehost.Repository{Name: "acme/api"})
	search.AddRepository(codehost.Repository{Name: "acme/web"})
	r, gdb := newResolver(t, search)
	bs := createBatchSpec(t, gdb, importSpec)
	_, err := EnqueueResolution(gdb, bs.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		var job models.BatchSpecResolutionJob
		if err := gdb.Where("batch_spec_id = ?", bs.ID).First(&job).Error; err != nil {
			return false
		}
		return job.State == models.ResolutionStateCompleted
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
