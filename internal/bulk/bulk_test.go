package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/batchyard/internal/backoff"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/db"
	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

type env struct {
	db   *gorm.DB
	host *codehost.MockClient
	exec *Executor
	bc   *models.BatchChange
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	bc := &models.BatchChange{Namespace: "acme", Name: "fix-readme"}
	require.NoError(t, gdb.Create(bc).Error)

	host := codehost.NewMockClient(true)
	hosts := codehost.NewRegistry()
	hosts.Register("github", host)
	exec := NewExecutor(gdb, hosts, Options{
		Workers: 1,
		Policy:  backoff.Policy{MaxAttempts: 2, Base: time.Minute, Cap: time.Hour},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &env{db: gdb, host: host, exec: exec, bc: bc}
}

// published creates a published changeset backed by an open pull request.
func (e *env) published(t *testing.T, mod ...func(*models.Changeset)) *models.Changeset {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.Changeset{}).Count(&n).Error)
	id := strconv.Itoa(int(n) + 1)
	cs := &models.Changeset{
		BatchChangeID:    e.bc.ID,
		Repo:             "acme/repo-" + id,
		CodeHostKind:     "github",
		HeadRef:          "batch/fix",
		ExternalID:       id,
		ExternalState:    models.ExternalStateOpen,
		PublicationState: models.PublicationStatePublished,
		ReconcilerState:  models.ReconcilerStateCompleted,
	}
	for _, m := range mod {
		m(cs)
	}
	require.NoError(t, e.db.Create(cs).Error)
	e.host.Seed(codehost.Changeset{ExternalID: cs.ExternalID, Repo: cs.Repo, HeadRef: cs.HeadRef, ExternalState: models.ExternalStateOpen})
	return cs
}

func (e *env) create(t *testing.T, req Request) *models.BulkOperation {
	t.Helper()
	req.BatchChangeID = e.bc.ID
	op, err := Create(context.Background(), e.db, req)
	require.NoError(t, err)
	return op
}

func (e *env) status(t *testing.T, id string) *Status {
	t.Helper()
	s, err := Get(context.Background(), e.db, id)
	require.NoError(t, err)
	return s
}

func (e *env) reload(t *testing.T, id uint) *models.Changeset {
	t.Helper()
	var cs models.Changeset
	require.NoError(t, e.db.First(&cs, id).Error)
	return &cs
}

func ids(cs ...*models.Changeset) []uint {
	out := make([]uint, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t)
	cs := e.published(t)
	other := &models.Changeset{BatchChangeID: e.bc.ID + 1, Repo: "x/y", CodeHostKind: "github"}
	require.NoError(t, e.db.Create(other).Error)

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown type", Request{Type: "REBASE", BatchChangeID: e.bc.ID, ChangesetIDs: ids(cs)}},
		{"no changesets", Request{Type: models.BulkTypeClose, BatchChangeID: e.bc.ID}},
		{"no batch change", Request{Type: models.BulkTypeClose, ChangesetIDs: ids(cs)}},
		{"empty comment", Request{Type: models.BulkTypeComment, BatchChangeID: e.bc.ID, ChangesetIDs: ids(cs), Body: "  "}},
		{"foreign changeset", Request{Type: models.BulkTypeClose, BatchChangeID: e.bc.ID, ChangesetIDs: ids(cs, other)}},
		{"detach unarchived", Request{Type: models.BulkTypeDetach, BatchChangeID: e.bc.ID, ChangesetIDs: ids(cs)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(context.Background(), e.db, tt.req)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	var n int64
	require.NoError(t, e.db.Model(&models.BulkOperation{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestCreate_StoresJobs(t *testing.T) {
	e := newEnv(t)
	a, b := e.published(t), e.published(t)
	op := e.create(t, Request{Type: models.BulkTypeMerge, ChangesetIDs: []uint{b.ID, a.ID, b.ID}, Squash: true})

	assert.Len(t, op.ID, 36)
	assert.Equal(t, 2, op.ChangesetCount)

	var jobs []models.ChangesetJob
	require.NoError(t, e.db.Where("bulk_group = ?", op.ID).Order("changeset_id").Find(&jobs).Error)
	require.Len(t, jobs, 2)
	assert.Equal(t, a.ID, jobs[0].ChangesetID)
	assert.Equal(t, models.JobStateQueued, jobs[0].State)
	assert.JSONEq(t, `{"squash":true}`, jobs[0].Payload)

	s := e.status(t, op.ID)
	assert.Equal(t, models.BulkStateProcessing, s.State)
	assert.Zero(t, s.Progress)
}

func TestClose_PartialFailure(t *testing.T) {
	e := newEnv(t)
	one, two, three := e.published(t), e.published(t), e.published(t)
	e.host.FailNext("close", nil, codehost.NewError("close", 403, "must have admin rights"))

	op := e.create(t, Request{Type: models.BulkTypeClose, ChangesetIDs: ids(one, two, three)})
	n, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	s := e.status(t, op.ID)
	assert.Equal(t, models.BulkStateFailed, s.State)
	assert.Equal(t, 1.0, s.Progress)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, two.ID, s.Errors[0].ChangesetID)
	assert.Contains(t, s.Errors[0].Error, "403")
	assert.NotNil(t, s.FinishedAt)

	assert.Equal(t, models.ExternalStateClosed, e.reload(t, one.ID).ExternalState)
	assert.Equal(t, models.ExternalStateOpen, e.reload(t, two.ID).ExternalState)
	assert.Equal(t, models.ExternalStateClosed, e.reload(t, three.ID).ExternalState)
}

func TestComment(t *testing.T) {
	e := newEnv(t)
	a, b := e.published(t), e.published(t)
	unpublished := e.published(t, func(cs *models.Changeset) {
		cs.PublicationState = models.PublicationStateUnpublished
	})

	op := e.create(t, Request{Type: models.BulkTypeComment, ChangesetIDs: ids(a, b, unpublished), Body: "Please review"})
	_, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Please review"}, e.host.Comments(a.Repo, a.ExternalID))
	assert.Equal(t, []string{"Please review"}, e.host.Comments(b.Repo, b.ExternalID))

	s := e.status(t, op.ID)
	assert.Equal(t, models.BulkStateFailed, s.State)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, unpublished.ID, s.Errors[0].ChangesetID)
	assert.Contains(t, s.Errors[0].Error, "not published")
}

func TestMerge(t *testing.T) {
	e := newEnv(t)
	cs := e.published(t)
	op := e.create(t, Request{Type: models.BulkTypeMerge, ChangesetIDs: ids(cs), Squash: true})
	_, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.BulkStateCompleted, e.status(t, op.ID).State)
	assert.Equal(t, models.ExternalStateMerged, e.reload(t, cs.ID).ExternalState)
	assert.Equal(t, 1, e.host.CallCount("merge"))
}

func TestPublish(t *testing.T) {
	e := newEnv(t)
	unset := &models.ChangesetSpec{BatchSpecID: 1, Type: models.ChangesetSpecTypeBranch, Repo: "acme/a", CodeHostKind: "github"}
	explicit := &models.ChangesetSpec{BatchSpecID: 1, Type: models.ChangesetSpecTypeBranch, Repo: "acme/b", CodeHostKind: "github", Published: models.PublishedFalse}
	require.NoError(t, e.db.Create(unset).Error)
	require.NoError(t, e.db.Create(explicit).Error)

	draft := e.published(t, func(cs *models.Changeset) {
		cs.PublicationState = models.PublicationStateUnpublished
		cs.CurrentSpecID = &unset.ID
	})
	conflict := e.published(t, func(cs *models.Changeset) {
		cs.PublicationState = models.PublicationStateUnpublished
		cs.CurrentSpecID = &explicit.ID
	})

	op := e.create(t, Request{Type: models.BulkTypePublish, ChangesetIDs: ids(draft, conflict), Draft: true})
	_, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)

	got := e.reload(t, draft.ID)
	assert.Equal(t, models.UIPublicationStateDraft, got.UIPublicationState)
	assert.Equal(t, models.ReconcilerStateQueued, got.ReconcilerState)

	notTouched := e.reload(t, conflict.ID)
	assert.Empty(t, notTouched.UIPublicationState)
	assert.Equal(t, models.ReconcilerStateCompleted, notTouched.ReconcilerState)

	s := e.status(t, op.ID)
	assert.Equal(t, models.BulkStateFailed, s.State)
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0].Error, "publication-conflict")
}

func TestReenqueue(t *testing.T) {
	e := newEnv(t)
	cs := e.published(t, func(cs *models.Changeset) {
		cs.ReconcilerState = models.ReconcilerStateFailed
		cs.NumFailures = 3
		cs.FailureMessage = "boom"
	})
	op := e.create(t, Request{Type: models.BulkTypeReenqueue, ChangesetIDs: ids(cs)})
	_, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateQueued, got.ReconcilerState)
	assert.Zero(t, got.NumFailures)
	assert.Empty(t, got.FailureMessage)
	assert.Equal(t, models.BulkStateCompleted, e.status(t, op.ID).State)
}

func TestDetach(t *testing.T) {
	e := newEnv(t)
	cs := e.published(t, func(cs *models.Changeset) { cs.Archived = true })
	op := e.create(t, Request{Type: models.BulkTypeDetach, ChangesetIDs: ids(cs)})

	_, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)

	got := e.reload(t, cs.ID)
	assert.Zero(t, got.BatchChangeID)
	assert.NotNil(t, got.DetachedAt)
	assert.Equal(t, models.BulkStateCompleted, e.status(t, op.ID).State)
}

func TestRetryableFailure_BacksOff(t *testing.T) {
	e := newEnv(t)
	cs := e.published(t)
	e.host.FailNext("close", codehost.NewError("close", 503, "unavailable"))
	op := e.create(t, Request{Type: models.BulkTypeClose, ChangesetIDs: ids(cs)})

	now := time.Now()
	e.exec.nowFunc = func() time.Time { return now }
	_, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)

	var job models.ChangesetJob
	require.NoError(t, e.db.Where("bulk_group = ?", op.ID).First(&job).Error)
	assert.Equal(t, models.JobStateErrored, job.State)
	assert.Equal(t, 1, job.NumFailures)
	require.NotNil(t, job.ProcessAfter)
	assert.True(t, job.ProcessAfter.After(now))

	s := e.status(t, op.ID)
	assert.Equal(t, models.BulkStateProcessing, s.State)
	assert.Zero(t, s.Progress)

	// Not due yet.
	n, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	e.exec.nowFunc = func() time.Time { return now.Add(2 * time.Hour) }
	n, err = e.exec.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s = e.status(t, op.ID)
	assert.Equal(t, models.BulkStateCompleted, s.State)
	assert.Equal(t, 1.0, s.Progress)
}

func TestRetryableFailure_Exhausted(t *testing.T) {
	e := newEnv(t)
	cs := e.published(t)
	unavailable := codehost.NewError("close", 503, "unavailable")
	e.host.FailNext("close", unavailable, unavailable)
	op := e.create(t, Request{Type: models.BulkTypeClose, ChangesetIDs: ids(cs)})

	now := time.Now()
	e.exec.nowFunc = func() time.Time { return now }
	_, err := e.exec.ProcessPending(context.Background())
	require.NoError(t, err)
	e.exec.nowFunc = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = e.exec.ProcessPending(context.Background())
	require.NoError(t, err)

	s := e.status(t, op.ID)
	assert.Equal(t, models.BulkStateFailed, s.State)
	require.Len(t, s.Errors, 1)
}

func TestFail_SharesReconcilerRetryClassification(t *testing.T) {
	e := newEnv(t)
	op := e.create(t, Request{Type: models.BulkTypeClose, ChangesetIDs: ids(e.published(t), e.published(t), e.published(t))})
	var jobs []models.ChangesetJob
	require.NoError(t, e.db.Where("bulk_group = ?", op.ID).Order("id").Find(&jobs).Error)
	require.Len(t, jobs, 3)
	require.NoError(t, e.db.Model(&models.ChangesetJob{}).Where("bulk_group = ?", op.ID).
		Update("state", models.JobStateProcessing).Error)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	causes := []error{
		errors.New("database is locked"),
		fmt.Errorf("close: %w", codehost.ErrNotFound),
		fmt.Errorf("%w: changeset 3 is imported", errTerminal),
	}
	want := []string{models.JobStateErrored, models.JobStateFailed, models.JobStateFailed}
	for i := range jobs {
		require.NoError(t, e.exec.fail(&jobs[i], causes[i], time.Now(), log))
		var got models.ChangesetJob
		require.NoError(t, e.db.First(&got, jobs[i].ID).Error)
		assert.Equal(t, want[i], got.State, causes[i].Error())
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	e := newEnv(t)
	var cs []*models.Changeset
	for i := 0; i < 4; i++ {
		cs = append(cs, e.published(t))
	}
	op := e.create(t, Request{Type: models.BulkTypeClose, ChangesetIDs: ids(cs...)})

	last := 0.0
	e.host.FailNext("close", nil, codehost.NewError("close", 503, "unavailable"))
	now := time.Now()
	for step := 0; step < 3; step++ {
		e.exec.nowFunc = func() time.Time { return now.Add(time.Duration(step) * 2 * time.Hour) }
		_, err := e.exec.ProcessPending(context.Background())
		require.NoError(t, err)
		s := e.status(t, op.ID)
		assert.GreaterOrEqual(t, s.Progress, last)
		if s.Progress < 1 {
			assert.Equal(t, models.BulkStateProcessing, s.State)
		}
		last = s.Progress
	}
	assert.Equal(t, 1.0, last)
}

func TestGet_NotFound(t *testing.T) {
	e := newEnv(t)
	_, err := Get(context.Background(), e.db, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	e := newEnv(t)
	cs := e.published(t)
	e.create(t, Request{Type: models.BulkTypeClose, ChangesetIDs: ids(cs)})
	e.create(t, Request{Type: models.BulkTypeComment, ChangesetIDs: ids(cs), Body: "hi"})

	got, err := List(context.Background(), e.db, e.bc.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, s := range got {
		assert.Equal(t, models.BulkStateProcessing, s.State)
		assert.Nil(t, s.Operation.Jobs)
	}
}

func TestRun(t *testing.T) {
	e := newEnv(t)
	cs := e.published(t)
	op := e.create(t, Request{Type: models.BulkTypeClose, ChangesetIDs: ids(cs)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.exec.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		s, err := Get(context.Background(), e.db, op.ID)
		return err == nil && s.State == models.BulkStateCompleted
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
