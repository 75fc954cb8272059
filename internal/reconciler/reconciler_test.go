package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/batchyard/internal/backoff"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/db"
	"github.com/zulandar/batchyard/internal/gitops"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/planner"
	"gorm.io/gorm"
)

type env struct {
	db     *gorm.DB
	host   *codehost.MockClient
	pusher *gitops.MockPusher
	rec    *Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))

	host := codehost.NewMockClient(true)
	hosts := codehost.NewRegistry()
	hosts.Register("github", host)
	pusher := gitops.NewMockPusher()

	rec := New(gdb, hosts, pusher, Options{
		Policy:      backoff.Policy{MaxAttempts: 3, Base: 10 * time.Second, Cap: time.Minute},
		CallTimeout: 5 * time.Second,
		WritePacing: time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &env{db: gdb, host: host, pusher: pusher, rec: rec}
}

func (e *env) spec(t *testing.T, mod ...func(*models.ChangesetSpec)) *models.ChangesetSpec {
	t.Helper()
	s := &models.ChangesetSpec{
		BatchSpecID:   1,
		Type:          models.ChangesetSpecTypeBranch,
		Repo:          "acme/api",
		CodeHostKind:  "github",
		HeadRef:       "batch/fix-1",
		BaseRef:       "main",
		BaseRev:       "b45e",
		Title:         "Fix the thing",
		Body:          "Body",
		CommitMessage: "fix: the thing",
		AuthorName:    "Batch Bot",
		AuthorEmail:   "bot@example.com",
		Diff:          "D1",
		Published:     models.PublishedTrue,
	}
	for _, m := range mod {
		m(s)
	}
	require.NoError(t, e.db.Create(s).Error)
	return s
}

func (e *env) changeset(t *testing.T, spec *models.ChangesetSpec) *models.Changeset {
	t.Helper()
	cs := planner.NewChangeset(spec, 1)
	require.NoError(t, e.db.Create(cs).Error)
	return cs
}

func (e *env) reload(t *testing.T, id uint) models.Changeset {
	t.Helper()
	var cs models.Changeset
	require.NoError(t, e.db.First(&cs, id).Error)
	return cs
}

// point makes cs's current spec the given one and requeues it.
func (e *env) point(t *testing.T, cs *models.Changeset, spec *models.ChangesetSpec) {
	t.Helper()
	fresh := e.reload(t, cs.ID)
	planner.Attach(&fresh, spec, fresh.BatchChangeID)
	require.NoError(t, e.db.Save(&fresh).Error)
}

// hookPusher calls before ahead of every push, on the worker's goroutine.
type hookPusher struct {
	gitops.Pusher
	before func()
}

func (h *hookPusher) Push(ctx context.Context, req gitops.PushRequest) (string, error) {
	if h.before != nil {
		h.before()
	}
	return h.Pusher.Push(ctx, req)
}

func states(t *testing.T, gdb *gorm.DB, id uint) []string {
	t.Helper()
	events, err := Events(gdb, id)
	require.NoError(t, err)
	var out []string
	for _, ev := range events {
		if ev.Kind == EventTransition {
			out = append(out, ev.ToState)
		}
	}
	return out
}

func ops(t *testing.T, gdb *gorm.DB, id uint) []string {
	t.Helper()
	events, err := Events(gdb, id)
	require.NoError(t, err)
	var out []string
	for _, ev := range events {
		if ev.Kind == EventOperation {
			out = append(out, ev.Operation+":"+ev.Outcome)
		}
	}
	return out
}

func TestReconcileOne_PublishesNewChangeset(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateCompleted, got.ReconcilerState)
	assert.Equal(t, models.PublicationStatePublished, got.PublicationState)
	assert.Equal(t, models.ExternalStateOpen, got.ExternalState)
	assert.Equal(t, "101", got.ExternalID)
	assert.Equal(t, planner.DiffHash("D1"), got.SyncedDiffHash)
	assert.NotEmpty(t, got.HeadCommit)
	assert.Equal(t, "Fix the thing", got.SyncedTitle)
	assert.NotNil(t, got.FinishedAt)

	require.Len(t, e.pusher.Pushes(), 1)
	assert.Equal(t, 1, e.host.PullRequestCount())
	assert.Equal(t, []string{"PUSH:ok", "PUBLISH:ok"}, ops(t, e.db, cs.ID))
}

func TestReconcileOne_SecondRunIsNoOp(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	require.NoError(t, Enqueue(e.db, cs.ID))
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	assert.Len(t, e.pusher.Pushes(), 1)
	assert.Equal(t, 1, e.host.CallCount("create"))
	assert.Equal(t, 0, e.host.CallCount("update"))
	assert.Equal(t, models.ReconcilerStateCompleted, e.reload(t, cs.ID).ReconcilerState)
}

func TestReconcileOne_DiffAndTitleChangePushesThenUpdates(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	next := e.spec(t, func(s *models.ChangesetSpec) {
		s.Diff = "D2"
		s.Title = "Fix the thing properly"
	})
	e.point(t, cs, next)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateCompleted, got.ReconcilerState)
	assert.Equal(t, planner.DiffHash("D2"), got.SyncedDiffHash)
	assert.Equal(t, "Fix the thing properly", got.SyncedTitle)

	pr, ok := e.host.PullRequest("acme/api", got.ExternalID)
	require.True(t, ok)
	assert.Equal(t, "Fix the thing properly", pr.Title)
	assert.Len(t, e.pusher.Pushes(), 2)
	assert.Equal(t, 1, e.host.PullRequestCount())
	assert.Equal(t, []string{"PUSH:ok", "PUBLISH:ok", "PUSH:ok", "UPDATE:ok"}, ops(t, e.db, cs.ID))
}

func TestReconcileOne_UpdateSkippedWhenHostAlreadyMatches(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	next := e.spec(t, func(s *models.ChangesetSpec) { s.Body = "New body" })
	e.point(t, cs, next)

	// Someone already applied the edit; the local mirror is stale.
	_, err := e.host.Update(context.Background(), codehost.UpdateRequest{
		Repo: "acme/api", ExternalID: "101", Title: next.Title, Body: "New body", BaseRef: "main",
	})
	require.NoError(t, err)
	updatesBefore := e.host.CallCount("update")

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
	assert.Equal(t, updatesBefore, e.host.CallCount("update"))
	assert.Equal(t, "New body", e.reload(t, cs.ID).SyncedBody)
	assert.Contains(t, ops(t, e.db, cs.ID), "UPDATE:skipped")
}

func TestReconcileOne_PublishAdoptsExistingPullRequest(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)

	// A previous attempt created the pull request but the response was lost.
	e.host.Seed(codehost.Changeset{
		ExternalID: "77", Repo: "acme/api", HeadRef: "batch/fix-1", BaseRef: "main",
		Title: "Fix the thing", Body: "Body",
	})

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, "77", got.ExternalID)
	assert.Equal(t, models.PublicationStatePublished, got.PublicationState)
	assert.Equal(t, 0, e.host.CallCount("create"))
	assert.Contains(t, ops(t, e.db, cs.ID), "PUBLISH:skipped")
}

func TestReconcileOne_RetryableErrorBacksOff(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	e.host.FailNext("create", codehost.NewError("create", 502, "bad gateway"))

	before := time.Now()
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateErrored, got.ReconcilerState)
	assert.Equal(t, 1, got.NumFailures)
	assert.Contains(t, got.FailureMessage, "bad gateway")
	require.NotNil(t, got.ProcessAfter)
	assert.True(t, got.ProcessAfter.After(before.Add(9*time.Second)), "process_after %s", got.ProcessAfter)
	// The push landed and is not repeated on retry.
	assert.Equal(t, planner.DiffHash("D1"), got.SyncedDiffHash)

	n, err := PromoteErrored(e.db, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "backoff has not elapsed")

	n, err = PromoteErrored(e.db, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
	got = e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateCompleted, got.ReconcilerState)
	assert.Equal(t, 0, got.NumFailures)
	assert.Nil(t, got.ProcessAfter)
	assert.Len(t, e.pusher.Pushes(), 1)
	assert.Equal(t, []string{"PUSH:ok", "PUBLISH:retryable", "PUBLISH:ok"}, ops(t, e.db, cs.ID))
}

func TestReconcileOne_FailsAfterMaxAttempts(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	boom := codehost.NewError("create", 503, "unavailable")
	e.host.FailNext("create", boom, boom, boom)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
		if i < 2 {
			require.Equal(t, models.ReconcilerStateErrored, e.reload(t, cs.ID).ReconcilerState)
			_, err := PromoteErrored(e.db, time.Now().Add(time.Hour))
			require.NoError(t, err)
		}
	}

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateFailed, got.ReconcilerState)
	assert.Equal(t, 3, got.NumFailures)
	assert.Nil(t, got.ProcessAfter)

	// A user retry starts the counter over.
	require.NoError(t, Enqueue(e.db, cs.ID))
	got = e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateQueued, got.ReconcilerState)
	assert.Equal(t, 0, got.NumFailures)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
	assert.Equal(t, models.ReconcilerStateCompleted, e.reload(t, cs.ID).ReconcilerState)
}

func TestReconcileOne_TerminalErrorFailsImmediately(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	e.pusher.FailNext(gitops.ErrPatchFailed)

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateFailed, got.ReconcilerState)
	assert.Equal(t, 1, got.NumFailures)
	assert.Equal(t, 0, e.host.PullRequestCount())
	assert.Equal(t, []string{"PUSH:terminal"}, ops(t, e.db, cs.ID))
}

func TestReconcileOne_PublicationConflictIsTerminal(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.db.Model(cs).Update("ui_publication_state", models.UIPublicationStatePublished).Error)

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateFailed, got.ReconcilerState)
	assert.Contains(t, got.FailureMessage, planner.InvariantPublicationConflict)
	assert.Empty(t, e.pusher.Pushes())
}

func TestReconcileOne_MissingSpecIsTerminal(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.db.Delete(spec).Error)

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateFailed, got.ReconcilerState)
	assert.Contains(t, got.FailureMessage, "does not exist")
}

func TestReconcileOne_UnsupportedCodeHostIsTerminal(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t, func(s *models.ChangesetSpec) { s.CodeHostKind = "gitlab" })
	cs := e.changeset(t, spec)

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
	assert.Equal(t, models.ReconcilerStateFailed, e.reload(t, cs.ID).ReconcilerState)
}

func TestReconcileOne_NotQueued(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	err := e.rec.ReconcileOne(context.Background(), cs.ID)
	assert.ErrorIs(t, err, ErrNotClaimed)
}

func TestReconcileOne_UndraftPacesWrites(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t, func(s *models.ChangesetSpec) { s.Published = models.PublishedDraft })
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
	require.Equal(t, models.ExternalStateDraft, e.reload(t, cs.ID).ExternalState)

	next := e.spec(t, func(s *models.ChangesetSpec) { s.Title = "Ready" })
	e.point(t, cs, next)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ExternalStateOpen, got.ExternalState)
	assert.Equal(t, "Ready", got.SyncedTitle)
	assert.Equal(t, []string{"PUSH:ok", "PUBLISH_DRAFT:ok", "UPDATE:ok", "SLEEP:ok", "UNDRAFT:ok"}, ops(t, e.db, cs.ID))
}

func TestReconcileOne_DetachedPublishedChangesetIsArchived(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	fresh := e.reload(t, cs.ID)
	planner.Detach(&fresh)
	require.NoError(t, e.db.Save(&fresh).Error)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateCompleted, got.ReconcilerState)
	assert.True(t, got.Archived)
	assert.NotNil(t, got.ArchivedAt)
	assert.Equal(t, uint(1), got.BatchChangeID)
}

func TestReconcileOne_UnpublishedDetachedChangesetIsUnlinked(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t, func(s *models.ChangesetSpec) { s.Published = models.PublishedFalse })
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	fresh := e.reload(t, cs.ID)
	planner.Detach(&fresh)
	require.NoError(t, e.db.Save(&fresh).Error)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.NotNil(t, got.DetachedAt)
	assert.False(t, got.Archived)
	assert.Equal(t, 0, e.host.PullRequestCount())
}

func TestReconcileOne_ReattachReopensClosedChangeset(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	fresh := e.reload(t, cs.ID)
	planner.Detach(&fresh)
	require.NoError(t, e.db.Save(&fresh).Error)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
	require.NoError(t, e.host.SetState("acme/api", "101", models.ExternalStateClosed))

	e.point(t, cs, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateCompleted, got.ReconcilerState)
	assert.False(t, got.Archived)
	assert.Nil(t, got.ArchivedAt)
	assert.Equal(t, models.ExternalStateOpen, got.ExternalState)
	assert.Equal(t, 1, e.host.CallCount("reopen"))
}

func TestReconcileOne_ClosingClosesOpenChangeset(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	require.NoError(t, e.db.Model(cs).Update("closing", true).Error)
	require.NoError(t, Enqueue(e.db, cs.ID))
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	assert.Equal(t, models.ExternalStateClosed, e.reload(t, cs.ID).ExternalState)
	pr, _ := e.host.PullRequest("acme/api", "101")
	assert.Equal(t, models.ExternalStateClosed, pr.ExternalState)
}

func TestReconcileOne_ImportsExistingChangeset(t *testing.T) {
	e := newEnv(t)
	e.host.Seed(codehost.Changeset{
		ExternalID: "42", Repo: "acme/api", HeadRef: "someone/feature", BaseRef: "main",
		Title: "Human PR", Body: "Written by hand", ReviewState: "APPROVED",
	})
	spec := e.spec(t, func(s *models.ChangesetSpec) {
		s.Type = models.ChangesetSpecTypeExisting
		s.ExternalID = "42"
		s.HeadRef = ""
		s.Diff = ""
		s.Published = models.PublishedUnset
	})
	cs := e.changeset(t, spec)

	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateCompleted, got.ReconcilerState)
	assert.Equal(t, models.PublicationStatePublished, got.PublicationState)
	assert.Equal(t, "someone/feature", got.HeadRef)
	assert.Equal(t, "Human PR", got.SyncedTitle)
	assert.Equal(t, "APPROVED", got.ReviewState)
	assert.NotNil(t, got.NextSyncAt)
	assert.Empty(t, e.pusher.Pushes())
	assert.Equal(t, []string{"IMPORT:ok", "SYNC:ok"}, ops(t, e.db, cs.ID))
}

func TestReconcileOne_ShutdownReleasesChangeset(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	cs := e.changeset(t, spec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.rec.ReconcileOne(ctx, cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateQueued, got.ReconcilerState)
	assert.Equal(t, 0, got.NumFailures)
}

func TestCancel_QueuedChangeset(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))

	require.NoError(t, Cancel(e.db, cs.ID))
	assert.Equal(t, models.ReconcilerStateCanceled, e.reload(t, cs.ID).ReconcilerState)

	err := e.rec.ReconcileOne(context.Background(), cs.ID)
	assert.ErrorIs(t, err, ErrNotClaimed)
}

func TestCancel_ProcessingChangesetStopsBeforeNextOperation(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))

	claimed, err := e.rec.claimID(cs.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, Cancel(e.db, cs.ID))
	assert.Equal(t, models.ReconcilerStateCanceling, e.reload(t, cs.ID).ReconcilerState)

	require.NoError(t, e.rec.reconcile(context.Background(), cs.ID))

	assert.Equal(t, models.ReconcilerStateCanceled, e.reload(t, cs.ID).ReconcilerState)
	assert.Empty(t, e.pusher.Pushes())
	assert.Equal(t, []string{
		models.ReconcilerStateProcessing,
		models.ReconcilerStateCanceling,
		models.ReconcilerStateCanceled,
	}, states(t, e.db, cs.ID))
}

func TestCancel_VisibleAsCancelingWhileOperationRuns(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))

	var during string
	e.rec.pusher = &hookPusher{Pusher: e.pusher, before: func() {
		require.NoError(t, Cancel(e.db, cs.ID))
		during = e.reload(t, cs.ID).ReconcilerState
	}}
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	assert.Equal(t, models.ReconcilerStateCanceling, during)
	assert.Equal(t, models.ReconcilerStateCanceled, e.reload(t, cs.ID).ReconcilerState)
	// The push in flight finishes; the publish after it never starts.
	assert.Len(t, e.pusher.Pushes(), 1)
	assert.Equal(t, 0, e.host.PullRequestCount())
	assert.Equal(t, []string{"PUSH:ok"}, ops(t, e.db, cs.ID))
}

func TestComplete_AfterCancelEndsCanceled(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))
	_, err := e.rec.claimID(cs.ID)
	require.NoError(t, err)
	require.NoError(t, Cancel(e.db, cs.ID))

	held := e.reload(t, cs.ID)
	require.NoError(t, e.rec.complete(&held, e.rec.logger))
	assert.Equal(t, models.ReconcilerStateCanceled, e.reload(t, cs.ID).ReconcilerState)
}

func TestEnqueue_WhileProcessingDefersToWorker(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))

	var during models.Changeset
	var secondErr error
	e.rec.pusher = &hookPusher{Pusher: e.pusher, before: func() {
		if during.ID != 0 {
			return
		}
		require.NoError(t, Enqueue(e.db, cs.ID))
		during = e.reload(t, cs.ID)
		secondErr = e.rec.ReconcileOne(context.Background(), cs.ID)
	}}
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	assert.Equal(t, models.ReconcilerStateProcessing, during.ReconcilerState)
	assert.True(t, during.RequeueRequested)
	assert.ErrorIs(t, secondErr, ErrNotClaimed)

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateQueued, got.ReconcilerState)
	assert.False(t, got.RequeueRequested)
	assert.Len(t, e.pusher.Pushes(), 1)

	// The requeued attempt replans from what the first one did.
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))
	assert.Equal(t, models.ReconcilerStateCompleted, e.reload(t, cs.ID).ReconcilerState)
	assert.Len(t, e.pusher.Pushes(), 1)
	assert.Equal(t, 1, e.host.CallCount("create"))
}

func TestEnqueue_WhileProcessingOverridesFailure(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))
	e.pusher.FailNext(errors.New("gitops: git push: connection reset"))

	_, err := e.rec.claimID(cs.ID)
	require.NoError(t, err)
	require.NoError(t, Enqueue(e.db, cs.ID))
	require.NoError(t, Enqueue(e.db, cs.ID))
	require.NoError(t, e.rec.reconcile(context.Background(), cs.ID))

	got := e.reload(t, cs.ID)
	assert.Equal(t, models.ReconcilerStateQueued, got.ReconcilerState)
	assert.Equal(t, 0, got.NumFailures)
	assert.Empty(t, got.FailureMessage)
	assert.Nil(t, got.ProcessAfter)
}

func TestEnqueue_AfterCancelRequeuesOnceCanceled(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))

	_, err := e.rec.claimID(cs.ID)
	require.NoError(t, err)
	require.NoError(t, Cancel(e.db, cs.ID))
	require.NoError(t, Enqueue(e.db, cs.ID))
	assert.Equal(t, models.ReconcilerStateCanceling, e.reload(t, cs.ID).ReconcilerState)

	require.NoError(t, e.rec.reconcile(context.Background(), cs.ID))

	assert.Equal(t, models.ReconcilerStateQueued, e.reload(t, cs.ID).ReconcilerState)
	assert.Equal(t, []string{
		models.ReconcilerStateProcessing,
		models.ReconcilerStateCanceling,
		models.ReconcilerStateCanceled,
		models.ReconcilerStateQueued,
	}, states(t, e.db, cs.ID))
	assert.Empty(t, e.pusher.Pushes())
}

func TestSaveDetached_SkippedWhenReattached(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t, func(s *models.ChangesetSpec) { s.Published = models.PublishedFalse })
	cs := e.changeset(t, spec)
	require.NoError(t, e.rec.ReconcileOne(context.Background(), cs.ID))

	fresh := e.reload(t, cs.ID)
	planner.Detach(&fresh)
	require.NoError(t, e.db.Save(&fresh).Error)
	_, err := e.rec.claimID(cs.ID)
	require.NoError(t, err)
	// An apply attaches the spec again while the worker holds the row.
	require.NoError(t, e.db.Model(&models.Changeset{}).Where("id = ?", cs.ID).
		Updates(map[string]interface{}{"current_spec_id": spec.ID, "requeue_requested": true}).Error)

	held := e.reload(t, cs.ID)
	held.CurrentSpecID = nil
	held.CurrentSpec = nil
	outcome, err := e.rec.saveDetached(&held)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	got := e.reload(t, cs.ID)
	assert.Nil(t, got.DetachedAt)
	assert.Equal(t, uint(1), got.BatchChangeID)
}

func TestTransition_Invalid(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))

	_, err := transition(e.db, cs.ID, models.ReconcilerStateQueued, models.ReconcilerStateCompleted, nil, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEnqueue_NotFound(t *testing.T) {
	e := newEnv(t)
	assert.ErrorIs(t, Enqueue(e.db, 999), ErrNotFound)
	assert.ErrorIs(t, Cancel(e.db, 999), ErrNotFound)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"planning error", &planner.Error{Invariant: planner.InvariantUnknownSpecType}, false},
		{"wrapped planning error", fmt.Errorf("reconciler: PUSH: %w", &planner.Error{}), false},
		{"host rate limit", codehost.NewError("update", 429, "slow down"), true},
		{"host validation", codehost.NewError("create", 422, "bad"), false},
		{"bare host sentinel", fmt.Errorf("lookup: %w", codehost.ErrForbidden), false},
		{"unknown code host", codehost.ErrUnsupportedKind, false},
		{"missing changeset", fmt.Errorf("%w: 7", ErrNotFound), false},
		{"patch failed", gitops.ErrPatchFailed, false},
		{"storage", errors.New("database is locked"), true},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestPromoteScheduled_ReleasesInIDOrder(t *testing.T) {
	e := newEnv(t)
	spec := e.spec(t)
	var ids []uint
	for i := 0; i < 3; i++ {
		cs := planner.NewChangeset(spec, 1)
		cs.ReconcilerState = models.ReconcilerStateScheduled
		require.NoError(t, e.db.Create(cs).Error)
		ids = append(ids, cs.ID)
	}

	n, err := PromoteScheduled(e.db, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, models.ReconcilerStateQueued, e.reload(t, ids[0]).ReconcilerState)
	assert.Equal(t, models.ReconcilerStateQueued, e.reload(t, ids[1]).ReconcilerState)
	assert.Equal(t, models.ReconcilerStateScheduled, e.reload(t, ids[2]).ReconcilerState)
}

func TestRecoverStale(t *testing.T) {
	e := newEnv(t)
	cs := e.changeset(t, e.spec(t))
	_, err := e.rec.claimID(cs.ID)
	require.NoError(t, err)

	canceling := e.changeset(t, e.spec(t, func(s *models.ChangesetSpec) { s.HeadRef = "batch/fix-2" }))
	_, err = e.rec.claimID(canceling.ID)
	require.NoError(t, err)
	require.NoError(t, Cancel(e.db, canceling.ID))

	n, err := RecoverStale(e.db)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, models.ReconcilerStateQueued, e.reload(t, cs.ID).ReconcilerState)
	assert.Equal(t, models.ReconcilerStateCanceled, e.reload(t, canceling.ID).ReconcilerState)
}

func TestRun_ProcessesQueueConcurrently(t *testing.T) {
	e := newEnv(t)
	var ids []uint
	for _, ref := range []string{"batch/a", "batch/b", "batch/c", "batch/d"} {
		ref := ref
		spec := e.spec(t, func(s *models.ChangesetSpec) { s.HeadRef = ref })
		ids = append(ids, e.changeset(t, spec).ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.rec.Run(ctx, 2, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		var n int64
		e.db.Model(&models.Changeset{}).Where("reconciler_state = ?", models.ReconcilerStateCompleted).Count(&n)
		return n == int64(len(ids))
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 4, e.host.PullRequestCount())
}

func TestSetPolicy(t *testing.T) {
	e := newEnv(t)
	e.rec.SetPolicy(backoff.Policy{MaxAttempts: 9})
	assert.Equal(t, 9, e.rec.Policy().MaxAttempts)
}
