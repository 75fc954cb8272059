package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/gitops"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/planner"
)

// executor applies the operations of one plan to one changeset. Every host
// write re-reads the pull request first and skips the call when its effect
// is already present, so retrying after an ambiguous failure is safe.
type executor struct {
	r       *Reconciler
	client  codehost.Client
	cs      *models.Changeset
	spec    *models.ChangesetSpec
	attempt int
}

func (e *executor) apply(ctx context.Context, op planner.Operation) (string, error) {
	now := e.r.nowFunc()
	switch op {
	case planner.OpPush:
		return e.push(ctx)
	case planner.OpPublish, planner.OpPublishDraft:
		return e.publish(ctx, op == planner.OpPublishDraft)
	case planner.OpUpdate:
		return e.update(ctx)
	case planner.OpUndraft:
		return e.hostWrite(ctx, models.ExternalStateDraft, e.client.Undraft)
	case planner.OpReopen:
		return e.hostWrite(ctx, models.ExternalStateClosed, e.client.Reopen)
	case planner.OpClose:
		return e.close(ctx)
	case planner.OpImport:
		return e.importChangeset(ctx)
	case planner.OpSync:
		return e.sync(ctx)
	case planner.OpSleep:
		if err := sleepWithContext(ctx, e.r.writePacing); err != nil {
			return "", err
		}
		return OutcomeOK, nil
	case planner.OpDetach:
		planner.Unlink(e.cs, now)
		return e.r.saveDetached(e.cs)
	case planner.OpArchive:
		planner.Archive(e.cs, now)
		return OutcomeOK, nil
	case planner.OpReattach:
		e.cs.Archived = false
		return OutcomeOK, nil
	default:
		return "", fmt.Errorf("reconciler: unknown operation %q", op)
	}
}

func (e *executor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.r.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.r.callTimeout)
}

func (e *executor) push(ctx context.Context) (string, error) {
	sha, err := e.r.pusher.Push(ctx, gitops.PushRequest{
		Repo:          e.spec.Repo,
		BaseRef:       e.spec.BaseRef,
		BaseRev:       e.spec.BaseRev,
		HeadRef:       e.spec.HeadRef,
		Diff:          e.spec.Diff,
		CommitMessage: e.spec.CommitMessage,
		AuthorName:    e.spec.AuthorName,
		AuthorEmail:   e.spec.AuthorEmail,
	})
	if err != nil {
		return "", err
	}
	e.cs.HeadCommit = sha
	e.cs.SyncedDiffHash = planner.DiffHash(e.spec.Diff)
	e.cs.SyncedCommitMessage = e.spec.CommitMessage
	e.cs.SyncedAuthorName = e.spec.AuthorName
	e.cs.SyncedAuthorEmail = e.spec.AuthorEmail
	return OutcomeOK, nil
}

func (e *executor) publish(ctx context.Context, draft bool) (string, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	// A create that timed out may have succeeded; adopt what exists.
	existing, err := e.client.FindByBranch(cctx, e.spec.Repo, e.spec.HeadRef)
	switch {
	case err == nil && existing.ExternalState != models.ExternalStateMerged:
		e.observe(existing)
		e.cs.PublicationState = models.PublicationStatePublished
		return OutcomeSkipped, nil
	case err != nil && !errors.Is(err, codehost.ErrNotFound):
		return "", err
	}

	created, err := e.client.Create(cctx, codehost.CreateRequest{
		Repo:    e.spec.Repo,
		HeadRef: e.spec.HeadRef,
		BaseRef: e.spec.BaseRef,
		Title:   e.spec.Title,
		Body:    e.spec.Body,
		Draft:   draft,
	})
	if err != nil {
		return "", err
	}
	e.observe(created)
	e.cs.PublicationState = models.PublicationStatePublished
	return OutcomeOK, nil
}

func (e *executor) update(ctx context.Context) (string, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	current, err := e.client.Load(cctx, e.cs.Repo, e.cs.ExternalID)
	if err != nil {
		return "", err
	}
	if current.Title == e.spec.Title && current.Body == e.spec.Body && current.BaseRef == e.spec.BaseRef {
		e.observe(current)
		return OutcomeSkipped, nil
	}
	updated, err := e.client.Update(cctx, codehost.UpdateRequest{
		Repo:       e.cs.Repo,
		ExternalID: e.cs.ExternalID,
		Title:      e.spec.Title,
		Body:       e.spec.Body,
		BaseRef:    e.spec.BaseRef,
	})
	if err != nil {
		return "", err
	}
	e.observe(updated)
	return OutcomeOK, nil
}

// hostWrite performs a state-changing call that only makes sense while the
// pull request is in state from.
func (e *executor) hostWrite(ctx context.Context, from string,
	call func(ctx context.Context, repo, externalID string) (*codehost.Changeset, error),
) (string, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	current, err := e.client.Load(cctx, e.cs.Repo, e.cs.ExternalID)
	if err != nil {
		return "", err
	}
	if current.ExternalState != from {
		e.observe(current)
		return OutcomeSkipped, nil
	}
	after, err := call(cctx, e.cs.Repo, e.cs.ExternalID)
	if err != nil {
		return "", err
	}
	e.observe(after)
	return OutcomeOK, nil
}

func (e *executor) close(ctx context.Context) (string, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	current, err := e.client.Load(cctx, e.cs.Repo, e.cs.ExternalID)
	if err != nil {
		return "", err
	}
	if current.ExternalState != models.ExternalStateOpen && current.ExternalState != models.ExternalStateDraft {
		e.observe(current)
		return OutcomeSkipped, nil
	}
	after, err := e.client.Close(cctx, e.cs.Repo, e.cs.ExternalID)
	if err != nil {
		return "", err
	}
	e.observe(after)
	return OutcomeOK, nil
}

func (e *executor) importChangeset(ctx context.Context) (string, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	pr, err := e.client.Load(cctx, e.cs.Repo, e.cs.ExternalID)
	if err != nil {
		return "", err
	}
	e.cs.HeadRef = pr.HeadRef
	e.cs.PublicationState = models.PublicationStatePublished
	e.observe(pr)
	return OutcomeOK, nil
}

// syncInterval is how long an imported changeset's mirror stays fresh.
const syncInterval = time.Hour

func (e *executor) sync(ctx context.Context) (string, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	pr, err := e.client.Load(cctx, e.cs.Repo, e.cs.ExternalID)
	if err != nil {
		e.cs.SyncErrorMessage = err.Error()
		return "", err
	}
	e.observe(pr)
	e.cs.SyncErrorMessage = ""
	next := e.r.nowFunc().Add(syncInterval)
	e.cs.NextSyncAt = &next
	return OutcomeOK, nil
}

// observe copies host state into the changeset's synced fields.
func (e *executor) observe(pr *codehost.Changeset) {
	e.cs.ExternalID = pr.ExternalID
	e.cs.ExternalState = pr.ExternalState
	e.cs.SyncedTitle = pr.Title
	e.cs.SyncedBody = pr.Body
	e.cs.SyncedBaseRef = pr.BaseRef
	if pr.HeadCommit != "" {
		e.cs.HeadCommit = pr.HeadCommit
	}
	if pr.ReviewState != "" {
		e.cs.ReviewState = pr.ReviewState
	}
	if pr.CheckState != "" {
		e.cs.CheckState = pr.CheckState
	}
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
