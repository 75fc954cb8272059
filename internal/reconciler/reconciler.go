// Package reconciler drives each changeset toward its current spec: it plans
// with the planner package, executes the plan against the code host and
// tracks retryable and terminal failures as persisted state transitions.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zulandar/batchyard/internal/backoff"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/gitops"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/planner"
	"gorm.io/gorm"
)

// Options tunes a Reconciler.
type Options struct {
	Policy      backoff.Policy
	CallTimeout time.Duration
	WritePacing time.Duration
	Logger      *slog.Logger
}

// Reconciler executes reconciliation plans for changesets.
type Reconciler struct {
	db     *gorm.DB
	hosts  *codehost.Registry
	pusher gitops.Pusher
	logger *slog.Logger

	callTimeout time.Duration
	writePacing time.Duration

	mu     sync.RWMutex
	policy backoff.Policy

	nowFunc func() time.Time
}

// New creates a Reconciler.
func New(db *gorm.DB, hosts *codehost.Registry, pusher gitops.Pusher, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:          db,
		hosts:       hosts,
		pusher:      pusher,
		logger:      logger,
		callTimeout: opts.CallTimeout,
		writePacing: opts.WritePacing,
		policy:      opts.Policy,
		nowFunc:     time.Now,
	}
}

// SetPolicy replaces the retry policy. Safe to call while Run is active.
func (r *Reconciler) SetPolicy(p backoff.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// Policy returns the current retry policy.
func (r *Reconciler) Policy() backoff.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

var errCanceled = errors.New("reconciler: canceled")

// ReconcileOne claims changeset id if it is QUEUED and reconciles it. It
// returns ErrNotClaimed if another worker holds it or it is not queued.
func (r *Reconciler) ReconcileOne(ctx context.Context, id uint) error {
	claimed, err := r.claimID(id)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %d", ErrNotClaimed, id)
	}
	return r.reconcile(ctx, id)
}

// reconcile runs one attempt on a PROCESSING changeset. Failures are
// recorded on the changeset; the returned error is only for storage failures.
func (r *Reconciler) reconcile(ctx context.Context, id uint) error {
	var cs models.Changeset
	if err := r.db.Preload("CurrentSpec").First(&cs, id).Error; err != nil {
		return fmt.Errorf("reconciler: load %d: %w", id, err)
	}
	log := r.logger.With(slog.Uint64("changeset", uint64(cs.ID)), slog.String("repo", cs.Repo))

	runErr := r.run(ctx, &cs, log)
	switch {
	case runErr == nil:
		return r.complete(&cs, log)
	case errors.Is(runErr, errCanceled):
		return r.cancel(&cs, log)
	case ctx.Err() != nil:
		// Shutting down: hand the changeset back without counting a failure.
		_, err := r.settle(cs.ID, models.ReconcilerStateQueued, nil, "released on shutdown")
		return err
	default:
		return r.fail(&cs, runErr, log)
	}
}

func (r *Reconciler) run(ctx context.Context, cs *models.Changeset, log *slog.Logger) error {
	if cs.CurrentSpecID != nil && cs.CurrentSpec == nil {
		return &planner.Error{Invariant: planner.InvariantMissingSpec, Message: fmt.Sprintf("changeset spec %d does not exist", *cs.CurrentSpecID)}
	}

	client, err := r.hosts.Get(cs.CodeHostKind)
	if err != nil {
		return err
	}
	plan, err := planner.BuildPlan(cs.CurrentSpec, cs, planner.Capabilities{SupportsDrafts: client.SupportsDrafts()})
	if err != nil {
		return err
	}
	log.Info("reconciling", slog.String("plan", plan.String()), slog.Int("attempt", cs.NumFailures+1))

	ex := &executor{r: r, client: client, cs: cs, spec: cs.CurrentSpec, attempt: cs.NumFailures + 1}
	for _, op := range plan.Ops {
		if err := r.checkCancel(cs.ID); err != nil {
			return err
		}
		outcome, err := ex.apply(ctx, op)
		if err != nil {
			kind := OutcomeTerminal
			if Retryable(err) {
				kind = OutcomeRetryable
			}
			r.recordOp(cs.ID, op, ex.attempt, kind, err.Error())
			return fmt.Errorf("reconciler: %s: %w", op, err)
		}
		r.recordOp(cs.ID, op, ex.attempt, outcome, "")
		if err := r.saveObserved(cs); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) checkCancel(id uint) error {
	var cs models.Changeset
	if err := r.db.Select("id", "reconciler_state").First(&cs, id).Error; err != nil {
		return fmt.Errorf("reconciler: check cancel %d: %w", id, err)
	}
	if cs.ReconcilerState == models.ReconcilerStateCanceling {
		return errCanceled
	}
	return nil
}

// settle ends the attempt of the worker holding changeset id by moving it
// from PROCESSING to to. A cancel that arrived meanwhile ends it CANCELED
// instead, and a reenqueue that arrived meanwhile sends it back to QUEUED.
// It returns the state the changeset was left in.
func (r *Reconciler) settle(id uint, to string, updates map[string]interface{}, message string) (string, error) {
	for i := 0; i < raceRetries; i++ {
		cur, err := loadState(r.db, id)
		if err != nil {
			return "", err
		}
		from, next, upd, msg := cur.ReconcilerState, to, updates, message
		switch {
		case from == models.ReconcilerStateCanceling:
			next, upd, msg = models.ReconcilerStateCanceled, map[string]interface{}{"finished_at": r.nowFunc()}, "canceled"
		case from != models.ReconcilerStateProcessing:
			return from, nil
		case cur.RequeueRequested:
			next, upd, msg = models.ReconcilerStateQueued, requeueUpdates(), "reenqueued while processing"
		}
		if upd != nil {
			copied := make(map[string]interface{}, len(upd))
			for k, v := range upd {
				copied[k] = v
			}
			upd = copied
		}
		moved, err := transitionWhere(r.db, id, from, next,
			map[string]interface{}{"requeue_requested": cur.RequeueRequested}, upd, msg)
		if err != nil {
			return "", err
		}
		if !moved {
			continue
		}
		if next == models.ReconcilerStateCanceled && cur.RequeueRequested {
			if _, err := transition(r.db, id, next, models.ReconcilerStateQueued, requeueUpdates(), "reenqueued after cancel"); err != nil {
				return "", err
			}
			return models.ReconcilerStateQueued, nil
		}
		return next, nil
	}
	return "", fmt.Errorf("%w: changeset %d changed state concurrently", ErrInvalidTransition, id)
}

// logSettled reports where an attempt left a changeset when it is not the
// state the worker asked for.
func logSettled(log *slog.Logger, state string) {
	switch state {
	case models.ReconcilerStateQueued:
		log.Info("changeset reenqueued while processing")
	case models.ReconcilerStateCanceled:
		log.Info("changeset reconciliation canceled")
	default:
		log.Warn("changeset changed state while processing; result discarded", slog.String("state", state))
	}
}

func (r *Reconciler) complete(cs *models.Changeset, log *slog.Logger) error {
	now := r.nowFunc()
	updates := map[string]interface{}{
		"num_failures":    0,
		"failure_message": "",
		"process_after":   nil,
		"finished_at":     now,
	}
	if !cs.Archived && cs.ArchivedAt != nil {
		updates["archived_at"] = nil
	}
	state, err := r.settle(cs.ID, models.ReconcilerStateCompleted, updates, "")
	if err != nil {
		return err
	}
	if state == models.ReconcilerStateCompleted {
		log.Info("changeset reconciled")
		return nil
	}
	logSettled(log, state)
	return nil
}

func (r *Reconciler) cancel(cs *models.Changeset, log *slog.Logger) error {
	state, err := r.settle(cs.ID, models.ReconcilerStateCanceled, nil, "canceled")
	if err != nil {
		return err
	}
	logSettled(log, state)
	return nil
}

func (r *Reconciler) fail(cs *models.Changeset, runErr error, log *slog.Logger) error {
	policy := r.Policy()
	now := r.nowFunc()
	failures := cs.NumFailures + 1

	to := models.ReconcilerStateFailed
	var processAfter interface{}
	if Retryable(runErr) && !policy.Exhausted(failures) {
		delay := policy.Delay(failures)
		log.Warn("reconcile failed, will retry",
			slog.String("error", runErr.Error()), slog.Int("attempt", failures), slog.Duration("backoff", delay))
		to = models.ReconcilerStateErrored
		processAfter = now.Add(delay)
	} else {
		log.Error("reconcile failed", slog.String("error", runErr.Error()), slog.Int("attempt", failures))
	}
	state, err := r.settle(cs.ID, to, map[string]interface{}{
		"num_failures":    failures,
		"failure_message": runErr.Error(),
		"process_after":   processAfter,
		"finished_at":     now,
	}, runErr.Error())
	if err != nil {
		return err
	}
	if state != to {
		logSettled(log, state)
	}
	return nil
}

// Retryable classifies a failure of a reconcile or a bulk job. Planning
// errors, terminal host errors, missing changesets and patches that do not
// apply are terminal; anything else (network, storage) is assumed
// transient.
func Retryable(err error) bool {
	var perr *planner.Error
	if errors.As(err, &perr) {
		return false
	}
	var herr *codehost.Error
	if errors.As(err, &herr) {
		return herr.Retryable
	}
	for _, terminal := range []error{
		ErrNotFound,
		codehost.ErrUnsupportedKind,
		codehost.ErrBadRequest,
		codehost.ErrUnauthorized,
		codehost.ErrForbidden,
		codehost.ErrNotFound,
		codehost.ErrValidation,
		codehost.ErrMergeConflict,
		gitops.ErrPatchFailed,
		gitops.ErrInvalidRequest,
	} {
		if errors.Is(err, terminal) {
			return false
		}
	}
	return true
}

// observedColumns are persisted after every operation so a retry replans
// from what has already happened.
var observedColumns = []string{
	"external_id", "head_ref", "external_state", "publication_state",
	"review_state", "check_state", "archived", "archived_at",
	"synced_title", "synced_body", "synced_base_ref", "synced_diff_hash",
	"synced_commit_message", "synced_author_name", "synced_author_email", "head_commit",
	"sync_error_message", "next_sync_at",
}

func (r *Reconciler) saveObserved(cs *models.Changeset) error {
	if err := r.db.Model(cs).Select(observedColumns).Updates(cs).Error; err != nil {
		return fmt.Errorf("reconciler: save observed state of %d: %w", cs.ID, err)
	}
	return nil
}

// saveDetached unlinks cs from its batch change unless an apply attached a
// spec to it since the plan was made.
func (r *Reconciler) saveDetached(cs *models.Changeset) (string, error) {
	res := r.db.Model(&models.Changeset{}).
		Where("id = ? AND current_spec_id IS NULL", cs.ID).
		Updates(map[string]interface{}{
			"batch_change_id": cs.BatchChangeID,
			"detached_at":     cs.DetachedAt,
		})
	if res.Error != nil {
		return "", fmt.Errorf("reconciler: detach %d: %w", cs.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return OutcomeSkipped, nil
	}
	return OutcomeOK, nil
}

func (r *Reconciler) recordOp(id uint, op planner.Operation, attempt int, outcome, message string) {
	ev := models.ChangesetEvent{
		ChangesetID: id,
		Kind:        EventOperation,
		Operation:   string(op),
		Attempt:     attempt,
		Outcome:     outcome,
		Message:     message,
	}
	if err := r.db.Create(&ev).Error; err != nil {
		r.logger.Warn("record operation event", slog.Uint64("changeset", uint64(id)), slog.String("error", err.Error()))
	}
}
