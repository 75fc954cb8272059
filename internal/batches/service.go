// Package batches is the entry point for every batch change mutation and
// read projection. Each call maps onto the resolver, scheduler, preview,
// reconciler and bulk packages; projections are recomputed on every call.
package batches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/batchyard/internal/batchspec"
	"github.com/zulandar/batchyard/internal/bulk"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/planner"
	"github.com/zulandar/batchyard/internal/preview"
	"github.com/zulandar/batchyard/internal/reconciler"
	"github.com/zulandar/batchyard/internal/scheduler"
	"github.com/zulandar/batchyard/internal/workspace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultSpecTTL is how long an unapplied batch spec is kept.
const DefaultSpecTTL = 7 * 24 * time.Hour

var (
	// ErrNotFound is returned for unknown batch specs and batch changes.
	ErrNotFound = errors.New("batches: not found")
	// ErrNotExecuted is returned when applying a batch spec whose execution
	// has not finished.
	ErrNotExecuted = errors.New("batches: batch spec has not finished executing")
	// ErrSuperseded is returned when applying a batch spec older than the
	// one last applied to its batch change.
	ErrSuperseded = errors.New("batches: a newer batch spec was already applied")
	// ErrClosed is returned for mutations of a closed batch change.
	ErrClosed = errors.New("batches: batch change is closed")
	// ErrConflictingSpecs is returned when applying a batch spec in which
	// two changeset specs target the same changeset.
	ErrConflictingSpecs = errors.New("batches: batch spec has conflicting changeset specs")
)

// Options tunes a Service.
type Options struct {
	// SpecTTL bounds the life of unapplied batch specs.
	SpecTTL time.Duration
	// Rollout makes newly published changesets start SCHEDULED, to be
	// released by rollout windows.
	Rollout bool
	Logger  *slog.Logger
}

// Service implements the batch change operations.
type Service struct {
	db      *gorm.DB
	hosts   *codehost.Registry
	sched   *scheduler.Scheduler
	specTTL time.Duration
	rollout bool
	logger  *slog.Logger

	nowFunc func() time.Time
}

// NewService creates a Service.
func NewService(db *gorm.DB, hosts *codehost.Registry, sched *scheduler.Scheduler, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.SpecTTL
	if ttl <= 0 {
		ttl = DefaultSpecTTL
	}
	return &Service{
		db:      db,
		hosts:   hosts,
		sched:   sched,
		specTTL: ttl,
		rollout: opts.Rollout,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// CreateBatchSpecFromRaw validates raw, stores it as a new batch spec of
// namespace and queues its workspace resolution.
func (s *Service) CreateBatchSpecFromRaw(ctx context.Context, namespace, raw string) (*models.BatchSpec, error) {
	spec, err := batchspec.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	expires := s.nowFunc().Add(s.specTTL)
	bs := &models.BatchSpec{
		RandID:      uuid.NewString(),
		Namespace:   namespace,
		Name:        spec.Name,
		Description: spec.Description,
		RawSpec:     raw,
		ExpiresAt:   &expires,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(bs).Error; err != nil {
			return err
		}
		_, err := workspace.EnqueueResolution(tx, bs.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("batches: create batch spec: %w", err)
	}
	s.logger.Info("batch spec created", slog.Uint64("batch_spec", uint64(bs.ID)), slog.String("name", bs.Name))
	return bs, nil
}

// ExecuteBatchSpec queues the resolved workspaces of a batch spec.
func (s *Service) ExecuteBatchSpec(ctx context.Context, batchSpecID uint) (int, error) {
	if _, err := s.batchSpec(ctx, batchSpecID); err != nil {
		return 0, err
	}
	return scheduler.Enqueue(s.db.WithContext(ctx), batchSpecID, s.nowFunc())
}

// CancelBatchSpecExecution cancels every unfinished workspace.
func (s *Service) CancelBatchSpecExecution(ctx context.Context, batchSpecID uint) (int, error) {
	if _, err := s.batchSpec(ctx, batchSpecID); err != nil {
		return 0, err
	}
	return scheduler.Cancel(s.db.WithContext(ctx), batchSpecID, s.nowFunc())
}

// RetryBatchSpecWorkspaceExecution replaces a terminal workspace with a
// fresh queued one.
func (s *Service) RetryBatchSpecWorkspaceExecution(ctx context.Context, workspaceID uint) (*models.BatchSpecWorkspace, error) {
	return s.sched.Retry(ctx, workspaceID)
}

// WorkspaceStats counts the workspaces of a batch spec by state.
func (s *Service) WorkspaceStats(ctx context.Context, batchSpecID uint) (scheduler.Stats, error) {
	return scheduler.WorkspaceStats(s.db.WithContext(ctx), batchSpecID)
}

// Workspace pairs a workspace with its live queue rank. Rank is zero for
// workspaces that are not queued.
type Workspace struct {
	models.BatchSpecWorkspace
	Rank scheduler.Rank
}

// Workspaces lists the workspaces of a batch spec with their queue ranks.
func (s *Service) Workspaces(ctx context.Context, batchSpecID uint) ([]Workspace, error) {
	var rows []models.BatchSpecWorkspace
	if err := s.db.WithContext(ctx).Where("batch_spec_id = ?", batchSpecID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("batches: list workspaces: %w", err)
	}
	ranks, err := scheduler.QueueRanks(s.db.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]Workspace, len(rows))
	for i, ws := range rows {
		out[i] = Workspace{BatchSpecWorkspace: ws, Rank: ranks[ws.ID]}
	}
	return out, nil
}

// BatchSpec pairs a batch spec with its derived state.
type BatchSpec struct {
	models.BatchSpec
	State string // models.BatchSpecState*
}

// BatchSpec returns a batch spec and its state.
func (s *Service) BatchSpec(ctx context.Context, id uint) (*BatchSpec, error) {
	bs, err := s.batchSpec(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := s.BatchSpecState(ctx, id)
	if err != nil {
		return nil, err
	}
	return &BatchSpec{BatchSpec: *bs, State: state}, nil
}

// BatchSpecState derives the state of a batch spec from its resolution job
// and workspaces. Skipped workspaces do not count.
func (s *Service) BatchSpecState(ctx context.Context, batchSpecID uint) (string, error) {
	var job models.BatchSpecResolutionJob
	err := s.db.WithContext(ctx).Where("batch_spec_id = ?", batchSpecID).First(&job).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.BatchSpecStatePending, nil
	case err != nil:
		return "", fmt.Errorf("batches: load resolution job: %w", err)
	case job.State == models.ResolutionStateFailed:
		return models.BatchSpecStateFailed, nil
	case job.State != models.ResolutionStateCompleted:
		return models.BatchSpecStatePending, nil
	}

	st, err := scheduler.WorkspaceStats(s.db.WithContext(ctx), batchSpecID)
	if err != nil {
		return "", err
	}
	return deriveState(st), nil
}

func deriveState(st scheduler.Stats) string {
	executable := st.Total - st.Skipped
	switch {
	case executable == 0:
		return models.BatchSpecStateCompleted
	case st.Pending == executable:
		return models.BatchSpecStatePending
	case st.Canceling > 0:
		return models.BatchSpecStateCanceling
	case st.Processing > 0:
		return models.BatchSpecStateProcessing
	case st.Queued > 0 && st.Queued+st.Pending == executable:
		return models.BatchSpecStateQueued
	case st.Queued > 0 || st.Pending > 0:
		return models.BatchSpecStateProcessing
	case st.Canceled > 0:
		return models.BatchSpecStateCanceled
	case st.Failed > 0:
		return models.BatchSpecStateFailed
	}
	return models.BatchSpecStateCompleted
}

// PreviewApply computes what applying a batch spec would do.
func (s *Service) PreviewApply(ctx context.Context, batchSpecID uint) (*preview.Result, error) {
	bs, err := s.batchSpec(ctx, batchSpecID)
	if err != nil {
		return nil, err
	}
	return s.preview(s.db.WithContext(ctx), bs)
}

func (s *Service) preview(tx *gorm.DB, bs *models.BatchSpec) (*preview.Result, error) {
	var specs []models.ChangesetSpec
	if err := tx.Where("batch_spec_id = ?", bs.ID).Order("id ASC").Find(&specs).Error; err != nil {
		return nil, fmt.Errorf("batches: load changeset specs: %w", err)
	}

	var bcID uint
	var changesets []models.Changeset
	bc, err := findBatchChange(tx, bs.Namespace, bs.Name)
	if err != nil {
		return nil, err
	}
	if bc != nil {
		bcID = bc.ID
		if err := tx.Preload("CurrentSpec").Where("batch_change_id = ?", bc.ID).Order("id ASC").Find(&changesets).Error; err != nil {
			return nil, fmt.Errorf("batches: load changesets: %w", err)
		}
	}
	return preview.Compute(bcID, specs, changesets, preview.RegistryCapabilities(s.hosts)), nil
}

func findBatchChange(tx *gorm.DB, namespace, name string) (*models.BatchChange, error) {
	var bc models.BatchChange
	err := tx.Where("namespace = ? AND name = ?", namespace, name).First(&bc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("batches: load batch change: %w", err)
	}
	return &bc, nil
}

// ApplyBatchChange makes batchSpecID the current spec of its batch change,
// creating the batch change on first apply. Every previewed entry is
// written and queued for reconciliation in one transaction. Applying the
// spec that is already current is a no-op.
func (s *Service) ApplyBatchChange(ctx context.Context, batchSpecID uint) (*models.BatchChange, error) {
	state, err := s.BatchSpecState(ctx, batchSpecID)
	if err != nil {
		return nil, err
	}
	if state != models.BatchSpecStateCompleted && state != models.BatchSpecStateFailed {
		return nil, fmt.Errorf("%w: batch spec %d is %s", ErrNotExecuted, batchSpecID, state)
	}

	now := s.nowFunc()
	var out *models.BatchChange
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bs models.BatchSpec
		if err := tx.First(&bs, batchSpecID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: batch spec %d", ErrNotFound, batchSpecID)
			}
			return err
		}

		bc, err := findBatchChange(tx, bs.Namespace, bs.Name)
		if err != nil {
			return err
		}
		if bc == nil {
			bc = &models.BatchChange{Namespace: bs.Namespace, Name: bs.Name}
			if err := tx.Create(bc).Error; err != nil {
				return err
			}
		}
		if last := bc.LastAppliedSpecID; last != nil {
			if *last == bs.ID {
				out = bc
				return nil
			}
			if *last > bs.ID {
				return fmt.Errorf("%w: batch spec %d is current", ErrSuperseded, *last)
			}
		}

		res, err := s.preview(tx, &bs)
		if err != nil {
			return err
		}
		for _, e := range res.Entries {
			var perr *planner.Error
			if errors.As(e.Err, &perr) && perr.Invariant == preview.InvariantDuplicateKey {
				return fmt.Errorf("%w: %w", ErrConflictingSpecs, perr)
			}
		}
		for i := range res.Entries {
			if err := s.applyEntry(tx, &res.Entries[i], bs.ID); err != nil {
				return err
			}
		}

		id := bs.ID
		if err := tx.Model(bc).Updates(map[string]interface{}{
			"description":          bs.Description,
			"last_applied_spec_id": id,
			"last_applied_at":      now,
			"closed_at":            nil,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&bs).Updates(map[string]interface{}{
			"batch_change_id": bc.ID,
			"applied_at":      now,
			"expires_at":      nil,
		}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.ChangesetSpec{}).Where("batch_spec_id = ?", bs.ID).
			Update("expires_at", nil).Error; err != nil {
			return err
		}
		out = bc
		s.logger.Info("batch spec applied",
			slog.Uint64("batch_spec", uint64(bs.ID)),
			slog.Uint64("batch_change", uint64(bc.ID)),
			slog.Int("attach", res.Stats.Attach),
			slog.Int("update", res.Stats.Update),
			slog.Int("detach", res.Stats.Detach))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batches: apply batch spec %d: %w", batchSpecID, err)
	}
	return s.batchChange(ctx, out.ID)
}

// linkColumns are the changeset columns apply owns. Observed fields are
// written only by the reconciler.
var linkColumns = []string{"current_spec_id", "previous_spec_id", "batch_change_id", "detached_at", "closing"}

// queueColumns are written with linkColumns when apply queues a changeset.
var queueColumns = []string{"reconciler_state", "num_failures", "failure_message", "process_after", "requeue_requested"}

// applyEntry stores the post-apply changeset of one preview entry. Updates
// are conditional on the reconciler state so a changeset a worker claimed
// after the preview was read is not pulled from under it.
func (s *Service) applyEntry(tx *gorm.DB, e *preview.Entry, batchSpecID uint) error {
	next := e.Next
	next.CurrentSpec = nil
	if s.rollout && e.WillPublish() {
		next.ReconcilerState = models.ReconcilerStateScheduled
	}
	message := fmt.Sprintf("%s by batch spec %d", e.Action, batchSpecID)

	if e.Existing == nil {
		if err := tx.Omit(clause.Associations).Create(next).Error; err != nil {
			return fmt.Errorf("batches: create changeset: %w", err)
		}
		return recordApply(tx, next.ID, "", next.ReconcilerState, message)
	}

	from := e.Existing.ReconcilerState
	for i := 0; i < 3; i++ {
		if reconciler.Held(from) {
			return applyHeld(tx, next, from, message)
		}
		res := tx.Model(next).Where("reconciler_state = ?", from).
			Select(append(append([]string{}, linkColumns...), queueColumns...)).
			Updates(next)
		if res.Error != nil {
			return fmt.Errorf("batches: save changeset %d: %w", next.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			return recordApply(tx, next.ID, from, next.ReconcilerState, message)
		}
		var cur models.Changeset
		if err := tx.Select("id", "reconciler_state").First(&cur, next.ID).Error; err != nil {
			return fmt.Errorf("batches: reload changeset %d: %w", next.ID, err)
		}
		from = cur.ReconcilerState
	}
	return fmt.Errorf("batches: changeset %d changed state during apply", next.ID)
}

// applyHeld writes the spec linkage of a changeset a worker holds and asks
// the worker to requeue it when its attempt ends.
func applyHeld(tx *gorm.DB, next *models.Changeset, state, message string) error {
	next.RequeueRequested = true
	res := tx.Model(next).Where("reconciler_state = ?", state).
		Select(append(append([]string{}, linkColumns...), "requeue_requested")).
		Updates(next)
	if res.Error != nil {
		return fmt.Errorf("batches: save changeset %d: %w", next.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("batches: changeset %d changed state during apply", next.ID)
	}
	return recordApply(tx, next.ID, state, state, message+"; requeued after the running attempt")
}

func recordApply(tx *gorm.DB, id uint, from, to, message string) error {
	return tx.Create(&models.ChangesetEvent{
		ChangesetID: id,
		Kind:        reconciler.EventTransition,
		FromState:   from,
		ToState:     to,
		Message:     message,
	}).Error
}

// CloseBatchChange closes a batch change: published changesets are closed
// on their code host by the reconciler, unpublished ones are left alone.
func (s *Service) CloseBatchChange(ctx context.Context, batchChangeID uint) (*models.BatchChange, error) {
	bc, err := s.batchChange(ctx, batchChangeID)
	if err != nil {
		return nil, err
	}
	if bc.ClosedAt != nil {
		return bc, nil
	}
	now := s.nowFunc()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []models.Changeset
		if err := tx.Where("batch_change_id = ? AND publication_state = ? AND external_state IN ?",
			bc.ID, models.PublicationStatePublished,
			[]string{models.ExternalStateOpen, models.ExternalStateDraft}).
			Find(&open).Error; err != nil {
			return err
		}
		for _, cs := range open {
			if err := tx.Model(&models.Changeset{}).Where("id = ?", cs.ID).Update("closing", true).Error; err != nil {
				return err
			}
			if err := reconciler.Enqueue(tx, cs.ID); err != nil {
				return err
			}
		}
		return tx.Model(bc).Update("closed_at", now).Error
	})
	if err != nil {
		return nil, fmt.Errorf("batches: close batch change %d: %w", batchChangeID, err)
	}
	bc.ClosedAt = &now
	return bc, nil
}

// Changesets lists the changesets of a batch change.
func (s *Service) Changesets(ctx context.Context, batchChangeID uint) ([]models.Changeset, error) {
	var out []models.Changeset
	if err := s.db.WithContext(ctx).Where("batch_change_id = ?", batchChangeID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("batches: list changesets: %w", err)
	}
	return out, nil
}

// ReenqueueChangeset queues one changeset for reconciliation again.
func (s *Service) ReenqueueChangeset(ctx context.Context, changesetID uint) error {
	return reconciler.Enqueue(s.db.WithContext(ctx), changesetID)
}

// CancelChangeset cancels the reconciliation of one changeset. A changeset
// being processed reads CANCELING until its worker stops at the next
// operation boundary.
func (s *Service) CancelChangeset(ctx context.Context, changesetID uint) (*models.Changeset, error) {
	gdb := s.db.WithContext(ctx)
	if err := reconciler.Cancel(gdb, changesetID); err != nil {
		return nil, err
	}
	var cs models.Changeset
	if err := gdb.First(&cs, changesetID).Error; err != nil {
		return nil, fmt.Errorf("batches: load changeset %d: %w", changesetID, err)
	}
	return &cs, nil
}

// CloseChangesets closes changesets on their code host.
func (s *Service) CloseChangesets(ctx context.Context, batchChangeID uint, ids []uint) (*models.BulkOperation, error) {
	return s.createBulk(ctx, bulk.Request{Type: models.BulkTypeClose, BatchChangeID: batchChangeID, ChangesetIDs: ids})
}

// MergeChangesets merges changesets, optionally squashing.
func (s *Service) MergeChangesets(ctx context.Context, batchChangeID uint, ids []uint, squash bool) (*models.BulkOperation, error) {
	return s.createBulk(ctx, bulk.Request{Type: models.BulkTypeMerge, BatchChangeID: batchChangeID, ChangesetIDs: ids, Squash: squash})
}

// PublishChangesets publishes changesets whose spec leaves publication to
// the UI, optionally as drafts.
func (s *Service) PublishChangesets(ctx context.Context, batchChangeID uint, ids []uint, draft bool) (*models.BulkOperation, error) {
	return s.createBulk(ctx, bulk.Request{Type: models.BulkTypePublish, BatchChangeID: batchChangeID, ChangesetIDs: ids, Draft: draft})
}

// DetachChangesets removes archived changesets from their batch change.
func (s *Service) DetachChangesets(ctx context.Context, batchChangeID uint, ids []uint) (*models.BulkOperation, error) {
	return s.createBulk(ctx, bulk.Request{Type: models.BulkTypeDetach, BatchChangeID: batchChangeID, ChangesetIDs: ids})
}

// CreateChangesetComments posts body on every changeset.
func (s *Service) CreateChangesetComments(ctx context.Context, batchChangeID uint, ids []uint, body string) (*models.BulkOperation, error) {
	return s.createBulk(ctx, bulk.Request{Type: models.BulkTypeComment, BatchChangeID: batchChangeID, ChangesetIDs: ids, Body: body})
}

// ReenqueueChangesets queues changesets for reconciliation again.
func (s *Service) ReenqueueChangesets(ctx context.Context, batchChangeID uint, ids []uint) (*models.BulkOperation, error) {
	return s.createBulk(ctx, bulk.Request{Type: models.BulkTypeReenqueue, BatchChangeID: batchChangeID, ChangesetIDs: ids})
}

// BulkOperation returns the computed status of a bulk operation.
func (s *Service) BulkOperation(ctx context.Context, id string) (*bulk.Status, error) {
	return bulk.Get(ctx, s.db, id)
}

// BulkOperations lists the bulk operations of a batch change.
func (s *Service) BulkOperations(ctx context.Context, batchChangeID uint) ([]bulk.Status, error) {
	return bulk.List(ctx, s.db, batchChangeID)
}

func (s *Service) createBulk(ctx context.Context, req bulk.Request) (*models.BulkOperation, error) {
	bc, err := s.batchChange(ctx, req.BatchChangeID)
	if err != nil {
		return nil, err
	}
	if bc.ClosedAt != nil && req.Type != models.BulkTypeDetach {
		return nil, fmt.Errorf("%w: %d", ErrClosed, bc.ID)
	}
	return bulk.Create(ctx, s.db, req)
}

// CleanupExpired deletes unapplied batch specs past their expiry together
// with their resolution jobs, workspaces and changeset specs.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.BatchSpec{}).
		Where("applied_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?", s.nowFunc()).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("batches: find expired specs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{
			&models.ChangesetSpec{},
			&models.BatchSpecWorkspace{},
			&models.BatchSpecResolutionJob{},
		} {
			if err := tx.Where("batch_spec_id IN ?", ids).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("id IN ?", ids).Delete(&models.BatchSpec{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("batches: delete expired specs: %w", err)
	}
	s.logger.Info("expired batch specs deleted", slog.Int("count", len(ids)))
	return len(ids), nil
}

func (s *Service) batchSpec(ctx context.Context, id uint) (*models.BatchSpec, error) {
	var bs models.BatchSpec
	if err := s.db.WithContext(ctx).First(&bs, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: batch spec %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("batches: load batch spec %d: %w", id, err)
	}
	return &bs, nil
}

func (s *Service) batchChange(ctx context.Context, id uint) (*models.BatchChange, error) {
	var bc models.BatchChange
	if err := s.db.WithContext(ctx).First(&bc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: batch change %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("batches: load batch change %d: %w", id, err)
	}
	return &bc, nil
}

// BatchChange returns a batch change.
func (s *Service) BatchChange(ctx context.Context, id uint) (*models.BatchChange, error) {
	return s.batchChange(ctx, id)
}
