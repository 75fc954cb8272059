package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/batchyard/internal/batchspec"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

// ValidTransitions maps each resolution job state to its valid next states.
var ValidTransitions = map[string][]string{
	models.ResolutionStateQueued:     {models.ResolutionStateProcessing},
	models.ResolutionStateProcessing: {models.ResolutionStateCompleted, models.ResolutionStateErrored, models.ResolutionStateFailed, models.ResolutionStateQueued},
	models.ResolutionStateErrored:    {models.ResolutionStateQueued},
	models.ResolutionStateFailed:     {models.ResolutionStateQueued},
	models.ResolutionStateCompleted:  {models.ResolutionStateQueued},
}

// ErrInvalidTransition is returned for a state change ValidTransitions forbids.
var ErrInvalidTransition = errors.New("workspace: invalid resolution state transition")

// ErrNotClaimed is returned by ResolveOne when the job is not QUEUED.
var ErrNotClaimed = errors.New("workspace: resolution job not claimed")

func isValidTransition(from, to string) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

func transition(db *gorm.DB, id uint, from, to string, updates map[string]interface{}) (bool, error) {
	if !isValidTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s (valid: %v)", ErrInvalidTransition, from, to, ValidTransitions[from])
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = to
	res := db.Model(&models.BatchSpecResolutionJob{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("workspace: resolution %d %s -> %s: %w", id, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// EnqueueResolution queues (or requeues) the resolution job of a batch spec.
func EnqueueResolution(db *gorm.DB, batchSpecID uint) (*models.BatchSpecResolutionJob, error) {
	var job models.BatchSpecResolutionJob
	err := db.Where("batch_spec_id = ?", batchSpecID).First(&job).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		job = models.BatchSpecResolutionJob{BatchSpecID: batchSpecID, State: models.ResolutionStateQueued}
		if err := db.Create(&job).Error; err != nil {
			return nil, fmt.Errorf("workspace: create resolution job: %w", err)
		}
		return &job, nil
	case err != nil:
		return nil, fmt.Errorf("workspace: load resolution job: %w", err)
	}
	if job.State == models.ResolutionStateQueued || job.State == models.ResolutionStateProcessing {
		return &job, nil
	}
	if _, err := transition(db, job.ID, job.State, models.ResolutionStateQueued, map[string]interface{}{
		"num_failures":    0,
		"failure_message": "",
		"process_after":   nil,
	}); err != nil {
		return nil, err
	}
	if err := db.First(&job, job.ID).Error; err != nil {
		return nil, fmt.Errorf("workspace: reload resolution job: %w", err)
	}
	return &job, nil
}

// ResolveOne claims resolution job id and runs one attempt.
func (r *Resolver) ResolveOne(ctx context.Context, id uint) error {
	claimed, err := transition(r.db, id, models.ResolutionStateQueued, models.ResolutionStateProcessing, map[string]interface{}{
		"started_at": r.nowFunc(),
	})
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %d", ErrNotClaimed, id)
	}
	return r.resolve(ctx, id)
}

func (r *Resolver) resolve(ctx context.Context, id uint) error {
	var job models.BatchSpecResolutionJob
	if err := r.db.First(&job, id).Error; err != nil {
		return fmt.Errorf("workspace: load resolution job %d: %w", id, err)
	}
	var bs models.BatchSpec
	if err := r.db.First(&bs, job.BatchSpecID).Error; err != nil {
		return r.fail(&job, fmt.Errorf("workspace: load batch spec %d: %w", job.BatchSpecID, err), false)
	}
	log := r.logger.With(slog.Uint64("batch_spec", uint64(bs.ID)), slog.String("name", bs.Name))

	spec, err := batchspec.Parse([]byte(bs.RawSpec))
	if err != nil {
		return r.fail(&job, err, false)
	}
	res, err := r.Resolve(ctx, spec, bs.Namespace)
	if err != nil {
		if ctx.Err() != nil {
			_, terr := transition(r.db, id, models.ResolutionStateProcessing, models.ResolutionStateQueued, nil)
			return terr
		}
		return r.fail(&job, err, !isTerminalHostError(err))
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		// A new attempt replaces whatever a previous one wrote.
		if err := tx.Where("batch_spec_id = ?", bs.ID).Delete(&models.BatchSpecWorkspace{}).Error; err != nil {
			return err
		}
		if err := tx.Where("batch_spec_id = ? AND type = ?", bs.ID, models.ChangesetSpecTypeExisting).
			Delete(&models.ChangesetSpec{}).Error; err != nil {
			return err
		}
		for i := range res.Workspaces {
			res.Workspaces[i].BatchSpecID = bs.ID
		}
		if len(res.Workspaces) > 0 {
			if err := tx.Create(&res.Workspaces).Error; err != nil {
				return err
			}
		}
		for i := range res.Imports {
			res.Imports[i].BatchSpecID = bs.ID
			res.Imports[i].RandID = uuid.NewString()
			res.Imports[i].ExpiresAt = bs.ExpiresAt
		}
		if len(res.Imports) > 0 {
			if err := tx.Create(&res.Imports).Error; err != nil {
				return err
			}
		}
		moved, err := transition(tx, id, models.ResolutionStateProcessing, models.ResolutionStateCompleted, map[string]interface{}{
			"num_failures":    0,
			"failure_message": "",
			"process_after":   nil,
			"finished_at":     r.nowFunc(),
		})
		if err != nil {
			return err
		}
		if !moved {
			return errResolutionRaced
		}
		return nil
	})
	if errors.Is(err, errResolutionRaced) {
		log.Warn("resolution job changed state while processing; result discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("workspace: store resolution of %d: %w", bs.ID, err)
	}

	skipped := 0
	for _, ws := range res.Workspaces {
		if ws.Skipped {
			skipped++
		}
	}
	log.Info("batch spec resolved",
		slog.Int("workspaces", len(res.Workspaces)), slog.Int("skipped", skipped), slog.Int("imports", len(res.Imports)))
	return nil
}

var errResolutionRaced = errors.New("workspace: resolution raced")

// isTerminalHostError reports host errors that a retry cannot fix.
func isTerminalHostError(err error) bool {
	var herr *codehost.Error
	if errors.As(err, &herr) {
		return !herr.Retryable
	}
	return false
}

func (r *Resolver) fail(job *models.BatchSpecResolutionJob, cause error, retryable bool) error {
	policy := r.currentPolicy()
	now := r.nowFunc()
	failures := job.NumFailures + 1
	updates := map[string]interface{}{
		"num_failures":    failures,
		"failure_message": cause.Error(),
		"finished_at":     now,
	}
	to := models.ResolutionStateFailed
	if retryable && !policy.Exhausted(failures) {
		to = models.ResolutionStateErrored
		updates["process_after"] = now.Add(policy.Delay(failures))
	} else {
		updates["process_after"] = nil
	}
	r.logger.Warn("resolution failed", slog.Uint64("batch_spec", uint64(job.BatchSpecID)),
		slog.String("state", to), slog.String("error", cause.Error()))
	_, err := transition(r.db, job.ID, models.ResolutionStateProcessing, to, updates)
	return err
}

// PromoteErrored requeues ERRORED resolution jobs whose backoff elapsed.
func PromoteErrored(db *gorm.DB, now time.Time) (int, error) {
	var due []models.BatchSpecResolutionJob
	if err := db.Where("state = ? AND (process_after IS NULL OR process_after <= ?)",
		models.ResolutionStateErrored, now).Find(&due).Error; err != nil {
		return 0, fmt.Errorf("workspace: find errored: %w", err)
	}
	n := 0
	for _, job := range due {
		moved, err := transition(db, job.ID, models.ResolutionStateErrored, models.ResolutionStateQueued, nil)
		if err != nil {
			return n, err
		}
		if moved {
			n++
		}
	}
	return n, nil
}

// Run resolves queued jobs one at a time until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		if _, err := PromoteErrored(r.db, r.nowFunc()); err != nil {
			r.logger.Warn("promote errored resolutions", slog.String("error", err.Error()))
		}
		for {
			var ids []uint
			if err := r.db.Model(&models.BatchSpecResolutionJob{}).
				Where("state = ?", models.ResolutionStateQueued).
				Order("id ASC").Limit(1).Pluck("id", &ids).Error; err != nil {
				r.logger.Warn("find queued resolutions", slog.String("error", err.Error()))
				break
			}
			if len(ids) == 0 {
				break
			}
			if err := r.ResolveOne(ctx, ids[0]); err != nil && !errors.Is(err, ErrNotClaimed) {
				r.logger.Error("resolve", slog.Uint64("job", uint64(ids[0])), slog.String("error", err.Error()))
			}
			if ctx.Err() != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}
