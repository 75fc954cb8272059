package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/batchyard/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// ErrNotClaimed is returned by ReconcileOne when the changeset is not QUEUED
// or another worker claimed it first.
var ErrNotClaimed = errors.New("reconciler: changeset not claimed")

// claimCandidates bounds how many queued rows one claim attempt looks at.
const claimCandidates = 8

// claimID moves changeset id from QUEUED to PROCESSING. Only one caller can
// win for a given row.
func (r *Reconciler) claimID(id uint) (bool, error) {
	return transition(r.db, id, models.ReconcilerStateQueued, models.ReconcilerStateProcessing, map[string]interface{}{
		"started_at":  r.nowFunc(),
		"finished_at": nil,
	}, "")
}

// claimNext claims the oldest runnable QUEUED changeset. It returns 0 when
// nothing is runnable.
func (r *Reconciler) claimNext() (uint, error) {
	var ids []uint
	err := r.db.Model(&models.Changeset{}).
		Where("reconciler_state = ? AND (process_after IS NULL OR process_after <= ?)",
			models.ReconcilerStateQueued, r.nowFunc()).
		Order("id ASC").
		Limit(claimCandidates).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("reconciler: find queued: %w", err)
	}
	for _, id := range ids {
		ok, err := r.claimID(id)
		if err != nil {
			return 0, err
		}
		if ok {
			return id, nil
		}
	}
	return 0, nil
}

// Run polls for queued changesets and reconciles them with up to workers
// running at once. It returns after ctx is cancelled and in-flight
// reconciliations have released their changesets.
func (r *Reconciler) Run(ctx context.Context, workers int, poll time.Duration) error {
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	if n, err := RecoverStale(r.db); err != nil {
		return err
	} else if n > 0 {
		r.logger.Warn("requeued changesets left processing by a previous run", slog.Int("count", n))
	}

	sem := semaphore.NewWeighted(int64(workers))
	var g errgroup.Group
	defer g.Wait()

	for {
		if n, err := PromoteErrored(r.db, r.nowFunc()); err != nil {
			r.logger.Warn("promote errored changesets", slog.String("error", err.Error()))
		} else if n > 0 {
			r.logger.Debug("requeued changesets after backoff", slog.Int("count", n))
		}

		for {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			id, err := r.claimNext()
			if err != nil {
				sem.Release(1)
				r.logger.Warn("claim changeset", slog.String("error", err.Error()))
				break
			}
			if id == 0 {
				sem.Release(1)
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				if err := r.reconcile(ctx, id); err != nil {
					r.logger.Error("reconcile", slog.Uint64("changeset", uint64(id)), slog.String("error", err.Error()))
				}
				return nil
			})
		}

		if err := sleepWithContext(ctx, poll); err != nil {
			return nil
		}
	}
}

// RecoverStale settles changesets a process that died mid-reconcile left
// held: PROCESSING ones go back to QUEUED and CANCELING ones end CANCELED.
// Call it only when no worker is running.
func RecoverStale(db *gorm.DB) (int, error) {
	var stale []models.Changeset
	if err := db.Where("reconciler_state IN ?", []string{
		models.ReconcilerStateProcessing, models.ReconcilerStateCanceling,
	}).Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("reconciler: find stale: %w", err)
	}
	n := 0
	for _, cs := range stale {
		to, updates, message := models.ReconcilerStateQueued, map[string]interface{}{"requeue_requested": false}, "recovered after restart"
		if cs.RequeueRequested {
			updates = requeueUpdates()
		}
		if cs.ReconcilerState == models.ReconcilerStateCanceling {
			to, updates, message = models.ReconcilerStateCanceled, map[string]interface{}{"finished_at": time.Now()}, "canceled after restart"
		}
		moved, err := transition(db, cs.ID, cs.ReconcilerState, to, updates, message)
		if err != nil {
			return n, err
		}
		if !moved {
			continue
		}
		n++
		if to == models.ReconcilerStateCanceled && cs.RequeueRequested {
			if _, err := transition(db, cs.ID, to, models.ReconcilerStateQueued, requeueUpdates(), "reenqueued after cancel"); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}
