package reconciler

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

// ValidTransitions maps each reconciler state to its valid next states.
var ValidTransitions = map[string][]string{
	models.ReconcilerStateScheduled:  {models.ReconcilerStateQueued, models.ReconcilerStateCanceled},
	models.ReconcilerStateQueued:     {models.ReconcilerStateProcessing, models.ReconcilerStateCanceled},
	models.ReconcilerStateProcessing: {models.ReconcilerStateCompleted, models.ReconcilerStateErrored, models.ReconcilerStateFailed, models.ReconcilerStateCanceling, models.ReconcilerStateQueued},
	models.ReconcilerStateErrored:    {models.ReconcilerStateQueued, models.ReconcilerStateCanceled},
	models.ReconcilerStateFailed:     {models.ReconcilerStateQueued},
	models.ReconcilerStateCompleted:  {models.ReconcilerStateQueued},
	models.ReconcilerStateCanceling:  {models.ReconcilerStateCanceled},
	models.ReconcilerStateCanceled:   {models.ReconcilerStateQueued},
}

// ErrInvalidTransition is returned for a state change ValidTransitions forbids.
var ErrInvalidTransition = errors.New("reconciler: invalid state transition")

// ErrNotFound is returned when the changeset does not exist.
var ErrNotFound = errors.New("reconciler: changeset not found")

func isValidTransition(from, to string) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// Event kinds.
const (
	EventTransition = "transition"
	EventOperation  = "operation"
)

// Operation outcomes recorded on events.
const (
	OutcomeOK        = "ok"
	OutcomeSkipped   = "skipped"
	OutcomeRetryable = "retryable"
	OutcomeTerminal  = "terminal"
)

// raceRetries bounds how often a caller re-reads a row whose state moved
// under it before giving up.
const raceRetries = 3

// Held reports whether a worker owns a changeset in state. Only that worker
// moves it on; others ask through RequeueRequested or CANCELING.
func Held(state string) bool {
	return state == models.ReconcilerStateProcessing || state == models.ReconcilerStateCanceling
}

// transition moves the changeset from one state to another with a
// conditional single-row update, recording the change in the audit log.
// It returns false without error when the row is no longer in from.
func transition(db *gorm.DB, id uint, from, to string, updates map[string]interface{}, message string) (bool, error) {
	return transitionWhere(db, id, from, to, nil, updates, message)
}

// transitionWhere is transition with extra column conditions.
func transitionWhere(db *gorm.DB, id uint, from, to string, cond map[string]interface{}, updates map[string]interface{}, message string) (bool, error) {
	if !isValidTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s (valid: %v)", ErrInvalidTransition, from, to, ValidTransitions[from])
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["reconciler_state"] = to

	moved := false
	err := db.Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Changeset{}).Where("id = ? AND reconciler_state = ?", id, from)
		if len(cond) > 0 {
			q = q.Where(cond)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("reconciler: transition %d %s -> %s: %w", id, from, to, res.Error)
		}
		if res.RowsAffected != 1 {
			return nil
		}
		moved = true
		return tx.Create(&models.ChangesetEvent{
			ChangesetID: id,
			Kind:        EventTransition,
			FromState:   from,
			ToState:     to,
			Message:     message,
		}).Error
	})
	return moved, err
}

// requeueUpdates resets the failure bookkeeping of a changeset going back
// to QUEUED on a user's request.
func requeueUpdates() map[string]interface{} {
	return map[string]interface{}{
		"num_failures":      0,
		"failure_message":   "",
		"process_after":     nil,
		"requeue_requested": false,
	}
}

func loadState(db *gorm.DB, id uint) (*models.Changeset, error) {
	var cs models.Changeset
	if err := db.Select("id", "reconciler_state", "requeue_requested").First(&cs, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reconciler: load %d: %w", id, err)
	}
	return &cs, nil
}

// Enqueue queues a changeset for reconciliation again, resetting its
// failure counter. It is how users retry FAILED changesets. A changeset a
// worker holds is not moved; it is flagged and the worker requeues it when
// its attempt ends.
func Enqueue(db *gorm.DB, id uint) error {
	for i := 0; i < raceRetries; i++ {
		cs, err := loadState(db, id)
		if err != nil {
			return err
		}
		switch {
		case cs.ReconcilerState == models.ReconcilerStateQueued:
			return nil
		case Held(cs.ReconcilerState):
			if cs.RequeueRequested {
				return nil
			}
			res := db.Model(&models.Changeset{}).
				Where("id = ? AND reconciler_state = ?", id, cs.ReconcilerState).
				Update("requeue_requested", true)
			if res.Error != nil {
				return fmt.Errorf("reconciler: request requeue of %d: %w", id, res.Error)
			}
			if res.RowsAffected == 1 {
				return nil
			}
		default:
			moved, err := transition(db, id, cs.ReconcilerState, models.ReconcilerStateQueued, requeueUpdates(), "reenqueued")
			if err != nil {
				return err
			}
			if moved {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: changeset %d changed state concurrently", ErrInvalidTransition, id)
}

// Cancel cancels a changeset. One that is not being processed is canceled
// immediately. A PROCESSING one moves to CANCELING at once and its worker
// ends it CANCELED at the next operation boundary.
func Cancel(db *gorm.DB, id uint) error {
	for i := 0; i < raceRetries; i++ {
		cs, err := loadState(db, id)
		if err != nil {
			return err
		}
		var moved bool
		switch cs.ReconcilerState {
		case models.ReconcilerStateProcessing:
			moved, err = transition(db, id, cs.ReconcilerState, models.ReconcilerStateCanceling, nil, "cancellation requested")
		case models.ReconcilerStateQueued, models.ReconcilerStateScheduled, models.ReconcilerStateErrored:
			moved, err = transition(db, id, cs.ReconcilerState, models.ReconcilerStateCanceled, map[string]interface{}{
				"finished_at":       time.Now(),
				"requeue_requested": false,
			}, "canceled before processing")
		default:
			return nil
		}
		if err != nil || moved {
			return err
		}
	}
	return fmt.Errorf("%w: changeset %d changed state concurrently", ErrInvalidTransition, id)
}

// PromoteErrored moves ERRORED changesets whose backoff has elapsed back to
// QUEUED.
func PromoteErrored(db *gorm.DB, now time.Time) (int, error) {
	var due []models.Changeset
	if err := db.Where("reconciler_state = ? AND (process_after IS NULL OR process_after <= ?)",
		models.ReconcilerStateErrored, now).Find(&due).Error; err != nil {
		return 0, fmt.Errorf("reconciler: find errored: %w", err)
	}
	n := 0
	for _, cs := range due {
		moved, err := transition(db, cs.ID, models.ReconcilerStateErrored, models.ReconcilerStateQueued, nil, "retry after backoff")
		if err != nil {
			return n, err
		}
		if moved {
			n++
		}
	}
	return n, nil
}

// PromoteScheduled releases up to limit SCHEDULED changesets to QUEUED in
// ID order. It implements rollout windows.
func PromoteScheduled(db *gorm.DB, limit int) (int, error) {
	var scheduled []models.Changeset
	q := db.Where("reconciler_state = ?", models.ReconcilerStateScheduled).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&scheduled).Error; err != nil {
		return 0, fmt.Errorf("reconciler: find scheduled: %w", err)
	}
	n := 0
	for _, cs := range scheduled {
		moved, err := transition(db, cs.ID, models.ReconcilerStateScheduled, models.ReconcilerStateQueued, nil, "rollout window")
		if err != nil {
			return n, err
		}
		if moved {
			n++
		}
	}
	return n, nil
}

// Events returns the audit log of a changeset, oldest first.
func Events(db *gorm.DB, id uint) ([]models.ChangesetEvent, error) {
	var events []models.ChangesetEvent
	if err := db.Where("changeset_id = ?", id).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("reconciler: events for %d: %w", id, err)
	}
	return events, nil
}
