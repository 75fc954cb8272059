// Package bulk applies one user action to many changesets of a batch change.
// Each changeset gets its own job whose failure is recorded against that
// changeset only; the operation's state and progress are computed from its
// jobs on read.
package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrInvalid is returned for a malformed or inapplicable request.
	ErrInvalid = errors.New("bulk: invalid request")
	// ErrNotFound is returned for unknown bulk operations.
	ErrNotFound = errors.New("bulk: operation not found")
)

// Request describes a bulk operation.
type Request struct {
	Type          string // models.BulkType*
	BatchChangeID uint
	ChangesetIDs  []uint
	// Body is the comment text for COMMENT.
	Body string
	// Squash merges with a squash commit for MERGE.
	Squash bool
	// Draft publishes as draft for PUBLISH.
	Draft bool
}

// payload is the action parameters stored on each job.
type payload struct {
	Body   string `json:"body,omitempty"`
	Squash bool   `json:"squash,omitempty"`
	Draft  bool   `json:"draft,omitempty"`
}

func (r *Request) validate() error {
	var errs []string
	switch r.Type {
	case models.BulkTypeComment:
		if strings.TrimSpace(r.Body) == "" {
			errs = append(errs, "comment body is required")
		}
	case models.BulkTypeClose, models.BulkTypeMerge, models.BulkTypePublish,
		models.BulkTypeReenqueue, models.BulkTypeDetach:
	default:
		errs = append(errs, fmt.Sprintf("unknown type %q", r.Type))
	}
	if r.BatchChangeID == 0 {
		errs = append(errs, "batch change is required")
	}
	if len(r.ChangesetIDs) == 0 {
		errs = append(errs, "at least one changeset is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Create validates req and stores the operation with one QUEUED job per
// changeset in a single transaction. Duplicate changeset IDs are collapsed.
func Create(ctx context.Context, db *gorm.DB, req Request) (*models.BulkOperation, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ids := dedupe(req.ChangesetIDs)

	var changesets []models.Changeset
	if err := db.WithContext(ctx).Where("id IN ? AND batch_change_id = ?", ids, req.BatchChangeID).
		Find(&changesets).Error; err != nil {
		return nil, fmt.Errorf("bulk: load changesets: %w", err)
	}
	if len(changesets) != len(ids) {
		return nil, fmt.Errorf("%w: %d of %d changesets do not belong to batch change %d",
			ErrInvalid, len(ids)-len(changesets), len(ids), req.BatchChangeID)
	}
	if req.Type == models.BulkTypeDetach {
		for _, cs := range changesets {
			if !cs.Archived {
				return nil, fmt.Errorf("%w: changeset %d is not archived", ErrInvalid, cs.ID)
			}
		}
	}

	raw, err := json.Marshal(payload{Body: req.Body, Squash: req.Squash, Draft: req.Draft})
	if err != nil {
		return nil, fmt.Errorf("bulk: encode payload: %w", err)
	}

	op := &models.BulkOperation{
		ID:             uuid.NewString(),
		Type:           req.Type,
		BatchChangeID:  req.BatchChangeID,
		ChangesetCount: len(ids),
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(op).Error; err != nil {
			return err
		}
		jobs := make([]models.ChangesetJob, len(ids))
		for i, id := range ids {
			jobs[i] = models.ChangesetJob{
				BulkGroup:     op.ID,
				ChangesetID:   id,
				BatchChangeID: req.BatchChangeID,
				Type:          req.Type,
				Payload:       string(raw),
				State:         models.JobStateQueued,
			}
		}
		return tx.Create(&jobs).Error
	})
	if err != nil {
		return nil, fmt.Errorf("bulk: create operation: %w", err)
	}
	return op, nil
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// JobError is the terminal failure of one changeset's job.
type JobError struct {
	ChangesetID uint
	Error       string
}

// Status is the computed view of a bulk operation.
type Status struct {
	Operation models.BulkOperation
	State     string // models.BulkState*
	// Progress is the share of jobs in a terminal state, succeeded or failed.
	Progress   float64
	Errors     []JobError
	FinishedAt *time.Time
}

// Get computes the status of bulk operation id.
func Get(ctx context.Context, db *gorm.DB, id string) (*Status, error) {
	var op models.BulkOperation
	if err := db.WithContext(ctx).Preload("Jobs").First(&op, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("bulk: load %s: %w", id, err)
	}
	return summarize(op), nil
}

// List returns the status of every bulk operation of a batch change, newest
// first.
func List(ctx context.Context, db *gorm.DB, batchChangeID uint) ([]Status, error) {
	var ops []models.BulkOperation
	if err := db.WithContext(ctx).Preload("Jobs").
		Where("batch_change_id = ?", batchChangeID).
		Order("created_at DESC").
		Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("bulk: list operations: %w", err)
	}
	out := make([]Status, len(ops))
	for i, op := range ops {
		out[i] = *summarize(op)
	}
	return out, nil
}

// summarize derives state and progress: PROCESSING while any job is
// unfinished, FAILED when any job failed, COMPLETED otherwise.
func summarize(op models.BulkOperation) *Status {
	s := &Status{State: models.BulkStateCompleted}
	terminal, failed := 0, 0
	var finished *time.Time
	for _, j := range op.Jobs {
		if !j.Terminal() {
			continue
		}
		terminal++
		if j.State == models.JobStateFailed {
			failed++
			s.Errors = append(s.Errors, JobError{ChangesetID: j.ChangesetID, Error: j.FailureMessage})
		}
		if j.FinishedAt != nil && (finished == nil || j.FinishedAt.After(*finished)) {
			finished = j.FinishedAt
		}
	}
	sort.Slice(s.Errors, func(a, b int) bool { return s.Errors[a].ChangesetID < s.Errors[b].ChangesetID })

	total := len(op.Jobs)
	if total > 0 {
		s.Progress = float64(terminal) / float64(total)
	}
	switch {
	case terminal < total:
		s.State = models.BulkStateProcessing
	case failed > 0:
		s.State = models.BulkStateFailed
	}
	if terminal == total {
		s.FinishedAt = finished
	}
	op.Jobs = nil
	s.Operation = op
	return s
}
