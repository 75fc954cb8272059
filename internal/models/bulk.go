package models

import "time"

// Bulk operation types.
const (
	BulkTypeComment   = "COMMENT"
	BulkTypeClose     = "CLOSE"
	BulkTypeMerge     = "MERGE"
	BulkTypePublish   = "PUBLISH"
	BulkTypeReenqueue = "REENQUEUE"
	BulkTypeDetach    = "DETACH"
)

// Bulk operation aggregate states. Computed from child jobs.
const (
	BulkStateProcessing = "PROCESSING"
	BulkStateCompleted  = "COMPLETED"
	BulkStateFailed     = "FAILED"
)

// Changeset job states.
const (
	JobStateQueued     = "QUEUED"
	JobStateProcessing = "PROCESSING"
	JobStateCompleted  = "COMPLETED"
	JobStateErrored    = "ERRORED"
	JobStateFailed     = "FAILED"
)

// BulkOperation groups one user action over many changesets.
type BulkOperation struct {
	ID             string `gorm:"primaryKey;size:36"`
	Type           string `gorm:"size:16;not null"`
	BatchChangeID  uint   `gorm:"not null;index"`
	ChangesetCount int
	CreatedAt      time.Time

	Jobs []ChangesetJob `gorm:"foreignKey:BulkGroup"`
}

// ChangesetJob is one changeset's share of a bulk operation.
type ChangesetJob struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	BulkGroup      string `gorm:"size:36;not null;index"`
	ChangesetID    uint   `gorm:"not null;index"`
	BatchChangeID  uint   `gorm:"not null"`
	Type           string `gorm:"size:16;not null"`
	Payload        string `gorm:"type:json"`
	State          string `gorm:"size:16;default:QUEUED;index"`
	NumFailures    int    `gorm:"default:0"`
	FailureMessage string `gorm:"type:text"`
	ProcessAfter   *time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
}

// Terminal reports whether the job reached an end state.
func (j *ChangesetJob) Terminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}
