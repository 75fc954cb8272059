package models

import "time"

// BatchSpec is an immutable description of one batch change run. Its state
// is derived from the resolution job and workspaces on read.
type BatchSpec struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	RandID        string `gorm:"size:36;uniqueIndex"`
	Namespace     string `gorm:"size:64;not null;index:idx_batch_spec_name"`
	Name          string `gorm:"size:128;not null;index:idx_batch_spec_name"`
	Description   string `gorm:"type:text"`
	RawSpec       string `gorm:"type:text;not null"`
	BatchChangeID *uint  `gorm:"index"`
	AppliedAt     *time.Time
	ExpiresAt     *time.Time `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	ChangesetSpecs []ChangesetSpec         `gorm:"foreignKey:BatchSpecID"`
	Workspaces     []BatchSpecWorkspace    `gorm:"foreignKey:BatchSpecID"`
	ResolutionJob  *BatchSpecResolutionJob `gorm:"foreignKey:BatchSpecID"`
}

// Batch spec states. They are computed, never stored.
const (
	BatchSpecStatePending    = "PENDING"
	BatchSpecStateQueued     = "QUEUED"
	BatchSpecStateProcessing = "PROCESSING"
	BatchSpecStateCompleted  = "COMPLETED"
	BatchSpecStateFailed     = "FAILED"
	BatchSpecStateCanceling  = "CANCELING"
	BatchSpecStateCanceled   = "CANCELED"
)
