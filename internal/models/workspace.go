package models

import "time"

// Workspace states.
const (
	WorkspaceStatePending    = "PENDING"
	WorkspaceStateQueued     = "QUEUED"
	WorkspaceStateProcessing = "PROCESSING"
	WorkspaceStateCompleted  = "COMPLETED"
	WorkspaceStateFailed     = "FAILED"
	WorkspaceStateCanceling  = "CANCELING"
	WorkspaceStateCanceled   = "CANCELED"
	WorkspaceStateSkipped    = "SKIPPED"
)

// Resolution job states.
const (
	ResolutionStateQueued     = "QUEUED"
	ResolutionStateProcessing = "PROCESSING"
	ResolutionStateCompleted  = "COMPLETED"
	ResolutionStateErrored    = "ERRORED"
	ResolutionStateFailed     = "FAILED"
)

// BatchSpecResolutionJob tracks workspace discovery for one batch spec.
type BatchSpecResolutionJob struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	BatchSpecID    uint   `gorm:"not null;uniqueIndex"`
	State          string `gorm:"size:16;default:QUEUED;index"`
	NumFailures    int    `gorm:"default:0"`
	FailureMessage string `gorm:"type:text"`
	ProcessAfter   *time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BatchSpecWorkspace is one (repository, path, branch) unit of execution.
type BatchSpecWorkspace struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	BatchSpecID        uint   `gorm:"not null;index"`
	Namespace          string `gorm:"size:64;not null;index"`
	Repo               string `gorm:"size:255;not null"`
	CodeHostKind       string `gorm:"size:32"`
	Branch             string `gorm:"size:255"`
	Commit             string `gorm:"size:40"`
	Path               string `gorm:"size:512"`
	OnlyFetchWorkspace bool   `gorm:"default:false"`
	Ignored            bool   `gorm:"default:false"`
	Unsupported        bool   `gorm:"default:false"`
	Skipped            bool   `gorm:"default:false"`
	Steps              string `gorm:"type:json"`
	StepCount          int
	CachedResultFound  bool   `gorm:"default:false"`
	StepCacheHits      int    `gorm:"default:0"`
	State              string `gorm:"size:16;default:PENDING;index"`
	CancelRequested    bool   `gorm:"default:false"`
	FailureMessage     string `gorm:"type:text"`
	DiffStat           string `gorm:"size:64"`
	QueuedAt           *time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Terminal reports whether the workspace reached an end state.
func (w *BatchSpecWorkspace) Terminal() bool {
	switch w.State {
	case WorkspaceStateCompleted, WorkspaceStateFailed, WorkspaceStateCanceled:
		return true
	}
	return false
}
