package models

import "time"

// External states observed on the code host.
const (
	ExternalStateDraft    = "DRAFT"
	ExternalStateOpen     = "OPEN"
	ExternalStateClosed   = "CLOSED"
	ExternalStateMerged   = "MERGED"
	ExternalStateReadOnly = "READONLY"
	ExternalStateDeleted  = "DELETED"
)

// Publication states.
const (
	PublicationStateUnpublished = "UNPUBLISHED"
	PublicationStatePublished   = "PUBLISHED"
)

// UI publication states, set by the publish bulk action.
const (
	UIPublicationStateUnset     = ""
	UIPublicationStatePublished = "PUBLISHED"
	UIPublicationStateDraft     = "DRAFT"
)

// Reconciler states.
const (
	ReconcilerStateScheduled  = "SCHEDULED"
	ReconcilerStateQueued     = "QUEUED"
	ReconcilerStateProcessing = "PROCESSING"
	ReconcilerStateCompleted  = "COMPLETED"
	ReconcilerStateErrored    = "ERRORED"
	ReconcilerStateFailed     = "FAILED"
	ReconcilerStateCanceling  = "CANCELING"
	ReconcilerStateCanceled   = "CANCELED"
)

// Changeset is the mutable lifecycle record of one pull request. The Synced*
// fields hold the last values observed on (or written to) the code host and
// are what the delta engine compares a spec against.
type Changeset struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	BatchChangeID      uint   `gorm:"index"`
	Repo               string `gorm:"size:255;not null;index:idx_changeset_repo"`
	CodeHostKind       string `gorm:"size:32;not null"`
	ExternalID         string `gorm:"size:64;index:idx_changeset_repo"`
	HeadRef            string `gorm:"size:255"`
	ExternalState      string `gorm:"size:16"`
	PublicationState   string `gorm:"size:16;default:UNPUBLISHED"`
	UIPublicationState string `gorm:"size:16"`
	ReviewState        string `gorm:"size:32"`
	CheckState         string `gorm:"size:32"`
	Imported           bool   `gorm:"default:false"`

	CurrentSpecID  *uint `gorm:"index"`
	PreviousSpecID *uint

	// Closing asks the reconciler to close the changeset on the host; set
	// when its batch change is closed.
	Closing bool `gorm:"default:false"`

	Archived   bool `gorm:"default:false;index"`
	ArchivedAt *time.Time
	DetachedAt *time.Time

	SyncedTitle         string `gorm:"type:text"`
	SyncedBody          string `gorm:"type:text"`
	SyncedBaseRef       string `gorm:"size:255"`
	SyncedDiffHash      string `gorm:"size:64"`
	SyncedCommitMessage string `gorm:"type:text"`
	SyncedAuthorName    string `gorm:"size:128"`
	SyncedAuthorEmail   string `gorm:"size:255"`
	HeadCommit          string `gorm:"size:40"`

	ReconcilerState  string `gorm:"size:16;default:QUEUED;index"`
	NumFailures      int    `gorm:"default:0"`
	FailureMessage   string `gorm:"type:text"`
	SyncErrorMessage string `gorm:"type:text"`
	// RequeueRequested records a reenqueue or apply that arrived while a
	// worker held the changeset. The worker requeues it when it finishes.
	RequeueRequested bool       `gorm:"default:false"`
	ProcessAfter     *time.Time `gorm:"index"`
	NextSyncAt       *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	CurrentSpec *ChangesetSpec `gorm:"foreignKey:CurrentSpecID"`
}

// Published reports whether the changeset exists on the code host.
func (c *Changeset) Published() bool {
	return c.PublicationState == PublicationStatePublished
}

// ChangesetEvent is an append-only audit record of a reconciler state
// transition or an operation attempt.
type ChangesetEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	ChangesetID uint   `gorm:"not null;index"`
	Kind        string `gorm:"size:16;not null"` // "transition" or "operation"
	FromState   string `gorm:"size:16"`
	ToState     string `gorm:"size:16"`
	Operation   string `gorm:"size:16"`
	Attempt     int
	Outcome     string `gorm:"size:16"` // "ok", "skipped", "retryable", "terminal"
	Message     string `gorm:"type:text"`
	CreatedAt   time.Time
}
