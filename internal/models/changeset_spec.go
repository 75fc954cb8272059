package models

import "time"

// ChangesetSpec types.
const (
	ChangesetSpecTypeExisting = "existing"
	ChangesetSpecTypeBranch   = "branch"
)

// Published values of a changeset spec. An empty value means the spec does
// not say, leaving publication to the UI publication state of the changeset.
const (
	PublishedUnset = ""
	PublishedTrue  = "true"
	PublishedFalse = "false"
	PublishedDraft = "draft"
)

// ChangesetSpec is the immutable desired state of one changeset. It is
// owned by the batch spec that produced it.
type ChangesetSpec struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"`
	RandID        string     `gorm:"size:36;uniqueIndex"`
	BatchSpecID   uint       `gorm:"not null;index"`
	WorkspaceID   *uint      `gorm:"index"`
	Type          string     `gorm:"size:16;not null"`
	Repo          string     `gorm:"size:255;not null;index"`
	CodeHostKind  string     `gorm:"size:32;not null"`
	ExternalID    string     `gorm:"size:64"`
	HeadRef       string     `gorm:"size:255"`
	BaseRef       string     `gorm:"size:255"`
	BaseRev       string     `gorm:"size:40"`
	Title         string     `gorm:"type:text"`
	Body          string     `gorm:"type:text"`
	CommitMessage string     `gorm:"type:text"`
	AuthorName    string     `gorm:"size:128"`
	AuthorEmail   string     `gorm:"size:255"`
	Diff          string     `gorm:"type:mediumtext"`
	Published     string     `gorm:"size:8"`
	ExpiresAt     *time.Time `gorm:"index"`
	CreatedAt     time.Time
}
