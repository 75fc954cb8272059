package models

import "time"

// BatchChange is the long-lived target that batch specs are applied to.
// Namespace and Name identify it; successive batch specs with the same pair
// supersede one another.
type BatchChange struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	Namespace         string `gorm:"size:64;not null;uniqueIndex:idx_batch_change_name"`
	Name              string `gorm:"size:128;not null;uniqueIndex:idx_batch_change_name"`
	Description       string `gorm:"type:text"`
	LastAppliedSpecID *uint
	LastAppliedAt     *time.Time
	ClosedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
