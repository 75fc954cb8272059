package scheduler

import (
	"fmt"

	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

// Stats counts the workspaces of one batch spec by state.
type Stats struct {
	Total      int
	Skipped    int
	Pending    int
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Canceling  int
	Canceled   int
}

// Unfinished reports how many workspaces can still change state.
func (s Stats) Unfinished() int {
	return s.Pending + s.Queued + s.Processing + s.Canceling
}

// WorkspaceStats counts the workspaces of batchSpecID.
func WorkspaceStats(db *gorm.DB, batchSpecID uint) (Stats, error) {
	var rows []struct {
		State string
		N     int
	}
	if err := db.Model(&models.BatchSpecWorkspace{}).
		Select("state, count(*) as n").
		Where("batch_spec_id = ?", batchSpecID).
		Group("state").
		Scan(&rows).Error; err != nil {
		return Stats{}, fmt.Errorf("scheduler: workspace stats of %d: %w", batchSpecID, err)
	}
	var s Stats
	for _, r := range rows {
		s.Total += r.N
		switch r.State {
		case models.WorkspaceStateSkipped:
			s.Skipped += r.N
		case models.WorkspaceStatePending:
			s.Pending += r.N
		case models.WorkspaceStateQueued:
			s.Queued += r.N
		case models.WorkspaceStateProcessing:
			s.Processing += r.N
		case models.WorkspaceStateCompleted:
			s.Completed += r.N
		case models.WorkspaceStateFailed:
			s.Failed += r.N
		case models.WorkspaceStateCanceling:
			s.Canceling += r.N
		case models.WorkspaceStateCanceled:
			s.Canceled += r.N
		}
	}
	return s, nil
}
