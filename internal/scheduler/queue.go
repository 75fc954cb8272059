package scheduler

import (
	"fmt"
	"sort"

	"github.com/zulandar/batchyard/internal/models"
	"gorm.io/gorm"
)

// Rank is a workspace's advisory position in the execution queue. Both
// values are 1-based.
type Rank struct {
	PlaceInQueue       int
	PlaceInGlobalQueue int
}

// fairOrder orders queued workspaces the way workers claim them: each pick
// goes to the namespace with the fewest workspaces running or already
// picked, ties broken by the oldest head; within a namespace the order is
// FIFO by (QueuedAt, ID). load holds the running count per namespace.
func fairOrder(queued []models.BatchSpecWorkspace, load map[string]int) []models.BatchSpecWorkspace {
	byNS := make(map[string][]models.BatchSpecWorkspace)
	for _, ws := range queued {
		byNS[ws.Namespace] = append(byNS[ws.Namespace], ws)
	}
	for ns := range byNS {
		q := byNS[ns]
		sort.SliceStable(q, func(i, j int) bool { return before(q[i], q[j]) })
	}
	picked := make(map[string]int, len(load))
	for ns, n := range load {
		picked[ns] = n
	}

	out := make([]models.BatchSpecWorkspace, 0, len(queued))
	for len(out) < len(queued) {
		best := ""
		for ns, q := range byNS {
			if len(q) == 0 {
				continue
			}
			if best == "" {
				best = ns
				continue
			}
			switch {
			case picked[ns] < picked[best]:
				best = ns
			case picked[ns] == picked[best] && before(q[0], byNS[best][0]):
				best = ns
			}
		}
		out = append(out, byNS[best][0])
		byNS[best] = byNS[best][1:]
		picked[best]++
	}
	return out
}

func before(a, b models.BatchSpecWorkspace) bool {
	switch {
	case a.QueuedAt == nil && b.QueuedAt != nil:
		return false
	case a.QueuedAt != nil && b.QueuedAt == nil:
		return true
	case a.QueuedAt != nil && b.QueuedAt != nil && !a.QueuedAt.Equal(*b.QueuedAt):
		return a.QueuedAt.Before(*b.QueuedAt)
	}
	return a.ID < b.ID
}

// queueSnapshot loads the live queue in claim order.
func queueSnapshot(db *gorm.DB) ([]models.BatchSpecWorkspace, error) {
	var queued []models.BatchSpecWorkspace
	if err := db.Select("id", "namespace", "queued_at", "batch_spec_id").
		Where("state = ?", models.WorkspaceStateQueued).
		Find(&queued).Error; err != nil {
		return nil, fmt.Errorf("scheduler: load queue: %w", err)
	}

	var running []struct {
		Namespace string
		N         int
	}
	if err := db.Model(&models.BatchSpecWorkspace{}).
		Select("namespace, count(*) as n").
		Where("state IN ?", []string{models.WorkspaceStateProcessing, models.WorkspaceStateCanceling}).
		Group("namespace").
		Scan(&running).Error; err != nil {
		return nil, fmt.Errorf("scheduler: count running: %w", err)
	}
	load := make(map[string]int, len(running))
	for _, r := range running {
		load[r.Namespace] = r.N
	}
	return fairOrder(queued, load), nil
}

// QueueRanks recomputes the rank of every queued workspace from the live
// queue. Ranks are a projection for display and never gate execution.
func QueueRanks(db *gorm.DB) (map[uint]Rank, error) {
	order, err := queueSnapshot(db)
	if err != nil {
		return nil, err
	}
	// Per-namespace rank is FIFO position, independent of other namespaces.
	byNS := make(map[string][]models.BatchSpecWorkspace)
	for _, ws := range order {
		byNS[ws.Namespace] = append(byNS[ws.Namespace], ws)
	}
	ranks := make(map[uint]Rank, len(order))
	for i, ws := range order {
		ranks[ws.ID] = Rank{PlaceInGlobalQueue: i + 1}
	}
	for _, q := range byNS {
		sort.SliceStable(q, func(i, j int) bool { return before(q[i], q[j]) })
		for i, ws := range q {
			r := ranks[ws.ID]
			r.PlaceInQueue = i + 1
			ranks[ws.ID] = r
		}
	}
	return ranks, nil
}
