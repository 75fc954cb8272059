package api

import (
	"time"

	"github.com/zulandar/batchyard/internal/batches"
	"github.com/zulandar/batchyard/internal/bulk"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/preview"
	"github.com/zulandar/batchyard/internal/scheduler"
)

type batchSpecView struct {
	ID            uint       `json:"id"`
	RandID        string     `json:"rand_id"`
	Namespace     string     `json:"namespace"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	State         string     `json:"state,omitempty"`
	BatchChangeID *uint      `json:"batch_change_id,omitempty"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func newBatchSpecView(bs *models.BatchSpec, state string) batchSpecView {
	return batchSpecView{
		ID:            bs.ID,
		RandID:        bs.RandID,
		Namespace:     bs.Namespace,
		Name:          bs.Name,
		Description:   bs.Description,
		State:         state,
		BatchChangeID: bs.BatchChangeID,
		AppliedAt:     bs.AppliedAt,
		ExpiresAt:     bs.ExpiresAt,
		CreatedAt:     bs.CreatedAt,
	}
}

type rankView struct {
	PlaceInQueue       int `json:"place_in_queue"`
	PlaceInGlobalQueue int `json:"place_in_global_queue"`
}

type workspaceView struct {
	ID                uint       `json:"id"`
	BatchSpecID       uint       `json:"batch_spec_id"`
	Repo              string     `json:"repo"`
	Branch            string     `json:"branch"`
	Commit            string     `json:"commit"`
	Path              string     `json:"path"`
	State             string     `json:"state"`
	Ignored           bool       `json:"ignored"`
	Unsupported       bool       `json:"unsupported"`
	Skipped           bool       `json:"skipped"`
	StepCount         int        `json:"step_count"`
	StepCacheHits     int        `json:"step_cache_hits"`
	CachedResultFound bool       `json:"cached_result_found"`
	DiffStat          string     `json:"diff_stat,omitempty"`
	FailureMessage    string     `json:"failure_message,omitempty"`
	Rank              *rankView  `json:"rank,omitempty"`
	QueuedAt          *time.Time `json:"queued_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

func newWorkspaceView(ws *models.BatchSpecWorkspace, rank scheduler.Rank) workspaceView {
	v := workspaceView{
		ID:                ws.ID,
		BatchSpecID:       ws.BatchSpecID,
		Repo:              ws.Repo,
		Branch:            ws.Branch,
		Commit:            ws.Commit,
		Path:              ws.Path,
		State:             ws.State,
		Ignored:           ws.Ignored,
		Unsupported:       ws.Unsupported,
		Skipped:           ws.Skipped,
		StepCount:         ws.StepCount,
		StepCacheHits:     ws.StepCacheHits,
		CachedResultFound: ws.CachedResultFound,
		DiffStat:          ws.DiffStat,
		FailureMessage:    ws.FailureMessage,
		QueuedAt:          ws.QueuedAt,
		StartedAt:         ws.StartedAt,
		FinishedAt:        ws.FinishedAt,
	}
	if rank.PlaceInQueue > 0 {
		v.Rank = &rankView{PlaceInQueue: rank.PlaceInQueue, PlaceInGlobalQueue: rank.PlaceInGlobalQueue}
	}
	return v
}

func newWorkspaceViews(rows []batches.Workspace) []workspaceView {
	out := make([]workspaceView, len(rows))
	for i := range rows {
		out[i] = newWorkspaceView(&rows[i].BatchSpecWorkspace, rows[i].Rank)
	}
	return out
}

type statsView struct {
	Total      int `json:"total"`
	Skipped    int `json:"skipped"`
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Canceling  int `json:"canceling"`
	Canceled   int `json:"canceled"`
}

func newStatsView(s scheduler.Stats) statsView {
	return statsView{
		Total:      s.Total,
		Skipped:    s.Skipped,
		Pending:    s.Pending,
		Queued:     s.Queued,
		Processing: s.Processing,
		Completed:  s.Completed,
		Failed:     s.Failed,
		Canceling:  s.Canceling,
		Canceled:   s.Canceled,
	}
}

type batchChangeView struct {
	ID                uint       `json:"id"`
	Namespace         string     `json:"namespace"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	LastAppliedSpecID *uint      `json:"last_applied_spec_id,omitempty"`
	LastAppliedAt     *time.Time `json:"last_applied_at,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

func newBatchChangeView(bc *models.BatchChange) batchChangeView {
	return batchChangeView{
		ID:                bc.ID,
		Namespace:         bc.Namespace,
		Name:              bc.Name,
		Description:       bc.Description,
		LastAppliedSpecID: bc.LastAppliedSpecID,
		LastAppliedAt:     bc.LastAppliedAt,
		ClosedAt:          bc.ClosedAt,
	}
}

type changesetView struct {
	ID                 uint   `json:"id"`
	BatchChangeID      uint   `json:"batch_change_id"`
	Repo               string `json:"repo"`
	ExternalID         string `json:"external_id,omitempty"`
	HeadRef            string `json:"head_ref,omitempty"`
	ExternalState      string `json:"external_state,omitempty"`
	PublicationState   string `json:"publication_state"`
	UIPublicationState string `json:"ui_publication_state,omitempty"`
	ReconcilerState    string `json:"reconciler_state"`
	Imported           bool   `json:"imported"`
	Archived           bool   `json:"archived"`
	NumFailures        int    `json:"num_failures"`
	FailureMessage     string `json:"failure_message,omitempty"`
	SyncErrorMessage   string `json:"sync_error_message,omitempty"`
}

func newChangesetView(cs *models.Changeset) changesetView {
	return changesetView{
		ID:                 cs.ID,
		BatchChangeID:      cs.BatchChangeID,
		Repo:               cs.Repo,
		ExternalID:         cs.ExternalID,
		HeadRef:            cs.HeadRef,
		ExternalState:      cs.ExternalState,
		PublicationState:   cs.PublicationState,
		UIPublicationState: cs.UIPublicationState,
		ReconcilerState:    cs.ReconcilerState,
		Imported:           cs.Imported,
		Archived:           cs.Archived,
		NumFailures:        cs.NumFailures,
		FailureMessage:     cs.FailureMessage,
		SyncErrorMessage:   cs.SyncErrorMessage,
	}
}

type previewEntryView struct {
	Action      string   `json:"action"`
	Repo        string   `json:"repo"`
	ChangesetID uint     `json:"changeset_id,omitempty"`
	SpecID      uint     `json:"changeset_spec_id,omitempty"`
	Operations  []string `json:"operations"`
	Error       string   `json:"error,omitempty"`
}

type previewView struct {
	Entries []previewEntryView `json:"entries"`
	Attach  int                `json:"attach"`
	Update  int                `json:"update"`
	Detach  int                `json:"detach"`
	Errors  int                `json:"errors"`
	Ops     map[string]int     `json:"operations"`
}

func newPreviewView(r *preview.Result) previewView {
	v := previewView{
		Entries: make([]previewEntryView, len(r.Entries)),
		Attach:  r.Stats.Attach,
		Update:  r.Stats.Update,
		Detach:  r.Stats.Detach,
		Errors:  r.Stats.Errors,
		Ops:     make(map[string]int, len(r.Stats.Ops)),
	}
	for op, n := range r.Stats.Ops {
		v.Ops[string(op)] = n
	}
	for i, e := range r.Entries {
		ev := previewEntryView{Action: string(e.Action), Operations: []string{}}
		if e.Spec != nil {
			ev.Repo = e.Spec.Repo
			ev.SpecID = e.Spec.ID
		}
		if e.Existing != nil {
			ev.Repo = e.Existing.Repo
			ev.ChangesetID = e.Existing.ID
		}
		for _, op := range e.Ops {
			ev.Operations = append(ev.Operations, string(op))
		}
		if e.Err != nil {
			ev.Error = e.Err.Error()
		}
		v.Entries[i] = ev
	}
	return v
}

type jobErrorView struct {
	ChangesetID uint   `json:"changeset_id"`
	Error       string `json:"error"`
}

type bulkView struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	BatchChangeID  uint           `json:"batch_change_id"`
	ChangesetCount int            `json:"changeset_count"`
	State          string         `json:"state"`
	Progress       float64        `json:"progress"`
	Errors         []jobErrorView `json:"errors"`
	CreatedAt      time.Time      `json:"created_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

func newBulkView(s *bulk.Status) bulkView {
	v := bulkView{
		ID:             s.Operation.ID,
		Type:           s.Operation.Type,
		BatchChangeID:  s.Operation.BatchChangeID,
		ChangesetCount: s.Operation.ChangesetCount,
		State:          s.State,
		Progress:       s.Progress,
		Errors:         make([]jobErrorView, len(s.Errors)),
		CreatedAt:      s.Operation.CreatedAt,
		FinishedAt:     s.FinishedAt,
	}
	for i, e := range s.Errors {
		v.Errors[i] = jobErrorView{ChangesetID: e.ChangesetID, Error: e.Error}
	}
	return v
}
