// Package scheduler executes the steps of resolved workspaces on a bounded
// worker pool with fair queueing across namespaces, step result caching and
// cooperative cancellation. A completed workspace with a diff produces a
// changeset spec.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/batchyard/internal/batchspec"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/workspace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Default commit author when the changeset template names none.
const (
	DefaultAuthorName  = "batchyard"
	DefaultAuthorEmail = "batchyard@localhost"
)

// ValidTransitions maps each workspace state to its valid next states.
// Terminal workspaces are not transitioned; a retry replaces the row.
var ValidTransitions = map[string][]string{
	models.WorkspaceStatePending:    {models.WorkspaceStateQueued, models.WorkspaceStateCanceled},
	models.WorkspaceStateQueued:     {models.WorkspaceStateProcessing, models.WorkspaceStateCanceled},
	models.WorkspaceStateProcessing: {models.WorkspaceStateCompleted, models.WorkspaceStateFailed, models.WorkspaceStateCanceling, models.WorkspaceStateQueued},
	models.WorkspaceStateCanceling:  {models.WorkspaceStateCanceled},
}

var (
	// ErrInvalidTransition is returned for a state change ValidTransitions forbids.
	ErrInvalidTransition = errors.New("scheduler: invalid workspace state transition")
	// ErrNotClaimed is returned by ExecuteOne when the workspace is not QUEUED.
	ErrNotClaimed = errors.New("scheduler: workspace not claimed")
	// ErrResolutionIncomplete is returned when executing a batch spec whose
	// workspaces are not resolved yet.
	ErrResolutionIncomplete = errors.New("scheduler: workspace resolution has not completed")
	// ErrNotRetryable is returned when retrying a workspace that is not terminal.
	ErrNotRetryable = errors.New("scheduler: workspace is not in a terminal state")
	// ErrApplied is returned when retrying a workspace of an applied batch spec.
	ErrApplied = errors.New("scheduler: batch spec is already applied")
	// ErrNotFound is returned for unknown workspaces.
	ErrNotFound = errors.New("scheduler: workspace not found")
)

func isValidTransition(from, to string) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

func transition(db *gorm.DB, id uint, from, to string, updates map[string]interface{}) (bool, error) {
	if !isValidTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s (valid: %v)", ErrInvalidTransition, from, to, ValidTransitions[from])
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = to
	res := db.Model(&models.BatchSpecWorkspace{}).Where("id = ? AND state = ?", id, from).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("scheduler: workspace %d %s -> %s: %w", id, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Options tunes a Scheduler.
type Options struct {
	Workers int
	Logger  *slog.Logger
}

// Scheduler runs workspace steps.
type Scheduler struct {
	db        *gorm.DB
	runner    StepRunner
	cache     Cache
	artifacts ArtifactStore
	workers   int
	logger    *slog.Logger

	nowFunc func() time.Time
}

// New creates a Scheduler.
func New(db *gorm.DB, runner StepRunner, cache Cache, artifacts ArtifactStore, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		db:        db,
		runner:    runner,
		cache:     cache,
		artifacts: artifacts,
		workers:   workers,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Artifacts returns the artifact store holding workspace logs and diffs.
func (s *Scheduler) Artifacts() ArtifactStore { return s.artifacts }

// Enqueue queues every PENDING workspace of a batch spec whose resolution
// completed. Skipped workspaces are never queued.
func Enqueue(db *gorm.DB, batchSpecID uint, now time.Time) (int, error) {
	var job models.BatchSpecResolutionJob
	err := db.Where("batch_spec_id = ?", batchSpecID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && job.State != models.ResolutionStateCompleted) {
		return 0, fmt.Errorf("%w: batch spec %d", ErrResolutionIncomplete, batchSpecID)
	}
	if err != nil {
		return 0, fmt.Errorf("scheduler: load resolution job: %w", err)
	}
	res := db.Model(&models.BatchSpecWorkspace{}).
		Where("batch_spec_id = ? AND state = ?", batchSpecID, models.WorkspaceStatePending).
		Updates(map[string]interface{}{"state": models.WorkspaceStateQueued, "queued_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("scheduler: enqueue batch spec %d: %w", batchSpecID, res.Error)
	}
	return int(res.RowsAffected), nil
}

// Cancel cancels every unfinished workspace of a batch spec. Workspaces not
// yet running are canceled at once; running ones move to CANCELING and stop
// before their next step.
func Cancel(db *gorm.DB, batchSpecID uint, now time.Time) (int, error) {
	n := 0
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.BatchSpecWorkspace{}).
			Where("batch_spec_id = ? AND state IN ?", batchSpecID,
				[]string{models.WorkspaceStatePending, models.WorkspaceStateQueued}).
			Updates(map[string]interface{}{"state": models.WorkspaceStateCanceled, "finished_at": now})
		if res.Error != nil {
			return res.Error
		}
		n += int(res.RowsAffected)
		res = tx.Model(&models.BatchSpecWorkspace{}).
			Where("batch_spec_id = ? AND state = ?", batchSpecID, models.WorkspaceStateProcessing).
			Updates(map[string]interface{}{"state": models.WorkspaceStateCanceling, "cancel_requested": true})
		if res.Error != nil {
			return res.Error
		}
		n += int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler: cancel batch spec %d: %w", batchSpecID, err)
	}
	return n, nil
}

// Retry replaces a terminal workspace with a fresh QUEUED copy. The old
// row, its changeset specs and its artifacts are discarded.
func (s *Scheduler) Retry(ctx context.Context, id uint) (*models.BatchSpecWorkspace, error) {
	var old models.BatchSpecWorkspace
	if err := s.db.First(&old, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scheduler: load workspace %d: %w", id, err)
	}
	if !old.Terminal() {
		return nil, fmt.Errorf("%w: %d is %s", ErrNotRetryable, id, old.State)
	}
	var bs models.BatchSpec
	if err := s.db.First(&bs, old.BatchSpecID).Error; err != nil {
		return nil, fmt.Errorf("scheduler: load batch spec %d: %w", old.BatchSpecID, err)
	}
	if bs.AppliedAt != nil {
		return nil, fmt.Errorf("%w: %d", ErrApplied, bs.ID)
	}

	now := s.nowFunc()
	fresh := models.BatchSpecWorkspace{
		BatchSpecID:        old.BatchSpecID,
		Namespace:          old.Namespace,
		Repo:               old.Repo,
		CodeHostKind:       old.CodeHostKind,
		Branch:             old.Branch,
		Commit:             old.Commit,
		Path:               old.Path,
		OnlyFetchWorkspace: old.OnlyFetchWorkspace,
		Steps:              old.Steps,
		StepCount:          old.StepCount,
		State:              models.WorkspaceStateQueued,
		QueuedAt:           &now,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workspace_id = ?", old.ID).Delete(&models.ChangesetSpec{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND state = ?", old.ID, old.State).Delete(&models.BatchSpecWorkspace{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: %d changed state concurrently", ErrNotRetryable, old.ID)
		}
		return tx.Create(&fresh).Error
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: retry workspace %d: %w", id, err)
	}

	for _, key := range []string{LogKey(old.ID), DiffKey(old.ID)} {
		if err := s.artifacts.Delete(ctx, key); err != nil {
			s.logger.Warn("delete artifact", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	s.logger.Info("workspace retried", slog.Uint64("old", uint64(old.ID)), slog.Uint64("new", uint64(fresh.ID)))
	return &fresh, nil
}

// ExecuteOne claims workspace id if it is QUEUED and runs it.
func (s *Scheduler) ExecuteOne(ctx context.Context, id uint) error {
	claimed, err := s.claim(id)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: %d", ErrNotClaimed, id)
	}
	return s.execute(ctx, id)
}

func (s *Scheduler) claim(id uint) (bool, error) {
	return transition(s.db, id, models.WorkspaceStateQueued, models.WorkspaceStateProcessing, map[string]interface{}{
		"started_at": s.nowFunc(),
	})
}

// claimNext claims the head of the fair queue. It returns 0 when the queue
// is empty.
func (s *Scheduler) claimNext() (uint, error) {
	order, err := queueSnapshot(s.db)
	if err != nil {
		return 0, err
	}
	for i, ws := range order {
		if i == 8 {
			break
		}
		ok, err := s.claim(ws.ID)
		if err != nil {
			return 0, err
		}
		if ok {
			return ws.ID, nil
		}
	}
	return 0, nil
}

// Run executes queued workspaces with at most Options.Workers running at
// once, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	if err := s.recoverStale(); err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(s.workers))
	var g errgroup.Group
	defer g.Wait()

	for {
		for {
			// A slot is acquired before claiming, so a claimed workspace
			// never waits for a worker.
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			id, err := s.claimNext()
			if err != nil || id == 0 {
				sem.Release(1)
				if err != nil {
					s.logger.Warn("claim workspace", slog.String("error", err.Error()))
				}
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				if err := s.execute(ctx, id); err != nil {
					s.logger.Error("execute workspace", slog.Uint64("workspace", uint64(id)), slog.String("error", err.Error()))
				}
				return nil
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}

// recoverStale requeues workspaces a dead process left running and
// finishes interrupted cancellations.
func (s *Scheduler) recoverStale() error {
	if err := s.db.Model(&models.BatchSpecWorkspace{}).
		Where("state = ?", models.WorkspaceStateProcessing).
		Updates(map[string]interface{}{"state": models.WorkspaceStateQueued}).Error; err != nil {
		return fmt.Errorf("scheduler: recover processing: %w", err)
	}
	if err := s.db.Model(&models.BatchSpecWorkspace{}).
		Where("state = ?", models.WorkspaceStateCanceling).
		Updates(map[string]interface{}{"state": models.WorkspaceStateCanceled, "finished_at": s.nowFunc()}).Error; err != nil {
		return fmt.Errorf("scheduler: recover canceling: %w", err)
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, id uint) error {
	var ws models.BatchSpecWorkspace
	if err := s.db.First(&ws, id).Error; err != nil {
		return fmt.Errorf("scheduler: load workspace %d: %w", id, err)
	}
	log := s.logger.With(slog.Uint64("workspace", uint64(ws.ID)), slog.String("repo", ws.Repo), slog.String("path", ws.Path))

	steps, err := workspace.DecodeSteps(&ws)
	if err != nil {
		return s.fail(ctx, &ws, err, "", log)
	}

	var (
		out  strings.Builder
		diff string
		key  string
		hits int
	)
	for i, step := range steps {
		canceled, err := s.cancelRequested(ws.ID)
		if err != nil {
			return err
		}
		if canceled {
			return s.finishCanceled(ctx, &ws, out.String(), log)
		}

		key = CacheKey(key, ws.Repo, ws.Commit, ws.Path, i, step)
		res, hit, err := s.cache.Get(ctx, key)
		if err != nil {
			log.Warn("step cache unavailable", slog.String("error", err.Error()))
			hit = false
		}
		if hit {
			hits++
			fmt.Fprintf(&out, "--- step %d: cached result\n", i)
		} else {
			fmt.Fprintf(&out, "--- step %d: %s\n", i, step.Run)
			res, err = s.runner.RunStep(ctx, StepInput{
				Repo:               ws.Repo,
				Branch:             ws.Branch,
				Commit:             ws.Commit,
				Path:               ws.Path,
				OnlyFetchWorkspace: ws.OnlyFetchWorkspace,
				Index:              i,
				Step:               step,
				PreviousDiff:       diff,
			})
			if err != nil {
				if ctx.Err() != nil {
					_, terr := transition(s.db, ws.ID, models.WorkspaceStateProcessing, models.WorkspaceStateQueued, nil)
					return terr
				}
				return s.fail(ctx, &ws, fmt.Errorf("step %d: %w", i, err), out.String(), log)
			}
			if err := s.cache.Set(ctx, key, res); err != nil {
				log.Warn("store step result", slog.String("error", err.Error()))
			}
		}
		out.WriteString(res.Output)
		diff = res.Diff
	}

	if err := s.artifacts.Put(ctx, LogKey(ws.ID), []byte(out.String())); err != nil {
		return s.fail(ctx, &ws, err, "", log)
	}
	if err := s.artifacts.Put(ctx, DiffKey(ws.ID), []byte(diff)); err != nil {
		return s.fail(ctx, &ws, err, "", log)
	}

	var cs *models.ChangesetSpec
	if diff != "" {
		cs, err = s.changesetSpec(&ws, diff)
		if err != nil {
			return s.fail(ctx, &ws, err, "", log)
		}
	}

	moved := false
	err = s.db.Transaction(func(tx *gorm.DB) error {
		ok, err := transition(tx, ws.ID, models.WorkspaceStateProcessing, models.WorkspaceStateCompleted, map[string]interface{}{
			"step_cache_hits":     hits,
			"cached_result_found": len(steps) > 0 && hits == len(steps),
			"diff_stat":           diffStat(diff),
			"finished_at":         s.nowFunc(),
		})
		if err != nil || !ok {
			return err
		}
		moved = true
		if cs != nil {
			return tx.Create(cs).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scheduler: complete workspace %d: %w", ws.ID, err)
	}
	if !moved {
		// Cancellation arrived during the last step.
		return s.finishCanceled(ctx, &ws, out.String(), log)
	}
	log.Info("workspace completed", slog.Int("steps", len(steps)), slog.Int("cache_hits", hits), slog.Bool("changeset", cs != nil))
	return nil
}

func (s *Scheduler) cancelRequested(id uint) (bool, error) {
	var ws models.BatchSpecWorkspace
	if err := s.db.Select("id", "state", "cancel_requested").First(&ws, id).Error; err != nil {
		return false, fmt.Errorf("scheduler: check cancel %d: %w", id, err)
	}
	return ws.CancelRequested || ws.State == models.WorkspaceStateCanceling, nil
}

func (s *Scheduler) finishCanceled(ctx context.Context, ws *models.BatchSpecWorkspace, output string, log *slog.Logger) error {
	if _, err := transition(s.db, ws.ID, models.WorkspaceStateProcessing, models.WorkspaceStateCanceling, nil); err != nil {
		return err
	}
	if output != "" {
		if err := s.artifacts.Put(ctx, LogKey(ws.ID), []byte(output)); err != nil {
			log.Warn("store log of canceled workspace", slog.String("error", err.Error()))
		}
	}
	if _, err := transition(s.db, ws.ID, models.WorkspaceStateCanceling, models.WorkspaceStateCanceled, map[string]interface{}{
		"cancel_requested": false,
		"finished_at":      s.nowFunc(),
	}); err != nil {
		return err
	}
	log.Info("workspace canceled")
	return nil
}

func (s *Scheduler) fail(ctx context.Context, ws *models.BatchSpecWorkspace, cause error, output string, log *slog.Logger) error {
	if output != "" {
		if err := s.artifacts.Put(ctx, LogKey(ws.ID), []byte(output)); err != nil {
			log.Warn("store log of failed workspace", slog.String("error", err.Error()))
		}
	}
	log.Warn("workspace failed", slog.String("error", cause.Error()))
	moved, err := transition(s.db, ws.ID, models.WorkspaceStateProcessing, models.WorkspaceStateFailed, map[string]interface{}{
		"failure_message": cause.Error(),
		"finished_at":     s.nowFunc(),
	})
	if err != nil {
		return err
	}
	if !moved {
		return s.finishCanceled(ctx, ws, "", log)
	}
	return nil
}

// changesetSpec renders the batch spec's changeset template for ws.
func (s *Scheduler) changesetSpec(ws *models.BatchSpecWorkspace, diff string) (*models.ChangesetSpec, error) {
	var bs models.BatchSpec
	if err := s.db.First(&bs, ws.BatchSpecID).Error; err != nil {
		return nil, fmt.Errorf("scheduler: load batch spec %d: %w", ws.BatchSpecID, err)
	}
	spec, err := batchspec.Parse([]byte(bs.RawSpec))
	if err != nil {
		return nil, err
	}
	t := spec.ChangesetTemplate
	if t == nil {
		return nil, nil
	}

	data := batchspec.TemplateData{
		Repository: batchspec.Repository{Name: ws.Repo, Branch: ws.Branch},
		Path:       ws.Path,
		BatchSpec:  spec.Name,
	}
	render := func(text string) (string, error) { return batchspec.Render(text, data) }
	title, err := render(t.Title)
	if err != nil {
		return nil, err
	}
	body, err := render(t.Body)
	if err != nil {
		return nil, err
	}
	branch, err := render(t.Branch)
	if err != nil {
		return nil, err
	}
	message, err := render(t.Commit.Message)
	if err != nil {
		return nil, err
	}
	if ws.Path != "" {
		// One branch per workspace when a repository has several.
		branch += "-" + strings.ReplaceAll(strings.Trim(ws.Path, "/"), "/", "-")
	}
	authorName, authorEmail := DefaultAuthorName, DefaultAuthorEmail
	if a := t.Commit.Author; a != nil {
		authorName, authorEmail = a.Name, a.Email
	}

	wsID := ws.ID
	return &models.ChangesetSpec{
		RandID:        uuid.NewString(),
		BatchSpecID:   ws.BatchSpecID,
		WorkspaceID:   &wsID,
		Type:          models.ChangesetSpecTypeBranch,
		Repo:          ws.Repo,
		CodeHostKind:  ws.CodeHostKind,
		HeadRef:       branch,
		BaseRef:       ws.Branch,
		BaseRev:       ws.Commit,
		Title:         title,
		Body:          body,
		CommitMessage: message,
		AuthorName:    authorName,
		AuthorEmail:   authorEmail,
		Diff:          diff,
		Published:     t.Published.For(ws.Repo),
		ExpiresAt:     bs.ExpiresAt,
	}, nil
}

// diffStat summarizes a unified diff as "+added -deleted".
func diffStat(diff string) string {
	if diff == "" {
		return ""
	}
	added, deleted := 0, 0
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			deleted++
		}
	}
	return fmt.Sprintf("+%d -%d", added, deleted)
}
