package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zulandar/batchyard/internal/backoff"
	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/planner"
	"github.com/zulandar/batchyard/internal/reconciler"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ValidTransitions maps each job state to its valid next states.
var ValidTransitions = map[string][]string{
	models.JobStateQueued:     {models.JobStateProcessing},
	models.JobStateProcessing: {models.JobStateCompleted, models.JobStateErrored, models.JobStateFailed, models.JobStateQueued},
	models.JobStateErrored:    {models.JobStateQueued},
}

// ErrInvalidTransition is returned for a job state change ValidTransitions
// forbids.
var ErrInvalidTransition = errors.New("bulk: invalid job state transition")

// errTerminal marks job failures that retrying cannot fix.
var errTerminal = errors.New("bulk: not applicable")

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
	res := db.Model(&models.ChangesetJob{}).Where("id = ? AND state = ?", id, from).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("bulk: job %d %s -> %s: %w", id, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Options tunes an Executor.
type Options struct {
	Workers     int
	Policy      backoff.Policy
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// Executor runs changeset jobs.
type Executor struct {
	db          *gorm.DB
	hosts       *codehost.Registry
	workers     int
	callTimeout time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	policy backoff.Policy

	nowFunc func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(db *gorm.DB, hosts *codehost.Registry, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	return &Executor{
		db:          db,
		hosts:       hosts,
		workers:     workers,
		callTimeout: opts.CallTimeout,
		logger:      logger,
		policy:      opts.Policy,
		nowFunc:     time.Now,
	}
}

// SetPolicy replaces the retry policy.
func (e *Executor) SetPolicy(p backoff.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
}

func (e *Executor) currentPolicy() backoff.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// ProcessPending promotes due ERRORED jobs, then runs every QUEUED job with
// at most Options.Workers in flight. It returns the number of jobs run.
func (e *Executor) ProcessPending(ctx context.Context) (int, error) {
	now := e.nowFunc()
	if err := e.db.Model(&models.ChangesetJob{}).
		Where("state = ? AND (process_after IS NULL OR process_after <= ?)", models.JobStateErrored, now).
		Update("state", models.JobStateQueued).Error; err != nil {
		return 0, fmt.Errorf("bulk: promote errored: %w", err)
	}

	var ids []uint
	if err := e.db.Model(&models.ChangesetJob{}).
		Where("state = ?", models.JobStateQueued).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("bulk: find queued: %w", err)
	}

	var (
		g   errgroup.Group
		mu  sync.Mutex
		ran int
	)
	g.SetLimit(e.workers)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			claimed, err := transition(e.db, id, models.JobStateQueued, models.JobStateProcessing, map[string]interface{}{
				"started_at": e.nowFunc(),
			})
			if err != nil || !claimed {
				return err
			}
			e.process(ctx, id)
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return ran, err
}

// Run processes jobs until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	if err := e.db.Model(&models.ChangesetJob{}).
		Where("state = ?", models.JobStateProcessing).
		Update("state", models.JobStateQueued).Error; err != nil {
		return fmt.Errorf("bulk: recover processing: %w", err)
	}
	for {
		if _, err := e.ProcessPending(ctx); err != nil {
			e.logger.Warn("process bulk jobs", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}

// process runs one claimed job and records its outcome. Failures stay on
// the job.
func (e *Executor) process(ctx context.Context, id uint) {
	var job models.ChangesetJob
	if err := e.db.First(&job, id).Error; err != nil {
		e.logger.Error("load bulk job", slog.Uint64("job", uint64(id)), slog.String("error", err.Error()))
		return
	}
	log := e.logger.With(slog.String("bulk", job.BulkGroup), slog.Uint64("changeset", uint64(job.ChangesetID)), slog.String("type", job.Type))

	err := e.apply(ctx, &job)
	now := e.nowFunc()
	switch {
	case err == nil:
		_, err = transition(e.db, job.ID, models.JobStateProcessing, models.JobStateCompleted, map[string]interface{}{
			"failure_message": "",
			"finished_at":     now,
		})
		if err == nil {
			log.Info("bulk job completed")
		}
	case ctx.Err() != nil:
		_, err = transition(e.db, job.ID, models.JobStateProcessing, models.JobStateQueued, nil)
	default:
		err = e.fail(&job, err, now, log)
	}
	if err != nil {
		log.Error("record bulk job outcome", slog.String("error", err.Error()))
	}
}

func (e *Executor) fail(job *models.ChangesetJob, cause error, now time.Time, log *slog.Logger) error {
	policy := e.currentPolicy()
	failures := job.NumFailures + 1
	if !errors.Is(cause, errTerminal) && reconciler.Retryable(cause) && !policy.Exhausted(failures) {
		after := now.Add(policy.Delay(failures))
		log.Warn("bulk job errored", slog.Int("failures", failures), slog.Time("retry_at", after), slog.String("error", cause.Error()))
		_, err := transition(e.db, job.ID, models.JobStateProcessing, models.JobStateErrored, map[string]interface{}{
			"num_failures":    failures,
			"failure_message": cause.Error(),
			"process_after":   after,
		})
		return err
	}
	log.Warn("bulk job failed", slog.String("error", cause.Error()))
	_, err := transition(e.db, job.ID, models.JobStateProcessing, models.JobStateFailed, map[string]interface{}{
		"num_failures":    failures,
		"failure_message": cause.Error(),
		"finished_at":     now,
	})
	return err
}

func (e *Executor) apply(ctx context.Context, job *models.ChangesetJob) error {
	var p payload
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("%w: decode payload: %v", errTerminal, err)
		}
	}
	var cs models.Changeset
	if err := e.db.Preload("CurrentSpec").First(&cs, job.ChangesetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: changeset %d no longer exists", errTerminal, job.ChangesetID)
		}
		return fmt.Errorf("bulk: load changeset %d: %w", job.ChangesetID, err)
	}

	switch job.Type {
	case models.BulkTypeComment:
		return e.hostCall(ctx, &cs, func(ctx context.Context, c codehost.Client) (*codehost.Changeset, error) {
			return nil, c.Comment(ctx, cs.Repo, cs.ExternalID, p.Body)
		})
	case models.BulkTypeClose:
		return e.hostCall(ctx, &cs, func(ctx context.Context, c codehost.Client) (*codehost.Changeset, error) {
			return c.Close(ctx, cs.Repo, cs.ExternalID)
		})
	case models.BulkTypeMerge:
		return e.hostCall(ctx, &cs, func(ctx context.Context, c codehost.Client) (*codehost.Changeset, error) {
			return c.Merge(ctx, cs.Repo, cs.ExternalID, p.Squash)
		})
	case models.BulkTypePublish:
		return e.publish(&cs, p.Draft)
	case models.BulkTypeReenqueue:
		return reconciler.Enqueue(e.db, cs.ID)
	case models.BulkTypeDetach:
		return e.detach(&cs)
	default:
		return fmt.Errorf("%w: unknown type %q", errTerminal, job.Type)
	}
}

// hostCall runs a code host write on a published changeset and stores the
// external state it returns.
func (e *Executor) hostCall(ctx context.Context, cs *models.Changeset, call func(context.Context, codehost.Client) (*codehost.Changeset, error)) error {
	if !cs.Published() || cs.ExternalID == "" {
		return fmt.Errorf("%w: changeset %d is not published", errTerminal, cs.ID)
	}
	client, err := e.hosts.Get(cs.CodeHostKind)
	if err != nil {
		return fmt.Errorf("%w: %v", errTerminal, err)
	}
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	pr, err := call(ctx, client)
	if err != nil {
		return err
	}
	if pr == nil {
		return nil
	}
	if err := e.db.Model(&models.Changeset{}).Where("id = ?", cs.ID).
		Update("external_state", pr.ExternalState).Error; err != nil {
		return fmt.Errorf("bulk: store state of changeset %d: %w", cs.ID, err)
	}
	return nil
}

// publish records the publication intent and hands the changeset to the
// reconciler.
func (e *Executor) publish(cs *models.Changeset, draft bool) error {
	if cs.CurrentSpec != nil && cs.CurrentSpec.Published != models.PublishedUnset {
		return &planner.Error{
			Invariant: planner.InvariantPublicationConflict,
			Message:   fmt.Sprintf("changeset %d has published set to %s in its spec", cs.ID, cs.CurrentSpec.Published),
		}
	}
	if cs.Imported {
		return fmt.Errorf("%w: changeset %d is imported", errTerminal, cs.ID)
	}
	state := models.UIPublicationStatePublished
	if draft {
		state = models.UIPublicationStateDraft
	}
	return e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Changeset{}).Where("id = ?", cs.ID).
			Update("ui_publication_state", state).Error; err != nil {
			return fmt.Errorf("bulk: set publication state of %d: %w", cs.ID, err)
		}
		return reconciler.Enqueue(tx, cs.ID)
	})
}

// detach removes an archived changeset from its batch change.
func (e *Executor) detach(cs *models.Changeset) error {
	if !cs.Archived {
		return fmt.Errorf("%w: changeset %d is not archived", errTerminal, cs.ID)
	}
	planner.Unlink(cs, e.nowFunc())
	if err := e.db.Model(&models.Changeset{}).Where("id = ?", cs.ID).Updates(map[string]interface{}{
		"batch_change_id": cs.BatchChangeID,
		"detached_at":     cs.DetachedAt,
	}).Error; err != nil {
		return fmt.Errorf("bulk: detach changeset %d: %w", cs.ID, err)
	}
	return nil
}
