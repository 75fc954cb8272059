package planner

import (
	"time"

	"github.com/zulandar/batchyard/internal/models"
)

// NewChangeset builds the changeset a spec creates when nothing matches it.
func NewChangeset(spec *models.ChangesetSpec, batchChangeID uint) *models.Changeset {
	cs := &models.Changeset{
		BatchChangeID:    batchChangeID,
		Repo:             spec.Repo,
		CodeHostKind:     spec.CodeHostKind,
		PublicationState: models.PublicationStateUnpublished,
		ReconcilerState:  models.ReconcilerStateQueued,
	}
	if spec.Type == models.ChangesetSpecTypeExisting {
		cs.Imported = true
		cs.ExternalID = spec.ExternalID
	} else {
		cs.HeadRef = spec.HeadRef
	}
	id := spec.ID
	cs.CurrentSpecID = &id
	return cs
}

// Attach makes spec the current spec of cs and queues it for
// reconciliation. An archived changeset stays archived until the reconciler
// runs REATTACH.
func Attach(cs *models.Changeset, spec *models.ChangesetSpec, batchChangeID uint) {
	if cs.CurrentSpecID == nil || *cs.CurrentSpecID != spec.ID {
		cs.PreviousSpecID = cs.CurrentSpecID
		id := spec.ID
		cs.CurrentSpecID = &id
	}
	cs.BatchChangeID = batchChangeID
	cs.DetachedAt = nil
	cs.Closing = false
	requeue(cs)
}

// Detach clears the current spec of cs; the reconciler then archives or
// detaches it.
func Detach(cs *models.Changeset) {
	if cs.CurrentSpecID != nil {
		cs.PreviousSpecID = cs.CurrentSpecID
		cs.CurrentSpecID = nil
	}
	requeue(cs)
}

// Archive marks cs archived at now. Used by the ARCHIVE operation.
func Archive(cs *models.Changeset, now time.Time) {
	cs.Archived = true
	cs.ArchivedAt = &now
}

// Unlink removes cs from its batch change. Used by the DETACH operation and
// by the detach bulk action.
func Unlink(cs *models.Changeset, now time.Time) {
	cs.BatchChangeID = 0
	cs.DetachedAt = &now
}

func requeue(cs *models.Changeset) {
	cs.ReconcilerState = models.ReconcilerStateQueued
	cs.NumFailures = 0
	cs.FailureMessage = ""
	cs.ProcessAfter = nil
	cs.RequeueRequested = false
}
