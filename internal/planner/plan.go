package planner

import (
	"fmt"
	"strings"

	"github.com/zulandar/batchyard/internal/models"
)

// Operation is one step of a reconciliation plan.
type Operation string

const (
	OpPush         Operation = "PUSH"
	OpUpdate       Operation = "UPDATE"
	OpUndraft      Operation = "UNDRAFT"
	OpPublish      Operation = "PUBLISH"
	OpPublishDraft Operation = "PUBLISH_DRAFT"
	OpSync         Operation = "SYNC"
	OpImport       Operation = "IMPORT"
	OpClose        Operation = "CLOSE"
	OpReopen       Operation = "REOPEN"
	OpSleep        Operation = "SLEEP"
	OpDetach       Operation = "DETACH"
	OpArchive      Operation = "ARCHIVE"
	OpReattach     Operation = "REATTACH"
)

// AllOperations lists every operation in a stable display order.
var AllOperations = []Operation{
	OpPush, OpUpdate, OpUndraft, OpPublish, OpPublishDraft, OpSync, OpImport,
	OpClose, OpReopen, OpSleep, OpDetach, OpArchive, OpReattach,
}

// HostWrite reports whether op is a code host API call that mutates the
// pull request. Consecutive host writes are separated by SLEEP.
func (op Operation) HostWrite() bool {
	switch op {
	case OpUpdate, OpUndraft, OpReopen, OpClose:
		return true
	}
	return false
}

// Planning error invariants.
const (
	InvariantPublicationConflict = "publication-conflict"
	InvariantOriginMismatch      = "origin-mismatch"
	InvariantUnknownSpecType     = "unknown-spec-type"
	InvariantMissingSpec         = "missing-spec"
)

// Error is a planning failure: the spec and changeset cannot be reconciled
// without guessing. It is always terminal.
type Error struct {
	Invariant string
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("planner: %s: %s", e.Invariant, e.Message)
}

// Capabilities describes what the target code host supports.
type Capabilities struct {
	SupportsDrafts bool
}

// Plan is an ordered list of operations plus the delta it was derived from.
type Plan struct {
	Ops   []Operation
	Delta Delta
}

// Has reports whether op is in the plan.
func (p *Plan) Has(op Operation) bool {
	for _, o := range p.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// String renders the plan as "[PUSH, UPDATE]".
func (p *Plan) String() string {
	parts := make([]string, len(p.Ops))
	for i, op := range p.Ops {
		parts[i] = string(op)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (p *Plan) add(ops ...Operation) {
	p.Ops = append(p.Ops, ops...)
}

// terminalExternal reports states in which the host accepts no writes.
func terminalExternal(state string) bool {
	switch state {
	case models.ExternalStateMerged, models.ExternalStateReadOnly, models.ExternalStateDeleted:
		return true
	}
	return false
}

// BuildPlan computes the delta and the plan in one call.
func BuildPlan(spec *models.ChangesetSpec, cs *models.Changeset, caps Capabilities) (*Plan, error) {
	return Compute(spec, cs, ComputeDelta(spec, cs), caps)
}

// Compute returns the ordered operations that move cs toward spec. A nil
// spec means cs should leave its batch change. Compute is pure: the same
// inputs always produce the same plan.
func Compute(spec *models.ChangesetSpec, cs *models.Changeset, delta Delta, caps Capabilities) (*Plan, error) {
	p := &Plan{Delta: delta}

	if spec == nil {
		switch {
		case cs.Archived, cs.DetachedAt != nil:
		case cs.Published():
			p.add(OpArchive)
		default:
			p.add(OpDetach)
		}
		return p, nil
	}

	desc, err := Describe(spec)
	if err != nil {
		return nil, err
	}

	if cs.Archived {
		p.add(OpReattach)
	}

	switch d := desc.(type) {
	case ExistingChangesetReference:
		if !cs.Imported {
			return nil, &Error{
				Invariant: InvariantOriginMismatch,
				Message:   fmt.Sprintf("spec imports %s#%s but changeset %d was created from a branch", d.Repo, d.ExternalID, cs.ID),
			}
		}
		if cs.ExternalState == "" {
			p.add(OpImport, OpSync)
		}
		return p, nil

	case GitBranchChangesetDescription:
		if cs.Imported {
			return nil, &Error{
				Invariant: InvariantOriginMismatch,
				Message:   fmt.Sprintf("spec describes branch %s but changeset %d was imported", d.HeadRef, cs.ID),
			}
		}
		if err := planBranch(p, spec, cs, delta, caps); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, &Error{
			Invariant: InvariantUnknownSpecType,
			Message:   fmt.Sprintf("changeset spec %d has unhandled description %T", spec.ID, desc),
		}
	}
}

// Reattaching reports whether cs is coming back from archival. REATTACH
// clears Archived; ArchivedAt is kept until the reconciler completes, so a
// retry after a partial plan still reopens the pull request.
func Reattaching(cs *models.Changeset) bool {
	return cs.Archived || cs.ArchivedAt != nil
}

func planBranch(p *Plan, spec *models.ChangesetSpec, cs *models.Changeset, delta Delta, caps Capabilities) error {
	intent, err := PublicationIntent(spec, cs)
	if err != nil {
		return err
	}
	if terminalExternal(cs.ExternalState) {
		return nil
	}

	needsCommit := delta.NeedsCommit() || cs.HeadCommit == ""

	if !cs.Published() {
		publish := OpPublish
		switch intent {
		case models.PublishedTrue:
		case models.PublishedDraft:
			if !caps.SupportsDrafts {
				return nil
			}
			publish = OpPublishDraft
		default:
			return nil
		}
		// A commit pushed by an earlier attempt is not pushed again.
		if needsCommit {
			p.add(OpPush)
		}
		p.add(publish)
		return nil
	}

	if cs.Closing {
		if cs.ExternalState == models.ExternalStateOpen || cs.ExternalState == models.ExternalStateDraft {
			p.add(OpClose)
		}
		return nil
	}

	var writes []Operation
	if cs.ExternalState == models.ExternalStateClosed && Reattaching(cs) {
		writes = append(writes, OpReopen)
	}
	if delta.NeedsCommit() {
		p.add(OpPush)
		writes = append(writes, OpUpdate)
	} else if delta.NeedsUpdate() {
		writes = append(writes, OpUpdate)
	}
	if delta.Undraft {
		writes = append(writes, OpUndraft)
	}
	for i, op := range writes {
		if i > 0 {
			p.add(OpSleep)
		}
		p.add(op)
	}
	return nil
}
