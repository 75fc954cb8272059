// Package preview computes what applying a batch spec to a batch change
// would do: which changesets are attached, updated or detached and the
// operations the reconciler will run for each. It is the planner run
// speculatively, without side effects.
package preview

import (
	"fmt"
	"sort"

	"github.com/zulandar/batchyard/internal/codehost"
	"github.com/zulandar/batchyard/internal/models"
	"github.com/zulandar/batchyard/internal/planner"
)

// Action classifies a preview entry.
type Action string

const (
	ActionAttach Action = "ATTACH"
	ActionUpdate Action = "UPDATE"
	ActionDetach Action = "DETACH"
)

// InvariantDuplicateKey names the planning error for two specs that match
// the same changeset key.
const InvariantDuplicateKey = "duplicate-key"

// CapabilitiesFunc returns the capabilities of a code host kind.
type CapabilitiesFunc func(codeHostKind string) planner.Capabilities

// RegistryCapabilities reads capabilities from the registered clients.
// Unregistered kinds report no capabilities.
func RegistryCapabilities(reg *codehost.Registry) CapabilitiesFunc {
	return func(kind string) planner.Capabilities {
		c, err := reg.Get(kind)
		if err != nil {
			return planner.Capabilities{}
		}
		return planner.Capabilities{SupportsDrafts: c.SupportsDrafts()}
	}
}

// Entry is one row of a preview.
type Entry struct {
	Action Action
	// Spec is the matched changeset spec; nil for detach entries.
	Spec *models.ChangesetSpec
	// Existing is the changeset as stored; nil for attach entries.
	Existing *models.Changeset
	// Next is the changeset as it will be stored when the spec is applied.
	Next  *models.Changeset
	Delta planner.Delta
	Ops   []planner.Operation
	// Err is set when the entry cannot be planned; applying it would fail
	// the changeset.
	Err error
}

// Stats aggregates a preview.
type Stats struct {
	Attach int
	Update int
	Detach int
	Errors int
	Ops    map[planner.Operation]int
}

// Result is a complete preview.
type Result struct {
	Entries []Entry
	Stats   Stats
}

// Key is the match key of a changeset or spec: (repo, external ID) for
// imports, (repo, head ref) otherwise.
type Key struct {
	Repo       string
	ExternalID string
	HeadRef    string
}

// SpecKey returns the match key of spec.
func SpecKey(spec *models.ChangesetSpec) Key {
	if spec.Type == models.ChangesetSpecTypeExisting {
		return Key{Repo: spec.Repo, ExternalID: spec.ExternalID}
	}
	return Key{Repo: spec.Repo, HeadRef: spec.HeadRef}
}

// ChangesetKey returns the match key of cs.
func ChangesetKey(cs *models.Changeset) Key {
	if cs.Imported {
		return Key{Repo: cs.Repo, ExternalID: cs.ExternalID}
	}
	return Key{Repo: cs.Repo, HeadRef: cs.HeadRef}
}

// Compute matches specs against the changesets of batch change
// batchChangeID and plans each match. Detached changesets are ignored;
// archived ones can be matched again, which plans REATTACH. Compute is pure.
func Compute(batchChangeID uint, specs []models.ChangesetSpec, changesets []models.Changeset, caps CapabilitiesFunc) *Result {
	if caps == nil {
		caps = func(string) planner.Capabilities { return planner.Capabilities{} }
	}

	byKey := make(map[Key]*models.Changeset, len(changesets))
	for i := range changesets {
		cs := &changesets[i]
		if cs.DetachedAt != nil {
			continue
		}
		byKey[ChangesetKey(cs)] = cs
	}

	res := &Result{Stats: Stats{Ops: make(map[planner.Operation]int)}}
	matched := make(map[uint]bool)
	seen := make(map[Key]bool, len(specs))

	for i := range specs {
		spec := &specs[i]
		key := SpecKey(spec)
		if seen[key] {
			res.add(Entry{
				Action: ActionAttach,
				Spec:   spec,
				Err: &planner.Error{
					Invariant: InvariantDuplicateKey,
					Message:   fmt.Sprintf("spec %d targets %s %s%s already claimed by another spec", spec.ID, key.Repo, key.HeadRef, key.ExternalID),
				},
			})
			continue
		}
		seen[key] = true

		existing, ok := byKey[key]
		if !ok {
			next := planner.NewChangeset(spec, batchChangeID)
			res.add(plan(Entry{Action: ActionAttach, Spec: spec, Next: next}, caps))
			continue
		}
		matched[existing.ID] = true
		next := *existing
		planner.Attach(&next, spec, batchChangeID)
		next.CurrentSpec = spec
		res.add(plan(Entry{Action: ActionUpdate, Spec: spec, Existing: existing, Next: &next}, caps))
	}

	var detach []*models.Changeset
	for _, cs := range byKey {
		if !matched[cs.ID] && !cs.Archived {
			detach = append(detach, cs)
		}
	}
	sort.Slice(detach, func(i, j int) bool { return detach[i].ID < detach[j].ID })
	for _, cs := range detach {
		next := *cs
		planner.Detach(&next)
		next.CurrentSpec = nil
		res.add(plan(Entry{Action: ActionDetach, Existing: cs, Next: &next}, caps))
	}
	return res
}

func plan(e Entry, caps CapabilitiesFunc) Entry {
	kind := e.Next.CodeHostKind
	p, err := planner.BuildPlan(e.Spec, e.Next, caps(kind))
	if err != nil {
		e.Err = err
		return e
	}
	e.Delta = p.Delta
	e.Ops = p.Ops
	return e
}

func (r *Result) add(e Entry) {
	r.Entries = append(r.Entries, e)
	switch e.Action {
	case ActionAttach:
		r.Stats.Attach++
	case ActionUpdate:
		r.Stats.Update++
	case ActionDetach:
		r.Stats.Detach++
	}
	if e.Err != nil {
		r.Stats.Errors++
	}
	for _, op := range e.Ops {
		r.Stats.Ops[op]++
	}
}

// WillPublish reports whether applying e publishes a changeset that is not
// yet on the code host.
func (e *Entry) WillPublish() bool {
	if e.Next == nil || e.Next.Published() {
		return false
	}
	for _, op := range e.Ops {
		if op == planner.OpPublish || op == planner.OpPublishDraft {
			return true
		}
	}
	return false
}
