package planner

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zulandar/batchyard/internal/models"
)

// Delta records which desired fields differ from the last values synced to
// the code host. It is recomputed on every attempt and never stored.
type Delta struct {
	TitleChanged         bool
	BodyChanged          bool
	Undraft              bool
	BaseRefChanged       bool
	DiffChanged          bool
	CommitMessageChanged bool
	AuthorNameChanged    bool
	AuthorEmailChanged   bool
}

// NeedsCommit reports whether the branch must be rewritten.
func (d Delta) NeedsCommit() bool {
	return d.DiffChanged || d.CommitMessageChanged || d.AuthorNameChanged || d.AuthorEmailChanged
}

// NeedsUpdate reports whether pull request metadata must be rewritten.
func (d Delta) NeedsUpdate() bool {
	return d.TitleChanged || d.BodyChanged || d.BaseRefChanged
}

// Empty reports whether nothing differs.
func (d Delta) Empty() bool {
	return d == Delta{}
}

// DiffHash fingerprints a diff for comparison with Changeset.SyncedDiffHash.
func DiffHash(diff string) string {
	sum := sha256.Sum256([]byte(diff))
	return hex.EncodeToString(sum[:])
}

// ComputeDelta compares spec against the synced fields of cs. A nil spec or
// an existing-changeset reference has nothing to compare and yields an empty
// delta.
func ComputeDelta(spec *models.ChangesetSpec, cs *models.Changeset) Delta {
	if spec == nil || spec.Type != models.ChangesetSpecTypeBranch {
		return Delta{}
	}
	d := Delta{
		TitleChanged:         spec.Title != cs.SyncedTitle,
		BodyChanged:          spec.Body != cs.SyncedBody,
		BaseRefChanged:       spec.BaseRef != cs.SyncedBaseRef,
		DiffChanged:          DiffHash(spec.Diff) != cs.SyncedDiffHash,
		CommitMessageChanged: spec.CommitMessage != cs.SyncedCommitMessage,
		AuthorNameChanged:    spec.AuthorName != cs.SyncedAuthorName,
		AuthorEmailChanged:   spec.AuthorEmail != cs.SyncedAuthorEmail,
	}
	if cs.ExternalState == models.ExternalStateDraft {
		// A conflicting intent is reported by Plan; here it only means no undraft.
		intent, err := PublicationIntent(spec, cs)
		d.Undraft = err == nil && intent == models.PublishedTrue
	}
	return d
}

// PublicationIntent resolves whether spec wants cs published, as a draft or
// not at all. An explicit published value in the spec wins; otherwise the UI
// publication state set by the publish bulk action decides. Having both is
// a planning error.
func PublicationIntent(spec *models.ChangesetSpec, cs *models.Changeset) (string, error) {
	if spec.Published != models.PublishedUnset {
		if cs.UIPublicationState != models.UIPublicationStateUnset {
			return "", &Error{
				Invariant: InvariantPublicationConflict,
				Message: "changeset spec sets published to " + spec.Published +
					" while the changeset has UI publication state " + cs.UIPublicationState,
			}
		}
		return spec.Published, nil
	}
	switch cs.UIPublicationState {
	case models.UIPublicationStatePublished:
		return models.PublishedTrue, nil
	case models.UIPublicationStateDraft:
		return models.PublishedDraft, nil
	}
	return models.PublishedFalse, nil
}
