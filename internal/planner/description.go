// Package planner computes, without side effects, the field delta between a
// changeset spec and a changeset and the ordered operations that close it.
package planner

import (
	"fmt"

	"github.com/zulandar/batchyard/internal/models"
)

// Description is the desired state carried by a changeset spec. It is one of
// ExistingChangesetReference or GitBranchChangesetDescription.
type Description interface {
	isDescription()
	RepoName() string
}

// ExistingChangesetReference imports a pull request that already exists.
type ExistingChangesetReference struct {
	Repo       string
	ExternalID string
}

func (ExistingChangesetReference) isDescription()     {}
func (d ExistingChangesetReference) RepoName() string { return d.Repo }

// GitBranchChangesetDescription describes a changeset Batchyard owns: a
// branch holding one commit on top of BaseRev.
type GitBranchChangesetDescription struct {
	Repo          string
	BaseRef       string
	BaseRev       string
	HeadRef       string
	Title         string
	Body          string
	CommitMessage string
	AuthorName    string
	AuthorEmail   string
	Diff          string
	Published     string // models.Published*
}

func (GitBranchChangesetDescription) isDescription()     {}
func (d GitBranchChangesetDescription) RepoName() string { return d.Repo }

// Describe converts a stored spec into its variant. An unknown type is a
// planning error.
func Describe(spec *models.ChangesetSpec) (Description, error) {
	switch spec.Type {
	case models.ChangesetSpecTypeExisting:
		return ExistingChangesetReference{Repo: spec.Repo, ExternalID: spec.ExternalID}, nil
	case models.ChangesetSpecTypeBranch:
		return GitBranchChangesetDescription{
			Repo:          spec.Repo,
			BaseRef:       spec.BaseRef,
			BaseRev:       spec.BaseRev,
			HeadRef:       spec.HeadRef,
			Title:         spec.Title,
			Body:          spec.Body,
			CommitMessage: spec.CommitMessage,
			AuthorName:    spec.AuthorName,
			AuthorEmail:   spec.AuthorEmail,
			Diff:          spec.Diff,
			Published:     spec.Published,
		}, nil
	default:
		return nil, &Error{
			Invariant: InvariantUnknownSpecType,
			Message:   fmt.Sprintf("changeset spec %d has unknown type %q", spec.ID, spec.Type),
		}
	}
}

// SpecKey returns the key a spec is matched to changesets by.
func SpecKey(spec *models.ChangesetSpec) string {
	if spec.Type == models.ChangesetSpecTypeExisting {
		return matchKey(spec.Repo, spec.ExternalID, "")
	}
	return matchKey(spec.Repo, "", spec.HeadRef)
}

// ChangesetKey returns the key a changeset is matched to specs by.
func ChangesetKey(cs *models.Changeset) string {
	if cs.Imported {
		return matchKey(cs.Repo, cs.ExternalID, "")
	}
	return matchKey(cs.Repo, "", cs.HeadRef)
}

func matchKey(repo, externalID, headRef string) string {
	if externalID != "" {
		return repo + "#" + externalID
	}
	return repo + "@" + headRef
}
