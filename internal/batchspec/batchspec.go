// Package batchspec parses and validates the YAML batch spec format.
package batchspec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Parse.
var ErrInvalid = errors.New("batchspec: invalid batch spec")

// Spec is a parsed batch spec.
type Spec struct {
	Name              string             `yaml:"name"`
	Description       string             `yaml:"description"`
	On                []On               `yaml:"on"`
	Workspaces        []Workspace        `yaml:"workspaces"`
	Steps             []Step             `yaml:"steps"`
	ImportChangesets  []ImportChangesets `yaml:"importChangesets"`
	ChangesetTemplate *ChangesetTemplate `yaml:"changesetTemplate"`
}

// On selects repositories, either one by name or all matching a search query.
type On struct {
	RepositoriesMatchingQuery string   `yaml:"repositoriesMatchingQuery"`
	Repository                string   `yaml:"repository"`
	Branch                    string   `yaml:"branch"`
	Branches                  []string `yaml:"branches"`
}

// Workspace splits matching repositories into one workspace per directory
// containing RootAtLocationOf.
type Workspace struct {
	RootAtLocationOf   string `yaml:"rootAtLocationOf"`
	In                 string `yaml:"in"`
	OnlyFetchWorkspace bool   `yaml:"onlyFetchWorkspace"`
}

// Step is one command run in a workspace.
type Step struct {
	Run       string            `yaml:"run"`
	Container string            `yaml:"container"`
	Env       map[string]string `yaml:"env"`
	If        string            `yaml:"if"`
}

// ImportChangesets references pull requests that already exist.
type ImportChangesets struct {
	Repository  string      `yaml:"repository"`
	ExternalIDs ExternalIDs `yaml:"externalIDs"`
}

// ExternalIDs accepts both numbers and strings.
type ExternalIDs []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *ExternalIDs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: externalIDs must be a list", value.Line)
	}
	out := make([]string, 0, len(value.Content))
	for _, n := range value.Content {
		if n.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: external ID must be a scalar", n.Line)
		}
		out = append(out, n.Value)
	}
	*e = out
	return nil
}

// ChangesetTemplate describes the changeset each workspace diff becomes.
type ChangesetTemplate struct {
	Title     string    `yaml:"title"`
	Body      string    `yaml:"body"`
	Branch    string    `yaml:"branch"`
	Commit    Commit    `yaml:"commit"`
	Published Published `yaml:"published"`
}

// Commit is the commit created from a workspace diff.
type Commit struct {
	Message string  `yaml:"message"`
	Author  *Author `yaml:"author"`
}

// Author overrides the commit author.
type Author struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

var nameRe = regexp.MustCompile(`^[\w.-]+$`)

// Parse decodes and validates a raw batch spec. All validation failures are
// reported together.
func Parse(raw []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("batchspec: parse: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) validate() error {
	var errs []string

	switch {
	case s.Name == "":
		errs = append(errs, "name is required")
	case !nameRe.MatchString(s.Name):
		errs = append(errs, fmt.Sprintf("name %q may only contain letters, digits, '_', '.' and '-'", s.Name))
	}

	if len(s.On) == 0 && len(s.ImportChangesets) == 0 {
		errs = append(errs, "at least one of on or importChangesets is required")
	}
	for i, on := range s.On {
		switch {
		case on.RepositoriesMatchingQuery == "" && on.Repository == "":
			errs = append(errs, fmt.Sprintf("on[%d] needs repository or repositoriesMatchingQuery", i))
		case on.RepositoriesMatchingQuery != "" && on.Repository != "":
			errs = append(errs, fmt.Sprintf("on[%d] may set only one of repository and repositoriesMatchingQuery", i))
		}
		if on.Branch != "" && len(on.Branches) > 0 {
			errs = append(errs, fmt.Sprintf("on[%d] may set only one of branch and branches", i))
		}
		if on.Repository == "" && (on.Branch != "" || len(on.Branches) > 0) {
			errs = append(errs, fmt.Sprintf("on[%d].branch requires repository", i))
		}
	}

	for i, ws := range s.Workspaces {
		if ws.RootAtLocationOf == "" {
			errs = append(errs, fmt.Sprintf("workspaces[%d].rootAtLocationOf is required", i))
		}
	}

	for i, st := range s.Steps {
		if strings.TrimSpace(st.Run) == "" {
			errs = append(errs, fmt.Sprintf("steps[%d].run is required", i))
		}
		if st.Container == "" {
			errs = append(errs, fmt.Sprintf("steps[%d].container is required", i))
		}
		if st.If != "" {
			if _, err := CompileCondition(st.If); err != nil {
				errs = append(errs, fmt.Sprintf("steps[%d].if: %v", i, err))
			}
		}
	}

	for i, imp := range s.ImportChangesets {
		if imp.Repository == "" {
			errs = append(errs, fmt.Sprintf("importChangesets[%d].repository is required", i))
		}
		if len(imp.ExternalIDs) == 0 {
			errs = append(errs, fmt.Sprintf("importChangesets[%d].externalIDs must not be empty", i))
		}
	}

	if len(s.Steps) > 0 && s.ChangesetTemplate == nil {
		errs = append(errs, "changesetTemplate is required when steps are given")
	}
	if t := s.ChangesetTemplate; t != nil {
		if t.Title == "" {
			errs = append(errs, "changesetTemplate.title is required")
		}
		if t.Branch == "" {
			errs = append(errs, "changesetTemplate.branch is required")
		}
		if t.Commit.Message == "" {
			errs = append(errs, "changesetTemplate.commit.message is required")
		}
		if a := t.Commit.Author; a != nil && (a.Name == "" || a.Email == "") {
			errs = append(errs, "changesetTemplate.commit.author needs name and email")
		}
		for _, f := range []struct{ field, text string }{
			{"title", t.Title}, {"body", t.Body}, {"branch", t.Branch}, {"commit.message", t.Commit.Message},
		} {
			if _, err := compileText(f.text); err != nil {
				errs = append(errs, fmt.Sprintf("changesetTemplate.%s: %v", f.field, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}
