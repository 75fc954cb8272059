package batchspec

import (
	"fmt"
	"path"

	"github.com/zulandar/batchyard/internal/models"
	"gopkg.in/yaml.v3"
)

// Published is the changeset template's publication setting: a single
// value, or a list of per-repository glob rules where later rules win.
type Published struct {
	rules []publishRule
}

type publishRule struct {
	glob  string
	value string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Published) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		v, err := publishedValue(value)
		if err != nil {
			return err
		}
		p.rules = []publishRule{{glob: "*", value: v}}
		return nil
	case yaml.SequenceNode:
		var rules []publishRule
		for _, n := range value.Content {
			switch n.Kind {
			case yaml.ScalarNode:
				// A bare glob publishes the matching repositories.
				rules = append(rules, publishRule{glob: n.Value, value: models.PublishedTrue})
			case yaml.MappingNode:
				if len(n.Content) != 2 {
					return fmt.Errorf("line %d: published entry must map one glob to a value", n.Line)
				}
				v, err := publishedValue(n.Content[1])
				if err != nil {
					return err
				}
				rules = append(rules, publishRule{glob: n.Content[0].Value, value: v})
			default:
				return fmt.Errorf("line %d: invalid published entry", n.Line)
			}
		}
		for _, r := range rules {
			if _, err := path.Match(r.glob, ""); err != nil {
				return fmt.Errorf("line %d: published glob %q: %w", value.Line, r.glob, err)
			}
		}
		p.rules = rules
		return nil
	default:
		return fmt.Errorf("line %d: published must be a value or a list", value.Line)
	}
}

func publishedValue(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: published value must be true, false or draft", n.Line)
	}
	switch n.Value {
	case "true":
		return models.PublishedTrue, nil
	case "false":
		return models.PublishedFalse, nil
	case "draft":
		return models.PublishedDraft, nil
	}
	return "", fmt.Errorf("line %d: published value %q must be true, false or draft", n.Line, n.Value)
}

// For returns the publication value for repo, or models.PublishedUnset when
// no rule matches. Unset leaves publication to the UI.
func (p Published) For(repo string) string {
	v := models.PublishedUnset
	for _, r := range p.rules {
		if ok, _ := path.Match(r.glob, repo); ok || r.glob == "*" {
			v = r.value
		}
	}
	return v
}

// IsSet reports whether the spec says anything about publication.
func (p Published) IsSet() bool { return len(p.rules) > 0 }

// PublishedFor is a convenience for building Published values in code.
func PublishedFor(value string) Published {
	return Published{rules: []publishRule{{glob: "*", value: value}}}
}
