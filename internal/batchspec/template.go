package batchspec

import (
	"fmt"
	"path"
	"strings"
	"text/template"
)

// Repository is the repository a template is rendered for.
type Repository struct {
	Name   string
	Branch string
}

// TemplateData is the data available to step conditions and changeset
// template fields, e.g. {{ .Repository.Name }} or {{ .Path }}.
type TemplateData struct {
	Repository Repository
	Path       string
	BatchSpec  string
}

var funcs = template.FuncMap{
	// matches reports whether s matches the glob pattern.
	"matches": func(s, pattern string) bool {
		ok, _ := path.Match(pattern, s)
		return ok
	},
}

func compileText(text string) (*template.Template, error) {
	return template.New("").Funcs(funcs).Option("missingkey=error").Parse(text)
}

// Render expands text against data.
func Render(text string, data TemplateData) (string, error) {
	t, err := compileText(text)
	if err != nil {
		return "", fmt.Errorf("batchspec: template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("batchspec: render: %w", err)
	}
	return b.String(), nil
}

// Condition is a compiled step `if:` expression. A bare expression such as
// `matches .Repository.Name "acme/*"` is wrapped in {{ }}.
type Condition struct {
	tmpl *template.Template
}

// CompileCondition parses expr.
func CompileCondition(expr string) (*Condition, error) {
	text := strings.TrimSpace(expr)
	if !strings.Contains(text, "{{") {
		text = "{{ " + text + " }}"
	}
	t, err := compileText(text)
	if err != nil {
		return nil, err
	}
	return &Condition{tmpl: t}, nil
}

// Eval renders the condition and reports whether it produced "true".
func (c *Condition) Eval(data TemplateData) (bool, error) {
	var b strings.Builder
	if err := c.tmpl.Execute(&b, data); err != nil {
		return false, fmt.Errorf("batchspec: evaluate condition: %w", err)
	}
	return strings.TrimSpace(b.String()) == "true", nil
}

// StepsFor returns the steps whose condition holds for data, in order.
// Steps without a condition always run.
func (s *Spec) StepsFor(data TemplateData) ([]Step, error) {
	var out []Step
	for i, st := range s.Steps {
		if st.If == "" {
			out = append(out, st)
			continue
		}
		c, err := CompileCondition(st.If)
		if err != nil {
			return nil, fmt.Errorf("batchspec: steps[%d].if: %w", i, err)
		}
		ok, err := c.Eval(data)
		if err != nil {
			return nil, fmt.Errorf("batchspec: steps[%d].if: %w", i, err)
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}
