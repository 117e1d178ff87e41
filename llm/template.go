package llm

import (
	"fmt"
	"strings"
	"text/template"
)

// TemplateSet renders named prompt templates deterministically. Templates are
// registered once at startup; rendering a missing name is an error, never a
// panic.
type TemplateSet struct {
	root *template.Template
}

// NewTemplateSet creates an empty set.
func NewTemplateSet() *TemplateSet {
	return &TemplateSet{root: template.New("prompts")}
}

// Register parses and adds a named template. Registration errors are
// programmer errors and surface immediately.
func (s *TemplateSet) Register(name, body string) error {
	if name == "" {
		return fmt.Errorf("template name is required")
	}
	if _, err := s.root.New(name).Parse(body); err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	return nil
}

// MustRegister is Register for static template literals.
func (s *TemplateSet) MustRegister(name, body string) {
	if err := s.Register(name, body); err != nil {
		panic(err)
	}
}

// Render executes a named template with the given variables.
func (s *TemplateSet) Render(name string, vars any) (string, error) {
	t := s.root.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("unknown template %q", name)
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return b.String(), nil
}

// Names lists the registered template names.
func (s *TemplateSet) Names() []string {
	var names []string
	for _, t := range s.root.Templates() {
		if t.Name() != s.root.Name() {
			names = append(names, t.Name())
		}
	}
	return names
}
