// Package templates holds the text templates the report builder renders
// executive summary headlines from. Compiled-in defaults cover every report
// category; operators may override a category at runtime.
package templates

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// DefaultName is the fallback template used when a category has no override.
const DefaultName = "default"

// HeadlineData is the context a summary template renders with.
type HeadlineData struct {
	Category    string
	Tenant      string
	Facility    string
	RecordCount int
	WindowHours float64
	Health      string
}

var defaults = map[string]string{
	DefaultName: `{{if eq .RecordCount 0}}No {{.Category}} records for {{.Tenant}} in the reporting window.{{else}}` +
		`{{.Category}} report for {{.Tenant}}{{if .Facility}}/{{.Facility}}{{end}}: ` +
		`{{.RecordCount}} records over {{printf "%.0f" .WindowHours}}h, health {{.Health}}.{{end}}`,
	"operations": `{{if eq .RecordCount 0}}No operational activity for {{.Tenant}} in the reporting window.{{else}}` +
		`Operations for {{.Tenant}}{{if .Facility}}/{{.Facility}}{{end}}: ` +
		`{{.RecordCount}} task-relevant records over {{printf "%.0f" .WindowHours}}h, health {{.Health}}.{{end}}`,
	"contamination": `{{if eq .RecordCount 0}}No contamination detections for {{.Tenant}} in the reporting window.{{else}}` +
		`Contamination watch for {{.Tenant}}{{if .Facility}}/{{.Facility}}{{end}}: ` +
		`{{.RecordCount}} detections over {{printf "%.0f" .WindowHours}}h, health {{.Health}}.{{end}}`,
	"harvest": `{{if eq .RecordCount 0}}No harvest records for {{.Tenant}} in the reporting window.{{else}}` +
		`Harvest ledger for {{.Tenant}}{{if .Facility}}/{{.Facility}}{{end}}: ` +
		`{{.RecordCount}} flush records over {{printf "%.0f" .WindowHours}}h, health {{.Health}}.{{end}}`,
	"environment": `{{if eq .RecordCount 0}}No environment events for {{.Tenant}} in the reporting window.{{else}}` +
		`Environment for {{.Tenant}}{{if .Facility}}/{{.Facility}}{{end}}: ` +
		`{{.RecordCount}} alerts and drift events over {{printf "%.0f" .WindowHours}}h, health {{.Health}}.{{end}}`,
	"compliance": `{{if eq .RecordCount 0}}No compliance findings for {{.Tenant}} in the reporting window.{{else}}` +
		`Compliance for {{.Tenant}}{{if .Facility}}/{{.Facility}}{{end}}: ` +
		`{{.RecordCount}} findings over {{printf "%.0f" .WindowHours}}h, health {{.Health}}.{{end}}`,
}

// Store manages parsed summary templates.
type Store struct {
	mu   sync.RWMutex
	tmpl map[string]*template.Template
}

// NewStore creates a template store pre-populated with the compiled-in
// category defaults.
func NewStore() *Store {
	s := &Store{tmpl: make(map[string]*template.Template, len(defaults))}
	for name, text := range defaults {
		// Defaults are static and must parse.
		s.tmpl[name] = template.Must(template.New(name).Parse(text))
	}
	return s
}

// Register parses and stores a template override for a category.
func (s *Store) Register(name, text string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("template name required")
	}
	parsed, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tmpl[name] = parsed
	return nil
}

// Render executes the named template, falling back to the default template
// when the name has no registration.
func (s *Store) Render(name string, data HeadlineData) (string, error) {
	s.mu.RLock()
	parsed, ok := s.tmpl[name]
	if !ok {
		parsed = s.tmpl[DefaultName]
	}
	s.mu.RUnlock()
	if parsed == nil {
		return "", fmt.Errorf("no template for %s", name)
	}
	var buf strings.Builder
	if err := parsed.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// List returns the registered template names sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tmpl))
	for name := range s.tmpl {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
