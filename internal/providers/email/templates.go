package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"path"
	"strings"
	"sync"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	templatesOnce sync.Once
	templates     map[string]*template.Template
	templatesErr  error
)

// Render executes the named template. Each file defines a "subject" and a
// "body" block.
func Render(name string, data interface{}) (string, string, error) {
	templatesOnce.Do(loadTemplates)
	if templatesErr != nil {
		return "", "", templatesErr
	}
	tmpl, ok := templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %q", name)
	}

	var subject, body bytes.Buffer
	if err := tmpl.ExecuteTemplate(&subject, "subject", data); err != nil {
		return "", "", fmt.Errorf("failed to execute subject: %w", err)
	}
	if err := tmpl.ExecuteTemplate(&body, "body", data); err != nil {
		return "", "", fmt.Errorf("failed to execute template: %w", err)
	}
	return strings.TrimSpace(subject.String()), body.String(), nil
}

func loadTemplates() {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		templatesErr = err
		return
	}
	templates = make(map[string]*template.Template, len(entries))
	for _, entry := range entries {
		file := path.Join("templates", entry.Name())
		tmpl, err := template.ParseFS(templateFS, file)
		if err != nil {
			templatesErr = fmt.Errorf("failed to parse template %s: %w", entry.Name(), err)
			return
		}
		templates[strings.TrimSuffix(entry.Name(), ".html")] = tmpl
	}
}
