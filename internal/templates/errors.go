package templates

import (
	"fmt"
	"strings"
)

const (
	// DefaultCDSBody renders the Consumer Data Standards error envelope.
	DefaultCDSBody = `{"errors":[{"code":{{ .response.Code | toJson }},"title":{{ .response.Title | toJson }},"detail":{{ .response.Detail | toJson }},"meta":{}}]}`
	// DefaultOAuthBody renders an RFC 6749 error response.
	DefaultOAuthBody = `{"error":{{ .response.Code | toJson }},"error_description":{{ .response.Detail | toJson }}}`
)

// ErrorBodyFiles names optional template files, relative to the sandbox, that
// replace the default error bodies.
type ErrorBodyFiles struct {
	CDS   string
	OAuth string
}

// ErrorBodies renders rejection bodies by envelope name.
type ErrorBodies struct {
	byEnvelope map[string]*Template
}

// NewErrorBodies compiles the defaults and any file overrides.
func NewErrorBodies(r *Renderer, files ErrorBodyFiles) (*ErrorBodies, error) {
	sources := []struct {
		envelope, inline, file string
	}{
		{"cds", DefaultCDSBody, files.CDS},
		{"oauth", DefaultOAuthBody, files.OAuth},
	}
	out := &ErrorBodies{byEnvelope: make(map[string]*Template, len(sources))}
	for _, src := range sources {
		var (
			tmpl *Template
			err  error
		)
		if strings.TrimSpace(src.file) != "" {
			tmpl, err = r.CompileFile(src.file)
		} else {
			tmpl, err = r.CompileInline(src.envelope+"-error", src.inline)
		}
		if err != nil {
			return nil, fmt.Errorf("templates: %s error body: %w", src.envelope, err)
		}
		if tmpl == nil {
			return nil, fmt.Errorf("templates: %s error body is empty", src.envelope)
		}
		out.byEnvelope[src.envelope] = tmpl
	}
	return out, nil
}

// Render produces the body for envelope. Unknown envelopes fall back to cds.
func (b *ErrorBodies) Render(envelope string, data any) (string, error) {
	tmpl, ok := b.byEnvelope[envelope]
	if !ok {
		tmpl = b.byEnvelope["cds"]
	}
	return tmpl.Render(data)
}
