// Package templates renders the text templates the gateway writes into
// responses, with sprig helpers available.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles inline and sandboxed file templates.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template. Templates are safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// helpers that reach the process environment or the filesystem.
var restricted = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// NewRenderer builds a renderer. A nil sandbox disables file templates.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restricted {
		delete(funcs, name)
	}
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// Sandbox exposes the renderer's sandbox.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source. A blank source yields a nil template and no
// error so optional settings can be passed straight through.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads path through the sandbox and compiles it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	contents, err := r.sandbox.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return r.CompileInline(filepath.Base(path), string(contents))
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name is the logical template name, used in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
