// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package render turns a template id and flat template data into the subject
// and body of an outgoing email. Templates come from a YAML catalog; a default
// catalog is embedded in the binary.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htemplate "html/template"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	ttemplate "text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v2"
)

const (
	ContentTypeHTML  = "text/html"
	ContentTypePlain = "text/plain"

	defaultCatalogFile = "catalog.yaml"
)

var (
	// ErrTemplateNotFound is returned when no template is registered under the requested id.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrTemplateDataMissing is returned when a placeholder has no value in the template data.
	ErrTemplateDataMissing = errors.New("template data missing")
	// ErrRender is returned for any other template execution failure.
	ErrRender = errors.New("template rendering failed")
)

//go:embed templates
var embedded embed.FS

// Template is one catalog entry.
type Template struct {
	ID          string   `yaml:"id"`
	Subject     string   `yaml:"subject"`
	Body        string   `yaml:"body"`
	BodyFile    string   `yaml:"bodyFile"`
	ContentType string   `yaml:"contentType"`
	Required    []string `yaml:"required"`
}

// Catalog is the on-disk template catalog format.
type Catalog struct {
	Templates []Template `yaml:"templates"`
}

// Message is a rendered email ready for the transport.
type Message struct {
	Subject     string
	Body        string
	ContentType string
}

type executor interface {
	Execute(w io.Writer, data any) error
}

type compiled struct {
	subject     *ttemplate.Template
	body        executor
	contentType string
	required    []string
}

// Renderer renders registered templates. It is immutable after construction
// and may be shared by any number of goroutines.
type Renderer struct {
	templates map[string]*compiled
}

// New compiles the given templates. Template ids must be unique.
func New(templates []Template) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*compiled, len(templates))}
	for _, t := range templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template without id")
		}
		if _, dup := r.templates[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q", t.ID)
		}
		c, err := compile(t)
		if err != nil {
			return nil, fmt.Errorf("template %q: %w", t.ID, err)
		}
		r.templates[t.ID] = c
	}
	return r, nil
}

// Default returns a Renderer for the embedded catalog.
func Default() (*Renderer, error) {
	templates, err := LoadCatalog(embedded, path.Join("templates", defaultCatalogFile))
	if err != nil {
		return nil, err
	}
	return New(templates)
}

// FromDir returns a Renderer for the catalog.yaml found in dir.
func FromDir(dir string) (*Renderer, error) {
	templates, err := LoadCatalog(os.DirFS(dir), defaultCatalogFile)
	if err != nil {
		return nil, err
	}
	return New(templates)
}

// LoadCatalog reads a YAML catalog from fsys. Body files are resolved
// relative to the catalog file.
func LoadCatalog(fsys fs.FS, name string) ([]Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("reading template catalog %s: %w", name, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return nil, fmt.Errorf("parsing template catalog %s: %w", name, err)
	}

	dir := path.Dir(name)
	for i := range catalog.Templates {
		t := &catalog.Templates[i]
		if t.BodyFile == "" {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, t.BodyFile))
		if err != nil {
			return nil, fmt.Errorf("template %q: reading body file: %w", t.ID, err)
		}
		t.Body = string(body)
	}
	return catalog.Templates, nil
}

// Render renders the template registered under id with data.
func (r *Renderer) Render(id string, data map[string]any) (Message, error) {
	c, ok := r.templates[id]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, id)
	}
	if data == nil {
		data = map[string]any{}
	}

	for _, key := range c.required {
		if v, ok := data[key]; !ok || v == nil {
			return Message{}, fmt.Errorf("%w: template %q requires %q", ErrTemplateDataMissing, id, key)
		}
	}

	subject, err := execute(c.subject, data)
	if err != nil {
		return Message{}, classify(id, err)
	}
	body, err := execute(c.body, data)
	if err != nil {
		return Message{}, classify(id, err)
	}

	return Message{
		Subject:     sanitizeHeader(subject),
		Body:        body,
		ContentType: c.contentType,
	}, nil
}

// IDs returns the registered template ids in sorted order.
func (r *Renderer) IDs() []string {
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func compile(t Template) (*compiled, error) {
	if strings.TrimSpace(t.Subject) == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(t.Body) == "" {
		return nil, fmt.Errorf("body is required")
	}

	subject, err := ttemplate.New(t.ID + ".subject").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(t.Subject)
	if err != nil {
		return nil, fmt.Errorf("parsing subject: %w", err)
	}

	c := &compiled{subject: subject, required: t.Required}

	switch ct := strings.ToLower(strings.TrimSpace(t.ContentType)); ct {
	case "", ContentTypeHTML:
		body, err := htemplate.New(t.ID).
			Funcs(sprig.HtmlFuncMap()).
			Option("missingkey=error").
			Parse(t.Body)
		if err != nil {
			return nil, fmt.Errorf("parsing body: %w", err)
		}
		c.body = body
		c.contentType = ContentTypeHTML
	case ContentTypePlain:
		body, err := ttemplate.New(t.ID).
			Funcs(sprig.TxtFuncMap()).
			Option("missingkey=error").
			Parse(t.Body)
		if err != nil {
			return nil, fmt.Errorf("parsing body: %w", err)
		}
		c.body = body
		c.contentType = ContentTypePlain
	default:
		return nil, fmt.Errorf("unsupported content type %q", t.ContentType)
	}
	return c, nil
}

func execute(t executor, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func classify(id string, err error) error {
	if strings.Contains(err.Error(), "map has no entry for key") {
		return fmt.Errorf("%w: template %q: %v", ErrTemplateDataMissing, id, err)
	}
	return fmt.Errorf("%w: template %q: %v", ErrRender, id, err)
}

// sanitizeHeader collapses line breaks so a rendered subject cannot inject headers.
func sanitizeHeader(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
	return strings.TrimSpace(s)
}
