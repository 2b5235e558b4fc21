package merge

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"

	"github.com/cbroglie/mustache"
)

// ErrUnsupportedDialect is returned when an unrecognized rendering dialect
// is requested. This is a caller configuration error surfaced as a server
// fault, not a per-context render failure.
var ErrUnsupportedDialect = errors.New("unsupported template dialect")

// Rendering dialects. Mustache is the default: merge templates address
// context variables as {{name}}.
const (
	DialectMustache   = "mustache"
	DialectGoTemplate = "gotemplate"
)

// Renderer substitutes context variables into a template string.
type Renderer interface {
	Render(tmpl string, context map[string]any) (string, error)
}

// ForDialect returns the Renderer for the given dialect. An empty dialect
// selects mustache.
func ForDialect(dialect string) (Renderer, error) {
	switch dialect {
	case "", DialectMustache:
		return mustacheRenderer{}, nil
	case DialectGoTemplate:
		return goTemplateRenderer{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}
}

type mustacheRenderer struct{}

func (mustacheRenderer) Render(tmpl string, context map[string]any) (string, error) {
	out, err := mustache.Render(tmpl, context)
	if err != nil {
		return "", fmt.Errorf("render mustache template: %w", err)
	}
	return out, nil
}

type goTemplateRenderer struct{}

func (goTemplateRenderer) Render(tmpl string, context map[string]any) (string, error) {
	t, err := template.New("merge").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, context); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}
