// Package render assembles the template context and renders the prompt
// body. The heavyweight Jinja-style evaluator is an external collaborator;
// the built-in renderer uses text/template so the binary works end to end on
// its own.
package render

import (
	"bytes"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"

	runerrors "schemarun/internal/errors"
)

// Renderer turns a template source plus a context into the prompt body.
type Renderer interface {
	Render(name, source string, ctx map[string]any) (string, error)
}

// NewGoRenderer returns the built-in text/template renderer. Unknown
// variable access fails at render time instead of silently producing
// "<no value>".
func NewGoRenderer() Renderer { return goRenderer{} }

type goRenderer struct{}

func (goRenderer) Render(name, source string, ctx map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(source)
	if err != nil {
		return "", runerrors.Wrapf(runerrors.KindUsage, err, "template %s does not parse", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", runerrors.Wrapf(runerrors.KindUsage, err, "template %s failed to render", name).
			WithHint("Available variables: %s", strings.Join(contextKeys(ctx), ", "))
	}
	return buf.String(), nil
}

func contextKeys(ctx map[string]any) []string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stdinVar reads standard input the first time the template prints it, so
// runs that never reference stdin never block on it.
type stdinVar struct {
	r    io.Reader
	once sync.Once
	text string
}

func (s *stdinVar) String() string {
	s.once.Do(func() {
		r := s.r
		if r == nil {
			r = os.Stdin
		}
		if data, err := io.ReadAll(r); err == nil {
			s.text = string(data)
		}
	})
	return s.text
}
