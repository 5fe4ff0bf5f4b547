// Package schema prepares user-supplied JSON Schemas for strict structured
// output: envelope unwrapping, the strict-mode transform, vendor structural
// limits, and response validation.
package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	runerrors "schemarun/internal/errors"
)

// Schema is a processed, strict-mode-ready schema.
type Schema struct {
	// Name is the identifier sent alongside the schema in the response
	// format. Derived from the source filename unless overridden.
	Name string
	// Root is the strictified schema document.
	Root map[string]any

	validator *Validator
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Load reads and processes a schema file. The document may be a bare schema
// object or wrapped as {"schema": {...}}. Callers are expected to have
// gate-checked the path already.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, runerrors.Wrapf(runerrors.KindNotFound, err, "cannot read schema file %s", path)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, runerrors.Wrapf(runerrors.KindSchemaInvalid, err, "schema file %s is not valid JSON", path).
			WithHint("Check for trailing commas or unquoted keys; the file must be plain JSON, not JSON5 or YAML.")
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, runerrors.Newf(runerrors.KindSchemaInvalid, "schema file %s must contain a JSON object", path)
	}

	root = unwrapEnvelope(root)
	s, err := FromMap(deriveName(path), root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FromMap processes an in-memory schema document (inline schemas, tests).
func FromMap(name string, root map[string]any) (*Schema, error) {
	strict, err := Strictify(root)
	if err != nil {
		return nil, err
	}
	if err := CheckLimits(strict); err != nil {
		return nil, err
	}
	if name == "" {
		name = "response"
	}
	return &Schema{Name: name, Root: strict}, nil
}

// ResponseFormat returns the text.format payload for a strict structured
// request.
func (s *Schema) ResponseFormat() map[string]any {
	return map[string]any{
		"type":   "json_schema",
		"name":   s.Name,
		"schema": s.Root,
		"strict": true,
	}
}

// Validator compiles the schema once and reuses the result.
func (s *Schema) Validator() (*Validator, error) {
	if s.validator != nil {
		return s.validator, nil
	}
	v, err := NewValidator(s.Root)
	if err != nil {
		return nil, err
	}
	s.validator = v
	return v, nil
}

// unwrapEnvelope peels a {"schema": {...}} wrapper. A bare schema carries
// "type" at the top level, so the wrapper is only recognized when "type" is
// absent and "schema" holds an object.
func unwrapEnvelope(root map[string]any) map[string]any {
	if _, hasType := root["type"]; hasType {
		return root
	}
	if inner, ok := root["schema"].(map[string]any); ok {
		return inner
	}
	return root
}

// deriveName turns a schema filename into a format name the vendor accepts
// ([a-zA-Z0-9_-], at most 64 chars).
func deriveName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = nameSanitizer.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")
	if base == "" {
		return "response"
	}
	if len(base) > 64 {
		base = base[:64]
	}
	return base
}
