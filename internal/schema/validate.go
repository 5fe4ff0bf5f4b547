package schema

import (
	"github.com/santhosh-tekuri/jsonschema/v6"

	runerrors "schemarun/internal/errors"
)

// Validator checks parsed response documents against the user schema.
type Validator struct {
	compiled *jsonschema.Schema
}

// NewValidator compiles a schema document.
func NewValidator(root map[string]any) (*Validator, error) {
	c := jsonschema.NewCompiler()
	var doc any = root
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, runerrors.Wrap(runerrors.KindSchemaInvalid, err, "cannot register schema")
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, runerrors.Wrap(runerrors.KindSchemaInvalid, err, "schema does not compile").
			WithHint("Run the schema through a JSON Schema linter; the compiler rejected it before any request was made.")
	}
	return &Validator{compiled: compiled}, nil
}

// Validate reports whether doc satisfies the schema. A mismatch means the
// model returned a document the strict format should have prevented, so it
// surfaces as an API-side failure rather than a local validation error.
func (v *Validator) Validate(doc any) error {
	if err := v.compiled.Validate(doc); err != nil {
		return runerrors.Wrap(runerrors.KindAPI, err, "response does not satisfy the schema").
			WithHint("Re-run with --debug to capture the raw response; the model produced output outside the requested format.")
	}
	return nil
}
