package schema

import (
	"sort"
	"strconv"
	"strings"

	runerrors "schemarun/internal/errors"
)

// Vendor structural limits for strict structured output.
const (
	maxNestingDepth        = 5
	maxObjectProperties    = 100
	maxEnumValues          = 500
	maxEnumTotalChars      = 7500
	enumCharCountThreshold = 250
)

// Keywords accepted on any schema node.
var commonKeywords = map[string]bool{
	"type": true, "description": true, "title": true, "default": true,
	"enum": true, "const": true, "examples": true,
	"anyOf": true, "allOf": true,
	"$ref": true, "$defs": true, "definitions": true,
	"$schema": true, "$id": true, "$comment": true,
}

// Keywords accepted per declared type, on top of commonKeywords.
var typeKeywords = map[string]map[string]bool{
	"object": {
		"properties": true, "required": true, "additionalProperties": true,
	},
	"array": {
		"items": true, "prefixItems": true, "minItems": true, "maxItems": true,
	},
	"string": {
		"minLength": true, "maxLength": true, "pattern": true, "format": true,
	},
	"number": {
		"minimum": true, "maximum": true, "exclusiveMinimum": true,
		"exclusiveMaximum": true, "multipleOf": true,
	},
	"integer": {
		"minimum": true, "maximum": true, "exclusiveMinimum": true,
		"exclusiveMaximum": true, "multipleOf": true,
	},
	"boolean": {},
	"null":    {},
}

// Keywords strict mode never accepts, with targeted remediation.
var rejectedKeywords = map[string]string{
	"oneOf":                 "Replace oneOf with anyOf; strict mode only supports anyOf unions.",
	"not":                   "Remove the not keyword; strict mode cannot express negative constraints.",
	"if":                    "Remove if/then/else; strict mode does not support conditional schemas.",
	"then":                  "Remove if/then/else; strict mode does not support conditional schemas.",
	"else":                  "Remove if/then/else; strict mode does not support conditional schemas.",
	"patternProperties":     "List every property explicitly under properties; patternProperties is not supported.",
	"propertyNames":         "Remove propertyNames; strict mode does not support it.",
	"unevaluatedProperties": "Remove unevaluatedProperties; strict mode relies on additionalProperties:false.",
	"unevaluatedItems":      "Remove unevaluatedItems; strict mode does not support it.",
	"dependentRequired":     "Remove dependentRequired; make the fields unconditionally required instead.",
	"dependentSchemas":      "Remove dependentSchemas; strict mode does not support conditional schemas.",
}

// Subschema containers strictification and the limits walk recurse through.
var schemaMapKeywords = []string{"properties", "$defs", "definitions"}
var schemaListKeywords = []string{"anyOf", "allOf", "oneOf", "prefixItems"}

// Strictify returns a deep copy of node with additionalProperties:false set
// on every object schema that leaves it unspecified. An explicit
// additionalProperties other than false is rejected: strict mode cannot
// honor open-ended objects, and silently flipping the value would change the
// schema's meaning behind the user's back.
func Strictify(node map[string]any) (map[string]any, error) {
	return strictifyNode(node, "$")
}

func strictifyNode(node map[string]any, at string) (map[string]any, error) {
	out := make(map[string]any, len(node)+1)
	for k, v := range node {
		out[k] = v
	}

	if isObjectSchema(out) {
		switch ap := out["additionalProperties"].(type) {
		case nil:
			out["additionalProperties"] = false
		case bool:
			if ap {
				return nil, runerrors.Newf(runerrors.KindSchemaInvalid,
					"additionalProperties must be false under strict mode (at %s)", at).
					WithHint("Strict structured output rejects open-ended objects. Remove \"additionalProperties\": true or enumerate the extra fields under properties.")
			}
		default:
			return nil, runerrors.Newf(runerrors.KindSchemaInvalid,
				"additionalProperties must be the boolean false, not a schema (at %s)", at).
				WithHint("Move the constrained extras into named properties; strict mode only accepts \"additionalProperties\": false.")
		}
	}

	for _, kw := range schemaMapKeywords {
		subs, ok := out[kw].(map[string]any)
		if !ok {
			continue
		}
		next := make(map[string]any, len(subs))
		for _, name := range sortedKeys(subs) {
			sub, ok := subs[name].(map[string]any)
			if !ok {
				return nil, runerrors.Newf(runerrors.KindSchemaInvalid,
					"%s.%s at %s must be a schema object", kw, name, at)
			}
			strict, err := strictifyNode(sub, at+"."+kw+"."+name)
			if err != nil {
				return nil, err
			}
			next[name] = strict
		}
		out[kw] = next
	}

	for _, kw := range schemaListKeywords {
		subs, ok := out[kw].([]any)
		if !ok {
			continue
		}
		next := make([]any, len(subs))
		for i, raw := range subs {
			sub, ok := raw.(map[string]any)
			if !ok {
				return nil, runerrors.Newf(runerrors.KindSchemaInvalid,
					"%s[%d] at %s must be a schema object", kw, i, at)
			}
			strict, err := strictifyNode(sub, at+"."+kw)
			if err != nil {
				return nil, err
			}
			next[i] = strict
		}
		out[kw] = next
	}

	if items, ok := out["items"].(map[string]any); ok {
		strict, err := strictifyNode(items, at+".items")
		if err != nil {
			return nil, err
		}
		out["items"] = strict
	}

	return out, nil
}

// CheckLimits enforces the vendor's structural limits on a strictified
// schema: object root, nesting depth, per-object property counts, enum
// budgets, and the per-type keyword allow-list.
func CheckLimits(root map[string]any) error {
	if t, ok := root["type"].(string); !ok || t != "object" {
		return runerrors.New(runerrors.KindSchemaInvalid,
			"schema root must be an object type").
			WithHint("Wrap the schema as {\"type\": \"object\", \"properties\": {...}, \"required\": [...]}.")
	}
	w := &limitWalker{}
	if err := w.walk(root, "$", 1); err != nil {
		return err
	}
	if w.enumTotal > maxEnumValues {
		return runerrors.Newf(runerrors.KindSchemaInvalid,
			"schema declares %d enum values in total; the limit is %d", w.enumTotal, maxEnumValues).
			WithHint("Trim the enums or validate the long tails after the run instead of in the schema.")
	}
	return nil
}

type limitWalker struct {
	enumTotal int
}

func (w *limitWalker) walk(node map[string]any, at string, depth int) error {
	if depth > maxNestingDepth {
		return runerrors.Newf(runerrors.KindSchemaInvalid,
			"schema nesting at %s exceeds the limit of %d levels", at, maxNestingDepth).
			WithHint("Flatten deeply nested objects or split the output into several runs.")
	}

	for kw, hint := range rejectedKeywords {
		if _, present := node[kw]; present {
			return runerrors.Newf(runerrors.KindSchemaInvalid,
				"keyword %q is not supported in strict mode (at %s)", kw, at).WithHint("%s", hint)
		}
	}

	if types := typeList(node); len(types) > 0 {
		allowed := map[string]bool{}
		for _, typ := range types {
			perType, known := typeKeywords[typ]
			if !known {
				return runerrors.Newf(runerrors.KindSchemaInvalid,
					"unknown type %q at %s", typ, at)
			}
			for kw := range perType {
				allowed[kw] = true
			}
		}
		for _, kw := range sortedKeys(node) {
			if commonKeywords[kw] || allowed[kw] {
				continue
			}
			return runerrors.Newf(runerrors.KindSchemaInvalid,
				"keyword %q is not supported for type %q (at %s)", kw, joinTypes(types), at).
				WithHint("Remove the keyword or express the constraint in the prompt text instead of the schema.")
		}
	}

	if enum, ok := node["enum"].([]any); ok {
		w.enumTotal += len(enum)
		if len(enum) > enumCharCountThreshold {
			chars := 0
			for _, v := range enum {
				if s, ok := v.(string); ok {
					chars += len(s)
				}
			}
			if chars > maxEnumTotalChars {
				return runerrors.Newf(runerrors.KindSchemaInvalid,
					"enum at %s has %d values totaling %d characters; with more than %d values the total must stay at or under %d",
					at, len(enum), chars, enumCharCountThreshold, maxEnumTotalChars).
					WithHint("Shorten the enum values or split the field into smaller enums.")
			}
		}
	}

	if props, ok := node["properties"].(map[string]any); ok {
		if len(props) > maxObjectProperties {
			return runerrors.Newf(runerrors.KindSchemaInvalid,
				"object at %s declares %d properties; the limit is %d", at, len(props), maxObjectProperties).
				WithHint("Group related fields into nested objects or drop fields the run does not need.")
		}
		for _, name := range sortedKeys(props) {
			if sub, ok := props[name].(map[string]any); ok {
				if err := w.walk(sub, at+".properties."+name, depth+1); err != nil {
					return err
				}
			}
		}
	}

	if items, ok := node["items"].(map[string]any); ok {
		if err := w.walk(items, at+".items", depth+1); err != nil {
			return err
		}
	}
	if prefix, ok := node["prefixItems"].([]any); ok {
		for i, raw := range prefix {
			if sub, ok := raw.(map[string]any); ok {
				if err := w.walk(sub, atIndex(at, "prefixItems", i), depth+1); err != nil {
					return err
				}
			}
		}
	}

	// Union branches describe alternatives for the same level.
	for _, kw := range []string{"anyOf", "allOf"} {
		if subs, ok := node[kw].([]any); ok {
			for i, raw := range subs {
				if sub, ok := raw.(map[string]any); ok {
					if err := w.walk(sub, atIndex(at, kw, i), depth); err != nil {
						return err
					}
				}
			}
		}
	}

	// Definitions are counted from their own root; their effective depth
	// depends on the reference site, which a lexical walk cannot see.
	for _, kw := range []string{"$defs", "definitions"} {
		if defs, ok := node[kw].(map[string]any); ok {
			for _, name := range sortedKeys(defs) {
				if sub, ok := defs[name].(map[string]any); ok {
					if err := w.walk(sub, at+"."+kw+"."+name, 1); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

func isObjectSchema(node map[string]any) bool {
	if t, ok := node["type"].(string); ok && t == "object" {
		return true
	}
	if list, ok := node["type"].([]any); ok {
		for _, t := range list {
			if t == "object" {
				return true
			}
		}
	}
	_, hasProps := node["properties"]
	return hasProps
}

func typeList(node map[string]any) []string {
	switch t := node["type"].(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinTypes(types []string) string {
	return strings.Join(types, "|")
}

func atIndex(at, kw string, i int) string {
	return at + "." + kw + "[" + strconv.Itoa(i) + "]"
}
