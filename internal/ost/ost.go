// Package ost parses self-executing templates: a YAML front-matter block
// between --- markers carrying CLI metadata, the schema, variable defaults,
// and per-flag argument policy, followed by the template body. The richer
// policy engine lives outside; this is the narrow surface runx needs.
package ost

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	runerrors "schemarun/internal/errors"
)

// CLIMeta names the template for usage output.
type CLIMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Scalar accepts any YAML scalar and keeps its text form, so policy values
// may be written unquoted (fixed: 0.2) without fighting the decoder.
type Scalar string

func (s *Scalar) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", node.Line)
	}
	*s = Scalar(node.Value)
	return nil
}

// Rule constrains one flag family. Blocked forbids the flag entirely; Fixed
// pins its value (passing the flag is a violation); Allowed whitelists the
// values the user may pass.
type Rule struct {
	Allowed []Scalar `yaml:"allowed"`
	Fixed   *Scalar  `yaml:"fixed"`
	Blocked bool     `yaml:"blocked"`
}

// Document is a parsed self-executing template.
type Document struct {
	CLI      CLIMeta         `yaml:"cli"`
	Schema   any             `yaml:"schema"`
	Defaults map[string]any  `yaml:"defaults"`
	Policy   map[string]Rule `yaml:"global_policy"`

	// Body is the template source after the closing marker.
	Body string `yaml:"-"`
}

const marker = "---"

// Parse splits the front matter from the body and decodes it. Errors are
// usage errors: a malformed self-executing template is the author's bug.
func Parse(src []byte) (*Document, error) {
	text := strings.ReplaceAll(string(src), "\r\n", "\n")

	rest, ok := strings.CutPrefix(text, marker+"\n")
	if !ok {
		return nil, runerrors.New(runerrors.KindUsage,
			"self-executing template must begin with a --- front-matter block").
			WithHint("Start the file with --- on its own line, the YAML header, and a closing ---.")
	}

	var front, body string
	if after, empty := strings.CutPrefix(rest, marker+"\n"); empty {
		body = after
	} else if rest == marker {
		// Empty header, empty body.
	} else if idx := strings.Index(rest, "\n"+marker+"\n"); idx >= 0 {
		front = rest[:idx]
		body = rest[idx+len(marker)+2:]
	} else if tail, closed := strings.CutSuffix(rest, "\n"+marker); closed {
		front = tail
	} else {
		return nil, runerrors.New(runerrors.KindUsage,
			"front matter is missing its closing --- marker")
	}

	doc := &Document{Body: body}
	if err := yaml.Unmarshal([]byte(front), doc); err != nil {
		return nil, runerrors.Wrap(runerrors.KindUsage, err, "front matter is not valid YAML")
	}

	for name, rule := range doc.Policy {
		if rule.Blocked && (rule.Fixed != nil || len(rule.Allowed) > 0) {
			return nil, runerrors.Newf(runerrors.KindUsage,
				"policy for --%s mixes blocked with fixed or allowed", name)
		}
	}
	return doc, nil
}

// SchemaPath returns the schema reference when the front matter names a
// file instead of embedding the schema.
func (d *Document) SchemaPath() (string, bool) {
	s, ok := d.Schema.(string)
	return s, ok && s != ""
}

// InlineSchema returns the embedded schema object, if any.
func (d *Document) InlineSchema() (map[string]any, bool) {
	m, ok := d.Schema.(map[string]any)
	return m, ok && len(m) > 0
}

// Enforce checks the argv the user passed against the policy rules. The
// aliases map translates short flags to their policy family (f -> file) so
// a blocked family cannot be reached through its shorthand.
func (d *Document) Enforce(argv []string, aliases map[string]string) error {
	if len(d.Policy) == 0 {
		return nil
	}
	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		if tok == "--" {
			break
		}
		name, value, hasValue := splitFlag(tok, aliases)
		if name == "" {
			continue
		}
		if !hasValue && i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "-") {
			value = argv[i+1]
			hasValue = true
		}

		rule, ok := d.Policy[name]
		if !ok {
			continue
		}
		switch {
		case rule.Blocked:
			return runerrors.Newf(runerrors.KindUsage,
				"--%s is blocked by this template", name)
		case rule.Fixed != nil:
			return runerrors.Newf(runerrors.KindUsage,
				"--%s is fixed to %q by this template and cannot be overridden", name, string(*rule.Fixed))
		case len(rule.Allowed) > 0:
			if !hasValue || !allows(rule.Allowed, value) {
				return runerrors.Newf(runerrors.KindUsage,
					"--%s value %q is not allowed by this template (allowed: %s)",
					name, value, joinScalars(rule.Allowed)).
					WithHint("Pick one of the allowed values or run the template owner's defaults.")
			}
		}
	}
	return nil
}

// FixedArgs returns the pinned flags in --name=value form, sorted by name,
// ready to append to the effective argument list.
func (d *Document) FixedArgs() []string {
	names := make([]string, 0, len(d.Policy))
	for name, rule := range d.Policy {
		if rule.Fixed != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		fixed := d.Policy[name].Fixed
		out = append(out, fmt.Sprintf("--%s=%s", name, string(*fixed)))
	}
	return out
}

// splitFlag extracts the policy family name from one argv token. Returns
// "" for tokens that are not flags.
func splitFlag(tok string, aliases map[string]string) (name, value string, hasValue bool) {
	switch {
	case strings.HasPrefix(tok, "--"):
		name = tok[2:]
	case strings.HasPrefix(tok, "-") && len(tok) > 1:
		name = tok[1:]
		if eq := strings.Index(name, "="); eq < 0 && len(name) > 1 {
			// Combined shorts (-abc) are not used by this CLI; treat the
			// first letter as the flag.
			name = name[:1]
		}
	default:
		return "", "", false
	}
	if eq := strings.Index(name, "="); eq >= 0 {
		value = name[eq+1:]
		name = name[:eq]
		hasValue = true
	}
	if long, ok := aliases[name]; ok {
		name = long
	}
	return name, value, hasValue
}

func allows(allowed []Scalar, value string) bool {
	for _, a := range allowed {
		if string(a) == value {
			return true
		}
	}
	return false
}

func joinScalars(list []Scalar) string {
	parts := make([]string, len(list))
	for i, s := range list {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
