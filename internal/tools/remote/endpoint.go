// Package remote adapts user-configured remote tool endpoints into the tool
// bundle. The run is unattended, so every endpoint is held to a hard policy:
// https-or-loopback transport, approval mode never, screened payloads, and
// sanitized responses.
package remote

import (
	"regexp"
	"strings"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/httpclient"
)

// Endpoint is one configured remote tool server.
type Endpoint struct {
	Label        string
	URL          string
	AllowedTools []string
	Headers      map[string]string
}

const envPrefix = "SCHEMARUN_MCP_"

var labelPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ParseEndpoint accepts "label@url" or a bare URL. A bare URL derives its
// label from the first host segment, so https://tools.example.com becomes
// "tools".
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, runerrors.New(runerrors.KindUsage, "empty remote tool endpoint")
	}

	label, rawURL := "", raw
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		i := strings.Index(raw, "@")
		if i < 0 {
			return Endpoint{}, runerrors.Newf(runerrors.KindUsage, "remote tool endpoint %q has no URL", raw).
				WithHint("Write endpoints as label@https://host or a bare https:// URL.")
		}
		label, rawURL = strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:])
	}

	parsed, err := httpclient.ValidateEndpointURL(rawURL)
	if err != nil {
		return Endpoint{}, runerrors.Wrapf(runerrors.KindUsage, err, "remote tool endpoint %q", raw).
			WithHint("Endpoints must use https, or plain http on loopback hosts only.")
	}

	if label == "" {
		label = deriveLabel(parsed.Hostname())
	}
	if !labelPattern.MatchString(label) {
		return Endpoint{}, runerrors.Newf(runerrors.KindUsage, "remote tool label %q is invalid", label).
			WithHint("Labels start with a letter and contain only letters, digits, _ and -.")
	}
	return Endpoint{Label: label, URL: parsed.String()}, nil
}

// deriveLabel turns a hostname into a usable label: the first dot segment,
// with characters outside the label alphabet squashed to underscores.
func deriveLabel(host string) string {
	segment, _, _ := strings.Cut(host, ".")
	var b strings.Builder
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	label := b.String()
	if label == "" || (label[0] >= '0' && label[0] <= '9') {
		label = "mcp_" + label
	}
	return label
}

// EndpointsFromEnv expands SCHEMARUN_MCP_<NAME> variables into endpoints.
// The value is a URL or label@url; a bare URL takes the lowercased NAME as
// its label. environ entries are "KEY=VALUE" as from os.Environ.
func EndpointsFromEnv(environ []string) ([]Endpoint, error) {
	var endpoints []Endpoint
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, envPrefix)
		if name == "" || strings.TrimSpace(value) == "" {
			continue
		}

		ep, err := ParseEndpoint(value)
		if err != nil {
			return nil, runerrors.Wrapf(runerrors.KindUsage, err, "environment variable %s", key)
		}
		trimmed := strings.TrimSpace(value)
		if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
			label := strings.ToLower(name)
			if !labelPattern.MatchString(label) {
				return nil, runerrors.Newf(runerrors.KindUsage,
					"environment variable %s does not yield a valid tool label", key)
			}
			ep.Label = label
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}
