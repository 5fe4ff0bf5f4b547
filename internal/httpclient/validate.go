package httpclient

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateEndpointURL enforces the outbound endpoint rule: https is required
// for every host except loopback addresses, which may use plain http for
// local development.
func ValidateEndpointURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("endpoint url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	host := strings.TrimSpace(parsed.Hostname())
	if host == "" {
		return nil, fmt.Errorf("endpoint url host is required")
	}
	switch scheme {
	case "https":
		return parsed, nil
	case "http":
		if IsLoopbackHost(host) {
			return parsed, nil
		}
		return nil, fmt.Errorf("plain http endpoints are only allowed on loopback hosts, got %s", host)
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme: %s", scheme)
	}
}
