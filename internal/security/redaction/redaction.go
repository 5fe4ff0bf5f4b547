package redaction

import (
	"regexp"
	"strings"
)

const Placeholder = "[REDACTED]"

var (
	// nonSensitiveTokenKeys captures usage/budget fields that contain the word
	// "token" but are not secrets (e.g. tiktoken counters). These should not be
	// redacted.
	nonSensitiveTokenKeys = map[string]struct{}{
		"tokens":            {},
		"token_count":       {},
		"tokens_used":       {},
		"total_tokens":      {},
		"input_tokens":      {},
		"output_tokens":     {},
		"prompt_tokens":     {},
		"completion_tokens": {},
		"max_tokens":        {},
		"remaining_tokens":  {},
		"estimated_tokens":  {},
		"token_budget":      {},
		"token_limit":       {},
	}

	sensitiveKeyFragments    = []string{"secret", "password", "authorization", "cookie", "credential", "session"}
	sensitiveValueIndicators = []string{"bearer ", "ghp_", "sk-", "xoxb-", "xoxp-", "-----begin", "api_key", "apikey", "access_token", "refresh_token"}
)

// IsSensitiveKey reports whether the provided key name likely references sensitive data.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(strings.TrimSpace(key))
	if lowerKey == "" {
		return false
	}

	if _, ok := nonSensitiveTokenKeys[lowerKey]; ok {
		return false
	}

	if isLikelyTokenKey(lowerKey) || isLikelyKeyMaterialKey(lowerKey) {
		return true
	}

	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lowerKey, fragment) {
			return true
		}
	}
	return false
}

// LooksLikeSecret reports whether the provided value appears to contain secret material.
func LooksLikeSecret(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}

	lowerValue := strings.ToLower(trimmed)
	for _, indicator := range sensitiveValueIndicators {
		if strings.Contains(lowerValue, indicator) {
			return true
		}
	}

	if len(trimmed) >= 32 && !strings.ContainsAny(trimmed, " \n\t") {
		return true
	}

	return false
}

// RedactStringValue returns a redacted placeholder if the key or value appear sensitive.
func RedactStringValue(key, value string) string {
	if value == "" {
		return value
	}

	if IsSensitiveKey(key) || LooksLikeSecret(value) {
		return Placeholder
	}

	return value
}

// RedactStringMap clones and redacts the provided map of string key/value pairs.
func RedactStringMap(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}

	sanitized := make(map[string]string, len(values))
	for k, v := range values {
		sanitized[k] = RedactStringValue(k, v)
	}

	return sanitized
}

// isLikelyTokenKey matches auth-token key shapes. Usage counters carrying a
// "token" substring were already exempted by the caller.
func isLikelyTokenKey(key string) bool {
	return key == "token" ||
		strings.HasPrefix(key, "token_") ||
		strings.HasSuffix(key, "_token") ||
		strings.Contains(key, "_token_")
}

func isLikelyKeyMaterialKey(key string) bool {
	return key == "key" ||
		strings.HasPrefix(key, "key_") ||
		strings.HasSuffix(key, "_key") ||
		strings.Contains(key, "_key_") ||
		strings.Contains(key, "apikey")
}

var (
	authorizationBearerPattern = regexp.MustCompile(
		`(?i)((?:"|')?authorization(?:"|')?\s*(?:=|:)\s*)(bearer\s+)([^"'\s,;]+)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:api[_-]?key|access[_-]?token|refresh[_-]?token|token|secret|password|session|cookie|credential)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern      = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	standaloneSecretPattern = regexp.MustCompile(
		`(?i)(sk-[A-Za-z0-9]{16,}|ghp_[A-Za-z0-9]{16,}|xox[a-z]-[A-Za-z0-9\-]{10,}|ya29\.[A-Za-z0-9\-_]+|pat_[A-Za-z0-9]{16,})`,
	)
	keyFieldDumpPattern  = regexp.MustCompile(`(?i)(APIKey|api_key|apikey|key)["']?\s*[:=]\s*["']?[A-Za-z0-9\-\._]{20,}["']?`)
	keyFieldValuePattern = regexp.MustCompile(`(["']?\s*[:=]\s*)["']?[A-Za-z0-9\-\._]{20,}["']?`)
)

// SanitizeLine scrubs credential material from a free-form text line. Every log
// line and every user-visible error message passes through here before it is
// emitted.
func SanitizeLine(line string) string {
	sanitized := authorizationBearerPattern.ReplaceAllStringFunc(line, func(match string) string {
		submatches := authorizationBearerPattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}
		return submatches[1] + submatches[2] + Placeholder
	})

	sanitized = sensitiveKeyValuePattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		submatches := sensitiveKeyValuePattern.FindStringSubmatch(match)
		if len(submatches) != 4 {
			return match
		}

		return submatches[1] + Placeholder + submatches[3]
	})

	sanitized = bearerTokenPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		parts := bearerTokenPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + Placeholder
	})

	// Struct field dumps like APIKey: sk-... survive the key/value pattern when
	// the value contains dots.
	sanitized = keyFieldDumpPattern.ReplaceAllStringFunc(sanitized, func(match string) string {
		return keyFieldValuePattern.ReplaceAllString(match, "${1}"+Placeholder)
	})

	sanitized = standaloneSecretPattern.ReplaceAllString(sanitized, Placeholder)
	return sanitized
}
