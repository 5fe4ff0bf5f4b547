// Package config loads the layered run configuration: built-in defaults,
// then the schemarun config file, then environment variables, then caller
// overrides. Every field remembers which layer set it.
package config

import (
	"time"

	"schemarun/internal/fileid"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	// DefaultModel is used when neither flag, env, nor file picks one.
	DefaultModel = "gpt-4o-mini"

	// DefaultTemplateMaxBytes bounds template files read from disk.
	DefaultTemplateMaxBytes = 1 << 20

	// MaxHTTPTimeoutSeconds caps the remote client timeout.
	MaxHTTPTimeoutSeconds = 300
)

// Settings captures everything a run reads from configuration. Flag values
// arrive through Overrides and win over every other layer.
type Settings struct {
	APIKey             string
	BaseURL            string
	Model              string
	TimeoutSeconds     int
	HTTPTimeoutSeconds int
	IgnoreFile         string
	TemplateMaxBytes   int64
	CacheDir           string
	CacheAlgo          fileid.HashAlgo
	CacheMaxBytes      int64
	JSONParse          string
	Approval           string
	DownloadDir        string
	StoreName          string
	KeepStore          bool
	// Endpoints maps a remote-tool label to its URL. File entries and
	// SCHEMARUN_MCP_<NAME> shortcuts land here; flags append on top.
	Endpoints map[string]string
}

// HTTPTimeout returns the remote client timeout as a duration.
func (s Settings) HTTPTimeout() time.Duration {
	return time.Duration(s.HTTPTimeoutSeconds) * time.Second
}

// RunTimeout returns the whole-run deadline, zero meaning "use the
// safeguard default".
func (s Settings) RunTimeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Metadata carries provenance for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source returns the origin of the given field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns when the configuration was assembled.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Overrides conveys flag-level values that beat every other layer. Nil
// fields leave the underlying layer's value in place.
type Overrides struct {
	APIKey             *string
	BaseURL            *string
	Model              *string
	TimeoutSeconds     *int
	HTTPTimeoutSeconds *int
	IgnoreFile         *string
	TemplateMaxBytes   *int64
	CacheDir           *string
	CacheAlgo          *string
	CacheMaxBytes      *int64
	JSONParse          *string
	Approval           *string
	DownloadDir        *string
	StoreName          *string
	KeepStore          *bool
}

// EnvLookup resolves one environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	environ    func() []string
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup, used by tests to inject a
// fake environment.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithEnviron overrides the full-environment scan that discovers
// SCHEMARUN_MCP_<NAME> endpoint shortcuts.
func WithEnviron(environ func() []string) Option {
	return func(o *loadOptions) { o.environ = environ }
}

// WithOverrides applies flag values that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// WithConfigPath forces the loader to read a specific file instead of
// searching for schemarun.yaml.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = resolver }
}

// AliasEnvLookup wraps a lookup with fallback keys, so SCHEMARUN_API_KEY can
// fall back to OPENAI_API_KEY without the call sites knowing.
func AliasEnvLookup(base EnvLookup, aliases map[string][]string) EnvLookup {
	return func(key string) (string, bool) {
		if value, ok := base(key); ok && value != "" {
			return value, true
		}
		if list, ok := aliases[key]; ok {
			for _, alias := range list {
				if value, ok := base(alias); ok && value != "" {
					return value, true
				}
			}
		}
		return "", false
	}
}

// DefaultEnvAliases returns the fallback chains applied on top of the real
// environment.
func DefaultEnvAliases() map[string][]string {
	return map[string][]string{
		"SCHEMARUN_API_KEY": {"OPENAI_API_KEY"},
	}
}
