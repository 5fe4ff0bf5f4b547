package config

import (
	"os"
	"path/filepath"
	"testing"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/fileid"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	val, ok := e[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e envMap) Environ() []string {
	out := make([]string, 0, len(e))
	for k, v := range e {
		out = append(out, k+"="+v)
	}
	return out
}

func loadIsolated(t *testing.T, env envMap, opts ...Option) (Settings, Metadata, error) {
	t.Helper()
	base := []Option{
		WithEnv(env.Lookup),
		WithEnviron(env.Environ),
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")),
	}
	return Load(append(base, opts...)...)
}

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := loadIsolated(t, envMap{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Model != DefaultModel {
		t.Fatalf("expected default model %q, got %q", DefaultModel, cfg.Model)
	}
	if cfg.APIKey != "" {
		t.Fatalf("expected empty API key, got %q", cfg.APIKey)
	}
	if cfg.Approval != "never" {
		t.Fatalf("expected default approval never, got %q", cfg.Approval)
	}
	if cfg.CacheAlgo != fileid.HashSHA256 {
		t.Fatalf("expected sha256 cache algo, got %q", cfg.CacheAlgo)
	}
	if cfg.DownloadDir != "./downloads" {
		t.Fatalf("expected default download dir, got %q", cfg.DownloadDir)
	}
	if got := meta.Source("model"); got != SourceDefault {
		t.Fatalf("expected default model source, got %s", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemarun.yaml")
	data := []byte(`
api_key: sk-file
model: gpt-4o
timeout_seconds: 120
cache_algo: SHA1
endpoints:
  tickets: https://tools.example.com/mcp
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithEnviron(envMap{}.Environ),
		WithConfigPath(path),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.APIKey != "sk-file" {
		t.Fatalf("expected file API key, got %q", cfg.APIKey)
	}
	if cfg.Model != "gpt-4o" {
		t.Fatalf("expected file model, got %q", cfg.Model)
	}
	if cfg.TimeoutSeconds != 120 {
		t.Fatalf("expected timeout 120, got %d", cfg.TimeoutSeconds)
	}
	if cfg.CacheAlgo != fileid.HashSHA1 {
		t.Fatalf("expected sha1 algo, got %q", cfg.CacheAlgo)
	}
	if cfg.Endpoints["tickets"] != "https://tools.example.com/mcp" {
		t.Fatalf("expected tickets endpoint, got %v", cfg.Endpoints)
	}
	if got := meta.Source("api_key"); got != SourceFile {
		t.Fatalf("expected file source for api_key, got %s", got)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemarun.yaml")
	if err := os.WriteFile(path, []byte("api_key: sk-file\nbase_url: https://file.example.com\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := envMap{"SCHEMARUN_API_KEY": "sk-env"}
	cfg, meta, err := Load(
		WithEnv(env.Lookup),
		WithEnviron(env.Environ),
		WithConfigPath(path),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.APIKey != "sk-env" {
		t.Fatalf("expected env API key to win, got %q", cfg.APIKey)
	}
	if cfg.BaseURL != "https://file.example.com" {
		t.Fatalf("expected file base URL to survive, got %q", cfg.BaseURL)
	}
	if got := meta.Source("api_key"); got != SourceEnv {
		t.Fatalf("expected env source for api_key, got %s", got)
	}
	if got := meta.Source("base_url"); got != SourceFile {
		t.Fatalf("expected file source for base_url, got %s", got)
	}
}

func TestOpenAIKeyFallback(t *testing.T) {
	cfg, _, err := loadIsolated(t, envMap{"OPENAI_API_KEY": "sk-openai"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.APIKey != "sk-openai" {
		t.Fatalf("expected OPENAI_API_KEY fallback, got %q", cfg.APIKey)
	}

	cfg, _, err = loadIsolated(t, envMap{
		"OPENAI_API_KEY":    "sk-openai",
		"SCHEMARUN_API_KEY": "sk-own",
	})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.APIKey != "sk-own" {
		t.Fatalf("expected SCHEMARUN_API_KEY to win over fallback, got %q", cfg.APIKey)
	}
}

func TestMCPEndpointShortcuts(t *testing.T) {
	cfg, meta, err := loadIsolated(t, envMap{
		"SCHEMARUN_MCP_TICKETS": "https://tickets.example.com/mcp",
		"SCHEMARUN_MCP_DOCS":    "https://docs.example.com/mcp",
		"UNRELATED":             "ignored",
	})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %v", cfg.Endpoints)
	}
	if cfg.Endpoints["tickets"] != "https://tickets.example.com/mcp" {
		t.Fatalf("tickets endpoint missing: %v", cfg.Endpoints)
	}
	if cfg.Endpoints["docs"] != "https://docs.example.com/mcp" {
		t.Fatalf("docs endpoint missing: %v", cfg.Endpoints)
	}
	if got := meta.Source("endpoints"); got != SourceEnv {
		t.Fatalf("expected env source for endpoints, got %s", got)
	}
}

func TestOverridesWinOverEverything(t *testing.T) {
	model := "o4-mini"
	timeout := 42
	cfg, meta, err := loadIsolated(t,
		envMap{"SCHEMARUN_TIMEOUT_SECONDS": "600"},
		WithOverrides(Overrides{Model: &model, TimeoutSeconds: &timeout}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Model != "o4-mini" {
		t.Fatalf("expected override model, got %q", cfg.Model)
	}
	if cfg.TimeoutSeconds != 42 {
		t.Fatalf("expected override timeout, got %d", cfg.TimeoutSeconds)
	}
	if got := meta.Source("timeout_seconds"); got != SourceOverride {
		t.Fatalf("expected override source, got %s", got)
	}
}

func TestBadIntegerEnvIsUsageError(t *testing.T) {
	_, _, err := loadIsolated(t, envMap{"SCHEMARUN_TIMEOUT_SECONDS": "soon"})
	if !runerrors.IsKind(err, runerrors.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if runerrors.ExitCodeFor(err) != runerrors.ExitUsage {
		t.Fatalf("expected exit 2, got %d", runerrors.ExitCodeFor(err))
	}
}

func TestBadJSONParseModeRejected(t *testing.T) {
	_, _, err := loadIsolated(t, envMap{"SCHEMARUN_JSON_PARSE": "permissive"})
	if !runerrors.IsKind(err, runerrors.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestBadCacheAlgoRejected(t *testing.T) {
	_, _, err := loadIsolated(t, envMap{"SCHEMARUN_CACHE_ALGO": "crc32"})
	if !runerrors.IsKind(err, runerrors.KindUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestHTTPTimeoutIsCapped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemarun.yaml")
	if err := os.WriteFile(path, []byte("http_timeout_seconds: 900\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, err := Load(
		WithEnv(envMap{}.Lookup),
		WithEnviron(envMap{}.Environ),
		WithConfigPath(path),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HTTPTimeoutSeconds != MaxHTTPTimeoutSeconds {
		t.Fatalf("expected cap at %d, got %d", MaxHTTPTimeoutSeconds, cfg.HTTPTimeoutSeconds)
	}
}

func TestUnreadableConfigFileFailsLoud(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schemarun.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not yaml: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, err := Load(
		WithEnv(envMap{}.Lookup),
		WithEnviron(envMap{}.Environ),
		WithConfigPath(path),
	)
	if !runerrors.IsKind(err, runerrors.KindUsage) {
		t.Fatalf("expected usage error for bad yaml, got %v", err)
	}
}
