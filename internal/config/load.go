package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/fileid"
	"schemarun/internal/tools/remote"
)

// Load assembles the run configuration. Layer order: defaults, config file,
// environment, overrides. Validation runs on the merged result so a bad
// value is rejected no matter which layer supplied it.
func Load(opts ...Option) (Settings, Metadata, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		environ:   os.Environ,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := Settings{
		Model:              DefaultModel,
		TemplateMaxBytes:   DefaultTemplateMaxBytes,
		CacheAlgo:          fileid.HashSHA256,
		CacheMaxBytes:      fileid.DefaultCacheBytes,
		HTTPTimeoutSeconds: 120,
		JSONParse:          "",
		Approval:           "never",
		DownloadDir:        "./downloads",
		Endpoints:          map[string]string{},
	}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Settings{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return Settings{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	if err := validate(&cfg); err != nil {
		return Settings{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func applyFile(cfg *Settings, meta *Metadata, opts loadOptions) error {
	v := viper.New()
	if opts.configPath != "" {
		v.SetConfigFile(opts.configPath)
	} else {
		v.SetConfigName("schemarun")
		v.SetConfigType("yaml")
		if opts.homeDir != nil {
			if home, err := opts.homeDir(); err == nil && home != "" {
				v.AddConfigPath(home)
			}
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return runerrors.Wrap(runerrors.KindUsage, err, "config file is unreadable").
			WithHint("Fix or remove the schemarun config file.")
	}

	setString := func(key string, dst *string, field string) {
		if v.IsSet(key) {
			if s := strings.TrimSpace(v.GetString(key)); s != "" {
				*dst = s
				meta.sources[field] = SourceFile
			}
		}
	}
	setString("api_key", &cfg.APIKey, "api_key")
	setString("base_url", &cfg.BaseURL, "base_url")
	setString("model", &cfg.Model, "model")
	setString("ignore_file", &cfg.IgnoreFile, "ignore_file")
	setString("cache_dir", &cfg.CacheDir, "cache_dir")
	setString("json_parse", &cfg.JSONParse, "json_parse")
	setString("approval", &cfg.Approval, "approval")
	setString("download_dir", &cfg.DownloadDir, "download_dir")
	setString("store_name", &cfg.StoreName, "store_name")

	if v.IsSet("cache_algo") {
		if s := strings.TrimSpace(v.GetString("cache_algo")); s != "" {
			cfg.CacheAlgo = fileid.HashAlgo(strings.ToLower(s))
			meta.sources["cache_algo"] = SourceFile
		}
	}
	if v.IsSet("timeout_seconds") {
		cfg.TimeoutSeconds = v.GetInt("timeout_seconds")
		meta.sources["timeout_seconds"] = SourceFile
	}
	if v.IsSet("http_timeout_seconds") {
		cfg.HTTPTimeoutSeconds = v.GetInt("http_timeout_seconds")
		meta.sources["http_timeout_seconds"] = SourceFile
	}
	if v.IsSet("template_max_bytes") {
		cfg.TemplateMaxBytes = v.GetInt64("template_max_bytes")
		meta.sources["template_max_bytes"] = SourceFile
	}
	if v.IsSet("cache_max_bytes") {
		cfg.CacheMaxBytes = v.GetInt64("cache_max_bytes")
		meta.sources["cache_max_bytes"] = SourceFile
	}
	if v.IsSet("keep_store") {
		cfg.KeepStore = v.GetBool("keep_store")
		meta.sources["keep_store"] = SourceFile
	}
	if v.IsSet("endpoints") {
		for label, u := range v.GetStringMapString("endpoints") {
			cfg.Endpoints[strings.ToLower(label)] = u
		}
		meta.sources["endpoints"] = SourceFile
	}
	return nil
}

func applyEnv(cfg *Settings, meta *Metadata, opts loadOptions) error {
	lookup := AliasEnvLookup(opts.envLookup, DefaultEnvAliases())

	setString := func(key string, dst *string, field string) {
		if value, ok := lookup(key); ok {
			*dst = value
			meta.sources[field] = SourceEnv
		}
	}
	setString("SCHEMARUN_API_KEY", &cfg.APIKey, "api_key")
	setString("SCHEMARUN_API_BASE", &cfg.BaseURL, "base_url")
	setString("SCHEMARUN_IGNORE_FILE", &cfg.IgnoreFile, "ignore_file")
	setString("SCHEMARUN_CACHE_DIR", &cfg.CacheDir, "cache_dir")

	if value, ok := lookup("SCHEMARUN_CACHE_ALGO"); ok {
		cfg.CacheAlgo = fileid.HashAlgo(strings.ToLower(strings.TrimSpace(value)))
		meta.sources["cache_algo"] = SourceEnv
	}
	if value, ok := lookup("SCHEMARUN_JSON_PARSE"); ok {
		cfg.JSONParse = strings.ToLower(strings.TrimSpace(value))
		meta.sources["json_parse"] = SourceEnv
	}

	setInt := func(key string, dst *int, field string) error {
		value, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return runerrors.Newf(runerrors.KindUsage, "%s must be an integer, got %q", key, value)
		}
		*dst = n
		meta.sources[field] = SourceEnv
		return nil
	}
	if err := setInt("SCHEMARUN_TIMEOUT_SECONDS", &cfg.TimeoutSeconds, "timeout_seconds"); err != nil {
		return err
	}

	setInt64 := func(key string, dst *int64, field string) error {
		value, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return runerrors.Newf(runerrors.KindUsage, "%s must be an integer, got %q", key, value)
		}
		*dst = n
		meta.sources[field] = SourceEnv
		return nil
	}
	if err := setInt64("SCHEMARUN_TEMPLATE_MAX_BYTES", &cfg.TemplateMaxBytes, "template_max_bytes"); err != nil {
		return err
	}
	if err := setInt64("SCHEMARUN_CACHE_MAX_BYTES", &cfg.CacheMaxBytes, "cache_max_bytes"); err != nil {
		return err
	}

	// Endpoint shortcuts need the whole environment, not point lookups.
	// Parsing them here rejects a bad URL at load time instead of at the
	// first remote call.
	if opts.environ != nil {
		endpoints, err := remote.EndpointsFromEnv(opts.environ())
		if err != nil {
			return err
		}
		if len(endpoints) > 0 {
			for _, ep := range endpoints {
				cfg.Endpoints[ep.Label] = ep.URL
			}
			meta.sources["endpoints"] = SourceEnv
		}
	}
	return nil
}

func applyOverrides(cfg *Settings, meta *Metadata, o Overrides) {
	set := func(field string) { meta.sources[field] = SourceOverride }

	if o.APIKey != nil {
		cfg.APIKey = *o.APIKey
		set("api_key")
	}
	if o.BaseURL != nil {
		cfg.BaseURL = *o.BaseURL
		set("base_url")
	}
	if o.Model != nil {
		cfg.Model = *o.Model
		set("model")
	}
	if o.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *o.TimeoutSeconds
		set("timeout_seconds")
	}
	if o.HTTPTimeoutSeconds != nil {
		cfg.HTTPTimeoutSeconds = *o.HTTPTimeoutSeconds
		set("http_timeout_seconds")
	}
	if o.IgnoreFile != nil {
		cfg.IgnoreFile = *o.IgnoreFile
		set("ignore_file")
	}
	if o.TemplateMaxBytes != nil {
		cfg.TemplateMaxBytes = *o.TemplateMaxBytes
		set("template_max_bytes")
	}
	if o.CacheDir != nil {
		cfg.CacheDir = *o.CacheDir
		set("cache_dir")
	}
	if o.CacheAlgo != nil {
		cfg.CacheAlgo = fileid.HashAlgo(strings.ToLower(*o.CacheAlgo))
		set("cache_algo")
	}
	if o.CacheMaxBytes != nil {
		cfg.CacheMaxBytes = *o.CacheMaxBytes
		set("cache_max_bytes")
	}
	if o.JSONParse != nil {
		cfg.JSONParse = strings.ToLower(*o.JSONParse)
		set("json_parse")
	}
	if o.Approval != nil {
		cfg.Approval = *o.Approval
		set("approval")
	}
	if o.DownloadDir != nil {
		cfg.DownloadDir = *o.DownloadDir
		set("download_dir")
	}
	if o.StoreName != nil {
		cfg.StoreName = *o.StoreName
		set("store_name")
	}
	if o.KeepStore != nil {
		cfg.KeepStore = *o.KeepStore
		set("keep_store")
	}
}

func validate(cfg *Settings) error {
	switch cfg.JSONParse {
	case "", "strict", "lenient":
	default:
		return runerrors.Newf(runerrors.KindUsage,
			"json parse mode %q is not one of strict, lenient", cfg.JSONParse).
			WithHint("Set SCHEMARUN_JSON_PARSE (or json_parse) to strict or lenient.")
	}

	algo, err := fileid.ParseHashAlgo(string(cfg.CacheAlgo))
	if err != nil {
		return runerrors.Wrap(runerrors.KindUsage, err, "bad cache algorithm")
	}
	cfg.CacheAlgo = algo

	if cfg.TimeoutSeconds < 0 {
		return runerrors.Newf(runerrors.KindUsage, "timeout %d seconds is negative", cfg.TimeoutSeconds)
	}
	if cfg.HTTPTimeoutSeconds <= 0 {
		cfg.HTTPTimeoutSeconds = 120
	}
	if cfg.HTTPTimeoutSeconds > MaxHTTPTimeoutSeconds {
		cfg.HTTPTimeoutSeconds = MaxHTTPTimeoutSeconds
	}
	if cfg.TemplateMaxBytes <= 0 {
		cfg.TemplateMaxBytes = DefaultTemplateMaxBytes
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = fileid.DefaultCacheBytes
	}
	return nil
}
