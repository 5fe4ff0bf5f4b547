package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"schemarun/internal/attach"
	"schemarun/internal/budget"
	"schemarun/internal/config"
	"schemarun/internal/di"
	"schemarun/internal/engine"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/fileid"
	"schemarun/internal/logging"
	"schemarun/internal/render"
	"schemarun/internal/safeguard"
	"schemarun/internal/schema"
	"schemarun/internal/security"
	"schemarun/internal/tools/codeexec"
	"schemarun/internal/tools/remote"
	"schemarun/internal/tools/retrieval"
)

// cleanupGrace bounds the deferred teardown after the run context is gone.
const cleanupGrace = 30 * time.Second

func newRunCommand(configPath *string) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [template] schema",
		Short: "Run one structured-output job",
		Long: `Run renders the template, routes attachments to their targets, checks the
token budget, and requests a document matching the JSON schema.

With two arguments the first is the template file and the second the schema.
With one argument the template comes from --template-str.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := jobSource{templateStr: flags.templateStr, templateName: "inline template"}
			switch len(args) {
			case 2:
				if flags.templateStr != "" {
					return runerrors.New(runerrors.KindUsage,
						"both a template file and --template-str were given").
						WithHint("Pass one or the other.")
				}
				src.templatePath = args[0]
				src.templateName = filepath.Base(args[0])
				src.schemaPath = args[1]
			case 1:
				if flags.templateStr == "" {
					return runerrors.New(runerrors.KindUsage,
						"no template was given").
						WithHint("Pass a template file before the schema, or use --template-str.")
				}
				src.schemaPath = args[0]
			}
			return runJob(cmd, flags, *configPath, src)
		},
	}
	registerRunFlags(cmd, flags)
	return cmd
}

// jobSource is the material a verb hands to runJob: where the template and
// schema come from, plus variable bindings below the flag layer.
type jobSource struct {
	templatePath string
	templateStr  string
	templateName string

	schemaPath   string
	inlineSchema map[string]any
	schemaName   string

	baseVars map[string]any
}

// runJob is the whole pipeline: settings, gate, template, schema, routing
// plan, render, budget and engine, wrapped in the run deadline with teardown
// deferred on its own grace period.
func runJob(cmd *cobra.Command, flags *runFlags, configPath string, src jobSource) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, _, err := loadSettings(cmd, flags, configPath)
	if err != nil {
		return err
	}
	logger := logging.NewComponentLogger("cli")

	gate, err := buildGate(flags, logger)
	if err != nil {
		return err
	}

	templateSource := src.templateStr
	if src.templatePath != "" {
		templateSource, err = readTemplate(gate, src.templatePath, cfg.TemplateMaxBytes)
		if err != nil {
			return err
		}
	}

	outSchema, err := loadSchema(gate, src)
	if err != nil {
		return err
	}

	reqs, err := flags.attachmentRequests()
	if err != nil {
		return err
	}
	resolverOpts := resolverOptions(flags, cfg, logger)
	resolver := attach.NewResolver(gate, resolverOpts...)
	specs, err := resolver.Resolve(reqs)
	if err != nil {
		return err
	}

	enable, disable, err := flags.toolSets()
	if err != nil {
		return err
	}
	plan, err := attach.BuildPlan(specs, nil, enable, disable)
	if err != nil {
		return err
	}

	cache, err := fileid.NewCache(cfg.CacheMaxBytes, cfg.CacheAlgo, logger)
	if err != nil {
		return err
	}
	vars, err := flags.parseVars(src.baseVars)
	if err != nil {
		return err
	}
	webSearch := plan.Enabled.Has(attach.ToolWebSearch)

	builder := render.NewContextBuilder(cache, resolver, logger)
	renderCtx, loadedFiles, err := builder.Build(plan, render.Options{
		BaseDir:          gate.BaseDir(),
		Model:            cfg.Model,
		WebSearchEnabled: webSearch,
		Vars:             vars,
	})
	if err != nil {
		return err
	}
	prompt, err := render.NewGoRenderer().Render(src.templateName, templateSource, renderCtx)
	if err != nil {
		return err
	}

	instructions, err := loadInstructions(gate, flags)
	if err != nil {
		return err
	}

	strategy, forceTwoPass, err := flags.strategy()
	if err != nil {
		return err
	}
	parseMode, err := engine.ParseParseMode(cfg.JSONParse)
	if err != nil {
		return err
	}

	apiKey := cfg.APIKey
	if apiKey == "" && flags.dryRun {
		// A dry run never issues a request; a placeholder keeps the client
		// constructor satisfied.
		apiKey = "dry-run"
	}

	codeExecOpts, err := codeExecOptions(flags, cfg)
	if err != nil {
		return err
	}
	endpoints, approval, err := buildEndpoints(flags, cfg)
	if err != nil {
		return err
	}
	runID := uuid.NewString()[:8]

	container, err := di.New(di.Config{
		APIKey:  apiKey,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.HTTPTimeout(),

		RunID: runID,
		Gate:  gate,
		Plan:  plan,

		CodeExec:  codeExecOpts,
		Retrieval: retrievalOptions(flags, cfg, runID),
		Endpoints: endpoints,
		Approval:  approval,

		ResolverOpts: resolverOpts,

		HashAlgo: cfg.CacheAlgo,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	client, err := container.Client()
	if err != nil {
		return err
	}
	drivers, err := container.Drivers()
	if err != nil {
		return err
	}
	uploads, err := container.Uploads()
	if err != nil {
		return err
	}
	artifacts, err := container.Artifacts()
	if err != nil {
		return err
	}
	var downloader engine.ArtifactDownloader
	if artifacts != nil {
		downloader = artifacts
	}

	// The unattended-run check covers every tool config that will ride the
	// request, not only the remote endpoints.
	var toolConfigs []map[string]any
	for _, d := range drivers {
		toolConfigs = append(toolConfigs, d.ToolConfigs()...)
	}
	if err := safeguard.CheckPolicy(toolConfigs); err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Model:        cfg.Model,
		Params:       flags.params(cmd.Flags()),
		Strategy:     strategy,
		ParseMode:    parseMode,
		ForceTwoPass: forceTwoPass,
		WebSearch:    webSearch,
		OutputPath:   flags.output,
		DryRun:       flags.dryRun,
	}, engine.Deps{
		Client:    client,
		Schema:    outSchema,
		Plan:      plan,
		Uploads:   uploads,
		Drivers:   drivers,
		Artifacts: downloader,
		Gate:      gate,
		Logger:    logger,
		Stdout:    cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	// Teardown runs on its own grace period so a canceled or expired run
	// context cannot strand uploads or vector stores.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupGrace)
		defer cancel()
		for _, cerr := range container.Cleanup(cleanupCtx) {
			logger.Warn("%v", cerr)
		}
	}()

	var result *engine.Result
	err = safeguard.Run(ctx, cfg.RunTimeout(), func(runCtx context.Context) error {
		var runErr error
		result, runErr = eng.Run(runCtx, engine.Input{
			Instructions: instructions,
			Prompt:       prompt,
			PromptFiles:  budgetFiles(loadedFiles),
		})
		return runErr
	})
	if err != nil {
		return err
	}

	printSummary(result)
	return nil
}

// loadSettings layers flag values over environment, file, and defaults.
func loadSettings(cmd *cobra.Command, f *runFlags, configPath string) (config.Settings, config.Metadata, error) {
	fs := cmd.Flags()
	var o config.Overrides
	if fs.Changed("model") {
		o.Model = &f.model
	}
	if fs.Changed("api-base") {
		o.BaseURL = &f.apiBase
	}
	if fs.Changed("timeout") {
		o.TimeoutSeconds = &f.timeoutSeconds
	}
	if fs.Changed("ignore-file") {
		o.IgnoreFile = &f.ignoreFile
	}
	if fs.Changed("json-parse") {
		o.JSONParse = &f.jsonParse
	}
	if fs.Changed("mcp-approval") {
		o.Approval = &f.approval
	}
	if fs.Changed("download-dir") {
		o.DownloadDir = &f.downloadDir
	}
	if fs.Changed("fs-store-name") {
		o.StoreName = &f.storeName
	}
	if fs.Changed("fs-keep-store") {
		o.KeepStore = &f.keepStore
	}
	opts := []config.Option{config.WithOverrides(o)}
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}
	return config.Load(opts...)
}

func buildGate(f *runFlags, logger logging.Logger) (*security.Gate, error) {
	opts := []security.Option{security.WithLogger(logger)}
	if f.gateMode != "" {
		mode, err := security.ParseMode(f.gateMode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, security.WithMode(mode))
	}
	if len(f.allowDirs) > 0 {
		opts = append(opts, security.WithAllowedDirs(f.allowDirs...))
	}
	if f.allowFile != "" {
		opts = append(opts, security.WithAllowedDirsFile(f.allowFile))
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, runerrors.Wrap(runerrors.KindInternal, err, "cannot determine the working directory")
	}
	return security.New(cwd, opts...)
}

func resolverOptions(f *runFlags, cfg config.Settings, logger logging.Logger) []attach.Option {
	opts := []attach.Option{attach.WithLogger(logger)}
	if f.noIgnore {
		opts = append(opts, attach.WithIgnoreDisabled(true))
	}
	ignore := f.ignoreFile
	if ignore == "" {
		ignore = cfg.IgnoreFile
	}
	if ignore != "" {
		opts = append(opts, attach.WithIgnoreFile(ignore))
	}
	if f.strictCollect {
		opts = append(opts, attach.WithStrictCollections(true))
	}
	return opts
}

// readTemplate loads a template file inside the gate, capped so a mistyped
// attachment cannot be inlined wholesale.
func readTemplate(gate *security.Gate, path string, maxBytes int64) (string, error) {
	resolved, err := gate.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", runerrors.Wrapf(runerrors.KindNotFound, err, "template %s", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return "", runerrors.Newf(runerrors.KindPromptTooLarge,
			"template %s is %d bytes; the cap is %d", path, info.Size(), maxBytes).
			WithHint("Attach large files with --file and reference them from the template instead of inlining them.")
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", runerrors.Wrapf(runerrors.KindNotFound, err, "template %s", path)
	}
	return string(data), nil
}

func loadSchema(gate *security.Gate, src jobSource) (*schema.Schema, error) {
	if src.inlineSchema != nil {
		return schema.FromMap(src.schemaName, src.inlineSchema)
	}
	resolved, err := gate.Resolve(src.schemaPath)
	if err != nil {
		return nil, err
	}
	return schema.Load(resolved)
}

func loadInstructions(gate *security.Gate, f *runFlags) (string, error) {
	if f.sysPrompt != "" && f.sysFile != "" {
		return "", runerrors.New(runerrors.KindUsage,
			"both --sys-prompt and --sys-file were given").
			WithHint("Pass one or the other.")
	}
	if f.sysFile == "" {
		return f.sysPrompt, nil
	}
	resolved, err := gate.Resolve(f.sysFile)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", runerrors.Wrapf(runerrors.KindNotFound, err, "system-prompt file %s", f.sysFile)
	}
	return string(data), nil
}

func codeExecOptions(f *runFlags, cfg config.Settings) (codeexec.Options, error) {
	collision, err := codeexec.ParseCollisionStrategy(f.ciDuplicates)
	if err != nil {
		return codeexec.Options{}, err
	}
	validation, err := codeexec.ParseValidationLevel(f.ciValidation)
	if err != nil {
		return codeexec.Options{}, err
	}
	dir := f.downloadDir
	if dir == "" {
		dir = cfg.DownloadDir
	}
	return codeexec.Options{
		DownloadDir:      dir,
		Collision:        collision,
		Validation:       validation,
		ExtensionFilters: f.ciExtensions,
	}, nil
}

func retrievalOptions(f *runFlags, cfg config.Settings, runID string) retrieval.Options {
	opts := retrieval.Options{
		StoreName:          cfg.StoreName,
		RunID:              runID,
		KeepStore:          cfg.KeepStore,
		ChunkSizeTokens:    f.fsChunkSize,
		ChunkOverlapTokens: f.fsChunkOverlap,
	}
	if f.fsTimeout > 0 {
		opts.PollTimeout = time.Duration(f.fsTimeout) * time.Second
	}
	if f.fsRetries > 0 {
		retry := runerrors.DefaultRetryConfig()
		retry.MaxAttempts = f.fsRetries
		opts.Retry = retry
	}
	return opts
}

// buildEndpoints merges config-file endpoints with --mcp flags; on a label
// clash the flag wins. --mcp-allowed and --mcp-headers attach by label.
func buildEndpoints(f *runFlags, cfg config.Settings) ([]remote.Endpoint, string, error) {
	allowed, err := f.mcpAllowedMap()
	if err != nil {
		return nil, "", err
	}
	headers, err := f.mcpHeaderMap()
	if err != nil {
		return nil, "", err
	}

	byLabel := make(map[string]remote.Endpoint, len(cfg.Endpoints)+len(f.endpoints))
	for label, raw := range cfg.Endpoints {
		ep, err := remote.ParseEndpoint(raw)
		if err != nil {
			return nil, "", runerrors.Wrapf(runerrors.KindUsage, err, "configured endpoint %s", label)
		}
		// A bare URL keeps the configured name; label@url renames.
		if strings.HasPrefix(strings.TrimSpace(raw), "http") {
			ep.Label = label
		}
		byLabel[strings.ToLower(ep.Label)] = ep
	}
	for _, raw := range f.endpoints {
		ep, err := remote.ParseEndpoint(raw)
		if err != nil {
			return nil, "", err
		}
		byLabel[strings.ToLower(ep.Label)] = ep
	}

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	out := make([]remote.Endpoint, 0, len(labels))
	for _, label := range labels {
		ep := byLabel[label]
		ep.AllowedTools = allowed[label]
		ep.Headers = headers[label]
		out = append(out, ep)
	}
	return out, cfg.Approval, nil
}

func budgetFiles(loaded []render.LoadedFile) []budget.File {
	files := make([]budget.File, 0, len(loaded))
	for _, lf := range loaded {
		files = append(files, budget.File{Alias: lf.Alias, Path: lf.Path, Content: lf.Text})
	}
	return files
}

// printSummary reports run diagnostics on stderr; the document itself went
// to stdout or --output.
func printSummary(result *engine.Result) {
	if result == nil || result.DryRun {
		return
	}
	if tail := renderMarkdownTail(result.MarkdownTail); tail != "" {
		fmt.Fprintln(os.Stderr, tail)
	}
	if result.OutputPath != "" {
		fmt.Fprintln(os.Stderr, green("wrote"), result.OutputPath)
	}
	for _, artifact := range result.Artifacts {
		fmt.Fprintf(os.Stderr, "%s %s (%d bytes)\n", green("saved"), artifact.Path, artifact.Size)
	}
	if result.SentinelFellBack {
		fmt.Fprintln(os.Stderr, yellow("note:"), "the sentinel pass fell back to a single request")
	}
	if result.Budget != nil && result.Usage.TotalTokens > 0 {
		fmt.Fprintln(os.Stderr, gray(fmt.Sprintf("tokens: %d in, %d out; prompt used %.0f%% of the context window",
			result.Usage.InputTokens, result.Usage.OutputTokens, result.Budget.Percent())))
	}
}
