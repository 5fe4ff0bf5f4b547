// Package engine orchestrates a structured-output run end to end: parameter
// admission, the token budget gate, tool preparation, request assembly, the
// single- and two-pass protocols, response parsing and validation, and
// cleanup of everything the run created remotely.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"schemarun/internal/attach"
	"schemarun/internal/budget"
	runerrors "schemarun/internal/errors"
	"schemarun/internal/llm"
	"schemarun/internal/logging"
	"schemarun/internal/schema"
	"schemarun/internal/security"
	"schemarun/internal/tools"
	"schemarun/internal/tools/codeexec"
	"schemarun/internal/upload"
)

// Client is the slice of the API surface the engine drives directly.
type Client interface {
	CreateResponse(ctx context.Context, payload map[string]any) (*llm.Response, error)
	BaseURL() string
}

// ArtifactDownloader saves container files a response cites to local disk.
// Implemented by the code-execution driver.
type ArtifactDownloader interface {
	Download(ctx context.Context, resp *llm.Response) ([]codeexec.Downloaded, error)
}

// PassStrategy selects how structured output and code execution are
// combined on the wire.
type PassStrategy string

const (
	// SinglePass sends one request carrying both the strict format and
	// the tool bundle.
	SinglePass PassStrategy = "single_pass"
	// TwoPassSentinel runs tools unconstrained first, then re-issues the
	// result under the strict format. Strict structured output suppresses
	// the container file citations artifact download needs, so runs that
	// generate files get this protocol by default.
	TwoPassSentinel PassStrategy = "two_pass_sentinel"
)

// ParsePassStrategy maps the --download-strategy spelling. Empty selects the
// default, TwoPassSentinel.
func ParsePassStrategy(raw string) (PassStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "two_pass_sentinel", "two-pass-sentinel", "two-pass":
		return TwoPassSentinel, nil
	case "single_pass", "single-pass", "single":
		return SinglePass, nil
	default:
		return "", runerrors.Newf(runerrors.KindUsage, "unknown download strategy %q", raw).
			WithHint("Valid strategies: single_pass, two_pass_sentinel.")
	}
}

// ParseMode controls the defensive steps of response parsing.
type ParseMode string

const (
	// ParseAuto enables the defensive steps only when code execution is
	// in the tool bundle.
	ParseAuto ParseMode = "auto"
	// ParseStrict never runs the defensive steps.
	ParseStrict ParseMode = "strict"
	// ParseDefensive always runs them.
	ParseDefensive ParseMode = "defensive"
)

// ParseParseMode maps the SCHEMARUN_JSON_PARSE spelling. Empty selects
// ParseAuto.
func ParseParseMode(raw string) (ParseMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return ParseAuto, nil
	case "strict":
		return ParseStrict, nil
	case "defensive", "lenient":
		return ParseDefensive, nil
	default:
		return "", runerrors.Newf(runerrors.KindUsage, "unknown JSON parse mode %q", raw).
			WithHint("Valid modes: auto, strict, lenient.")
	}
}

// Config carries the per-run settings the CLI resolved.
type Config struct {
	Model     string
	Params    Params
	Strategy  PassStrategy
	ParseMode ParseMode

	// ForceTwoPass runs the sentinel protocol even when no code execution
	// is in the bundle.
	ForceTwoPass bool
	// WebSearch requests the vendor web-search tool when the model
	// supports it and the endpoint can serve it.
	WebSearch bool

	// OutputPath writes the result document to a file instead of stdout.
	OutputPath string
	DryRun     bool
}

// Deps are the collaborators a run needs. Counter and Stdout have defaults;
// everything else is required except Artifacts and Drivers, which are absent
// when no tool is enabled.
type Deps struct {
	Client    Client
	Schema    *schema.Schema
	Plan      *attach.Plan
	Uploads   *upload.Manager
	Drivers   []tools.Driver
	Artifacts ArtifactDownloader
	Gate      *security.Gate
	Counter   *budget.Counter
	Logger    logging.Logger
	Stdout    io.Writer
}

// Engine runs one structured-output job.
type Engine struct {
	client    Client
	outSchema *schema.Schema
	plan      *attach.Plan
	uploads   *upload.Manager
	drivers   []tools.Driver
	artifacts ArtifactDownloader
	gate      *security.Gate
	counter   *budget.Counter
	cfg       Config
	logger    logging.Logger
	stdout    io.Writer
}

// New validates the wiring and applies defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Client == nil:
		return nil, runerrors.New(runerrors.KindInternal, "engine built without an API client")
	case deps.Schema == nil:
		return nil, runerrors.New(runerrors.KindInternal, "engine built without a schema")
	case deps.Plan == nil:
		return nil, runerrors.New(runerrors.KindInternal, "engine built without an attachment plan")
	case deps.Uploads == nil:
		return nil, runerrors.New(runerrors.KindInternal, "engine built without an upload manager")
	case deps.Gate == nil:
		return nil, runerrors.New(runerrors.KindInternal, "engine built without a security gate")
	}

	if cfg.Strategy == "" {
		cfg.Strategy = TwoPassSentinel
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = ParseAuto
	}
	counter := deps.Counter
	if counter == nil {
		counter = budget.NewCounter(cfg.Model)
	}
	stdout := deps.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	return &Engine{
		client:    deps.Client,
		outSchema: deps.Schema,
		plan:      deps.Plan,
		uploads:   deps.Uploads,
		drivers:   deps.Drivers,
		artifacts: deps.Artifacts,
		gate:      deps.Gate,
		counter:   counter,
		cfg:       cfg,
		logger:    logging.OrNop(deps.Logger),
		stdout:    stdout,
	}, nil
}

// Input is the rendered material for one run.
type Input struct {
	// Instructions is the system-level text, possibly empty.
	Instructions string
	// Prompt is the rendered user prompt.
	Prompt string
	// PromptFiles are the template-routed file contents. They were already
	// inlined into Prompt; they ride along here so the budget report can
	// attribute tokens per file.
	PromptFiles []budget.File
}

// Result is everything a run produced.
type Result struct {
	Document     map[string]any
	RawText      string
	MarkdownTail string
	// Strategy names the parse strategy that produced Document.
	Strategy string

	TwoPass          bool
	SentinelFellBack bool

	Artifacts []codeexec.Downloaded
	Usage     llm.Usage
	Budget    *budget.Report

	// Response is the reply Document was parsed from; PassOne is the
	// first reply when the sentinel protocol ran.
	Response *llm.Response
	PassOne  *llm.Response

	DryRun bool
	// OutputPath is where the document was written; empty means stdout.
	OutputPath string
}

// Run executes the job. Order matters: parameters are admitted and the token
// budget is checked before any upload happens, and the dry-run exit comes
// before any remote side effect. Once uploads may exist, cleanup is deferred
// so every return path drains the ledger.
func (e *Engine) Run(ctx context.Context, input Input) (*Result, error) {
	caps, known := CapabilitiesFor(e.cfg.Model)
	if !known {
		e.logger.Warn("model %s is not in the capability registry; assuming a %d-token context window",
			e.cfg.Model, caps.ContextWindow)
	}
	admitted, err := AdmitParams(caps, e.cfg.Params, e.logger)
	if err != nil {
		return nil, err
	}

	combined := input.Prompt
	if input.Instructions != "" {
		combined = input.Instructions + "\n\n" + input.Prompt
	}
	report, err := budget.Check(e.counter.Count, combined, input.PromptFiles, caps.ContextWindow, e.logger)
	if err != nil {
		return nil, err
	}

	if err := e.uploads.Register(e.plan); err != nil {
		return nil, err
	}

	if e.cfg.DryRun {
		e.printDryRun(report, caps)
		return &Result{DryRun: true, Budget: report}, nil
	}

	defer e.cleanup(ctx)

	if err := e.prepare(ctx); err != nil {
		return nil, err
	}

	toolConfigs := e.bundleTools(caps)
	codeExec := hasToolType(toolConfigs, "code_interpreter")
	base := e.basePayload(input, admitted)

	var result *Result
	if e.twoPassEligible(codeExec) {
		result, err = e.runTwoPass(ctx, base, input.Instructions, toolConfigs, codeExec)
	} else {
		result, err = e.runSinglePass(ctx, base, input.Instructions, toolConfigs, codeExec)
	}
	if err != nil {
		return nil, err
	}
	result.Budget = report

	if err := e.writeOutput(result.Document); err != nil {
		return nil, err
	}
	result.OutputPath = e.cfg.OutputPath
	return result, nil
}

// prepare runs driver preparation concurrently alongside the user-data
// uploads. Shared identities stay single-upload because the manager guards
// each transfer with a once.
func (e *Engine) prepare(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.uploads.UploadFor(gctx, attach.ToolUserData)
		return err
	})
	for _, d := range e.drivers {
		d := d
		g.Go(func() error { return d.Prepare(gctx) })
	}
	return g.Wait()
}

// bundleTools concatenates driver tool configs in driver order, then appends
// the vendor web-search tool when requested and usable.
func (e *Engine) bundleTools(caps ModelCapabilities) []map[string]any {
	var configs []map[string]any
	for _, d := range e.drivers {
		configs = append(configs, d.ToolConfigs()...)
	}
	if e.cfg.WebSearch {
		switch {
		case !caps.SupportsWebSearch:
			e.logger.Warn("model %s does not support web search; dropping the tool", e.cfg.Model)
		case isAzureHost(e.client.BaseURL()):
			e.logger.Warn("web search is not served through Azure endpoints; dropping the tool")
		default:
			configs = append(configs, map[string]any{"type": "web_search"})
		}
	}
	return configs
}

func hasToolType(configs []map[string]any, toolType string) bool {
	for _, c := range configs {
		if t, _ := c["type"].(string); t == toolType {
			return true
		}
	}
	return false
}

func isAzureHost(base string) bool {
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Hostname()), "azure")
}

// twoPassEligible reports whether the sentinel protocol applies. It needs
// code execution in the bundle because that is the case where the strict
// format suppresses file citations; the force flag skips that requirement.
func (e *Engine) twoPassEligible(codeExec bool) bool {
	if e.cfg.ForceTwoPass {
		return true
	}
	return e.cfg.Strategy == TwoPassSentinel && codeExec
}

// basePayload builds the request fields shared by every pass: model, the
// user message with its attached file parts, admitted parameters, and
// store=false so the vendor keeps nothing after the run.
func (e *Engine) basePayload(input Input, admitted map[string]any) map[string]any {
	content := []any{map[string]any{"type": "input_text", "text": input.Prompt}}
	for _, id := range e.uploads.IDsFor(attach.ToolUserData) {
		content = append(content, map[string]any{"type": "input_file", "file_id": id})
	}

	payload := map[string]any{
		"model": e.cfg.Model,
		"input": []any{map[string]any{"role": "user", "content": content}},
		"store": false,
	}
	for k, v := range admitted {
		payload[k] = v
	}
	return payload
}

func clonePayload(base map[string]any) map[string]any {
	out := make(map[string]any, len(base)+3)
	for k, v := range base {
		out[k] = v
	}
	return out
}

func (e *Engine) runSinglePass(ctx context.Context, base map[string]any, instructions string, toolConfigs []map[string]any, codeExec bool) (*Result, error) {
	payload := clonePayload(base)
	if instructions != "" {
		payload["instructions"] = instructions
	}
	payload["text"] = map[string]any{"format": e.outSchema.ResponseFormat()}
	if len(toolConfigs) > 0 {
		payload["tools"] = toolConfigs
	}

	resp, err := e.createResponse(ctx, payload)
	if err != nil {
		return nil, err
	}

	artifacts, err := e.downloadArtifacts(ctx, resp, codeExec)
	if err != nil {
		return nil, err
	}

	outcome, err := e.parseAndValidate(resp.Text(), codeExec)
	if err != nil {
		return nil, err
	}

	return &Result{
		Document:     outcome.Document,
		RawText:      resp.Text(),
		MarkdownTail: outcome.MarkdownTail,
		Strategy:     outcome.Strategy,
		Artifacts:    artifacts,
		Usage:        resp.Usage,
		Response:     resp,
	}, nil
}

// runTwoPass executes the sentinel protocol. Pass 1 carries the tools and no
// strict format; its artifacts are downloaded before anything else because
// pass 2 runs without tools and can never produce new ones. A missing or
// unparseable sentinel block falls back to one full single-pass request, so
// the run costs two requests either way.
func (e *Engine) runTwoPass(ctx context.Context, base map[string]any, instructions string, toolConfigs []map[string]any, codeExec bool) (*Result, error) {
	e.logger.Info("two-pass protocol: pass 1 runs the tools without the strict format")

	pass1 := clonePayload(base)
	pass1["instructions"] = joinInstructions(instructions, sentinelInstruction)
	if len(toolConfigs) > 0 {
		pass1["tools"] = toolConfigs
	}

	resp1, err := e.createResponse(ctx, pass1)
	if err != nil {
		return nil, err
	}

	artifacts, err := e.downloadArtifacts(ctx, resp1, codeExec)
	if err != nil {
		return nil, err
	}

	doc, found, serr := ExtractSentinel(resp1.Text())
	if !found || serr != nil {
		if serr != nil {
			e.logger.Warn("pass-1 sentinel block did not parse (%v); falling back to a single-pass request", serr)
		} else {
			e.logger.Warn("pass-1 response carried no sentinel block; falling back to a single-pass request")
		}
		result, err := e.runSinglePass(ctx, base, instructions, toolConfigs, codeExec)
		if err != nil {
			return nil, err
		}
		result.Artifacts = mergeArtifacts(artifacts, result.Artifacts)
		result.Usage = sumUsage(resp1.Usage, result.Usage)
		result.TwoPass = true
		result.SentinelFellBack = true
		result.PassOne = resp1
		return result, nil
	}

	reuse, err := reuseInstruction(doc)
	if err != nil {
		return nil, runerrors.Wrap(runerrors.KindInternal, err, "cannot carry the pass-1 payload into pass 2")
	}

	e.logger.Info("two-pass protocol: pass 2 re-emits the result under the strict format")
	pass2 := clonePayload(base)
	pass2["instructions"] = joinInstructions(instructions, reuse)
	pass2["text"] = map[string]any{"format": e.outSchema.ResponseFormat()}

	resp2, err := e.createResponse(ctx, pass2)
	if err != nil {
		return nil, err
	}

	outcome, err := e.parseAndValidate(resp2.Text(), false)
	if err != nil {
		return nil, err
	}

	return &Result{
		Document:     outcome.Document,
		RawText:      resp2.Text(),
		MarkdownTail: outcome.MarkdownTail,
		Strategy:     outcome.Strategy,
		TwoPass:      true,
		Artifacts:    artifacts,
		Usage:        sumUsage(resp1.Usage, resp2.Usage),
		Response:     resp2,
		PassOne:      resp1,
	}, nil
}

// createResponse issues the request and surfaces truncation, which otherwise
// shows up later as an unparseable document.
func (e *Engine) createResponse(ctx context.Context, payload map[string]any) (*llm.Response, error) {
	resp, err := e.client.CreateResponse(ctx, payload)
	if err != nil {
		return nil, err
	}
	if resp.IncompleteDetails != nil && resp.IncompleteDetails.Reason != "" {
		e.logger.Warn("response %s is incomplete (%s); the document may not parse",
			resp.ID, resp.IncompleteDetails.Reason)
	}
	return resp, nil
}

func (e *Engine) downloadArtifacts(ctx context.Context, resp *llm.Response, codeExec bool) ([]codeexec.Downloaded, error) {
	if !codeExec || e.artifacts == nil {
		return nil, nil
	}
	return e.artifacts.Download(ctx, resp)
}

func (e *Engine) parseAndValidate(text string, codeExec bool) (*ParseOutcome, error) {
	outcome, err := ParseStructured(text, e.defensive(codeExec), e.logger)
	if err != nil {
		return nil, err
	}
	validator, err := e.outSchema.Validator()
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(outcome.Document); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (e *Engine) defensive(codeExec bool) bool {
	switch e.cfg.ParseMode {
	case ParseStrict:
		return false
	case ParseDefensive:
		return true
	default:
		return codeExec
	}
}

// writeOutput emits the document as indented JSON to stdout or to the
// configured path. The path must land inside an allowed directory.
func (e *Engine) writeOutput(doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return runerrors.Wrap(runerrors.KindInternal, err, "cannot encode the result document")
	}

	if e.cfg.OutputPath == "" {
		if _, err := fmt.Fprintln(e.stdout, string(data)); err != nil {
			return runerrors.Wrap(runerrors.KindInternal, err, "cannot write the result document")
		}
		return nil
	}

	path := e.cfg.OutputPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.gate.BaseDir(), path)
	}
	if !e.gate.IsAllowed(path) {
		return runerrors.Newf(runerrors.KindPathDenied,
			"output path %s is outside the allowed directories", e.cfg.OutputPath).
			WithHint("Add its directory with --allow DIR or write inside the working directory.")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return runerrors.Wrapf(runerrors.KindInternal, err, "cannot create the output directory for %s", path)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return runerrors.Wrapf(runerrors.KindInternal, err, "cannot write %s", path)
	}
	e.logger.Info("wrote result document to %s", path)
	return nil
}

// cleanup drains the upload ledger first, then runs driver cleanups in
// reverse order, under a context shielded from the run's cancellation so an
// interrupted run still deletes what it created. The deadline keeps at least
// a 30-second grace window.
func (e *Engine) cleanup(ctx context.Context) {
	grace := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > grace {
			grace = remaining
		}
	}
	shielded, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	_ = e.uploads.Cleanup(shielded)
	for i := len(e.drivers) - 1; i >= 0; i-- {
		if err := e.drivers[i].Cleanup(shielded); err != nil {
			e.logger.Warn("cleanup of %s reported: %v", e.drivers[i].Name(), err)
		}
	}
}

// printDryRun writes the plan summary. Nothing has touched the network at
// this point and nothing will.
func (e *Engine) printDryRun(report *budget.Report, caps ModelCapabilities) {
	fmt.Fprintln(e.stdout, "dry run: nothing was sent")
	fmt.Fprintf(e.stdout, "  model:  %s (context window %d tokens)\n", e.cfg.Model, caps.ContextWindow)
	fmt.Fprintf(e.stdout, "  schema: %s\n", e.outSchema.Name)
	fmt.Fprintf(e.stdout, "  tokens: %d of %d (%.1f%%)\n", report.Total, report.Limit, report.Percent())

	for _, tool := range []attach.Tool{attach.ToolCodeExec, attach.ToolRetrieval, attach.ToolUserData} {
		paths := e.uploads.PathsFor(tool)
		if len(paths) == 0 {
			continue
		}
		fmt.Fprintf(e.stdout, "  %s uploads (%d):\n", strings.ToLower(string(tool)), len(paths))
		for _, p := range paths {
			fmt.Fprintf(e.stdout, "    %s\n", p)
		}
	}
	if len(e.drivers) > 0 {
		names := make([]string, len(e.drivers))
		for i, d := range e.drivers {
			names[i] = d.Name()
		}
		fmt.Fprintf(e.stdout, "  tools:  %s\n", strings.Join(names, ", "))
	}
}

func joinInstructions(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func mergeArtifacts(a, b []codeexec.Downloaded) []codeexec.Downloaded {
	seen := make(map[string]bool, len(a))
	out := append([]codeexec.Downloaded(nil), a...)
	for _, d := range a {
		seen[d.Path] = true
	}
	for _, d := range b {
		if !seen[d.Path] {
			out = append(out, d)
			seen[d.Path] = true
		}
	}
	return out
}

func sumUsage(a, b llm.Usage) llm.Usage {
	return llm.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		TotalTokens:  a.TotalTokens + b.TotalTokens,
	}
}
