package codeexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	runerrors "schemarun/internal/errors"
	"schemarun/internal/llm"
)

// Artifact is a file the model produced inside the execution container.
type Artifact struct {
	FileID      string
	ContainerID string
	Filename    string
}

// Downloaded records where an artifact landed on disk.
type Downloaded struct {
	Artifact Artifact
	Path     string
	Size     int64
}

// executableExtensions trigger advisory warnings after download.
var executableExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true,
	".ps1": true, ".sh": true, ".msi": true, ".dll": true, ".so": true,
	".dylib": true, ".app": true, ".bin": true, ".run": true, ".jar": true,
}

// ExtractArtifacts walks the response for files the container produced:
// container_file_citation annotations on message items, and file results
// attached to code_interpreter_call items. Duplicate file IDs collapse to the
// first occurrence, with missing container or filename details filled in from
// later sightings.
func ExtractArtifacts(resp *llm.Response) []Artifact {
	if resp == nil {
		return nil
	}

	var out []Artifact
	index := make(map[string]int)

	add := func(a Artifact) {
		if a.FileID == "" {
			return
		}
		if i, ok := index[a.FileID]; ok {
			if out[i].ContainerID == "" {
				out[i].ContainerID = a.ContainerID
			}
			if out[i].Filename == "" {
				out[i].Filename = a.Filename
			}
			return
		}
		index[a.FileID] = len(out)
		out = append(out, a)
	}

	for _, c := range resp.ContainerCitations() {
		add(Artifact{FileID: c.FileID, ContainerID: c.ContainerID, Filename: c.Filename})
	}
	for _, item := range resp.Output {
		if !strings.EqualFold(strings.TrimSpace(item.Type), "code_interpreter_call") {
			continue
		}
		for _, res := range item.Results {
			for _, f := range res.Files {
				add(Artifact{FileID: f.FileID, ContainerID: item.ContainerID, Filename: f.Filename})
			}
		}
	}
	return out
}

// Download fetches every artifact in resp into the configured download
// directory. It fails on the first artifact that cannot be fetched or
// written; an empty response downloads nothing and returns nil.
func (d *Driver) Download(ctx context.Context, resp *llm.Response) ([]Downloaded, error) {
	artifacts := d.filterArtifacts(ExtractArtifacts(resp))
	if len(artifacts) == 0 {
		d.logger.Debug("no downloadable artifacts in the response")
		return nil, nil
	}

	dir, err := d.ensureDownloadDir()
	if err != nil {
		return nil, err
	}

	downloaded := make([]Downloaded, 0, len(artifacts))
	for _, art := range artifacts {
		data, err := d.fetch(ctx, art)
		if err != nil {
			return downloaded, err
		}

		target, skip := d.resolveCollision(filepath.Join(dir, d.artifactName(art)))
		if skip {
			d.logger.Warn("skipping %s: %s already exists", art.FileID, target)
			continue
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return downloaded, runerrors.Wrapf(runerrors.KindInternal, err, "write artifact %s", target)
		}

		d.validateArtifact(target, int64(len(data)))
		d.logger.Info("downloaded %s (%d bytes)", target, len(data))
		downloaded = append(downloaded, Downloaded{Artifact: art, Path: target, Size: int64(len(data))})
	}
	return downloaded, nil
}

// filterArtifacts applies the configured extension allow-list.
func (d *Driver) filterArtifacts(artifacts []Artifact) []Artifact {
	if len(d.opts.ExtensionFilters) == 0 {
		return artifacts
	}
	allowed := make(map[string]bool, len(d.opts.ExtensionFilters))
	for _, ext := range d.opts.ExtensionFilters {
		allowed[strings.ToLower(ext)] = true
	}
	kept := artifacts[:0]
	for _, art := range artifacts {
		ext := strings.ToLower(filepath.Ext(d.artifactName(art)))
		if allowed[ext] {
			kept = append(kept, art)
			continue
		}
		d.logger.Debug("filtering out %s (%s not in the extension allow-list)", art.FileID, ext)
	}
	return kept
}

// fetch routes container-scoped IDs (cfile_ prefix) through the container
// files endpoint, everything else through the general files endpoint. The
// container route stats the file first so an oversized artifact is rejected
// before any bytes move.
func (d *Driver) fetch(ctx context.Context, art Artifact) ([]byte, error) {
	if strings.HasPrefix(art.FileID, "cfile_") {
		if art.ContainerID == "" {
			return nil, runerrors.Newf(runerrors.KindDownloadFailed,
				"artifact %s is container-scoped but the response named no container", art.FileID)
		}
		size, err := d.client.StatContainerFile(ctx, art.ContainerID, art.FileID)
		if err != nil {
			return nil, d.classify(err, art)
		}
		if size > llm.MaxContainerFileBytes {
			return nil, runerrors.Newf(runerrors.KindDownloadFailed,
				"artifact %s is %d bytes, over the %d MiB download ceiling",
				d.artifactName(art), size, llm.MaxContainerFileBytes>>20)
		}
		data, err := d.client.DownloadContainerFile(ctx, art.ContainerID, art.FileID)
		if err != nil {
			return nil, d.classify(err, art)
		}
		return data, nil
	}

	data, err := d.client.DownloadFileContent(ctx, art.FileID)
	if err != nil {
		return nil, d.classify(err, art)
	}
	return data, nil
}

// classify maps transport errors onto the download taxonomy. A 404 on a
// container file means the container aged out, which deserves its own
// user-facing explanation.
func (d *Driver) classify(err error, art Artifact) error {
	switch {
	case runerrors.IsKind(err, runerrors.KindRateLimited):
		return err
	case runerrors.StatusOf(err) == 404:
		return runerrors.Wrapf(runerrors.KindContainerExpired, err,
			"the execution container for %s is gone", d.artifactName(art)).
			WithHint("Containers expire after ~20 minutes of runtime (or ~2 minutes idle). Re-run the job to regenerate the artifacts.").
			WithContext("file_id", art.FileID).
			WithContext("container_id", art.ContainerID)
	case runerrors.IsKind(err, runerrors.KindDownloadFailed):
		return err
	default:
		return runerrors.Wrapf(runerrors.KindDownloadFailed, err,
			"download of %s failed", d.artifactName(art))
	}
}

// artifactName yields a safe basename for the artifact. Anything that slips
// a path separator or relative segment into the reported filename is reduced
// to its base; an empty name falls back to the file ID.
func (d *Driver) artifactName(art Artifact) string {
	name := filepath.Base(strings.TrimSpace(art.Filename))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return art.FileID
	}
	return name
}

// ensureDownloadDir checks the directory against the sandbox and creates it.
func (d *Driver) ensureDownloadDir() (string, error) {
	dir := d.opts.DownloadDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(d.gate.BaseDir(), dir)
	}
	if !d.gate.IsAllowed(dir) {
		return "", runerrors.Newf(runerrors.KindPathDenied,
			"download directory %s is outside the allowed directories", d.opts.DownloadDir).
			WithHint("Allow it with --allow DIR or pick a directory under %s.", d.gate.BaseDir())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", runerrors.Wrapf(runerrors.KindInternal, err, "create download directory %s", dir)
	}
	return dir, nil
}

// resolveCollision applies the configured strategy to an occupied target
// path. The second return is true when the artifact should be skipped.
func (d *Driver) resolveCollision(target string) (string, bool) {
	if _, err := os.Lstat(target); err != nil {
		return target, false
	}
	switch d.opts.Collision {
	case CollisionSkip:
		return target, true
	case CollisionRename:
		ext := filepath.Ext(target)
		stem := strings.TrimSuffix(target, ext)
		for i := 1; ; i++ {
			candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
			if _, err := os.Lstat(candidate); err != nil {
				return candidate, false
			}
		}
	default:
		return target, false
	}
}

// validateArtifact emits the advisory warnings for the configured level.
// Warnings never fail the download.
func (d *Driver) validateArtifact(path string, size int64) {
	if d.opts.Validation == ValidationOff {
		return
	}
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))

	if size > llm.MaxContainerFileBytes {
		d.logger.Warn("artifact %s is unusually large (%d bytes)", name, size)
	}
	if executableExtensions[ext] {
		d.logger.Warn("artifact %s has an executable extension; inspect it before running", name)
		if d.opts.Validation == ValidationStrict {
			if kind, err := mimetype.DetectFile(path); err == nil {
				d.logger.Warn("artifact %s detected as %s", name, kind.String())
			}
		}
	}
	if d.opts.Validation != ValidationStrict {
		return
	}
	if strings.HasPrefix(name, ".") {
		d.logger.Warn("artifact %s is a hidden file", name)
	}
	if strings.Count(name, ".") > 1 && !strings.HasPrefix(name, ".") {
		d.logger.Warn("artifact %s has multiple extensions, a common disguise for executables", name)
	}
}
