// Package source retrieves videos from hosting platforms with yt-dlp.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/faults"
	"github.com/jo-hoe/clipforge/internal/toolexec"
)

// Artifact is a file produced by a pipeline stage.
type Artifact struct {
	Path string
	Size int64
}

// Remove deletes the artifact file. Missing files are not an error.
func (a Artifact) Remove() error {
	if a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var (
	// The platform says the reference does not exist or cannot be served.
	reNotFound = regexp.MustCompile(`(?i)video unavailable|private video|this video has been removed|` +
		`does not exist|HTTP Error 404|404: Not Found|Unsupported URL|Requested format is not available`)

	reTooLarge = regexp.MustCompile(`(?i)larger than max-filesize`)
)

// Fetcher validates source references and downloads them.
type Fetcher struct {
	log      *slog.Logger
	cfg      config.SourceConfig
	runner   toolexec.Runner
	patterns []*regexp.Regexp
}

// New compiles the accepted URL patterns. runner defaults to toolexec.ExecRunner.
func New(log *slog.Logger, cfg config.SourceConfig, runner toolexec.Runner) (*Fetcher, error) {
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	if len(cfg.Patterns) == 0 {
		return nil, errors.New("source: at least one URL pattern is required")
	}
	f := &Fetcher{log: log, cfg: cfg, runner: runner}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("source: compile pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Validate reports whether ref has a recognized hosting-platform URL shape.
// It never touches the network.
func (f *Fetcher) Validate(ref string) error {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return faults.InvalidReference(ref)
	}
	for _, re := range f.patterns {
		if re.MatchString(ref) {
			return nil
		}
	}
	return faults.InvalidReference(ref)
}

// Fetch downloads the best combined audio+video representation of ref into
// destDir. Partial downloads are removed when the fetch fails.
func (f *Fetcher) Fetch(ctx context.Context, ref, destDir string) (Artifact, error) {
	if err := f.Validate(ref); err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return Artifact{}, faults.Internal("fetch", fmt.Errorf("ensure workspace: %w", err))
	}
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	res, err := f.runner.Run(ctx, f.cfg.YtDlpPath, f.args(ref, destDir)...)
	if err != nil {
		f.removePartial(destDir)
		diag := toolexec.Tail(res.Stderr, 512)
		switch {
		case reNotFound.MatchString(res.Stderr):
			return Artifact{}, faults.SourceNotFound(ref, errors.New(diag))
		case ctx.Err() != nil:
			return Artifact{}, faults.FetchError("download interrupted", ctx.Err())
		default:
			return Artifact{}, faults.FetchError("download failed: "+diag, err)
		}
	}
	if reTooLarge.MatchString(res.Stdout + res.Stderr) {
		f.removePartial(destDir)
		return Artifact{}, faults.SourceTooLarge(ref)
	}

	path, err := locate(res.Stdout, destDir)
	if err != nil {
		f.removePartial(destDir)
		return Artifact{}, faults.FetchError("download produced no file", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		return Artifact{}, faults.FetchError("stat download", err)
	}
	if st.Size() == 0 {
		_ = os.Remove(path)
		return Artifact{}, faults.FetchError("download produced an empty file", nil)
	}
	if f.log != nil {
		f.log.Debug("source fetched", "ref", ref, "path", path, "size", humanize.IBytes(uint64(st.Size())))
	}
	return Artifact{Path: path, Size: st.Size()}, nil
}

func (f *Fetcher) args(ref, destDir string) []string {
	args := []string{
		"-f", "b", // best single file carrying both audio and video
		"--no-playlist",
		"--no-warnings",
		"--no-progress",
		"--no-part",
		"-o", filepath.Join(destDir, common.SourceBaseName+".%(ext)s"),
		"--print", "after_move:filepath",
	}
	if f.cfg.MaxFileSize > 0 {
		args = append(args, "--max-filesize", strconv.FormatUint(uint64(f.cfg.MaxFileSize), 10))
	}
	return append(args, "--", ref)
}

// locate finds the downloaded file: the path yt-dlp printed, or the single
// source.* file in destDir.
func locate(stdout, destDir string) (string, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		p := strings.TrimSpace(lines[i])
		if p == "" {
			continue
		}
		if rel, err := filepath.Rel(destDir, p); err == nil && !strings.HasPrefix(rel, "..") {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		break
	}
	matches, err := filepath.Glob(filepath.Join(destDir, common.SourceBaseName+".*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if !strings.HasSuffix(m, ".part") {
			return m, nil
		}
	}
	return "", fmt.Errorf("no %s.* file in %s", common.SourceBaseName, destDir)
}

func (f *Fetcher) removePartial(destDir string) {
	matches, _ := filepath.Glob(filepath.Join(destDir, common.SourceBaseName+".*"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && f.log != nil {
			f.log.Warn("remove partial download", "path", m, "err", err)
		}
	}
}
