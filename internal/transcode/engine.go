// Package transcode cuts and re-encodes a source video into a platform clip
// with ffmpeg.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/config"
	"github.com/jo-hoe/clipforge/internal/faults"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/profile"
	"github.com/jo-hoe/clipforge/internal/source"
	"github.com/jo-hoe/clipforge/internal/toolexec"
)

// Resource conditions a later attempt may not hit again. Anything else,
// corrupt or malformed input in particular, is permanent.
var reTransient = regexp.MustCompile(`(?i)resource temporarily unavailable|device or resource busy|` +
	`cannot allocate memory|out of memory|too many open files|lock(ed)? (contention|held|file)|` +
	`database is locked|interrupted system call|no space left on device`)

// IsTransient reports whether ffmpeg's stderr describes a transient resource
// condition.
func IsTransient(stderr string) bool {
	return reTransient.MatchString(stderr)
}

// Engine invokes ffmpeg.
type Engine struct {
	log    *slog.Logger
	cfg    config.TranscodeConfig
	runner toolexec.Runner
}

// New creates an Engine. runner defaults to toolexec.ExecRunner.
func New(log *slog.Logger, cfg config.TranscodeConfig, runner toolexec.Runner) *Engine {
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	return &Engine{log: log, cfg: cfg, runner: runner}
}

// OutputName returns the clip file name for a profile.
func OutputName(p profile.Profile) string {
	return common.ClipBaseName + "." + strings.ToLower(p.Format)
}

// Transcode renders clip from input according to p and writes it to outPath.
// The input artifact is single use: it is deleted whatever the outcome.
// A failed run leaves no output file behind.
func (e *Engine) Transcode(ctx context.Context, input source.Artifact, clip jobs.ClipWindow, p profile.Profile, outPath string) (source.Artifact, error) {
	defer func() {
		if err := input.Remove(); err != nil && e.log != nil {
			e.log.Warn("remove transcode input", "path", input.Path, "err", err)
		}
	}()

	if err := clip.Validate(); err != nil {
		return source.Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return source.Artifact{}, faults.Internal("transcode", fmt.Errorf("ensure output dir: %w", err))
	}
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	res, err := e.runner.Run(ctx, e.cfg.FFmpegPath, Args(e.cfg, input.Path, clip, p, outPath)...)
	if err != nil {
		_ = os.Remove(outPath)
		diag := toolexec.Tail(res.Stderr, 1024)
		if diag == "" {
			diag = err.Error()
		}
		transient := IsTransient(res.Stderr) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		return source.Artifact{}, faults.TranscodeError(diag, transient, err)
	}

	st, err := os.Stat(outPath)
	if err != nil || st.Size() == 0 {
		_ = os.Remove(outPath)
		return source.Artifact{}, faults.TranscodeError("ffmpeg reported success but produced no output", false, err)
	}
	return source.Artifact{Path: outPath, Size: st.Size()}, nil
}

// Args builds the ffmpeg argument list (without the binary name).
func Args(cfg config.TranscodeConfig, inputPath string, clip jobs.ClipWindow, p profile.Profile, outPath string) []string {
	args := make([]string, 0, 40)

	// --- Preamble ---
	args = append(args, "-hide_banner", "-nostdin", "-y", "-loglevel", "error")

	// --- Seek before input for fast, keyframe-accurate cut ---
	args = append(args, "-ss", formatSeconds(clip.StartOffsetSeconds))
	args = append(args, "-i", inputPath)
	args = append(args, "-t", formatSeconds(clip.DurationSeconds))

	// --- Letterbox into the target frame, never crop ---
	args = append(args, "-vf", ScaleFilter(p.Width, p.Height))

	// --- Video ---
	args = append(args, "-c:v", cfg.VideoCodec, "-b:v", p.VideoBitrate)
	if cfg.Preset != "" {
		args = append(args, "-preset", cfg.Preset)
	}
	args = append(args, "-pix_fmt", "yuv420p")

	// --- Audio ---
	args = append(args, "-c:a", cfg.AudioCodec, "-b:a", p.AudioBitrate)

	// --- Container ---
	format := strings.ToLower(p.Format)
	if format == "mp4" || format == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, "-f", format)

	return append(args, outPath)
}

// ScaleFilter fits the picture inside w×h preserving aspect ratio and pads the
// remainder with black.
func ScaleFilter(w, h int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black,setsar=1", w, h, w, h)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
