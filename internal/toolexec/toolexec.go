// Package toolexec runs external command line tools (yt-dlp, ffmpeg) and
// captures their output for failure classification.
package toolexec

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"unicode/utf8"
)

// Result holds the captured output of one invocation.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes a tool. Err is non-nil when the tool could not be started or
// exited non-zero; Result is populated in both cases.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs tools as child processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return Result{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

// Tail returns at most the last n bytes of s, never splitting a UTF-8
// sequence. Tool diagnostics put the cause at the end.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
