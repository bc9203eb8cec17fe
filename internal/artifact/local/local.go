// Package local stores finished clips on disk below a directory that the
// HTTP server exposes.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/clipforge/internal/artifact"
	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/faults"
)

// Store writes clips to <dir>/<jobID>/clip.<ext>.
type Store struct {
	dir     string
	baseURL string
}

var _ artifact.Store = (*Store)(nil)

// New creates a store rooted at dir whose files are reachable below baseURL.
func New(dir, baseURL string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("local store: dir is required")
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("local store: invalid public base url %q", baseURL)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure clips dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the root directory served to clients.
func (s *Store) Dir() string { return s.dir }

// Store copies localPath into the job directory. The copy goes through a
// temp file and a rename so readers never observe a partial clip.
func (s *Store) Store(ctx context.Context, localPath, jobID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", faults.StoreError("store cancelled", err)
	}
	if err := checkJobID(jobID); err != nil {
		return "", err
	}
	name := artifact.ObjectName(jobID, localPath)
	dstPath := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", faults.StoreError("ensure job dir", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", faults.StoreError("open clip", err)
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), "."+common.ClipBaseName+"-*"+common.TempFileSuffix)
	if err != nil {
		return "", faults.StoreError("create temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", faults.StoreError("copy clip", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", faults.StoreError("close temp file", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return "", faults.StoreError("chmod clip", err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", faults.StoreError("publish clip", err)
	}
	return s.baseURL + "/" + name, nil
}

// Delete removes the job directory.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := checkJobID(jobID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.dir, jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return faults.StoreError("delete job dir", err)
	}
	return nil
}

// checkJobID keeps job ids from escaping the store directory.
func checkJobID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return faults.Internal("store", fmt.Errorf("invalid job id %q", jobID))
	}
	return nil
}
