package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jo-hoe/clipforge/internal/faults"
)

func writeClip(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	return p
}

func TestStore_StoreAndDelete(t *testing.T) {
	root := t.TempDir()
	s, err := New(filepath.Join(root, "clips"), "http://localhost:8080/clips/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := writeClip(t, t.TempDir(), "clip.mp4", []byte("mp4data"))

	url, err := s.Store(context.Background(), src, "job-1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if url != "http://localhost:8080/clips/job-1/clip.mp4" {
		t.Fatalf("url = %q", url)
	}
	stored := filepath.Join(root, "clips", "job-1", "clip.mp4")
	got, err := os.ReadFile(stored)
	if err != nil || string(got) != "mp4data" {
		t.Fatalf("stored file = %q, %v", got, err)
	}
	// The source is left to the caller.
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("source removed: %v", err)
	}

	if err := s.Delete(context.Background(), "job-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "clips", "job-1")); !os.IsNotExist(err) {
		t.Fatalf("job dir still present: %v", err)
	}
	// Deleting again is fine.
	if err := s.Delete(context.Background(), "job-1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestStore_RetryOverwritesWithoutDuplicates(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "http://h/clips")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	work := t.TempDir()
	for _, body := range []string{"first", "second"} {
		src := writeClip(t, work, "clip.mp4", []byte(body))
		if _, err := s.Store(context.Background(), src, "job-r"); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(dir, "job-r"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "clip.mp4" {
		t.Fatalf("unexpected entries: %v", entries)
	}
	got, _ := os.ReadFile(filepath.Join(dir, "job-r", "clip.mp4"))
	if string(got) != "second" {
		t.Fatalf("content = %q, want second", got)
	}
}

func TestStore_MissingSourceIsRetriable(t *testing.T) {
	s, err := New(t.TempDir(), "http://h/clips")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = s.Store(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), "job-x")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !faults.IsRetriable(err) {
		t.Fatalf("store errors should be retriable: %v", err)
	}
}

func TestStore_RejectsEscapingJobID(t *testing.T) {
	s, err := New(t.TempDir(), "http://h/clips")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if err := s.Delete(context.Background(), id); err == nil {
			t.Errorf("Delete(%q) should fail", id)
		}
	}
}

func TestStore_CancelledContext(t *testing.T) {
	s, err := New(t.TempDir(), "http://h/clips")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := writeClip(t, t.TempDir(), "clip.mp4", []byte("x"))
	if _, err := s.Store(ctx, src, "job-c"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled in chain", err)
	}
}
