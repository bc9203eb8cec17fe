package jobs

import (
	"context"
	"path/filepath"
	"testing"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, newSQLiteTestStore)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	mustCreate(t, s, "job-1")
	if _, err := s.Transition(context.Background(), "job-1", StatusFetching, Fields{Attempts: 1}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFetching || got.Attempts != 1 || got.TargetProfile != "tiktok" {
		t.Fatalf("unexpected job after reopen: %+v", got)
	}
	history, err := s.Transitions(context.Background(), "job-1")
	if err != nil || len(history) != 1 {
		t.Fatalf("history after reopen: %v, %+v", err, history)
	}
}
