package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/clipforge/internal/faults"
)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("lifecycle", func(t *testing.T) {
		testLifecycle(t, newStore(t))
	})
	t.Run("unknown job", func(t *testing.T) {
		testUnknownJob(t, newStore(t))
	})
	t.Run("terminal is final", func(t *testing.T) {
		testTerminalIsFinal(t, newStore(t))
	})
	t.Run("illegal edges", func(t *testing.T) {
		testIllegalEdges(t, newStore(t))
	})
	t.Run("output location only when completed", func(t *testing.T) {
		testOutputLocation(t, newStore(t))
	})
	t.Run("concurrent terminal writes", func(t *testing.T) {
		testConcurrentTerminal(t, newStore(t))
	})
	t.Run("unfinished", func(t *testing.T) {
		testUnfinished(t, newStore(t))
	})
}

func newTestJob(id string) *Job {
	return &Job{
		ID:              id,
		SourceReference: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Clip:            ClipWindow{StartOffsetSeconds: 12.5, DurationSeconds: 15},
		TargetProfile:   "tiktok",
		CallbackURL:     "http://hooks.example/clip",
	}
}

func mustCreate(t *testing.T, s Store, id string) *Job {
	t.Helper()
	j := newTestJob(id)
	if err := s.Create(context.Background(), j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

func testLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "job-1")

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("initial status = %s, want queued", got.Status)
	}
	if got.Clip.StartOffsetSeconds != 12.5 || got.Clip.DurationSeconds != 15 {
		t.Fatalf("clip window not persisted: %+v", got.Clip)
	}
	if got.CallbackURL != "http://hooks.example/clip" {
		t.Fatalf("callback url not persisted: %q", got.CallbackURL)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}

	steps := []struct {
		to Status
		f  Fields
	}{
		{StatusFetching, Fields{}},
		{StatusTranscoding, Fields{Attempts: 2}},
		{StatusUploading, Fields{Attempts: 1}},
		{StatusCompleted, Fields{OutputLocation: "http://localhost:8080/clips/job-1/clip.mp4", Attempts: 1}},
	}
	for _, st := range steps {
		j, err := s.Transition(ctx, "job-1", st.to, st.f)
		if err != nil {
			t.Fatalf("Transition to %s: %v", st.to, err)
		}
		if j.Status != st.to {
			t.Fatalf("returned status = %s, want %s", j.Status, st.to)
		}
	}

	got, err = s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.OutputLocation != "http://localhost:8080/clips/job-1/clip.mp4" {
		t.Fatalf("output location = %q", got.OutputLocation)
	}
	if got.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", got.Attempts)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("completed job carries error %q", got.ErrorMessage)
	}

	history, err := s.Transitions(ctx, "job-1")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	want := []Status{StatusFetching, StatusTranscoding, StatusUploading, StatusCompleted}
	if len(history) != len(want) {
		t.Fatalf("history len = %d, want %d", len(history), len(want))
	}
	prev := StatusQueued
	for i, h := range history {
		if h.From != prev || h.To != want[i] {
			t.Fatalf("history[%d] = %s->%s, want %s->%s", i, h.From, h.To, prev, want[i])
		}
		prev = h.To
	}
}

func testUnknownJob(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("Get missing: err = %v, want not found", err)
	}
	if _, err := s.Transition(ctx, "missing", StatusFetching, Fields{}); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("Transition missing: err = %v, want not found", err)
	}
	if _, err := s.Transitions(ctx, "missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("Transitions missing: err = %v, want not found", err)
	}
}

func testTerminalIsFinal(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "job-f")
	if _, err := s.Transition(ctx, "job-f", StatusFetching, Fields{}); err != nil {
		t.Fatalf("to fetching: %v", err)
	}
	if _, err := s.Transition(ctx, "job-f", StatusFailed, Fields{ErrorMessage: "fetch failed: boom"}); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	for _, to := range []Status{StatusQueued, StatusFetching, StatusUploading, StatusCompleted, StatusFailed} {
		f := Fields{}
		if to == StatusCompleted {
			f.OutputLocation = "http://example/clip.mp4"
		}
		if _, err := s.Transition(ctx, "job-f", to, f); !errors.Is(err, faults.ErrInvalidTransition) {
			t.Fatalf("failed -> %s: err = %v, want invalid transition", to, err)
		}
	}
	got, err := s.Get(ctx, "job-f")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "fetch failed: boom" {
		t.Fatalf("terminal job changed: %+v", got)
	}
	history, _ := s.Transitions(ctx, "job-f")
	if len(history) != 2 || history[1].Message != "fetch failed: boom" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func testIllegalEdges(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "job-e")
	for _, to := range []Status{StatusTranscoding, StatusUploading, StatusQueued} {
		if _, err := s.Transition(ctx, "job-e", to, Fields{}); !errors.Is(err, faults.ErrInvalidTransition) {
			t.Fatalf("queued -> %s: err = %v, want invalid transition", to, err)
		}
	}
	// queued may fail directly (cancellation before dispatch).
	if _, err := s.Transition(ctx, "job-e", StatusFailed, Fields{ErrorMessage: "cancelled"}); err != nil {
		t.Fatalf("queued -> failed: %v", err)
	}
}

func testOutputLocation(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "job-o")
	if _, err := s.Transition(ctx, "job-o", StatusFetching, Fields{OutputLocation: "x"}); !errors.Is(err, faults.ErrInvalidTransition) {
		t.Fatalf("non-completed with location: err = %v", err)
	}
	for _, to := range []Status{StatusFetching, StatusTranscoding, StatusUploading} {
		if _, err := s.Transition(ctx, "job-o", to, Fields{}); err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	if _, err := s.Transition(ctx, "job-o", StatusCompleted, Fields{}); !errors.Is(err, faults.ErrInvalidTransition) {
		t.Fatalf("completed without location: err = %v", err)
	}
	got, _ := s.Get(ctx, "job-o")
	if got.Status != StatusUploading || got.OutputLocation != "" {
		t.Fatalf("rejected transition changed job: %+v", got)
	}
}

func testConcurrentTerminal(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, "job-c")
	for _, to := range []Status{StatusFetching, StatusTranscoding, StatusUploading} {
		if _, err := s.Transition(ctx, "job-c", to, Fields{}); err != nil {
			t.Fatalf("to %s: %v", to, err)
		}
	}

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to, f := StatusFailed, Fields{ErrorMessage: fmt.Sprintf("writer %d", i)}
			if i%2 == 0 {
				to, f = StatusCompleted, Fields{OutputLocation: fmt.Sprintf("http://example/%d/clip.mp4", i)}
			}
			_, err := s.Transition(ctx, "job-c", to, f)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case errors.Is(err, faults.ErrInvalidTransition):
			default:
				t.Errorf("writer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("terminal writes accepted = %d, want exactly 1", wins)
	}
	history, err := s.Transitions(ctx, "job-c")
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
}

func testUnfinished(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"job-u1", "job-u2", "job-u3", "job-u4"} {
		j := newTestJob(id)
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := s.Transition(ctx, "job-u2", StatusFetching, Fields{}); err != nil {
		t.Fatalf("to fetching: %v", err)
	}
	if _, err := s.Transition(ctx, "job-u3", StatusFailed, Fields{ErrorMessage: "cancelled"}); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	got, err := s.Unfinished(ctx)
	if err != nil {
		t.Fatalf("Unfinished: %v", err)
	}
	var ids []string
	for _, j := range got {
		ids = append(ids, j.ID+"="+string(j.Status))
	}
	want := []string{"job-u1=queued", "job-u2=fetching", "job-u4=queued"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("unfinished = %v, want %v", ids, want)
	}
}
