package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jo-hoe/clipforge/internal/faults"
)

// MemoryStore keeps jobs in process memory. Used for tests and for
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	history map[string][]Transition
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		history: make(map[string][]Transition),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if err := prepareNew(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	c := *job
	s.jobs[job.ID] = &c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, faults.JobNotFound(id)
	}
	c := *j
	return &c, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, to Status, f Fields) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, faults.JobNotFound(id)
	}
	if err := checkTransition(id, j.Status, to, f); err != nil {
		return nil, err
	}
	t := apply(j, to, f, s.now())
	s.history[id] = append(s.history[id], t)
	c := *j
	return &c, nil
}

func (s *MemoryStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, faults.JobNotFound(id)
	}
	out := make([]Transition, len(s.history[id]))
	copy(out, s.history[id])
	return out, nil
}

func (s *MemoryStore) Unfinished(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			c := *j
			out = append(out, &c)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
