package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jo-hoe/clipforge/internal/faults"
)

// Status represents the lifecycle stage of a clip job.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusFetching    Status = "fetching"
	StatusTranscoding Status = "transcoding"
	StatusUploading   Status = "uploading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusFetching, StatusTranscoding, StatusUploading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Progress is a coarse percentage derived from the status alone.
func (s Status) Progress() int {
	switch s {
	case StatusFetching:
		return 10
	case StatusTranscoding:
		return 40
	case StatusUploading:
		return 80
	case StatusCompleted, StatusFailed:
		return 100
	default:
		return 0
	}
}

// allowed lists the successors of every non-terminal status. Any non-terminal
// job may fail, which also covers external cancellation.
var allowed = map[Status][]Status{
	StatusQueued:      {StatusFetching, StatusFailed},
	StatusFetching:    {StatusTranscoding, StatusFailed},
	StatusTranscoding: {StatusUploading, StatusFailed},
	StatusUploading:   {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is part of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Clip window bounds in seconds.
const (
	MinClipSeconds = 1
	MaxClipSeconds = 60
)

// ClipWindow is the segment of the source that becomes the clip.
type ClipWindow struct {
	StartOffsetSeconds float64
	DurationSeconds    float64
}

// Validate checks start >= 0 and duration within [1,60].
func (c ClipWindow) Validate() error {
	if c.StartOffsetSeconds < 0 {
		return faults.InvalidClip("startOffsetSeconds must be >= 0")
	}
	if c.DurationSeconds < MinClipSeconds || c.DurationSeconds > MaxClipSeconds {
		return faults.InvalidClip(fmt.Sprintf("durationSeconds must be between %d and %d", MinClipSeconds, MaxClipSeconds))
	}
	return nil
}

// Job describes a single clip request.
type Job struct {
	ID              string     // UUIDv4
	SourceReference string     // hosting-platform URL
	Clip            ClipWindow // segment to extract
	TargetProfile   string     // platform profile name
	CallbackURL     string     // optional, notified once the job is terminal
	Status          Status     // current status
	OutputLocation  string     // retrievable URL, set only when completed
	ErrorMessage    string     // cause, set only when failed
	Attempts        int        // stage attempts made so far
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fields carries the data recorded together with a transition.
type Fields struct {
	OutputLocation string // required for completed, forbidden otherwise
	ErrorMessage   string // only kept for failed
	Attempts       int    // added to Job.Attempts
}

// Transition is one recorded status change.
type Transition struct {
	JobID   string
	From    Status
	To      Status
	Message string
	At      time.Time
}

// Store persists jobs and enforces the status state machine.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Transition(ctx context.Context, id string, to Status, f Fields) (*Job, error)
	Transitions(ctx context.Context, id string) ([]Transition, error)
	// Unfinished returns the jobs not yet in a terminal status, oldest first.
	Unfinished(ctx context.Context) ([]*Job, error)
	Close() error
}

func sortByCreation(js []*Job) {
	sort.Slice(js, func(a, b int) bool {
		if js[a].CreatedAt.Equal(js[b].CreatedAt) {
			return js[a].ID < js[b].ID
		}
		return js[a].CreatedAt.Before(js[b].CreatedAt)
	})
}

// checkTransition validates a status change for a job currently in from.
func checkTransition(id string, from, to Status, f Fields) error {
	if from.Terminal() || !CanTransition(from, to) {
		return faults.InvalidTransition(id, string(from), string(to))
	}
	if to == StatusCompleted && f.OutputLocation == "" {
		return faults.InvalidTransition(id, string(from), string(to)+" without output location")
	}
	if to != StatusCompleted && f.OutputLocation != "" {
		return faults.InvalidTransition(id, string(from), string(to)+" with output location")
	}
	return nil
}

// apply mutates j for an already validated transition.
func apply(j *Job, to Status, f Fields, now time.Time) Transition {
	t := Transition{JobID: j.ID, From: j.Status, To: to, At: now}
	j.Status = to
	j.Attempts += f.Attempts
	j.UpdatedAt = now
	switch to {
	case StatusCompleted:
		j.OutputLocation = f.OutputLocation
		j.ErrorMessage = ""
	case StatusFailed:
		j.ErrorMessage = f.ErrorMessage
		t.Message = f.ErrorMessage
	}
	return t
}

// prepareNew validates and normalizes a job before it is first stored.
func prepareNew(job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}
	if job.Status != StatusQueued {
		return fmt.Errorf("new job must be %s, got %s", StatusQueued, job.Status)
	}
	if job.OutputLocation != "" {
		return fmt.Errorf("new job must not carry an output location")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	return nil
}
