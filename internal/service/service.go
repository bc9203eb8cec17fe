// Package service implements the submit and poll operations on top of the
// job store and queue.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/jo-hoe/clipforge/internal/faults"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/profile"
)

// Enqueuer hands a stored job to the dispatchers.
type Enqueuer interface {
	Enqueue(item jobs.WorkItem) error
}

// ReferenceValidator checks a source reference without fetching it.
type ReferenceValidator interface {
	Validate(ref string) error
}

// Aborter stops the in-flight run of a job.
type Aborter interface {
	Abort(jobID string) bool
}

// SubmitRequest is a request to cut one clip.
type SubmitRequest struct {
	SourceReference    string
	StartOffsetSeconds float64
	DurationSeconds    float64
	PlatformName       string
	CallbackURL        string
}

// Service is safe for concurrent use.
type Service struct {
	Log        *slog.Logger
	Store      jobs.Store
	Queue      Enqueuer
	References ReferenceValidator
	Profiles   *profile.Table
	Aborter    Aborter
	Discarder  jobs.Discarder

	NewID func() string
}

// Submit validates the request, stores a queued job and enqueues it. Invalid
// requests never reach the store.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*jobs.Job, error) {
	if _, ok := s.Profiles.Get(req.PlatformName); !ok {
		return nil, faults.InvalidProfile(req.PlatformName)
	}
	clip := jobs.ClipWindow{StartOffsetSeconds: req.StartOffsetSeconds, DurationSeconds: req.DurationSeconds}
	if err := clip.Validate(); err != nil {
		return nil, err
	}
	ref := strings.TrimSpace(req.SourceReference)
	if err := s.References.Validate(ref); err != nil {
		return nil, err
	}
	callback := strings.TrimSpace(req.CallbackURL)
	if callback != "" {
		if u, err := url.ParseRequestURI(callback); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, faults.InvalidCallback(callback)
		}
	}

	newID := s.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	job := &jobs.Job{
		ID:              newID(),
		SourceReference: ref,
		Clip:            clip,
		TargetProfile:   req.PlatformName,
		CallbackURL:     callback,
		Status:          jobs.StatusQueued,
	}
	if err := s.Store.Create(ctx, job); err != nil {
		return nil, faults.Internal("submit", err)
	}
	log := s.Log.With("job_id", job.ID)

	if err := s.Queue.Enqueue(jobs.WorkItem{Job: *job}); err != nil {
		// The job will never run; do not leave it queued.
		if _, terr := s.Store.Transition(context.WithoutCancel(ctx), job.ID, jobs.StatusFailed, jobs.Fields{ErrorMessage: "not enqueued: " + err.Error()}); terr != nil {
			log.Error("could not fail unqueued job", "err", terr)
		}
		if errors.Is(err, jobs.ErrQueueFull) {
			log.Warn("queue full, job rejected")
			return nil, faults.QueueFull(err)
		}
		return nil, faults.Internal("enqueue", err)
	}
	log.Info("job submitted", "profile", job.TargetProfile, "source", job.SourceReference,
		"start", clip.StartOffsetSeconds, "duration", clip.DurationSeconds)
	return job, nil
}

// Get returns the current job record.
func (s *Service) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return s.Store.Get(ctx, id)
}

// Events returns the job's recorded transitions in order.
func (s *Service) Events(ctx context.Context, id string) ([]jobs.Transition, error) {
	return s.Store.Transitions(ctx, id)
}

// CancelMessage is recorded on jobs cancelled by a client.
const CancelMessage = "cancelled by client"

// Cancel fails a non-terminal job and stops its run. A terminal job yields an
// InvalidTransition error.
func (s *Service) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := s.Store.Transition(ctx, id, jobs.StatusFailed, jobs.Fields{ErrorMessage: CancelMessage})
	if err != nil {
		return nil, err
	}
	if s.Aborter != nil {
		s.Aborter.Abort(id)
	}
	s.Log.Info("job cancelled", "job_id", id)
	return job, nil
}

// InterruptedMessage is recorded on jobs that a previous process left
// mid-pipeline.
const InterruptedMessage = "interrupted: service restarted"

// Recover picks up jobs a previous process left unfinished. Queued jobs are
// enqueued again; jobs caught mid-pipeline lost their workspace and are
// failed. It must run after the queue has started.
func (s *Service) Recover(ctx context.Context) (requeued, failed int, err error) {
	pending, err := s.Store.Unfinished(ctx)
	if err != nil {
		return 0, 0, faults.Internal("recover", err)
	}
	for _, job := range pending {
		log := s.Log.With("job_id", job.ID)
		if job.Status == jobs.StatusQueued {
			qerr := s.Queue.Enqueue(jobs.WorkItem{Job: *job})
			if qerr == nil {
				requeued++
				log.Info("job re-enqueued after restart")
				continue
			}
			s.abandon(ctx, job, "not enqueued: "+qerr.Error())
			failed++
			continue
		}
		s.abandon(ctx, job, InterruptedMessage)
		failed++
	}
	return requeued, failed, nil
}

func (s *Service) abandon(ctx context.Context, job *jobs.Job, reason string) {
	if s.Discarder != nil {
		s.Discarder.Discard(ctx, jobs.WorkItem{Job: *job}, reason)
		return
	}
	if _, err := s.Store.Transition(ctx, job.ID, jobs.StatusFailed, jobs.Fields{ErrorMessage: reason}); err != nil {
		s.Log.Error("could not fail unfinished job", "job_id", job.ID, "err", err)
	}
}

// ListProfiles returns the supported platform profiles.
func (s *Service) ListProfiles() []profile.Profile {
	return s.Profiles.All()
}
