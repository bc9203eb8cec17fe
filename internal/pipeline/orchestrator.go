// Package pipeline drives a clip job through fetch, transcode and upload.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/clipforge/internal/artifact"
	"github.com/jo-hoe/clipforge/internal/faults"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/profile"
	"github.com/jo-hoe/clipforge/internal/retry"
	"github.com/jo-hoe/clipforge/internal/source"
	"github.com/jo-hoe/clipforge/internal/transcode"
)

// Stage names used in logs, observer calls and error messages.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageTranscode Stage = "transcode"
	StageUpload    Stage = "upload"
)

// Fetcher downloads a source reference into destDir.
type Fetcher interface {
	Fetch(ctx context.Context, ref, destDir string) (source.Artifact, error)
}

// Transcoder renders a clip from a fetched source. It consumes input.
type Transcoder interface {
	Transcode(ctx context.Context, input source.Artifact, clip jobs.ClipWindow, p profile.Profile, outPath string) (source.Artifact, error)
}

// RetryObserver is told about every failed attempt that will be retried.
type RetryObserver func(jobID string, stage Stage, err error, attempt int)

// Policies holds one retry policy per stage.
type Policies struct {
	Fetch     retry.Policy
	Transcode retry.Policy
	Upload    retry.Policy
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store      jobs.Store
	Fetcher    Fetcher
	Transcoder Transcoder
	Artifacts  artifact.Store
	Profiles   *profile.Table
	Limiter    *jobs.Limiter
	Policies   Policies
	TempDir    string

	// Optional.
	Notifier Notifier
	Observer RetryObserver
	Sleep    retry.Sleeper
}

// Orchestrator runs jobs. Run is safe to call concurrently for distinct ids.
type Orchestrator struct {
	log  *slog.Logger
	deps Deps

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

var (
	_ jobs.Processor = (*Orchestrator)(nil)
	_ jobs.Discarder = (*Orchestrator)(nil)
)

func New(log *slog.Logger, d Deps) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case d.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case d.Transcoder == nil:
		return nil, errors.New("pipeline: transcoder is required")
	case d.Artifacts == nil:
		return nil, errors.New("pipeline: artifact store is required")
	case d.Profiles == nil:
		return nil, errors.New("pipeline: profile table is required")
	case d.TempDir == "":
		return nil, errors.New("pipeline: temp dir is required")
	}
	for name, p := range map[Stage]retry.Policy{StageFetch: d.Policies.Fetch, StageTranscode: d.Policies.Transcode, StageUpload: d.Policies.Upload} {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: %s policy: %w", name, err)
		}
	}
	if d.Limiter == nil {
		d.Limiter = jobs.NewLimiter(1)
	}
	if d.Sleep == nil {
		d.Sleep = retry.TimerSleep
	}
	return &Orchestrator{log: log, deps: d, running: make(map[string]context.CancelFunc)}, nil
}

// Process implements jobs.Processor.
func (o *Orchestrator) Process(ctx context.Context, item jobs.WorkItem) error {
	return o.Run(ctx, item.Job.ID)
}

// Abort cancels the in-flight run of jobID, if any. The run then cleans up
// and stops; it does not decide the job's final status.
func (o *Orchestrator) Abort(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.running[jobID]
	if ok {
		cancel()
	}
	return ok
}

// track registers a run of jobID. It reports false when one is already
// registered.
func (o *Orchestrator) track(ctx context.Context, jobID string) (context.Context, func(), bool) {
	o.mu.Lock()
	if _, busy := o.running[jobID]; busy {
		o.mu.Unlock()
		return ctx, func() {}, false
	}
	ctx, cancel := context.WithCancel(ctx)
	o.running[jobID] = cancel
	o.mu.Unlock()
	return ctx, func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
		cancel()
	}, true
}

func (o *Orchestrator) isRunning(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[jobID]
	return ok
}

// run carries the per-job state of one Run.
type run struct {
	o         *Orchestrator
	log       *slog.Logger
	job       *jobs.Job
	workspace string
	attempts  int // attempts of the current stage
}

// Run executes one job to a terminal state. Stage failures are recorded on the
// job and not returned; an error means the job could not be loaded.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	log := o.log.With("job_id", jobID)
	ctx, done, ok := o.track(ctx, jobID)
	if !ok {
		log.Warn("job is already running, skipping duplicate run")
		return nil
	}
	defer done()

	job, err := o.deps.Store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != jobs.StatusQueued {
		log.Info("skipping job that is no longer queued", "status", job.Status)
		return nil
	}

	r := &run{o: o, log: log, job: job, workspace: filepath.Join(o.deps.TempDir, jobID)}
	defer r.removeWorkspace()

	p, ok := o.deps.Profiles.Get(job.TargetProfile)
	if !ok {
		r.fail(ctx, StageFetch, faults.InvalidProfile(job.TargetProfile))
		return nil
	}
	r.execute(ctx, p)
	return nil
}

// Discard fails a job that will not be run, e.g. one dropped from the queue at
// shutdown or left mid-pipeline by a previous process. Terminal jobs and jobs
// with a live run are left alone.
func (o *Orchestrator) Discard(ctx context.Context, item jobs.WorkItem, reason string) {
	log := o.log.With("job_id", item.Job.ID)
	if o.isRunning(item.Job.ID) {
		log.Warn("not discarding a running job", "reason", reason)
		return
	}
	job, err := o.deps.Store.Get(ctx, item.Job.ID)
	if err != nil {
		log.Error("load discarded job", "err", err)
		return
	}
	if job.Status.Terminal() {
		log.Debug("discarded job already finished", "status", job.Status)
		return
	}
	r := &run{o: o, log: log, job: job, workspace: filepath.Join(o.deps.TempDir, job.ID)}
	r.failWith(ctx, reason, "reason", reason, "status", job.Status)
}

func (r *run) execute(ctx context.Context, p profile.Profile) {
	d := r.o.deps

	if !r.advance(ctx, jobs.StatusFetching, jobs.Fields{}) {
		return
	}
	src, err := stageDo(ctx, r, StageFetch, d.Policies.Fetch, func(ctx context.Context, _ int) (source.Artifact, error) {
		return d.Fetcher.Fetch(ctx, r.job.SourceReference, r.workspace)
	})
	if err != nil {
		r.fail(ctx, StageFetch, err)
		return
	}
	r.log.Info("source fetched", "size", humanize.IBytes(uint64(src.Size)), "attempts", r.attempts)

	if !r.advance(ctx, jobs.StatusTranscoding, jobs.Fields{Attempts: r.attempts}) {
		_ = src.Remove()
		return
	}
	outPath := filepath.Join(r.workspace, transcode.OutputName(p))
	clip, err := stageDo(ctx, r, StageTranscode, d.Policies.Transcode, func(ctx context.Context, attempt int) (source.Artifact, error) {
		input := src
		if attempt > 1 {
			// The previous attempt consumed the source.
			refetched, err := d.Fetcher.Fetch(ctx, r.job.SourceReference, r.workspace)
			if err != nil {
				return source.Artifact{}, err
			}
			input = refetched
		}
		return d.Transcoder.Transcode(ctx, input, r.job.Clip, p, outPath)
	})
	if err != nil {
		r.fail(ctx, StageTranscode, err)
		return
	}
	r.log.Info("clip rendered", "profile", p.Name, "size", humanize.IBytes(uint64(clip.Size)), "attempts", r.attempts)

	if !r.advance(ctx, jobs.StatusUploading, jobs.Fields{Attempts: r.attempts}) {
		return
	}
	location, err := stageDo(ctx, r, StageUpload, d.Policies.Upload, func(ctx context.Context, _ int) (string, error) {
		return d.Artifacts.Store(ctx, clip.Path, r.job.ID)
	})
	if err != nil {
		r.fail(ctx, StageUpload, err)
		return
	}

	if !r.advance(ctx, jobs.StatusCompleted, jobs.Fields{OutputLocation: location, Attempts: r.attempts}) {
		return
	}
	r.log.Info("job completed", "output_location", location)
	r.notify(ctx)
}

// stageDo runs op under the stage's retry policy. Each attempt holds a limiter
// slot; retry waits do not.
func stageDo[T any](ctx context.Context, r *run, stage Stage, policy retry.Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	d := r.o.deps
	r.attempts = 0
	policy = policy.WithObserver(func(err error, attempt int) {
		r.log.Warn("stage attempt failed, retrying",
			"stage", stage, "attempt", attempt, "retry_in", policy.Delay(attempt), "err", err)
		if d.Observer != nil {
			d.Observer(r.job.ID, stage, err, attempt)
		}
	})
	return retry.DoWithSleeper(ctx, policy, d.Sleep, func(ctx context.Context, attempt int) (T, error) {
		var zero T
		release, err := d.Limiter.Acquire(ctx)
		if err != nil {
			return zero, err
		}
		defer release()
		r.attempts = attempt
		r.log.Debug("stage attempt", "stage", stage, "attempt", attempt,
			"slots_in_use", d.Limiter.InUse(), "slots", d.Limiter.Capacity())
		return op(ctx, attempt)
	})
}

// advance records a forward transition. It returns false when the run must
// stop, in which case the job is already terminal.
func (r *run) advance(ctx context.Context, to jobs.Status, f jobs.Fields) bool {
	j, err := r.o.deps.Store.Transition(context.WithoutCancel(ctx), r.job.ID, to, f)
	if err == nil {
		r.job = j
		r.attempts = 0
		r.log.Debug("job advanced", "status", to)
		return true
	}
	if r.finishedElsewhere(err) {
		r.deleteArtifacts(ctx)
		return false
	}
	r.fail(ctx, stageFor(r.job.Status), fmt.Errorf("record %s: %w", to, err))
	return false
}

// fail cleans up everything the job produced and records the failure.
func (r *run) fail(ctx context.Context, stage Stage, cause error) {
	r.failWith(ctx, fmt.Sprintf("%s failed: %v", stage, cause), "stage", stage, "err", cause)
}

// failWith records msg as the job's failure after cleanup. logArgs are added
// to the log lines.
func (r *run) failWith(ctx context.Context, msg string, logArgs ...any) {
	ctx = context.WithoutCancel(ctx)
	r.removeWorkspace()
	r.deleteArtifacts(ctx)

	j, err := r.o.deps.Store.Transition(ctx, r.job.ID, jobs.StatusFailed, jobs.Fields{ErrorMessage: msg, Attempts: r.attempts})
	if err != nil {
		if r.finishedElsewhere(err) {
			return
		}
		r.log.Error("could not record job failure", append(logArgs, "record_err", err)...)
		return
	}
	r.job = j
	r.log.Warn("job failed", append([]any{"attempts", r.attempts}, logArgs...)...)
	r.notify(ctx)
}

// finishedElsewhere reports whether err is a rejected transition on a job that
// another writer already finished, e.g. an external cancel.
func (r *run) finishedElsewhere(err error) bool {
	if !errors.Is(err, faults.ErrInvalidTransition) {
		return false
	}
	current, gerr := r.o.deps.Store.Get(context.Background(), r.job.ID)
	if gerr == nil && current.Status.Terminal() {
		r.log.Info("job finished elsewhere, stopping", "status", current.Status)
		return true
	}
	r.log.Error("invalid job transition", "err", err)
	return false
}

func (r *run) removeWorkspace() {
	if err := os.RemoveAll(r.workspace); err != nil {
		r.log.Warn("remove workspace", "path", r.workspace, "err", err)
	}
}

func (r *run) deleteArtifacts(ctx context.Context) {
	if err := r.o.deps.Artifacts.Delete(context.WithoutCancel(ctx), r.job.ID); err != nil {
		r.log.Warn("delete stored artifacts", "err", err)
	}
}

func (r *run) notify(ctx context.Context) {
	n := r.o.deps.Notifier
	if n == nil || r.job.CallbackURL == "" {
		return
	}
	if err := n.Notify(ctx, r.job); err != nil {
		r.log.Warn("callback failed after retries", "err", err)
	}
}

func stageFor(s jobs.Status) Stage {
	switch s {
	case jobs.StatusTranscoding:
		return StageTranscode
	case jobs.StatusUploading:
		return StageUpload
	default:
		return StageFetch
	}
}
