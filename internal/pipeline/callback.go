package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/faults"
	"github.com/jo-hoe/clipforge/internal/jobs"
	"github.com/jo-hoe/clipforge/internal/retry"
)

// Notifier tells a job's callback URL that the job reached a terminal state.
type Notifier interface {
	Notify(ctx context.Context, job *jobs.Job) error
}

type callbackPayload struct {
	JobID          string  `json:"jobId"`
	Status         string  `json:"status"` // completed|failed
	OutputLocation string  `json:"outputLocation,omitempty"`
	Error          *string `json:"error,omitempty"`
	Attempts       int     `json:"attempts"`
}

// HTTPNotifier POSTs a JSON payload to the job's callback URL with retries.
type HTTPNotifier struct {
	Log    *slog.Logger
	Client *http.Client
	Policy retry.Policy
	Sleep  retry.Sleeper
}

var _ Notifier = (*HTTPNotifier)(nil)

// NewHTTPNotifier returns a notifier whose requests time out after timeout.
func NewHTTPNotifier(log *slog.Logger, policy retry.Policy, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		Log:    log,
		Client: &http.Client{Timeout: timeout},
		Policy: policy,
		Sleep:  retry.TimerSleep,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, job *jobs.Job) error {
	if job.CallbackURL == "" {
		return nil
	}
	payload := callbackPayload{
		JobID:          job.ID,
		Status:         string(job.Status),
		OutputLocation: job.OutputLocation,
		Attempts:       job.Attempts,
	}
	if job.Status == jobs.StatusFailed {
		msg := job.ErrorMessage
		payload.Error = &msg
	}

	policy := n.Policy.WithObserver(func(err error, attempt int) {
		n.Log.Warn("callback attempt failed", "job_id", job.ID, "attempt", attempt, "err", err)
	})
	// Every delivery failure is worth another try.
	policy.Retriable = func(error) bool { return true }

	sleep := n.Sleep
	if sleep == nil {
		sleep = retry.TimerSleep
	}
	_, err := retry.DoWithSleeper(ctx, policy, sleep, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, n.postJSON(ctx, job.CallbackURL, payload)
	})
	return err
}

func (n *HTTPNotifier) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return faults.Internal("callback", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
