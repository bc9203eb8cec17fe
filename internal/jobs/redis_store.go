package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/clipforge/internal/faults"
)

// maxWatchRetries bounds optimistic-lock retries when concurrent writers touch
// the same job.
const maxWatchRetries = 16

// RedisStore keeps each job in a hash (<prefix>:job:<id>) and its transition
// history in a list (<prefix>:job:<id>:transitions). Ids of non-terminal jobs
// live in the set <prefix>:active. Transitions use WATCH/MULTI so concurrent
// writers on one job are serialized.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, opts *redis.Options, prefix string) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *RedisStore) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, id)
}

func (s *RedisStore) historyKey(id string) string {
	return s.jobKey(id) + ":transitions"
}

func (s *RedisStore) activeKey() string {
	return s.prefix + ":active"
}

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if err := prepareNew(job); err != nil {
		return err
	}
	key := s.jobKey(job.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, toHash(job))
			p.SAdd(ctx, s.activeKey(), job.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.load(ctx, s.client, id)
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) load(ctx context.Context, c hashGetter, id string) (*Job, error) {
	m, err := c.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if len(m) == 0 {
		return nil, faults.JobNotFound(id)
	}
	return fromHash(m), nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, to Status, f Fields) (*Job, error) {
	key := s.jobKey(id)
	var result *Job
	txf := func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkTransition(id, job.Status, to, f); err != nil {
			return err
		}
		t := apply(job, to, f, s.now())
		entry, err := json.Marshal(transitionRecord{From: t.From, To: t.To, Message: t.Message, At: t.At})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, toHash(job))
			p.RPush(ctx, s.historyKey(id), entry)
			if to.Terminal() {
				p.SRem(ctx, s.activeKey(), id)
			}
			return nil
		})
		if err == nil {
			result = job
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Another writer changed the job; re-read and re-check.
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("transition job %s: too much contention", id)
}

type transitionRecord struct {
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

func (s *RedisStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	out := make([]Transition, 0, len(raw))
	for _, r := range raw {
		var rec transitionRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("decode transition: %w", err)
		}
		out = append(out, Transition{JobID: id, From: rec.From, To: rec.To, Message: rec.Message, At: rec.At})
	}
	return out, nil
}

func (s *RedisStore) Unfinished(ctx context.Context) ([]*Job, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load active jobs: %w", err)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, faults.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toHash(j *Job) map[string]any {
	return map[string]any{
		"id":                   j.ID,
		"source_reference":     j.SourceReference,
		"start_offset_seconds": strconv.FormatFloat(j.Clip.StartOffsetSeconds, 'f', -1, 64),
		"duration_seconds":     strconv.FormatFloat(j.Clip.DurationSeconds, 'f', -1, 64),
		"target_profile":       j.TargetProfile,
		"callback_url":         j.CallbackURL,
		"status":               string(j.Status),
		"output_location":      j.OutputLocation,
		"error_message":        j.ErrorMessage,
		"attempts":             j.Attempts,
		"created_at":           formatTime(j.CreatedAt),
		"updated_at":           formatTime(j.UpdatedAt),
	}
}

func fromHash(m map[string]string) *Job {
	start, _ := strconv.ParseFloat(m["start_offset_seconds"], 64)
	dur, _ := strconv.ParseFloat(m["duration_seconds"], 64)
	attempts, _ := strconv.Atoi(m["attempts"])
	return &Job{
		ID:              m["id"],
		SourceReference: m["source_reference"],
		Clip:            ClipWindow{StartOffsetSeconds: start, DurationSeconds: dur},
		TargetProfile:   m["target_profile"],
		CallbackURL:     m["callback_url"],
		Status:          Status(m["status"]),
		OutputLocation:  m["output_location"],
		ErrorMessage:    m["error_message"],
		Attempts:        attempts,
		CreatedAt:       parseTime(m["created_at"]),
		UpdatedAt:       parseTime(m["updated_at"]),
	}
}
