// Package history keeps job lifecycle records in Redis so the ops surface
// can answer lookups for jobs that already left the in-memory queue.
package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/clipferry/backend/internal/errors"
	"github.com/clipferry/backend/internal/logger"
	"github.com/clipferry/backend/internal/pipeline"
)

const (
	recordKeyPrefix = "job:"
	recentKey       = "jobs:recent"
	eventsChannel   = "jobs:events"

	recordTTL    = 24 * time.Hour
	recentLength = 100
)

// Record is the persisted view of a job.
type Record struct {
	ID        string    `json:"id"`
	DedupKey  string    `json:"dedup_key"`
	SourceURL string    `json:"source_url,omitempty"`
	Query     string    `json:"query,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Platform  string    `json:"platform"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	ErrorCode string    `json:"error_code,omitempty"`
	ErrorMsg  string    `json:"error_message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Artifacts []pipeline.Artifact `json:"artifacts,omitempty"`
}

// Store wraps the Redis connection. It implements pipeline.Recorder; every
// write also publishes the record on the events channel for subscribers.
type Store struct {
	client *redis.Client
	log    *logger.Logger
}

// New connects to Redis from a URL (redis://host:port/db).
func New(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperrors.StorageError("parsing redis URL").WithCause(err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperrors.StorageError("connecting to redis").WithCause(err)
	}

	return &Store{
		client: client,
		log:    logger.Default().WithComponent("history"),
	}, nil
}

// Record persists the job's current state. Failures are logged and swallowed;
// history is an observer, never a reason to fail a job.
func (s *Store) Record(ctx context.Context, job *pipeline.Job) {
	rec := recordFrom(job)

	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Error(ctx, "marshaling job record", err)
		return
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, recordKeyPrefix+job.ID, data, recordTTL)
	if job.IsTerminal() {
		pipe.LPush(ctx, recentKey, job.ID)
		pipe.LTrim(ctx, recentKey, 0, recentLength-1)
	}
	pipe.Publish(ctx, eventsChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn(ctx, "writing job record", map[string]interface{}{
			"job_id": job.ID,
		})
	}
}

// Get fetches one job record.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, recordKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, apperrors.JobNotFound()
	}
	if err != nil {
		return nil, apperrors.StorageError("reading job record").WithCause(err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.StorageError("unreadable job record").WithCause(err)
	}
	return &rec, nil
}

// Recent lists the most recently finished job IDs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > recentLength {
		limit = recentLength
	}
	ids, err := s.client.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, apperrors.StorageError("reading recent jobs").WithCause(err)
	}
	return ids, nil
}

// Subscribe streams job records as they are written. The returned channel
// closes when ctx ends.
func (s *Store) Subscribe(ctx context.Context) <-chan Record {
	sub := s.client.Subscribe(ctx, eventsChannel)
	out := make(chan Record, 16)

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var rec Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					continue
				}
				select {
				case out <- rec:
				default:
					// Slow subscriber; drop rather than stall the reader.
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Healthy reports whether Redis answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func recordFrom(job *pipeline.Job) Record {
	rec := Record{
		ID:        job.ID,
		DedupKey:  job.DedupKey,
		SourceURL: job.SourceURL,
		Query:     job.Query,
		Provider:  job.Provider,
		Platform:  job.Platform,
		Mode:      string(job.Mode),
		State:     string(job.State()),
		CreatedAt: job.CreatedAt,
		UpdatedAt: time.Now(),
		Artifacts: job.Artifacts(),
	}
	if f := job.Failure(); f != nil {
		rec.ErrorCode = f.Code
		rec.ErrorMsg = f.UserMessage()
	}
	return rec
}
