package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
)

const (
	redisQueueKey   = "invoice-jobs:queue"
	redisJobPrefix  = "invoice-jobs:job:"
	redisJobTTL     = 24 * time.Hour
	redisFetchBlock = 5 * time.Second
)

// Redis is a queue backed by a Redis list, with per-job status hashes. The
// producer side (Enqueue, Status) runs in the API process; a Worker consumes
// the list in a separate process.
type Redis struct {
	client *redis.Client
}

// NewRedis connects and verifies the server is reachable.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Enqueue(ctx context.Context, job Job) error {
	payload, err := marshalJob(job)
	if err != nil {
		return err
	}
	if err := r.setStatus(ctx, job.ID, StatusQueued, nil, ""); err != nil {
		return err
	}
	if err := r.client.LPush(ctx, redisQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Redis) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	fields, err := r.client.HGetAll(ctx, redisJobPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return &JobStatus{ID: jobID, Status: StatusNotFound}, nil
	}
	st := &JobStatus{ID: jobID, Status: Status(fields["status"]), Error: fields["error"]}
	if raw := fields["result"]; raw != "" {
		var result models.AggregatedResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("failed to decode stored result for job %s: %w", jobID, err)
		}
		st.Result = &result
	}
	return st, nil
}

func (r *Redis) setStatus(ctx context.Context, jobID string, status Status, result *models.AggregatedResult, errDetails string) error {
	key := redisJobPrefix + jobID
	fields := map[string]any{"status": string(status), "error": errDetails}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result for job %s: %w", jobID, err)
		}
		fields["result"] = string(data)
	}
	if err := r.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if err := r.client.Expire(ctx, key, redisJobTTL).Err(); err != nil {
		return fmt.Errorf("failed to set TTL on job %s: %w", jobID, err)
	}
	return nil
}

// Worker consumes jobs from the Redis queue until the context is canceled.
// Each job is a single attempt; failures are recorded on the job hash.
func (r *Redis) Worker(ctx context.Context, run RunFunc) error {
	slog.Info("Redis worker started.", "queue", redisQueueKey)
	for {
		values, err := r.client.BRPop(ctx, redisFetchBlock, redisQueueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to pop from queue: %w", err)
		}
		// BRPop returns [key, value].
		job, err := unmarshalJob(values[1])
		if err != nil {
			slog.Error("Discarding malformed job payload.", "error", err)
			continue
		}
		r.runOne(ctx, run, job)
	}
}

func (r *Redis) runOne(ctx context.Context, run RunFunc, job Job) {
	logCtx := slog.With("jobId", job.ID, "fileId", job.FileID)
	if err := r.setStatus(ctx, job.ID, StatusStarted, nil, ""); err != nil {
		logCtx.Error("Failed to mark job started.", "error", err)
	}
	result, err := run(ctx, job)
	if err != nil {
		logCtx.Error("Job failed.", "error", err)
		if serr := r.setStatus(ctx, job.ID, StatusFailed, nil, err.Error()); serr != nil {
			logCtx.Error("Failed to record job failure.", "error", serr)
		}
		return
	}
	if err := r.setStatus(ctx, job.ID, StatusFinished, result, ""); err != nil {
		logCtx.Error("Failed to record job result.", "error", err)
		return
	}
	logCtx.Info("Job finished.")
}
