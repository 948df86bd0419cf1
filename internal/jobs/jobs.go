// Package jobs provides the asynchronous execution model: callers enqueue a
// processing job and poll its status while a worker runs it in the
// background. Three queue backends exist: an in-process pool for single
// binary deployments, Redis for a separate worker fleet, and Cloud Workflows
// executions.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
)

// Status is the lifecycle state of a job as reported to pollers.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusNotFound Status = "not_found"
)

// Job is the unit of queued work.
type Job struct {
	ID     string `json:"id"`
	FileID string `json:"fileId"`
}

// JobStatus is a point-in-time view of a job. Result is set only once the
// job has finished; Error only once it has failed.
type JobStatus struct {
	ID     string
	Status Status
	Result *models.AggregatedResult
	Error  string
}

// RunFunc executes one job and returns its aggregated result.
type RunFunc func(ctx context.Context, job Job) (*models.AggregatedResult, error)

// Queue enqueues jobs and answers status polls. Implementations are safe for
// concurrent use.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Status(ctx context.Context, jobID string) (*JobStatus, error)
}

func marshalJob(job Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return string(data), nil
}

func unmarshalJob(data string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return Job{}, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	return job, nil
}
