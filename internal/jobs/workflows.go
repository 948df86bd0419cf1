package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
)

// Workflows runs each job as a Cloud Workflows execution. The workflow
// invokes the processing service and returns the aggregated result as its
// execution output; status polls map execution state onto job status.
type Workflows struct {
	client *executions.Client
	parent string

	mu         sync.Mutex
	executions map[string]string // jobID -> execution resource name
}

// NewWorkflows creates the executions client for one workflow.
func NewWorkflows(ctx context.Context, projectID, location, workflowID string) (*Workflows, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &Workflows{
		client:     client,
		parent:     fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
		executions: make(map[string]string),
	}, nil
}

func (w *Workflows) Close() error {
	return w.client.Close()
}

func (w *Workflows) Enqueue(ctx context.Context, job Job) error {
	payloadBytes, err := json.Marshal(map[string]any{
		"jobId":  job.ID,
		"fileId": job.FileID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: w.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := w.client.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution for job %s: %w", job.ID, err)
	}
	w.mu.Lock()
	w.executions[job.ID] = exec.GetName()
	w.mu.Unlock()
	return nil
}

func (w *Workflows) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	w.mu.Lock()
	name, ok := w.executions[jobID]
	w.mu.Unlock()
	if !ok {
		return &JobStatus{ID: jobID, Status: StatusNotFound}, nil
	}
	exec, err := w.client.GetExecution(ctx, &executionspb.GetExecutionRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch execution for job %s: %w", jobID, err)
	}
	st := &JobStatus{ID: jobID}
	switch exec.GetState() {
	case executionspb.Execution_ACTIVE, executionspb.Execution_QUEUED:
		st.Status = StatusStarted
	case executionspb.Execution_SUCCEEDED:
		st.Status = StatusFinished
		if raw := exec.GetResult(); raw != "" {
			var result models.AggregatedResult
			if err := json.Unmarshal([]byte(raw), &result); err != nil {
				return nil, fmt.Errorf("failed to decode execution result for job %s: %w", jobID, err)
			}
			st.Result = &result
		}
	case executionspb.Execution_FAILED, executionspb.Execution_CANCELLED:
		st.Status = StatusFailed
		st.Error = exec.GetError().GetPayload()
	default:
		st.Status = StatusQueued
	}
	return st, nil
}
