package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue is closed")

// Memory is an in-process queue backed by a fixed worker pool. Jobs and
// their terminal results live only as long as the process.
type Memory struct {
	run  RunFunc
	work chan Job

	mu     sync.Mutex
	states map[string]*JobStatus

	closeMu sync.RWMutex
	closed  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewMemory starts workers goroutines consuming enqueued jobs. Close stops
// them after in-flight jobs complete.
func NewMemory(run RunFunc, workers int) *Memory {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		run:    run,
		work:   make(chan Job, 64),
		states: make(map[string]*JobStatus),
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	return m
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	// The read lock keeps Close from closing the channel between the
	// closed check and the send.
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrQueueClosed
	}
	m.setState(&JobStatus{ID: job.ID, Status: StatusQueued})
	select {
	case m.work <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Status(_ context.Context, jobID string) (*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[jobID]
	if !ok {
		return &JobStatus{ID: jobID, Status: StatusNotFound}, nil
	}
	cp := *st
	return &cp, nil
}

// Close stops the workers and waits for in-flight jobs to finish. Jobs
// still buffered are drained and marked failed so no caller polls a
// queued job forever.
func (m *Memory) Close() {
	m.cancel()
	m.closeMu.Lock()
	m.closed = true
	close(m.work)
	m.closeMu.Unlock()
	m.wg.Wait()
}

func (m *Memory) worker(ctx context.Context) {
	defer m.wg.Done()
	for job := range m.work {
		if ctx.Err() != nil {
			m.setState(&JobStatus{ID: job.ID, Status: StatusFailed, Error: ErrQueueClosed.Error()})
			continue
		}
		m.setState(&JobStatus{ID: job.ID, Status: StatusStarted})
		result, err := m.run(ctx, job)
		if err != nil {
			slog.Error("Job failed.", "jobId", job.ID, "fileId", job.FileID, "error", err)
			m.setState(&JobStatus{ID: job.ID, Status: StatusFailed, Error: err.Error()})
			continue
		}
		m.setFinished(job.ID, result)
	}
}

func (m *Memory) setState(st *JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.ID] = st
}

func (m *Memory) setFinished(jobID string, result *models.AggregatedResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[jobID] = &JobStatus{ID: jobID, Status: StatusFinished, Result: result}
}
