// The server binary exposes the upload / process / poll HTTP surface.
// Uploads land in storage immediately; processing runs asynchronously on
// the configured queue backend and clients poll the job endpoint for the
// aggregated result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/config"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/jobs"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/services"
	"github.com/google/uuid"
)

const maxUploadBytes = 50 << 20

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	processor, err := services.NewProcessor(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize processor.", "error", err)
		os.Exit(1)
	}
	defer processor.Close()

	queue, cleanup, err := newQueue(ctx, cfg, processor)
	if err != nil {
		slog.Error("Failed to initialize job queue.", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	srv := &server{processor: processor, queue: queue, apiKey: cfg.APIKey}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /upload", srv.auth(srv.handleUpload))
	mux.HandleFunc("POST /process", srv.auth(srv.handleProcess))
	mux.HandleFunc("GET /jobs/{id}", srv.auth(srv.handleJobStatus))

	slog.Info("Server listening.", "addr", cfg.ListenAddr, "queueBackend", cfg.QueueBackend)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		slog.Error("Server stopped.", "error", err)
		os.Exit(1)
	}
}

// newQueue builds the configured queue backend. The memory queue executes
// jobs in this process; redis and workflows hand them to external workers.
func newQueue(ctx context.Context, cfg *config.Config, processor *services.Processor) (jobs.Queue, func(), error) {
	run := func(ctx context.Context, job jobs.Job) (*models.AggregatedResult, error) {
		return processor.Process(ctx, job.FileID)
	}
	switch cfg.QueueBackend {
	case config.QueueRedis:
		q, err := jobs.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	case config.QueueWorkflows:
		q, err := jobs.NewWorkflows(ctx, cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	default:
		q := jobs.NewMemory(run, cfg.Workers)
		return q, q.Close, nil
	}
}

type server struct {
	processor *services.Processor
	queue     jobs.Queue
	apiKey    string
}

// auth enforces the shared API key when one is configured.
func (s *server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next(w, r)
	}
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("missing file field: %v", err))
		return
	}
	defer file.Close()

	fileID, err := s.processor.SaveUpload(r.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, services.ErrUnsupportedType) {
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		slog.Error("Upload failed.", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	writeJSON(w, http.StatusCreated, models.UploadResponse{FileID: fileID})
}

func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req models.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.FileID == "" {
		writeError(w, http.StatusBadRequest, "fileId is required")
		return
	}
	exists, err := s.processor.UploadExists(r.Context(), req.FileID)
	if err != nil {
		slog.Error("Failed to check upload.", "fileId", req.FileID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check upload")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no uploaded file with ID %q", req.FileID))
		return
	}

	job := jobs.Job{ID: uuid.NewString(), FileID: req.FileID}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		slog.Error("Failed to enqueue job.", "fileId", req.FileID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	slog.Info("Job enqueued.", "jobId", job.ID, "fileId", req.FileID)
	writeJSON(w, http.StatusAccepted, models.ProcessResponse{JobID: job.ID, Status: string(jobs.StatusQueued)})
}

func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	st, err := s.queue.Status(r.Context(), jobID)
	if err != nil {
		slog.Error("Failed to read job status.", "jobId", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read job status")
		return
	}
	resp := models.JobStatusResponse{JobID: jobID, Status: string(st.Status), Result: st.Result, Error: st.Error}
	code := http.StatusOK
	if st.Status == jobs.StatusNotFound {
		code = http.StatusNotFound
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.Error("Failed to write response.", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
