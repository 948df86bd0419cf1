// Package services wires configuration into runnable units. Processor is
// the one service every entry point shares: it owns the storage backend,
// the model clients and the pipeline, and processes one uploaded file per
// call.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/analysis"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/config"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/doctext"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/extract"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/gcp"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/pipeline"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/records"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/split"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/storage"
)

// allowedUploadExts is the set of file types accepted for processing.
var allowedUploadExts = map[string]bool{
	".pdf": true,
}

// ErrUnsupportedType marks uploads whose extension is not accepted.
var ErrUnsupportedType = errors.New("unsupported file type")

// Processor runs the full processing pipeline for uploaded files.
type Processor struct {
	cfg          *config.Config
	store        storage.Backend
	vertex       *gcp.VertexClient
	orchestrator *pipeline.Orchestrator
	records      *records.Store
}

// NewProcessor builds all clients and collaborators from configuration.
func NewProcessor(ctx context.Context, cfg *config.Config) (*Processor, error) {
	store, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// The analyzer always runs on Vertex; the engine choice only decides how
	// page text is produced.
	vertex, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion, cfg.TranscriberModel, cfg.AnalyzerModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	var engine doctext.Engine
	switch cfg.TextEngine {
	case config.EngineNative:
		engine = doctext.NewNativeEngine()
	default:
		engine = doctext.NewGeminiEngine(vertex)
	}

	promptCfg, err := extract.LoadPromptConfig(cfg.ExtractionConfig)
	if err != nil {
		return nil, err
	}
	extractor, err := extract.New(extract.Options{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.ExtractionModel,
		VisionModel: cfg.VisionModel,
		Config:      promptCfg,
	})
	if err != nil {
		return nil, err
	}

	var recStore *records.Store
	if cfg.FirestoreCollection != "" {
		recStore, err = records.New(ctx, cfg.ProjectID, cfg.FirestoreCollection)
		if err != nil {
			return nil, err
		}
	}

	splitterFactory := func(workDir string) pipeline.Splitter {
		return split.New(store, workDir, cfg.OutputPrefix)
	}
	var sink pipeline.StatusSink
	if recStore != nil {
		sink = recStore
	}
	orch := pipeline.New(store, engine, analysis.New(vertex), splitterFactory, extractor, sink, pipeline.Options{
		OutputPrefix:       cfg.OutputPrefix,
		UseOCR:             cfg.UseOCR,
		UseVision:          cfg.UseVision,
		ExtractParallelism: cfg.Workers,
	})

	slog.Info("Processor initialized.",
		"storageBackend", cfg.StorageBackend,
		"textEngine", cfg.TextEngine,
		"outputPrefix", cfg.OutputPrefix,
	)
	return &Processor{
		cfg:          cfg,
		store:        store,
		vertex:       vertex,
		orchestrator: orch,
		records:      recStore,
	}, nil
}

func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendGCS:
		return storage.NewGCS(ctx)
	default:
		return storage.NewLocal(cfg.LocalBaseDir), nil
	}
}

// Close releases all held clients.
func (p *Processor) Close() {
	if p.vertex != nil {
		p.vertex.Close()
	}
	if p.records != nil {
		_ = p.records.Close()
	}
	if closer, ok := p.store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// SaveUpload stores an uploaded file under the uploads prefix and returns
// its file ID. The ID embeds the original stem so downstream artifact names
// stay recognizable.
func (p *Processor) SaveUpload(ctx context.Context, filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedUploadExts[ext] {
		return "", fmt.Errorf("%w %q", ErrUnsupportedType, ext)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("uploaded file is empty")
	}

	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	fileID := fmt.Sprintf("%s_%s%s", stem, uuid.NewString()[:8], ext)
	key := p.UploadKey(fileID)
	if err := p.store.WriteBytes(ctx, key, data, "application/pdf"); err != nil {
		return "", err
	}
	slog.Info("Upload stored.", "fileId", fileID, "key", key, "bytes", len(data))
	return fileID, nil
}

// UploadKey maps a file ID to its storage key.
func (p *Processor) UploadKey(fileID string) storage.Key {
	return storage.Key(fmt.Sprintf("%s/%s", strings.TrimSuffix(p.cfg.UploadsPrefix, "/"), fileID))
}

// UploadExists reports whether a file ID refers to a stored upload.
func (p *Processor) UploadExists(ctx context.Context, fileID string) (bool, error) {
	return p.store.Exists(ctx, p.UploadKey(fileID))
}

// Process runs the pipeline for a previously uploaded file and returns the
// aggregated result. When run records are enabled, the file is hashed and
// duplicate content short-circuits to the existing record.
func (p *Processor) Process(ctx context.Context, fileID string) (*models.AggregatedResult, error) {
	key := p.UploadKey(fileID)
	logCtx := slog.With("fileId", fileID)

	runID := ""
	if p.records != nil {
		localPath, err := p.store.MaterializeToLocal(ctx, key, "")
		if err != nil {
			return nil, err
		}
		fileHash, err := records.CalculateFileHash(localPath)
		if err != nil {
			return nil, err
		}
		existing, err := p.records.FindByHash(ctx, fileHash)
		if err != nil {
			return nil, err
		}
		if existing != "" {
			rec, err := p.records.Get(ctx, existing)
			if err != nil {
				return nil, err
			}
			result, err := priorResult(ctx, p.store, rec)
			if err != nil {
				// The record points at a result that is gone or unreadable;
				// fall through and rebuild it.
				logCtx.Warn("Stored result unusable; reprocessing.", "recordId", existing, "error", err)
			}
			if result != nil {
				logCtx.Info("Duplicate content; returning the stored result.", "recordId", existing)
				return result, nil
			}
			// The earlier run never produced a result (it failed or is still
			// in flight); retry under the same record instead of minting a
			// second one for the same content.
			logCtx.Info("Duplicate content without a stored result; reprocessing.", "recordId", existing)
			runID = existing
		} else {
			runID, err = p.records.Create(ctx, fileHash, fileID)
			if err != nil {
				return nil, err
			}
		}
		logCtx = logCtx.With("runId", runID)
	}

	outcome, err := p.orchestrator.Run(ctx, key, runID)
	if err != nil {
		return nil, err
	}
	if p.records != nil {
		if err := p.records.SetOutcome(ctx, runID, outcome.PageCount, outcome.Result.NumberOfSubdocuments, string(outcome.ResultKey)); err != nil {
			logCtx.Error("Failed to persist run outcome.", "error", err)
		}
	}
	logCtx.Info("Processing complete.", "resultKey", outcome.ResultKey,
		"completedWithErrors", outcome.CompletedWithErrors)
	return outcome.Result, nil
}

// ClaimIngest takes the event-delivery claim for a key on this processor's
// backend.
func (p *Processor) ClaimIngest(ctx context.Context, key storage.Key) (bool, error) {
	return ClaimIngest(ctx, p.store, key)
}

// ReleaseIngest gives the claim back after a failed run.
func (p *Processor) ReleaseIngest(ctx context.Context, key storage.Key) {
	ReleaseIngest(ctx, p.store, key)
}

// priorResult loads the aggregated result an earlier run stored for the
// same content, or nil when the record carries none yet.
func priorResult(ctx context.Context, store storage.Backend, rec *models.RunRecord) (*models.AggregatedResult, error) {
	if rec == nil || rec.ResultKey == "" {
		return nil, nil
	}
	data, err := store.Read(ctx, storage.Key(rec.ResultKey))
	if err != nil {
		return nil, fmt.Errorf("failed to read prior result %s: %w", rec.ResultKey, err)
	}
	var result models.AggregatedResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode prior result %s: %w", rec.ResultKey, err)
	}
	return &result, nil
}

// ProcessKey runs the pipeline for an arbitrary storage key, bypassing the
// uploads prefix. Used by event-triggered ingestion where the object
// location is dictated by the event.
func (p *Processor) ProcessKey(ctx context.Context, key storage.Key) (*models.AggregatedResult, error) {
	outcome, err := p.orchestrator.Run(ctx, key, "")
	if err != nil {
		return nil, err
	}
	return outcome.Result, nil
}
