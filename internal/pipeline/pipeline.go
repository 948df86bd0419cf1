// Package pipeline orchestrates one processing run: materialize the input,
// extract page text, analyze the partition, materialize sub-document
// artifacts, extract structured data per sub-document, and persist the
// aggregated result. Stages run strictly in order; each is a single attempt.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/analysis"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/doctext"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/extract"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/storage"
)

// State tracks progress through the run's fixed stage sequence.
type State string

const (
	StateCreated       State = "CREATED"
	StateTextExtracted State = "TEXT_EXTRACTED"
	StateAnalyzed      State = "ANALYZED"
	StateSplit         State = "SPLIT"
	StateExtracted     State = "EXTRACTED"
	StateFinalized     State = "FINALIZED"
)

// Analyzer proposes the page partition for a document.
type Analyzer interface {
	Analyze(ctx context.Context, byPage map[int]string) (*analysis.Result, error)
}

// Splitter materializes per-partition artifacts.
type Splitter interface {
	Split(ctx context.Context, localPDF, stem string, byPage map[int]string, partitions []analysis.Partition) ([]models.Subdocument, error)
}

// Extractor produces a structured record for one sub-document.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Result, error)
}

// StatusSink receives stage-transition updates for a run. Implementations
// must tolerate best-effort delivery; a sink failure never fails the run.
type StatusSink interface {
	UpdateStatus(ctx context.Context, runID, status, errDetails string)
}

// Options configures an Orchestrator.
type Options struct {
	OutputPrefix string // storage prefix for artifacts and the final result
	UseOCR       bool
	UseVision    bool
	// ExtractParallelism bounds concurrent per-subdocument extraction calls.
	// Results are reassembled by partition order regardless of completion
	// order. Values < 1 mean sequential.
	ExtractParallelism int
}

// Orchestrator drives the five-stage pipeline with injected collaborators.
// It holds no per-run state; Run is safe for concurrent use.
type Orchestrator struct {
	store     storage.Backend
	engine    doctext.Engine
	analyzer  Analyzer
	splitter  func(workDir string) Splitter
	extractor Extractor
	status    StatusSink
	opts      Options
}

// SplitterFactory builds a Splitter bound to a run-private work directory.
type SplitterFactory func(workDir string) Splitter

// New creates an Orchestrator. status may be nil.
func New(store storage.Backend, engine doctext.Engine, analyzer Analyzer, splitter SplitterFactory, extractor Extractor, status StatusSink, opts Options) *Orchestrator {
	if opts.OutputPrefix == "" {
		opts.OutputPrefix = "temp"
	}
	return &Orchestrator{
		store:     store,
		engine:    engine,
		analyzer:  analyzer,
		splitter:  splitter,
		extractor: extractor,
		status:    status,
		opts:      opts,
	}
}

// Outcome is the successful result of one run.
type Outcome struct {
	Result              *models.AggregatedResult
	ResultKey           storage.Key
	Subdocuments        []models.Subdocument
	PageCount           int
	CompletedWithErrors bool
}

// Run executes the full pipeline for a previously stored file. runID is the
// external record identifier for status updates; empty disables them.
func (o *Orchestrator) Run(ctx context.Context, fileKey storage.Key, runID string) (*Outcome, error) {
	logCtx := slog.With("fileKey", fileKey, "runId", runID)
	logCtx.Info("Starting pipeline run.")

	r, err := o.openRun(ctx, fileKey)
	if err != nil {
		return nil, err
	}
	defer r.close()

	type stageFn struct {
		stage Stage
		fn    func(context.Context, *run) error
	}
	stages := []stageFn{
		{StageTextExtract, o.extractText},
		{StageAnalyze, o.analyze},
		{StageSplit, o.splitDocument},
		{StageExtract, o.extractData},
		{StageFinalize, o.finalize},
	}
	for _, s := range stages {
		if err := s.fn(ctx, r); err != nil {
			stageErr := &StageError{Stage: s.stage, Err: err}
			logCtx.Error("Pipeline stage failed.", "stage", s.stage, "error", err)
			o.updateStatus(ctx, runID, "FAILED", stageErr.Error())
			return nil, stageErr
		}
		o.updateStatus(ctx, runID, string(r.state), "")
	}

	logCtx.Info("Pipeline run finished.",
		"subdocuments", r.result.NumberOfSubdocuments,
		"resultKey", r.resultKey,
		"completedWithErrors", r.result.HasErrors(),
	)
	return &Outcome{
		Result:              r.result,
		ResultKey:           r.resultKey,
		Subdocuments:        r.subdocs,
		PageCount:           r.pageCount,
		CompletedWithErrors: r.result.HasErrors(),
	}, nil
}

// run holds the mutable state of one pipeline execution.
type run struct {
	fileKey   storage.Key
	localPath string
	stem      string
	isPDF     bool
	workDir   string
	state     State

	byPage    map[int]string
	pageCount int
	analysis  *analysis.Result
	subdocs   []models.Subdocument
	records   []models.ExtractionRecord
	result    *models.AggregatedResult
	resultKey storage.Key
}

func (o *Orchestrator) openRun(ctx context.Context, fileKey storage.Key) (*run, error) {
	localPath, err := o.store.MaterializeToLocal(ctx, fileKey, "")
	if err != nil {
		return nil, &StageError{Stage: StageTextExtract, Err: err}
	}
	workDir, err := os.MkdirTemp("", "invoice-work-*")
	if err != nil {
		return nil, &StageError{Stage: StageTextExtract, Err: fmt.Errorf("failed to create work dir: %w", err)}
	}
	base := filepath.Base(localPath)
	return &run{
		fileKey:   fileKey,
		localPath: localPath,
		stem:      strings.TrimSuffix(base, filepath.Ext(base)),
		isPDF:     doctext.IsPDF(localPath),
		workDir:   workDir,
		state:     StateCreated,
	}, nil
}

// close releases the run-private work directory. It runs regardless of
// success or failure; persisted artifacts are untouched.
func (r *run) close() {
	if r.workDir != "" {
		_ = os.RemoveAll(r.workDir)
	}
}

func (r *run) require(stage Stage, want State) error {
	if r.state != want {
		return &StateError{Stage: stage, Have: r.state, Want: want}
	}
	return nil
}

func (o *Orchestrator) extractText(ctx context.Context, r *run) error {
	if err := r.require(StageTextExtract, StateCreated); err != nil {
		return err
	}
	_, byPage, err := o.engine.ExtractText(ctx, r.localPath)
	if err != nil {
		return err
	}
	n, err := doctext.ValidateDense(byPage)
	if err != nil {
		return &doctext.EngineError{Engine: o.engine.Name(), Path: r.localPath, Err: err}
	}
	r.byPage = byPage
	r.pageCount = n
	r.state = StateTextExtracted
	slog.Debug("Page text extracted.", "fileKey", r.fileKey, "pageCount", n)
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, r *run) error {
	if err := r.require(StageAnalyze, StateTextExtracted); err != nil {
		return err
	}
	res, err := o.analyzer.Analyze(ctx, r.byPage)
	if err != nil {
		return err
	}
	r.analysis = res
	r.state = StateAnalyzed
	slog.Debug("Document analyzed.", "fileKey", r.fileKey,
		"partitions", len(res.Partitions), "animals", len(res.Animals))
	return nil
}

func (o *Orchestrator) splitDocument(ctx context.Context, r *run) error {
	if err := r.require(StageSplit, StateAnalyzed); err != nil {
		return err
	}
	if !r.isPDF {
		return fmt.Errorf("splitting currently expects a PDF input")
	}
	subdocs, err := o.splitter(r.workDir).Split(ctx, r.localPath, r.stem, r.byPage, r.analysis.Partitions)
	if err != nil {
		return err
	}
	r.subdocs = subdocs
	r.state = StateSplit
	return nil
}

func (o *Orchestrator) extractData(ctx context.Context, r *run) error {
	if err := r.require(StageExtract, StateSplit); err != nil {
		return err
	}

	records := make([]models.ExtractionRecord, len(r.subdocs))
	limit := o.opts.ExtractParallelism
	if limit < 1 {
		limit = 1
	}
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for i := range r.subdocs {
		eg.Go(func() error {
			sub := r.subdocs[i]
			rec, err := o.extractOne(gctx, r, sub)
			if err != nil {
				// A misconfigured capability fails the run before sibling
				// calls are worth making; anything else stays in its slot.
				var cfgErr *extract.ConfigError
				if errors.As(err, &cfgErr) {
					return err
				}
				slog.Warn("Subdocument extraction failed; recording error in slot.",
					"fileKey", r.fileKey, "documentNumber", sub.DocumentNumber, "error", err)
				records[i] = models.ExtractionRecord{
					DocumentNumber: sub.DocumentNumber,
					PageNumbers:    sub.PageNumbers,
					Error:          err.Error(),
				}
				return nil
			}
			records[i] = *rec
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	r.records = records
	r.state = StateExtracted
	return nil
}

func (o *Orchestrator) extractOne(ctx context.Context, r *run, sub models.Subdocument) (*models.ExtractionRecord, error) {
	localImage, err := o.store.MaterializeToLocal(ctx, sub.ImageKey, ".png")
	if err != nil {
		return nil, err
	}
	res, err := o.extractor.Extract(ctx, extract.Request{
		DocumentNumber: sub.DocumentNumber,
		ImagePath:      localImage,
		Markdown:       sub.Markdown,
		Animals:        r.analysis.Animals,
		UseOCR:         o.opts.UseOCR,
		UseVision:      o.opts.UseVision,
	})
	if err != nil {
		return nil, err
	}
	return &models.ExtractionRecord{
		DocumentNumber: sub.DocumentNumber,
		PageNumbers:    sub.PageNumbers,
		Fields:         res.Fields,
		Warnings:       res.Warnings,
	}, nil
}

func (o *Orchestrator) finalize(ctx context.Context, r *run) error {
	if err := r.require(StageFinalize, StateExtracted); err != nil {
		return err
	}
	result := &models.AggregatedResult{
		NumberOfSubdocuments: len(r.subdocs),
		Subdocuments:         r.records,
	}
	data, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal aggregated result: %w", err)
	}

	key := ResultKey(o.opts.OutputPrefix, r.stem)
	if err := o.store.WriteBytes(ctx, key, data, "application/json"); err != nil {
		return err
	}
	r.result = result
	r.resultKey = key
	r.state = StateFinalized
	return nil
}

// ResultKey is the deterministic location of a run's aggregated result.
func ResultKey(prefix, stem string) storage.Key {
	return storage.Key(fmt.Sprintf("%s/extracted_data_%s.json", strings.TrimSuffix(prefix, "/"), stem))
}

// Cleanup deletes the per-subdocument storage artifacts. It is explicitly
// invoked by callers that do not want to retain the intermediate products;
// failures are swallowed since cleanup is off the critical path.
func (o *Orchestrator) Cleanup(ctx context.Context, subdocs []models.Subdocument) {
	for _, sub := range subdocs {
		for _, key := range []storage.Key{sub.MarkdownKey, sub.PDFKey, sub.ImageKey} {
			if err := o.store.Delete(ctx, key); err != nil {
				slog.Warn("Cleanup failed to delete artifact.", "key", key, "error", err)
			}
		}
	}
}

func (o *Orchestrator) updateStatus(ctx context.Context, runID, status, errDetails string) {
	if o.status == nil || runID == "" {
		return
	}
	o.status.UpdateStatus(ctx, runID, status, errDetails)
}
