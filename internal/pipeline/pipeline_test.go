package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/analysis"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/extract"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/split"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/storage"
)

type fakeEngine struct {
	byPage map[int]string
	err    error
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) ExtractText(_ context.Context, _ string) (string, map[int]string, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	return "", f.byPage, nil
}

type fakeAnalyzer struct {
	result *analysis.Result
	err    error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ map[int]string) (*analysis.Result, error) {
	return f.result, f.err
}

// fakeSplitter writes real artifacts to the backend so the extraction stage
// can materialize the image like production does, without touching pdfcpu.
type fakeSplitter struct {
	store  storage.Backend
	prefix string
}

func (f *fakeSplitter) Split(ctx context.Context, _, stem string, byPage map[int]string, partitions []analysis.Partition) ([]models.Subdocument, error) {
	subdocs := make([]models.Subdocument, 0, len(partitions))
	for _, part := range partitions {
		markdown := split.SliceMarkdown(byPage, part.Pages)
		sub := models.Subdocument{
			DocumentNumber: part.Number,
			PageNumbers:    part.Pages,
			Markdown:       markdown,
			MarkdownKey:    split.SubdocKey(f.prefix, stem, ".md", part.Number),
			PDFKey:         split.SubdocKey(f.prefix, stem, ".pdf", part.Number),
			ImageKey:       split.SubdocKey(f.prefix, stem, ".png", part.Number),
		}
		if err := f.store.WriteText(ctx, sub.MarkdownKey, markdown); err != nil {
			return nil, err
		}
		if err := f.store.WriteBytes(ctx, sub.PDFKey, []byte("%PDF"), "application/pdf"); err != nil {
			return nil, err
		}
		if err := f.store.WriteBytes(ctx, sub.ImageKey, []byte("png"), "image/png"); err != nil {
			return nil, err
		}
		subdocs = append(subdocs, sub)
	}
	return subdocs, nil
}

type fakeExtractor struct {
	failFor map[int]error // documentNumber -> error
}

func (f *fakeExtractor) Extract(_ context.Context, req extract.Request) (*extract.Result, error) {
	if err, ok := f.failFor[req.DocumentNumber]; ok {
		return nil, err
	}
	return &extract.Result{
		Fields: map[string]any{"invoice_number": fmt.Sprintf("INV-%d", req.DocumentNumber)},
	}, nil
}

type sinkCall struct {
	runID, status, errDetails string
}

type recordingSink struct {
	calls []sinkCall
}

func (r *recordingSink) UpdateStatus(_ context.Context, runID, status, errDetails string) {
	r.calls = append(r.calls, sinkCall{runID, status, errDetails})
}

func sixPageAnalysis() *analysis.Result {
	return &analysis.Result{
		Partitions: []analysis.Partition{
			{Number: 1, Pages: []int{1, 2, 3}},
			{Number: 2, Pages: []int{4, 5, 6}},
		},
		Animals: []string{"Bella (dog)"},
	}
}

func sixPages() map[int]string {
	byPage := make(map[int]string)
	for i := 1; i <= 6; i++ {
		byPage[i] = fmt.Sprintf("page %d", i)
	}
	return byPage
}

func newTestOrchestrator(t *testing.T, store storage.Backend, engine *fakeEngine, analyzer *fakeAnalyzer, extractor *fakeExtractor, sink StatusSink) *Orchestrator {
	t.Helper()
	factory := func(string) Splitter {
		return &fakeSplitter{store: store, prefix: "temp"}
	}
	return New(store, engine, analyzer, factory, extractor, sink, Options{
		OutputPrefix:       "temp",
		UseOCR:             true,
		UseVision:          true,
		ExtractParallelism: 2,
	})
}

func seedUpload(t *testing.T, store storage.Backend) storage.Key {
	t.Helper()
	key := storage.Key("uploads/scan.pdf")
	require.NoError(t, store.WriteBytes(context.Background(), key, []byte("%PDF-1.4"), "application/pdf"))
	return key
}

func TestRunProducesResultPerPartition(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	key := seedUpload(t, store)

	sink := &recordingSink{}
	orch := newTestOrchestrator(t, store,
		&fakeEngine{byPage: sixPages()},
		&fakeAnalyzer{result: sixPageAnalysis()},
		&fakeExtractor{},
		sink,
	)

	outcome, err := orch.Run(ctx, key, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Result.NumberOfSubdocuments)
	assert.Equal(t, 6, outcome.PageCount)
	assert.False(t, outcome.CompletedWithErrors)

	require.Len(t, outcome.Result.Subdocuments, 2)
	assert.Equal(t, 1, outcome.Result.Subdocuments[0].DocumentNumber)
	assert.Equal(t, []int{1, 2, 3}, outcome.Result.Subdocuments[0].PageNumbers)
	assert.Equal(t, "INV-1", outcome.Result.Subdocuments[0].Fields["invoice_number"])
	assert.Equal(t, 2, outcome.Result.Subdocuments[1].DocumentNumber)
	assert.Equal(t, "INV-2", outcome.Result.Subdocuments[1].Fields["invoice_number"])

	// The persisted aggregate must match the in-memory outcome.
	assert.Equal(t, storage.Key("temp/extracted_data_scan.json"), outcome.ResultKey)
	data, err := store.Read(ctx, outcome.ResultKey)
	require.NoError(t, err)
	var persisted models.AggregatedResult
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, outcome.Result.NumberOfSubdocuments, persisted.NumberOfSubdocuments)

	// Every stage reported a status transition, ending in FINALIZED.
	require.NotEmpty(t, sink.calls)
	assert.Equal(t, string(StateFinalized), sink.calls[len(sink.calls)-1].status)
}

func TestRunEngineFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	key := seedUpload(t, store)

	orch := newTestOrchestrator(t, store,
		&fakeEngine{err: errors.New("render failed")},
		&fakeAnalyzer{result: sixPageAnalysis()},
		&fakeExtractor{},
		nil,
	)

	_, err := orch.Run(ctx, key, "")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageTextExtract, stageErr.Stage)

	exists, err := store.Exists(ctx, "temp/extracted_data_scan.json")
	require.NoError(t, err)
	assert.False(t, exists, "no result may be persisted after a failed run")
}

func TestRunAnalyzerParseErrorFailsBeforeArtifacts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	key := seedUpload(t, store)

	sink := &recordingSink{}
	orch := newTestOrchestrator(t, store,
		&fakeEngine{byPage: sixPages()},
		&fakeAnalyzer{err: &analysis.ParseError{Reason: "not valid JSON"}},
		&fakeExtractor{},
		sink,
	)

	_, err := orch.Run(ctx, key, "run-2")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageAnalyze, stageErr.Stage)
	var parseErr *analysis.ParseError
	assert.ErrorAs(t, err, &parseErr)

	for _, ext := range []string{".md", ".pdf", ".png"} {
		exists, err := store.Exists(ctx, split.SubdocKey("temp", "scan", ext, 1))
		require.NoError(t, err)
		assert.False(t, exists)
	}

	// The failure was reported to the sink.
	last := sink.calls[len(sink.calls)-1]
	assert.Equal(t, "FAILED", last.status)
	assert.NotEmpty(t, last.errDetails)
}

func TestRunPartialExtractionFailureKeepsSlot(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	key := seedUpload(t, store)

	threeParts := &analysis.Result{
		Partitions: []analysis.Partition{
			{Number: 1, Pages: []int{1, 2}},
			{Number: 2, Pages: []int{3, 4}},
			{Number: 3, Pages: []int{5, 6}},
		},
	}
	orch := newTestOrchestrator(t, store,
		&fakeEngine{byPage: sixPages()},
		&fakeAnalyzer{result: threeParts},
		&fakeExtractor{failFor: map[int]error{
			2: &extract.Error{DocumentNumber: 2, Err: errors.New("model refused")},
		}},
		nil,
	)

	outcome, err := orch.Run(ctx, key, "")
	require.NoError(t, err, "one failed extraction must not fail the run")
	assert.True(t, outcome.CompletedWithErrors)

	require.Len(t, outcome.Result.Subdocuments, 3)
	assert.Empty(t, outcome.Result.Subdocuments[0].Error)
	assert.NotEmpty(t, outcome.Result.Subdocuments[1].Error)
	assert.Equal(t, []int{3, 4}, outcome.Result.Subdocuments[1].PageNumbers)
	assert.Empty(t, outcome.Result.Subdocuments[2].Error)
}

func TestRunConfigErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	key := seedUpload(t, store)

	orch := newTestOrchestrator(t, store,
		&fakeEngine{byPage: sixPages()},
		&fakeAnalyzer{result: sixPageAnalysis()},
		&fakeExtractor{failFor: map[int]error{
			1: &extract.ConfigError{Reason: "no vision model configured"},
		}},
		nil,
	)

	_, err := orch.Run(ctx, key, "")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageExtract, stageErr.Stage)
	var cfgErr *extract.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRunSparsePageTextFails(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	key := seedUpload(t, store)

	orch := newTestOrchestrator(t, store,
		&fakeEngine{byPage: map[int]string{1: "a", 3: "c"}},
		&fakeAnalyzer{result: sixPageAnalysis()},
		&fakeExtractor{},
		nil,
	)

	_, err := orch.Run(ctx, key, "")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageTextExtract, stageErr.Stage)
}

func TestCleanupDeletesArtifacts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewLocal(t.TempDir())
	key := seedUpload(t, store)

	orch := newTestOrchestrator(t, store,
		&fakeEngine{byPage: sixPages()},
		&fakeAnalyzer{result: sixPageAnalysis()},
		&fakeExtractor{},
		nil,
	)
	outcome, err := orch.Run(ctx, key, "")
	require.NoError(t, err)

	orch.Cleanup(ctx, outcome.Subdocuments)
	for _, sub := range outcome.Subdocuments {
		for _, artifact := range []storage.Key{sub.MarkdownKey, sub.PDFKey, sub.ImageKey} {
			exists, err := store.Exists(ctx, artifact)
			require.NoError(t, err)
			assert.False(t, exists, "artifact %s should be deleted", artifact)
		}
	}

	// The aggregated result survives cleanup.
	exists, err := store.Exists(ctx, outcome.ResultKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

// memBackend keeps objects in a map so the orchestrator can be exercised
// against gs://-style keys without a bucket. MaterializeToLocal copies into
// a scratch directory the way the remote backend does.
type memBackend struct {
	mu      sync.Mutex
	objects map[storage.Key][]byte
	scratch string
}

func newMemBackend(t *testing.T) *memBackend {
	t.Helper()
	return &memBackend{
		objects: make(map[storage.Key][]byte),
		scratch: t.TempDir(),
	}
}

func (m *memBackend) Read(_ context.Context, key storage.Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *memBackend) WriteBytes(_ context.Context, key storage.Key, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBackend) WriteText(ctx context.Context, key storage.Key, text string) error {
	return m.WriteBytes(ctx, key, []byte(text), "text/plain")
}

func (m *memBackend) Delete(_ context.Context, key storage.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBackend) Exists(_ context.Context, key storage.Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memBackend) MaterializeToLocal(ctx context.Context, key storage.Key, suffix string) (string, error) {
	data, err := m.Read(ctx, key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.scratch, fmt.Sprintf("mat-%d%s", len(m.objects), suffix))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func TestRunRoundTripsResultThroughBackend(t *testing.T) {
	ctx := context.Background()
	store := newMemBackend(t)
	key := storage.Key("gs://bucket/uploads/scan.pdf")
	require.NoError(t, store.WriteBytes(ctx, key, []byte("%PDF-1.4"), "application/pdf"))

	factory := func(string) Splitter {
		return &fakeSplitter{store: store, prefix: "gs://bucket/temp"}
	}
	orch := New(store,
		&fakeEngine{byPage: sixPages()},
		&fakeAnalyzer{result: sixPageAnalysis()},
		factory,
		&fakeExtractor{},
		nil,
		Options{
			OutputPrefix:       "gs://bucket/temp",
			UseOCR:             true,
			UseVision:          true,
			ExtractParallelism: 2,
		})

	outcome, err := orch.Run(ctx, key, "run-mem")
	require.NoError(t, err)
	assert.Equal(t, storage.Key("gs://bucket/temp/extracted_data_scan.json"), outcome.ResultKey)

	data, err := store.Read(ctx, outcome.ResultKey)
	require.NoError(t, err)
	var persisted models.AggregatedResult
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, *outcome.Result, persisted, "the re-read aggregate must equal the in-memory one field for field")
}

func TestResultKey(t *testing.T) {
	assert.Equal(t, storage.Key("temp/extracted_data_scan.json"), ResultKey("temp", "scan"))
	assert.Equal(t, storage.Key("gs://b/out/extracted_data_x.json"), ResultKey("gs://b/out/", "x"))
}
