// Package split materializes one sub-document per partition: a markdown
// slice, a page-range PDF, and a single concatenated raster image, all
// persisted through the storage backend.
package split

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfcpumodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/analysis"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/imaging"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/storage"
)

// renderDPI is the fixed artifact resolution; rendering is deterministic at
// a fixed DPI, so re-running the stage reproduces identical artifact bytes.
const renderDPI = 300

// RenderError reports a failed sub-document assembly or page render. Any
// partition failing mid-loop fails the whole stage: downstream aggregation
// assumes every partition produced an artifact.
type RenderError struct {
	DocumentNumber int
	Err            error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("failed to materialize subdocument %d: %v", e.DocumentNumber, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Splitter writes per-partition artifacts under outputPrefix, using workDir
// for intermediate local files. workDir must be private to one run.
type Splitter struct {
	store        storage.Backend
	workDir      string
	outputPrefix string
}

func New(store storage.Backend, workDir, outputPrefix string) *Splitter {
	return &Splitter{store: store, workDir: workDir, outputPrefix: outputPrefix}
}

// SubdocKey builds the storage key for one sub-document artifact.
func SubdocKey(prefix, stem, ext string, documentNumber int) storage.Key {
	base := strings.TrimSuffix(prefix, "/")
	return storage.Key(fmt.Sprintf("%s/%s_subdocument_%d%s", base, stem, documentNumber, ext))
}

// Split materializes the three artifacts for every partition, in the
// analyzer's committed partition order.
func (s *Splitter) Split(ctx context.Context, localPDF, stem string, byPage map[int]string, partitions []analysis.Partition) ([]models.Subdocument, error) {
	if !strings.HasSuffix(strings.ToLower(localPDF), ".pdf") {
		return nil, &RenderError{Err: fmt.Errorf("splitting currently expects a PDF input, got %s", filepath.Ext(localPDF))}
	}

	subdocs := make([]models.Subdocument, 0, len(partitions))
	for _, part := range partitions {
		sub, err := s.splitOne(ctx, localPDF, stem, byPage, part)
		if err != nil {
			return nil, err
		}
		subdocs = append(subdocs, *sub)
	}
	return subdocs, nil
}

func (s *Splitter) splitOne(ctx context.Context, localPDF, stem string, byPage map[int]string, part analysis.Partition) (*models.Subdocument, error) {
	logCtx := slog.With("documentNumber", part.Number, "pages", part.Pages)

	mdKey := SubdocKey(s.outputPrefix, stem, ".md", part.Number)
	pdfKey := SubdocKey(s.outputPrefix, stem, ".pdf", part.Number)
	imgKey := SubdocKey(s.outputPrefix, stem, ".png", part.Number)

	// 1) Slice the page texts in partition order.
	markdown := SliceMarkdown(byPage, part.Pages)
	if err := s.store.WriteBytes(ctx, mdKey, []byte(markdown), "text/markdown; charset=utf-8"); err != nil {
		return nil, &RenderError{DocumentNumber: part.Number, Err: err}
	}

	// 2) Assemble the page-range PDF locally, then persist it. The page list
	// is collected explicitly, so non-contiguous partitions contain exactly
	// their own pages.
	subPDFLocal := filepath.Join(s.workDir, string(pdfKey.Base()))
	if err := collectPages(localPDF, subPDFLocal, part.Pages); err != nil {
		return nil, &RenderError{DocumentNumber: part.Number, Err: err}
	}
	pdfBytes, err := os.ReadFile(subPDFLocal)
	if err != nil {
		return nil, &RenderError{DocumentNumber: part.Number, Err: err}
	}
	if err := s.store.WriteBytes(ctx, pdfKey, pdfBytes, "application/pdf"); err != nil {
		return nil, &RenderError{DocumentNumber: part.Number, Err: err}
	}

	// 3) Render every page of the sub-document and stack them into one image.
	pngBytes, err := renderConcatenated(subPDFLocal)
	if err != nil {
		return nil, &RenderError{DocumentNumber: part.Number, Err: err}
	}
	if err := s.store.WriteBytes(ctx, imgKey, pngBytes, "image/png"); err != nil {
		return nil, &RenderError{DocumentNumber: part.Number, Err: err}
	}

	logCtx.Info("Subdocument artifacts written.",
		"markdownKey", mdKey, "pdfKey", pdfKey, "imageKey", imgKey)

	return &models.Subdocument{
		DocumentNumber: part.Number,
		PageNumbers:    part.Pages,
		Markdown:       markdown,
		MarkdownKey:    mdKey,
		PDFKey:         pdfKey,
		ImageKey:       imgKey,
	}, nil
}

// SliceMarkdown joins the texts of the given pages, in the given order, with
// a blank-line separator.
func SliceMarkdown(byPage map[int]string, pages []int) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, byPage[p])
	}
	return strings.Join(parts, "\n\n")
}

// PageSelection renders the page list as pdfcpu selection tokens.
func PageSelection(pages []int) []string {
	sel := make([]string, 0, len(pages))
	for _, p := range pages {
		sel = append(sel, strconv.Itoa(p))
	}
	return sel
}

func collectPages(inPath, outPath string, pages []int) error {
	cfg := pdfcpumodel.NewDefaultConfiguration()
	cfg.ValidationMode = pdfcpumodel.ValidationRelaxed
	if err := api.CollectFile(inPath, outPath, PageSelection(pages), cfg); err != nil {
		return fmt.Errorf("failed to collect pages %v: %w", pages, err)
	}
	return nil
}

func renderConcatenated(subPDF string) ([]byte, error) {
	doc, err := fitz.New(subPDF)
	if err != nil {
		return nil, fmt.Errorf("failed to open subdocument PDF: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	pageImages := make([]image.Image, 0, n)
	for i := 0; i < n; i++ {
		img, err := doc.ImageDPI(i, renderDPI)
		if err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", i+1, err)
		}
		pageImages = append(pageImages, img)
	}

	concatenated, err := imaging.ConcatVertical(pageImages)
	if err != nil {
		return nil, err
	}
	return imaging.EncodePNG(concatenated)
}
