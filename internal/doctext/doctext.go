// Package doctext turns a source document into full text plus a dense
// page-indexed text mapping. Engines are external capabilities: the pipeline
// consumes the interface and treats any engine failure as fatal for the run.
package doctext

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Engine extracts text from a locally materialized document. byPage must be
// dense: exactly the keys 1..N for an N-page document, and exactly {1} for a
// single-page image input.
type Engine interface {
	Name() string
	ExtractText(ctx context.Context, localPath string) (full string, byPage map[int]string, err error)
}

// EngineError reports that the engine could not process the document at all.
// There is no partial-OCR continuation.
type EngineError struct {
	Engine string
	Path   string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("text engine %s failed on %s: %v", e.Engine, e.Path, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// ValidateDense checks the 1..N page-key invariant and returns N.
func ValidateDense(byPage map[int]string) (int, error) {
	n := len(byPage)
	if n == 0 {
		return 0, fmt.Errorf("empty page map")
	}
	for p := 1; p <= n; p++ {
		if _, ok := byPage[p]; !ok {
			return 0, fmt.Errorf("page map has %d entries but is missing page %d", n, p)
		}
	}
	return n, nil
}

// joinPages builds the full text from the page map in page order.
func joinPages(byPage map[int]string) string {
	pages := make([]int, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, byPage[p])
	}
	return strings.Join(parts, "\n\n")
}

// IsPDF reports whether the path looks like a PDF by extension.
func IsPDF(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".pdf")
}
