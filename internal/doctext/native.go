package doctext

import (
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// NativeEngine reads the embedded text layer of born-digital PDFs. It is the
// cheap engine for documents that were never scanned; it cannot handle image
// inputs or scans without a text layer.
type NativeEngine struct{}

func NewNativeEngine() *NativeEngine { return &NativeEngine{} }

func (e *NativeEngine) Name() string { return "native" }

func (e *NativeEngine) ExtractText(ctx context.Context, localPath string) (string, map[int]string, error) {
	if !IsPDF(localPath) {
		return "", nil, &EngineError{Engine: e.Name(), Path: localPath,
			Err: fmt.Errorf("unsupported format: native engine requires a PDF")}
	}

	f, reader, err := pdf.Open(localPath)
	if err != nil {
		return "", nil, &EngineError{Engine: e.Name(), Path: localPath, Err: err}
	}
	defer f.Close()

	numPages := reader.NumPage()
	if numPages == 0 {
		return "", nil, &EngineError{Engine: e.Name(), Path: localPath,
			Err: fmt.Errorf("document has no pages")}
	}

	byPage := make(map[int]string, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return "", nil, &EngineError{Engine: e.Name(), Path: localPath, Err: err}
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			byPage[i] = ""
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", nil, &EngineError{Engine: e.Name(), Path: localPath,
				Err: fmt.Errorf("page %d: %w", i, err)}
		}
		byPage[i] = text
	}
	return joinPages(byPage), byPage, nil
}
