package models

import (
	"time"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/storage"
)

// Subdocument is one logical invoice carved out of the source document,
// together with the three artifacts the splitter persisted for it.
type Subdocument struct {
	DocumentNumber int         `json:"document_number"`
	PageNumbers    []int       `json:"page_numbers"`
	Markdown       string      `json:"-"`
	MarkdownKey    storage.Key `json:"markdown_key"`
	PDFKey         storage.Key `json:"pdf_key"`
	ImageKey       storage.Key `json:"image_key"`
}

// ExtractionRecord is the structured result slot for one sub-document. A slot
// whose extraction failed keeps its position with Error set, so record order
// stays aligned with the partition that produced it.
type ExtractionRecord struct {
	DocumentNumber int            `json:"document_number"`
	PageNumbers    []int          `json:"page_numbers"`
	Fields         map[string]any `json:"fields,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// AggregatedResult is the final output of one pipeline run.
type AggregatedResult struct {
	NumberOfSubdocuments int                `json:"number_of_subdocuments"`
	Subdocuments         []ExtractionRecord `json:"subdocuments"`
}

// HasErrors reports whether any slot carries an extraction error.
func (a *AggregatedResult) HasErrors() bool {
	for _, rec := range a.Subdocuments {
		if rec.Error != "" {
			return true
		}
	}
	return false
}

// RunRecord is the Firestore document tracking one processing run.
type RunRecord struct {
	FileHash         string    `firestore:"fileHash,omitempty"`
	OriginalFilename string    `firestore:"originalFilename,omitempty"`
	Status           string    `firestore:"status,omitempty"`
	ErrorDetails     string    `firestore:"errorDetails,omitempty"`
	PageCount        int       `firestore:"pageCount,omitempty"`
	SubdocumentCount int       `firestore:"subdocumentCount,omitempty"`
	ResultKey        string    `firestore:"resultKey,omitempty"`
	CreatedAt        time.Time `firestore:"createdAt,omitempty"`
}
