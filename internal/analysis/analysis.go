// Package analysis decides how the pages of a multi-page scan partition into
// logical invoices. A single zero-temperature reasoning call is the
// partitioning oracle; its validated output drives every later stage.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/gcp"
)

// Partition is one logical invoice: its number and the ascending pages that
// belong to it. The page list may be non-contiguous.
type Partition struct {
	Number int
	Pages  []int
}

// Result is the validated outcome of the analysis call. Partitions are
// sorted by ascending partition number once at parse time; that slice is the
// committed iteration order for splitting, extraction and aggregation.
type Result struct {
	Partitions []Partition
	Animals    []string
}

// ParseError reports a model response that could not be used as a partition.
// Analysis never guesses: a malformed response fails the run.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis response unusable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("analysis response unusable: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Analyzer runs the document-analysis call against a pre-configured
// JSON-mode model.
type Analyzer struct {
	model *genai.GenerativeModel
}

// New creates an Analyzer on top of the vertex client's analyzer model.
func New(client *gcp.VertexClient) *Analyzer {
	return &Analyzer{model: client.AnalyzerModel}
}

// CombinePages renders the page-indexed text into the single prompt input,
// prefixing each page with an explicit marker so the model can cite pages by
// number. Pages are emitted in ascending order.
func CombinePages(byPage map[int]string) string {
	pages := make([]int, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, fmt.Sprintf("--- PAGE %d ---\n: %s", p, byPage[p]))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// Analyze asks the model for the partition of the given page texts and
// validates the answer against the document's true page count.
func (a *Analyzer) Analyze(ctx context.Context, byPage map[int]string) (*Result, error) {
	combined := CombinePages(byPage)
	prompt := genai.Text(gcp.AnalyzerUserPrompt + "\n\nDocument transcription:\n\n" + combined)

	resp, err := a.model.GenerateContent(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate analysis from gemini: %w", err)
	}
	raw := extractJSONContent(resp)
	if raw == "" {
		return nil, &ParseError{Reason: "model returned an empty response"}
	}
	if usage := resp.UsageMetadata; usage != nil {
		slog.Debug("Analysis call token usage.",
			"promptTokens", usage.PromptTokenCount,
			"completionTokens", usage.CandidatesTokenCount,
		)
	}

	return ParseResult(raw, byPage)
}

// rawAnalysis mirrors the JSON shape the analyzer model is instructed to
// produce.
type rawAnalysis struct {
	InvoicePages map[string][]int `json:"invoice_pages"`
	Animals      []string         `json:"animals"`
}

// ParseResult validates the model's raw JSON text against the page map. All
// shape violations are ParseErrors; downstream stages may assume a valid
// Result without re-checking.
func ParseResult(raw string, byPage map[int]string) (*Result, error) {
	var parsed rawAnalysis
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		return nil, &ParseError{Reason: "not valid JSON", Err: err}
	}
	if parsed.InvoicePages == nil {
		return nil, &ParseError{Reason: `missing "invoice_pages" key`}
	}
	if len(parsed.InvoicePages) == 0 {
		return nil, &ParseError{Reason: "empty partition"}
	}

	partitions := make([]Partition, 0, len(parsed.InvoicePages))
	seen := make(map[int]int) // page -> partition number that claimed it
	for numStr, pages := range parsed.InvoicePages {
		num, err := strconv.Atoi(strings.TrimSpace(numStr))
		if err != nil || num <= 0 {
			return nil, &ParseError{Reason: fmt.Sprintf("invalid partition key %q", numStr)}
		}
		if len(pages) == 0 {
			return nil, &ParseError{Reason: fmt.Sprintf("partition %d has no pages", num)}
		}
		prev := 0
		for _, p := range pages {
			if p <= prev {
				return nil, &ParseError{Reason: fmt.Sprintf("partition %d pages not strictly ascending", num)}
			}
			if _, ok := byPage[p]; !ok {
				return nil, &ParseError{Reason: fmt.Sprintf("partition %d references unknown page %d", num, p)}
			}
			if owner, ok := seen[p]; ok {
				return nil, &ParseError{Reason: fmt.Sprintf("page %d claimed by partitions %d and %d", p, owner, num)}
			}
			seen[p] = num
			prev = p
		}
		partitions = append(partitions, Partition{Number: num, Pages: pages})
	}

	// Pin the extraction order: ascending partition number. The JSON object
	// carries no reliable ordering, so the sorted slice is the contract.
	sort.Slice(partitions, func(i, j int) bool {
		return partitions[i].Number < partitions[j].Number
	})

	return &Result{Partitions: partitions, Animals: parsed.Animals}, nil
}

// extractJSONContent robustly gets the raw text content from the model response.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	if txt, ok := resp.Candidates[0].Content.Parts[0].(genai.Text); ok {
		return strings.TrimSpace(string(txt))
	}
	return ""
}

// stripFences removes a markdown code fence wrapping, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
