package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Transcriber Model Prompts ---
const TranscriberSystemPrompt = "You are a document parser and markdown transcriber for scanned veterinary invoices and receipts. Your task is to transcribe the content of a single invoice page into markdown format. Accuracy, detail, and information preservation are of utmost importance."
const TranscriberUserPrompt = `You will be provided with the image of one page of a scanned invoice:

Follow these instructions to transcribe the page into markdown format:

Text: Transcribe all text content directly into markdown text, preserving the reading order.
Line items: Transcribe tabular line items (treatments, medication, quantities, unit prices, amounts) into markdown tables. Keep every row and every amount exactly as printed.
Amounts and identifiers: Reproduce invoice numbers, dates, tax numbers, bank details and monetary amounts character by character. Never round, reformat, or guess an amount.
Stamps and handwriting: Transcribe legible stamps and handwritten notes; mark illegible passages as [illegible].
Logos and decorations: Ignore purely decorative elements, but keep the issuing practice's name and address.

Your primary goal is to maintain the integrity and completeness of the page's content in the markdown output.`

// --- Analyzer Model Prompts ---
const AnalyzerSystemPrompt = "You are a specialist document analysis tool. Your task is to decide how the pages of a multi-page scan group into distinct veterinary invoices or receipts. You must output your response as a single valid JSON object."
const AnalyzerUserPrompt = `Analyze the provided page-by-page transcription of a scanned document. Pages are delimited by "--- PAGE N ---" markers; always cite pages by those numbers.

Follow these rules precisely:
1.  Group the pages into distinct logical invoices or receipts. A new invoice typically starts with a new letterhead, a new invoice number, or a new recipient.
2.  Pages that belong to no invoice (cover sheets, blank pages, shipping notes) must not appear in any group.
3.  Identify every animal (patient) mentioned anywhere in the document, as "Name (species)" when the species is stated.
4.  Respond with a single JSON object with exactly two keys:
    - "invoice_pages": an object mapping an invoice number (a positive integer as a string) to the ascending list of page numbers belonging to that invoice.
    - "animals": a list of strings, one per identified animal; an empty list if none are named.

Example output format:
{
  "invoice_pages": {"1": [1, 2], "2": [3]},
  "animals": ["Bella (dog)", "Minka (cat)"]
}`

// VertexClient holds the pre-configured generative models for the pipeline.
type VertexClient struct {
	TranscriberModel *genai.GenerativeModel
	AnalyzerModel    *genai.GenerativeModel
	baseClient       *genai.Client
}

// NewVertexClient creates a client holding both reasoning models. The
// analyzer is pinned to deterministic JSON decoding; its output is the sole
// source of truth for partition boundaries.
func NewVertexClient(ctx context.Context, projectID, region, transcriberModel, analyzerModel string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	transcriber := baseClient.GenerativeModel(transcriberModel)
	transcriber.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(TranscriberSystemPrompt)},
	}
	transcriber.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}

	analyzer := baseClient.GenerativeModel(analyzerModel)
	analyzer.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(AnalyzerSystemPrompt)},
	}
	analyzer.GenerationConfig = genai.GenerationConfig{
		// Force JSON output. This is a critical setting for this model.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	analyzer.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		TranscriberModel: transcriber,
		AnalyzerModel:    analyzer,
		baseClient:       baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
