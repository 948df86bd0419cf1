package doctext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/gen2brain/go-fitz"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/gcp"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/imaging"
)

// renderDPI matches the resolution used for the sub-document artifacts so
// the model sees pages at the same fidelity throughout the pipeline.
const renderDPI = 300

// GeminiEngine transcribes each page with a vision model. It handles both
// multi-page PDFs and single-page image inputs.
type GeminiEngine struct {
	model *genai.GenerativeModel
}

// NewGeminiEngine creates the engine on top of the vertex client's
// transcriber model.
func NewGeminiEngine(client *gcp.VertexClient) *GeminiEngine {
	return &GeminiEngine{model: client.TranscriberModel}
}

func (e *GeminiEngine) Name() string { return "gemini" }

func (e *GeminiEngine) ExtractText(ctx context.Context, localPath string) (string, map[int]string, error) {
	pageImages, err := renderPages(localPath)
	if err != nil {
		return "", nil, &EngineError{Engine: e.Name(), Path: localPath, Err: err}
	}

	byPage := make(map[int]string, len(pageImages))
	for i, png := range pageImages {
		pageNum := i + 1
		text, err := e.transcribePage(ctx, png)
		if err != nil {
			return "", nil, &EngineError{Engine: e.Name(), Path: localPath,
				Err: fmt.Errorf("page %d: %w", pageNum, err)}
		}
		if text == "" {
			slog.Warn("No markdown content extracted from page. Treating as empty page.",
				"path", localPath, "page", pageNum)
		}
		byPage[pageNum] = text
	}
	return joinPages(byPage), byPage, nil
}

func (e *GeminiEngine) transcribePage(ctx context.Context, pagePNG []byte) (string, error) {
	resp, err := e.model.GenerateContent(ctx,
		genai.ImageData("png", pagePNG),
		genai.Text(gcp.TranscriberUserPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}

	content := extractMarkdown(resp)

	// Sanity check for LLM refusal. If the model refuses to answer, we must fail fast.
	refusalPhrases := []string{
		"i am unable to",
		"i cannot fulfill",
		"i cannot answer",
		"i cannot provide",
		"as a large language model",
	}
	lower := strings.ToLower(content)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return "", fmt.Errorf("gemini response indicates refusal: %q", content)
		}
	}
	return content, nil
}

// extractMarkdown parses the model's response and robustly extracts text content.
func extractMarkdown(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	content := strings.TrimSpace(sb.String())
	content = strings.TrimPrefix(content, "```markdown")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

// renderPages rasterizes every page of the document to PNG bytes. Image
// inputs yield a single page.
func renderPages(localPath string) ([][]byte, error) {
	doc, err := fitz.New(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("document has no pages")
	}

	pages := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		img, err := doc.ImageDPI(i, renderDPI)
		if err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", i+1, err)
		}
		png, err := imaging.EncodePNG(img)
		if err != nil {
			return nil, fmt.Errorf("failed to encode page %d: %w", i+1, err)
		}
		pages = append(pages, png)
	}
	return pages, nil
}
