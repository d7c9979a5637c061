package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const geminiProvider = "gemini"

// Gemini implements Scanner and TextParser using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini instance
func NewGemini(ctx context.Context, apiKey string, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// ScanReceipt analyzes a receipt image and extracts its fields
func (g *Gemini) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error) {
	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects just the format suffix, not the full MIME type
	return g.generate(ctx, genai.ImageData("png", pngData), genai.Text(receiptScanPrompt))
}

// ParseReceiptText structures OCR text into receipt fields
func (g *Gemini) ParseReceiptText(ctx context.Context, text string) (*ReceiptData, error) {
	return g.generate(ctx, genai.Text(receiptTextPrompt+text))
}

func (g *Gemini) generate(ctx context.Context, parts ...genai.Part) (*ReceiptData, error) {
	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	data, err := parseReceiptJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return data, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// classifyGeminiError turns API failures into ProviderErrors so callers can
// tell rate limiting from quota exhaustion.
func classifyGeminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(geminiProvider, apiErr.Code, apiErr.Message+" "+apiErr.Body)
	}

	msg := err.Error()
	if strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "429") {
		return classifyStatus(geminiProvider, 429, msg)
	}
	if strings.Contains(msg, "UNAVAILABLE") || strings.Contains(msg, "503") {
		return classifyStatus(geminiProvider, 503, msg)
	}
	return fmt.Errorf("generating content: %w", err)
}
