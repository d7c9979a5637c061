package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const ollamaProvider = "ollama"

// Ollama implements Scanner and TextParser against a local Ollama server
type Ollama struct {
	baseURL   string
	model     string
	textModel string
	client    *http.Client
}

// NewOllama creates a new Ollama instance.
// Recommended vision models: llava:1.6, qwen2-vl:7b, llava-phi3.
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     modelName,
		textModel: modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // vision models on CPU are slow
		},
	}, nil
}

// WithTextModel selects a different model for ParseReceiptText.
func (o *Ollama) WithTextModel(name string) *Ollama {
	if name != "" {
		o.textModel = name
	}
	return o
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

const ollamaSystemPrompt = "You are an expert at reading and extracting information from receipts and invoices."

// ScanReceipt analyzes a receipt image and extracts its fields
func (o *Ollama) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error) {
	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return nil, err
	}

	return o.chat(ctx, o.model, ollamaMessage{
		Role:    "user",
		Content: receiptScanPrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(pngData)},
	})
}

// ParseReceiptText structures OCR text into receipt fields
func (o *Ollama) ParseReceiptText(ctx context.Context, text string) (*ReceiptData, error) {
	return o.chat(ctx, o.textModel, ollamaMessage{
		Role:    "user",
		Content: receiptTextPrompt + text,
	})
}

func (o *Ollama) chat(ctx context.Context, model string, msg ollamaMessage) (*ReceiptData, error) {
	reqBody := ollamaChatRequest{
		Model:  model,
		Stream: false,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "system", Content: ollamaSystemPrompt},
			msg,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(ollamaProvider, resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	data, err := parseReceiptJSON(chatResp.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return data, nil
}

// Close is a no-op for the HTTP client
func (o *Ollama) Close() error {
	return nil
}
