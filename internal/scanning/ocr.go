package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// OCRCommand runs an external OCR program. The program receives an image
// path as its last argument and prints one JSON object to stdout:
//
//	{"success": true, "text": "..."}
//	{"success": false, "error": "..."}
type OCRCommand struct {
	command string
	args    []string
	tempDir string
}

// NewOCRCommand builds a recognizer for command. Extra args precede the image path.
func NewOCRCommand(command string, args ...string) *OCRCommand {
	return &OCRCommand{command: command, args: args}
}

// WithTempDir sets where images are written before the program reads them.
func (o *OCRCommand) WithTempDir(dir string) *OCRCommand {
	o.tempDir = dir
	return o
}

type ocrOutput struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Error   string `json:"error"`
}

// RecognizeText writes the image to a temp file and runs the OCR program on it.
func (o *OCRCommand) RecognizeText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	pngData, err := toPNG(imageData, contentType)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(o.tempDir, "ocr-*.png")
	if err != nil {
		return "", fmt.Errorf("creating ocr temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(pngData); err != nil {
		f.Close()
		return "", fmt.Errorf("writing ocr temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing ocr temp file: %w", err)
	}

	args := append(append([]string{}, o.args...), path)
	cmd := exec.CommandContext(ctx, o.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out, parseErr := parseOCROutput(stdout.Bytes())

	switch {
	case parseErr == nil && !out.Success:
		return "", fmt.Errorf("ocr failed: %s", out.Error)
	case runErr != nil:
		slog.Debug("OCR command failed", "command", o.command, "stderr", truncate(stderr.String(), 500))
		return "", fmt.Errorf("running ocr command: %w", runErr)
	case parseErr != nil:
		return "", parseErr
	}

	slog.Debug("OCR completed", "command", o.command, "chars", len(out.Text))
	return out.Text, nil
}

func parseOCROutput(stdout []byte) (ocrOutput, error) {
	var out ocrOutput
	text := strings.TrimSpace(string(stdout))
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return out, errors.New("ocr produced no JSON output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return out, fmt.Errorf("decoding ocr output: %w", err)
	}
	return out, nil
}
