// Package imaging decodes receipt uploads and re-encodes them for the
// recognition providers (PNG) and for long-term storage (JPEG).
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	"image/png"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// Decode turns PDF (first page), HEIC/HEIF, JPEG, PNG and GIF data into an image.
func Decode(data []byte, contentType string) (image.Image, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))

	switch {
	case mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF")):
		return renderPDF(data)
	case IsHEIC(data) || isHEICMimeType(mimeType):
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// ToPNG converts anything Decode understands to PNG. PNG input is returned as-is.
func ToPNG(data []byte, contentType string) ([]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "image/png" && !IsHEIC(data) {
		return data, nil
	}

	img, err := Decode(data, mimeType)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// renderPDF renders the first page; receipts are nearly always single page.
func renderPDF(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// IsHEIC reports whether data starts with an ftyp box carrying a HEIC/HEIF brand.
func IsHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// DetectContentType sniffs data first and falls back to the filename extension,
// which matters for HEIC since net/http does not recognise it.
func DetectContentType(data []byte, filename string) string {
	if IsHEIC(data) {
		return "image/heic"
	}
	sniffed := http.DetectContentType(data)
	if sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, "text/plain") {
		return strings.SplitN(sniffed, ";", 2)[0]
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// encodeJPEG writes img at the given quality.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
