package scanning

import (
	"fmt"

	"github.com/zombor/receipt-intake/internal/imaging"
)

// toPNG normalizes uploads for providers that only accept PNG.
func toPNG(imageData []byte, contentType string) ([]byte, error) {
	if contentType == "" {
		contentType = imaging.DetectContentType(imageData, "")
	}
	data, err := imaging.ToPNG(imageData, contentType)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}
	return data, nil
}
