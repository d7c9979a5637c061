package scanning

import "context"

// ReceiptData holds the fields extracted from a receipt. Every field is
// optional; an empty string means the provider could not read it.
type ReceiptData struct {
	ShopName   string `json:"shop_name,omitempty"`
	TIN        string `json:"tin,omitempty"`
	AmountDue  string `json:"amount_due,omitempty"` // decimal string, e.g. "1234.50"
	Address    string `json:"address,omitempty"`
	Date       string `json:"date,omitempty"` // free-form as printed
	Confidence string `json:"confidence,omitempty"`
}

// Empty reports whether none of the identifying fields were read.
func (d ReceiptData) Empty() bool {
	return d.ShopName == "" && d.TIN == "" && d.AmountDue == ""
}

// Scanner reads a receipt straight from image bytes.
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts its fields
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}

// TextRecognizer turns an image into raw text.
type TextRecognizer interface {
	RecognizeText(ctx context.Context, imageData []byte, contentType string) (string, error)
}

// TextParser structures raw OCR text into receipt fields.
type TextParser interface {
	ParseReceiptText(ctx context.Context, text string) (*ReceiptData, error)
}
