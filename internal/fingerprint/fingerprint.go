// Package fingerprint derives duplicate-detection keys for receipts.
//
// Two keys are produced. The file hash identifies byte-identical uploads. The
// receipt key identifies the same purchase photographed twice, built from the
// normalized tax identifier, date, amount and shop name.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/araddon/dateparse"

	"github.com/zombor/receipt-intake/internal/scanning"
)

const (
	minYear = 2001
	maxYear = 2099
)

// ComputeFileHash returns the hex SHA-256 of the raw file bytes.
func ComputeFileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeReceiptKey hashes TIN|date|amount|shop. The second return value is
// false when both the TIN and the amount normalize to empty, in which case
// there is not enough signal to fingerprint the receipt.
func ComputeReceiptKey(fields scanning.ReceiptData) (string, bool) {
	tin := NormalizeTIN(fields.TIN)
	amount := NormalizeAmount(fields.AmountDue)
	if tin == "" && amount == "" {
		return "", false
	}

	canonical := strings.Join([]string{
		tin,
		NormalizeDate(fields.Date),
		amount,
		NormalizeShop(fields.ShopName),
	}, "|")
	return hashString(canonical), true
}

// ComputeMatchKey hashes TIN|amount|YYYY-MM. It is the looser key used when a
// receipt was re-photographed and the shop name or day came out differently.
// All three parts must be present.
func ComputeMatchKey(fields scanning.ReceiptData) (string, bool) {
	tin := NormalizeTIN(fields.TIN)
	amount := NormalizeAmount(fields.AmountDue)
	date := NormalizeDate(fields.Date)
	if tin == "" || amount == "" || date == "" {
		return "", false
	}
	return hashString(tin + "|" + amount + "|" + date[:7]), true
}

// NormalizeTIN uppercases and keeps only letters and digits.
func NormalizeTIN(tin string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(tin) {
		if isASCIIAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeShop lowercases, drops punctuation and collapses whitespace.
func NormalizeShop(shop string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(shop) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeDate parses a free-form date and renders it as YYYY-MM-DD.
// Unparseable input and years outside 2001-2099 yield "".
func NormalizeDate(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return ""
	}
	t, ok := parseDate(date)
	if !ok {
		return ""
	}
	if t.Year() < minYear || t.Year() > maxYear {
		return ""
	}
	return t.Format(time.DateOnly)
}

// NormalizeAmount keeps digits and the decimal point.
func NormalizeAmount(amount string) string {
	var b strings.Builder
	for _, r := range amount {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseDate recovers from panics inside dateparse on malformed input.
func parseDate(s string) (t time.Time, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
