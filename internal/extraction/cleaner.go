package extraction

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/zombor/receipt-intake/internal/scanning"
)

// DefaultMerchantAliases maps common spellings to canonical merchant names.
// Keys are compared after aliasKey normalization.
var DefaultMerchantAliases = map[string]string{
	"mcdo":                       "McDonald's",
	"mcdonalds":                  "McDonald's",
	"golden arches development":  "McDonald's",
	"jollibee foods corporation": "Jollibee",
	"jollibee foods corp":        "Jollibee",
	"7 eleven":                   "7-Eleven",
	"7eleven":                    "7-Eleven",
	"seven eleven":               "7-Eleven",
	"philippine seven corp":      "7-Eleven",
	"mercury drug corporation":   "Mercury Drug",
	"mercury drug corp":          "Mercury Drug",
	"sm supermarket":             "SM Supermarket",
	"sm markets":                 "SM Supermarket",
	"starbucks coffee":           "Starbucks",
	"wal mart":                   "Walmart",
	"walmart supercenter":        "Walmart",
	"cvs pharmacy":               "CVS",
	"shell station":              "Shell",
	"pilipinas shell":            "Shell",
}

var (
	amountPattern = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)
	numberToken   = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	wordPattern   = regexp.MustCompile(`[0-9A-Za-z.,]+`)
)

// confusable maps letters OCR commonly reads in place of digits.
var confusable = map[rune]rune{
	'O': '0', 'o': '0',
	'I': '1', 'l': '1',
	'S': '5', 's': '5',
}

// Cleaner repairs and validates raw tier output.
type Cleaner struct {
	aliases map[string]string
}

// NewCleaner merges extra aliases over DefaultMerchantAliases.
func NewCleaner(extra map[string]string) *Cleaner {
	aliases := make(map[string]string, len(DefaultMerchantAliases)+len(extra))
	for k, v := range DefaultMerchantAliases {
		aliases[aliasKey(k)] = v
	}
	for k, v := range extra {
		aliases[aliasKey(k)] = v
	}
	return &Cleaner{aliases: aliases}
}

// Clean returns a copy of d with every field repaired or emptied.
func (c *Cleaner) Clean(d scanning.ReceiptData) scanning.ReceiptData {
	return scanning.ReceiptData{
		ShopName:   c.canonicalShop(collapseSpace(d.ShopName)),
		TIN:        cleanTIN(d.TIN),
		AmountDue:  CleanAmount(d.AmountDue),
		Address:    collapseSpace(d.Address),
		Date:       collapseSpace(d.Date),
		Confidence: cleanConfidence(d.Confidence),
	}
}

func (c *Cleaner) canonicalShop(name string) string {
	if name == "" {
		return ""
	}
	if canonical, ok := c.aliases[aliasKey(name)]; ok {
		return canonical
	}
	return name
}

// CleanAmount repairs OCR confusions and returns a plain decimal string, or
// "" when nothing numeric survives.
func CleanAmount(raw string) string {
	fixed := fixConfusions(raw)
	tokens := numberToken.FindAllString(fixed, -1)
	if len(tokens) == 0 {
		return ""
	}

	chosen := tokens[0]
	for _, tok := range tokens {
		if strings.Contains(tok, ".") {
			chosen = tok
		}
	}
	chosen = strings.ReplaceAll(chosen, ",", "")
	if !amountPattern.MatchString(chosen) {
		return ""
	}
	return chosen
}

// cleanTIN treats the whole identifier as numeric when every letter in it is
// a confusable one, since separators split it into digit-free words.
func cleanTIN(raw string) string {
	s := collapseSpace(raw)
	if looksNumeric(s) {
		return mapConfusions(s)
	}
	return fixConfusions(s)
}

func cleanConfidence(raw string) string {
	switch c := strings.ToLower(strings.TrimSpace(raw)); c {
	case "high", "medium", "low":
		return c
	}
	return ""
}

// fixConfusions rewrites confusable letters inside words that contain a digit
// and no other letters, so "1O5.S0" becomes "105.50" but "TOTAL" is left alone.
func fixConfusions(s string) string {
	return wordPattern.ReplaceAllStringFunc(s, func(word string) string {
		if !looksNumeric(word) {
			return word
		}
		return mapConfusions(word)
	})
}

// looksNumeric reports whether s has a digit and only confusable letters.
func looksNumeric(s string) bool {
	hasDigit := false
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsLetter(r):
			if _, ok := confusable[r]; !ok {
				return false
			}
		}
	}
	return hasDigit
}

func mapConfusions(s string) string {
	return strings.Map(func(r rune) rune {
		if d, ok := confusable[r]; ok {
			return d
		}
		return r
	}, s)
}

// aliasKey lowercases, drops apostrophes and turns other punctuation into spaces.
func aliasKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r == '\'' || r == '’':
			// dropped
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
