package extraction

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/zombor/receipt-intake/internal/scanning"
)

var (
	tinLine      = regexp.MustCompile(`(?i)\bTIN\b\s*(?:NO\.?|#)?\s*[:.]?\s*([0-9OoIlSs][0-9OoIlSs\- ]{6,22}[0-9OoIlSs])`)
	strongTotal  = regexp.MustCompile(`(?i)grand\s+total|amount\s+due|total\s+amount|total\s+due|amount\s+payable`)
	weakTotal    = regexp.MustCompile(`(?i)\btotal\b`)
	subtotalLine = regexp.MustCompile(`(?i)sub\s*-?\s*total`)
	moneyToken   = regexp.MustCompile(`\d[\d,]*\.\d{2}\b|\d[\d,]*`)
	addressHint  = regexp.MustCompile(`(?i)\b(st|street|ave|avenue|rd|road|blvd|brgy|barangay|city|hwy|highway|suite|floor|bldg)\b`)
	skipShopLine = regexp.MustCompile(`(?i)official\s+receipt|sales\s+invoice|welcome|\bTIN\b|\bVAT\b|thank\s+you`)
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{4}-\d{1,2}-\d{1,2}\b`),
		regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`),
		regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}\b`),
		regexp.MustCompile(`(?i)\b\d{1,2}\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+\d{4}\b`),
	}
)

// ParseReceiptText pulls receipt fields out of OCR text with regular
// expressions. It is the last resort when no language model is available.
func ParseReceiptText(text string) scanning.ReceiptData {
	lines := splitLines(text)
	shopIdx := findShop(lines)

	data := scanning.ReceiptData{
		TIN:        findTIN(text),
		AmountDue:  findTotal(lines),
		Date:       findDate(text),
		Confidence: "low",
	}
	if shopIdx >= 0 {
		data.ShopName = lines[shopIdx]
		data.Address = findAddress(lines, shopIdx)
	}
	return data
}

func splitLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func findShop(lines []string) int {
	for i, l := range lines {
		if skipShopLine.MatchString(l) {
			continue
		}
		letters := 0
		for _, r := range l {
			if unicode.IsLetter(r) {
				letters++
			}
		}
		if letters >= 3 {
			return i
		}
	}
	return -1
}

func findAddress(lines []string, shopIdx int) string {
	end := shopIdx + 6
	if end > len(lines) {
		end = len(lines)
	}
	for _, l := range lines[shopIdx+1 : end] {
		if addressHint.MatchString(l) && !tinLine.MatchString(l) {
			return l
		}
	}
	return ""
}

func findTIN(text string) string {
	m := tinLine.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.Trim(m[1], " -")
}

// findTotal picks the amount on the strongest total line, preferring later
// lines on ties. A label with no number takes the number on the next line.
func findTotal(lines []string) string {
	best, bestRank := "", 0
	for i, l := range lines {
		if subtotalLine.MatchString(l) {
			continue
		}
		rank := 0
		switch {
		case strongTotal.MatchString(l):
			rank = 2
		case weakTotal.MatchString(l):
			rank = 1
		default:
			continue
		}

		amount := lastMoney(l)
		if amount == "" && i+1 < len(lines) {
			amount = lastMoney(lines[i+1])
		}
		if amount != "" && rank >= bestRank {
			best, bestRank = amount, rank
		}
	}
	return best
}

func lastMoney(line string) string {
	tokens := moneyToken.FindAllString(fixConfusions(line), -1)
	for i := len(tokens) - 1; i >= 0; i-- {
		if strings.Contains(tokens[i], ".") {
			return tokens[i]
		}
	}
	if len(tokens) > 0 {
		return tokens[len(tokens)-1]
	}
	return ""
}

func findDate(text string) string {
	for _, p := range datePatterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}
