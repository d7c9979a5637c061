package scanning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const receiptSchemaJSON = `{
  "type": "object",
  "properties": {
    "shop_name":  {"type": ["string", "null"]},
    "tin":        {"type": ["string", "number", "null"]},
    "amount_due": {"type": ["string", "number", "null"]},
    "address":    {"type": ["string", "null"]},
    "date":       {"type": ["string", "null"]},
    "confidence": {"type": ["string", "null"]}
  }
}`

var receiptSchema = jsonschema.MustCompileString("receipt.json", receiptSchemaJSON)

// fieldAliases lists keys models use instead of the ones asked for.
var fieldAliases = map[string][]string{
	"shop_name":  {"shop_name", "merchant", "store", "title"},
	"tin":        {"tin", "tax_id"},
	"amount_due": {"amount_due", "total", "amount"},
	"address":    {"address"},
	"date":       {"date"},
	"confidence": {"confidence"},
}

// parseReceiptJSON parses a provider response into ReceiptData
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	if err := receiptSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validating receipt json: %w", err)
	}

	obj, _ := doc.(map[string]interface{})
	return &ReceiptData{
		ShopName:   lookupField(obj, "shop_name"),
		TIN:        lookupField(obj, "tin"),
		AmountDue:  lookupField(obj, "amount_due"),
		Address:    lookupField(obj, "address"),
		Date:       lookupField(obj, "date"),
		Confidence: strings.ToLower(lookupField(obj, "confidence")),
	}, nil
}

func lookupField(obj map[string]interface{}, name string) string {
	for _, key := range fieldAliases[name] {
		switch v := obj[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
