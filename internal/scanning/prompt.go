package scanning

// receiptFieldsSpec is shared by the vision and text prompts.
const receiptFieldsSpec = `Extract the following fields:

1. **shop_name**: the merchant or business name, usually the largest text at the top.
2. **tin**: the seller's tax identification number (labelled TIN, VAT REG TIN or similar), exactly as printed.
3. **amount_due**: the final amount paid (TOTAL, AMOUNT DUE, GRAND TOTAL). Digits and a decimal point only, e.g. "1234.50".
4. **address**: the merchant's address.
5. **date**: the transaction date as printed.
6. **confidence**: "high", "medium" or "low" depending on how legible the receipt is.

Return ONLY valid JSON in this exact format:
{
  "shop_name": "Store Name",
  "tin": "000-000-000-000",
  "amount_due": "0.00",
  "address": "Street, City",
  "date": "YYYY-MM-DD",
  "confidence": "high"
}

Important:
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// receiptScanPrompt is used by vision providers
const receiptScanPrompt = `You are analyzing a photographed receipt or invoice. Carefully read all text in the image. ` + receiptFieldsSpec

// receiptTextPrompt prefixes OCR output sent to text-only models
const receiptTextPrompt = `The text below was produced by OCR from a photographed receipt and may contain recognition mistakes. ` + receiptFieldsSpec + `

OCR text:
`
