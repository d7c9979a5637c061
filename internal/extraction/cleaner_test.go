package extraction

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-intake/internal/scanning"
)

var _ = Describe("Cleaner", func() {
	var (
		cleaner *Cleaner
		input   scanning.ReceiptData
		output  scanning.ReceiptData
	)

	BeforeEach(func() {
		cleaner = NewCleaner(map[string]string{"Aling Nenas Store": "Aling Nena's"})
		input = scanning.ReceiptData{}
	})

	JustBeforeEach(func() {
		output = cleaner.Clean(input)
	})

	Describe("shop names", func() {
		When("the name is a known alias", func() {
			BeforeEach(func() {
				input.ShopName = "  McDonald's "
			})

			It("maps to the canonical name", func() {
				Expect(output.ShopName).To(Equal("McDonald's"))
			})
		})

		When("the alias is configured by the caller", func() {
			BeforeEach(func() {
				input.ShopName = "ALING NENA'S  STORE"
			})

			It("maps to the configured name", func() {
				Expect(output.ShopName).To(Equal("Aling Nena's"))
			})
		})

		When("the name is unknown", func() {
			BeforeEach(func() {
				input.ShopName = "Corner   Bakery"
			})

			It("only collapses whitespace", func() {
				Expect(output.ShopName).To(Equal("Corner Bakery"))
			})
		})
	})

	Describe("amounts", func() {
		When("OCR confused letters for digits", func() {
			BeforeEach(func() {
				input.AmountDue = "1O5.S0"
			})

			It("repairs them", func() {
				Expect(output.AmountDue).To(Equal("105.50"))
			})
		})

		When("the amount has a currency and separators", func() {
			BeforeEach(func() {
				input.AmountDue = "PHP 12,345.60"
			})

			It("returns a plain decimal", func() {
				Expect(output.AmountDue).To(Equal("12345.60"))
			})
		})

		When("the amount has too many decimals", func() {
			BeforeEach(func() {
				input.AmountDue = "12.345"
			})

			It("nulls it out", func() {
				Expect(output.AmountDue).To(BeEmpty())
			})
		})

		When("the amount is not numeric", func() {
			BeforeEach(func() {
				input.AmountDue = "see attached"
			})

			It("nulls it out", func() {
				Expect(output.AmountDue).To(BeEmpty())
			})
		})
	})

	Describe("TIN", func() {
		When("the TIN contains confusable letters", func() {
			BeforeEach(func() {
				input.TIN = "OOl-234-S67-OOO"
			})

			It("repairs digits", func() {
				Expect(output.TIN).To(Equal("001-234-567-000"))
			})
		})

		When("the TIN contains real letters", func() {
			BeforeEach(func() {
				input.TIN = "AB12-S5"
			})

			It("leaves the lettered part alone", func() {
				Expect(output.TIN).To(Equal("AB12-55"))
			})
		})
	})

	Describe("confidence", func() {
		It("keeps known levels", func() {
			Expect(cleaner.Clean(scanning.ReceiptData{Confidence: " Medium "}).Confidence).To(Equal("medium"))
		})

		It("drops unknown levels", func() {
			Expect(cleaner.Clean(scanning.ReceiptData{Confidence: "certain"}).Confidence).To(BeEmpty())
		})
	})
})

var _ = Describe("fixConfusions", func() {
	It("leaves words without digits alone", func() {
		Expect(fixConfusions("TOTAL SALES")).To(Equal("TOTAL SALES"))
	})

	It("leaves words with other letters alone", func() {
		Expect(fixConfusions("Sales1")).To(Equal("Sales1"))
	})
})
