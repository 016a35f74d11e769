package parser

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	defaultCurrency = "USD"
	unknownVendor   = "Unknown"

	// Thousands-grouped or plain integer part, optional two-digit fraction.
	numberPattern = `(\d{1,3}(?:,\d{3})+(?:\.\d{2})?|\d+(?:\.\d{2})?)\b`
	codePattern   = `(?:[ \t]*([A-Z]{3})\b)?`
)

var (
	datePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/(?:\d{4}|\d{2}))\b`)

	symbolAmount = regexp.MustCompile(`([$€£])[ \t]*` + numberPattern + codePattern)
	codeAmount   = regexp.MustCompile(`()\b` + numberPattern + `[ \t]*([A-Z]{3})\b`)
	markerAmount = regexp.MustCompile(`\b(?:Amount|Total)[ \t]*[:\-][ \t]*([$€£])?[ \t]*` + numberPattern + codePattern)

	vendorMarker      = markerPattern("Vendor")
	categoryMarker    = markerPattern("Category")
	descriptionMarker = markerPattern("Description")

	symbolCurrency = map[string]string{"$": "USD", "€": "EUR", "£": "GBP"}
)

// markerPattern matches "Name:" or "Name-" at a word start and captures the
// rest of the first non-empty line after it. Names are case-sensitive.
func markerPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + name + `[:\-]\s*([^\r\n]+)`)
}

// Extract pulls candidate fields out of the decoded body. It never fails:
// missing fields fall back to defaults.
func Extract(pc Context) (Patch, error) {
	text := pc.BodyText

	date := ExtractDate(text)
	amount, cur := ExtractAmount(text)
	vendor := ExtractVendor(text, pc.Subject)

	return Patch{
		Date:        &date,
		Vendor:      &vendor,
		Amount:      &amount,
		Currency:    &cur,
		Category:    findMarker(categoryMarker, text),
		Description: findMarker(descriptionMarker, text),
	}, nil
}

// ExtractDate returns the first YYYY-MM-DD or M/D/YY[YY] substring, or "".
func ExtractDate(text string) string {
	if m := datePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// ExtractAmount returns the leftmost amount written with a currency symbol, an
// ISO 4217 currency code or an Amount/Total marker. Upper-case words that are
// not currency codes are ignored. Without a match it returns zero and USD.
func ExtractAmount(text string) (decimal.Decimal, string) {
	var (
		best  []string
		start = -1
	)
	for _, re := range []*regexp.Regexp{symbolAmount, codeAmount, markerAmount} {
		m, loc := firstAmount(re, text)
		if m == nil || (start >= 0 && loc >= start) {
			continue
		}
		start = loc
		best = m
	}
	if best == nil {
		return decimal.Zero, defaultCurrency
	}

	symbol, number, code := best[1], best[2], best[3]
	amount, err := decimal.NewFromString(strings.ReplaceAll(number, ",", ""))
	if err != nil {
		amount = decimal.Zero
	}

	cur := defaultCurrency
	if c, ok := symbolCurrency[symbol]; ok {
		cur = c
	}
	if isCurrencyCode(code) {
		cur = code
	}
	return amount, cur
}

// firstAmount returns the submatches and offset of the first match of re
// that is an amount. A code-only match needs a real currency code.
func firstAmount(re *regexp.Regexp, text string) ([]string, int) {
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		m := submatches(text, loc)
		if re == codeAmount && !isCurrencyCode(m[3]) {
			continue
		}
		return m, loc[0]
	}
	return nil, -1
}

func isCurrencyCode(code string) bool {
	if code == "" {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

// ExtractVendor returns the text after a Vendor marker, falling back to the
// subject and then to "Unknown".
func ExtractVendor(text, subject string) string {
	if v := findMarker(vendorMarker, text); v != nil {
		return *v
	}
	if s := strings.TrimSpace(subject); s != "" {
		return s
	}
	return unknownVendor
}

func findMarker(re *regexp.Regexp, text string) *string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v := strings.TrimSpace(m[1])
	if v == "" {
		return nil
	}
	return &v
}

func submatches(text string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = text[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}
