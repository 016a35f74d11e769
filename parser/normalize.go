package parser

import (
	"strings"
	"time"
)

const isoDate = "2006-01-02"

// Tried in order; the first layout that parses wins.
var dateLayouts = []string{
	isoDate,
	"1/2/2006",
	"1/2/06",
}

// Normalize rewrites the date into ISO-8601 and upper-cases the currency.
// Amount and vendor are left alone.
func Normalize(pc Context) (Patch, error) {
	date := NormalizeDate(pc.Draft.Date)
	return Patch{
		Date:     &date,
		Currency: NormalizeCurrency(pc.Draft.Currency),
	}, nil
}

// NormalizeDate returns raw as YYYY-MM-DD, or raw unchanged when no known
// layout parses it.
func NormalizeDate(raw string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(isoDate)
		}
	}
	return raw
}

// NormalizeCurrency upper-cases a currency code; nil stays nil.
func NormalizeCurrency(currency *string) *string {
	if currency == nil {
		return nil
	}
	upper := strings.ToUpper(*currency)
	return &upper
}
