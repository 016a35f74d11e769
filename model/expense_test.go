package model

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestNewExpense(t *testing.T) {
	tests := []struct {
		name      string
		draft     Draft
		wantErr   bool
		badFields []string
	}{
		{
			name: "valid",
			draft: Draft{
				Date:     "2025-07-06",
				Vendor:   "Example Corp",
				Amount:   ptr(decimal.RequireFromString("42.99")),
				Currency: ptr("USD"),
				Category: ptr("Meals"),
			},
		},
		{
			name: "zero amount and raw date are accepted",
			draft: Draft{
				Date:     "not-a-date",
				Vendor:   "Unknown",
				Amount:   ptr(decimal.Zero),
				Currency: ptr("EUR"),
			},
		},
		{
			name:      "blank vendor",
			draft:     Draft{Vendor: "   ", Amount: ptr(decimal.Zero), Currency: ptr("USD")},
			wantErr:   true,
			badFields: []string{"vendor"},
		},
		{
			name:      "negative amount",
			draft:     Draft{Vendor: "Shop", Amount: ptr(decimal.RequireFromString("-1.00")), Currency: ptr("USD")},
			wantErr:   true,
			badFields: []string{"amount"},
		},
		{
			name:      "lower case currency",
			draft:     Draft{Vendor: "Shop", Amount: ptr(decimal.Zero), Currency: ptr("usd")},
			wantErr:   true,
			badFields: []string{"currency"},
		},
		{
			name:      "two letter currency",
			draft:     Draft{Vendor: "Shop", Amount: ptr(decimal.Zero), Currency: ptr("US")},
			wantErr:   true,
			badFields: []string{"currency"},
		},
		{
			name:      "missing amount and currency",
			draft:     Draft{Vendor: "Shop"},
			wantErr:   true,
			badFields: []string{"amount", "currency"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewExpense(tt.draft)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.draft.Vendor, got.Vendor)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidExpense))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			var fields []string
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
			}
			assert.ElementsMatch(t, tt.badFields, fields)
		})
	}
}

func TestExpenseRow(t *testing.T) {
	e, err := NewExpense(Draft{
		Date:        "2025-07-06",
		Vendor:      "Example Corp",
		Amount:      ptr(decimal.RequireFromString("42.9")),
		Currency:    ptr("USD"),
		Description: ptr("Lunch with client"),
	})
	require.NoError(t, err)

	assert.Equal(t, "42.90 USD", e.AmountString())
	assert.Equal(t, []string{"2025-07-06", "Example Corp", "42.90 USD", "", "Lunch with client"}, e.Row())
}

func TestApprovalAttachment(t *testing.T) {
	att := ApprovalAttachment()
	require.Len(t, att.Actions, 2)
	assert.Equal(t, "approve", att.Actions[0].Name)
	assert.Equal(t, "reject", att.Actions[1].Name)
	assert.Equal(t, "expense_approval", att.CallbackID)
}
