package runner

import (
	"strings"

	"github.com/dhcgn/mail-to-expense/model"
)

// FormatNotification renders the chat message announcing a new expense.
func FormatNotification(e model.Expense) string {
	category := "Uncategorized"
	if e.Category != nil && *e.Category != "" {
		category = *e.Category
	}
	description := "None"
	if e.Description != nil && *e.Description != "" {
		description = *e.Description
	}

	var b strings.Builder
	b.WriteString("New Expense Submitted:\n")
	b.WriteString("• Date: " + e.Date + "\n")
	b.WriteString("• Vendor: " + e.Vendor + "\n")
	b.WriteString("• Amount: " + e.AmountString() + "\n")
	b.WriteString("• Category: " + category + "\n")
	b.WriteString("• Description: " + description)
	return b.String()
}
