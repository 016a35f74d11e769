package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var ErrInvalidExpense = errors.New("invalid expense")

// Draft holds the candidate fields accumulated while parsing an item.
// Pointer fields distinguish "absent" from a zero value.
type Draft struct {
	Date        string
	Vendor      string
	Amount      *decimal.Decimal
	Currency    *string
	Category    *string
	Description *string
}

// Expense is a validated expense. Values are only produced by NewExpense and
// are passed by value, so a constructed Expense never changes.
type Expense struct {
	Date        string          `json:"date"`
	Vendor      string          `json:"vendor" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gte=0"`
	Currency    string          `json:"currency" validate:"len=3,alpha,uppercase"`
	Category    *string         `json:"category,omitempty"`
	Description *string         `json:"description,omitempty"`
}

// FieldError describes one field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationError is returned when a draft cannot satisfy the Expense invariants.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidExpense, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidExpense
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// NewExpense validates the draft and builds the terminal Expense.
func NewExpense(d Draft) (Expense, error) {
	var missing []FieldError
	if d.Amount == nil {
		missing = append(missing, FieldError{Field: "amount", Reason: "missing"})
	}
	if d.Currency == nil {
		missing = append(missing, FieldError{Field: "currency", Reason: "missing"})
	}
	if len(missing) > 0 {
		return Expense{}, &ValidationError{Fields: missing}
	}

	e := Expense{
		Date:        d.Date,
		Vendor:      strings.TrimSpace(d.Vendor),
		Amount:      *d.Amount,
		Currency:    *d.Currency,
		Category:    d.Category,
		Description: d.Description,
	}

	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return Expense{}, fmt.Errorf("%w: %v", ErrInvalidExpense, err)
		}
		fields := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			reason := fe.Tag()
			if fe.Param() != "" {
				reason += "=" + fe.Param()
			}
			fields = append(fields, FieldError{Field: fe.Field(), Reason: reason})
		}
		return Expense{}, &ValidationError{Fields: fields}
	}

	return e, nil
}

// AmountString renders the amount with two decimals followed by the currency code.
func (e Expense) AmountString() string {
	return e.Amount.StringFixed(2) + " " + e.Currency
}

// Row is the spreadsheet representation: date, vendor, amount, category, description.
func (e Expense) Row() []string {
	return []string{
		e.Date,
		e.Vendor,
		e.AmountString(),
		deref(e.Category),
		deref(e.Description),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
