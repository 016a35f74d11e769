// Package parser turns raw email items into validated expenses through an
// ordered list of stages sharing one typed context.
package parser

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dhcgn/mail-to-expense/model"
)

// Context is the state visible to a stage. It is seeded with the raw item and
// grows as stage patches are merged into it.
type Context struct {
	Raw      model.RawItem
	BodyText string
	Subject  string
	Draft    model.Draft
}

// Patch is the partial update returned by a stage. Nil fields leave the
// context untouched; non-nil fields overwrite it.
type Patch struct {
	BodyText    *string
	Subject     *string
	Date        *string
	Vendor      *string
	Amount      *decimal.Decimal
	Currency    *string
	Category    *string
	Description *string
}

func (c *Context) merge(p Patch) {
	if p.BodyText != nil {
		c.BodyText = *p.BodyText
	}
	if p.Subject != nil {
		c.Subject = *p.Subject
	}
	if p.Date != nil {
		c.Draft.Date = *p.Date
	}
	if p.Vendor != nil {
		c.Draft.Vendor = *p.Vendor
	}
	if p.Amount != nil {
		c.Draft.Amount = p.Amount
	}
	if p.Currency != nil {
		c.Draft.Currency = p.Currency
	}
	if p.Category != nil {
		c.Draft.Category = p.Category
	}
	if p.Description != nil {
		c.Draft.Description = p.Description
	}
}

// Stage is one named transform step.
type Stage struct {
	Name string
	Run  func(Context) (Patch, error)
}

// DefaultStages returns decode, extract and normalize in that order.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "decode", Run: Decode},
		{Name: "extract", Run: Extract},
		{Name: "normalize", Run: Normalize},
	}
}

// Parser runs its stages over every item it parses. It holds no per-item
// state and is safe for concurrent use when its stages are.
type Parser struct {
	stages []Stage
}

// New returns a parser running the given stages in order, or DefaultStages
// when none are given. Custom lists are used as-is.
func New(stages ...Stage) *Parser {
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	return &Parser{stages: stages}
}

// Stages returns the names of the configured stages.
func (p *Parser) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name)
	}
	return names
}

// Parse runs the stages and builds the expense. Construction failures are the
// *model.ValidationError returned by model.NewExpense.
func (p *Parser) Parse(item model.RawItem) (model.Expense, error) {
	pc := Context{Raw: item}
	for _, stage := range p.stages {
		patch, err := stage.Run(pc)
		if err != nil {
			return model.Expense{}, fmt.Errorf("%s stage: %w", stage.Name, err)
		}
		pc.merge(patch)
	}
	return model.NewExpense(pc.Draft)
}
