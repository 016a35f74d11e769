package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/runner"
)

type emptyInput struct{}

type rawEmail struct {
	ID      string `json:"id" jsonschema:"Source message id"`
	Subject string `json:"subject" jsonschema:"Message subject"`
	Body    string `json:"body" jsonschema:"Message body text"`
}

type fetchReceiptsOutput struct {
	Items []rawEmail `json:"items" jsonschema:"Unread receipt emails"`
}

type expenseDTO struct {
	Date        string  `json:"date" jsonschema:"Expense date as found in the email"`
	Vendor      string  `json:"vendor" jsonschema:"Vendor name"`
	Amount      float64 `json:"amount" jsonschema:"Non-negative amount"`
	Currency    string  `json:"currency" jsonschema:"Three-letter uppercase currency code"`
	Category    string  `json:"category,omitempty" jsonschema:"Optional category"`
	Description string  `json:"description,omitempty" jsonschema:"Optional description"`
}

type recordExpenseOutput struct {
	Row []string `json:"row" jsonschema:"Row appended to the worksheet"`
}

type notifyInput struct {
	Expense expenseDTO `json:"expense" jsonschema:"Expense to announce"`
	Channel string     `json:"channel,omitempty" jsonschema:"Slack channel id (default channel when empty)"`
}

type notifyOutput struct {
	Text string `json:"text" jsonschema:"Posted message text"`
}

type itemFailure struct {
	ItemID string `json:"item_id"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

type workflowOutput struct {
	RunID     string        `json:"run_id"`
	Fetched   int           `json:"fetched"`
	Succeeded int           `json:"succeeded"`
	Failures  []itemFailure `json:"failures"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "fetch_receipts",
		Description: "Fetch unread expense receipt emails from the configured mail source",
	}, s.fetchReceipts)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "parse_expense",
		Description: "Parse a raw email into structured expense data",
	}, s.parseExpense)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "record_expense",
		Description: "Append a parsed expense as a new row in Google Sheets",
	}, s.recordExpense)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "notify_slack",
		Description: "Send an approval request notification to Slack",
	}, s.notifySlack)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "run_full_workflow",
		Description: "Fetch unread receipts, parse, record in Sheets, notify Slack, and mark as read",
	}, s.runFullWorkflow)
}

func (s *Server) fetchReceipts(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, fetchReceiptsOutput, error) {
	items, err := s.opts.Source.FetchUnread(ctx)
	if err != nil {
		return nil, fetchReceiptsOutput{}, fmt.Errorf("fetch receipts: %w", err)
	}

	out := fetchReceiptsOutput{Items: make([]rawEmail, 0, len(items))}
	for _, item := range items {
		out.Items = append(out.Items, rawEmail{ID: item.ID, Subject: item.Subject, Body: item.Body})
	}
	return textResult(fmt.Sprintf("Fetched %d unread receipt emails.", len(out.Items))), out, nil
}

func (s *Server) parseExpense(_ context.Context, _ *mcp.CallToolRequest, in rawEmail) (*mcp.CallToolResult, expenseDTO, error) {
	e, err := s.opts.Parser.Parse(model.RawItem{ID: in.ID, Subject: in.Subject, Body: in.Body})
	if err != nil {
		return nil, expenseDTO{}, fmt.Errorf("parse expense: %w", err)
	}
	out := fromExpense(e)
	return textResult(runner.FormatNotification(e)), out, nil
}

func (s *Server) recordExpense(ctx context.Context, _ *mcp.CallToolRequest, in expenseDTO) (*mcp.CallToolResult, recordExpenseOutput, error) {
	e, err := in.toExpense()
	if err != nil {
		return nil, recordExpenseOutput{}, err
	}
	if err := s.opts.Recorder.Append(ctx, e); err != nil {
		return nil, recordExpenseOutput{}, fmt.Errorf("record expense: %w", err)
	}
	return textResult("Expense recorded."), recordExpenseOutput{Row: e.Row()}, nil
}

func (s *Server) notifySlack(ctx context.Context, _ *mcp.CallToolRequest, in notifyInput) (*mcp.CallToolResult, notifyOutput, error) {
	e, err := in.Expense.toExpense()
	if err != nil {
		return nil, notifyOutput{}, err
	}
	channel := in.Channel
	if channel == "" {
		channel = s.opts.Channel
	}
	text := runner.FormatNotification(e)
	if err := s.opts.Notifier.Send(ctx, channel, text, model.ApprovalAttachment()); err != nil {
		return nil, notifyOutput{}, fmt.Errorf("notify slack: %w", err)
	}
	return textResult("Approval request sent."), notifyOutput{Text: text}, nil
}

func (s *Server) runFullWorkflow(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, workflowOutput, error) {
	r, err := runner.New(s.opts)
	if err != nil {
		return nil, workflowOutput{}, err
	}
	if s.metrics != nil {
		r.SubscribeStats("metrics", s.metrics.Subscriber)
	}

	report, err := r.Run(ctx)
	if err != nil {
		return nil, workflowOutput{}, err
	}

	out := workflowOutput{
		RunID:     report.RunID,
		Fetched:   report.Fetched,
		Succeeded: report.Succeeded,
		Failures:  make([]itemFailure, 0, len(report.Failures)),
	}
	for _, f := range report.Failures {
		out.Failures = append(out.Failures, itemFailure{ItemID: f.ItemID, Stage: string(f.Stage), Error: f.Err.Error()})
	}
	return textResult(fmt.Sprintf("Processed %d emails: %d succeeded, %d failed.", out.Fetched, out.Succeeded, len(out.Failures))), out, nil
}

func (d expenseDTO) toExpense() (model.Expense, error) {
	amount := decimal.NewFromFloat(d.Amount)
	currency := d.Currency
	draft := model.Draft{
		Date:     d.Date,
		Vendor:   d.Vendor,
		Amount:   &amount,
		Currency: &currency,
	}
	if d.Category != "" {
		draft.Category = &d.Category
	}
	if d.Description != "" {
		draft.Description = &d.Description
	}
	return model.NewExpense(draft)
}

func fromExpense(e model.Expense) expenseDTO {
	dto := expenseDTO{
		Date:     e.Date,
		Vendor:   e.Vendor,
		Amount:   e.Amount.InexactFloat64(),
		Currency: e.Currency,
	}
	if e.Category != nil {
		dto.Category = *e.Category
	}
	if e.Description != nil {
		dto.Description = *e.Description
	}
	return dto
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
