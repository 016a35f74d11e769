package mcpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/parser"
	"github.com/dhcgn/mail-to-expense/runner"
	"github.com/dhcgn/mail-to-expense/stats"
)

type memSource struct {
	items []model.RawItem

	mu    sync.Mutex
	acked []string
}

func (s *memSource) FetchUnread(context.Context) ([]model.RawItem, error) {
	return s.items, nil
}

func (s *memSource) Acknowledge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, id)
	return nil
}

type memRecorder struct {
	mu   sync.Mutex
	rows [][]string
	err  error
}

func (r *memRecorder) Append(_ context.Context, e model.Expense) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, e.Row())
	return nil
}

type memNotifier struct {
	mu       sync.Mutex
	channels []string
	texts    []string
}

func (n *memNotifier) Send(_ context.Context, channel, text string, _ model.Attachment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, channel)
	n.texts = append(n.texts, text)
	return nil
}

type fixture struct {
	server   *Server
	source   *memSource
	recorder *memRecorder
	notifier *memNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		source: &memSource{items: []model.RawItem{
			{ID: "m1", Subject: "Receipt", Body: "Vendor: Cafe Rio\nDate: 2025-07-01\nTotal: $12.50\nCategory: Meals"},
			{ID: "m2", Subject: "Invoice", Body: "Vendor: Hosting Co\nAmount: 30.00 EUR"},
		}},
		recorder: &memRecorder{},
		notifier: &memNotifier{},
	}
	s, err := New(Config{
		Workflow: runner.Options{
			Source:   f.source,
			Parser:   parser.New(),
			Recorder: f.recorder,
			Notifier: f.notifier,
			Channel:  "C-default",
		},
		Metrics: stats.NewMetrics(),
	})
	require.NoError(t, err)
	f.server = s
	return f
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, runner.ErrMissingOption)
}

func TestFetchReceipts(t *testing.T) {
	f := newFixture(t)

	res, out, err := f.server.fetchReceipts(context.Background(), nil, emptyInput{})
	require.NoError(t, err)
	require.Len(t, out.Items, 2)
	assert.Equal(t, "m1", out.Items[0].ID)
	assert.Equal(t, "Fetched 2 unread receipt emails.", res.Content[0].(*mcp.TextContent).Text)
	assert.Empty(t, f.source.acked)
}

func TestParseExpense(t *testing.T) {
	f := newFixture(t)

	_, out, err := f.server.parseExpense(context.Background(), nil, rawEmail{ID: "m1", Subject: "Receipt", Body: "Vendor: Cafe Rio\nTotal: $12.50\nCategory: Meals"})
	require.NoError(t, err)
	assert.Equal(t, "Cafe Rio", out.Vendor)
	assert.Equal(t, 12.5, out.Amount)
	assert.Equal(t, "USD", out.Currency)
	assert.Equal(t, "Meals", out.Category)
}

func TestRecordExpense(t *testing.T) {
	f := newFixture(t)

	_, out, err := f.server.recordExpense(context.Background(), nil, expenseDTO{Date: "2025-07-01", Vendor: "Cafe Rio", Amount: 12.5, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-07-01", "Cafe Rio", "12.50 USD", "", ""}, out.Row)
	assert.Equal(t, [][]string{out.Row}, f.recorder.rows)
}

func TestRecordExpense_RejectsInvalid(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.server.recordExpense(context.Background(), nil, expenseDTO{Vendor: "X", Amount: -1, Currency: "USD"})
	require.ErrorIs(t, err, model.ErrInvalidExpense)
	assert.Empty(t, f.recorder.rows)
}

func TestRecordExpense_SinkError(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("sheet unavailable")

	_, _, err := f.server.recordExpense(context.Background(), nil, expenseDTO{Vendor: "X", Amount: 1, Currency: "USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sheet unavailable")
}

func TestNotifySlack(t *testing.T) {
	f := newFixture(t)

	_, out, err := f.server.notifySlack(context.Background(), nil, notifyInput{
		Expense: expenseDTO{Date: "2025-07-01", Vendor: "Cafe Rio", Amount: 12.5, Currency: "USD"},
	})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "• Vendor: Cafe Rio")
	assert.Contains(t, out.Text, "• Category: Uncategorized")
	assert.Equal(t, []string{"C-default"}, f.notifier.channels)

	_, _, err = f.server.notifySlack(context.Background(), nil, notifyInput{
		Expense: expenseDTO{Vendor: "Cafe Rio", Amount: 1, Currency: "USD"},
		Channel: "C-finance",
	})
	require.NoError(t, err)
	assert.Equal(t, "C-finance", f.notifier.channels[1])
}

func TestRunFullWorkflow(t *testing.T) {
	f := newFixture(t)

	_, out, err := f.server.runFullWorkflow(context.Background(), nil, emptyInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Fetched)
	assert.Equal(t, 2, out.Succeeded)
	assert.Empty(t, out.Failures)
	assert.NotEmpty(t, out.RunID)

	acked := append([]string(nil), f.source.acked...)
	sort.Strings(acked)
	assert.Equal(t, []string{"m1", "m2"}, acked)

	// Every call builds a fresh runner.
	_, out, err = f.server.runFullWorkflow(context.Background(), nil, emptyInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Succeeded)
}

func TestRunFullWorkflow_ReportsFailures(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("quota exceeded")

	_, out, err := f.server.runFullWorkflow(context.Background(), nil, emptyInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Succeeded)
	require.Len(t, out.Failures, 2)
	assert.Equal(t, "record", out.Failures[0].Stage)
	assert.Empty(t, f.source.acked)
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := f.server.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer serverSession.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"fetch_receipts", "notify_slack", "parse_expense", "record_expense", "run_full_workflow"}, names)
}

func TestHandlerServesMetrics(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "expense_items_in_flight")
}
