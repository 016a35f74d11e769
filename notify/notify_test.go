package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/retry"
)

type postedMessage struct {
	Channel     string
	Text        string
	Attachments []map[string]any
}

type fakeSlack struct {
	mu       sync.Mutex
	statuses []int
	calls    int
	posted   []postedMessage
}

func (f *fakeSlack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if r.URL.Path != "/chat.postMessage" {
		http.NotFound(w, r)
		return
	}
	if len(f.statuses) > 0 {
		code := f.statuses[0]
		f.statuses = f.statuses[1:]
		if code == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		w.WriteHeader(code)
		return
	}

	_ = r.ParseForm()
	msg := postedMessage{Channel: r.Form.Get("channel"), Text: r.Form.Get("text")}
	_ = json.Unmarshal([]byte(r.Form.Get("attachments")), &msg.Attachments)
	f.posted = append(f.posted, msg)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"channel":"` + msg.Channel + `","ts":"1720260000.000100"}`))
}

func newNotifier(t *testing.T, fake *fakeSlack, channel string) *Notifier {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	exec := retry.New(retry.DefaultPolicy(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	n, err := New(Options{Token: "xoxb-test", Channel: channel, APIURL: srv.URL + "/"}, exec, nil)
	require.NoError(t, err)
	return n
}

func TestSend_PostsApprovalAttachment(t *testing.T) {
	fake := &fakeSlack{}
	n := newNotifier(t, fake, "C-default")

	require.NoError(t, n.Send(context.Background(), "", "New Expense Submitted:", model.ApprovalAttachment()))

	require.Len(t, fake.posted, 1)
	msg := fake.posted[0]
	assert.Equal(t, "C-default", msg.Channel)
	assert.Equal(t, "New Expense Submitted:", msg.Text)

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "expense_approval", att["callback_id"])
	assert.Equal(t, "Approve or reject the expense", att["fallback"])

	actions, ok := att["actions"].([]any)
	require.True(t, ok)
	require.Len(t, actions, 2)
	approve := actions[0].(map[string]any)
	reject := actions[1].(map[string]any)
	assert.Equal(t, "approve", approve["value"])
	assert.Equal(t, "primary", approve["style"])
	assert.Equal(t, "button", approve["type"])
	assert.Equal(t, "reject", reject["value"])
	assert.Equal(t, "danger", reject["style"])
}

func TestSend_ExplicitChannelWins(t *testing.T) {
	fake := &fakeSlack{}
	n := newNotifier(t, fake, "C-default")

	require.NoError(t, n.Send(context.Background(), "C-finance", "hi", model.ApprovalAttachment()))
	require.Len(t, fake.posted, 1)
	assert.Equal(t, "C-finance", fake.posted[0].Channel)
}

func TestSend_RetriesRateLimitAndServerErrors(t *testing.T) {
	fake := &fakeSlack{statuses: []int{http.StatusTooManyRequests, http.StatusBadGateway}}
	n := newNotifier(t, fake, "C1")

	require.NoError(t, n.Send(context.Background(), "", "hi", model.ApprovalAttachment()))
	assert.Equal(t, 3, fake.calls)
	assert.Len(t, fake.posted, 1)
}

func TestSend_GivesUpAfterRetries(t *testing.T) {
	fake := &fakeSlack{statuses: []int{500, 500, 500, 500, 500}}
	n := newNotifier(t, fake, "C1")

	err := n.Send(context.Background(), "", "hi", model.ApprovalAttachment())
	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 4, fake.calls)
}

func TestSend_ClientErrorIsNotRetried(t *testing.T) {
	fake := &fakeSlack{statuses: []int{http.StatusForbidden}}
	n := newNotifier(t, fake, "C1")

	err := n.Send(context.Background(), "", "hi", model.ApprovalAttachment())
	require.Error(t, err)
	assert.False(t, errors.Is(err, retry.ErrExhausted))
	assert.Equal(t, 1, fake.calls)
}

func TestSend_MissingChannel(t *testing.T) {
	n := newNotifier(t, &fakeSlack{}, "")
	err := n.Send(context.Background(), "", "hi", model.ApprovalAttachment())
	assert.ErrorIs(t, err, ErrMissingChannel)
}

func TestNew_MissingToken(t *testing.T) {
	_, err := New(Options{}, nil, nil)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestSend_RateLimiterHonoursContext(t *testing.T) {
	fake := &fakeSlack{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	n, err := New(Options{Token: "x", Channel: "C1", APIURL: srv.URL + "/", RatePerSecond: 0.001}, retry.New(retry.Policy{}), nil)
	require.NoError(t, err)

	require.NoError(t, n.Send(context.Background(), "", "first", model.ApprovalAttachment()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = n.Send(ctx, "", "second", model.ApprovalAttachment())
	require.Error(t, err)
	assert.Len(t, fake.posted, 1)
}
