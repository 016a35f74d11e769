package imap

import (
	"context"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchCriteria(t *testing.T) {
	c := SearchCriteria([]string{"receipt", " ", "invoice"})

	assert.Equal(t, []imapv2.Flag{imapv2.FlagSeen}, c.NotFlag)
	require.Len(t, c.Or, 1)

	left, right := c.Or[0][0], c.Or[0][1]
	require.Len(t, left.Or, 1)
	assert.Equal(t, "receipt", left.Or[0][0].Header[0].Value)
	assert.Equal(t, "Subject", left.Or[0][0].Header[0].Key)
	assert.Equal(t, []string{"receipt"}, left.Or[0][1].Body)

	require.Len(t, right.Or, 1)
	assert.Equal(t, "invoice", right.Or[0][0].Header[0].Value)
	assert.Equal(t, []string{"invoice"}, right.Or[0][1].Body)
}

func TestSearchCriteria_SingleTerm(t *testing.T) {
	c := SearchCriteria([]string{"receipt"})
	require.Len(t, c.Or, 1)
	assert.Equal(t, []string{"receipt"}, c.Or[0][1].Body)
}

func TestSearchCriteria_NoTerms(t *testing.T) {
	c := SearchCriteria(nil)
	assert.Empty(t, c.Or)
	assert.Equal(t, []imapv2.Flag{imapv2.FlagSeen}, c.NotFlag)
}

func TestParseUID(t *testing.T) {
	uid, err := ParseUID("42")
	require.NoError(t, err)
	assert.Equal(t, imapv2.UID(42), uid)

	for _, bad := range []string{"", "0", "abc", "-1", "99999999999"} {
		_, err := ParseUID(bad)
		assert.ErrorIs(t, err, ErrInvalidUID, bad)
	}
}

func TestNewSource(t *testing.T) {
	_, err := NewSource(Options{Port: 993}, nil)
	assert.Error(t, err)
	_, err = NewSource(Options{Host: "mail.example.com"}, nil)
	assert.Error(t, err)

	src, err := NewSource(Options{Host: "mail.example.com", Port: 993}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSearchTerms, src.opts.SearchTerms)
	assert.Equal(t, "INBOX", src.folder())
}

func TestAcknowledge_RejectsNonUID(t *testing.T) {
	src, err := NewSource(Options{Host: "mail.example.com", Port: 993}, nil)
	require.NoError(t, err)

	err = src.Acknowledge(context.Background(), "<msg@example.com>")
	assert.ErrorIs(t, err, ErrInvalidUID)
}

func TestFetchUnread_CancelledContext(t *testing.T) {
	src, err := NewSource(Options{Host: "mail.example.com", Port: 993}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.FetchUnread(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, src.Close())
}
