package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/dhcgn/mail-to-expense/mailtext"
	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/retry"
)

const (
	DefaultUser       = "me"
	DefaultQuery      = "receipt OR invoice"
	DefaultMaxResults = 50

	unreadLabel = "UNREAD"
)

type Options struct {
	User       string
	Query      string
	MaxResults int64
}

// Source lists unread messages matching a Gmail search query and
// acknowledges them by removing the UNREAD label.
type Source struct {
	svc    *gmailapi.Service
	opts   Options
	exec   *retry.Executor
	logger *slog.Logger
}

func NewSource(svc *gmailapi.Service, opts Options, exec *retry.Executor, logger *slog.Logger) (*Source, error) {
	if svc == nil {
		return nil, errors.New("gmail service is nil")
	}
	if opts.User == "" {
		opts.User = DefaultUser
	}
	if opts.Query == "" {
		opts.Query = DefaultQuery
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if exec == nil {
		exec = retry.New(retry.Policy{})
	}
	return &Source{svc: svc, opts: opts, exec: exec, logger: logger}, nil
}

// FetchUnread lists one page of matches and downloads each message. A message
// that fails to download is skipped with a warning; a failed list fails the
// whole fetch.
func (s *Source) FetchUnread(ctx context.Context) ([]model.RawItem, error) {
	var list *gmailapi.ListMessagesResponse
	err := s.exec.Do(ctx, "gmail list", func(ctx context.Context) error {
		var err error
		list, err = s.svc.Users.Messages.List(s.opts.User).
			Q(s.opts.Query).
			LabelIds(unreadLabel).
			MaxResults(s.opts.MaxResults).
			Context(ctx).
			Do()
		return translate(err)
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	items := make([]model.RawItem, 0, len(list.Messages))
	for _, ref := range list.Messages {
		var msg *gmailapi.Message
		err := s.exec.Do(ctx, "gmail get", func(ctx context.Context) error {
			var err error
			msg, err = s.svc.Users.Messages.Get(s.opts.User, ref.Id).Format("full").Context(ctx).Do()
			return translate(err)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if s.logger != nil {
				s.logger.Warn("skipping message", "itemID", ref.Id, "err", err)
			}
			continue
		}
		items = append(items, ToRawItem(msg))
	}

	if s.logger != nil {
		s.logger.Debug("gmail fetch finished", "query", s.opts.Query, "items", len(items), "more", list.NextPageToken != "")
	}
	return items, nil
}

func (s *Source) Acknowledge(ctx context.Context, id string) error {
	req := &gmailapi.ModifyMessageRequest{RemoveLabelIds: []string{unreadLabel}}
	return s.exec.Do(ctx, "gmail modify", func(ctx context.Context) error {
		_, err := s.svc.Users.Messages.Modify(s.opts.User, id, req).Context(ctx).Do()
		return translate(err)
	})
}

// ToRawItem takes the Subject header and the decoded text parts of msg.
// text/plain parts win over text/html.
func ToRawItem(msg *gmailapi.Message) model.RawItem {
	item := model.RawItem{ID: msg.Id}
	if msg.Payload == nil {
		item.Body = msg.Snippet
		return item
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, "Subject") {
			item.Subject = strings.TrimSpace(h.Value)
			break
		}
	}

	var plain, html []string
	collectText(msg.Payload, &plain, &html)
	switch {
	case len(plain) > 0:
		item.Body = strings.Join(plain, "\n")
	case len(html) > 0:
		item.Body = mailtext.HTMLToText(strings.Join(html, "\n"))
	default:
		item.Body = msg.Snippet
	}
	return item
}

func collectText(part *gmailapi.MessagePart, plain, html *[]string) {
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		if text, ok := decodeData(part.Body.Data); ok {
			switch {
			case strings.HasPrefix(part.MimeType, "text/html"):
				*html = append(*html, text)
			case strings.HasPrefix(part.MimeType, "text/"):
				*plain = append(*plain, text)
			}
		}
	}
	for _, child := range part.Parts {
		collectText(child, plain, html)
	}
}

func decodeData(data string) (string, bool) {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b), true
	}
	return "", false
}

// translate exposes the HTTP status of a Google API error to the retry
// executor.
func translate(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &retry.StatusError{Code: gerr.Code, Err: err}
	}
	return err
}
