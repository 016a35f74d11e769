package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-to-expense/mailtext"
	"github.com/dhcgn/mail-to-expense/model"
)

var (
	ErrInvalidUID = errors.New("item id is not an imap uid")
)

// DefaultSearchTerms mirrors the "receipt OR invoice" mailbox query.
var DefaultSearchTerms = []string{"receipt", "invoice"}

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	// SearchTerms are matched against Subject or body; an unread message
	// matching any term is a candidate.
	SearchTerms []string
	// Limit caps the batch size; zero means every match.
	Limit int
}

// Source reads unseen expense emails from one IMAP folder and acknowledges
// them by setting \Seen. One connection is shared by all callers.
type Source struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

func NewSource(opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if len(opts.SearchTerms) == 0 {
		opts.SearchTerms = DefaultSearchTerms
	}
	return &Source{opts: opts, logger: logger}, nil
}

func (s *Source) FetchUnread(ctx context.Context) ([]model.RawItem, error) {
	var items []model.RawItem
	err := s.withClient(ctx, func(client *imapclient.Client) error {
		data, err := client.UIDSearch(SearchCriteria(s.opts.SearchTerms), nil).Wait()
		if err != nil {
			return fmt.Errorf("uid search: %w", err)
		}
		uids := data.AllUIDs()
		if s.opts.Limit > 0 && len(uids) > s.opts.Limit {
			uids = uids[:s.opts.Limit]
		}
		if len(uids) == 0 {
			return nil
		}

		section := &imapv2.FetchItemBodySection{Peek: true}
		msgs, err := client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
			UID:         true,
			BodySection: []*imapv2.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return fmt.Errorf("fetch %d messages: %w", len(uids), err)
		}

		for _, msg := range msgs {
			id := strconv.FormatUint(uint64(msg.UID), 10)
			raw := msg.FindBodySection(section)
			if raw == nil {
				s.warn("message without body", "uid", id)
				continue
			}
			decoded, err := mailtext.Decode(raw)
			if err != nil {
				s.warn("skipping undecodable message", "uid", id, "err", err)
				continue
			}
			items = append(items, model.RawItem{ID: id, Subject: decoded.Subject, Body: decoded.Body})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Debug("imap fetch finished", "folder", s.folder(), "items", len(items))
	}
	return items, nil
}

// Acknowledge marks the message with UID id as \Seen.
func (s *Source) Acknowledge(ctx context.Context, id string) error {
	uid, err := ParseUID(id)
	if err != nil {
		return err
	}
	return s.withClient(ctx, func(client *imapclient.Client) error {
		flags := &imapv2.StoreFlags{Op: imapv2.StoreFlagsAdd, Silent: true, Flags: []imapv2.Flag{imapv2.FlagSeen}}
		if err := client.Store(imapv2.UIDSetNum(uid), flags, nil).Close(); err != nil {
			return fmt.Errorf("mark uid %d seen: %w", uid, err)
		}
		return nil
	})
}

// Close logs out and drops the connection.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	if err := client.Logout().Wait(); err != nil {
		s.warn("imap logout failed", "err", err)
	}
	return client.Close()
}

// SearchCriteria selects unseen messages whose Subject or body contains any
// of terms.
func SearchCriteria(terms []string) *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagSeen}}

	var anyTerm *imapv2.SearchCriteria
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		match := imapv2.SearchCriteria{Or: [][2]imapv2.SearchCriteria{{
			{Header: []imapv2.SearchCriteriaHeaderField{{Key: "Subject", Value: term}}},
			{Body: []string{term}},
		}}}
		if anyTerm == nil {
			anyTerm = &match
			continue
		}
		anyTerm = &imapv2.SearchCriteria{Or: [][2]imapv2.SearchCriteria{{*anyTerm, match}}}
	}
	if anyTerm != nil {
		criteria.Or = anyTerm.Or
	}
	return criteria
}

func ParseUID(id string) (imapv2.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUID, id)
	}
	return imapv2.UID(n), nil
}

// withClient runs fn on the shared connection, dialing if needed. Cancelling
// ctx closes the connection so a blocked command returns; the next call
// reconnects.
func (s *Source) withClient(ctx context.Context, fn func(*imapclient.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.client == nil {
		client, err := s.dial()
		if err != nil {
			return err
		}
		s.client = client
	}

	client := s.client
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	err := fn(client)
	if !stop() {
		s.client = nil
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	var respErr *imapv2.Error
	if err != nil && !errors.As(err, &respErr) && s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	return err
}

func (s *Source) dial() (*imapclient.Client, error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	selected, err := client.Select(s.folder(), nil).Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select %s: %w", s.folder(), err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "folder", s.folder(), "messages", selected.NumMessages, "tls", s.opts.UseTLS)
	}
	return client, nil
}

func (s *Source) folder() string {
	if s.opts.Folder == "" {
		return "INBOX"
	}
	return s.opts.Folder
}

func (s *Source) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
