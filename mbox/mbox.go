package mbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-to-expense/filter"
	"github.com/dhcgn/mail-to-expense/mailtext"
	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/state"
)

var ErrEmptyPath = errors.New("mbox path is empty")

type Options struct {
	Path   string
	Filter filter.Options
	// Limit caps the batch size; zero means the whole archive.
	Limit int
}

type flusher interface {
	Flush() error
}

// Source reads expense emails from a local mbox archive. The archive has no
// read flag, so acknowledged ids live in a state.Tracker.
type Source struct {
	path    string
	limit   int
	filter  *filter.Filter
	tracker state.Tracker
	logger  *slog.Logger
}

func NewSource(opts Options, tracker state.Tracker, logger *slog.Logger) (*Source, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrEmptyPath
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, err
	}
	return &Source{path: path, limit: opts.Limit, filter: f, tracker: tracker, logger: logger}, nil
}

func (s *Source) Filter() *filter.Filter {
	return s.filter
}

// FetchUnread returns every matching message not yet acknowledged. Messages
// that cannot be decoded are skipped with a warning.
func (s *Source) FetchUnread(ctx context.Context) ([]model.RawItem, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan model.Envelope, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, out)
		close(out)
	}()

	var (
		items   []model.RawItem
		limited bool
	)
	for env := range out {
		if env.Err != nil {
			if s.logger != nil {
				s.logger.Warn("skipping unreadable message", "path", s.path, "err", env.Err)
			}
			continue
		}
		if s.limit > 0 && len(items) >= s.limit {
			limited = true
			cancel()
			continue
		}
		items = append(items, env.Item)
	}

	if err := <-done; err != nil && !(limited && errors.Is(err, context.Canceled)) {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Debug("mbox fetch finished", "path", s.path, "items", len(items))
	}
	return items, nil
}

// Stream sends one envelope per candidate message. Per-message failures are
// sent as envelopes; a broken archive ends the stream with an error.
func (s *Source) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	seen := make(map[string]struct{})

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if !s.filter.AllowsRaw(raw) {
			continue
		}

		msg, err := mailtext.Decode(raw)
		if err != nil {
			if err := emit(ctx, out, model.Envelope{Err: fmt.Errorf("message %d: %w", idx, err)}); err != nil {
				return err
			}
			continue
		}

		id := ItemID(msg.MessageID, raw)
		if _, dup := seen[id]; dup || s.tracker.AlreadyAcknowledged(id) {
			continue
		}
		seen[id] = struct{}{}

		item := model.RawItem{ID: id, Subject: msg.Subject, Body: msg.Body}
		if err := emit(ctx, out, model.Envelope{Item: item}); err != nil {
			return err
		}
	}
}

// Acknowledge records id as read and flushes the tracker.
func (s *Source) Acknowledge(_ context.Context, id string) error {
	if err := s.tracker.MarkAcknowledged(id, s.path); err != nil {
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	if f, ok := s.tracker.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("acknowledge %s: %w", id, err)
		}
	}
	return nil
}

// ItemID is the Message-Id without brackets, or a content hash when the
// header is missing.
func ItemID(messageID string, raw []byte) string {
	if id := strings.Trim(strings.TrimSpace(messageID), "<>"); id != "" {
		return id
	}
	sum := sha256.Sum256(raw)
	return "sha256-" + hex.EncodeToString(sum[:16])
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Read calls fn with every raw message in the archive at path.
func Read(path string, fn func(raw []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			continue
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages in the archive at path.
func CountMessages(path string) (int, error) {
	count := 0
	err := Read(path, func([]byte) error {
		count++
		return nil
	})
	return count, err
}
