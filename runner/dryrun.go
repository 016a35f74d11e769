package runner

import (
	"context"
	"log/slog"

	"github.com/dhcgn/mail-to-expense/model"
)

// DryRun replaces the side effects of a run with log lines: nothing is
// appended, posted or marked read.
type DryRun struct {
	Source Source
	Logger *slog.Logger
}

func (d DryRun) FetchUnread(ctx context.Context) ([]model.RawItem, error) {
	return d.Source.FetchUnread(ctx)
}

func (d DryRun) Acknowledge(_ context.Context, id string) error {
	d.log("dry-run: would acknowledge item", "itemID", id)
	return nil
}

func (d DryRun) Append(_ context.Context, e model.Expense) error {
	d.log("dry-run: would append row", "row", e.Row())
	return nil
}

func (d DryRun) Send(_ context.Context, channel, text string, _ model.Attachment) error {
	d.log("dry-run: would post notification", "channel", channel, "text", text)
	return nil
}

func (d DryRun) log(msg string, args ...any) {
	if d.Logger != nil {
		d.Logger.Info(msg, args...)
	}
}
