package progress

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-to-expense/stats"
)

// Bar tracks how many fetched items reached a final state. The terminal bar
// is only drawn when enabled; the counters are kept either way.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	failed  int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar that draws when logLevel is "info". The bar
// starts once the batch size is known.
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Update advances the bar for events that finish an item.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFetched:
		b.total = evt.Count
		if b.enabled && b.pb == nil && evt.Count > 0 {
			pterm.Info.Printf("Unread expense emails: %d\n", evt.Count)
			pb, _ := pterm.DefaultProgressbar.
				WithTotal(evt.Count).
				WithTitle("Processing expenses").
				Start()
			b.pb = pb
		}
	case stats.EventTypeAcknowledged:
		b.done++
		b.advance(evt.ItemID)
	case stats.EventTypeError:
		if evt.ItemID == "" {
			return
		}
		b.done++
		b.failed++
		b.advance(evt.ItemID)
		if b.enabled && evt.Err != nil {
			pterm.Error.Printf("%s failed at %s: %v\n", evt.ItemID, evt.Stage, evt.Err)
		}
	}
}

func (b *Bar) advance(itemID string) {
	if b.pb == nil {
		return
	}
	b.pb.Increment()
	if itemID != "" {
		displayID := itemID
		if len(displayID) > 40 {
			displayID = displayID[:37] + "..."
		}
		b.pb.UpdateTitle("Processing: " + displayID)
	}
}

// Counts returns finished, failed and total items seen so far.
func (b *Bar) Counts() (done, failed, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.failed, b.total
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Processing complete!")
}

// Subscriber feeds run events into the bar and stops it when the run ends.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter pairs the bar with a collector and prints a summary once
// the run finishes.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
	pterm.Info.Printf("Parsed: %d\n", summary.Parsed)
	pterm.Info.Printf("Recorded: %d\n", summary.Recorded)
	pterm.Info.Printf("Notified: %d\n", summary.Notified)
	pterm.Info.Printf("Acknowledged: %d\n", summary.Acknowledged)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)

	stages := make([]string, 0, len(summary.ErrorsStage))
	for stage := range summary.ErrorsStage {
		stages = append(stages, string(stage))
	}
	sort.Strings(stages)
	for _, stage := range stages {
		pterm.Info.Printf("  %s errors: %d\n", stage, summary.ErrorsStage[stats.Stage(stage)])
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}
