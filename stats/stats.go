package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageFetch  Stage = "fetch"
	StageParse  Stage = "parse"
	StageRecord Stage = "record"
	StageNotify Stage = "notify"
	StageAck    Stage = "ack"
)

type EventType string

const (
	EventTypeFetched      EventType = "fetched"
	EventTypeParsed       EventType = "parsed"
	EventTypeRecorded     EventType = "recorded"
	EventTypeNotified     EventType = "notified"
	EventTypeAcknowledged EventType = "acknowledged"
	EventTypeError        EventType = "error"
)

// Event is one lifecycle step of one item. Fetched events describe the whole
// batch and carry its size in Count.
type Event struct {
	Stage  Stage
	Type   EventType
	ItemID string
	Count  int
	Err    error
	Detail string
}

type Summary struct {
	Fetched      int
	Parsed       int
	Recorded     int
	Notified     int
	Acknowledged int
	Errors       int
	ErrorsStage  map[Stage]int
	LastError    error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"parsed", s.Parsed,
		"recorded", s.Recorded,
		"notified", s.Notified,
		"acknowledged", s.Acknowledged,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	summary.ErrorsStage = make(map[Stage]int, len(c.summary.ErrorsStage))
	for k, v := range c.summary.ErrorsStage {
		summary.ErrorsStage[k] = v
	}
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched += evt.Count
	case EventTypeParsed:
		c.summary.Parsed++
	case EventTypeRecorded:
		c.summary.Recorded++
	case EventTypeNotified:
		c.summary.Notified++
	case EventTypeAcknowledged:
		c.summary.Acknowledged++
	case EventTypeError:
		c.summary.Errors++
		if c.summary.ErrorsStage == nil {
			c.summary.ErrorsStage = make(map[Stage]int)
		}
		c.summary.ErrorsStage[evt.Stage]++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map. Ties are
// ordered by key.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
