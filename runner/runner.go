package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/stats"
)

const DefaultConcurrency = 5

var (
	ErrBatchFetch    = errors.New("batch fetch failed")
	ErrAlreadyRun    = errors.New("runner already started")
	ErrMissingOption = errors.New("missing runner option")
	ErrTaskPanic     = errors.New("task panicked")
)

type Source interface {
	FetchUnread(ctx context.Context) ([]model.RawItem, error)
	Acknowledge(ctx context.Context, id string) error
}

type Parser interface {
	Parse(item model.RawItem) (model.Expense, error)
}

type Recorder interface {
	Append(ctx context.Context, expense model.Expense) error
}

type Notifier interface {
	Send(ctx context.Context, channel, text string, attachment model.Attachment) error
}

type Options struct {
	Source   Source
	Parser   Parser
	Recorder Recorder
	Notifier Notifier
	// Channel is passed to the notifier; empty selects the notifier's default.
	Channel string
	// Concurrency caps in-flight items. Zero or less means DefaultConcurrency.
	Concurrency int
	// ItemTimeout bounds one item from parse to acknowledge. Zero means no bound.
	ItemTimeout time.Duration
	Logger      *slog.Logger
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// Runner drives one batch of unread items through parse, record, notify and
// acknowledge. A Runner is single use.
type Runner struct {
	opts   Options
	logger *slog.Logger

	ctx     context.Context
	started atomic.Bool

	subsMu  sync.Mutex
	subs    []*subscriber
	statsWG sync.WaitGroup
}

func New(opts Options) (*Runner, error) {
	switch {
	case opts.Source == nil:
		return nil, fmt.Errorf("%w: source", ErrMissingOption)
	case opts.Parser == nil:
		return nil, fmt.Errorf("%w: parser", ErrMissingOption)
	case opts.Recorder == nil:
		return nil, fmt.Errorf("%w: recorder", ErrMissingOption)
	case opts.Notifier == nil:
		return nil, fmt.Errorf("%w: notifier", ErrMissingOption)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{opts: opts, logger: logger, ctx: context.Background()}, nil
}

func (r *Runner) Options() Options {
	return r.opts
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

// SubscribeStats registers fn to receive every event of the run on its own
// channel. Subscribers must be registered before Run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, &subscriber{name: name, fn: fn, events: make(chan stats.Event, 128)})
}

// EmitEvent delivers evt to every subscriber. It blocks on a full subscriber
// until the run context ends.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.Lock()
	subs := r.subs
	r.subsMu.Unlock()
	for _, s := range subs {
		select {
		case <-r.ctx.Done():
			return
		case s.events <- evt:
		}
	}
}

// Run fetches one batch and processes every item with at most
// Options.Concurrency items in flight. Per-item failures are collected in the
// Report; only a failed fetch returns an error.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if !r.started.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyRun
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.ctx = ctx
	r.startSubscribers(ctx)
	defer r.stopSubscribers()

	report := Report{RunID: uuid.NewString(), Started: time.Now()}
	logger := r.logger.With("runID", report.RunID)

	items, err := r.opts.Source.FetchUnread(ctx)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Err: err})
		report.Duration = time.Since(report.Started)
		logger.Error("fetch unread items failed", "err", err)
		return report, fmt.Errorf("%w: %w", ErrBatchFetch, err)
	}

	report.Fetched = len(items)
	r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched, Count: len(items)})
	if len(items) == 0 {
		report.Duration = time.Since(report.Started)
		logger.Info("no unread items")
		return report, nil
	}
	logger.Info("processing batch", "items", len(items), "concurrency", r.opts.Concurrency)

	results := make([]itemResult, len(items))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = r.process(ctx, logger, item)
			return nil
		})
	}
	_ = g.Wait()

	report.collect(items, results)
	report.Duration = time.Since(report.Started)
	logger.Info("batch finished",
		"fetched", report.Fetched,
		"succeeded", report.Succeeded,
		"failed", len(report.Failures),
		"duration", report.Duration,
	)
	return report, nil
}

type itemResult struct {
	state   ItemState
	failure *ItemFailure
}

func (r *Runner) process(ctx context.Context, logger *slog.Logger, item model.RawItem) (res itemResult) {
	stage := stats.StageParse
	res.state = StateFetched
	logger = logger.With("itemID", item.ID)

	defer func() {
		if p := recover(); p != nil {
			res.failure = &ItemFailure{ItemID: item.ID, Stage: stage, Reached: res.state, Err: fmt.Errorf("%w: %v", ErrTaskPanic, p)}
		}
		if res.failure != nil {
			res.state = StateFailed
			logger.Error("item failed", "stage", res.failure.Stage, "err", res.failure.Err)
			r.EmitEvent(stats.Event{Stage: res.failure.Stage, Type: stats.EventTypeError, ItemID: item.ID, Err: res.failure.Err})
		}
	}()

	if r.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ItemTimeout)
		defer cancel()
	}

	fail := func(err error) itemResult {
		return itemResult{state: res.state, failure: &ItemFailure{ItemID: item.ID, Stage: stage, Reached: res.state, Err: err}}
	}

	expense, err := r.opts.Parser.Parse(item)
	if err != nil {
		return fail(err)
	}
	res.state = StateParsed
	r.EmitEvent(stats.Event{Stage: stats.StageParse, Type: stats.EventTypeParsed, ItemID: item.ID})

	stage = stats.StageRecord
	if err := r.opts.Recorder.Append(ctx, expense); err != nil {
		return fail(err)
	}
	res.state = StateRecorded
	r.EmitEvent(stats.Event{Stage: stats.StageRecord, Type: stats.EventTypeRecorded, ItemID: item.ID})

	stage = stats.StageNotify
	if err := r.opts.Notifier.Send(ctx, r.opts.Channel, FormatNotification(expense), model.ApprovalAttachment()); err != nil {
		return fail(err)
	}
	res.state = StateNotified
	r.EmitEvent(stats.Event{Stage: stats.StageNotify, Type: stats.EventTypeNotified, ItemID: item.ID})

	stage = stats.StageAck
	if err := r.opts.Source.Acknowledge(ctx, item.ID); err != nil {
		return fail(err)
	}
	res.state = StateAcknowledged
	r.EmitEvent(stats.Event{Stage: stats.StageAck, Type: stats.EventTypeAcknowledged, ItemID: item.ID})

	logger.Info("expense processed", "vendor", expense.Vendor, "amount", expense.AmountString())
	return res
}

func (r *Runner) startSubscribers(ctx context.Context) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, s := range r.subs {
		r.statsWG.Add(1)
		go func() {
			defer r.statsWG.Done()
			if err := s.fn(ctx, s.events); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stats subscriber failed", "subscriber", s.name, "err", err)
			}
			for range s.events {
			}
		}()
	}
}

func (r *Runner) stopSubscribers() {
	r.subsMu.Lock()
	for _, s := range r.subs {
		close(s.events)
	}
	r.subsMu.Unlock()
	r.statsWG.Wait()
}
