// Package app turns a resolved config into the collaborators of a workflow run.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/dhcgn/mail-to-expense/auth"
	"github.com/dhcgn/mail-to-expense/config"
	"github.com/dhcgn/mail-to-expense/filter"
	"github.com/dhcgn/mail-to-expense/gmail"
	"github.com/dhcgn/mail-to-expense/imap"
	"github.com/dhcgn/mail-to-expense/mbox"
	"github.com/dhcgn/mail-to-expense/notify"
	"github.com/dhcgn/mail-to-expense/parser"
	"github.com/dhcgn/mail-to-expense/retry"
	"github.com/dhcgn/mail-to-expense/runner"
	"github.com/dhcgn/mail-to-expense/sheet"
	"github.com/dhcgn/mail-to-expense/state"
)

// Components are the collaborators of one configured workflow.
type Components struct {
	Source   runner.Source
	Parser   runner.Parser
	Recorder runner.Recorder
	Notifier runner.Notifier
	Channel  string
	Executor *retry.Executor

	closers []func() error
}

// Build wires the configured source and sinks. In dry-run mode the recorder,
// notifier and acknowledgement are replaced by runner.DryRun.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{
		Parser:   parser.New(),
		Channel:  cfg.SlackChannel,
		Executor: retry.New(retry.Policy{MaxRetries: cfg.MaxRetries, BackoffFactor: cfg.Backoff}, retry.WithLogger(logger)),
	}

	var google option.ClientOption
	if cfg.NeedsGoogle() {
		provider, err := auth.NewProvider(AuthOptions(cfg), logger)
		if err != nil {
			return nil, err
		}
		google, err = provider.ClientOption(ctx)
		if err != nil {
			return nil, fmt.Errorf("google credentials: %w", err)
		}
	}

	src, err := c.buildSource(ctx, cfg, google, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	if cfg.DryRun {
		dry := runner.DryRun{Source: src, Logger: logger}
		c.Source, c.Recorder, c.Notifier = dry, dry, dry
		return c, nil
	}
	c.Source = src

	svc, err := sheets.NewService(ctx, google)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	c.Recorder, err = sheet.NewRecorder(svc, sheet.Options{SpreadsheetID: cfg.SpreadsheetID, Worksheet: cfg.Worksheet}, c.Executor, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Notifier, err = notify.New(notify.Options{
		Token:         cfg.SlackToken,
		Channel:       cfg.SlackChannel,
		RatePerSecond: cfg.SlackRate,
	}, c.Executor, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Components) buildSource(ctx context.Context, cfg config.Config, google option.ClientOption, logger *slog.Logger) (runner.Source, error) {
	switch cfg.Source {
	case config.SourceMbox:
		tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, tracker.Close)
		src, err := mbox.NewSource(mbox.Options{Path: cfg.MboxPath, Filter: FilterOptions(cfg), Limit: cfg.Limit}, tracker, logger)
		if err != nil {
			return nil, err
		}
		return src, nil

	case config.SourceIMAP:
		src, err := imap.NewSource(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.IMAPFolder,
			SearchTerms:        cfg.SearchTerms,
			Limit:              cfg.Limit,
		}, logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, src.Close)
		return src, nil

	default:
		svc, err := gmailapi.NewService(ctx, google)
		if err != nil {
			return nil, fmt.Errorf("gmail service: %w", err)
		}
		src, err := gmail.NewSource(svc, gmail.Options{User: cfg.GmailUser, Query: cfg.GmailQuery, MaxResults: int64(cfg.Limit)}, c.Executor, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// RunnerOptions returns runner options for one workflow run.
func (c *Components) RunnerOptions(cfg config.Config, logger *slog.Logger) runner.Options {
	return runner.Options{
		Source:      c.Source,
		Parser:      c.Parser,
		Recorder:    c.Recorder,
		Notifier:    c.Notifier,
		Channel:     c.Channel,
		Concurrency: cfg.Concurrency,
		ItemTimeout: cfg.ItemTimeout,
		Logger:      logger,
	}
}

// Close releases connections and flushes state, in reverse build order.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func AuthOptions(cfg config.Config) auth.Options {
	return auth.Options{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		TokenFile:    cfg.TokenFile,
		Flow:         auth.Flow(cfg.AuthFlow),
		ListenAddr:   cfg.AuthListen,
	}
}

// FilterOptions returns the configured mbox filters, or the receipt/invoice
// defaults when none are configured.
func FilterOptions(cfg config.Config) filter.Options {
	opts := filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	}
	if opts.Empty() {
		return filter.DefaultOptions()
	}
	return opts
}

// NewLogger builds the text logger at the configured level, teeing into a
// timestamped file when a log directory is set.
func NewLogger(cfg config.Config, stdout io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-to-expense-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(stdout, opts)
	return slog.New(handler), cleanup, nil
}
