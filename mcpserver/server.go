// Package mcpserver exposes the expense workflow as MCP tools.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhcgn/mail-to-expense/runner"
	"github.com/dhcgn/mail-to-expense/stats"
)

const (
	DefaultName    = "expense-processor"
	DefaultVersion = "1.0.0"
)

type Config struct {
	Name    string
	Version string
	// Workflow holds the collaborators shared by every tool. Each
	// run_full_workflow call builds a fresh runner from it.
	Workflow runner.Options
	// Metrics, when set, observes workflow runs started through the tools.
	Metrics *stats.Metrics
	Logger  *slog.Logger
}

type Server struct {
	mcp     *mcp.Server
	opts    runner.Options
	metrics *stats.Metrics
	logger  *slog.Logger
}

func New(cfg Config) (*Server, error) {
	w := cfg.Workflow
	switch {
	case w.Source == nil:
		return nil, fmt.Errorf("%w: source", runner.ErrMissingOption)
	case w.Parser == nil:
		return nil, fmt.Errorf("%w: parser", runner.ErrMissingOption)
	case w.Recorder == nil:
		return nil, fmt.Errorf("%w: recorder", runner.ErrMissingOption)
	case w.Notifier == nil:
		return nil, fmt.Errorf("%w: notifier", runner.ErrMissingOption)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		mcp:     mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		opts:    w,
		metrics: cfg.Metrics,
		logger:  logger,
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// Run serves MCP on stdin/stdout until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Handler serves streamable HTTP MCP on /mcp and Prometheus metrics on
// /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting MCP server on streamable HTTP", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
