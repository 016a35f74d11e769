// Package auth obtains and persists the Google OAuth2 token used by the
// Gmail source and the Sheets recorder.
package auth

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"
)

var (
	ErrMissingClientCredentials = errors.New("google client id and secret are required")
	ErrStateMismatch            = errors.New("oauth state mismatch")
	ErrNoCode                   = errors.New("no authorization code received")
)

// Flow selects how the user grants consent.
type Flow string

const (
	// FlowLoopback listens on a local port for the browser redirect.
	FlowLoopback Flow = "loopback"
	// FlowConsole prints the consent URL and reads the code from stdin.
	FlowConsole Flow = "console"

	DefaultListenAddr = "127.0.0.1:8085"
	callbackPath      = "/callback"
	consoleRedirect   = "http://localhost"
)

// Scopes grants read/modify on mail and write on spreadsheets.
var Scopes = []string{gmailapi.GmailModifyScope, sheets.SpreadsheetsScope}

func ParseFlow(s string) (Flow, error) {
	switch Flow(strings.ToLower(strings.TrimSpace(s))) {
	case FlowLoopback, "":
		return FlowLoopback, nil
	case FlowConsole:
		return FlowConsole, nil
	default:
		return "", fmt.Errorf("unknown auth flow %q (want loopback or console)", s)
	}
}

type Options struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
	Flow         Flow
	ListenAddr   string
	// Endpoint defaults to Google's.
	Endpoint oauth2.Endpoint
	Scopes   []string
	In       io.Reader
	Out      io.Writer
}

// Provider hands out a token source backed by the token file, running the
// interactive flow only when no token is stored.
type Provider struct {
	cfg    *oauth2.Config
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
	ts oauth2.TokenSource
}

func NewProvider(opts Options, logger *slog.Logger) (*Provider, error) {
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, ErrMissingClientCredentials
	}
	if opts.TokenFile == "" {
		return nil, errors.New("token file is empty")
	}
	if opts.Flow == "" {
		opts.Flow = FlowLoopback
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.Endpoint.TokenURL == "" {
		opts.Endpoint = google.Endpoint
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = Scopes
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}

	return &Provider{
		cfg: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     opts.Endpoint,
			Scopes:       opts.Scopes,
		},
		opts:   opts,
		logger: logger,
	}, nil
}

// TokenSource returns a refreshing token source. Refreshed tokens are written
// back to the token file.
func (p *Provider) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ts != nil {
		return p.ts, nil
	}

	tok, err := LoadToken(p.opts.TokenFile)
	if errors.Is(err, fs.ErrNotExist) {
		tok, err = p.authorize(ctx)
	}
	if err != nil {
		return nil, err
	}

	p.ts = &persistingSource{
		base:   p.cfg.TokenSource(context.WithoutCancel(ctx), tok),
		last:   tok.AccessToken,
		path:   p.opts.TokenFile,
		logger: p.logger,
	}
	return p.ts, nil
}

// ClientOption authenticates Google API services with the provider's token.
func (p *Provider) ClientOption(ctx context.Context) (option.ClientOption, error) {
	ts, err := p.TokenSource(ctx)
	if err != nil {
		return nil, err
	}
	return option.WithTokenSource(ts), nil
}

// Authorize runs the configured flow unconditionally and stores the token.
func (p *Provider) Authorize(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ts = nil
	return p.authorize(ctx)
}

func (p *Provider) authorize(ctx context.Context) (*oauth2.Token, error) {
	var (
		tok *oauth2.Token
		err error
	)
	switch p.opts.Flow {
	case FlowConsole:
		tok, err = p.consoleFlow(ctx)
	default:
		tok, err = p.loopbackFlow(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%s authorization: %w", p.opts.Flow, err)
	}
	if err := SaveToken(p.opts.TokenFile, tok); err != nil {
		return nil, err
	}
	if p.logger != nil {
		p.logger.Info("oauth token stored", "path", p.opts.TokenFile, "flow", p.opts.Flow)
	}
	return tok, nil
}

func (p *Provider) loopbackFlow(ctx context.Context) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", p.opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", p.opts.ListenAddr, err)
	}

	cfg := *p.cfg
	cfg.RedirectURL = "http://" + ln.Addr().String() + callbackPath
	state := uuid.NewString()

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		res := result{code: q.Get("code")}
		switch {
		case q.Get("state") != state:
			res.err = ErrStateMismatch
		case q.Get("error") != "":
			res.err = fmt.Errorf("consent denied: %s", q.Get("error"))
		case res.code == "":
			res.err = ErrNoCode
		}
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Authorization complete. You can close this tab.")
		}
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(p.opts.Out, "Open this URL in your browser to authorize access:\n%s\n", cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		return cfg.Exchange(ctx, res.code)
	}
}

func (p *Provider) consoleFlow(ctx context.Context) (*oauth2.Token, error) {
	cfg := *p.cfg
	cfg.RedirectURL = consoleRedirect
	state := uuid.NewString()

	fmt.Fprintf(p.opts.Out, "Open this URL in your browser to authorize access:\n%s\n", cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))
	fmt.Fprint(p.opts.Out, "Paste the code or the full redirect URL: ")

	line, err := bufio.NewReader(p.opts.In).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, fmt.Errorf("read code: %w", err)
	}
	code, err := ParseCode(line, state)
	if err != nil {
		return nil, err
	}
	return cfg.Exchange(ctx, code)
}

// ParseCode accepts a bare authorization code or a redirect URL carrying
// code and state parameters.
func ParseCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrNoCode
	}
	if !strings.Contains(input, "code=") {
		return input, nil
	}

	raw := input
	if i := strings.Index(input, "?"); i >= 0 {
		raw = input[i+1:]
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "", fmt.Errorf("parse redirect url: %w", err)
	}
	if s := q.Get("state"); s != "" && s != state {
		return "", ErrStateMismatch
	}
	if q.Get("code") == "" {
		return "", ErrNoCode
	}
	return q.Get("code"), nil
}

func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	return &tok, nil
}

// SaveToken writes tok with owner-only permissions, replacing the file
// atomically.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

type persistingSource struct {
	base   oauth2.TokenSource
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := SaveToken(s.path, tok); err != nil && s.logger != nil {
			s.logger.Warn("persist refreshed token failed", "path", s.path, "err", err)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}
