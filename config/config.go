package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	SourceGmail = "gmail"
	SourceIMAP  = "imap"
	SourceMbox  = "mbox"

	envPrefix         = "EXPENSE_"
	maxConfigFileSize = 1024 * 1024
)

var ErrConfigTooLarge = errors.New("config file exceeds 1MB")

// Config captures every option of the expense workflow. Keys are the flag
// names with dashes replaced by underscores, which is also the shape of the
// YAML file and of EXPENSE_* environment variables.
type Config struct {
	ConfigFile string `koanf:"-"`

	Source   string `koanf:"source"`
	MboxPath string `koanf:"mbox"`
	StateDir string `koanf:"state_dir"`
	Limit    int    `koanf:"limit"`

	IMAPHost           string   `koanf:"imap_host"`
	IMAPPort           int      `koanf:"imap_port"`
	IMAPUser           string   `koanf:"imap_user"`
	IMAPPass           string   `koanf:"imap_pass"`
	UseTLS             bool     `koanf:"use_tls"`
	InsecureSkipVerify bool     `koanf:"insecure_skip_verify"`
	IMAPFolder         string   `koanf:"imap_folder"`
	SearchTerms        []string `koanf:"search_terms"`

	GmailUser  string `koanf:"gmail_user"`
	GmailQuery string `koanf:"gmail_query"`

	SpreadsheetID string `koanf:"spreadsheet_id"`
	Worksheet     string `koanf:"worksheet"`

	SlackToken   string  `koanf:"slack_token"`
	SlackChannel string  `koanf:"slack_channel"`
	SlackRate    float64 `koanf:"slack_rate"`

	GoogleClientID     string `koanf:"google_client_id"`
	GoogleClientSecret string `koanf:"google_client_secret"`
	TokenFile          string `koanf:"token_file"`
	AuthFlow           string `koanf:"auth_flow"`
	AuthListen         string `koanf:"auth_listen"`

	Concurrency int           `koanf:"concurrency"`
	MaxRetries  int           `koanf:"max_retries"`
	Backoff     time.Duration `koanf:"backoff"`
	ItemTimeout time.Duration `koanf:"item_timeout"`

	DryRun    bool   `koanf:"dry_run"`
	LogLevel  string `koanf:"log_level"`
	LogDir    string `koanf:"log_dir"`
	ServeAddr string `koanf:"serve_addr"`

	IncludeHeader []string `koanf:"include_header"`
	IncludeBody   []string `koanf:"include_body"`
	ExcludeHeader []string `koanf:"exclude_header"`
	ExcludeBody   []string `koanf:"exclude_body"`
}

// RegisterFlags attaches all CLI flags to the provided command. The flags are
// persistent so subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	home, err := appDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file (falls back to EXPENSE_CONFIG env var)")

	flags.String("source", SourceGmail, "Mail source: gmail, imap or mbox")
	flags.String("mbox", "", "Path to the .mbox archive (source=mbox)")
	flags.String("state-dir", filepath.Join(home, "state"), "Directory for the acknowledged-items state (source=mbox)")
	flags.Int("limit", 0, "Maximum number of items fetched per run (0 = source default)")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-folder", "INBOX", "IMAP folder searched for receipts")
	flags.StringArray("search-terms", []string{"receipt", "invoice"}, "Terms matched against subject or body (source=imap)")

	flags.String("gmail-user", "me", "Gmail user id")
	flags.String("gmail-query", "receipt OR invoice", "Gmail search query for candidate messages")

	flags.String("spreadsheet-id", "", "Google Sheets spreadsheet id (falls back to EXPENSE_SPREADSHEET_ID env var)")
	flags.String("worksheet", "Expenses", "Worksheet that receives expense rows")

	flags.String("slack-token", "", "Slack bot token (falls back to SLACK_BOT_TOKEN env var)")
	flags.String("slack-channel", "", "Slack channel id (falls back to SLACK_CHANNEL_ID env var)")
	flags.Float64("slack-rate", 1, "Maximum Slack posts per second (0 = unlimited)")

	flags.String("google-client-id", "", "Google OAuth client id (falls back to GOOGLE_CLIENT_ID env var)")
	flags.String("google-client-secret", "", "Google OAuth client secret (falls back to GOOGLE_CLIENT_SECRET env var)")
	flags.String("token-file", filepath.Join(home, "token.json"), "Where the Google OAuth token is stored")
	flags.String("auth-flow", "loopback", "OAuth consent flow: loopback or console")
	flags.String("auth-listen", "127.0.0.1:8085", "Listen address for the loopback OAuth callback")

	flags.Int("concurrency", 5, "Maximum number of items processed at once")
	flags.Int("max-retries", 3, "Retries for rate-limited or failing API calls")
	flags.Duration("backoff", 500*time.Millisecond, "Base delay for exponential retry backoff")
	flags.Duration("item-timeout", 0, "Upper bound for processing one item (0 = none)")

	flags.Bool("dry-run", false, "Parse and report without writing rows, posting or acknowledging")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.String("serve-addr", "", "Serve MCP over streamable HTTP on this address instead of stdio")

	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig resolves and fully validates the configuration for a workflow run.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := Load(cmd)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load resolves the configuration without checking source or sink
// requirements. Precedence, highest first: flags set on the command line,
// EXPENSE_* environment variables, the config file, flag defaults.
func Load(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	k := koanf.New(".")

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" {
			return
		}
		_ = k.Set(key(f.Name), flagValue(f))
	})

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if configFile == "" {
		configFile = os.Getenv(envPrefix + "CONFIG")
	}
	if configFile != "" {
		content, err := readConfigFile(configFile)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", configFile, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var setErr error
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := k.Set(key(f.Name), flagValue(f)); err != nil && setErr == nil {
			setErr = err
		}
	})
	if setErr != nil {
		return Config{}, setErr
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = configFile

	fallback(&cfg.IMAPPass, "IMAP_PASS")
	fallback(&cfg.SlackToken, "SLACK_BOT_TOKEN")
	fallback(&cfg.SlackChannel, "SLACK_CHANNEL_ID")
	fallback(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	fallback(&cfg.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")

	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	cfg.AuthFlow = strings.ToLower(strings.TrimSpace(cfg.AuthFlow))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.StateDir != "" {
		cfg.StateDir = filepath.Clean(cfg.StateDir)
	}

	if err := validateCommon(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NeedsGoogle reports whether the run talks to a Google API.
func (c Config) NeedsGoogle() bool {
	return c.Source == SourceGmail || !c.DryRun
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for source mbox")
		}
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for source imap")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for source imap")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	if cfg.NeedsGoogle() && (cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "") {
		return fmt.Errorf("Google client credentials must be provided via --google-client-id/--google-client-secret or GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET")
	}

	if !cfg.DryRun {
		if cfg.SpreadsheetID == "" {
			return fmt.Errorf("--spreadsheet-id or EXPENSE_SPREADSHEET_ID is required")
		}
		if cfg.SlackToken == "" {
			return fmt.Errorf("Slack token must be provided via --slack-token or SLACK_BOT_TOKEN env var")
		}
		if cfg.SlackChannel == "" {
			return fmt.Errorf("--slack-channel or SLACK_CHANNEL_ID is required")
		}
	}

	return nil
}

func validateCommon(cfg Config) error {
	switch cfg.Source {
	case SourceGmail, SourceIMAP, SourceMbox:
	default:
		return fmt.Errorf("invalid --source: %q (want gmail, imap or mbox)", cfg.Source)
	}

	switch cfg.AuthFlow {
	case "loopback", "console":
	default:
		return fmt.Errorf("invalid --auth-flow: %q", cfg.AuthFlow)
	}

	if cfg.Concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("--max-retries must not be negative")
	}
	if cfg.Backoff < 0 || cfg.ItemTimeout < 0 {
		return fmt.Errorf("--backoff and --item-timeout must not be negative")
	}
	if cfg.SlackRate < 0 {
		return fmt.Errorf("--slack-rate must not be negative")
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func key(flagName string) string {
	return strings.ReplaceAll(flagName, "-", "_")
}

func flagValue(f *pflag.Flag) any {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		return sv.GetSlice()
	}
	return f.Value.String()
}

func fallback(dst *string, envKey string) {
	if *dst == "" {
		*dst = os.Getenv(envKey)
	}
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%s: %w", path, ErrConfigTooLarge)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return content, nil
}

func appDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-to-expense"), nil
}
