package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{"EXPENSE_CONFIG", "IMAP_PASS", "SLACK_BOT_TOKEN", "SLACK_CHANNEL_ID", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "EXPENSE_SPREADSHEET_ID"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cmd := &cobra.Command{Use: "test"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags: %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	return cmd
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cmd := newCommand(t)

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Source != SourceGmail {
		t.Errorf("Source = %q", cfg.Source)
	}
	if cfg.Concurrency != 5 || cfg.MaxRetries != 3 || cfg.Backoff != 500*time.Millisecond {
		t.Errorf("runner defaults = %d/%d/%s", cfg.Concurrency, cfg.MaxRetries, cfg.Backoff)
	}
	if cfg.Worksheet != "Expenses" || cfg.GmailQuery != "receipt OR invoice" {
		t.Errorf("sink defaults = %q/%q", cfg.Worksheet, cfg.GmailQuery)
	}
	if strings.Join(cfg.SearchTerms, ",") != "receipt,invoice" {
		t.Errorf("SearchTerms = %v", cfg.SearchTerms)
	}
	if !cfg.UseTLS || cfg.IMAPPort != 993 {
		t.Errorf("imap defaults = %v/%d", cfg.UseTLS, cfg.IMAPPort)
	}
	if !strings.HasSuffix(cfg.TokenFile, filepath.Join(".mail-to-expense", "token.json")) {
		t.Errorf("TokenFile = %q", cfg.TokenFile)
	}
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
worksheet: FromFile
gmail_query: from-file
concurrency: 2
backoff: 2s
slack_channel: C-file
`)
	cmd := newCommand(t, "--config", path, "--worksheet", "FromFlag")
	t.Setenv("EXPENSE_GMAIL_QUERY", "from-env")
	t.Setenv("EXPENSE_WORKSHEET", "FromEnv")

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"flag beats env and file", cfg.Worksheet, "FromFlag"},
		{"env beats file", cfg.GmailQuery, "from-env"},
		{"file beats default", cfg.Concurrency, 2},
		{"file duration", cfg.Backoff, 2 * time.Second},
		{"file string", cfg.SlackChannel, "C-file"},
		{"untouched default", cfg.MaxRetries, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}
}

func TestLoad_SecretFallbacks(t *testing.T) {
	cmd := newCommand(t, "--slack-channel", "C-flag")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("SLACK_CHANNEL_ID", "C-env")
	t.Setenv("IMAP_PASS", "secret")
	t.Setenv("EXPENSE_SPREADSHEET_ID", "sheet-env")

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SlackToken != "xoxb-env" {
		t.Errorf("SlackToken = %q", cfg.SlackToken)
	}
	if cfg.SlackChannel != "C-flag" {
		t.Errorf("SlackChannel = %q, flag should win over fallback", cfg.SlackChannel)
	}
	if cfg.IMAPPass != "secret" || cfg.SpreadsheetID != "sheet-env" {
		t.Errorf("IMAPPass/SpreadsheetID = %q/%q", cfg.IMAPPass, cfg.SpreadsheetID)
	}
}

func TestLoad_NormalisesLogLevel(t *testing.T) {
	cmd := newCommand(t, "--log-level", "WARNING")
	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"source", []string{"--source", "pop3"}, "invalid --source"},
		{"concurrency", []string{"--concurrency", "0"}, "--concurrency"},
		{"retries", []string{"--max-retries", "-1"}, "--max-retries"},
		{"filters", []string{"--include-body", "a", "--exclude-body", "b"}, "mutually exclusive"},
		{"log level", []string{"--log-level", "loud"}, "invalid --log-level"},
		{"auth flow", []string{"--auth-flow", "device"}, "invalid --auth-flow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newCommand(t, tt.args...))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_SourceRequirements(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"mbox path", []string{"--source", "mbox", "--dry-run"}, "--mbox is required"},
		{"imap host", []string{"--source", "imap", "--dry-run"}, "--imap-host"},
		{"imap pass", []string{"--source", "imap", "--imap-host", "h", "--imap-user", "u", "--dry-run"}, "IMAP password"},
		{"gmail creds", []string{"--dry-run"}, "Google client credentials"},
		{"spreadsheet", []string{"--source", "mbox", "--mbox", "x.mbox", "--google-client-id", "i", "--google-client-secret", "s"}, "--spreadsheet-id"},
		{"slack token", []string{"--source", "mbox", "--mbox", "x.mbox", "--google-client-id", "i", "--google-client-secret", "s", "--spreadsheet-id", "sid"}, "Slack token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(newCommand(t, tt.args...))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_MboxDryRunNeedsNoCredentials(t *testing.T) {
	cfg, err := LoadConfig(newCommand(t, "--source", "mbox", "--mbox", "receipts.mbox", "--dry-run"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NeedsGoogle() {
		t.Error("mbox dry run should not need Google")
	}
}

func TestLoad_ConfigFileTooLarge(t *testing.T) {
	path := writeFile(t, "worksheet: x\n"+strings.Repeat("#", maxConfigFileSize))
	_, err := Load(newCommand(t, "--config", path))
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("err = %v", err)
	}
}
