package cmd

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/dhcgn/mail-to-expense/filter"
	"github.com/dhcgn/mail-to-expense/parser"
)

func message(from, subject, body string) string {
	return "From " + from + " Sun Jul  6 10:00:00 2025\n" +
		"From: " + from + "\n" +
		"Subject: " + subject + "\n" +
		"\n" +
		body + "\n\n"
}

func writeArchive(t *testing.T) string {
	t.Helper()
	content := message("a@example.com", "Receipt from Cafe Rio", "Vendor: Cafe Rio\nTotal: $12.50\nCategory: Meals") +
		message("b@example.com", "Your receipt", "Vendor: Cafe Rio\nTotal: $7.50\nCategory: Meals") +
		message("c@example.com", "Invoice 42", "Vendor: Hosting Co\nAmount: 30.00 EUR\nCategory: Software") +
		message("d@example.com", "Newsletter", "Nothing to see here")
	path := filepath.Join(t.TempDir(), "receipts.mbox")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestSummarize(t *testing.T) {
	path := writeArchive(t)
	f, err := filter.New(filter.DefaultOptions())
	if err != nil {
		t.Fatalf("filter.New: %v", err)
	}

	ticks := 0
	s, err := summarize(path, f, parser.New(), func() { ticks++ })
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if ticks != 4 {
		t.Errorf("ticks = %d, want 4", ticks)
	}
	if s.Messages != 3 || s.Skipped != 1 {
		t.Errorf("messages/skipped = %d/%d, want 3/1", s.Messages, s.Skipped)
	}
	if s.Vendors["Cafe Rio"] != 2 || s.Vendors["Hosting Co"] != 1 {
		t.Errorf("Vendors = %v", s.Vendors)
	}
	if got := s.Totals["USD"].StringFixed(2); got != "20.00" {
		t.Errorf("USD total = %s", got)
	}
	if got := s.Totals["EUR"].StringFixed(2); got != "30.00" {
		t.Errorf("EUR total = %s", got)
	}

	var out bytes.Buffer
	s.print(&out, 5)
	want := "Processed 3 messages (skipped 1 by filters, 25.00%)\n" +
		"Parsed 3 expenses (0 undecodable, 0 invalid)\n\n" +
		"Top 5 Vendors:\n1. Cafe Rio (2)\n2. Hosting Co (1)\n\n" +
		"Top 5 Categories:\n1. Meals (2)\n2. Software (1)\n\n" +
		"Totals per currency:\n  EUR 30.00\n  USD 20.00\n"
	if out.String() != want {
		t.Errorf("print output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestSaveCSVReports(t *testing.T) {
	path := writeArchive(t)
	f, _ := filter.New(filter.DefaultOptions())
	s, err := summarize(path, f, parser.New(), nil)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "reports")
	if err := saveCSVReports(s, dir, 1); err != nil {
		t.Fatalf("saveCSVReports: %v", err)
	}

	vendors := readCSV(t, filepath.Join(dir, "report_vendors.csv"))
	if len(vendors) != 2 || vendors[1][0] != "Cafe Rio" || vendors[1][1] != "2" {
		t.Errorf("vendors report = %v", vendors)
	}

	expenses := readCSV(t, filepath.Join(dir, "report_expenses.csv"))
	if len(expenses) != 4 {
		t.Fatalf("expenses report rows = %d, want 4", len(expenses))
	}
	if expenses[0][0] != "Date" || expenses[3][2] != "30.00 EUR" {
		t.Errorf("expenses report = %v", expenses)
	}
}

func TestNormalizeName(t *testing.T) {
	if got := normalizeName("Top Vendors-2025"); got != "top_vendors_2025" {
		t.Errorf("normalizeName = %q", got)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return records
}
