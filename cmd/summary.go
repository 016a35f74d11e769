package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-expense/app"
	"github.com/dhcgn/mail-to-expense/config"
	"github.com/dhcgn/mail-to-expense/filter"
	"github.com/dhcgn/mail-to-expense/mailtext"
	"github.com/dhcgn/mail-to-expense/mbox"
	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/parser"
	"github.com/dhcgn/mail-to-expense/runner"
	"github.com/dhcgn/mail-to-expense/sheet"
	"github.com/dhcgn/mail-to-expense/stats"
)

var (
	reportDir string
	topN      int
)

func newSummaryCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "summary [mbox file]",
		Short: "Parse every receipt in an mbox archive offline and show expense statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}

			mboxPath := args[0]
			fmt.Println("Analyzing mbox file:", mboxPath)

			f, err := filter.New(app.FilterOptions(cfg))
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			var bar *pterm.ProgressbarPrinter
			if cfg.LogLevel == "info" {
				if total, err := mbox.CountMessages(mboxPath); err == nil && total > 0 {
					bar, _ = pterm.DefaultProgressbar.WithTotal(total).WithTitle("Parsing receipts").Start()
				}
			}

			s, err := summarize(mboxPath, f, parser.New(), func() {
				if bar != nil {
					bar.Increment()
				}
			})
			if bar != nil {
				_, _ = bar.Stop()
			}
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}

			s.print(os.Stdout, topN)

			if err := saveCSVReports(s, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Printf("\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	c.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	c.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	return c
}

type expenseSummary struct {
	Messages   int
	Skipped    int
	Undecoded  int
	Invalid    int
	Vendors    map[string]int
	Categories map[string]int
	Totals     map[string]decimal.Decimal
	Expenses   []model.Expense
}

// summarize parses every message the filter allows. Messages that cannot be
// decoded or parsed are counted, not fatal.
func summarize(path string, f *filter.Filter, p runner.Parser, tick func()) (*expenseSummary, error) {
	s := &expenseSummary{
		Vendors:    make(map[string]int),
		Categories: make(map[string]int),
		Totals:     make(map[string]decimal.Decimal),
	}

	err := mbox.Read(path, func(raw []byte) error {
		if tick != nil {
			defer tick()
		}
		if !f.AllowsRaw(raw) {
			s.Skipped++
			return nil
		}
		s.Messages++

		msg, err := mailtext.Decode(raw)
		if err != nil {
			s.Undecoded++
			return nil
		}
		e, err := p.Parse(model.RawItem{ID: mbox.ItemID(msg.MessageID, raw), Subject: msg.Subject, Body: msg.Body})
		if err != nil {
			s.Invalid++
			return nil
		}

		s.Vendors[e.Vendor]++
		category := "Uncategorized"
		if e.Category != nil && *e.Category != "" {
			category = *e.Category
		}
		s.Categories[category]++
		s.Totals[e.Currency] = s.Totals[e.Currency].Add(e.Amount)
		s.Expenses = append(s.Expenses, e)
		return nil
	})
	return s, err
}

func (s *expenseSummary) print(w io.Writer, top int) {
	total := s.Messages + s.Skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(s.Skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%)\n", s.Messages, s.Skipped, filterPercent)
	fmt.Fprintf(w, "Parsed %d expenses (%d undecodable, %d invalid)\n\n", len(s.Expenses), s.Undecoded, s.Invalid)

	fmt.Fprintf(w, "Top %d Vendors:\n", top)
	stats.PrettyPrintTop(w, s.Vendors, top)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Top %d Categories:\n", top)
	stats.PrettyPrintTop(w, s.Categories, top)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Totals per currency:")
	currencies := make([]string, 0, len(s.Totals))
	for c := range s.Totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	for _, c := range currencies {
		fmt.Fprintf(w, "  %s %s\n", c, s.Totals[c].StringFixed(2))
	}
}

func saveCSVReports(s *expenseSummary, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	counts := map[string]map[string]int{
		"Vendors":    s.Vendors,
		"Categories": s.Categories,
	}
	for name, m := range counts {
		records := [][]string{{"Value", "Count"}}
		for _, p := range sortedPairs(m) {
			if len(records) > limit {
				break
			}
			records = append(records, []string{p.Key, strconv.Itoa(p.Value)})
		}
		if err := writeCSV(filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeName(name))), records); err != nil {
			return err
		}
	}

	records := [][]string{sheet.Header}
	for _, e := range s.Expenses {
		records = append(records, e.Row())
	}
	return writeCSV(filepath.Join(dir, "report_expenses.csv"), records)
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

type pair struct {
	Key   string
	Value int
}

// sortedPairs orders by count descending, then key.
func sortedPairs(m map[string]int) []pair {
	pairs := make([]pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
	return pairs
}

func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
