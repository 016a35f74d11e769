package sheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/api/googleapi"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/retry"
)

const (
	DefaultWorksheet = "Expenses"

	worksheetRows    = 1000
	worksheetColumns = 20
)

var (
	ErrSpreadsheetNotFound = errors.New("spreadsheet not found")
	ErrMissingSpreadsheet  = errors.New("spreadsheet id is empty")
)

// Header is written as the first row of a worksheet the recorder creates.
var Header = []string{"Date", "Vendor", "Amount", "Category", "Description"}

type Options struct {
	SpreadsheetID string
	Worksheet     string
}

// Recorder appends one row per expense to a worksheet, creating the
// worksheet on first use.
type Recorder struct {
	svc    *sheets.Service
	opts   Options
	exec   *retry.Executor
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
}

func NewRecorder(svc *sheets.Service, opts Options, exec *retry.Executor, logger *slog.Logger) (*Recorder, error) {
	if svc == nil {
		return nil, errors.New("sheets service is nil")
	}
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, ErrMissingSpreadsheet
	}
	if opts.Worksheet == "" {
		opts.Worksheet = DefaultWorksheet
	}
	if exec == nil {
		exec = retry.New(retry.DefaultPolicy(), retry.WithLogger(logger))
	}
	return &Recorder{svc: svc, opts: opts, exec: exec, logger: logger}, nil
}

// Append writes e as a new row after the last non-empty row.
func (r *Recorder) Append(ctx context.Context, e model.Expense) error {
	if err := r.ensureWorksheet(ctx); err != nil {
		return err
	}
	return r.appendRow(ctx, e.Row())
}

func (r *Recorder) appendRow(ctx context.Context, row []string) error {
	values := make([]interface{}, len(row))
	for i, v := range row {
		values[i] = v
	}
	body := &sheets.ValueRange{Values: [][]interface{}{values}}

	return r.exec.Do(ctx, "sheet append", func(ctx context.Context) error {
		_, err := r.svc.Spreadsheets.Values.Append(r.opts.SpreadsheetID, A1Range(r.opts.Worksheet), body).
			ValueInputOption("USER_ENTERED").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		return translate(err)
	})
}

func (r *Recorder) ensureWorksheet(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}

	var doc *sheets.Spreadsheet
	err := r.exec.Do(ctx, "sheet get", func(ctx context.Context) error {
		var err error
		doc, err = r.svc.Spreadsheets.Get(r.opts.SpreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
		return translate(err)
	})
	if code, ok := retry.StatusCode(err); ok && code == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %w", ErrSpreadsheetNotFound, r.opts.SpreadsheetID, err)
	}
	if err != nil {
		return fmt.Errorf("open spreadsheet: %w", err)
	}

	exists := false
	for _, s := range doc.Sheets {
		if s.Properties != nil && s.Properties.Title == r.opts.Worksheet {
			exists = true
			break
		}
	}

	writeHeader := true
	if exists {
		empty, err := r.firstRowEmpty(ctx)
		if err != nil {
			return err
		}
		writeHeader = empty
	} else if err := r.addWorksheet(ctx); err != nil {
		return err
	}

	if writeHeader {
		if err := r.appendRow(ctx, Header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	r.ready = true
	return nil
}

func (r *Recorder) addWorksheet(ctx context.Context) error {
	req := &sheets.BatchUpdateSpreadsheetRequest{Requests: []*sheets.Request{{
		AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{
			Title: r.opts.Worksheet,
			GridProperties: &sheets.GridProperties{
				RowCount:    worksheetRows,
				ColumnCount: worksheetColumns,
			},
		}},
	}}}
	err := r.exec.Do(ctx, "sheet add worksheet", func(ctx context.Context) error {
		_, err := r.svc.Spreadsheets.BatchUpdate(r.opts.SpreadsheetID, req).Context(ctx).Do()
		return translate(err)
	})
	if err != nil {
		return fmt.Errorf("create worksheet %s: %w", r.opts.Worksheet, err)
	}
	if r.logger != nil {
		r.logger.Info("worksheet created", "worksheet", r.opts.Worksheet)
	}
	return nil
}

// firstRowEmpty reports whether the worksheet has no header row yet, which is
// also the state left behind when creating it succeeded but the header write
// did not.
func (r *Recorder) firstRowEmpty(ctx context.Context) (bool, error) {
	var vr *sheets.ValueRange
	err := r.exec.Do(ctx, "sheet read header", func(ctx context.Context) error {
		var err error
		vr, err = r.svc.Spreadsheets.Values.Get(r.opts.SpreadsheetID, A1Range(r.opts.Worksheet)+"!1:1").Context(ctx).Do()
		return translate(err)
	})
	if err != nil {
		return false, fmt.Errorf("read header: %w", err)
	}
	return len(vr.Values) == 0, nil
}

// A1Range addresses a whole worksheet, quoting the title.
func A1Range(worksheet string) string {
	return "'" + strings.ReplaceAll(worksheet, "'", "''") + "'"
}

func translate(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &retry.StatusError{Code: gerr.Code, Err: err}
	}
	return err
}
