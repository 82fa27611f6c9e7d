package ingest

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/lox/pikasurvey/internal/config"
)

var ErrSheetNotFound = errors.New("sheet not found")

// Sheet holds the data rows of one worksheet after the layout's skip rows.
type Sheet struct {
	Name     string
	rows     [][]string
	skip     int
	missing  map[string]bool
	date1904 bool
}

// RowIssue records a cell that could not be used as-is.
type RowIssue struct {
	Sheet  string
	Row    int // spreadsheet row, 1-based
	Flag   string
	Detail string
}

func (i RowIssue) String() string {
	return fmt.Sprintf("%s row %d: %s (%s)", i.Sheet, i.Row, i.Flag, i.Detail)
}

// ReadSheet loads a worksheet from an .xlsx stream. Cell values are read raw
// so dates arrive as serial numbers and numbers without display formatting.
func ReadSheet(r io.Reader, layout config.SheetLayout) (*Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	idx, err := f.GetSheetIndex(layout.Sheet)
	if err != nil {
		return nil, fmt.Errorf("lookup sheet %q: %w", layout.Sheet, err)
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrSheetNotFound, layout.Sheet, f.GetSheetList())
	}

	rows, err := f.GetRows(layout.Sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", layout.Sheet, err)
	}

	s := &Sheet{
		Name:    layout.Sheet,
		skip:    layout.SkipRows,
		missing: make(map[string]bool, len(layout.Missing)),
	}
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil && *props.Date1904 {
		s.date1904 = true
	}
	for _, m := range layout.Missing {
		s.missing[strings.TrimSpace(m)] = true
	}
	if len(rows) > layout.SkipRows {
		s.rows = rows[layout.SkipRows:]
	}
	return s, nil
}

// Len returns the number of data rows.
func (s *Sheet) Len() int { return len(s.rows) }

// RowNumber converts a data row index to the spreadsheet's 1-based row.
func (s *Sheet) RowNumber(i int) int { return s.skip + i + 1 }

func (s *Sheet) cell(row, col int) string {
	if col < 0 || row >= len(s.rows) || col >= len(s.rows[row]) {
		return ""
	}
	return strings.TrimSpace(s.rows[row][col])
}

func (s *Sheet) isMissing(v string) bool {
	return v == "" || s.missing[v]
}

// Blank reports whether every cell of the row is empty or a missing token.
func (s *Sheet) Blank(row int) bool {
	for col := range s.rows[row] {
		if !s.isMissing(s.cell(row, col)) {
			return false
		}
	}
	return true
}

func (s *Sheet) Text(row, col int) sql.NullString {
	v := s.cell(row, col)
	if s.isMissing(v) {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// Float parses a numeric cell. Missing tokens yield a null value; anything
// else that does not parse is an error.
func (s *Sheet) Float(row, col int) (sql.NullFloat64, error) {
	v := s.cell(row, col)
	if s.isMissing(v) {
		return sql.NullFloat64{}, nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil {
		return sql.NullFloat64{}, fmt.Errorf("column %d: %q is not a number", col, v)
	}
	return sql.NullFloat64{Float64: f, Valid: true}, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006/01/02",
	"1/2/2006",
	"1/2/06",
}

// Date parses a date cell stored either as an Excel serial number or as text.
func (s *Sheet) Date(row, col int) (time.Time, error) {
	v := s.cell(row, col)
	if s.isMissing(v) {
		return time.Time{}, fmt.Errorf("column %d: missing date", col)
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		t, err := excelize.ExcelDateToTime(serial, s.date1904)
		if err != nil {
			return time.Time{}, fmt.Errorf("column %d: serial %v: %w", col, serial, err)
		}
		return truncateDay(t), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return truncateDay(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("column %d: %q is not a date", col, v)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
