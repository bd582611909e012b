// Package importer implements the Structured Importer (C9): CSV and XLSX
// row-to-document mapping. CSV parsing uses the standard library's
// encoding/csv; XLSX parsing uses xuri/excelize/v2. A row that fails to map
// is reported alongside successfully-mapped rows rather than aborting the
// whole import.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Row is one successfully mapped spreadsheet/CSV row.
type Row struct {
	Index       int
	Title       string
	Content     string
	Author      string
	PublishedAt *time.Time
	Category    string
	SourceURL   string
	Tags        []string
}

// RowError reports a row that could not be mapped; Index is 1-based and
// counts header-excluded data rows.
type RowError struct {
	Index int
	Err   error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Index, e.Err)
}

// Result collects successes and per-row failures from one import.
type Result struct {
	Rows   []Row
	Errors []RowError
}

var requiredColumns = []string{"title", "content"}
var optionalColumns = []string{"author", "published_date", "category", "source_url", "tags"}

// ImportCSV streams r as CSV, mapping each data row per §4.9.
func ImportCSV(r io.Reader) (Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return Result{}, err
	}

	var result Result
	idx := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			idx++
			result.Errors = append(result.Errors, RowError{Index: idx, Err: err})
			continue
		}
		idx++
		row, err := mapRow(idx, cols, func(col string) string { return field(record, cols, col) })
		if err != nil {
			result.Errors = append(result.Errors, RowError{Index: idx, Err: err})
			continue
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// ImportXLSX reads the first sheet of an XLSX workbook, mapping each data
// row per §4.9.
func ImportXLSX(r io.Reader) (Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open XLSX: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Result{}, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Result{}, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return Result{}, fmt.Errorf("sheet %q has no rows", sheets[0])
	}

	cols, err := columnIndex(rows[0])
	if err != nil {
		return Result{}, err
	}

	var result Result
	for i, record := range rows[1:] {
		idx := i + 1
		row, err := mapRow(idx, cols, func(col string) string { return field(record, cols, col) })
		if err != nil {
			result.Errors = append(result.Errors, RowError{Index: idx, Err: err})
			continue
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range requiredColumns {
		if _, ok := cols[req]; !ok {
			return nil, fmt.Errorf("missing required column %q", req)
		}
	}
	return cols, nil
}

func field(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func mapRow(idx int, cols map[string]int, get func(string) string) (Row, error) {
	title := get("title")
	content := get("content")
	if title == "" || content == "" {
		return Row{}, fmt.Errorf("missing required title/content")
	}

	row := Row{
		Index:     idx,
		Title:     title,
		Content:   content,
		Author:    get("author"),
		Category:  get("category"),
		SourceURL: get("source_url"),
	}
	if tags := get("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				row.Tags = append(row.Tags, t)
			}
		}
	}
	if raw := get("published_date"); raw != "" {
		if t, ok := parseDate(raw); ok {
			row.PublishedAt = &t
		}
	}
	return row, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006/01/02",
}

// parseDate tries ISO-8601 and the two common fixed date layouts; an
// unparsable date is left null rather than rejecting the row.
func parseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
