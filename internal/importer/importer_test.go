package importer

import (
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestImportCSV_MapsRequiredAndOptionalColumns(t *testing.T) {
	csv := "title,content,author,published_date,category,source_url,tags\n" +
		"First,Body one,Jane,2024-01-15,news,https://example.com/a,\"a, b\"\n"

	result, err := ImportCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ImportCSV returned error: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("expected no row errors, got %v", result.Errors)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
	row := result.Rows[0]
	if row.Title != "First" || row.Author != "Jane" || row.Category != "news" {
		t.Errorf("unexpected row: %+v", row)
	}
	if len(row.Tags) != 2 || row.Tags[0] != "a" || row.Tags[1] != "b" {
		t.Errorf("expected parsed tags, got %v", row.Tags)
	}
	if row.PublishedAt == nil {
		t.Error("expected published_date to parse")
	}
}

func TestImportCSV_MissingRequiredColumnFails(t *testing.T) {
	_, err := ImportCSV(strings.NewReader("title,author\nOnly title,Jane\n"))
	if err == nil {
		t.Fatal("expected an error for a missing required column")
	}
}

func TestImportCSV_RowMissingContentIsSkippedNotFatal(t *testing.T) {
	csv := "title,content\nGood,Has body\nBad,\n"
	result, err := ImportCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ImportCSV returned error: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 successful row, got %d", len(result.Rows))
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 row error, got %d", len(result.Errors))
	}
	if result.Errors[0].Index != 2 {
		t.Errorf("expected the failing row to be index 2, got %d", result.Errors[0].Index)
	}
}

func TestImportCSV_UnparsableDateLeavesPublishedAtNull(t *testing.T) {
	csv := "title,content,published_date\nA,B,not-a-date\n"
	result, err := ImportCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ImportCSV returned error: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
	if result.Rows[0].PublishedAt != nil {
		t.Error("expected unparsable date to leave PublishedAt nil")
	}
}

func TestImportXLSX_MapsRows(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	f.SetCellValue(sheet, "A1", "title")
	f.SetCellValue(sheet, "B1", "content")
	f.SetCellValue(sheet, "A2", "Spreadsheet Title")
	f.SetCellValue(sheet, "B2", "Spreadsheet body")

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}

	result, err := ImportXLSX(buf)
	if err != nil {
		t.Fatalf("ImportXLSX returned error: %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(result.Rows))
	}
	if result.Rows[0].Title != "Spreadsheet Title" {
		t.Errorf("unexpected title: %q", result.Rows[0].Title)
	}
}
