// Package export writes stored postings to JSON Lines or Excel workbooks.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kalambet/jobharvest/internal/posting"
)

// Format is an export file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatXLSX  Format = "xlsx"
)

// SheetName is the worksheet holding postings in XLSX exports.
const SheetName = "Postings"

// ParseFormat validates s.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSONL, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q (want jsonl or xlsx)", s)
}

// Write encodes postings to w in the given format.
func Write(w io.Writer, format Format, postings []posting.Posting) error {
	switch format {
	case FormatJSONL:
		return writeJSONL(w, postings)
	case FormatXLSX:
		return writeXLSX(w, postings)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func writeJSONL(w io.Writer, postings []posting.Posting) error {
	enc := json.NewEncoder(w)
	for i := range postings {
		if err := enc.Encode(postings[i]); err != nil {
			return fmt.Errorf("encoding posting %d: %w", postings[i].ID, err)
		}
	}
	return nil
}

var columns = []struct {
	header string
	width  float64
	value  func(p posting.Posting) any
}{
	{"ID", 8, func(p posting.Posting) any { return p.ID }},
	{"Source", 12, func(p posting.Posting) any { return p.Source }},
	{"Title", 40, func(p posting.Posting) any { return p.Title }},
	{"Company", 24, func(p posting.Posting) any { return p.Company }},
	{"Location", 16, func(p posting.Posting) any { return p.Location }},
	{"Salary", 16, func(p posting.Posting) any { return p.Salary }},
	{"Recommendation", 16, func(p posting.Posting) any {
		if p.Analysis == nil {
			return ""
		}
		return string(p.Analysis.Recommendation)
	}},
	{"Score", 8, func(p posting.Posting) any {
		if p.Analysis == nil {
			return ""
		}
		return p.Analysis.Score
	}},
	{"Summary", 60, func(p posting.Posting) any {
		if p.Analysis == nil {
			return ""
		}
		return p.Analysis.Summary
	}},
	{"Website", 28, func(p posting.Posting) any {
		if p.Research == nil {
			return ""
		}
		return p.Research.Website
	}},
	{"Key facts", 60, func(p posting.Posting) any {
		if p.Research == nil {
			return ""
		}
		return strings.Join(p.Research.KeyFacts, "\n")
	}},
	{"URL", 50, func(p posting.Posting) any { return p.URL }},
	{"Posted", 18, func(p posting.Posting) any { return formatTime(p.PostedAt) }},
	{"Scraped", 18, func(p posting.Posting) any { return formatTime(p.ScrapedAt) }},
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

func writeXLSX(w io.Writer, postings []posting.Posting) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c.header
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(SheetName, col, col, c.width); err != nil {
			return fmt.Errorf("setting column width: %w", err)
		}
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}
	last, err := excelize.ColumnNumberToName(len(columns))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetName, "A1", last+"1", bold); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freezing header: %w", err)
	}

	for r, p := range postings {
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = c.value(p)
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", r+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}
