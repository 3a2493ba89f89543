// Package export renders leads, emails, watches and collection items as terminal tables, CSV, XLSX or JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/xuri/excelize/v2"

	"brandwriter/jobwatch-service/internal/apiclient"
	"brandwriter/jobwatch-service/internal/watch"
)

// Format selects an output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
	FormatJSON  Format = "json"
)

// ParseFormat accepts table, csv, xlsx or json, case-insensitively. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatCSV, FormatXLSX, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, csv, xlsx or json)", s)
	}
}

// Table is a titled grid of cells.
type Table struct {
	Title  string
	Header []string
	Rows   [][]any
}

// ─── Builders ────────────────────────────────────────────────────────────────

// Leads tabulates the lead inbox.
func Leads(leads []apiclient.Lead) Table {
	t := Table{
		Title:  "Leads",
		Header: []string{"ID", "Name", "Role", "Company", "Bucket", "Score", "Badge", "Status", "LinkedIn"},
	}
	for _, l := range leads {
		t.Rows = append(t.Rows, []any{
			string(l.ID), l.Name, l.Role, l.Company, l.Bucket, optInt(l.LeadScore),
			string(l.Badge().Label), l.Status, l.LinkedInURL,
		})
	}
	return t
}

// Emails tabulates discovered email addresses.
func Emails(emails []apiclient.Email) Table {
	t := Table{
		Title:  "Emails",
		Header: []string{"ID", "Email", "Name", "Role", "Company", "Status", "Verification", "Quality", "Badge"},
	}
	for _, e := range emails {
		t.Rows = append(t.Rows, []any{
			e.ID, e.EmailAddress, e.PersonName, e.Role, e.Company, e.Status,
			e.VerificationStatus, optInt(e.QualityScore), string(e.Badge().Label),
		})
	}
	return t
}

// Watches tabulates watches with their latest job snapshot.
func Watches(ws []watch.Watch) Table {
	t := Table{
		Title:  "Watches",
		Header: []string{"ID", "Kind", "Job", "Status", "Progress", "Outcome", "Updated", "Error"},
	}
	for _, w := range ws {
		t.Rows = append(t.Rows, []any{
			w.ID, string(w.Kind), w.BackendJobID, string(w.Job.Status), fmt.Sprintf("%d%%", w.Job.Progress),
			string(w.Outcome), w.UpdatedAt.Format(time.RFC3339), w.Error,
		})
	}
	return t
}

// Items tabulates generic collection records. Columns are the union of the item keys,
// with id first and the rest sorted; nested values are written as compact JSON.
func Items(title string, items []apiclient.Item) Table {
	keys := map[string]struct{}{}
	for _, it := range items {
		for k := range it {
			keys[k] = struct{}{}
		}
	}
	_, hasID := keys["id"]
	delete(keys, "id")
	header := slices.Sorted(maps.Keys(keys))
	if hasID {
		header = append([]string{"id"}, header...)
	}

	t := Table{Title: title, Header: header}
	for _, it := range items {
		row := make([]any, len(header))
		for i, k := range header {
			switch v := it[k].(type) {
			case map[string]any, []any:
				b, _ := json.Marshal(v)
				row[i] = string(b)
			default:
				row[i] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func optInt(v *int) any {
	if v == nil {
		return ""
	}
	return *v
}

// ─── Writers ─────────────────────────────────────────────────────────────────

// Write encodes t in format f. JSON encodes v instead of the grid so records keep their
// full shape.
func Write(w io.Writer, f Format, t Table, v any) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, t)
	case FormatXLSX:
		return WriteXLSX(w, t)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return Render(w, t)
	}
}

// Render draws t as a terminal table.
func Render(w io.Writer, t Table) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	if t.Title != "" {
		tw.SetTitle(t.Title)
	}

	header := make(table.Row, 0, len(t.Header))
	for _, h := range t.Header {
		header = append(header, h)
	}
	tw.AppendHeader(header)
	for _, r := range t.Rows {
		tw.AppendRow(table.Row(r))
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d rows", len(t.Rows))})
	tw.Render()
	return nil
}

// WriteCSV writes t as RFC 4180 CSV with a header row.
func WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, r := range t.Rows {
		rec := make([]string, len(r))
		for j, c := range r {
			rec[j] = cellString(c)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes t as a single-sheet workbook named after its title, with a bold,
// frozen header row.
func WriteXLSX(w io.Writer, t Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := t.Title
	if sheet == "" {
		sheet = "Sheet1"
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]any, len(t.Header))
	for i, h := range t.Header {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, r := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := r
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if len(t.Header) > 0 {
		bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return fmt.Errorf("header style: %w", err)
		}
		last, err := excelize.CoordinatesToCellName(len(t.Header), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
			return fmt.Errorf("apply header style: %w", err)
		}
		if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
			return fmt.Errorf("freeze header: %w", err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func cellString(c any) string {
	switch v := c.(type) {
	case nil:
		return ""
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
