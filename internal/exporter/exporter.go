// Package exporter renders license and audit reports as xlsx workbooks
// or CSV for the admin export endpoint and the CLI.
package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"dlnkd/internal/store"
)

// Format selects the report encoding.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a query value to a format, defaulting to CSV.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "csv":
		return FormatCSV, nil
	case "xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

const timeFormat = "2006-01-02 15:04:05"

var licenseHeader = []string{
	"key", "type", "status", "owner", "email", "created_at", "expires_at", "features",
}

func licenseRow(rec store.LicenseRecord) []string {
	return []string{
		rec.Key,
		string(rec.Type),
		string(rec.Status),
		rec.Owner,
		rec.Email,
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.ExpiresAt.UTC().Format(timeFormat),
		strings.Join(rec.Features, " "),
	}
}

// Licenses writes a license report in the chosen format.
func Licenses(w io.Writer, f Format, recs []store.LicenseRecord) error {
	rows := make([][]string, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, licenseRow(rec))
	}
	return writeReport(w, f, "Licenses", licenseHeader, rows)
}

var auditHeader = []string{
	"id", "timestamp", "actor", "action", "target", "ip", "success", "details",
}

func auditRow(ev store.AuditEvent) []string {
	return []string{
		strconv.FormatInt(ev.ID, 10),
		ev.Timestamp.UTC().Format(timeFormat),
		ev.Actor,
		ev.Action,
		ev.Target,
		ev.IP,
		strconv.FormatBool(ev.Success),
		ev.Details,
	}
}

// Audit writes an audit report in the chosen format.
func Audit(w io.Writer, f Format, events []store.AuditEvent) error {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, auditRow(ev))
	}
	return writeReport(w, f, "Audit", auditHeader, rows)
}

func writeReport(w io.Writer, f Format, sheet string, header []string, rows [][]string) error {
	if f == FormatXLSX {
		return writeXLSX(w, sheet, header, rows)
	}
	return writeCSV(w, header, rows)
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, sheet string, header []string, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	for col, name := range header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell, cell, bold); err != nil {
			return err
		}
	}
	for i, row := range rows {
		for col, val := range row {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, val); err != nil {
				return err
			}
		}
	}
	return f.Write(w)
}

// Filename suggests a download name carrying the report date.
func Filename(report string, f Format, now time.Time) string {
	return fmt.Sprintf("%s-%s.%s", report, now.UTC().Format("2006-01-02"), f)
}
