// Package leads reads recipient lists from uploaded CSV and XLSX files.
package leads

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
)

var (
	ErrMissingColumns    = errors.New("leads: required columns missing")
	ErrUnsupportedFormat = errors.New("leads: unsupported file format")
	ErrEmptyFile         = errors.New("leads: file has no header row")
)

// Columns are matched case-sensitively against the header row.
type Columns struct {
	Name  string
	Email string
}

func DefaultColumns() Columns { return Columns{Name: "name", Email: "email"} }

type Result struct {
	Leads []campaign.Lead
	// Dropped counts rows skipped for a blank name or email.
	Dropped int
}

// Parse picks the reader by file extension: .csv or .xlsx.
func Parse(r io.Reader, filename string, cols Columns) (Result, error) {
	var (
		rows [][]string
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".csv":
		rows, err = readCSV(r)
	case ".xlsx":
		rows, err = readXLSX(r)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return Result{}, err
	}

	res, err := FromRows(rows, cols)
	if err != nil {
		return Result{}, err
	}
	if res.Dropped > 0 {
		logx.L().Warnw("leads_rows_dropped", "file", filename, "dropped", res.Dropped, "kept", len(res.Leads))
	}
	return res, nil
}

// FromRows maps a header row plus data rows to leads, keeping input order.
func FromRows(rows [][]string, cols Columns) (Result, error) {
	if len(rows) == 0 {
		return Result{}, ErrEmptyFile
	}

	nameIdx, emailIdx := -1, -1
	for i, h := range rows[0] {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		switch h {
		case cols.Name:
			if nameIdx < 0 {
				nameIdx = i
			}
		case cols.Email:
			if emailIdx < 0 {
				emailIdx = i
			}
		}
	}
	var missing []string
	if nameIdx < 0 {
		missing = append(missing, cols.Name)
	}
	if emailIdx < 0 {
		missing = append(missing, cols.Email)
	}
	if len(missing) > 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	res := Result{Leads: make([]campaign.Lead, 0, len(rows)-1)}
	for _, row := range rows[1:] {
		name, email := cell(row, nameIdx), cell(row, emailIdx)
		if name == "" || email == "" {
			res.Dropped++
			continue
		}
		res.Leads = append(res.Leads, campaign.Lead{Name: name, Email: email})
	}
	return res, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("leads: read csv: %w", err)
	}
	return rows, nil
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("leads: open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("leads: read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}
