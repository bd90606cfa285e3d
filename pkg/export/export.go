package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/proxy"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// Format is an export file format
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrTooManyBins is returned when the render data exceeds the export limit
var ErrTooManyBins = fmt.Errorf("export too large (max %d bins)", config.MaxExportBins)

// ParseFormat parses a format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("invalid format %q: must be json, csv or xlsx", s)
}

// ContentType returns the MIME type of f
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// Options describes what was rendered
type Options struct {
	Field          string
	TargetBucketMs int64
	Range          tile.Interval
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt     time.Time     `json:"exported_at"`
	Field          string        `json:"field"`
	TargetBucketMs int64         `json:"target_bucket_ms"`
	SourceBucketMs int64         `json:"source_bucket_ms"`
	Quality        proxy.Quality `json:"quality"`
	Coverage       float64       `json:"coverage"`
	IsStale        bool          `json:"is_stale"`
	Range          tile.Interval `json:"range"`
	BinCount       int           `json:"bin_count"`
	Version        string        `json:"version"`
}

// Document is the JSON export layout. Importer reads the same layout back.
type Document struct {
	Metadata Metadata   `json:"metadata"`
	Bins     []tile.Bin `json:"bins"`
}

// ExportResult contains stats about the export
type ExportResult struct {
	BinsExported int           `json:"bins_exported"`
	Quality      proxy.Quality `json:"quality"`
	Format       Format        `json:"format"`
	ExportedAt   time.Time     `json:"exported_at"`
}

// Exporter writes render data in one of the supported formats
type Exporter struct {
	now func() time.Time
}

// NewExporter creates a new exporter
func NewExporter() *Exporter {
	return &Exporter{now: time.Now}
}

// Export writes data to w in format f
func (e *Exporter) Export(w io.Writer, f Format, data proxy.Result, opts Options) (*ExportResult, error) {
	switch f {
	case FormatCSV:
		return e.ExportToCSV(w, data, opts)
	case FormatXLSX:
		return e.ExportToXLSX(w, data, opts)
	}
	return e.ExportToJSON(w, data, opts)
}

// ExportToJSON writes data as a JSON document with metadata
func (e *Exporter) ExportToJSON(w io.Writer, data proxy.Result, opts Options) (*ExportResult, error) {
	if err := checkSize(data); err != nil {
		return nil, err
	}

	doc := Document{
		Metadata: e.metadata(data, opts),
		Bins:     data.Data,
	}
	if doc.Bins == nil {
		doc.Bins = []tile.Bin{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return e.result(data, FormatJSON, doc.Metadata.ExportedAt), nil
}

// ExportToCSV writes one row per bin. Null values are empty cells.
func (e *Exporter) ExportToCSV(w io.Writer, data proxy.Result, opts Options) (*ExportResult, error) {
	if err := checkSize(data); err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)

	if err := writer.Write(columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, b := range data.Data {
		row := []string{
			strconv.FormatInt(b.T, 10),
			time.UnixMilli(b.T).UTC().Format(time.RFC3339),
			formatValue(b.Avg),
			formatValue(b.Min),
			formatValue(b.Max),
			strconv.FormatInt(b.Count, 10),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return e.result(data, FormatCSV, e.now()), nil
}

// ExportToXLSX writes a workbook with a bins sheet and a metadata sheet
func (e *Exporter) ExportToXLSX(w io.Writer, data proxy.Result, opts Options) (*ExportResult, error) {
	if err := checkSize(data); err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Bins"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})

	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, col)
		f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	for rowIdx, b := range data.Data {
		row := []interface{}{
			b.T,
			time.UnixMilli(b.T).UTC().Format("2006-01-02 15:04:05"),
			cellValue(b.Avg),
			cellValue(b.Min),
			cellValue(b.Max),
			b.Count,
		}
		cell, _ := excelize.CoordinatesToCellName(1, rowIdx+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", rowIdx, err)
		}
	}

	for i := range columns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, 18)
	}

	meta := e.metadata(data, opts)
	if err := writeMetadataSheet(f, meta); err != nil {
		return nil, err
	}

	if _, err := f.WriteTo(w); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}

	return e.result(data, FormatXLSX, meta.ExportedAt), nil
}

var columns = []string{"t", "time", "avg", "min", "max", "count"}

func writeMetadataSheet(f *excelize.File, meta Metadata) error {
	const sheet = "Metadata"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create metadata sheet: %w", err)
	}

	rows := [][]interface{}{
		{"field", meta.Field},
		{"target_bucket_ms", meta.TargetBucketMs},
		{"source_bucket_ms", meta.SourceBucketMs},
		{"quality", string(meta.Quality)},
		{"coverage", meta.Coverage},
		{"is_stale", meta.IsStale},
		{"from_ms", meta.Range.FromMs},
		{"to_ms", meta.Range.ToMs},
		{"exported_at", meta.ExportedAt.Format(time.RFC3339)},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
	}
	return nil
}

func (e *Exporter) metadata(data proxy.Result, opts Options) Metadata {
	return Metadata{
		ExportedAt:     e.now().UTC(),
		Field:          opts.Field,
		TargetBucketMs: opts.TargetBucketMs,
		SourceBucketMs: data.SourceBucketMs,
		Quality:        data.Quality,
		Coverage:       data.Coverage,
		IsStale:        data.IsStale,
		Range:          opts.Range,
		BinCount:       len(data.Data),
		Version:        "1.0",
	}
}

func (e *Exporter) result(data proxy.Result, f Format, at time.Time) *ExportResult {
	return &ExportResult{
		BinsExported: len(data.Data),
		Quality:      data.Quality,
		Format:       f,
		ExportedAt:   at,
	}
}

func checkSize(data proxy.Result) error {
	if len(data.Data) > config.MaxExportBins {
		return fmt.Errorf("%w: got %d", ErrTooManyBins, len(data.Data))
	}
	return nil
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func cellValue(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
