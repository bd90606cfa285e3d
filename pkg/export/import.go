package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// MaxImportBatchSize is the maximum number of bins written at once
const MaxImportBatchSize = config.MaxBinsPerRequest

// ErrWriteFailed wraps source errors hit while importing
var ErrWriteFailed = errors.New("failed to write batch")

// Importer loads exported files back into a bin source
type Importer struct {
	source source.Source
}

// NewImporter creates a new importer
func NewImporter(src source.Source) *Importer {
	return &Importer{source: src}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	Field          string    `json:"field"`
	BinsImported   int       `json:"bins_imported"`
	BatchesWritten int       `json:"batches_written"`
	FromMs         int64     `json:"from_ms,omitempty"`
	ToMs           int64     `json:"to_ms,omitempty"`
	ImportedAt     time.Time `json:"imported_at"`
	Errors         []string  `json:"errors,omitempty"`
}

// ImportFromJSON imports a JSON export into field. An empty field uses the
// field recorded in the export metadata.
func (im *Importer) ImportFromJSON(ctx context.Context, field string, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if field == "" {
		field = doc.Metadata.Field
	}

	var validationErrors []string
	valid := make([]tile.Bin, 0, len(doc.Bins))
	for i, b := range doc.Bins {
		if err := validateImportedBin(b); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("bin %d: %v", i, err))
			continue
		}
		valid = append(valid, b)
	}

	return im.write(ctx, field, valid, validationErrors)
}

// ImportFromXLSX imports the first sheet of a workbook into field. The sheet
// needs a header row naming at least the t and avg columns.
func (im *Importer) ImportFromXLSX(ctx context.Context, field string, r io.Reader) (*ImportResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in workbook")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("workbook is empty")
	}

	index := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := index["t"]; !ok {
		return nil, fmt.Errorf("missing %q column", "t")
	}
	if _, ok := index["avg"]; !ok {
		return nil, fmt.Errorf("missing %q column", "avg")
	}

	var validationErrors []string
	valid := make([]tile.Bin, 0, len(rows)-1)
	for i, row := range rows[1:] {
		b, err := parseRow(row, index)
		if err == nil {
			err = validateImportedBin(b)
		}
		if err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("row %d: %v", i+2, err))
			continue
		}
		valid = append(valid, b)
	}

	return im.write(ctx, field, valid, validationErrors)
}

func (im *Importer) write(ctx context.Context, field string, bins []tile.Bin, validationErrors []string) (*ImportResult, error) {
	if err := source.ValidateField(field); err != nil {
		return nil, err
	}

	result := &ImportResult{
		Field:      field,
		ImportedAt: time.Now(),
		Errors:     validationErrors,
	}
	if len(bins) == 0 {
		return result, nil
	}

	// Write bins in batches to stay under the per-request limit
	for i := 0; i < len(bins); i += MaxImportBatchSize {
		end := i + MaxImportBatchSize
		if end > len(bins) {
			end = len(bins)
		}

		if err := im.source.Write(ctx, field, bins[i:end]); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrWriteFailed, result.BatchesWritten, err)
		}
		result.BatchesWritten++
	}

	result.BinsImported = len(bins)
	result.FromMs, result.ToMs = bins[0].T, bins[0].T
	for _, b := range bins {
		if b.T < result.FromMs {
			result.FromMs = b.T
		}
		if b.T > result.ToMs {
			result.ToMs = b.T
		}
	}

	return result, nil
}

func parseRow(row []string, index map[string]int) (tile.Bin, error) {
	cell := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var b tile.Bin
	t, err := strconv.ParseInt(cell("t"), 10, 64)
	if err != nil {
		return b, fmt.Errorf("invalid timestamp %q", cell("t"))
	}
	b.T = t

	for name, dst := range map[string]**float64{"avg": &b.Avg, "min": &b.Min, "max": &b.Max} {
		raw := cell(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return b, fmt.Errorf("invalid %s %q", name, raw)
		}
		*dst = tile.Float(v)
	}

	if raw := cell("count"); raw != "" {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return b, fmt.Errorf("invalid count %q", raw)
		}
		b.Count = count
	}
	return b, nil
}

// validateImportedBin validates a bin before import
func validateImportedBin(b tile.Bin) error {
	if b.Avg == nil {
		return fmt.Errorf("bin at %d has no value", b.T)
	}
	if b.Count < 0 {
		return fmt.Errorf("bin at %d has negative count", b.T)
	}
	if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
		return fmt.Errorf("bin at %d has min above max", b.T)
	}
	return nil
}
