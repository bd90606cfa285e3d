// Package export writes chart render data to files and loads exported files
// back into a bin source.
//
// # Supported Formats
//
// JSON Format:
//   - Metadata block: field, target and source bucket, quality, coverage, range
//   - Bins exactly as rendered, nulls preserved
//   - Can be re-imported
//
// CSV Format:
//   - One row per bin: t, time (RFC3339), avg, min, max, count
//   - Null values are empty cells
//   - Export-only
//
// XLSX Format:
//   - "Bins" sheet with the CSV columns and a styled header row
//   - "Metadata" sheet with the render quality and source resolution
//   - Can be re-imported (first sheet, header row required)
//
// # HTTP API
//
// Export endpoint: GET /v1/charts/{chart}/fields/{field}/export
// Query parameters:
//   - bucket: target bucket in ms
//   - from, to: range in epoch ms
//   - format: "json", "csv" or "xlsx" (default: json)
//
// Example:
//
//	curl "http://localhost:8080/v1/charts/main/fields/cpu/export?bucket=60000&from=0&to=3600000&format=xlsx" \
//	  -o cpu.xlsx
//
// Import endpoint: POST /v1/series/{field}/import
//
// The body is a JSON export (Content-Type: application/json) or a workbook
// (Content-Type: application/vnd.openxmlformats-officedocument.spreadsheetml.sheet).
// Bins without a value are reported in the response errors and skipped; the
// rest are written in batches of MaxImportBatchSize.
//
// Exported data is whatever the chart would render, so a degraded export
// carries bins at the source resolution named in its metadata.
package export
