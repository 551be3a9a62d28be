// Package export renders task forests as HTML, PDF and XLSX reports.
package export

import (
	"errors"
	"time"

	"tasktree/api/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(raw) {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatPDF, FormatXLSX:
		return Format(raw), nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	OwnerID   int64
	OwnerName string
	Title     string
	Format    Format
	Forest    []store.Task
}

// Result contains the export output. URL is set when the artifact was
// archived to object storage.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	URL      string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

const timeLayout = "2006-01-02 15:04"

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
