// Package export renders project documents and data sets to downloadable
// files: Markdown, HTML, PDF, DOCX, JSON and CSV.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
)

// ParseFormat accepts the canonical names plus "md".
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	case FormatHTML, FormatPDF, FormatDOCX, FormatJSON, FormatCSV:
		return Format(value), nil
	}
	return "", ErrUnsupportedFormat
}

// Document is a GDD page ready for rendering.
type Document struct {
	Title       string
	ProjectName string
	Content     []byte // Tiptap JSON
	UpdatedBy   string
	UpdatedAt   time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrInvalidContent indicates the stored document is not valid Tiptap JSON.
	ErrInvalidContent = errors.New("export content is not a valid document")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
