package export

import (
	"context"
	"fmt"
	"html/template"
	"regexp"
	"strings"
)

type renderFunc func(ctx context.Context, html string) ([]byte, error)

// Service renders documents to files. PDF and DOCX shell out to Chrome and
// pandoc; both are replaceable in tests.
type Service struct {
	pdf  renderFunc
	docx renderFunc
}

func NewService() *Service {
	return &Service{pdf: renderPDF, docx: renderDOCX}
}

// Export renders doc in the requested format. JSON returns the raw editor
// document and CSV is not available for documents.
func (s *Service) Export(ctx context.Context, doc Document, format Format) (*Result, error) {
	tree, err := ParseDocument(doc.Content)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatMarkdown:
		return &Result{
			Data:     []byte(ToMarkdown(doc.Title, tree)),
			Filename: Filename(doc.Title, "md"),
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	case FormatJSON:
		data, err := ToJSON(tree)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: Filename(doc.Title, "json"), MimeType: "application/json"}, nil
	case FormatHTML, FormatPDF, FormatDOCX:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	page, err := RenderDocumentHTML(TemplateData{
		Title:       doc.Title,
		ProjectName: doc.ProjectName,
		Author:      doc.UpdatedBy,
		UpdatedAt:   doc.UpdatedAt,
		ContentHTML: template.HTML(ToHTML(tree)),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatPDF:
		data, err := s.pdf(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: Filename(doc.Title, "pdf"), MimeType: "application/pdf"}, nil
	case FormatDOCX:
		data, err := s.docx(ctx, page)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: Filename(doc.Title, "docx"),
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	default:
		return &Result{Data: []byte(page), Filename: Filename(doc.Title, "html"), MimeType: "text/html; charset=utf-8"}, nil
	}
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	unsafeName    = regexp.MustCompile(`[^a-z0-9._-]+`)
)

const maxFilenameLength = 80

// Filename lowercases title, turns whitespace runs into "-" and drops
// anything that is not safe in a Content-Disposition header.
func Filename(title, ext string) string {
	name := whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), "-")
	name = unsafeName.ReplaceAllString(name, "")
	if len(name) > maxFilenameLength {
		name = name[:maxFilenameLength]
	}
	name = strings.Trim(name, "-.")
	if name == "" {
		name = "document"
	}
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	return name
}
