package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"leaflet/api/internal/doctree"
)

// Page holds the published content and metadata to export.
type Page struct {
	Title         string
	SpaceName     string
	Author        string
	VersionNumber int
	PublishedAt   time.Time
	Content       doctree.Node
}

// Service renders page versions to exportable documents.
type Service struct{}

// NewService creates a new export service
func NewService() *Service {
	return &Service{}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, page Page, format Format) (*Result, error) {
	contentHTML := RenderContentHTML(page.Content)

	html, err := RenderPageHTML(TemplateData{
		Title:         page.Title,
		SpaceName:     page.SpaceName,
		Author:        page.Author,
		VersionNumber: page.VersionNumber,
		PublishedAt:   page.PublishedAt,
		ContentHTML:   template.HTML(contentHTML),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(page.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, page.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
