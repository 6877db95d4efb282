package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"leaflet/api/internal/doctree"
	"leaflet/api/internal/export"
)

// ExportPage renders the latest published version of a page to the
// requested format. Unpublished pages have nothing to export.
func (s *Service) ExportPage(ctx context.Context, pageID string, format export.Format) (*export.Result, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	version, err := s.store.GetLatestVersion(ctx, pageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, validationError("page has no published version to export")
		}
		return nil, err
	}

	space, err := s.store.GetSpace(ctx, page.SpaceID)
	if err != nil {
		return nil, err
	}

	root, err := doctree.Parse(version.ContentJSON)
	if err != nil {
		return nil, fmt.Errorf("parse version content: %w", err)
	}

	exporter := export.NewService()
	result, err := exporter.Export(ctx, export.Page{
		Title:         version.Title,
		SpaceName:     space.Name,
		Author:        version.AuthorID,
		VersionNumber: version.VersionNumber,
		PublishedAt:   version.CreatedAt,
		Content:       root,
	}, format)
	if err != nil {
		if errors.Is(err, export.ErrUnsupportedFormat) {
			return nil, validationError("format must be pdf or html")
		}
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, codeExportUnavailable, "PDF export is not available on this host", nil)
		}
		return nil, err
	}
	return result, nil
}
