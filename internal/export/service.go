package export

import (
	"context"
	"fmt"
	"time"

	"tasktree/api/internal/logger"
	"tasktree/api/internal/tasktree"
)

// Service provides task report export
type Service struct {
	archive Archiver
	now     func() time.Time
}

// NewService creates a new export service. archive may be nil.
func NewService(archive Archiver) *Service {
	return &Service{archive: archive, now: time.Now}
}

// Export renders req.Forest in the requested format and, when an archive is
// configured, uploads the artifact. Archive failures are logged and the
// rendered result is still returned.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	title := req.Title
	if title == "" {
		title = "Tasks"
	}

	var (
		res *Result
		err error
	)
	switch req.Format {
	case FormatHTML, "":
		res, err = s.exportHTML(req, title)
	case FormatPDF:
		var html string
		html, err = s.renderHTML(req, title)
		if err == nil {
			res, err = exportPDF(ctx, html, title)
		}
	case FormatXLSX:
		res, err = exportXLSX(req.Forest, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if err != nil {
		return nil, err
	}

	if s.archive != nil {
		link, err := s.archive.Store(ctx, req.OwnerID, res)
		if err != nil {
			logger.WithContext(ctx).Warn("export: archive failed", "owner_id", req.OwnerID, "error", err)
		} else {
			res.URL = link
		}
	}
	return res, nil
}

func (s *Service) renderHTML(req Request, title string) (string, error) {
	flat := tasktree.Flatten(req.Forest)
	done := 0
	for _, task := range flat {
		if task.Done() {
			done++
		}
	}
	html, err := RenderReportHTML(TemplateData{
		Title:       title,
		Owner:       req.OwnerName,
		GeneratedAt: s.now().UTC().Format(timeLayout),
		Total:       len(flat),
		Done:        done,
		Nodes:       templateNodes(req.Forest),
	})
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return html, nil
}

func (s *Service) exportHTML(req Request, title string) (*Result, error) {
	html, err := s.renderHTML(req, title)
	if err != nil {
		return nil, err
	}
	return &Result{
		Data:     []byte(html),
		Filename: sanitizeFilename(title) + ".html",
		MimeType: "text/html; charset=utf-8",
	}, nil
}
