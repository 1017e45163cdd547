package export

import (
	"context"
	"fmt"
)

// DataStore defines the interface for archive access
type DataStore interface {
	GetSessionInfo(ctx context.Context, sessionID string) (SessionInfo, error)
	ListSessionEdits(ctx context.Context, sessionID string) ([]EditInfo, error)
}

// Service provides session transcript export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates a transcript export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	session, err := s.store.GetSessionInfo(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}

	data := TemplateData{
		SessionID:    session.ID,
		ArtifactRef:  session.ArtifactRef,
		Mode:         session.Mode,
		Status:       session.Status,
		EndCause:     session.EndCause,
		OwnerID:      session.OwnerID,
		CreatedAt:    session.CreatedAt,
		EndedAt:      session.EndedAt,
		FinalVersion: session.FinalVersion,
		ContentHTML:  ContentToHTML(session.FinalContent),
		Participants: session.Participants,
		Entries:      []TemplateEntry{},
	}

	if req.IncludeLog {
		edits, err := s.store.ListSessionEdits(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("list session edits: %w", err)
		}
		for _, edit := range edits {
			data.Entries = append(data.Entries, TemplateEntry{
				Seq:              edit.Seq,
				AuthorID:         edit.AuthorID,
				Timestamp:        edit.Timestamp,
				Type:             edit.Type,
				PayloadKind:      edit.PayloadKind,
				Summary:          summarizeEdit(edit),
				ResultingVersion: edit.ResultingVersion,
				ApprovedBy:       edit.ApprovedBy,
			})
		}
	}

	html, err := RenderTranscriptHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: session.ID + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, session.ID)
	case FormatDOCX:
		return exportDOCX(html, session.ID)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
