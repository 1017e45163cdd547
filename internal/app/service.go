// Package app wires the session engine, archive, audit search, notification,
// and export services behind the HTTP control surface.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"coedit/internal/archive"
	"coedit/internal/artifact"
	"coedit/internal/audit"
	"coedit/internal/auth"
	"coedit/internal/engine"
	"coedit/internal/export"
	"coedit/internal/notify"
	"coedit/internal/rbac"
)

// Session is the authenticated caller identity attached to a request.
type Session struct {
	UserID   string
	UserName string
	Role     string
}

// archiveStore is the slice of the archive the service depends on.
type archiveStore interface {
	ArchiveSession(ctx context.Context, session archive.Session, edits []archive.Edit) error
	UpdateMergeOutcome(ctx context.Context, sessionID, status string, success bool, mergeError string, appliedAt time.Time) error
	GetSession(ctx context.Context, sessionID string) (archive.Session, error)
	ListSessions(ctx context.Context, artifactRef, status string, limit int) ([]archive.Session, error)
	ListEdits(ctx context.Context, sessionID string) ([]archive.Edit, error)
	SummaryCounts(ctx context.Context) (total int, completed int, failedMerges int, err error)
	Ping(ctx context.Context) error
}

type Service struct {
	engine    *engine.Engine
	store     archiveStore
	artifacts artifact.Store
	search    *audit.Service
	notifier  *notify.Service
	exporter  *export.Service

	tokenSecret []byte
	accessTTL   time.Duration
	notifyTo    []string
}

// NewService assembles the application service. search, notifier, and
// notifyTo may be zero values when those subsystems are not configured; the
// exporter is created here over the archive store.
func NewService(eng *engine.Engine, store archiveStore, artifacts artifact.Store, search *audit.Service, notifier *notify.Service, tokenSecret string, accessTTL time.Duration, notifyTo string) *Service {
	s := &Service{
		engine:      eng,
		store:       store,
		artifacts:   artifacts,
		search:      search,
		notifier:    notifier,
		exporter:    export.NewService(&exportStore{store: store}),
		tokenSecret: []byte(tokenSecret),
		accessTTL:   accessTTL,
	}
	for _, addr := range strings.Split(notifyTo, ",") {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			s.notifyTo = append(s.notifyTo, trimmed)
		}
	}
	eng.OnEnded(s.handleSessionEnded)
	return s
}

// Login exchanges a display name for a bearer token. Identity lives in the
// surrounding directory; this endpoint only mints a signed claim for it.
func (s *Service) Login(ctx context.Context, name string) (Session, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, "", fmt.Errorf("name is required")
	}

	userID := "u_" + slugify(name)
	token, err := auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:  userID,
		Name: name,
		Role: string(rbac.RoleEditor),
		Exp:  time.Now().Add(s.accessTTL).Unix(),
	})
	if err != nil {
		return Session{}, "", fmt.Errorf("issue token: %w", err)
	}

	return Session{UserID: userID, UserName: name, Role: string(rbac.RoleEditor)}, token, nil
}

// SessionFromToken validates a bearer token and returns the caller identity.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name, Role: claims.Role}, nil
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '.', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

// ReadArtifact returns the current durable content of an artifact.
func (s *Service) ReadArtifact(ctx context.Context, ref string) (string, error) {
	return s.artifacts.Read(ctx, ref)
}

// WriteArtifact creates or replaces an artifact's durable content outside any
// session. This is how new artifacts come into existence.
func (s *Service) WriteArtifact(ctx context.Context, ref, content string) error {
	return s.artifacts.Write(ctx, ref, content)
}

// Engine operations, delegated with the caller identity attached.

func (s *Service) StartSession(ctx context.Context, caller Session, in engine.StartInput) (engine.SessionSnapshot, error) {
	return s.engine.Start(ctx, caller.UserID, caller.UserName, in)
}

func (s *Service) JoinSession(ctx context.Context, caller Session, sessionID, role string) (engine.WorkspaceView, error) {
	return s.engine.Join(ctx, sessionID, caller.UserID, caller.UserName, role)
}

func (s *Service) LeaveSession(ctx context.Context, caller Session, sessionID string) error {
	return s.engine.Leave(ctx, sessionID, caller.UserID)
}

func (s *Service) SessionStatus(sessionID string) (engine.SessionSnapshot, error) {
	return s.engine.Status(sessionID)
}

func (s *Service) ListSessions() []engine.SessionSnapshot {
	return s.engine.List()
}

func (s *Service) SubmitEdit(ctx context.Context, caller Session, sessionID string, in engine.EditInput) (engine.Edit, error) {
	return s.engine.SubmitEdit(ctx, sessionID, caller.UserID, in)
}

func (s *Service) DrainEdits(caller Session, sessionID string, sinceVersion int64) ([]engine.Edit, error) {
	return s.engine.Drain(sessionID, caller.UserID, sinceVersion)
}

func (s *Service) PendingEdits(caller Session, sessionID string) ([]engine.Edit, error) {
	return s.engine.PendingEdits(sessionID, caller.UserID)
}

func (s *Service) ApproveEdit(ctx context.Context, caller Session, sessionID, editID string) (engine.Edit, error) {
	return s.engine.Approve(ctx, sessionID, caller.UserID, editID)
}

func (s *Service) AcquireTurn(ctx context.Context, caller Session, sessionID string) (engine.TurnRecord, error) {
	return s.engine.AcquireTurn(ctx, sessionID, caller.UserID)
}

func (s *Service) ReleaseTurn(ctx context.Context, caller Session, sessionID string) error {
	return s.engine.ReleaseTurn(ctx, sessionID, caller.UserID)
}

func (s *Service) EndSession(ctx context.Context, caller Session, sessionID, mergeStrategy string) (engine.EndResult, error) {
	return s.engine.End(ctx, sessionID, caller.UserID, mergeStrategy)
}

// RetryFinalize re-attempts a failed merge and records the outcome against
// the already archived session.
func (s *Service) RetryFinalize(ctx context.Context, caller Session, sessionID string) (engine.MergeResult, error) {
	merge, err := s.engine.RetryFinalize(ctx, sessionID, caller.UserID)
	if err != nil {
		return merge, err
	}
	if s.store != nil {
		if dbErr := s.store.UpdateMergeOutcome(ctx, sessionID, string(engine.StatusCompleted), merge.Success, merge.Error, merge.AppliedAt); dbErr != nil {
			log.Printf("app: update merge outcome for %s: %v", sessionID, dbErr)
		}
	}
	return merge, nil
}

// handleSessionEnded archives the ended session, pushes it to the audit
// index, and sends the summary email. Invoked by the engine after finalize.
func (s *Service) handleSessionEnded(result engine.EndResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, edits := toArchive(result)
	if s.store != nil {
		if err := s.store.ArchiveSession(ctx, session, edits); err != nil {
			log.Printf("app: archive session %s: %v", session.ID, err)
		}
	}

	if s.search != nil {
		s.search.IndexArchivedSession(toAuditSession(session), toAuditEdits(session, edits))
	}

	if s.notifier != nil && s.notifier.IsConfigured() && len(s.notifyTo) > 0 {
		go s.sendSummary(session, len(edits))
	}
}

func (s *Service) sendSummary(session archive.Session, editCount int) {
	participants := make([]string, 0, len(session.Participants))
	for _, p := range session.Participants {
		participants = append(participants, fmt.Sprintf("%s (%s)", p.Name, p.Role))
	}
	mergeOutcome := "skipped"
	if session.Status == string(engine.StatusCancelled) {
		mergeOutcome = "discarded"
	} else if session.MergeSuccess {
		mergeOutcome = "merged"
	} else if session.MergeError != "" {
		mergeOutcome = "failed: " + session.MergeError
	}

	err := s.notifier.SendSessionEnded(s.notifyTo, notify.SessionEndedData{
		SessionID:    session.ID,
		ArtifactRef:  session.ArtifactRef,
		Mode:         session.Mode,
		Status:       session.Status,
		EndCause:     session.EndCause,
		EditCount:    editCount,
		Participants: participants,
		MergeOutcome: mergeOutcome,
	})
	if err != nil {
		log.Printf("app: session summary email for %s: %v", session.ID, err)
	}
}

// Archive reads.

func (s *Service) GetArchivedSession(ctx context.Context, sessionID string) (map[string]any, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	edits, err := s.store.ListEdits(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	editViews := make([]map[string]any, 0, len(edits))
	for _, edit := range edits {
		editViews = append(editViews, archivedEditView(edit))
	}
	view := archivedSessionView(session)
	view["edits"] = editViews
	return view, nil
}

func (s *Service) ListArchivedSessions(ctx context.Context, artifactRef, status string, limit int) ([]map[string]any, error) {
	sessions, err := s.store.ListSessions(ctx, artifactRef, status, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, archivedSessionView(session))
	}
	return views, nil
}

func archivedSessionView(session archive.Session) map[string]any {
	view := map[string]any{
		"id":           session.ID,
		"artifactRef":  session.ArtifactRef,
		"mode":         session.Mode,
		"status":       session.Status,
		"endCause":     session.EndCause,
		"ownerId":      session.OwnerID,
		"createdAt":    session.CreatedAt,
		"endedAt":      session.EndedAt,
		"finalVersion": session.FinalVersion,
		"finalContent": session.FinalContent,
		"participants": session.Participants,
		"editCount":    session.EditCount,
		"merge": map[string]any{
			"success":   session.MergeSuccess,
			"error":     session.MergeError,
			"appliedAt": session.MergeAppliedAt,
		},
	}
	return view
}

func archivedEditView(edit archive.Edit) map[string]any {
	return map[string]any{
		"id":               edit.ID,
		"seq":              edit.Seq,
		"authorId":         edit.AuthorID,
		"timestamp":        edit.Timestamp,
		"type":             edit.Type,
		"payloadKind":      edit.PayloadKind,
		"content":          edit.Content,
		"basisVersion":     edit.BasisVersion,
		"resultingVersion": edit.ResultingVersion,
		"approved":         edit.Approved,
		"approvedBy":       edit.ApprovedBy,
	}
}

func (s *Service) ArchiveSummary(ctx context.Context) (map[string]any, error) {
	total, completed, failedMerges, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"total":        total,
		"completed":    completed,
		"failedMerges": failedMerges,
	}, nil
}

// AuditSearch runs a full-text query over the archive.
func (s *Service) AuditSearch(q audit.Query) audit.Response {
	if s.search == nil {
		return audit.Response{Results: []audit.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// ExportTranscript renders an archived session as PDF or DOCX.
func (s *Service) ExportTranscript(ctx context.Context, req export.Request) (*export.Result, error) {
	return s.exporter.Export(ctx, req)
}

// Ping verifies the archive database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("archive store not configured")
	}
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Role(role), action)
}

// toArchive flattens an engine end result into archive rows.
func toArchive(result engine.EndResult) (archive.Session, []archive.Edit) {
	snapshot := result.Snapshot

	session := archive.Session{
		ID:           snapshot.ID,
		ArtifactRef:  snapshot.ArtifactRef,
		Mode:         string(snapshot.Mode),
		Status:       string(snapshot.Status),
		EndCause:     snapshot.EndCause,
		CreatedAt:    snapshot.CreatedAt,
		EndedAt:      snapshot.EndedAt,
		FinalVersion: snapshot.Version,
		FinalContent: snapshot.Content,
	}
	for _, p := range snapshot.Roster {
		if p.Role == "owner" {
			session.OwnerID = p.ID
		}
		session.Participants = append(session.Participants, archive.Participant{
			ID:     p.ID,
			Name:   p.Name,
			Role:   string(p.Role),
			Status: string(p.Status),
		})
	}
	if result.Merge.AppliedAt.IsZero() {
		session.MergeSuccess = false
	} else {
		session.MergeSuccess = result.Merge.Success
		session.MergeError = result.Merge.Error
		appliedAt := result.Merge.AppliedAt
		session.MergeAppliedAt = &appliedAt
	}

	edits := make([]archive.Edit, 0, len(result.Edits))
	for i, edit := range result.Edits {
		edits = append(edits, archive.Edit{
			ID:               edit.ID,
			SessionID:        edit.SessionID,
			Seq:              i + 1,
			AuthorID:         edit.AuthorID,
			Timestamp:        edit.Timestamp,
			Type:             string(edit.Type),
			PayloadKind:      string(edit.Payload.Kind),
			Content:          payloadText(edit.Payload),
			BasisVersion:     edit.BasisVersion,
			ResultingVersion: edit.ResultingVersion,
			Approved:         edit.Approved,
			ApprovedBy:       edit.ApprovedBy,
		})
	}
	return session, edits
}

func payloadText(p engine.Payload) string {
	switch p.Kind {
	case engine.PayloadFullSnapshot:
		return p.Content
	case engine.PayloadStructuredDiff:
		var lines []string
		for _, span := range p.Spans {
			lines = append(lines, span.Lines...)
		}
		return strings.Join(lines, "\n")
	default:
		return ""
	}
}

func toAuditSession(session archive.Session) audit.SessionRecord {
	return audit.SessionRecord{
		ID:           session.ID,
		ArtifactRef:  session.ArtifactRef,
		Mode:         session.Mode,
		Status:       session.Status,
		OwnerID:      session.OwnerID,
		FinalContent: session.FinalContent,
	}
}

func toAuditEdits(session archive.Session, edits []archive.Edit) []audit.EditRecord {
	records := make([]audit.EditRecord, 0, len(edits))
	for _, edit := range edits {
		records = append(records, audit.EditRecord{
			ID:               edit.ID,
			SessionID:        edit.SessionID,
			ArtifactRef:      session.ArtifactRef,
			AuthorID:         edit.AuthorID,
			Type:             edit.Type,
			Content:          edit.Content,
			ResultingVersion: edit.ResultingVersion,
		})
	}
	return records
}

// exportStore adapts the archive store to the export DataStore interface.
type exportStore struct {
	store archiveStore
}

func (e *exportStore) GetSessionInfo(ctx context.Context, sessionID string) (export.SessionInfo, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return export.SessionInfo{}, err
	}
	participants := make([]string, 0, len(session.Participants))
	for _, p := range session.Participants {
		participants = append(participants, fmt.Sprintf("%s (%s)", p.Name, p.Role))
	}
	return export.SessionInfo{
		ID:           session.ID,
		ArtifactRef:  session.ArtifactRef,
		Mode:         session.Mode,
		Status:       session.Status,
		EndCause:     session.EndCause,
		OwnerID:      session.OwnerID,
		CreatedAt:    session.CreatedAt,
		EndedAt:      session.EndedAt,
		FinalVersion: session.FinalVersion,
		FinalContent: session.FinalContent,
		Participants: participants,
	}, nil
}

func (e *exportStore) ListSessionEdits(ctx context.Context, sessionID string) ([]export.EditInfo, error) {
	edits, err := e.store.ListEdits(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items := make([]export.EditInfo, 0, len(edits))
	for _, edit := range edits {
		items = append(items, export.EditInfo{
			Seq:              edit.Seq,
			AuthorID:         edit.AuthorID,
			Timestamp:        edit.Timestamp,
			Type:             edit.Type,
			PayloadKind:      edit.PayloadKind,
			Content:          edit.Content,
			ResultingVersion: edit.ResultingVersion,
			Approved:         edit.Approved,
			ApprovedBy:       edit.ApprovedBy,
		})
	}
	return items, nil
}
