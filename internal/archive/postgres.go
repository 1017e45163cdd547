package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("archived session not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ArchiveSession writes a session and its full edit log in one transaction,
// so a crash mid-archive never leaves edits without their session row.
// Re-archiving the same session is a no-op.
func (s *PostgresStore) ArchiveSession(ctx context.Context, session Session, edits []Edit) error {
	participants := session.Participants
	if participants == nil {
		participants = []Participant{}
	}
	encodedParticipants, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO archived_sessions
			(id, artifact_ref, mode, status, end_cause, owner_id, created_at, ended_at,
			 final_version, final_content, merge_success, merge_error, merge_applied_at, participants)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, session.ID, session.ArtifactRef, session.Mode, session.Status, session.EndCause,
		session.OwnerID, session.CreatedAt, session.EndedAt, session.FinalVersion,
		session.FinalContent, session.MergeSuccess, nullable(session.MergeError),
		session.MergeAppliedAt, string(encodedParticipants))
	if err != nil {
		return fmt.Errorf("insert archived session: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil
	}

	for _, edit := range edits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO archived_edits
				(id, session_id, seq, author_id, created_at, edit_type, payload_kind,
				 content, basis_version, resulting_version, approved, approved_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, edit.ID, edit.SessionID, edit.Seq, edit.AuthorID, edit.Timestamp, edit.Type,
			edit.PayloadKind, edit.Content, edit.BasisVersion, edit.ResultingVersion,
			edit.Approved, nullable(edit.ApprovedBy)); err != nil {
			return fmt.Errorf("insert archived edit %s: %w", edit.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// UpdateMergeOutcome records the result of a finalize retry against an
// already archived session.
func (s *PostgresStore) UpdateMergeOutcome(ctx context.Context, sessionID, status string, success bool, mergeError string, appliedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE archived_sessions
		SET status=$2, merge_success=$3, merge_error=$4, merge_applied_at=$5
		WHERE id=$1
	`, sessionID, status, success, nullable(mergeError), appliedAt)
	if err != nil {
		return fmt.Errorf("update merge outcome: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var item Session
	var participantsRaw []byte
	var mergeError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.artifact_ref, s.mode, s.status, s.end_cause, s.owner_id,
			s.created_at, s.ended_at, s.final_version, s.final_content,
			s.merge_success, s.merge_error, s.merge_applied_at, s.participants,
			(SELECT COUNT(*) FROM archived_edits e WHERE e.session_id = s.id)
		FROM archived_sessions s
		WHERE s.id=$1
	`, sessionID).Scan(
		&item.ID, &item.ArtifactRef, &item.Mode, &item.Status, &item.EndCause,
		&item.OwnerID, &item.CreatedAt, &item.EndedAt, &item.FinalVersion,
		&item.FinalContent, &item.MergeSuccess, &mergeError, &item.MergeAppliedAt,
		&participantsRaw, &item.EditCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get archived session: %w", err)
	}
	item.MergeError = mergeError.String
	_ = json.Unmarshal(participantsRaw, &item.Participants)
	return item, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, artifactRef, status string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.artifact_ref, s.mode, s.status, s.end_cause, s.owner_id,
			s.created_at, s.ended_at, s.final_version, s.merge_success, s.participants,
			(SELECT COUNT(*) FROM archived_edits e WHERE e.session_id = s.id)
		FROM archived_sessions s
		WHERE ($1='' OR s.artifact_ref=$1)
		  AND ($2='' OR s.status=$2)
		ORDER BY s.ended_at DESC
		LIMIT $3
	`, artifactRef, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Session, 0)
	for rows.Next() {
		var item Session
		var participantsRaw []byte
		if err := rows.Scan(
			&item.ID, &item.ArtifactRef, &item.Mode, &item.Status, &item.EndCause,
			&item.OwnerID, &item.CreatedAt, &item.EndedAt, &item.FinalVersion,
			&item.MergeSuccess, &participantsRaw, &item.EditCount,
		); err != nil {
			return nil, fmt.Errorf("scan archived session: %w", err)
		}
		_ = json.Unmarshal(participantsRaw, &item.Participants)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived sessions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListEdits(ctx context.Context, sessionID string) ([]Edit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, author_id, created_at, edit_type, payload_kind,
			content, basis_version, resulting_version, approved, COALESCE(approved_by, '')
		FROM archived_edits
		WHERE session_id=$1
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list archived edits: %w", err)
	}
	defer rows.Close()

	items := make([]Edit, 0)
	for rows.Next() {
		var item Edit
		if err := rows.Scan(
			&item.ID, &item.SessionID, &item.Seq, &item.AuthorID, &item.Timestamp,
			&item.Type, &item.PayloadKind, &item.Content, &item.BasisVersion,
			&item.ResultingVersion, &item.Approved, &item.ApprovedBy,
		); err != nil {
			return nil, fmt.Errorf("scan archived edit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived edits: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (total int, completed int, failedMerges int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_sessions`).Scan(&total); err != nil {
		err = fmt.Errorf("count archived sessions: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_sessions WHERE status='completed'`).Scan(&completed); err != nil {
		err = fmt.Errorf("count completed sessions: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_sessions WHERE merge_success=FALSE AND status <> 'cancelled'`).Scan(&failedMerges); err != nil {
		err = fmt.Errorf("count failed merges: %w", err)
		return
	}
	return
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
