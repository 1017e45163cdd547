package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher over the session archive.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across archived sessions and edits using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSession {
		where := "s.fts @@ " + tsQuery
		if q.FilterArtifactRef != "" {
			where += fmt.Sprintf(" AND s.artifact_ref = $%d", argN)
			args = append(args, q.FilterArtifactRef)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'session'::text AS type, s.id, s.id AS session_id, s.artifact_ref,
				''::text AS author_id, s.artifact_ref AS title,
				ts_headline('english', coalesce(s.final_content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(s.fts, %s) AS rank
			FROM archived_sessions s
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultEdit {
		where := "e.fts @@ " + tsQuery
		if q.FilterArtifactRef != "" {
			where += fmt.Sprintf(" AND s.artifact_ref = $%d", argN)
			args = append(args, q.FilterArtifactRef)
			argN++
		}
		if q.FilterAuthorID != "" {
			where += fmt.Sprintf(" AND e.author_id = $%d", argN)
			args = append(args, q.FilterAuthorID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'edit'::text AS type, e.id, e.session_id, s.artifact_ref,
				e.author_id, e.edit_type AS title,
				ts_headline('english', coalesce(e.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(e.fts, %s) AS rank
			FROM archived_edits e
			JOIN archived_sessions s ON s.id = e.session_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, session_id, artifact_ref, author_id, title, snippet
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.SessionID, &r.ArtifactRef, &r.AuthorID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all archived records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SessionRecord, []EditRecord, error) {
	sessionRows, err := p.db.QueryContext(ctx, `
		SELECT id, artifact_ref, mode, status, owner_id, final_content
		FROM archived_sessions
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}
	defer sessionRows.Close()

	sessions := make([]SessionRecord, 0)
	for sessionRows.Next() {
		var s SessionRecord
		if err := sessionRows.Scan(&s.ID, &s.ArtifactRef, &s.Mode, &s.Status, &s.OwnerID, &s.FinalContent); err != nil {
			return nil, nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := sessionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sessions: %w", err)
	}

	editRows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.session_id, s.artifact_ref, e.author_id, e.edit_type, e.content, e.resulting_version
		FROM archived_edits e
		JOIN archived_sessions s ON s.id = e.session_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load edits: %w", err)
	}
	defer editRows.Close()

	edits := make([]EditRecord, 0)
	for editRows.Next() {
		var e EditRecord
		if err := editRows.Scan(&e.ID, &e.SessionID, &e.ArtifactRef, &e.AuthorID, &e.Type, &e.Content, &e.ResultingVersion); err != nil {
			return nil, nil, fmt.Errorf("scan edit: %w", err)
		}
		edits = append(edits, e)
	}
	if err := editRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate edits: %w", err)
	}

	return sessions, edits, nil
}
