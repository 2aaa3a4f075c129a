package search

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

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the letters fts column with ts_rank
// ordering and ts_headline snippets.
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

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	where := "l.fts @@ " + tsQuery
	if q.FilterUnitID != "" {
		where += fmt.Sprintf(" AND l.from_unit_id = $%d", argN)
		args = append(args, q.FilterUnitID)
		argN++
	}
	if q.FilterStatus != "" {
		where += fmt.Sprintf(" AND l.status = $%d", argN)
		args = append(args, q.FilterStatus)
		argN++
	}
	if !q.IncludeConfidential {
		where += " AND l.confidentiality <> 'rahasia'"
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM letters l WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT l.id, l.subject,
			ts_headline('simple', coalesce(l.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			coalesce(l.letter_number, ''), l.from_unit_id, l.category_id, l.status, l.confidentiality
		FROM letters l
		WHERE %s
		ORDER BY ts_rank(l.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

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
		if err := rows.Scan(&r.ID, &r.Subject, &r.Snippet, &r.LetterNumber, &r.UnitID, &r.CategoryID, &r.Status, &r.Confidentiality); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable letters for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]LetterRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subject, body, coalesce(letter_number, ''), from_unit_id, category_id, status, urgency, confidentiality
		FROM letters
	`)
	if err != nil {
		return nil, fmt.Errorf("load letters: %w", err)
	}
	defer rows.Close()

	records := make([]LetterRecord, 0)
	for rows.Next() {
		var rec LetterRecord
		if err := rows.Scan(&rec.ID, &rec.Subject, &rec.Body, &rec.LetterNumber, &rec.UnitID, &rec.CategoryID, &rec.Status, &rec.Urgency, &rec.Confidentiality); err != nil {
			return nil, fmt.Errorf("scan letter: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate letters: %w", err)
	}

	return records, nil
}
