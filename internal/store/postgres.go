package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"surat/api/internal/numbering"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const letterColumns = `
	id, category_id, urgency, confidentiality, from_unit_id, to_type, to_ref,
	subject, body, signer_type, signer_type_secondary, status, created_by,
	submitted_at, approved_by, approved_at, approved_primary_at,
	approved_secondary_by, approved_secondary_at, rejected_by, rejected_at,
	revision_note, sequence, year, letter_number,
	sla_due_at, sla_status, sla_marked_at, verification_token,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLetter(row rowScanner) (Letter, error) {
	var item Letter
	err := row.Scan(
		&item.ID,
		&item.CategoryID,
		&item.Urgency,
		&item.Confidentiality,
		&item.FromUnitID,
		&item.ToType,
		&item.ToRef,
		&item.Subject,
		&item.Body,
		&item.SignerType,
		&item.SignerTypeSecondary,
		&item.Status,
		&item.CreatedBy,
		&item.SubmittedAt,
		&item.ApprovedBy,
		&item.ApprovedAt,
		&item.ApprovedPrimaryAt,
		&item.ApprovedSecondaryBy,
		&item.ApprovedSecondaryAt,
		&item.RejectedBy,
		&item.RejectedAt,
		&item.RevisionNote,
		&item.Sequence,
		&item.Year,
		&item.LetterNumber,
		&item.SLADueAt,
		&item.SLAStatus,
		&item.SLAMarkedAt,
		&item.VerificationToken,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Letter{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertLetter(ctx context.Context, item Letter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO letters (
			id, category_id, urgency, confidentiality, from_unit_id, to_type, to_ref,
			subject, body, signer_type, signer_type_secondary, status, created_by,
			sla_status, verification_token
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15)
	`,
		item.ID, item.CategoryID, item.Urgency, item.Confidentiality,
		item.FromUnitID, item.ToType, item.ToRef,
		item.Subject, item.Body, item.SignerType, derefOrEmpty(item.SignerTypeSecondary),
		StatusDraft, item.CreatedBy, "ok", item.VerificationToken,
	)
	if err != nil {
		return fmt.Errorf("insert letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLetter(ctx context.Context, letterID string) (Letter, error) {
	return scanLetter(s.db.QueryRowContext(ctx,
		`SELECT `+letterColumns+` FROM letters WHERE id=$1`, letterID))
}

func (s *PostgresStore) GetLetterByToken(ctx context.Context, token string) (Letter, error) {
	return scanLetter(s.db.QueryRowContext(ctx,
		`SELECT `+letterColumns+` FROM letters WHERE verification_token=$1`, token))
}

func (s *PostgresStore) ListLetters(ctx context.Context, filter LetterFilter) ([]Letter, error) {
	query := `SELECT ` + letterColumns + ` FROM letters WHERE TRUE`
	args := []any{}
	argN := 1
	if filter.UnitID != "" {
		query += fmt.Sprintf(" AND from_unit_id=$%d", argN)
		args = append(args, filter.UnitID)
		argN++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status=$%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.CreatedBy != "" {
		query += fmt.Sprintf(" AND created_by=$%d", argN)
		args = append(args, filter.CreatedBy)
		argN++
	}
	if filter.Year > 0 {
		query += fmt.Sprintf(" AND year=$%d", argN)
		args = append(args, filter.Year)
		argN++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list letters: %w", err)
	}
	defer rows.Close()

	items := make([]Letter, 0)
	for rows.Next() {
		item, err := scanLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan letter: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate letters: %w", err)
	}
	return items, nil
}

// UpdateDraft mutates the editable fields while the letter is still a
// draft owned by the caller. Zero rows affected means the letter left
// draft or belongs to someone else.
func (s *PostgresStore) UpdateDraft(ctx context.Context, update DraftUpdate) (bool, error) {
	sets := []string{"updated_at=NOW()"}
	args := []any{update.LetterID, update.CreatedBy}
	argN := 3

	assign := func(column string, value *string) {
		if value == nil {
			return
		}
		sets = append(sets, fmt.Sprintf("%s=$%d", column, argN))
		args = append(args, *value)
		argN++
	}
	assign("subject", update.Subject)
	assign("body", update.Body)
	assign("urgency", update.Urgency)
	assign("confidentiality", update.Confidentiality)
	assign("to_type", update.ToType)
	assign("to_ref", update.ToRef)

	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE letters SET %s
		WHERE id=$1 AND created_by=$2 AND status='draft'
	`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return false, fmt.Errorf("update draft: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update draft rows: %w", err)
	}
	return affected > 0, nil
}

// SubmitLetter moves draft or revision into submitted and stamps the SLA
// deadline. The status list in the guard makes concurrent submissions
// first-writer-wins.
func (s *PostgresStore) SubmitLetter(ctx context.Context, letterID string, submittedAt, dueAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE letters
		SET status='submitted', submitted_at=$2, sla_due_at=$3,
			sla_status='ok', sla_marked_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status IN ('draft', 'revision')
	`, letterID, submittedAt, dueAt)
	if err != nil {
		return false, fmt.Errorf("submit letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("submit letter rows: %w", err)
	}
	return affected > 0, nil
}

// MarkPrimaryApproved records the first signature of a two-stage letter.
// Status stays submitted; the secondary slot opens.
func (s *PostgresStore) MarkPrimaryApproved(ctx context.Context, letterID, approvedBy string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE letters
		SET approved_by=$2, approved_primary_at=$3, updated_at=NOW()
		WHERE id=$1 AND status='submitted'
		  AND signer_type_secondary IS NOT NULL
		  AND approved_primary_at IS NULL
	`, letterID, approvedBy, at)
	if err != nil {
		return false, fmt.Errorf("mark primary approved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark primary approved rows: %w", err)
	}
	return affected > 0, nil
}

// FinalizeApproval flips the letter to approved and allocates its number
// in one transaction: the counter upsert and the status write commit or
// roll back together, so a failed approval never consumes a sequence.
func (s *PostgresStore) FinalizeApproval(ctx context.Context, input FinalizeApproval) (Letter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Letter{}, fmt.Errorf("begin approval tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Bounded lock wait; a timeout surfaces as a retryable failure.
	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '3s'`); err != nil {
		return Letter{}, fmt.Errorf("set lock timeout: %w", err)
	}

	var (
		status       string
		secondary    *string
		primaryAt    *time.Time
		secondaryAt  *time.Time
		categoryID   string
		unitID       string
		categoryCode string
		unitCode     string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT l.status, l.signer_type_secondary, l.approved_primary_at, l.approved_secondary_at,
			l.category_id, l.from_unit_id, c.code, u.code
		FROM letters l
		JOIN letter_categories c ON c.id = l.category_id
		JOIN units u ON u.id = l.from_unit_id
		WHERE l.id=$1
		FOR UPDATE OF l
	`, input.LetterID).Scan(&status, &secondary, &primaryAt, &secondaryAt, &categoryID, &unitID, &categoryCode, &unitCode)
	if errors.Is(err, sql.ErrNoRows) {
		return Letter{}, sql.ErrNoRows
	}
	if err != nil {
		return Letter{}, fmt.Errorf("lock letter for approval: %w", err)
	}

	if status != StatusSubmitted {
		return Letter{}, ErrConflict
	}
	if input.Secondary {
		if secondary == nil || primaryAt == nil || secondaryAt != nil {
			return Letter{}, ErrConflict
		}
	} else if secondary != nil {
		return Letter{}, ErrConflict
	}

	year := input.Now.Year()
	key := numbering.Key{CategoryID: categoryID, UnitID: unitID, Year: year}
	if err := key.Validate(); err != nil {
		return Letter{}, err
	}

	var sequence int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO letter_counters (category_id, unit_id, year, last_seq)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (category_id, unit_id, year)
		DO UPDATE SET last_seq = letter_counters.last_seq + 1, updated_at=NOW()
		RETURNING last_seq
	`, categoryID, unitID, year).Scan(&sequence)
	if err != nil {
		return Letter{}, fmt.Errorf("allocate sequence: %w", err)
	}

	letterNumber := numbering.Format(sequence, categoryCode, unitCode, year)

	if input.Secondary {
		_, err = tx.ExecContext(ctx, `
			UPDATE letters
			SET status='approved', approved_secondary_by=$2, approved_secondary_at=$3,
				approved_at=$3, sequence=$4, year=$5, letter_number=$6, updated_at=NOW()
			WHERE id=$1
		`, input.LetterID, input.ApprovedBy, input.Now, sequence, year, letterNumber)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE letters
			SET status='approved', approved_by=$2, approved_at=$3,
				sequence=$4, year=$5, letter_number=$6, updated_at=NOW()
			WHERE id=$1
		`, input.LetterID, input.ApprovedBy, input.Now, sequence, year, letterNumber)
	}
	if err != nil {
		return Letter{}, fmt.Errorf("finalize approval: %w", err)
	}

	item, err := scanLetter(tx.QueryRowContext(ctx,
		`SELECT `+letterColumns+` FROM letters WHERE id=$1`, input.LetterID))
	if err != nil {
		return Letter{}, fmt.Errorf("reload approved letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Letter{}, fmt.Errorf("commit approval: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) RejectLetter(ctx context.Context, letterID, rejectedBy, note string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE letters
		SET status='rejected', rejected_by=$2, rejected_at=$3, revision_note=$4, updated_at=NOW()
		WHERE id=$1 AND status='submitted'
	`, letterID, rejectedBy, at, note)
	if err != nil {
		return false, fmt.Errorf("reject letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reject letter rows: %w", err)
	}
	return affected > 0, nil
}

// ReviseLetter sends a submitted letter back for revision, clears any
// partial approval and appends the revision record in the same tx.
func (s *PostgresStore) ReviseLetter(ctx context.Context, letterID, requestedBy, note string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin revise tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE letters
		SET status='revision', revision_note=$2,
			approved_by=NULL, approved_primary_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='submitted'
	`, letterID, note)
	if err != nil {
		return false, fmt.Errorf("revise letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revise letter rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO letter_revisions (letter_id, note, requested_by, created_at)
		VALUES ($1, $2, $3, $4)
	`, letterID, note, requestedBy, at); err != nil {
		return false, fmt.Errorf("append revision record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit revise: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) SendLetter(ctx context.Context, letterID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE letters SET status='sent', updated_at=NOW()
		WHERE id=$1 AND status='approved'
	`, letterID)
	if err != nil {
		return false, fmt.Errorf("send letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("send letter rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ArchiveLetter(ctx context.Context, letterID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE letters SET status='archived', updated_at=NOW()
		WHERE id=$1 AND status IN ('approved', 'sent')
	`, letterID)
	if err != nil {
		return false, fmt.Errorf("archive letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive letter rows: %w", err)
	}
	return affected > 0, nil
}

// SweepSLA marks overdue submitted letters breached. The guard re-checks
// status at write time, so a letter approved between scan and write is
// untouched, and re-running the sweep is a no-op.
func (s *PostgresStore) SweepSLA(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE letters
		SET sla_status='breach', sla_marked_at=$1, updated_at=NOW()
		WHERE status='submitted' AND sla_status='ok' AND sla_due_at IS NOT NULL AND sla_due_at < $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("sla sweep: %w", err)
	}
	defer rows.Close()

	marked := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept letter: %w", err)
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swept letters: %w", err)
	}
	return marked, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, letterID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, letter_id, note, requested_by, created_at
		FROM letter_revisions
		WHERE letter_id=$1
		ORDER BY created_at ASC
	`, letterID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		if err := rows.Scan(&item.ID, &item.LetterID, &item.Note, &item.RequestedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, categoryID string) (Category, error) {
	var item Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, default_urgency, created_at
		FROM letter_categories WHERE id=$1
	`, categoryID).Scan(&item.ID, &item.Code, &item.Name, &item.DefaultUrgency, &item.CreatedAt)
	if err != nil {
		return Category{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, default_urgency, created_at
		FROM letter_categories ORDER BY code ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.Code, &item.Name, &item.DefaultUrgency, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertCategory(ctx context.Context, item Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO letter_categories (id, code, name, default_urgency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Code, item.Name, item.DefaultUrgency)
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUnit(ctx context.Context, unitID string) (Unit, error) {
	var item Unit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, created_at FROM units WHERE id=$1
	`, unitID).Scan(&item.ID, &item.Code, &item.Name, &item.CreatedAt)
	if err != nil {
		return Unit{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListUnits(ctx context.Context) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, code, name, created_at FROM units ORDER BY code ASC`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	items := make([]Unit, 0)
	for rows.Next() {
		var item Unit
		if err := rows.Scan(&item.ID, &item.Code, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertUnit(ctx context.Context, item Unit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (id, code, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Code, item.Name)
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

// GetMemberByUser resolves the active member record linking a user to a
// unit and union position. Nil without error when the user holds none.
func (s *PostgresStore) GetMemberByUser(ctx context.Context, userID string) (*Member, error) {
	var item Member
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, unit_id, union_position, active, created_at
		FROM members
		WHERE user_id=$1 AND active
		ORDER BY created_at ASC
		LIMIT 1
	`, userID).Scan(&item.ID, &item.UserID, &item.UnitID, &item.Position, &item.Active, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member by user: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) InsertMember(ctx context.Context, item Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, user_id, unit_id, union_position, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, unit_id) DO UPDATE SET union_position=EXCLUDED.union_position, active=EXCLUDED.active
	`, item.ID, item.UserID, item.UnitID, item.Position, item.Active)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasActiveDelegation(ctx context.Context, unitID, signerType, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM letter_approvers
			WHERE unit_id=$1 AND signer_type=$2 AND user_id=$3 AND active
		)
	`, unitID, signerType, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check delegation: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertApprover(ctx context.Context, item LetterApprover) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO letter_approvers (id, unit_id, signer_type, user_id, active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.UnitID, item.SignerType, item.UserID, item.Active, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert approver: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetApproverActive(ctx context.Context, approverID string, active bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE letter_approvers SET active=$2 WHERE id=$1
	`, approverID, active)
	if err != nil {
		return false, fmt.Errorf("set approver active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set approver active rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListApprovers(ctx context.Context, unitID string) ([]LetterApprover, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unit_id, signer_type, user_id, active, created_by, created_at
		FROM letter_approvers
		WHERE unit_id=$1
		ORDER BY signer_type ASC, created_at ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list approvers: %w", err)
	}
	defer rows.Close()

	items := make([]LetterApprover, 0)
	for rows.Next() {
		var item LetterApprover
		if err := rows.Scan(&item.ID, &item.UnitID, &item.SignerType, &item.UserID, &item.Active, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approver: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO letter_attachments (id, letter_id, file_name, content_type, size, object_key, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.LetterID, item.FileName, item.ContentType, item.Size, item.ObjectKey, item.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, letterID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, letter_id, file_name, content_type, size, object_key, uploaded_by, created_at
		FROM letter_attachments
		WHERE letter_id=$1
		ORDER BY created_at ASC
	`, letterID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.LetterID, &item.FileName, &item.ContentType, &item.Size, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, letterID, attachmentID string) (Attachment, error) {
	var item Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, letter_id, file_name, content_type, size, object_key, uploaded_by, created_at
		FROM letter_attachments
		WHERE letter_id=$1 AND id=$2
	`, letterID, attachmentID).Scan(&item.ID, &item.LetterID, &item.FileName, &item.ContentType, &item.Size, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, letterID, attachmentID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM letter_attachments WHERE letter_id=$1 AND id=$2
	`, letterID, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, actor_name, letter_id, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`, event.EventType, event.ActorName, event.LetterID, string(encoded))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, unit_id, unit_admin, global_access,
			is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, unit_id, unit_admin, global_access,
			is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func scanUser(row rowScanner) (User, error) {
	var item User
	err := row.Scan(
		&item.ID,
		&item.DisplayName,
		&item.Email,
		&item.PasswordHash,
		&item.UnitID,
		&item.UnitAdmin,
		&item.GlobalAccess,
		&item.IsEmailVerified,
		&item.VerificationToken,
		&item.VerificationExpiresAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, unit_id, unit_admin, global_access, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.UnitID, user.UnitAdmin, user.GlobalAccess, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return User{}, err
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func derefOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
