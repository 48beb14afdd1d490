package clearance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// RecordProvider checks clearances against the violation_clearances table.
// Rows are written by the admin API (Grant/Revoke) or by external tooling.
type RecordProvider struct {
	db *sql.DB
}

// NewRecordProvider creates a provider over an existing database handle.
func NewRecordProvider(db *sql.DB) *RecordProvider {
	return &RecordProvider{db: db}
}

// Check looks up a clearance row for the form and student email.
func (p *RecordProvider) Check(ctx context.Context, q Query) (*Status, error) {
	query, args, err := psq.
		Select("cleared", "cleared_at").
		From("violation_clearances").
		Where(sq.Eq{"form_key": q.FormKey, "student_email": q.StudentEmail}).
		OrderBy("cleared_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building clearance query: %w", err)
	}

	var cleared bool
	var clearedAt sql.NullTime
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&cleared, &clearedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying clearance: %w", err)
	}

	if !cleared {
		return nil, nil
	}

	at := time.Now().UTC()
	if clearedAt.Valid {
		at = clearedAt.Time.UTC()
	}
	return &Status{
		Cleared:   true,
		ClearedAt: at.Format(time.RFC3339),
		Source:    "record",
	}, nil
}

// Grant inserts or refreshes a clearance row for the form and student.
func (p *RecordProvider) Grant(ctx context.Context, formKey, studentEmail, grantedBy string) error {
	query, args, err := psq.
		Insert("violation_clearances").
		Columns("form_key", "student_email", "cleared", "cleared_at", "granted_by").
		Values(formKey, studentEmail, true, time.Now().UTC(), grantedBy).
		Suffix(`ON CONFLICT (form_key, student_email)
			DO UPDATE SET cleared = TRUE, cleared_at = EXCLUDED.cleared_at, granted_by = EXCLUDED.granted_by`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building clearance grant: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("granting clearance: %w", err)
	}
	return nil
}

// Revoke deletes the clearance row for the form and student.
func (p *RecordProvider) Revoke(ctx context.Context, formKey, studentEmail string) error {
	query, args, err := psq.
		Delete("violation_clearances").
		Where(sq.Eq{"form_key": formKey, "student_email": studentEmail}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building clearance revoke: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("revoking clearance: %w", err)
	}
	return nil
}

// Verify interface compliance.
var _ Provider = (*RecordProvider)(nil)
