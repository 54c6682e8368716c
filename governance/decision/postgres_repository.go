// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"intellipm/platform/governance/approval"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the decision table if it doesn't exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_records (
		id VARCHAR(255) PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		decision_type VARCHAR(100) NOT NULL,
		agent_id VARCHAR(255) NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		reasoning TEXT,
		alternatives JSONB,
		confidence DECIMAL(4, 3) NOT NULL,
		estimated_cost DECIMAL(12, 6) NOT NULL DEFAULT 0,
		critical BOOLEAN NOT NULL DEFAULT FALSE,
		status VARCHAR(50) NOT NULL,
		required_role VARCHAR(100),
		deadline TIMESTAMP,
		approver_id VARCHAR(255),
		approver_role VARCHAR(100),
		resolved_at TIMESTAMP,
		outcome_notes TEXT,
		execution_error TEXT,
		applied_at TIMESTAMP,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decision_records_org_status
		ON decision_records(org_id, status);
	CREATE INDEX IF NOT EXISTS idx_decision_records_pending_deadline
		ON decision_records(deadline) WHERE status = 'pending';
	`

	_, err := r.db.ExecContext(ctx, query)
	return err
}

// Create persists a new decision record
func (r *PostgresRepository) Create(ctx context.Context, rec *Record) error {
	alternatives, err := json.Marshal(rec.Alternatives)
	if err != nil {
		return fmt.Errorf("failed to marshal alternatives: %w", err)
	}

	query := `
		INSERT INTO decision_records (
			id, org_id, decision_type, agent_id, title, reasoning,
			alternatives, confidence, estimated_cost, critical, status,
			required_role, deadline, approver_id, approver_role, resolved_at,
			outcome_notes, execution_error, applied_at, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				  $14, $15, $16, $17, $18, $19, 1, $20, $21)
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.OrgID, string(rec.DecisionType), rec.AgentID, rec.Title,
		nullString(rec.Reasoning), alternatives, rec.Confidence,
		rec.EstimatedCost, rec.Critical, string(rec.Status),
		nullString(string(rec.RequiredRole)), nullTime(rec.Deadline),
		nullString(rec.ApproverID), nullString(string(rec.ApproverRole)),
		nullTime(rec.ResolvedAt), nullString(rec.OutcomeNotes),
		nullString(rec.ExecutionError), nullTime(rec.AppliedAt),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create decision record: %w", err)
	}

	rec.Version = 1
	return nil
}

const recordColumns = `id, org_id, decision_type, agent_id, title, reasoning,
	   alternatives, confidence, estimated_cost, critical, status,
	   required_role, deadline, approver_id, approver_role, resolved_at,
	   outcome_notes, execution_error, applied_at, version, created_at, updated_at`

// Get retrieves a decision record by ID
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM decision_records WHERE id = $1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision record: %w", err)
	}

	return rec, nil
}

// Transition writes the record's mutable fields conditionally on the
// stored status matching expected. Zero rows affected means a concurrent
// caller committed first, ErrStaleTransition.
func (r *PostgresRepository) Transition(ctx context.Context, rec *Record, expected Status) error {
	query := `
		UPDATE decision_records SET
			status = $2, approver_id = $3, approver_role = $4,
			resolved_at = $5, outcome_notes = $6, execution_error = $7,
			applied_at = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND status = $10
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.ID, string(rec.Status), nullString(rec.ApproverID),
		nullString(string(rec.ApproverRole)), nullTime(rec.ResolvedAt),
		nullString(rec.OutcomeNotes), nullString(rec.ExecutionError),
		nullTime(rec.AppliedAt), rec.UpdatedAt, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to transition decision record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrStaleTransition
	}

	rec.Version++
	return nil
}

// ListExpiredPending returns pending records whose deadline has passed
func (r *PostgresRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM decision_records
		WHERE status = 'pending' AND deadline IS NOT NULL AND deadline < $1
		ORDER BY deadline
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired decisions: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// List returns decision records matching the given filters
func (r *PostgresRepository) List(ctx context.Context, opts ListOptions) ([]Record, int, error) {
	where := ` WHERE org_id = $1`
	args := []interface{}{opts.OrgID}
	argIndex := 2

	if opts.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, string(opts.Status))
		argIndex++
	}
	if opts.DecisionType != "" {
		where += fmt.Sprintf(" AND decision_type = $%d", argIndex)
		args = append(args, string(opts.DecisionType))
		argIndex++
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM decision_records` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count decision records: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT ` + recordColumns + ` FROM decision_records` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list decision records: %w", err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var reasoning, requiredRole, approverID, approverRole, notes, execErr sql.NullString
	var deadline, resolvedAt, appliedAt sql.NullTime
	var alternatives []byte

	err := row.Scan(
		&rec.ID, &rec.OrgID, &rec.DecisionType, &rec.AgentID, &rec.Title,
		&reasoning, &alternatives, &rec.Confidence, &rec.EstimatedCost,
		&rec.Critical, &rec.Status, &requiredRole, &deadline, &approverID,
		&approverRole, &resolvedAt, &notes, &execErr, &appliedAt,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Reasoning = reasoning.String
	rec.RequiredRole = roleFromNull(requiredRole)
	rec.ApproverID = approverID.String
	rec.ApproverRole = roleFromNull(approverRole)
	rec.OutcomeNotes = notes.String
	rec.ExecutionError = execErr.String
	if deadline.Valid {
		rec.Deadline = deadline.Time
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = resolvedAt.Time
	}
	if appliedAt.Valid {
		rec.AppliedAt = appliedAt.Time
	}
	if len(alternatives) > 0 {
		if err := json.Unmarshal(alternatives, &rec.Alternatives); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alternatives: %w", err)
		}
	}

	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func roleFromNull(s sql.NullString) approval.Role {
	if !s.Valid {
		return ""
	}
	return approval.Role(s.String)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
