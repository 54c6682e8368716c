// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the approval tables if they don't exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS approval_policies (
		id VARCHAR(255) PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		decision_type VARCHAR(100) NOT NULL,
		required_role VARCHAR(100) NOT NULL,
		blocking BOOLEAN NOT NULL DEFAULT TRUE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_policies_active
		ON approval_policies(org_id, decision_type) WHERE active;

	CREATE TABLE IF NOT EXISTS org_gate_settings (
		org_id VARCHAR(255) PRIMARY KEY,
		confidence_threshold DECIMAL(4, 3) NOT NULL,
		cost_threshold DECIMAL(12, 6) NOT NULL,
		approval_window_seconds BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := r.db.ExecContext(ctx, query)
	return err
}

// CreatePolicy stores a new approval policy
func (r *PostgresRepository) CreatePolicy(ctx context.Context, p *Policy) error {
	query := `
		INSERT INTO approval_policies (
			id, org_id, decision_type, required_role, blocking, active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.OrgID, string(p.DecisionType), string(p.RequiredRole),
		p.Blocking, p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrPolicyExists
		}
		return fmt.Errorf("failed to create approval policy: %w", err)
	}

	return nil
}

// GetActivePolicy retrieves the active policy for an (org, decision type)
// pair. Returns (nil, nil) when none exists.
func (r *PostgresRepository) GetActivePolicy(ctx context.Context, orgID string, decisionType DecisionType) (*Policy, error) {
	query := `
		SELECT id, org_id, decision_type, required_role, blocking, active,
			   created_at, updated_at
		FROM approval_policies
		WHERE org_id = $1 AND decision_type = $2 AND active
	`

	var p Policy
	err := r.db.QueryRowContext(ctx, query, orgID, string(decisionType)).Scan(
		&p.ID, &p.OrgID, &p.DecisionType, &p.RequiredRole, &p.Blocking,
		&p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval policy: %w", err)
	}

	return &p, nil
}

// UpdatePolicy updates an existing approval policy
func (r *PostgresRepository) UpdatePolicy(ctx context.Context, p *Policy) error {
	query := `
		UPDATE approval_policies SET
			required_role = $2, blocking = $3, updated_at = $4
		WHERE id = $1 AND active
	`

	result, err := r.db.ExecContext(ctx, query,
		p.ID, string(p.RequiredRole), p.Blocking, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update approval policy: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}

	return nil
}

// DeactivatePolicy marks a policy inactive
func (r *PostgresRepository) DeactivatePolicy(ctx context.Context, id string) error {
	query := `UPDATE approval_policies SET active = FALSE, updated_at = $2 WHERE id = $1 AND active`

	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to deactivate approval policy: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}

	return nil
}

// ListPolicies lists all policies for an organization
func (r *PostgresRepository) ListPolicies(ctx context.Context, orgID string) ([]Policy, error) {
	query := `
		SELECT id, org_id, decision_type, required_role, blocking, active,
			   created_at, updated_at
		FROM approval_policies
		WHERE org_id = $1
		ORDER BY decision_type
	`

	rows, err := r.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(
			&p.ID, &p.OrgID, &p.DecisionType, &p.RequiredRole, &p.Blocking,
			&p.Active, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan approval policy: %w", err)
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

// GetOrgSettings retrieves an organization's gate settings. Returns
// (nil, nil) when none are stored.
func (r *PostgresRepository) GetOrgSettings(ctx context.Context, orgID string) (*OrgSettings, error) {
	query := `
		SELECT org_id, confidence_threshold, cost_threshold,
			   approval_window_seconds, updated_at
		FROM org_gate_settings
		WHERE org_id = $1
	`

	var s OrgSettings
	var windowSeconds int64
	err := r.db.QueryRowContext(ctx, query, orgID).Scan(
		&s.OrgID, &s.ConfidenceThreshold, &s.CostThreshold,
		&windowSeconds, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization settings: %w", err)
	}

	s.ApprovalWindow = time.Duration(windowSeconds) * time.Second
	return &s, nil
}

// UpsertOrgSettings stores an organization's gate settings
func (r *PostgresRepository) UpsertOrgSettings(ctx context.Context, s *OrgSettings) error {
	query := `
		INSERT INTO org_gate_settings (
			org_id, confidence_threshold, cost_threshold,
			approval_window_seconds, updated_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id) DO UPDATE SET
			confidence_threshold = EXCLUDED.confidence_threshold,
			cost_threshold = EXCLUDED.cost_threshold,
			approval_window_seconds = EXCLUDED.approval_window_seconds,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		s.OrgID, s.ConfidenceThreshold, s.CostThreshold,
		int64(s.ApprovalWindow/time.Second), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save organization settings: %w", err)
	}

	return nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
