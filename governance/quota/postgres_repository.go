// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"database/sql"
	"encoding/json"
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

// EnsureSchema creates the quota tables if they don't exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS quota_tier_templates (
		id VARCHAR(255) PRIMARY KEY,
		tier_name VARCHAR(100) NOT NULL,
		token_limit BIGINT NOT NULL,
		request_limit BIGINT NOT NULL,
		decision_limit BIGINT NOT NULL,
		cost_limit DECIMAL(12, 6) NOT NULL,
		overage_allowed BOOLEAN NOT NULL DEFAULT FALSE,
		overage_rate DECIMAL(12, 6) NOT NULL DEFAULT 0,
		alert_threshold_pct INTEGER NOT NULL DEFAULT 80,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tier_templates_name
		ON quota_tier_templates(tier_name) WHERE NOT deleted;

	CREATE TABLE IF NOT EXISTS org_quotas (
		id VARCHAR(255) PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		tier_name VARCHAR(100) NOT NULL,
		token_limit BIGINT NOT NULL,
		request_limit BIGINT NOT NULL,
		decision_limit BIGINT NOT NULL,
		cost_limit DECIMAL(12, 6) NOT NULL,
		overage_allowed BOOLEAN NOT NULL DEFAULT FALSE,
		overage_rate DECIMAL(12, 6) NOT NULL DEFAULT 0,
		alert_threshold_pct INTEGER NOT NULL DEFAULT 80,
		enforce_quota BOOLEAN NOT NULL DEFAULT TRUE,
		period_anchor_day INTEGER NOT NULL DEFAULT 1,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_org_quotas_active
		ON org_quotas(org_id) WHERE active;

	CREATE TABLE IF NOT EXISTS user_quota_overrides (
		id VARCHAR(255) PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		period_start TIMESTAMP NOT NULL,
		token_limit BIGINT NOT NULL,
		request_limit BIGINT NOT NULL,
		decision_limit BIGINT NOT NULL,
		cost_limit DECIMAL(12, 6) NOT NULL,
		overage_allowed BOOLEAN NOT NULL DEFAULT FALSE,
		overage_rate DECIMAL(12, 6) NOT NULL DEFAULT 0,
		alert_threshold_pct INTEGER NOT NULL DEFAULT 80,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, user_id, period_start)
	);

	CREATE TABLE IF NOT EXISTS usage_counters (
		id VARCHAR(255) PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL DEFAULT '',
		period_start TIMESTAMP NOT NULL,
		tokens BIGINT NOT NULL DEFAULT 0,
		requests BIGINT NOT NULL DEFAULT 0,
		decisions BIGINT NOT NULL DEFAULT 0,
		cost DECIMAL(12, 6) NOT NULL DEFAULT 0,
		crossed_thresholds JSONB NOT NULL DEFAULT '[]',
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, user_id, period_start)
	);

	CREATE TABLE IF NOT EXISTS quota_reservations (
		id VARCHAR(255) PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL DEFAULT '',
		period_start TIMESTAMP NOT NULL,
		tokens BIGINT NOT NULL,
		requests BIGINT NOT NULL,
		decisions BIGINT NOT NULL,
		cost DECIMAL(12, 6) NOT NULL,
		overage_cost DECIMAL(12, 6) NOT NULL DEFAULT 0,
		finalized BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quota_reservations_org
		ON quota_reservations(org_id, period_start);
	`

	_, err := r.db.ExecContext(ctx, query)
	return err
}

// CreateTemplate creates a new tier template
func (r *PostgresRepository) CreateTemplate(ctx context.Context, tpl *TierTemplate) error {
	query := `
		INSERT INTO quota_tier_templates (
			id, tier_name, token_limit, request_limit, decision_limit,
			cost_limit, overage_allowed, overage_rate, alert_threshold_pct,
			deleted, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		tpl.ID, tpl.TierName, tpl.TokenLimit, tpl.RequestLimit, tpl.DecisionLimit,
		tpl.CostLimit, tpl.OverageAllowed, tpl.OverageRate, tpl.AlertThresholdPct,
		tpl.Deleted, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrTemplateExists
		}
		return fmt.Errorf("failed to create tier template: %w", err)
	}

	return nil
}

// GetTemplate retrieves a non-deleted tier template by name
func (r *PostgresRepository) GetTemplate(ctx context.Context, tierName string) (*TierTemplate, error) {
	query := `
		SELECT id, tier_name, token_limit, request_limit, decision_limit,
			   cost_limit, overage_allowed, overage_rate, alert_threshold_pct,
			   deleted, created_at, updated_at
		FROM quota_tier_templates
		WHERE tier_name = $1 AND NOT deleted
	`

	var tpl TierTemplate
	err := r.db.QueryRowContext(ctx, query, tierName).Scan(
		&tpl.ID, &tpl.TierName, &tpl.TokenLimit, &tpl.RequestLimit, &tpl.DecisionLimit,
		&tpl.CostLimit, &tpl.OverageAllowed, &tpl.OverageRate, &tpl.AlertThresholdPct,
		&tpl.Deleted, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier template: %w", err)
	}

	return &tpl, nil
}

// UpdateTemplate updates an existing tier template
func (r *PostgresRepository) UpdateTemplate(ctx context.Context, tpl *TierTemplate) error {
	query := `
		UPDATE quota_tier_templates SET
			tier_name = $2, token_limit = $3, request_limit = $4,
			decision_limit = $5, cost_limit = $6, overage_allowed = $7,
			overage_rate = $8, alert_threshold_pct = $9, updated_at = $10
		WHERE id = $1 AND NOT deleted
	`

	result, err := r.db.ExecContext(ctx, query,
		tpl.ID, tpl.TierName, tpl.TokenLimit, tpl.RequestLimit,
		tpl.DecisionLimit, tpl.CostLimit, tpl.OverageAllowed,
		tpl.OverageRate, tpl.AlertThresholdPct, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update tier template: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrTemplateNotFound
	}

	return nil
}

// DeleteTemplate soft-deletes a tier template. Templates referenced by an
// active quota stay readable through the quota itself.
func (r *PostgresRepository) DeleteTemplate(ctx context.Context, id string) error {
	query := `UPDATE quota_tier_templates SET deleted = TRUE, updated_at = $2 WHERE id = $1 AND NOT deleted`

	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete tier template: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrTemplateNotFound
	}

	return nil
}

// ListTemplates lists all non-deleted tier templates
func (r *PostgresRepository) ListTemplates(ctx context.Context) ([]TierTemplate, error) {
	query := `
		SELECT id, tier_name, token_limit, request_limit, decision_limit,
			   cost_limit, overage_allowed, overage_rate, alert_threshold_pct,
			   deleted, created_at, updated_at
		FROM quota_tier_templates
		WHERE NOT deleted
		ORDER BY tier_name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tier templates: %w", err)
	}
	defer rows.Close()

	var templates []TierTemplate
	for rows.Next() {
		var tpl TierTemplate
		if err := rows.Scan(
			&tpl.ID, &tpl.TierName, &tpl.TokenLimit, &tpl.RequestLimit, &tpl.DecisionLimit,
			&tpl.CostLimit, &tpl.OverageAllowed, &tpl.OverageRate, &tpl.AlertThresholdPct,
			&tpl.Deleted, &tpl.CreatedAt, &tpl.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tier template: %w", err)
		}
		templates = append(templates, tpl)
	}

	return templates, rows.Err()
}

// CreateOrgQuota creates the active quota for an organization. The partial
// unique index on (org_id) WHERE active enforces the one-active-quota
// invariant at the storage layer.
func (r *PostgresRepository) CreateOrgQuota(ctx context.Context, q *OrgQuota) error {
	query := `
		INSERT INTO org_quotas (
			id, org_id, tier_name, token_limit, request_limit, decision_limit,
			cost_limit, overage_allowed, overage_rate, alert_threshold_pct,
			enforce_quota, period_anchor_day, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.ExecContext(ctx, query,
		q.ID, q.OrgID, q.TierName, q.TokenLimit, q.RequestLimit, q.DecisionLimit,
		q.CostLimit, q.OverageAllowed, q.OverageRate, q.AlertThresholdPct,
		q.EnforceQuota, q.PeriodAnchorDay, q.Active, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrQuotaExists
		}
		return fmt.Errorf("failed to create organization quota: %w", err)
	}

	return nil
}

// GetActiveOrgQuota retrieves the active quota for an organization
func (r *PostgresRepository) GetActiveOrgQuota(ctx context.Context, orgID string) (*OrgQuota, error) {
	query := `
		SELECT id, org_id, tier_name, token_limit, request_limit, decision_limit,
			   cost_limit, overage_allowed, overage_rate, alert_threshold_pct,
			   enforce_quota, period_anchor_day, active, created_at, updated_at
		FROM org_quotas
		WHERE org_id = $1 AND active
	`

	var q OrgQuota
	err := r.db.QueryRowContext(ctx, query, orgID).Scan(
		&q.ID, &q.OrgID, &q.TierName, &q.TokenLimit, &q.RequestLimit, &q.DecisionLimit,
		&q.CostLimit, &q.OverageAllowed, &q.OverageRate, &q.AlertThresholdPct,
		&q.EnforceQuota, &q.PeriodAnchorDay, &q.Active, &q.CreatedAt, &q.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoQuotaConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization quota: %w", err)
	}

	return &q, nil
}

// UpdateOrgQuota updates an existing organization quota
func (r *PostgresRepository) UpdateOrgQuota(ctx context.Context, q *OrgQuota) error {
	query := `
		UPDATE org_quotas SET
			tier_name = $2, token_limit = $3, request_limit = $4,
			decision_limit = $5, cost_limit = $6, overage_allowed = $7,
			overage_rate = $8, alert_threshold_pct = $9, enforce_quota = $10,
			period_anchor_day = $11, updated_at = $12
		WHERE id = $1 AND active
	`

	result, err := r.db.ExecContext(ctx, query,
		q.ID, q.TierName, q.TokenLimit, q.RequestLimit,
		q.DecisionLimit, q.CostLimit, q.OverageAllowed,
		q.OverageRate, q.AlertThresholdPct, q.EnforceQuota,
		q.PeriodAnchorDay, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update organization quota: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrQuotaNotFound
	}

	return nil
}

// DeactivateOrgQuota marks a quota inactive. Rows are never deleted so the
// billing history stays intact.
func (r *PostgresRepository) DeactivateOrgQuota(ctx context.Context, id string) error {
	query := `UPDATE org_quotas SET active = FALSE, updated_at = $2 WHERE id = $1 AND active`

	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to deactivate organization quota: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrQuotaNotFound
	}

	return nil
}

// CreateOverride creates a per-user quota override for a period
func (r *PostgresRepository) CreateOverride(ctx context.Context, o *UserOverride) error {
	query := `
		INSERT INTO user_quota_overrides (
			id, org_id, user_id, period_start, token_limit, request_limit,
			decision_limit, cost_limit, overage_allowed, overage_rate,
			alert_threshold_pct, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		o.ID, o.OrgID, o.UserID, o.PeriodStart, o.TokenLimit, o.RequestLimit,
		o.DecisionLimit, o.CostLimit, o.OverageAllowed, o.OverageRate,
		o.AlertThresholdPct, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrOverrideExists
		}
		return fmt.Errorf("failed to create user override: %w", err)
	}

	return nil
}

// GetOverride retrieves the override for a (user, period) pair. Returns
// (nil, nil) when none exists; absence is not an error during resolution.
func (r *PostgresRepository) GetOverride(ctx context.Context, orgID, userID string, periodStart time.Time) (*UserOverride, error) {
	query := `
		SELECT id, org_id, user_id, period_start, token_limit, request_limit,
			   decision_limit, cost_limit, overage_allowed, overage_rate,
			   alert_threshold_pct, created_at, updated_at
		FROM user_quota_overrides
		WHERE org_id = $1 AND user_id = $2 AND period_start = $3
	`

	var o UserOverride
	err := r.db.QueryRowContext(ctx, query, orgID, userID, periodStart).Scan(
		&o.ID, &o.OrgID, &o.UserID, &o.PeriodStart, &o.TokenLimit, &o.RequestLimit,
		&o.DecisionLimit, &o.CostLimit, &o.OverageAllowed, &o.OverageRate,
		&o.AlertThresholdPct, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user override: %w", err)
	}

	return &o, nil
}

// DeleteOverride removes a user override
func (r *PostgresRepository) DeleteOverride(ctx context.Context, id string) error {
	query := `DELETE FROM user_quota_overrides WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete user override: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrOverrideNotFound
	}

	return nil
}

// GetCounter retrieves the usage counter for a scope and period. Returns
// (nil, nil) when the counter doesn't exist yet.
func (r *PostgresRepository) GetCounter(ctx context.Context, orgID, userID string, periodStart time.Time) (*UsageCounter, error) {
	query := `
		SELECT id, org_id, user_id, period_start, tokens, requests, decisions,
			   cost, crossed_thresholds, version, updated_at
		FROM usage_counters
		WHERE org_id = $1 AND user_id = $2 AND period_start = $3
	`

	var c UsageCounter
	var crossed []byte
	err := r.db.QueryRowContext(ctx, query, orgID, userID, periodStart).Scan(
		&c.ID, &c.OrgID, &c.UserID, &c.PeriodStart, &c.Tokens, &c.Requests,
		&c.Decisions, &c.Cost, &crossed, &c.Version, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage counter: %w", err)
	}

	if err := json.Unmarshal(crossed, &c.CrossedThresholds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal crossed thresholds: %w", err)
	}

	return &c, nil
}

// Reserve commits the counter write and the reservation insert in one
// transaction. Stored counters always carry version >= 1, so an
// expectedVersion of zero selects the insert path; a duplicate key there
// means another worker created the counter first, surfaced as
// ErrVersionConflict so the enforcer re-reads and retries.
func (r *PostgresRepository) Reserve(ctx context.Context, c *UsageCounter, expectedVersion int64, res *Reservation) error {
	crossed, err := json.Marshal(c.CrossedThresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal crossed thresholds: %w", err)
	}
	if c.CrossedThresholds == nil {
		crossed = []byte("[]")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback()

	if expectedVersion == 0 {
		query := `
			INSERT INTO usage_counters (
				id, org_id, user_id, period_start, tokens, requests, decisions,
				cost, crossed_thresholds, version, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
		`
		_, err = tx.ExecContext(ctx, query,
			c.ID, c.OrgID, c.UserID, c.PeriodStart, c.Tokens, c.Requests,
			c.Decisions, c.Cost, crossed, c.UpdatedAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "duplicate key") {
				return ErrVersionConflict
			}
			return fmt.Errorf("failed to create usage counter: %w", err)
		}
	} else {
		query := `
			UPDATE usage_counters SET
				tokens = $2, requests = $3, decisions = $4, cost = $5,
				crossed_thresholds = $6, version = version + 1, updated_at = $7
			WHERE id = $1 AND version = $8
		`
		result, err := tx.ExecContext(ctx, query,
			c.ID, c.Tokens, c.Requests, c.Decisions, c.Cost,
			crossed, c.UpdatedAt, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update usage counter: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check affected rows: %w", err)
		}
		if rows == 0 {
			return ErrVersionConflict
		}
	}

	insert := `
		INSERT INTO quota_reservations (
			id, org_id, user_id, period_start, tokens, requests, decisions,
			cost, overage_cost, finalized, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.ExecContext(ctx, insert,
		res.ID, res.OrgID, res.UserID, res.PeriodStart, res.Tokens,
		res.Requests, res.Decisions, res.Cost, res.OverageCost,
		res.Finalized, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}

	c.Version = expectedVersion + 1
	return nil
}

// UpdateCounter writes the counter conditionally on the version stamp.
// Zero rows affected means a concurrent writer won, ErrVersionConflict.
func (r *PostgresRepository) UpdateCounter(ctx context.Context, c *UsageCounter, expectedVersion int64) error {
	crossed, err := json.Marshal(c.CrossedThresholds)
	if err != nil {
		return fmt.Errorf("failed to marshal crossed thresholds: %w", err)
	}
	if c.CrossedThresholds == nil {
		crossed = []byte("[]")
	}

	query := `
		UPDATE usage_counters SET
			tokens = $2, requests = $3, decisions = $4, cost = $5,
			crossed_thresholds = $6, version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		c.ID, c.Tokens, c.Requests, c.Decisions, c.Cost,
		crossed, c.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage counter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}

	c.Version = expectedVersion + 1
	return nil
}

// GetReservation retrieves a reservation by ID
func (r *PostgresRepository) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	query := `
		SELECT id, org_id, user_id, period_start, tokens, requests, decisions,
			   cost, overage_cost, finalized, created_at
		FROM quota_reservations
		WHERE id = $1
	`

	var res Reservation
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&res.ID, &res.OrgID, &res.UserID, &res.PeriodStart, &res.Tokens,
		&res.Requests, &res.Decisions, &res.Cost, &res.OverageCost,
		&res.Finalized, &res.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	return &res, nil
}

// FinalizeReservation marks a reservation as finalized
func (r *PostgresRepository) FinalizeReservation(ctx context.Context, id string) error {
	query := `UPDATE quota_reservations SET finalized = TRUE WHERE id = $1 AND NOT finalized`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to finalize reservation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return ErrReservationFinalized
	}

	return nil
}

// Ping checks database connectivity
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
