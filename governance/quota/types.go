// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

// Package quota provides consumption limits and usage metering for agent
// calls. It supports tier templates, per-organization quotas, per-user
// overrides, optimistic counter reservation, and overage billing.
package quota

import (
	"time"
)

// Dimension identifies one of the metered resource dimensions.
type Dimension string

const (
	DimensionTokens    Dimension = "tokens"
	DimensionRequests  Dimension = "requests"
	DimensionDecisions Dimension = "decisions"
	DimensionCost      Dimension = "cost"
)

// VerdictKind classifies the outcome of a quota check.
type VerdictKind string

const (
	VerdictAllowed            VerdictKind = "allowed"
	VerdictAllowedWithOverage VerdictKind = "allowed_with_overage"
	VerdictBlocked            VerdictKind = "blocked"
)

// TierTemplate is a named bundle of default limits (Free/Pro/Enterprise).
// At most one template per tier name exists among non-deleted templates.
type TierTemplate struct {
	ID                string    `json:"id"`
	TierName          string    `json:"tier_name"`
	TokenLimit        int64     `json:"token_limit"`
	RequestLimit      int64     `json:"request_limit"`
	DecisionLimit     int64     `json:"decision_limit"`
	CostLimit         float64   `json:"cost_limit"`
	OverageAllowed    bool      `json:"overage_allowed"`
	OverageRate       float64   `json:"overage_rate"` // per 1000 excess tokens, per excess unit otherwise
	AlertThresholdPct int       `json:"alert_threshold_pct"`
	Deleted           bool      `json:"deleted"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// OrgQuota is the active quota instance for an organization. It is derived
// from a tier template but independently mutable. Exactly one active quota
// exists per organization at any time.
type OrgQuota struct {
	ID                string    `json:"id"`
	OrgID             string    `json:"org_id"`
	TierName          string    `json:"tier_name"`
	TokenLimit        int64     `json:"token_limit"`
	RequestLimit      int64     `json:"request_limit"`
	DecisionLimit     int64     `json:"decision_limit"`
	CostLimit         float64   `json:"cost_limit"`
	OverageAllowed    bool      `json:"overage_allowed"`
	OverageRate       float64   `json:"overage_rate"`
	AlertThresholdPct int       `json:"alert_threshold_pct"`
	EnforceQuota      bool      `json:"enforce_quota"`
	PeriodAnchorDay   int       `json:"period_anchor_day"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UserOverride carries per-user limits within an organization for a
// specific billing period. When present it replaces the organization quota
// entirely for that user's checks; individual fields are not merged.
// At most one override exists per (user, period) pair.
type UserOverride struct {
	ID                string    `json:"id"`
	OrgID             string    `json:"org_id"`
	UserID            string    `json:"user_id"`
	PeriodStart       time.Time `json:"period_start"`
	TokenLimit        int64     `json:"token_limit"`
	RequestLimit      int64     `json:"request_limit"`
	DecisionLimit     int64     `json:"decision_limit"`
	CostLimit         float64   `json:"cost_limit"`
	OverageAllowed    bool      `json:"overage_allowed"`
	OverageRate       float64   `json:"overage_rate"`
	AlertThresholdPct int       `json:"alert_threshold_pct"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UsageCounter holds the monotonically increasing consumption tallies for
// one (org, user, period) scope. UserID is empty for the organization-wide
// counter. Version is the optimistic concurrency stamp: every conditional
// write must match and increment it.
type UsageCounter struct {
	ID                string    `json:"id"`
	OrgID             string    `json:"org_id"`
	UserID            string    `json:"user_id,omitempty"`
	PeriodStart       time.Time `json:"period_start"`
	Tokens            int64     `json:"tokens"`
	Requests          int64     `json:"requests"`
	Decisions         int64     `json:"decisions"`
	Cost              float64   `json:"cost"`
	CrossedThresholds []int     `json:"crossed_thresholds,omitempty"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ResolvedLimits is the effective limit set for one quota check after
// template/org/user resolution.
type ResolvedLimits struct {
	TokenLimit        int64   `json:"token_limit"`
	RequestLimit      int64   `json:"request_limit"`
	DecisionLimit     int64   `json:"decision_limit"`
	CostLimit         float64 `json:"cost_limit"`
	OverageAllowed    bool    `json:"overage_allowed"`
	OverageRate       float64 `json:"overage_rate"`
	AlertThresholdPct int     `json:"alert_threshold_pct"`
	EnforceQuota      bool    `json:"enforce_quota"`
	PeriodAnchorDay   int     `json:"period_anchor_day"`
	Source            string  `json:"source"` // "user_override" or "org_quota"
}

// CheckRequest describes a prospective agent call's estimated resource cost.
type CheckRequest struct {
	OrgID              string  `json:"org_id"`
	UserID             string  `json:"user_id,omitempty"`
	RequestID          string  `json:"request_id,omitempty"`
	EstimatedTokens    int64   `json:"estimated_tokens"`
	EstimatedRequests  int64   `json:"estimated_requests"`
	EstimatedDecisions int64   `json:"estimated_decisions"`
	EstimatedCost      float64 `json:"estimated_cost"`
}

// Verdict is the outcome of CheckAndReserve. Blocked verdicts carry the
// dimensions that failed; overage verdicts carry the computed overage cost.
// A Verdict is a result value, never an error; storage failures are the
// only errors a quota check propagates.
type Verdict struct {
	Kind              VerdictKind     `json:"kind"`
	ReservationID     string          `json:"reservation_id,omitempty"`
	BlockedDimensions []Dimension     `json:"blocked_dimensions,omitempty"`
	OverageCost       float64         `json:"overage_cost,omitempty"`
	Limits            *ResolvedLimits `json:"limits,omitempty"`
}

// Allowed reports whether the request may proceed.
func (v *Verdict) Allowed() bool {
	return v.Kind == VerdictAllowed || v.Kind == VerdictAllowedWithOverage
}

// Reservation records a provisional counter increment awaiting
// finalization with actual consumption totals. Cost carries only the
// estimated spend; OverageCost holds the surcharge billed at reserve
// time, which finalization never reverses.
type Reservation struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	UserID      string    `json:"user_id,omitempty"`
	PeriodStart time.Time `json:"period_start"`
	Tokens      int64     `json:"tokens"`
	Requests    int64     `json:"requests"`
	Decisions   int64     `json:"decisions"`
	Cost        float64   `json:"cost"`
	OverageCost float64   `json:"overage_cost,omitempty"`
	Finalized   bool      `json:"finalized"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewUsageCounter creates a zeroed counter for a scope. Counters are always
// constructed with their organization id explicitly; nothing populates it
// after the fact.
func NewUsageCounter(id, orgID, userID string, periodStart time.Time) *UsageCounter {
	return &UsageCounter{
		ID:          id,
		OrgID:       orgID,
		UserID:      userID,
		PeriodStart: periodStart,
		UpdatedAt:   time.Now().UTC(),
	}
}

// HasCrossed reports whether the given alert threshold has already been
// signalled in this period.
func (c *UsageCounter) HasCrossed(threshold int) bool {
	for _, t := range c.CrossedThresholds {
		if t == threshold {
			return true
		}
	}
	return false
}

// MarkCrossed records a threshold as signalled for this period.
func (c *UsageCounter) MarkCrossed(threshold int) {
	if !c.HasCrossed(threshold) {
		c.CrossedThresholds = append(c.CrossedThresholds, threshold)
	}
}

// Limits returns the limit set carried by an organization quota.
func (q *OrgQuota) Limits() ResolvedLimits {
	return ResolvedLimits{
		TokenLimit:        q.TokenLimit,
		RequestLimit:      q.RequestLimit,
		DecisionLimit:     q.DecisionLimit,
		CostLimit:         q.CostLimit,
		OverageAllowed:    q.OverageAllowed,
		OverageRate:       q.OverageRate,
		AlertThresholdPct: q.AlertThresholdPct,
		EnforceQuota:      q.EnforceQuota,
		PeriodAnchorDay:   q.PeriodAnchorDay,
		Source:            "org_quota",
	}
}

// Limits returns the limit set carried by a user override. Overrides are
// always enforced; an unenforced org quota does not relax a deliberate
// per-user cap.
func (o *UserOverride) Limits() ResolvedLimits {
	return ResolvedLimits{
		TokenLimit:        o.TokenLimit,
		RequestLimit:      o.RequestLimit,
		DecisionLimit:     o.DecisionLimit,
		CostLimit:         o.CostLimit,
		OverageAllowed:    o.OverageAllowed,
		OverageRate:       o.OverageRate,
		AlertThresholdPct: o.AlertThresholdPct,
		EnforceQuota:      true,
		Source:            "user_override",
	}
}

// Validate validates a tier template's configuration.
func (t *TierTemplate) Validate() error {
	if t.ID == "" {
		return ErrInvalidTemplateID
	}
	if t.TierName == "" {
		return ErrInvalidTierName
	}
	if t.TokenLimit < 0 || t.RequestLimit < 0 || t.DecisionLimit < 0 || t.CostLimit < 0 {
		return ErrInvalidLimit
	}
	if t.OverageRate < 0 {
		return ErrInvalidOverageRate
	}
	if t.AlertThresholdPct < 0 || t.AlertThresholdPct > 100 {
		return ErrInvalidAlertThreshold
	}
	return nil
}

// Validate validates an organization quota's configuration.
func (q *OrgQuota) Validate() error {
	if q.ID == "" {
		return ErrInvalidQuotaID
	}
	if q.OrgID == "" {
		return ErrInvalidOrgID
	}
	if q.TokenLimit < 0 || q.RequestLimit < 0 || q.DecisionLimit < 0 || q.CostLimit < 0 {
		return ErrInvalidLimit
	}
	if q.OverageRate < 0 {
		return ErrInvalidOverageRate
	}
	if q.AlertThresholdPct < 0 || q.AlertThresholdPct > 100 {
		return ErrInvalidAlertThreshold
	}
	return nil
}

// Validate validates a user override's configuration.
func (o *UserOverride) Validate() error {
	if o.ID == "" {
		return ErrInvalidOverrideID
	}
	if o.OrgID == "" {
		return ErrInvalidOrgID
	}
	if o.UserID == "" {
		return ErrInvalidUserID
	}
	if o.PeriodStart.IsZero() {
		return ErrInvalidPeriodStart
	}
	if o.TokenLimit < 0 || o.RequestLimit < 0 || o.DecisionLimit < 0 || o.CostLimit < 0 {
		return ErrInvalidLimit
	}
	return nil
}

// periodLength is the default billing window.
const periodLength = 30 * 24 * time.Hour

// PeriodStartFor computes the current billing period start: the most recent
// anchored day-of-month, advanced in 30-day steps until it covers now.
// Anchor days above 28 are clamped so every month has the anchor.
func PeriodStartFor(now time.Time, anchorDay int) time.Time {
	if anchorDay < 1 {
		anchorDay = 1
	}
	if anchorDay > 28 {
		anchorDay = 28
	}

	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), anchorDay, 0, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}

	// 31-day months leave a tail beyond the 30-day window; step forward
	// so the invariant start <= now < start+30d always holds.
	for !now.Before(start.Add(periodLength)) {
		start = start.Add(periodLength)
	}
	return start
}

// PeriodEndFor returns the exclusive end of the period beginning at start.
func PeriodEndFor(start time.Time) time.Time {
	return start.Add(periodLength)
}
