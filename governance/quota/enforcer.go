// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"intellipm/platform/shared/logger"
)

// ThresholdSignal is emitted when usage first crosses an alert threshold
// in a period. Delivery is consumed externally by the notification
// service; the enforcer never blocks on it.
type ThresholdSignal struct {
	OrgID      string    `json:"org_id"`
	UserID     string    `json:"user_id,omitempty"`
	Dimension  Dimension `json:"dimension"`
	Threshold  int       `json:"threshold"`
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

// ThresholdNotifier receives threshold-crossed signals.
type ThresholdNotifier interface {
	ThresholdCrossed(ctx context.Context, signal ThresholdSignal)
}

// AuditSink records quota verdicts in the append-only audit log.
type AuditSink interface {
	QuotaVerdict(ctx context.Context, req CheckRequest, verdict *Verdict)
}

// DefaultConflictRetries bounds the optimistic read-compute-write loop.
const DefaultConflictRetries = 3

// Enforcer performs pre-flight quota checks and post-call finalization.
// Counter updates use optimistic concurrency keyed on (org, user, period);
// contention never spans more than the single counter row involved.
type Enforcer struct {
	repo       Repository
	resolver   *Resolver
	notifier   ThresholdNotifier
	audit      AuditSink
	log        *logger.Logger
	onConflict func()

	maxRetries int
	now        func() time.Time
}

// EnforcerOption customizes an Enforcer.
type EnforcerOption func(*Enforcer)

// WithThresholdNotifier sets the threshold-crossed signal consumer.
func WithThresholdNotifier(n ThresholdNotifier) EnforcerOption {
	return func(e *Enforcer) { e.notifier = n }
}

// WithAuditSink sets the audit sink for quota verdicts.
func WithAuditSink(s AuditSink) EnforcerOption {
	return func(e *Enforcer) { e.audit = s }
}

// WithConflictRetries overrides the bounded retry count.
func WithConflictRetries(n int) EnforcerOption {
	return func(e *Enforcer) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithConflictObserver registers a callback invoked once per version
// conflict hit during reserve or finalize retries.
func WithConflictObserver(fn func()) EnforcerOption {
	return func(e *Enforcer) { e.onConflict = fn }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) EnforcerOption {
	return func(e *Enforcer) { e.now = now }
}

// NewEnforcer creates a quota enforcer.
func NewEnforcer(repo Repository, resolver *Resolver, log *logger.Logger, opts ...EnforcerOption) *Enforcer {
	if log == nil {
		log = logger.New("quota")
	}
	e := &Enforcer{
		repo:       repo,
		resolver:   resolver,
		log:        log,
		maxRetries: DefaultConflictRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckAndReserve resolves limits, projects usage, and reserves the
// estimated consumption in one conditional write. The reservation is
// provisional until Finalize corrects it with actual totals.
//
// The returned Verdict is a value in all non-error cases, including
// Blocked. Errors are reserved for missing configuration
// (ErrNoQuotaConfigured), retry exhaustion (ErrTransientConflict), and
// storage failures.
func (e *Enforcer) CheckAndReserve(ctx context.Context, req CheckRequest) (*Verdict, error) {
	if req.OrgID == "" {
		return nil, ErrInvalidOrgID
	}
	if req.EstimatedTokens < 0 || req.EstimatedRequests < 0 || req.EstimatedDecisions < 0 || req.EstimatedCost < 0 {
		return nil, ErrInvalidInput
	}
	if req.EstimatedRequests == 0 {
		req.EstimatedRequests = 1
	}
	if req.EstimatedDecisions == 0 {
		req.EstimatedDecisions = 1
	}

	now := e.now()

	limits, err := e.resolver.Resolve(ctx, req.OrgID, req.UserID, now)
	if err != nil {
		return nil, err
	}
	periodStart := PeriodStartFor(now, limits.PeriodAnchorDay)

	var verdict *Verdict
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		verdict, err = e.tryReserve(ctx, req, limits, periodStart, now)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		e.conflictNoted()
	}
	if errors.Is(err, ErrVersionConflict) {
		return nil, ErrTransientConflict
	}
	if err != nil {
		return nil, err
	}

	if e.audit != nil {
		e.audit.QuotaVerdict(ctx, req, verdict)
	}

	e.log.Info(req.OrgID, req.RequestID, "quota check complete", map[string]interface{}{
		"verdict":      string(verdict.Kind),
		"tokens":       req.EstimatedTokens,
		"cost":         req.EstimatedCost,
		"overage_cost": verdict.OverageCost,
	})

	return verdict, nil
}

// tryReserve performs one read-compute-conditional-write cycle.
func (e *Enforcer) tryReserve(ctx context.Context, req CheckRequest, limits *ResolvedLimits, periodStart, now time.Time) (*Verdict, error) {
	counter, err := e.repo.GetCounter(ctx, req.OrgID, req.UserID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage counter: %w", err)
	}

	if counter == nil {
		// Period rolled over (or first use): start from a zeroed counter.
		// Version zero routes the reservation to the insert path.
		counter = NewUsageCounter(uuid.New().String(), req.OrgID, req.UserID, periodStart)
	}

	projTokens := counter.Tokens + req.EstimatedTokens
	projRequests := counter.Requests + req.EstimatedRequests
	projDecisions := counter.Decisions + req.EstimatedDecisions
	projCost := counter.Cost + req.EstimatedCost

	exceeded := exceededDimensions(limits, req, projTokens, projRequests, projDecisions, projCost)

	verdict := &Verdict{Kind: VerdictAllowed, Limits: limits}
	overageCost := 0.0

	switch {
	case !limits.EnforceQuota:
		// Unenforced quotas still accrue usage for reporting.
	case len(exceeded) == 0:
	case limits.OverageAllowed:
		overageCost = e.overageCost(limits, counter, projTokens, projRequests, projDecisions, projCost)
		projCost += overageCost
		verdict.Kind = VerdictAllowedWithOverage
		verdict.OverageCost = overageCost
	default:
		verdict.Kind = VerdictBlocked
		verdict.BlockedDimensions = exceeded
		return verdict, nil
	}

	signals := e.collectThresholdSignals(limits, counter, req.UserID, projTokens, projRequests, projDecisions, projCost, now)

	expectedVersion := counter.Version
	counter.Tokens = projTokens
	counter.Requests = projRequests
	counter.Decisions = projDecisions
	counter.Cost = projCost
	counter.UpdatedAt = now

	// The reservation records the estimated consumption and the overage
	// surcharge separately: Finalize corrects the estimates with actuals
	// while the surcharge stays billed.
	reservation := &Reservation{
		ID:          uuid.New().String(),
		OrgID:       req.OrgID,
		UserID:      req.UserID,
		PeriodStart: periodStart,
		Tokens:      req.EstimatedTokens,
		Requests:    req.EstimatedRequests,
		Decisions:   req.EstimatedDecisions,
		Cost:        req.EstimatedCost,
		OverageCost: overageCost,
		CreatedAt:   now,
	}
	if err := e.repo.Reserve(ctx, counter, expectedVersion, reservation); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to reserve usage: %w", err)
	}
	verdict.ReservationID = reservation.ID

	for _, sig := range signals {
		e.emitThreshold(ctx, sig)
	}

	return verdict, nil
}

// Finalize corrects the provisional reservation with actual consumption.
// Counters are adjusted by the delta between actual and estimated values
// and clamped at zero; they never go negative. Overage billed at reserve
// time is outside the delta and stays on the counter.
func (e *Enforcer) Finalize(ctx context.Context, reservationID string, actualTokens int64, actualCost float64) error {
	if reservationID == "" {
		return ErrInvalidInput
	}
	if actualTokens < 0 || actualCost < 0 {
		return ErrInvalidInput
	}

	reservation, err := e.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if reservation.Finalized {
		return ErrReservationFinalized
	}

	deltaTokens := actualTokens - reservation.Tokens
	deltaCost := actualCost - reservation.Cost

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		counter, err := e.repo.GetCounter(ctx, reservation.OrgID, reservation.UserID, reservation.PeriodStart)
		if err != nil {
			return fmt.Errorf("failed to read usage counter: %w", err)
		}
		if counter == nil {
			// Period rolled over between reserve and finalize; nothing to
			// correct in the new period.
			break
		}

		counter.Tokens = clampInt64(counter.Tokens + deltaTokens)
		counter.Cost = clampFloat(counter.Cost + deltaCost)
		counter.UpdatedAt = e.now()

		lastErr = e.repo.UpdateCounter(ctx, counter, counter.Version)
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, ErrVersionConflict) {
			return lastErr
		}
		e.conflictNoted()
	}
	if errors.Is(lastErr, ErrVersionConflict) {
		return ErrTransientConflict
	}

	if err := e.repo.FinalizeReservation(ctx, reservationID); err != nil {
		return fmt.Errorf("failed to finalize reservation: %w", err)
	}

	e.log.Info(reservation.OrgID, "", "reservation finalized", map[string]interface{}{
		"reservation_id": reservationID,
		"actual_tokens":  actualTokens,
		"actual_cost":    actualCost,
	})

	return nil
}

// Usage reports current-period consumption against resolved limits. A
// scope with no recorded usage yet returns a zeroed counter rather than
// an error.
func (e *Enforcer) Usage(ctx context.Context, orgID, userID string) (*UsageCounter, *ResolvedLimits, error) {
	if orgID == "" {
		return nil, nil, ErrInvalidOrgID
	}

	now := e.now()
	limits, err := e.resolver.Resolve(ctx, orgID, userID, now)
	if err != nil {
		return nil, nil, err
	}

	periodStart := PeriodStartFor(now, limits.PeriodAnchorDay)
	counter, err := e.repo.GetCounter(ctx, orgID, userID, periodStart)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load usage counter: %w", err)
	}
	if counter == nil {
		counter = NewUsageCounter("", orgID, userID, periodStart)
	}

	return counter, limits, nil
}

// exceededDimensions returns the dimensions whose projected usage reaches
// or passes the resolved limit. Limits are exclusive caps: a request that
// lands exactly on the limit exhausts it. A dimension the request does not
// consume never blocks it, which is what lets a zero cost limit coexist
// with zero-cost requests.
func exceededDimensions(limits *ResolvedLimits, req CheckRequest, tokens, requests, decisions int64, cost float64) []Dimension {
	var exceeded []Dimension
	if req.EstimatedTokens > 0 && tokens >= limits.TokenLimit {
		exceeded = append(exceeded, DimensionTokens)
	}
	if req.EstimatedRequests > 0 && requests >= limits.RequestLimit {
		exceeded = append(exceeded, DimensionRequests)
	}
	if req.EstimatedDecisions > 0 && decisions >= limits.DecisionLimit {
		exceeded = append(exceeded, DimensionDecisions)
	}
	if req.EstimatedCost > 0 && cost >= limits.CostLimit {
		exceeded = append(exceeded, DimensionCost)
	}
	return exceeded
}

// overageCost prices usage beyond the limits. Token overage is billed per
// 1000 excess tokens; request and decision overage per excess unit.
func (e *Enforcer) overageCost(limits *ResolvedLimits, counter *UsageCounter, tokens, requests, decisions int64, cost float64) float64 {
	total := 0.0
	if tokens > limits.TokenLimit {
		excess := tokens - maxInt64(counter.Tokens, limits.TokenLimit)
		if excess > 0 {
			total += limits.OverageRate * float64(excess) / 1000.0
		}
	}
	if requests > limits.RequestLimit {
		excess := requests - maxInt64(counter.Requests, limits.RequestLimit)
		if excess > 0 {
			total += limits.OverageRate * float64(excess)
		}
	}
	if decisions > limits.DecisionLimit {
		excess := decisions - maxInt64(counter.Decisions, limits.DecisionLimit)
		if excess > 0 {
			total += limits.OverageRate * float64(excess)
		}
	}
	return roundCost(total)
}

// collectThresholdSignals finds alert thresholds crossed for the first
// time this period and marks them on the counter so the conditional write
// that commits the usage also commits the exactly-once guarantee.
func (e *Enforcer) collectThresholdSignals(limits *ResolvedLimits, counter *UsageCounter, userID string, tokens, requests, decisions int64, cost float64, now time.Time) []ThresholdSignal {
	threshold := limits.AlertThresholdPct
	if threshold <= 0 {
		return nil
	}
	if counter.HasCrossed(threshold) {
		return nil
	}

	dims := []struct {
		dim   Dimension
		used  float64
		limit float64
	}{
		{DimensionTokens, float64(tokens), float64(limits.TokenLimit)},
		{DimensionRequests, float64(requests), float64(limits.RequestLimit)},
		{DimensionDecisions, float64(decisions), float64(limits.DecisionLimit)},
		{DimensionCost, cost, limits.CostLimit},
	}

	var signals []ThresholdSignal
	for _, d := range dims {
		if d.limit <= 0 {
			continue
		}
		pct := d.used / d.limit * 100
		if pct >= float64(threshold) {
			signals = append(signals, ThresholdSignal{
				OrgID:      counter.OrgID,
				UserID:     userID,
				Dimension:  d.dim,
				Threshold:  threshold,
				Percentage: pct,
				Timestamp:  now,
			})
		}
	}

	if len(signals) > 0 {
		counter.MarkCrossed(threshold)
	}
	return signals
}

func (e *Enforcer) emitThreshold(ctx context.Context, sig ThresholdSignal) {
	if e.notifier == nil {
		return
	}
	e.notifier.ThresholdCrossed(ctx, sig)
	e.log.Warn(sig.OrgID, "", "quota alert threshold crossed", map[string]interface{}{
		"dimension":  string(sig.Dimension),
		"threshold":  sig.Threshold,
		"percentage": sig.Percentage,
	})
}

func (e *Enforcer) conflictNoted() {
	if e.onConflict != nil {
		e.onConflict()
	}
}

func clampInt64(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func clampFloat(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// roundCost rounds to 6 decimal places, matching the DECIMAL(12,6)
// precision of the cost columns.
func roundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
