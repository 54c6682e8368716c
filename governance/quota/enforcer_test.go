// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"intellipm/platform/shared/logger"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// captureNotifier records threshold signals for assertions.
type captureNotifier struct {
	mu      sync.Mutex
	signals []ThresholdSignal
}

func (n *captureNotifier) ThresholdCrossed(ctx context.Context, sig ThresholdSignal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, sig)
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.signals)
}

func newTestEnforcer(repo Repository, opts ...EnforcerOption) *Enforcer {
	opts = append([]EnforcerOption{WithClock(func() time.Time { return testNow })}, opts...)
	return NewEnforcer(repo, NewResolver(repo), logger.New("quota-test"), opts...)
}

func freeTierQuota(orgID string) *OrgQuota {
	return &OrgQuota{
		ID:                "q-" + orgID,
		OrgID:             orgID,
		TierName:          "free",
		TokenLimit:        100000,
		RequestLimit:      100,
		DecisionLimit:     50,
		CostLimit:         0,
		OverageAllowed:    false,
		AlertThresholdPct: 80,
		EnforceQuota:      true,
		PeriodAnchorDay:   1,
		Active:            true,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
}

func proTierQuota(orgID string) *OrgQuota {
	q := freeTierQuota(orgID)
	q.TierName = "pro"
	q.TokenLimit = 1000000
	q.RequestLimit = 10000
	q.DecisionLimit = 5000
	q.CostLimit = 100
	q.OverageAllowed = true
	q.OverageRate = 0.02
	return q
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCheckAndReserveBlocksOverLimit(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, freeTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	enforcer := newTestEnforcer(repo)

	verdict, err := enforcer.CheckAndReserve(ctx, CheckRequest{
		OrgID:           "org-1",
		EstimatedTokens: 100001,
	})
	if err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}

	if verdict.Kind != VerdictBlocked {
		t.Fatalf("Kind = %s, want blocked", verdict.Kind)
	}
	if len(verdict.BlockedDimensions) != 1 || verdict.BlockedDimensions[0] != DimensionTokens {
		t.Errorf("BlockedDimensions = %v, want [tokens]", verdict.BlockedDimensions)
	}
	if verdict.ReservationID != "" {
		t.Error("blocked verdicts must not carry a reservation")
	}

	// A blocked check must not consume quota.
	periodStart := PeriodStartFor(testNow, 1)
	if c := repo.counterFor("org-1", "", periodStart); c != nil {
		t.Errorf("blocked check wrote a counter: %+v", c)
	}
}

func TestCheckAndReserveSequentialExhaustion(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, freeTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	enforcer := newTestEnforcer(repo)

	first, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 50000})
	if err != nil {
		t.Fatalf("first CheckAndReserve() error = %v", err)
	}
	if first.Kind != VerdictAllowed {
		t.Fatalf("first verdict = %s, want allowed", first.Kind)
	}
	if first.ReservationID == "" {
		t.Error("allowed verdicts must carry a reservation")
	}

	second, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 50000})
	if err != nil {
		t.Fatalf("second CheckAndReserve() error = %v", err)
	}
	if second.Kind != VerdictBlocked {
		t.Fatalf("second verdict = %s, want blocked once the limit is exhausted", second.Kind)
	}

	periodStart := PeriodStartFor(testNow, 1)
	counter := repo.counterFor("org-1", "", periodStart)
	if counter == nil {
		t.Fatal("counter missing after allowed check")
	}
	if counter.Tokens != 50000 {
		t.Errorf("Tokens = %d, want 50000 (only the allowed check counted)", counter.Tokens)
	}
	if counter.Requests != 1 {
		t.Errorf("Requests = %d, want 1", counter.Requests)
	}
	if counter.Decisions != 1 {
		t.Errorf("Decisions = %d, want 1", counter.Decisions)
	}
}

func TestCheckAndReserveOverage(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}

	periodStart := PeriodStartFor(testNow, 1)
	repo.seedCounter(&UsageCounter{
		ID:                "c-1",
		OrgID:             "org-1",
		PeriodStart:       periodStart,
		Tokens:            1000000,
		Requests:          10,
		Decisions:         5,
		Cost:              20,
		CrossedThresholds: []int{80},
		Version:           3,
		UpdatedAt:         testNow,
	})

	enforcer := newTestEnforcer(repo)
	verdict, err := enforcer.CheckAndReserve(ctx, CheckRequest{
		OrgID:           "org-1",
		EstimatedTokens: 1000,
		EstimatedCost:   0.5,
	})
	if err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}

	if verdict.Kind != VerdictAllowedWithOverage {
		t.Fatalf("Kind = %s, want allowed_with_overage", verdict.Kind)
	}
	if !almostEqual(verdict.OverageCost, 0.02) {
		t.Errorf("OverageCost = %v, want 0.02 (0.02 per 1000 excess tokens)", verdict.OverageCost)
	}

	counter := repo.counterFor("org-1", "", periodStart)
	if counter.Tokens != 1001000 {
		t.Errorf("Tokens = %d, want 1001000", counter.Tokens)
	}
	if !almostEqual(counter.Cost, 20.52) {
		t.Errorf("Cost = %v, want 20.52 (estimated plus overage)", counter.Cost)
	}
	if counter.Version != 4 {
		t.Errorf("Version = %d, want 4", counter.Version)
	}
}

func TestCheckAndReserveAtomicOnReservationFailure(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	repo.reserveErr = errors.New("insert failed")

	enforcer := newTestEnforcer(repo)
	if _, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 1000}); err == nil {
		t.Fatal("CheckAndReserve() should fail when the reservation write fails")
	}

	// The failed write must not leave phantom usage behind.
	if c := repo.counterFor("org-1", "", PeriodStartFor(testNow, 1)); c != nil {
		t.Errorf("failed reservation charged the counter: %+v", c)
	}
}

func TestCheckAndReserveUnenforcedAccrues(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	quota := freeTierQuota("org-1")
	quota.EnforceQuota = false
	if err := repo.CreateOrgQuota(ctx, quota); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	enforcer := newTestEnforcer(repo)

	verdict, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 500000})
	if err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}
	if verdict.Kind != VerdictAllowed {
		t.Fatalf("Kind = %s, unenforced quotas always allow", verdict.Kind)
	}

	counter := repo.counterFor("org-1", "", PeriodStartFor(testNow, 1))
	if counter == nil || counter.Tokens != 500000 {
		t.Error("usage should still accrue for reporting when the quota is unenforced")
	}
}

func TestCheckAndReserveNoQuota(t *testing.T) {
	enforcer := newTestEnforcer(NewMockRepository())

	_, err := enforcer.CheckAndReserve(context.Background(), CheckRequest{OrgID: "org-1", EstimatedTokens: 10})
	if !errors.Is(err, ErrNoQuotaConfigured) {
		t.Errorf("CheckAndReserve() error = %v, want ErrNoQuotaConfigured", err)
	}
}

func TestCheckAndReserveRetriesConflicts(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	periodStart := PeriodStartFor(testNow, 1)
	repo.seedCounter(&UsageCounter{
		ID:          "c-1",
		OrgID:       "org-1",
		PeriodStart: periodStart,
		Tokens:      100,
		Version:     1,
		UpdatedAt:   testNow,
	})
	repo.conflictsLeft = 2

	enforcer := newTestEnforcer(repo)
	verdict, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 1000})
	if err != nil {
		t.Fatalf("CheckAndReserve() error = %v, two conflicts fit inside the retry bound", err)
	}
	if verdict.Kind != VerdictAllowed {
		t.Fatalf("Kind = %s, want allowed", verdict.Kind)
	}

	counter := repo.counterFor("org-1", "", periodStart)
	if counter.Tokens != 1100 {
		t.Errorf("Tokens = %d, want 1100 (exactly one net increment)", counter.Tokens)
	}
}

func TestCheckAndReserveConflictExhaustion(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	periodStart := PeriodStartFor(testNow, 1)
	repo.seedCounter(&UsageCounter{
		ID:          "c-1",
		OrgID:       "org-1",
		PeriodStart: periodStart,
		Tokens:      100,
		Version:     1,
		UpdatedAt:   testNow,
	})
	repo.conflictsLeft = 10

	enforcer := newTestEnforcer(repo)
	_, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 1000})
	if !errors.Is(err, ErrTransientConflict) {
		t.Fatalf("CheckAndReserve() error = %v, want ErrTransientConflict", err)
	}

	// The failed check must not have consumed anything; a retried request
	// lands exactly one increment.
	counter := repo.counterFor("org-1", "", periodStart)
	if counter.Tokens != 100 {
		t.Fatalf("Tokens = %d, want 100 after exhausted conflicts", counter.Tokens)
	}

	repo.conflictsLeft = 0
	if _, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 1000}); err != nil {
		t.Fatalf("retried CheckAndReserve() error = %v", err)
	}
	counter = repo.counterFor("org-1", "", periodStart)
	if counter.Tokens != 1100 {
		t.Errorf("Tokens = %d, want 1100 (retry increments exactly once net)", counter.Tokens)
	}
}

func TestCheckAndReserveConflictObserver(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	periodStart := PeriodStartFor(testNow, 1)
	repo.seedCounter(&UsageCounter{
		ID:          "c-1",
		OrgID:       "org-1",
		PeriodStart: periodStart,
		Tokens:      100,
		Version:     1,
		UpdatedAt:   testNow,
	})
	repo.conflictsLeft = 2

	conflicts := 0
	enforcer := newTestEnforcer(repo, WithConflictObserver(func() { conflicts++ }))
	if _, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 1000}); err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}
	if conflicts != 2 {
		t.Errorf("observed conflicts = %d, want 2", conflicts)
	}
}

func TestThresholdSignalExactlyOnce(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, freeTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}

	notifier := &captureNotifier{}
	enforcer := newTestEnforcer(repo, WithThresholdNotifier(notifier))

	// 85% of the token limit crosses the 80% threshold.
	if _, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 85000}); err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("signals = %d, want 1 after first crossing", notifier.count())
	}

	sig := notifier.signals[0]
	if sig.Dimension != DimensionTokens || sig.Threshold != 80 {
		t.Errorf("signal = %+v, want tokens/80", sig)
	}
	if !almostEqual(sig.Percentage, 85) {
		t.Errorf("Percentage = %v, want 85", sig.Percentage)
	}

	// Staying above the threshold must not re-signal.
	if _, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: 1000}); err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}
	if notifier.count() != 1 {
		t.Errorf("signals = %d, threshold must fire exactly once per period", notifier.count())
	}
}

func TestFinalizeCorrectsCounters(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	enforcer := newTestEnforcer(repo)

	verdict, err := enforcer.CheckAndReserve(ctx, CheckRequest{
		OrgID:           "org-1",
		EstimatedTokens: 50000,
		EstimatedCost:   1.0,
	})
	if err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}

	if err := enforcer.Finalize(ctx, verdict.ReservationID, 40000, 0.8); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	counter := repo.counterFor("org-1", "", PeriodStartFor(testNow, 1))
	if counter.Tokens != 40000 {
		t.Errorf("Tokens = %d, want 40000 after downward correction", counter.Tokens)
	}
	if !almostEqual(counter.Cost, 0.8) {
		t.Errorf("Cost = %v, want 0.8", counter.Cost)
	}

	// Double finalization is rejected.
	if err := enforcer.Finalize(ctx, verdict.ReservationID, 40000, 0.8); !errors.Is(err, ErrReservationFinalized) {
		t.Errorf("second Finalize() error = %v, want ErrReservationFinalized", err)
	}
}

func TestFinalizeKeepsOverageBilled(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}

	periodStart := PeriodStartFor(testNow, 1)
	repo.seedCounter(&UsageCounter{
		ID:                "c-1",
		OrgID:             "org-1",
		PeriodStart:       periodStart,
		Tokens:            1000000,
		Cost:              20,
		CrossedThresholds: []int{80},
		Version:           3,
		UpdatedAt:         testNow,
	})

	enforcer := newTestEnforcer(repo)
	verdict, err := enforcer.CheckAndReserve(ctx, CheckRequest{
		OrgID:           "org-1",
		EstimatedTokens: 1000,
		EstimatedCost:   0.5,
	})
	if err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}
	if verdict.Kind != VerdictAllowedWithOverage {
		t.Fatalf("Kind = %s, want allowed_with_overage", verdict.Kind)
	}

	res, err := repo.GetReservation(ctx, verdict.ReservationID)
	if err != nil {
		t.Fatalf("GetReservation() error = %v", err)
	}
	if !almostEqual(res.Cost, 0.5) || !almostEqual(res.OverageCost, 0.02) {
		t.Errorf("reservation cost = %v / overage = %v, want 0.5 / 0.02", res.Cost, res.OverageCost)
	}

	// Actuals matching the estimates must not reverse the surcharge.
	if err := enforcer.Finalize(ctx, verdict.ReservationID, 1000, 0.5); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	counter := repo.counterFor("org-1", "", periodStart)
	if !almostEqual(counter.Cost, 20.52) {
		t.Errorf("Cost = %v, want 20.52 with the overage still billed", counter.Cost)
	}
	if counter.Tokens != 1001000 {
		t.Errorf("Tokens = %d, want 1001000", counter.Tokens)
	}
}

func TestFinalizeClampsAtZero(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	enforcer := newTestEnforcer(repo)

	verdict, err := enforcer.CheckAndReserve(ctx, CheckRequest{
		OrgID:           "org-1",
		EstimatedTokens: 1000,
		EstimatedCost:   0.5,
	})
	if err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}

	// Simulate an external correction that already shrank the counter
	// below the reserved amount.
	periodStart := PeriodStartFor(testNow, 1)
	stored := repo.counterFor("org-1", "", periodStart)
	repo.seedCounter(&UsageCounter{
		ID:          stored.ID,
		OrgID:       stored.OrgID,
		PeriodStart: stored.PeriodStart,
		Tokens:      500,
		Cost:        0.1,
		Version:     stored.Version,
		UpdatedAt:   stored.UpdatedAt,
	})

	if err := enforcer.Finalize(ctx, verdict.ReservationID, 0, 0); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	counter := repo.counterFor("org-1", "", periodStart)
	if counter.Tokens != 0 {
		t.Errorf("Tokens = %d, counters clamp at zero", counter.Tokens)
	}
	if counter.Cost != 0 {
		t.Errorf("Cost = %v, counters clamp at zero", counter.Cost)
	}
}

func TestFinalizeUnknownReservation(t *testing.T) {
	enforcer := newTestEnforcer(NewMockRepository())

	err := enforcer.Finalize(context.Background(), "missing", 0, 0)
	if !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("Finalize() error = %v, want ErrReservationNotFound", err)
	}
}

func TestCheckAndReserveValidation(t *testing.T) {
	enforcer := newTestEnforcer(NewMockRepository())
	ctx := context.Background()

	if _, err := enforcer.CheckAndReserve(ctx, CheckRequest{EstimatedTokens: 10}); !errors.Is(err, ErrInvalidOrgID) {
		t.Errorf("missing org error = %v, want ErrInvalidOrgID", err)
	}
	if _, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", EstimatedTokens: -5}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("negative estimate error = %v, want ErrInvalidInput", err)
	}
}

func TestCheckAndReserveUserScopedCounter(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	if err := repo.CreateOrgQuota(ctx, proTierQuota("org-1")); err != nil {
		t.Fatalf("CreateOrgQuota() error = %v", err)
	}
	enforcer := newTestEnforcer(repo)

	if _, err := enforcer.CheckAndReserve(ctx, CheckRequest{OrgID: "org-1", UserID: "user-1", EstimatedTokens: 100}); err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}

	periodStart := PeriodStartFor(testNow, 1)
	if c := repo.counterFor("org-1", "user-1", periodStart); c == nil || c.Tokens != 100 {
		t.Error("user-scoped check should land on the user counter")
	}
	if c := repo.counterFor("org-1", "", periodStart); c != nil {
		t.Error("user-scoped check should not touch the org-wide counter")
	}
}
