// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"intellipm/platform/governance/approval"
	"intellipm/platform/governance/audit"
	"intellipm/platform/governance/events"
	"intellipm/platform/shared/logger"
)

// ExecutionTrigger applies an approved decision's effect. Implemented by
// the agent execution pipeline; a failure is recorded on the decision and
// never rolls back the approval.
type ExecutionTrigger interface {
	Execute(ctx context.Context, rec *Record) error
}

// sweepBatchSize bounds one pass of the expiry sweep.
const sweepBatchSize = 500

// Lifecycle owns decision records and their state machine. All status
// transitions go through conditional writes keyed on the decision id, so
// racing approvers, rejecters, and the expiry sweep serialize per record.
type Lifecycle struct {
	repo      Repository
	gate      *approval.Gate
	resolver  *approval.PolicyResolver
	trigger   ExecutionTrigger
	publisher events.Publisher
	audit     audit.Recorder
	log       *logger.Logger
	now       func() time.Time
}

// LifecycleOption customizes a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithPublisher sets the event publisher for approval-requested signals.
func WithPublisher(p events.Publisher) LifecycleOption {
	return func(l *Lifecycle) { l.publisher = p }
}

// WithAuditRecorder sets the audit sink for decision transitions.
func WithAuditRecorder(r audit.Recorder) LifecycleOption {
	return func(l *Lifecycle) { l.audit = r }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) { l.now = now }
}

// NewLifecycle creates a decision lifecycle manager.
func NewLifecycle(repo Repository, gate *approval.Gate, resolver *approval.PolicyResolver, trigger ExecutionTrigger, log *logger.Logger, opts ...LifecycleOption) *Lifecycle {
	if log == nil {
		log = logger.New("decision")
	}
	l := &Lifecycle{
		repo:     repo,
		gate:     gate,
		resolver: resolver,
		trigger:  trigger,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create persists a freshly produced agent decision. Gated decisions land
// in Pending and an approval-requested event is emitted; everything else
// auto-applies, invoking the execution trigger synchronously before
// returning.
//
// On the auto-apply path a trigger failure leaves the record Approved with
// the failure recorded, and Create returns the record together with
// ErrExecutionTriggerFailed.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := l.now()
	rec := &Record{
		ID:            uuid.New().String(),
		OrgID:         req.OrgID,
		DecisionType:  req.DecisionType,
		AgentID:       req.AgentID,
		Title:         req.Title,
		Reasoning:     req.Reasoning,
		Alternatives:  req.Alternatives,
		Confidence:    req.Confidence,
		EstimatedCost: req.EstimatedCost,
		Critical:      req.Critical,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	gateResult, err := l.gate.Evaluate(ctx, approval.Input{
		OrgID:         req.OrgID,
		DecisionType:  req.DecisionType,
		Confidence:    req.Confidence,
		EstimatedCost: req.EstimatedCost,
		Critical:      req.Critical,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}

	if gateResult.RequiresApproval {
		rec.Status = StatusPending
		rec.RequiredRole = gateResult.RequiredRole
		rec.Deadline = gateResult.Deadline

		if err := l.repo.Create(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to create decision: %w", err)
		}

		l.record(ctx, rec, "decision_created", "", map[string]interface{}{
			"required_role": string(rec.RequiredRole),
			"deadline":      rec.Deadline,
			"gate_reasons":  gateResult.Reasons,
		})

		if l.publisher != nil {
			l.publisher.PublishApprovalRequested(ctx, events.ApprovalRequested{
				DecisionID:   rec.ID,
				OrgID:        rec.OrgID,
				DecisionType: string(rec.DecisionType),
				RequiredRole: string(rec.RequiredRole),
				Deadline:     rec.Deadline,
				Timestamp:    now,
			})
		}

		l.log.Info(rec.OrgID, rec.ID, "decision pending approval", map[string]interface{}{
			"decision_type": string(rec.DecisionType),
			"required_role": string(rec.RequiredRole),
		})

		return rec, nil
	}

	// Auto-apply path: the record exists durably before the trigger runs,
	// so a crash mid-execution never loses the decision.
	rec.Status = StatusApproved
	if err := l.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create decision: %w", err)
	}
	l.record(ctx, rec, "decision_created", "", map[string]interface{}{
		"auto_apply": true,
	})

	if err := l.execute(ctx, rec); err != nil {
		return rec, err
	}

	return rec, nil
}

// Approve transitions a pending decision to Approved and invokes the
// execution trigger. Check order: existence, staleness, deadline,
// authorization, then the conditional transition itself.
func (l *Lifecycle) Approve(ctx context.Context, id string, actor Actor, notes string) (*Record, error) {
	rec, err := l.resolvePending(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	now := l.now()
	rec.Status = StatusApproved
	rec.ApproverID = actor.ID
	rec.ApproverRole = actor.Role
	rec.ResolvedAt = now
	rec.OutcomeNotes = notes
	rec.UpdatedAt = now

	if err := l.repo.Transition(ctx, rec, StatusPending); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil, l.loseRace(ctx, id)
		}
		return nil, fmt.Errorf("failed to approve decision: %w", err)
	}

	l.record(ctx, rec, "approved", actor.ID, map[string]interface{}{
		"actor_role": string(actor.Role),
		"notes":      notes,
	})

	if err := l.execute(ctx, rec); err != nil {
		return rec, err
	}

	return rec, nil
}

// Reject transitions a pending decision to Rejected. Same authorization
// and staleness checks as Approve; no execution trigger.
func (l *Lifecycle) Reject(ctx context.Context, id string, actor Actor, notes string) (*Record, error) {
	rec, err := l.resolvePending(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	now := l.now()
	rec.Status = StatusRejected
	rec.ApproverID = actor.ID
	rec.ApproverRole = actor.Role
	rec.ResolvedAt = now
	rec.OutcomeNotes = notes
	rec.UpdatedAt = now

	if err := l.repo.Transition(ctx, rec, StatusPending); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil, l.loseRace(ctx, id)
		}
		return nil, fmt.Errorf("failed to reject decision: %w", err)
	}

	l.record(ctx, rec, "rejected", actor.ID, map[string]interface{}{
		"actor_role": string(actor.Role),
		"notes":      notes,
	})

	l.log.Info(rec.OrgID, rec.ID, "decision rejected", map[string]interface{}{
		"approver": actor.ID,
	})

	return rec, nil
}

// RetryExecution re-runs the execution trigger for an Approved decision
// whose previous execution failed. Authorization matches Approve.
func (l *Lifecycle) RetryExecution(ctx context.Context, id string, actor Actor) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidDecisionID
	}
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	rec, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusApproved || rec.ExecutionError == "" {
		return nil, ErrNotRetryable
	}
	if err := l.authorize(ctx, rec, actor); err != nil {
		return nil, err
	}

	rec.ExecutionError = ""
	if err := l.execute(ctx, rec); err != nil {
		return rec, err
	}

	return rec, nil
}

// SweepExpired transitions pending decisions whose deadline has passed to
// Expired. Safe to run concurrently with Approve/Reject: each record's
// transition is conditional, a lost race just skips that record.
func (l *Lifecycle) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := l.repo.ListExpiredPending(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired decisions: %w", err)
	}

	count := 0
	for i := range expired {
		rec := expired[i]
		rec.Status = StatusExpired
		rec.ResolvedAt = now
		rec.UpdatedAt = now

		if err := l.repo.Transition(ctx, &rec, StatusPending); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				continue
			}
			return count, fmt.Errorf("failed to expire decision %s: %w", rec.ID, err)
		}
		count++

		l.record(ctx, &rec, "expired", "", map[string]interface{}{
			"deadline": rec.Deadline,
		})
	}

	if count > 0 {
		l.log.Info("", "", "expired pending decisions", map[string]interface{}{
			"count": count,
		})
	}

	return count, nil
}

// Get returns a decision record by id.
func (l *Lifecycle) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidDecisionID
	}
	return l.repo.Get(ctx, id)
}

// List returns decision records matching the given filters.
func (l *Lifecycle) List(ctx context.Context, opts ListOptions) ([]Record, int, error) {
	if opts.OrgID == "" {
		return nil, 0, ErrInvalidOrgID
	}
	return l.repo.List(ctx, opts)
}

// resolvePending loads a record and runs the shared Approve/Reject check
// sequence: existence, staleness, deadline (expiring as a side effect),
// then authorization.
func (l *Lifecycle) resolvePending(ctx context.Context, id string, actor Actor) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidDecisionID
	}
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	rec, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, ErrAlreadyResolved
	}

	now := l.now()
	if !rec.Deadline.IsZero() && now.After(rec.Deadline) {
		expired := *rec
		expired.Status = StatusExpired
		expired.ResolvedAt = now
		expired.UpdatedAt = now

		if err := l.repo.Transition(ctx, &expired, StatusPending); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				return nil, l.loseRace(ctx, id)
			}
			return nil, fmt.Errorf("failed to expire decision: %w", err)
		}
		l.record(ctx, &expired, "expired", "", map[string]interface{}{
			"deadline": expired.Deadline,
		})
		return nil, ErrExpired
	}

	if err := l.authorize(ctx, rec, actor); err != nil {
		return nil, err
	}

	return rec, nil
}

// authorize checks the actor against the decision's required role and
// organization boundary. The role is re-resolved at action time so policy
// changes after creation take effect; the role stored on the record is the
// fallback for purely gate-triggered approvals.
func (l *Lifecycle) authorize(ctx context.Context, rec *Record, actor Actor) error {
	required := rec.RequiredRole
	rule, err := l.resolver.Resolve(ctx, rec.OrgID, rec.DecisionType)
	if err != nil {
		return err
	}
	if rule.Required {
		required = rule.RequiredRole
	}

	if required != "" && !actor.Role.Satisfies(required) {
		return ErrUnauthorizedApprover
	}
	if actor.OrgID != rec.OrgID && !actor.Role.CrossOrg() {
		return ErrUnauthorizedApprover
	}

	return nil
}

// loseRace re-reads a record after a lost conditional transition and maps
// the committed outcome to the error the caller should see.
func (l *Lifecycle) loseRace(ctx context.Context, id string) error {
	rec, err := l.repo.Get(ctx, id)
	if err != nil {
		return ErrAlreadyResolved
	}
	if rec.Status == StatusExpired {
		return ErrExpired
	}
	return ErrAlreadyResolved
}

// execute runs the trigger and advances Approved to Applied. A trigger
// failure is recorded on the record, which stays Approved.
func (l *Lifecycle) execute(ctx context.Context, rec *Record) error {
	if l.trigger == nil {
		return l.markApplied(ctx, rec)
	}

	if err := l.trigger.Execute(ctx, rec); err != nil {
		now := l.now()
		rec.ExecutionError = err.Error()
		rec.UpdatedAt = now

		if terr := l.repo.Transition(ctx, rec, StatusApproved); terr != nil {
			l.log.ErrorWithErr(rec.OrgID, rec.ID, "failed to record execution failure", terr, nil)
		}
		l.record(ctx, rec, "execution_failed", "", map[string]interface{}{
			"error": err.Error(),
		})

		return fmt.Errorf("%w: %v", ErrExecutionTriggerFailed, err)
	}

	return l.markApplied(ctx, rec)
}

func (l *Lifecycle) markApplied(ctx context.Context, rec *Record) error {
	now := l.now()
	rec.Status = StatusApplied
	rec.AppliedAt = now
	rec.UpdatedAt = now

	if err := l.repo.Transition(ctx, rec, StatusApproved); err != nil {
		return fmt.Errorf("failed to mark decision applied: %w", err)
	}

	l.record(ctx, rec, "applied", "", nil)
	return nil
}

// record writes an audit entry for a decision action.
func (l *Lifecycle) record(ctx context.Context, rec *Record, action, actorID string, details map[string]interface{}) {
	if l.audit == nil {
		return
	}
	l.audit.Record(ctx, audit.Entry{
		OrgID:      rec.OrgID,
		Category:   audit.CategoryDecision,
		Action:     action,
		DecisionID: rec.ID,
		ActorID:    actorID,
		ActorRole:  string(rec.ApproverRole),
		Verdict:    string(rec.Status),
		Details:    details,
	})
}
