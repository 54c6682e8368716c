// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"time"

	"intellipm/platform/shared/logger"
)

// Gate decides whether a freshly produced decision may auto-apply or must
// wait for human sign-off.
type Gate struct {
	resolver *PolicyResolver
	log      *logger.Logger
	now      func() time.Time
}

// NewGate creates a decision gate.
func NewGate(resolver *PolicyResolver, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.New("approval")
	}
	return &Gate{
		resolver: resolver,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the gate's time source (tests).
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Evaluate returns the gate verdict for one decision. Approval is required
// when ANY of the following holds: the type's resolved policy is blocking;
// the confidence score sits below the organization's threshold; the
// decision is flagged critical; the estimated cost exceeds the
// organization's per-decision ceiling.
func (g *Gate) Evaluate(ctx context.Context, in Input) (*GateResult, error) {
	if in.OrgID == "" {
		return nil, ErrInvalidOrgID
	}
	if !in.DecisionType.Valid() {
		return nil, ErrInvalidDecisionType
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, ErrInvalidConfidence
	}

	rule, err := g.resolver.Resolve(ctx, in.OrgID, in.DecisionType)
	if err != nil {
		return nil, err
	}

	settings, err := g.resolver.Settings(ctx, in.OrgID)
	if err != nil {
		return nil, err
	}

	var reasons []string
	if rule.Required && rule.Blocking {
		reasons = append(reasons, "blocking_policy")
	}
	if in.Confidence < settings.ConfidenceThreshold {
		reasons = append(reasons, "low_confidence")
	}
	if in.Critical {
		reasons = append(reasons, "critical")
	}
	if in.EstimatedCost > settings.CostThreshold {
		reasons = append(reasons, "cost_threshold")
	}

	if len(reasons) == 0 {
		return &GateResult{RequiresApproval: false}, nil
	}

	role := rule.RequiredRole
	if !rule.Required {
		// The gate fired without a type-level policy; route to a product
		// owner, or an admin when the decision is flagged critical.
		role = RoleProductOwner
		if in.Critical {
			role = RoleOrgAdmin
		}
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = g.now()
	}

	result := &GateResult{
		RequiresApproval: true,
		RequiredRole:     role,
		Deadline:         createdAt.Add(settings.ApprovalWindow),
		Reasons:          reasons,
	}

	g.log.Debug(in.OrgID, "", "decision gated for approval", map[string]interface{}{
		"decision_type": string(in.DecisionType),
		"required_role": string(role),
		"reasons":       reasons,
	})

	return result, nil
}
