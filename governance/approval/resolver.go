// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"fmt"
)

// nonOverridable holds decision types whose approval rule is fixed: the
// highest administrative role, blocking, not delegable. Stored policy rows
// for these types are ignored outright rather than merged.
var nonOverridable = map[DecisionType]bool{
	TypeQuotaManagement: true,
	TypeCriticalSystem:  true,
}

// defaultRules is the global fallback table consulted when an organization
// has no active policy for a decision type. Types missing from the table
// need no approval at all.
var defaultRules = map[DecisionType]Rule{
	TypeRiskDetection:      {Required: true, RequiredRole: RoleProductOwner, Blocking: true, Delegable: true},
	TypeSprintPlanning:     {Required: true, RequiredRole: RoleScrumMaster, Blocking: true, Delegable: true},
	TypeResourceAllocation: {Required: true, RequiredRole: RoleProductOwner, Blocking: true, Delegable: true},
}

// NonOverridable reports whether the decision type's rule is hard-coded.
func NonOverridable(t DecisionType) bool {
	return nonOverridable[t]
}

// PolicyResolver resolves the approval rule for an (organization, decision
// type) pair.
type PolicyResolver struct {
	repo Repository
}

// NewPolicyResolver creates a new approval policy resolver.
func NewPolicyResolver(repo Repository) *PolicyResolver {
	return &PolicyResolver{repo: repo}
}

// Resolve returns the effective approval rule.
//
// Resolution order:
//  1. Non-overridable types return the fixed rule; any stored policy row
//     for them is ignored.
//  2. An active organization-specific policy wins next.
//  3. The global default table applies otherwise.
//  4. Types absent from all three need no approval.
func (r *PolicyResolver) Resolve(ctx context.Context, orgID string, decisionType DecisionType) (Rule, error) {
	if orgID == "" {
		return Rule{}, ErrInvalidOrgID
	}
	if !decisionType.Valid() {
		return Rule{}, ErrInvalidDecisionType
	}

	if nonOverridable[decisionType] {
		return Rule{
			Required:     true,
			RequiredRole: RoleOrgAdmin,
			Blocking:     true,
			Delegable:    false,
		}, nil
	}

	policy, err := r.repo.GetActivePolicy(ctx, orgID, decisionType)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to look up approval policy: %w", err)
	}
	if policy != nil {
		return Rule{
			Required:     true,
			RequiredRole: policy.RequiredRole,
			Blocking:     policy.Blocking,
			Delegable:    true,
		}, nil
	}

	if rule, ok := defaultRules[decisionType]; ok {
		return rule, nil
	}

	return Rule{Required: false}, nil
}

// Settings returns the organization's gate settings, falling back to the
// system defaults when none are stored.
func (r *PolicyResolver) Settings(ctx context.Context, orgID string) (*OrgSettings, error) {
	if orgID == "" {
		return nil, ErrInvalidOrgID
	}

	settings, err := r.repo.GetOrgSettings(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up organization settings: %w", err)
	}
	if settings == nil {
		return DefaultOrgSettings(orgID), nil
	}
	if settings.ApprovalWindow == 0 {
		settings.ApprovalWindow = DefaultApprovalWindow
	}
	return settings, nil
}
