// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

// Package approval resolves which role, if any, must sign off on an agent
// decision before it executes, and evaluates whether a freshly produced
// decision may auto-apply or must enter the approval queue.
package approval

import (
	"time"
)

// DecisionType is the closed set of agent decision categories. Each type
// maps to a default approval rule; quota and critical-system decisions
// carry a hard-coded rule no stored policy can relax.
type DecisionType string

const (
	TypeTaskPrioritization DecisionType = "task_prioritization"
	TypeSprintPlanning     DecisionType = "sprint_planning"
	TypeRiskDetection      DecisionType = "risk_detection"
	TypeBacklogRefinement  DecisionType = "backlog_refinement"
	TypeResourceAllocation DecisionType = "resource_allocation"
	TypeProjectInsight     DecisionType = "project_insight"
	TypeQuotaManagement    DecisionType = "quota_management"
	TypeCriticalSystem     DecisionType = "critical_system"
)

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case TypeTaskPrioritization, TypeSprintPlanning, TypeRiskDetection,
		TypeBacklogRefinement, TypeResourceAllocation, TypeProjectInsight,
		TypeQuotaManagement, TypeCriticalSystem:
		return true
	}
	return false
}

// Role is an actor's role within an organization. Roles are ranked: a
// higher-ranked role satisfies any requirement a lower-ranked role would.
// SuperAdmin additionally carries the cross-organization capability.
type Role string

const (
	RoleViewer       Role = "viewer"
	RoleDeveloper    Role = "developer"
	RoleScrumMaster  Role = "scrum_master"
	RoleProductOwner Role = "product_owner"
	RoleOrgAdmin     Role = "org_admin"
	RoleSuperAdmin   Role = "super_admin"
)

var roleRank = map[Role]int{
	RoleViewer:       0,
	RoleDeveloper:    1,
	RoleScrumMaster:  2,
	RoleProductOwner: 3,
	RoleOrgAdmin:     4,
	RoleSuperAdmin:   5,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Satisfies reports whether an actor holding r meets a requirement for
// required.
func (r Role) Satisfies(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// CrossOrg reports whether the role may act on decisions outside the
// actor's own organization.
func (r Role) CrossOrg() bool {
	return r == RoleSuperAdmin
}

// Policy maps (organization, decision type) to a required approving role.
// Inactive policies are ignored during resolution.
type Policy struct {
	ID           string       `json:"id"`
	OrgID        string       `json:"org_id"`
	DecisionType DecisionType `json:"decision_type"`
	RequiredRole Role         `json:"required_role"`
	Blocking     bool         `json:"blocking"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Validate validates a policy's configuration.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return ErrInvalidPolicyID
	}
	if p.OrgID == "" {
		return ErrInvalidOrgID
	}
	if !p.DecisionType.Valid() {
		return ErrInvalidDecisionType
	}
	if !p.RequiredRole.Valid() {
		return ErrInvalidRole
	}
	return nil
}

// Rule is a resolved approval requirement for one decision type. A
// non-required rule means the type needs no human sign-off at all.
type Rule struct {
	Required     bool `json:"required"`
	RequiredRole Role `json:"required_role,omitempty"`
	Blocking     bool `json:"blocking"`
	Delegable    bool `json:"delegable"`
}

// Defaults for organizations that have not tuned their gate settings.
const (
	DefaultConfidenceThreshold = 0.70
	DefaultCostThreshold       = 10.0
	DefaultApprovalWindow      = 7 * 24 * time.Hour
)

// OrgSettings carries an organization's decision-gate tuning: the
// confidence floor below which decisions need sign-off, the per-decision
// cost ceiling above which they do, and the approval window.
type OrgSettings struct {
	OrgID               string        `json:"org_id"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	CostThreshold       float64       `json:"cost_threshold"`
	ApprovalWindow      time.Duration `json:"approval_window"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// DefaultOrgSettings returns the system defaults for organizations with
// no stored settings row.
func DefaultOrgSettings(orgID string) *OrgSettings {
	return &OrgSettings{
		OrgID:               orgID,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		CostThreshold:       DefaultCostThreshold,
		ApprovalWindow:      DefaultApprovalWindow,
	}
}

// Validate validates organization gate settings.
func (s *OrgSettings) Validate() error {
	if s.OrgID == "" {
		return ErrInvalidOrgID
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return ErrInvalidConfidence
	}
	if s.CostThreshold < 0 {
		return ErrInvalidCostThreshold
	}
	if s.ApprovalWindow < 0 {
		return ErrInvalidApprovalWindow
	}
	return nil
}

// Input is the subset of a decision the gate inspects.
type Input struct {
	OrgID         string       `json:"org_id"`
	DecisionType  DecisionType `json:"decision_type"`
	Confidence    float64      `json:"confidence"`
	EstimatedCost float64      `json:"estimated_cost"`
	Critical      bool         `json:"critical"`
	CreatedAt     time.Time    `json:"created_at"`
}

// GateResult is the gate's verdict for one decision.
type GateResult struct {
	RequiresApproval bool      `json:"requires_approval"`
	RequiredRole     Role      `json:"required_role,omitempty"`
	Deadline         time.Time `json:"deadline,omitempty"`
	Reasons          []string  `json:"reasons,omitempty"`
}
