// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

// Package decision owns the lifecycle of recorded agent decisions: the
// Pending to Approved to Applied state machine, approver authorization, and
// execution triggering. Records are never deleted; terminal states are
// final.
package decision

import (
	"time"

	"intellipm/platform/governance/approval"
)

// Status is a decision record's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusApplied, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
// Approved is not terminal: it awaits the execution trigger.
func (s Status) Terminal() bool {
	switch s {
	case StatusApplied, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from s
// to target.
func (s Status) CanTransition(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusApproved || target == StatusRejected || target == StatusExpired
	case StatusApproved:
		return target == StatusApplied
	}
	return false
}

// Record is one logged agent decision. Mutated only by the Lifecycle
// manager; Version is the optimistic concurrency stamp for status
// transitions.
type Record struct {
	ID             string                `json:"id"`
	OrgID          string                `json:"org_id"`
	DecisionType   approval.DecisionType `json:"decision_type"`
	AgentID        string                `json:"agent_id"`
	Title          string                `json:"title"`
	Reasoning      string                `json:"reasoning,omitempty"`
	Alternatives   []string              `json:"alternatives,omitempty"`
	Confidence     float64               `json:"confidence"`
	EstimatedCost  float64               `json:"estimated_cost"`
	Critical       bool                  `json:"critical"`
	Status         Status                `json:"status"`
	RequiredRole   approval.Role         `json:"required_role,omitempty"`
	Deadline       time.Time             `json:"deadline,omitempty"`
	ApproverID     string                `json:"approver_id,omitempty"`
	ApproverRole   approval.Role         `json:"approver_role,omitempty"`
	ResolvedAt     time.Time             `json:"resolved_at,omitempty"`
	OutcomeNotes   string                `json:"outcome_notes,omitempty"`
	ExecutionError string                `json:"execution_error,omitempty"`
	AppliedAt      time.Time             `json:"applied_at,omitempty"`
	Version        int64                 `json:"version"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// CreateRequest carries an agent's freshly produced decision into the
// lifecycle.
type CreateRequest struct {
	OrgID         string                `json:"org_id"`
	DecisionType  approval.DecisionType `json:"decision_type"`
	AgentID       string                `json:"agent_id"`
	Title         string                `json:"title"`
	Reasoning     string                `json:"reasoning,omitempty"`
	Alternatives  []string              `json:"alternatives,omitempty"`
	Confidence    float64               `json:"confidence"`
	EstimatedCost float64               `json:"estimated_cost"`
	Critical      bool                  `json:"critical"`
}

// Validate validates a creation request.
func (r *CreateRequest) Validate() error {
	if r.OrgID == "" {
		return ErrInvalidOrgID
	}
	if !r.DecisionType.Valid() {
		return ErrInvalidDecisionType
	}
	if r.AgentID == "" {
		return ErrInvalidAgentID
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return ErrInvalidConfidence
	}
	if r.EstimatedCost < 0 {
		return ErrInvalidCost
	}
	return nil
}

// Actor is the authenticated identity attempting an approval action.
type Actor struct {
	ID    string        `json:"id"`
	Role  approval.Role `json:"role"`
	OrgID string        `json:"org_id"`
}

// Validate validates an actor.
func (a *Actor) Validate() error {
	if a.ID == "" {
		return ErrInvalidActorID
	}
	if !a.Role.Valid() {
		return ErrInvalidActorRole
	}
	if a.OrgID == "" {
		return ErrInvalidOrgID
	}
	return nil
}

// ListOptions filters pending-queue and history listings.
type ListOptions struct {
	OrgID        string
	Status       Status
	DecisionType approval.DecisionType
	Limit        int
	Offset       int
}
