// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package approval

import "errors"

var (
	// ErrPolicyNotFound is returned when a policy record is not found
	ErrPolicyNotFound = errors.New("approval policy not found")

	// ErrPolicyExists is returned when an active policy already exists for
	// the same organization and decision type
	ErrPolicyExists = errors.New("approval policy already exists")

	// ErrNonOverridable is returned when a caller attempts to store a
	// policy for a decision type whose rule is hard-coded
	ErrNonOverridable = errors.New("decision type has a non-overridable approval rule")

	// Validation errors
	ErrInvalidPolicyID       = errors.New("invalid policy ID")
	ErrInvalidOrgID          = errors.New("invalid organization ID")
	ErrInvalidDecisionType   = errors.New("invalid decision type")
	ErrInvalidRole           = errors.New("invalid role")
	ErrInvalidConfidence     = errors.New("confidence threshold must be between 0 and 1")
	ErrInvalidCostThreshold  = errors.New("cost threshold must not be negative")
	ErrInvalidApprovalWindow = errors.New("approval window must not be negative")
)
