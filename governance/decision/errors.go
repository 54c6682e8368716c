// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package decision

import "errors"

var (
	// ErrNotFound is returned when a decision record is not found
	ErrNotFound = errors.New("decision not found")

	// ErrAlreadyResolved is returned when acting on a decision whose
	// status is no longer Pending
	ErrAlreadyResolved = errors.New("decision already resolved")

	// ErrExpired is returned when acting on a decision whose approval
	// deadline has passed
	ErrExpired = errors.New("decision approval deadline has passed")

	// ErrUnauthorizedApprover is returned when the actor's role does not
	// satisfy the required approving role, or the actor belongs to a
	// different organization without the cross-organization capability
	ErrUnauthorizedApprover = errors.New("actor not authorized to resolve this decision")

	// ErrExecutionTriggerFailed is returned when the execution trigger
	// fails after approval. The decision stays Approved with the failure
	// recorded; it is never silently lost.
	ErrExecutionTriggerFailed = errors.New("execution trigger failed")

	// ErrNotRetryable is returned when retrying execution on a decision
	// that is not Approved with a recorded execution failure
	ErrNotRetryable = errors.New("decision has no failed execution to retry")

	// ErrStaleTransition is the internal conditional-write failure raised
	// when a concurrent caller committed a transition first. Callers of
	// the lifecycle never see it; it is re-read and mapped to
	// ErrAlreadyResolved.
	ErrStaleTransition = errors.New("decision status changed concurrently")

	// Validation errors
	ErrInvalidOrgID        = errors.New("invalid organization ID")
	ErrInvalidDecisionType = errors.New("invalid decision type")
	ErrInvalidAgentID      = errors.New("invalid agent ID")
	ErrInvalidConfidence   = errors.New("confidence must be between 0 and 1")
	ErrInvalidCost         = errors.New("estimated cost must not be negative")
	ErrInvalidActorID      = errors.New("invalid actor ID")
	ErrInvalidActorRole    = errors.New("invalid actor role")
	ErrInvalidDecisionID   = errors.New("invalid decision ID")
)
