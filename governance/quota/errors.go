// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package quota

import "errors"

var (
	// ErrNoQuotaConfigured is returned when an organization has no active
	// quota. The caller decides whether to treat the organization as
	// unlimited-but-unenforced or to reject the request.
	ErrNoQuotaConfigured = errors.New("no quota configured for organization")

	// ErrTransientConflict is returned when the bounded optimistic retry
	// loop exhausts its attempts. The whole check may be retried.
	ErrTransientConflict = errors.New("transient conflict updating usage counter")

	// ErrVersionConflict is the internal conditional-write failure that
	// drives the retry loop. It never escapes the enforcer.
	ErrVersionConflict = errors.New("usage counter version conflict")

	// ErrQuotaNotFound is returned when a quota record is not found
	ErrQuotaNotFound = errors.New("quota not found")

	// ErrQuotaExists is returned when an active quota already exists for
	// the organization
	ErrQuotaExists = errors.New("active quota already exists for organization")

	// ErrTemplateNotFound is returned when a tier template is not found
	ErrTemplateNotFound = errors.New("tier template not found")

	// ErrTemplateExists is returned when a non-deleted template with the
	// same tier name already exists
	ErrTemplateExists = errors.New("tier template already exists")

	// ErrOverrideNotFound is returned when a user override is not found
	ErrOverrideNotFound = errors.New("user quota override not found")

	// ErrOverrideExists is returned when an override for the same
	// (user, period) pair already exists
	ErrOverrideExists = errors.New("user quota override already exists for period")

	// ErrReservationNotFound is returned when finalizing an unknown
	// reservation
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationFinalized is returned when a reservation is finalized
	// more than once
	ErrReservationFinalized = errors.New("reservation already finalized")

	// Validation errors
	ErrInvalidTemplateID     = errors.New("invalid template ID")
	ErrInvalidTierName       = errors.New("invalid tier name")
	ErrInvalidQuotaID        = errors.New("invalid quota ID")
	ErrInvalidOverrideID     = errors.New("invalid override ID")
	ErrInvalidOrgID          = errors.New("invalid organization ID")
	ErrInvalidUserID         = errors.New("invalid user ID")
	ErrInvalidPeriodStart    = errors.New("invalid period start")
	ErrInvalidLimit          = errors.New("limits must not be negative")
	ErrInvalidOverageRate    = errors.New("overage rate must not be negative")
	ErrInvalidAlertThreshold = errors.New("alert threshold must be between 0 and 100")

	// ErrInvalidInput is returned for general invalid input
	ErrInvalidInput = errors.New("invalid input")
)
