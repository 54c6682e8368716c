// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"time"
)

// Repository defines the interface for quota data persistence.
//
// Reserve and UpdateCounter are conditional writes: they must only
// succeed when the stored version matches expectedVersion, returning
// ErrVersionConflict otherwise. An expectedVersion of zero tells Reserve
// the counter is new; it must fail with ErrVersionConflict when another
// writer created it first. This is what serializes concurrent
// reservations per (org, user, period) key without a global lock.
//
// Reserve commits the counter write and the reservation insert together:
// either both land or neither does.
type Repository interface {
	// Tier templates
	CreateTemplate(ctx context.Context, tpl *TierTemplate) error
	GetTemplate(ctx context.Context, tierName string) (*TierTemplate, error)
	UpdateTemplate(ctx context.Context, tpl *TierTemplate) error
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]TierTemplate, error)

	// Organization quotas
	CreateOrgQuota(ctx context.Context, q *OrgQuota) error
	GetActiveOrgQuota(ctx context.Context, orgID string) (*OrgQuota, error)
	UpdateOrgQuota(ctx context.Context, q *OrgQuota) error
	DeactivateOrgQuota(ctx context.Context, id string) error

	// User overrides
	CreateOverride(ctx context.Context, o *UserOverride) error
	GetOverride(ctx context.Context, orgID, userID string, periodStart time.Time) (*UserOverride, error)
	DeleteOverride(ctx context.Context, id string) error

	// Usage counters (optimistic concurrency)
	GetCounter(ctx context.Context, orgID, userID string, periodStart time.Time) (*UsageCounter, error)
	UpdateCounter(ctx context.Context, c *UsageCounter, expectedVersion int64) error

	// Reservations
	Reserve(ctx context.Context, c *UsageCounter, expectedVersion int64, r *Reservation) error
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	FinalizeReservation(ctx context.Context, id string) error

	// Utility
	Ping(ctx context.Context) error
}
