// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Resolver computes the effective limit set for an organization/user pair.
//
// Resolution order:
//  1. A user override covering the requested period wins entirely; no
//     field-by-field merging with the organization quota.
//  2. Otherwise the organization's active quota applies.
//  3. Otherwise resolution fails with ErrNoQuotaConfigured. The engine
//     never silently assumes unlimited usage; the caller owns that policy.
type Resolver struct {
	repo Repository
}

// NewResolver creates a new quota resolver.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the effective limits for the given scope. ref is the
// billing period reference: any instant inside the period being checked,
// usually the current time. userID may be empty for organization-level
// checks.
//
// The organization quota supplies the period anchor day; the override
// lookup is keyed on the period that anchor produces. An override can
// therefore exist even for an organization whose quota was since removed,
// in which case the override still wins.
func (r *Resolver) Resolve(ctx context.Context, orgID, userID string, ref time.Time) (*ResolvedLimits, error) {
	if orgID == "" {
		return nil, ErrInvalidOrgID
	}

	anchorDay := 1
	orgQuota, orgErr := r.repo.GetActiveOrgQuota(ctx, orgID)
	if orgErr != nil && !errors.Is(orgErr, ErrNoQuotaConfigured) {
		return nil, fmt.Errorf("failed to look up organization quota: %w", orgErr)
	}
	if orgQuota != nil {
		anchorDay = orgQuota.PeriodAnchorDay
	}
	periodStart := PeriodStartFor(ref, anchorDay)

	if userID != "" {
		override, err := r.repo.GetOverride(ctx, orgID, userID, periodStart)
		if err != nil {
			return nil, fmt.Errorf("failed to look up user override: %w", err)
		}
		if override != nil {
			limits := override.Limits()
			limits.PeriodAnchorDay = anchorDay
			return &limits, nil
		}
	}

	if orgErr != nil {
		return nil, orgErr
	}

	limits := orgQuota.Limits()
	return &limits, nil
}
