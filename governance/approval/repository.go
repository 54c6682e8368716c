// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
)

// Repository defines the interface for approval policy persistence.
//
// GetActivePolicy and GetOrgSettings return (nil, nil) when no row exists;
// absence falls through to defaults during resolution and is not an error.
type Repository interface {
	// Policies
	CreatePolicy(ctx context.Context, p *Policy) error
	GetActivePolicy(ctx context.Context, orgID string, decisionType DecisionType) (*Policy, error)
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeactivatePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context, orgID string) ([]Policy, error)

	// Organization gate settings
	GetOrgSettings(ctx context.Context, orgID string) (*OrgSettings, error)
	UpsertOrgSettings(ctx context.Context, s *OrgSettings) error

	// Utility
	Ping(ctx context.Context) error
}
