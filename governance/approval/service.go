// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"intellipm/platform/shared/logger"
)

// Service owns the administrative surface for approval policies and
// organization gate settings. The resolver and gate only read what this
// service writes.
type Service struct {
	repo Repository
	log  *logger.Logger
}

// NewService creates an approval admin service.
func NewService(repo Repository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.New("approval")
	}
	return &Service{repo: repo, log: log}
}

// CreatePolicy stores a new organization policy. Policies for
// non-overridable decision types are rejected: they would never be
// consulted and storing them only invites confusion.
func (s *Service) CreatePolicy(ctx context.Context, orgID string, decisionType DecisionType, requiredRole Role, blocking bool) (*Policy, error) {
	if NonOverridable(decisionType) {
		return nil, ErrNonOverridable
	}

	now := time.Now().UTC()
	policy := &Policy{
		ID:           uuid.New().String(),
		OrgID:        orgID,
		DecisionType: decisionType,
		RequiredRole: requiredRole,
		Blocking:     blocking,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.CreatePolicy(ctx, policy); err != nil {
		return nil, fmt.Errorf("failed to create approval policy: %w", err)
	}

	s.log.Info(orgID, "", "approval policy created", map[string]interface{}{
		"policy_id":     policy.ID,
		"decision_type": string(decisionType),
		"required_role": string(requiredRole),
	})

	return policy, nil
}

// UpdatePolicy replaces a policy's role and blocking flag.
func (s *Service) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if NonOverridable(p.DecisionType) {
		return ErrNonOverridable
	}

	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpdatePolicy(ctx, p); err != nil {
		return fmt.Errorf("failed to update approval policy: %w", err)
	}
	return nil
}

// DeactivatePolicy retires a policy; resolution falls back to the default
// table for its decision type.
func (s *Service) DeactivatePolicy(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidPolicyID
	}
	if err := s.repo.DeactivatePolicy(ctx, id); err != nil {
		return fmt.Errorf("failed to deactivate approval policy: %w", err)
	}
	return nil
}

// ListPolicies returns an organization's stored policies, active or not.
func (s *Service) ListPolicies(ctx context.Context, orgID string) ([]Policy, error) {
	if orgID == "" {
		return nil, ErrInvalidOrgID
	}
	policies, err := s.repo.ListPolicies(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval policies: %w", err)
	}
	return policies, nil
}

// SaveOrgSettings stores an organization's gate tuning.
func (s *Service) SaveOrgSettings(ctx context.Context, settings *OrgSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if settings.ApprovalWindow == 0 {
		settings.ApprovalWindow = DefaultApprovalWindow
	}

	settings.UpdatedAt = time.Now().UTC()
	if err := s.repo.UpsertOrgSettings(ctx, settings); err != nil {
		return fmt.Errorf("failed to save organization settings: %w", err)
	}

	s.log.Info(settings.OrgID, "", "organization gate settings saved", map[string]interface{}{
		"confidence_threshold": settings.ConfidenceThreshold,
		"cost_threshold":       settings.CostThreshold,
		"approval_window":      settings.ApprovalWindow.String(),
	})

	return nil
}
