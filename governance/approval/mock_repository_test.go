// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"sync"
)

// MockRepository implements Repository interface for testing
type MockRepository struct {
	mu sync.RWMutex

	policies map[string]*Policy
	settings map[string]*OrgSettings

	getPolicyErr error
	pingErr      error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		policies: make(map[string]*Policy),
		settings: make(map[string]*OrgSettings),
	}
}

func (m *MockRepository) CreatePolicy(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.policies {
		if existing.OrgID == p.OrgID && existing.DecisionType == p.DecisionType && existing.Active {
			return ErrPolicyExists
		}
	}
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *MockRepository) GetActivePolicy(ctx context.Context, orgID string, decisionType DecisionType) (*Policy, error) {
	if m.getPolicyErr != nil {
		return nil, m.getPolicyErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.policies {
		if p.OrgID == orgID && p.DecisionType == decisionType && p.Active {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockRepository) UpdatePolicy(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.policies[p.ID]
	if !ok || !existing.Active {
		return ErrPolicyNotFound
	}
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *MockRepository) DeactivatePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.policies[id]
	if !ok || !existing.Active {
		return ErrPolicyNotFound
	}
	existing.Active = false
	return nil
}

func (m *MockRepository) ListPolicies(ctx context.Context, orgID string) ([]Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Policy
	for _, p := range m.policies {
		if p.OrgID == orgID {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (m *MockRepository) GetOrgSettings(ctx context.Context, orgID string) (*OrgSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.settings[orgID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *MockRepository) UpsertOrgSettings(ctx context.Context, s *OrgSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.settings[s.OrgID] = &cp
	return nil
}

func (m *MockRepository) Ping(ctx context.Context) error {
	return m.pingErr
}
