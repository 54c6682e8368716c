// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"sync"
	"time"
)

// MockRepository implements Repository interface for testing
type MockRepository struct {
	mu sync.RWMutex

	// Storage
	templates    map[string]*TierTemplate
	orgQuotas    map[string]*OrgQuota
	overrides    map[string]*UserOverride
	counters     map[string]*UsageCounter
	reservations map[string]*Reservation

	// Error injection
	getCounterErr error
	reserveErr    error
	pingErr       error

	// conflictsLeft forces the next N conditional counter writes to fail
	// as if a concurrent writer won, bumping the stored version.
	conflictsLeft int
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		templates:    make(map[string]*TierTemplate),
		orgQuotas:    make(map[string]*OrgQuota),
		overrides:    make(map[string]*UserOverride),
		counters:     make(map[string]*UsageCounter),
		reservations: make(map[string]*Reservation),
	}
}

func scopeKey(orgID, userID string, periodStart time.Time) string {
	return orgID + ":" + userID + ":" + periodStart.UTC().Format(time.RFC3339)
}

func (m *MockRepository) CreateTemplate(ctx context.Context, tpl *TierTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.templates {
		if t.TierName == tpl.TierName && !t.Deleted {
			return ErrTemplateExists
		}
	}
	cp := *tpl
	m.templates[tpl.ID] = &cp
	return nil
}

func (m *MockRepository) GetTemplate(ctx context.Context, tierName string) (*TierTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.templates {
		if t.TierName == tierName && !t.Deleted {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTemplateNotFound
}

func (m *MockRepository) UpdateTemplate(ctx context.Context, tpl *TierTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.templates[tpl.ID]
	if !ok || existing.Deleted {
		return ErrTemplateNotFound
	}
	cp := *tpl
	m.templates[tpl.ID] = &cp
	return nil
}

func (m *MockRepository) DeleteTemplate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.templates[id]
	if !ok || existing.Deleted {
		return ErrTemplateNotFound
	}
	existing.Deleted = true
	return nil
}

func (m *MockRepository) ListTemplates(ctx context.Context) ([]TierTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []TierTemplate
	for _, t := range m.templates {
		if !t.Deleted {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (m *MockRepository) CreateOrgQuota(ctx context.Context, q *OrgQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orgQuotas[q.OrgID]; ok && existing.Active {
		return ErrQuotaExists
	}
	cp := *q
	m.orgQuotas[q.OrgID] = &cp
	return nil
}

func (m *MockRepository) GetActiveOrgQuota(ctx context.Context, orgID string) (*OrgQuota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q, ok := m.orgQuotas[orgID]; ok && q.Active {
		cp := *q
		return &cp, nil
	}
	return nil, ErrNoQuotaConfigured
}

func (m *MockRepository) UpdateOrgQuota(ctx context.Context, q *OrgQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for orgID, existing := range m.orgQuotas {
		if existing.ID == q.ID && existing.Active {
			cp := *q
			m.orgQuotas[orgID] = &cp
			return nil
		}
	}
	return ErrQuotaNotFound
}

func (m *MockRepository) DeactivateOrgQuota(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.orgQuotas {
		if existing.ID == id && existing.Active {
			existing.Active = false
			return nil
		}
	}
	return ErrQuotaNotFound
}

func (m *MockRepository) CreateOverride(ctx context.Context, o *UserOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopeKey(o.OrgID, o.UserID, o.PeriodStart)
	if _, exists := m.overrides[key]; exists {
		return ErrOverrideExists
	}
	cp := *o
	m.overrides[key] = &cp
	return nil
}

func (m *MockRepository) GetOverride(ctx context.Context, orgID, userID string, periodStart time.Time) (*UserOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if o, ok := m.overrides[scopeKey(orgID, userID, periodStart)]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (m *MockRepository) DeleteOverride(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, o := range m.overrides {
		if o.ID == id {
			delete(m.overrides, key)
			return nil
		}
	}
	return ErrOverrideNotFound
}

func (m *MockRepository) GetCounter(ctx context.Context, orgID, userID string, periodStart time.Time) (*UsageCounter, error) {
	if m.getCounterErr != nil {
		return nil, m.getCounterErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.counters[scopeKey(orgID, userID, periodStart)]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.CrossedThresholds = append([]int(nil), c.CrossedThresholds...)
	return &cp, nil
}

// Reserve mirrors the transactional counter-plus-reservation write: on any
// failure, injected or conflicting, neither the counter nor the
// reservation is stored.
func (m *MockRepository) Reserve(ctx context.Context, c *UsageCounter, expectedVersion int64, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopeKey(c.OrgID, c.UserID, c.PeriodStart)
	existing, exists := m.counters[key]

	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		if exists {
			existing.Version++
		} else {
			lost := *c
			lost.Tokens, lost.Requests, lost.Decisions, lost.Cost = 0, 0, 0, 0
			lost.Version = 1
			m.counters[key] = &lost
		}
		return ErrVersionConflict
	}

	if expectedVersion == 0 {
		if exists {
			return ErrVersionConflict
		}
	} else if !exists || existing.Version != expectedVersion {
		return ErrVersionConflict
	}

	if m.reserveErr != nil {
		return m.reserveErr
	}

	cp := *c
	cp.Version = expectedVersion + 1
	cp.CrossedThresholds = append([]int(nil), c.CrossedThresholds...)
	m.counters[key] = &cp
	c.Version = cp.Version

	res := *r
	m.reservations[r.ID] = &res
	return nil
}

func (m *MockRepository) UpdateCounter(ctx context.Context, c *UsageCounter, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scopeKey(c.OrgID, c.UserID, c.PeriodStart)
	existing, ok := m.counters[key]
	if !ok {
		return ErrVersionConflict
	}
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		existing.Version++
		return ErrVersionConflict
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}

	cp := *c
	cp.Version = expectedVersion + 1
	cp.CrossedThresholds = append([]int(nil), c.CrossedThresholds...)
	m.counters[key] = &cp
	c.Version = cp.Version
	return nil
}

func (m *MockRepository) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.reservations[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, ErrReservationNotFound
}

func (m *MockRepository) FinalizeReservation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return ErrReservationNotFound
	}
	if r.Finalized {
		return ErrReservationFinalized
	}
	r.Finalized = true
	return nil
}

func (m *MockRepository) Ping(ctx context.Context) error {
	return m.pingErr
}

// counterFor returns the stored counter for a scope, or nil.
func (m *MockRepository) counterFor(orgID, userID string, periodStart time.Time) *UsageCounter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[scopeKey(orgID, userID, periodStart)]
}

// seedCounter installs a counter directly, bypassing version checks.
func (m *MockRepository) seedCounter(c *UsageCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.counters[scopeKey(c.OrgID, c.UserID, c.PeriodStart)] = &cp
}
