// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package decision

import (
	"context"
	"sync"
	"time"
)

// MockRepository implements Repository interface for testing
type MockRepository struct {
	mu sync.Mutex

	records map[string]*Record

	createErr error
	getErr    error
	pingErr   error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{records: make(map[string]*Record)}
}

func (m *MockRepository) Create(ctx context.Context, rec *Record) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	cp.Version = 1
	m.records[rec.ID] = &cp
	rec.Version = 1
	return nil
}

func (m *MockRepository) Get(ctx context.Context, id string) (*Record, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MockRepository) Transition(ctx context.Context, rec *Record, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ID]
	if !ok {
		return ErrStaleTransition
	}
	if stored.Status != expected {
		return ErrStaleTransition
	}

	cp := *rec
	cp.Version = stored.Version + 1
	m.records[rec.ID] = &cp
	rec.Version = cp.Version
	return nil
}

func (m *MockRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Record
	for _, rec := range m.records {
		if rec.Status == StatusPending && !rec.Deadline.IsZero() && rec.Deadline.Before(now) {
			result = append(result, *rec)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MockRepository) List(ctx context.Context, opts ListOptions) ([]Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Record
	for _, rec := range m.records {
		if rec.OrgID != opts.OrgID {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		if opts.DecisionType != "" && rec.DecisionType != opts.DecisionType {
			continue
		}
		result = append(result, *rec)
	}
	return result, len(result), nil
}

func (m *MockRepository) Ping(ctx context.Context) error {
	return m.pingErr
}

// stored returns the stored record without copying (test inspection).
func (m *MockRepository) stored(id string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}
