// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package decision

import (
	"context"
	"time"
)

// Repository defines the interface for decision record persistence.
//
// Transition is a conditional write: it must only commit when the stored
// status still equals expected, returning ErrStaleTransition otherwise.
// This serializes racing Approve/Reject/SweepExpired calls per decision id
// without a global lock.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	// Transition writes rec's mutable fields conditionally on the stored
	// status matching expected, bumping the version stamp.
	Transition(ctx context.Context, rec *Record, expected Status) error

	// ListExpiredPending returns pending records whose deadline has
	// passed, for the expiry sweep.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Record, error)

	List(ctx context.Context, opts ListOptions) ([]Record, int, error)

	Ping(ctx context.Context) error
}
