// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

// Package events defines the signals the governance engine emits for
// external consumers, and publishers that deliver them. Publishing never
// blocks the emitting operation and never fails it: delivery is
// best-effort, the durable record of what happened lives in the audit log.
package events

import (
	"context"
	"time"
)

// ApprovalRequested is emitted when a decision enters the approval queue.
type ApprovalRequested struct {
	DecisionID   string    `json:"decision_id"`
	OrgID        string    `json:"org_id"`
	DecisionType string    `json:"decision_type"`
	RequiredRole string    `json:"required_role"`
	Deadline     time.Time `json:"deadline"`
	Timestamp    time.Time `json:"timestamp"`
}

// QuotaThresholdCrossed is emitted the first time usage crosses an alert
// threshold in a billing period.
type QuotaThresholdCrossed struct {
	OrgID      string    `json:"org_id"`
	UserID     string    `json:"user_id,omitempty"`
	Dimension  string    `json:"dimension"`
	Threshold  int       `json:"threshold"`
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers governance events to the notification service.
type Publisher interface {
	PublishApprovalRequested(ctx context.Context, event ApprovalRequested)
	PublishQuotaThresholdCrossed(ctx context.Context, event QuotaThresholdCrossed)
}
