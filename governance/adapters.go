// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package governance

import (
	"context"

	"intellipm/platform/governance/audit"
	"intellipm/platform/governance/events"
	"intellipm/platform/governance/quota"
)

// quotaAuditSink writes quota verdicts to the audit log.
type quotaAuditSink struct {
	recorder audit.Recorder
	metrics  *Metrics
}

func (s *quotaAuditSink) QuotaVerdict(ctx context.Context, req quota.CheckRequest, verdict *quota.Verdict) {
	if s.metrics != nil {
		s.metrics.QuotaVerdicts.WithLabelValues(string(verdict.Kind)).Inc()
	}
	if s.recorder == nil {
		return
	}

	s.recorder.Record(ctx, audit.Entry{
		OrgID:     req.OrgID,
		Category:  audit.CategoryQuota,
		Action:    "quota_check",
		RequestID: req.RequestID,
		ActorID:   req.UserID,
		Verdict:   string(verdict.Kind),
		Details: map[string]interface{}{
			"estimated_tokens":   req.EstimatedTokens,
			"estimated_cost":     req.EstimatedCost,
			"blocked_dimensions": verdict.BlockedDimensions,
			"overage_cost":       verdict.OverageCost,
		},
	})
}

// thresholdRelay forwards threshold crossings to the event publisher.
type thresholdRelay struct {
	publisher events.Publisher
	metrics   *Metrics
}

func (r *thresholdRelay) ThresholdCrossed(ctx context.Context, signal quota.ThresholdSignal) {
	if r.metrics != nil {
		r.metrics.ThresholdSignals.WithLabelValues(string(signal.Dimension)).Inc()
	}
	if r.publisher == nil {
		return
	}

	r.publisher.PublishQuotaThresholdCrossed(ctx, events.QuotaThresholdCrossed{
		OrgID:      signal.OrgID,
		UserID:     signal.UserID,
		Dimension:  string(signal.Dimension),
		Threshold:  signal.Threshold,
		Percentage: signal.Percentage,
		Timestamp:  signal.Timestamp,
	})
}
