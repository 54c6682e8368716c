// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

package events

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"intellipm/platform/shared/logger"
)

// Channel names for Redis pub/sub delivery.
const (
	ChannelApprovalRequested     = "governance:approval_requested"
	ChannelQuotaThresholdCrossed = "governance:quota_threshold_crossed"
)

// LogPublisher writes events to the structured log only. It is the
// fallback when no notification transport is configured.
type LogPublisher struct {
	log *logger.Logger
}

// NewLogPublisher creates a log-only publisher.
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	if log == nil {
		log = logger.New("events")
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) PublishApprovalRequested(ctx context.Context, event ApprovalRequested) {
	p.log.Info(event.OrgID, "", "approval requested", map[string]interface{}{
		"decision_id":   event.DecisionID,
		"decision_type": event.DecisionType,
		"required_role": event.RequiredRole,
		"deadline":      event.Deadline,
	})
}

func (p *LogPublisher) PublishQuotaThresholdCrossed(ctx context.Context, event QuotaThresholdCrossed) {
	p.log.Warn(event.OrgID, "", "quota threshold crossed", map[string]interface{}{
		"dimension":  event.Dimension,
		"threshold":  event.Threshold,
		"percentage": event.Percentage,
	})
}

// RedisPublisher delivers events over Redis pub/sub for the notification
// service. Publish failures are logged and swallowed: a down notification
// channel must never fail a governance operation.
type RedisPublisher struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisPublisher creates a Redis-backed publisher.
func NewRedisPublisher(client *redis.Client, log *logger.Logger) *RedisPublisher {
	if log == nil {
		log = logger.New("events")
	}
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) PublishApprovalRequested(ctx context.Context, event ApprovalRequested) {
	p.publish(ctx, ChannelApprovalRequested, event.OrgID, event)
}

func (p *RedisPublisher) PublishQuotaThresholdCrossed(ctx context.Context, event QuotaThresholdCrossed) {
	p.publish(ctx, ChannelQuotaThresholdCrossed, event.OrgID, event)
}

func (p *RedisPublisher) publish(ctx context.Context, channel, orgID string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.ErrorWithErr(orgID, "", "failed to marshal event", err, map[string]interface{}{
			"channel": channel,
		})
		return
	}

	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.log.ErrorWithErr(orgID, "", "failed to publish event", err, map[string]interface{}{
			"channel": channel,
		})
	}
}
