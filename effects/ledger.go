// Package effects holds the production collaborators that apply rule
// actions outside the rule engine.
package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/loyaltyrules/rules"
)

// DefaultEffectsStream is the stream the loyalty profile service consumes.
const DefaultEffectsStream = "loyalty:effects"

const dedupeTTL = 7 * 24 * time.Hour

// StreamLedger publishes loyalty side effects to a Redis stream owned by the
// profile service. Effects are deduplicated on their idempotency key so a
// redelivered event does not award twice. It implements rules.Ledger.
type StreamLedger struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamLedger creates a ledger writing to stream.
func NewStreamLedger(client *redis.Client, stream string, maxLen int64) *StreamLedger {
	if stream == "" {
		stream = DefaultEffectsStream
	}
	return &StreamLedger{client: client, stream: stream, maxLen: maxLen}
}

func (l *StreamLedger) AdjustPoints(ctx context.Context, adj rules.PointsAdjustment) error {
	return l.publish(ctx, "points", adj.EffectMeta, adj)
}

func (l *StreamLedger) SetTier(ctx context.Context, change rules.TierChange) error {
	return l.publish(ctx, "tier", change.EffectMeta, change)
}

func (l *StreamLedger) AwardBadge(ctx context.Context, award rules.BadgeAward) error {
	return l.publish(ctx, "badge", award.EffectMeta, award)
}

func (l *StreamLedger) UpdateTags(ctx context.Context, update rules.TagUpdate) error {
	return l.publish(ctx, "tag", update.EffectMeta, update)
}

func (l *StreamLedger) CreateDiscount(ctx context.Context, req rules.DiscountRequest) error {
	return l.publish(ctx, "discount", req.EffectMeta, req)
}

func (l *StreamLedger) publish(ctx context.Context, kind string, meta rules.EffectMeta, effect any) error {
	data, err := json.Marshal(effect)
	if err != nil {
		return fmt.Errorf("failed to encode %s effect: %w", kind, err)
	}

	var seenKey string
	if meta.Key != "" {
		seenKey = l.stream + ":seen:" + meta.Key
		fresh, err := l.client.SetNX(ctx, seenKey, 1, dedupeTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to check effect %s: %w", meta.Key, err)
		}
		if !fresh {
			return nil
		}
	}

	args := &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]any{
			"kind":        kind,
			"tenant_id":   meta.TenantID,
			"customer_id": meta.CustomerID,
			"key":         meta.Key,
			"data":        data,
		},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	if err := l.client.XAdd(ctx, args).Err(); err != nil {
		if seenKey != "" {
			l.client.Del(context.WithoutCancel(ctx), seenKey)
		}
		return fmt.Errorf("failed to publish %s effect: %w", kind, err)
	}
	return nil
}
