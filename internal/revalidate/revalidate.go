// Package revalidate tells presentation caches that an organization changed. Notifications
// are advisory: a failed publish is logged and never affects the governance operation.
package revalidate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Hook is invoked after every successful mutation of an organization's membership or state.
type Hook interface {
	OrganizationChanged(ctx context.Context, orgID string)
}

// Noop discards every event.
type Noop struct{}

func (Noop) OrganizationChanged(context.Context, string) {}

// Func adapts a function to Hook.
type Func func(ctx context.Context, orgID string)

func (f Func) OrganizationChanged(ctx context.Context, orgID string) { f(ctx, orgID) }

// Event is the payload published for each change.
type Event struct {
	OrganizationID string    `json:"organization_id"`
	ChangedAt      time.Time `json:"changed_at"`
}

// RedisPublisher publishes an Event on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	timeout time.Duration
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel, timeout: 2 * time.Second}
}

func (p *RedisPublisher) OrganizationChanged(ctx context.Context, orgID string) {
	payload, err := json.Marshal(Event{OrganizationID: orgID, ChangedAt: time.Now().UTC()})
	if err != nil {
		slog.Warn("revalidate: failed to encode event", "organization_id", orgID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		slog.Warn("revalidate: failed to publish organization change",
			"organization_id", orgID, "channel", p.channel, "error", err)
	}
}
