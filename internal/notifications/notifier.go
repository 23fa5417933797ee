package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MonitorEventsChannel is the Redis channel dashboards subscribe to for monitor changes.
const MonitorEventsChannel = "stockroom:monitor-events"

type NotificationType string

const (
	NotificationTypeMonitorAssigned NotificationType = "monitor.assigned"
	NotificationTypeMonitorRevoked  NotificationType = "monitor.revoked"
	NotificationTypeMonitorExpired  NotificationType = "monitor.expired"
	NotificationTypeMonitorExtended NotificationType = "monitor.extended"
)

type Notification struct {
	Type       NotificationType `json:"type"`
	UserID     uuid.UUID        `json:"user_id"`
	ActorID    uuid.UUID        `json:"actor_id,omitempty"`
	StartsAt   time.Time        `json:"starts_at"`
	EndsAt     time.Time        `json:"ends_at"`
	OccurredAt time.Time        `json:"occurred_at"`
}

type Manager struct {
	logger *slog.Logger
	redis  *redis.Client
}

// NewManager returns a notifier publishing to Redis. A nil client only logs notifications.
func NewManager(logger *slog.Logger, client *redis.Client) Manager {
	return Manager{logger: logger, redis: client}
}

func (n *Manager) Notify(ctx context.Context, notification Notification) error {
	if notification.OccurredAt.IsZero() {
		notification.OccurredAt = time.Now().UTC()
	}

	if n.redis == nil {
		n.logger.InfoContext(ctx, "Monitor notification", "type", notification.Type, "user_id", notification.UserID)
		return nil
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := n.redis.Publish(ctx, MonitorEventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe delivers notifications from MonitorEventsChannel until ctx is cancelled.
func (n *Manager) Subscribe(ctx context.Context, handle func(Notification)) error {
	if n.redis == nil {
		return fmt.Errorf("notifications: redis is not configured")
	}

	sub := n.redis.Subscribe(ctx, MonitorEventsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", MonitorEventsChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var notification Notification
			if err := json.Unmarshal([]byte(msg.Payload), &notification); err != nil {
				n.logger.Warn("Dropping malformed notification", "error", err)
				continue
			}
			handle(notification)
		}
	}
}
