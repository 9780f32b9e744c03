// Package notify delivers customer notifications produced by committed
// reconciliations. Delivery is best effort: it never blocks or fails the
// webhook request that produced the notification.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind identifies the template the mailer renders.
type Kind string

const (
	KindOrderConfirmation Kind = "order_confirmation"
	KindRentalCompleted   Kind = "rental_completed"
	KindRentalBuyout      Kind = "rental_buyout"
)

// Notification is one message queued for the mailer.
type Notification struct {
	ID                    uuid.UUID `json:"id"`
	Kind                  Kind      `json:"kind"`
	UserID                int64     `json:"user_id,omitempty"`
	OrderID               int64     `json:"order_id,omitempty"`
	RentalID              int64     `json:"rental_id,omitempty"`
	ProviderTransactionID string    `json:"provider_transaction_id"`
	CreatedAt             time.Time `json:"created_at"`
}

// New builds a notification with a fresh id.
func New(kind Kind, txnID string) Notification {
	return Notification{
		ID:                    uuid.New(),
		Kind:                  kind,
		ProviderTransactionID: txnID,
		CreatedAt:             time.Now().UTC(),
	}
}

// Sink delivers a single notification.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// DefaultQueueKey is the Redis list the mailer consumes.
const DefaultQueueKey = "giggatek:notifications"

// RedisSink pushes notifications as JSON onto a Redis list.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink creates a sink writing to key. An empty key uses DefaultQueueKey.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisSink{client: client, key: key}
}

// Send LPUSHes the encoded notification.
func (s *RedisSink) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", s.key, err)
	}
	return nil
}

// LogSink writes notifications to a logger. Used when Redis is not configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, n Notification) error {
	s.logger.InfoContext(ctx, "notification",
		"notification_id", n.ID.String(),
		"kind", string(n.Kind),
		"user_id", n.UserID,
		"order_id", n.OrderID,
		"rental_id", n.RentalID,
		"transaction_id", n.ProviderTransactionID,
	)
	return nil
}
