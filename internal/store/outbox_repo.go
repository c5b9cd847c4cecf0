// Package store provides the OutboxRepo interface and model for restart-safe
// outgoing sends.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatfuse/botflow/internal/models"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxMessage represents a durable outgoing message record. PayloadJSON is
// the serialized models.Intent; Kind mirrors the intent kind for observability.
type OutboxMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Kind           string       `json:"kind"`
	PayloadJSON    string       `json:"payload_json"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"last_error,omitempty"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message.
	EnqueueOutboxMessage(msg OutboxMessage) error

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now as sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}

// OutboxEnqueuer adapts an OutboxRepo into the engine's Sender: intents are
// enqueued durably and delivered at least once by the OutboxSender poller.
type OutboxEnqueuer struct {
	repo OutboxRepo
}

// NewOutboxEnqueuer creates a Sender that persists intents into the outbox.
func NewOutboxEnqueuer(repo OutboxRepo) *OutboxEnqueuer {
	return &OutboxEnqueuer{repo: repo}
}

// Send serializes the intent and enqueues it for delivery.
func (o *OutboxEnqueuer) Send(ctx context.Context, intent models.Intent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent %s: %w", intent.ID, err)
	}
	now := time.Now()
	msg := OutboxMessage{
		ID:             intent.ID,
		ConversationID: intent.ConversationID,
		Kind:           string(intent.Kind),
		PayloadJSON:    string(payload),
		Status:         OutboxStatusQueued,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.repo.EnqueueOutboxMessage(msg); err != nil {
		return fmt.Errorf("enqueue intent %s: %w", intent.ID, err)
	}
	return nil
}
