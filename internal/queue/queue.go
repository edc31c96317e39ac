// Package queue holds outbound send requests from web clients pending device
// pickup and confirmation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/bus"
	"github.com/rafaelmp/webtext/internal/store"
)

// ErrEmptyRequest is returned when a send request has no addresses or body.
// Format checks beyond non-emptiness happen on-device.
var ErrEmptyRequest = errors.New("addresses and body must be non-empty")

// Service implements the queued-send lifecycle Created -> PickedUp -> Sent.
type Service struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a queue service.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, bus: b, logger: logger}
}

// Enqueue accepts a web client's send request and returns its queue id.
func (s *Service) Enqueue(ctx context.Context, accountID, conversationID int64, addresses []string, body string) (int64, error) {
	if len(addresses) == 0 || body == "" {
		return 0, ErrEmptyRequest
	}
	for _, a := range addresses {
		if a == "" {
			return 0, ErrEmptyRequest
		}
	}
	id, err := s.db.EnqueueMessage(accountID, conversationID, addresses, body)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	s.logger.Info("send request queued",
		zap.Int64("account", accountID), zap.Int64("queue_id", id))
	return id, nil
}

// Pickup atomically selects and marks all undelivered entries for the
// account's device, oldest first. At-least-once pickup: an entry that was
// picked up but never confirmed is not redelivered.
func (s *Service) Pickup(ctx context.Context, accountID int64) ([]store.QueuedMessage, error) {
	entries, err := s.db.PickupQueued(accountID)
	if err != nil {
		return nil, fmt.Errorf("pickup: %w", err)
	}
	if len(entries) > 0 {
		s.logger.Info("queue entries delivered to device",
			zap.Int64("account", accountID), zap.Int("count", len(entries)))
	}
	return entries, nil
}

// Confirm records a completed device send. Unknown ids return
// store.ErrNotFound; re-confirming an already-sent entry is an idempotent
// no-op with no re-broadcast.
func (s *Service) Confirm(ctx context.Context, accountID, queueID, deviceMessageID int64) error {
	entry, already, err := s.db.ConfirmQueued(accountID, queueID, deviceMessageID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	// Broadcast only when the confirmed message actually landed in the store;
	// the device confirms before its next incremental sync may have run.
	if _, err := s.db.GetMessage(accountID, deviceMessageID); err == nil && s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      bus.KindQueueSent,
			AccountID: accountID,
			Timestamp: time.Now(),
			Payload:   bus.SentPayload{QueueID: entry.ID, MessageID: deviceMessageID},
		})
	}
	return nil
}
