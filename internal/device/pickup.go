package device

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/wire"
)

// Pickup polls the server queue for web-originated sends, executes them
// against the local store, and confirms the resulting message id back.
//
// Picked-up entries are not redelivered, so a confirmation that fails must be
// retried from memory on the next tick instead of being refetched.
type Pickup struct {
	local  *LocalDB
	api    API
	logger *zap.Logger
	cancel context.CancelFunc

	interval time.Duration

	mu      sync.Mutex
	pending map[string]string // queue id -> local message id, awaiting confirm
}

// NewPickup creates a queue pickup poller.
func NewPickup(local *LocalDB, api API, interval time.Duration, logger *zap.Logger) *Pickup {
	return &Pickup{
		local:    local,
		api:      api,
		logger:   logger,
		interval: interval,
		pending:  make(map[string]string),
	}
}

// Start begins polling the server queue.
func (p *Pickup) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops the poller.
func (p *Pickup) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pickup) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one poll cycle: retry unconfirmed sends, then pick up and execute
// new entries.
func (p *Pickup) Tick(ctx context.Context) {
	p.retryPending(ctx)

	resp, err := p.api.FetchQueue(ctx)
	if err != nil {
		p.logger.Error("failed to fetch queue", zap.Error(err))
		return
	}

	for _, entry := range resp.QueuedMessages {
		threadID := entry.ConversationID
		if threadID == "" {
			threadID, err = p.local.ThreadForAddresses(entry.Addresses)
			if err != nil {
				p.logger.Error("failed to resolve thread for queued message",
					zap.String("queue_id", entry.ID), zap.Error(err))
				continue
			}
		}
		msgID, err := p.local.InsertOutgoing(threadID, entry.Body)
		if err != nil {
			p.logger.Error("failed to send queued message",
				zap.String("queue_id", entry.ID), zap.Error(err))
			continue
		}
		p.confirm(ctx, entry.ID, msgID)
	}
}

func (p *Pickup) retryPending(ctx context.Context) {
	p.mu.Lock()
	retries := make(map[string]string, len(p.pending))
	for queueID, msgID := range p.pending {
		retries[queueID] = msgID
	}
	p.mu.Unlock()

	for queueID, msgID := range retries {
		p.confirm(ctx, queueID, msgID)
	}
}

func (p *Pickup) confirm(ctx context.Context, queueID, msgID string) {
	resp, err := p.api.Confirm(ctx, &wire.ConfirmRequest{
		QueueID:          queueID,
		AndroidMessageID: msgID,
	})
	if err != nil {
		p.logger.Warn("confirm failed, will retry",
			zap.String("queue_id", queueID), zap.Error(err))
		p.mu.Lock()
		p.pending[queueID] = msgID
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	delete(p.pending, queueID)
	p.mu.Unlock()

	if !resp.Success {
		p.logger.Warn("server rejected confirmation", zap.String("queue_id", queueID))
		return
	}
	p.logger.Info("queued message sent",
		zap.String("queue_id", queueID), zap.String("msg_id", msgID))
}
