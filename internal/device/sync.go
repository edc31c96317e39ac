package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/wire"
)

// DefaultBatchSize is the number of messages per full-sync batch.
const DefaultBatchSize = 100

// Syncer pushes the local message store to the server, in numbered batches
// for the first sync and as watermark deltas afterwards.
type Syncer struct {
	local   *LocalDB
	api     API
	machine *Machine
	logger  *zap.Logger

	batchSize  int
	batchDelay time.Duration
	now        func() time.Time
}

// NewSyncer creates a syncer with the default batch size and inter-batch
// delay.
func NewSyncer(local *LocalDB, api API, machine *Machine, logger *zap.Logger) *Syncer {
	return &Syncer{
		local:      local,
		api:        api,
		machine:    machine,
		logger:     logger,
		batchSize:  DefaultBatchSize,
		batchDelay: 100 * time.Millisecond,
		now:        time.Now,
	}
}

// Converge brings the server mirror up to date: an incremental push when the
// server already holds a completed full sync and our token is accepted, a
// full sync otherwise.
func (s *Syncer) Converge(ctx context.Context) error {
	status, err := s.api.Status(ctx)
	if err != nil {
		return err
	}
	if status.LastFullSync == "" {
		return s.fullSync(ctx)
	}

	err = s.IncrementalSync(ctx)
	if errors.Is(err, ErrStaleToken) {
		s.logger.Info("sync token stale, running full sync")
		return s.fullSync(ctx)
	}
	return err
}

// fullSync re-enters the stage machine when an earlier pass parked it in
// Failed, then runs the batched sync.
func (s *Syncer) fullSync(ctx context.Context) error {
	if s.machine.Current() == Failed {
		if err := s.machine.Transition(Authenticating); err != nil {
			return err
		}
	}
	return s.FullSync(ctx)
}

// FullSync mirrors the entire local store to the server in numbered batches.
// Conversations travel only in batch 1. The server token is persisted after
// every acknowledged batch; a failed batch aborts the remainder.
func (s *Syncer) FullSync(ctx context.Context) error {
	if err := s.machine.Transition(SyncingConversations); err != nil {
		return err
	}

	conversations, err := s.local.ListConversations()
	if err != nil {
		return s.fail(err)
	}
	total, err := s.local.CountMessages()
	if err != nil {
		return s.fail(err)
	}

	totalBatches := (total + s.batchSize - 1) / s.batchSize
	if totalBatches == 0 {
		totalBatches = 1
	}
	s.logger.Info("starting full sync",
		zap.Int("conversations", len(conversations)),
		zap.Int("messages", total),
		zap.Int("batches", totalBatches))

	afterDate, afterID := "", ""
	for batch := 1; batch <= totalBatches; batch++ {
		if err := s.machine.Progress(batch, totalBatches); err != nil {
			return err
		}

		page, err := s.local.ListMessagesPage(afterDate, afterID, s.batchSize)
		if err != nil {
			return s.fail(err)
		}
		if len(page) > 0 {
			last := page[len(page)-1]
			afterDate, afterID = last.Date, last.ID
		}

		req := &wire.InitialSyncRequest{
			Messages:     s.dropInvalid(page),
			BatchNumber:  batch,
			TotalBatches: totalBatches,
		}
		if batch == 1 {
			req.Conversations = conversations
		}

		resp, err := s.api.InitialSync(ctx, req)
		if err != nil {
			return s.fail(fmt.Errorf("batch %d/%d: %w", batch, totalBatches, err))
		}
		if err := s.local.SetSyncToken(resp.SyncToken); err != nil {
			return s.fail(err)
		}
		s.logger.Debug("batch acknowledged",
			zap.Int("batch", batch),
			zap.Int("processed", resp.ProcessedCount))

		if batch < totalBatches {
			select {
			case <-time.After(s.batchDelay):
			case <-ctx.Done():
				return s.fail(ctx.Err())
			}
		}
	}

	if err := s.local.SetWatermark(s.now().UnixMilli()); err != nil {
		return s.fail(err)
	}
	if err := s.machine.Transition(Watching); err != nil {
		return err
	}
	s.logger.Info("full sync complete")
	return nil
}

// IncrementalSync pushes everything newer than the stored watermark in one
// request. With nothing to push it completes without a network call. A stale
// token error propagates so the caller can fall back to a full sync.
func (s *Syncer) IncrementalSync(ctx context.Context) error {
	token, err := s.local.SyncToken()
	if err != nil {
		return err
	}
	if token == "" {
		return ErrStaleToken
	}
	watermark, err := s.local.Watermark()
	if err != nil {
		return err
	}

	newMessages, err := s.local.MessagesSince(watermark)
	if err != nil {
		return err
	}
	updates, err := s.local.FlagUpdatesSince(watermark)
	if err != nil {
		return err
	}
	if len(newMessages) == 0 && len(updates) == 0 {
		if s.machine.Current() != Watching {
			return s.machine.Transition(Watching)
		}
		return nil
	}

	if err := s.machine.Transition(SyncingMessages); err != nil {
		return err
	}
	resp, err := s.api.IncrementalSync(ctx, &wire.IncrementalSyncRequest{
		SyncToken:       token,
		NewMessages:     s.dropInvalid(newMessages),
		UpdatedMessages: updates,
	})
	if err != nil {
		return s.fail(err)
	}

	if err := s.local.SetSyncToken(resp.NewSyncToken); err != nil {
		return s.fail(err)
	}
	if err := s.local.SetWatermark(s.now().UnixMilli()); err != nil {
		return s.fail(err)
	}
	if err := s.machine.Transition(Watching); err != nil {
		return err
	}
	s.logger.Info("incremental sync complete",
		zap.Int("new", len(newMessages)),
		zap.Int("updated", len(updates)))
	return nil
}

// dropInvalid filters out rows the server would reject, logging each one.
// The server rejects a whole batch on any malformed row, so a single corrupt
// provider row must not wedge the sync.
func (s *Syncer) dropInvalid(msgs []wire.Message) []wire.Message {
	_, invalid := wire.Partition(msgs)
	if len(invalid) == 0 {
		return msgs
	}

	bad := make(map[int]bool, len(invalid))
	for _, row := range invalid {
		bad[row.Index] = true
		s.logger.Warn("dropping malformed message row",
			zap.String("id", row.ID),
			zap.Error(row.Err))
	}
	kept := make([]wire.Message, 0, len(msgs)-len(invalid))
	for i, m := range msgs {
		if !bad[i] {
			kept = append(kept, m)
		}
	}
	return kept
}

func (s *Syncer) fail(err error) error {
	if terr := s.machine.Transition(Failed); terr != nil {
		s.logger.Warn("stage transition failed", zap.Error(terr))
	}
	return err
}
