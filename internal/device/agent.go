package device

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/bus"
)

// Agent runs the full device-side loop: authenticate, converge with the
// server, then keep pushing deltas and draining the send queue.
type Agent struct {
	client  *Client
	machine *Machine
	syncer  *Syncer
	pickup  *Pickup
	logger  *zap.Logger

	syncInterval time.Duration
}

// AgentConfig collects the knobs the command line exposes.
type AgentConfig struct {
	ServerURL      string
	Username       string
	Password       string
	DeviceID       string
	BatchSize      int
	SyncInterval   time.Duration
	PickupInterval time.Duration
}

// NewAgent wires an agent from its config and an opened local store.
func NewAgent(cfg AgentConfig, local *LocalDB, b *bus.Bus, logger *zap.Logger) *Agent {
	client := NewClient(cfg.ServerURL, cfg.Username, cfg.Password, cfg.DeviceID)
	machine := NewMachine(b)
	syncer := NewSyncer(local, client, machine, logger)
	if cfg.BatchSize > 0 {
		syncer.batchSize = cfg.BatchSize
	}
	return &Agent{
		client:       client,
		machine:      machine,
		syncer:       syncer,
		pickup:       NewPickup(local, client, cfg.PickupInterval, logger),
		logger:       logger,
		syncInterval: cfg.SyncInterval,
	}
}

// Run drives the agent until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.machine.Transition(Authenticating); err != nil {
		return err
	}
	if err := a.client.Login(ctx); err != nil {
		_ = a.machine.Transition(Failed)
		return err
	}
	a.logger.Info("authenticated")

	if err := a.syncer.Converge(ctx); err != nil {
		return err
	}

	a.pickup.Start(ctx)
	defer a.pickup.Stop()

	ticker := time.NewTicker(a.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.syncer.Converge(ctx); err != nil {
				a.logger.Error("sync failed", zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
