package device

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rafaelmp/webtext/internal/bus"
)

// Stage represents an agent runtime stage.
type Stage string

const (
	Idle                 Stage = "IDLE"
	Authenticating       Stage = "AUTHENTICATING"
	SyncingConversations Stage = "SYNCING_CONVERSATIONS"
	SyncingMessages      Stage = "SYNCING_MESSAGES"
	Watching             Stage = "WATCHING"
	Failed               Stage = "FAILED"
)

// validTransitions defines allowed stage transitions.
var validTransitions = map[Stage][]Stage{
	Idle:                 {Authenticating, Failed},
	Authenticating:       {SyncingConversations, SyncingMessages, Watching, Failed},
	SyncingConversations: {SyncingMessages, Failed},
	SyncingMessages:      {SyncingMessages, Watching, Failed},
	Watching:             {SyncingConversations, SyncingMessages, Watching, Failed},
	Failed:               {Authenticating},
}

// Machine tracks and enforces agent stage transitions, publishing each change
// on the bus with batch progress where it applies.
type Machine struct {
	mu      sync.RWMutex
	current Stage
	bus     *bus.Bus
}

// NewMachine creates a stage machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current stage.
func (m *Machine) Current() Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new stage. Returns error if the move is
// not allowed.
func (m *Machine) Transition(to Stage) error {
	return m.transition(to, 0, 0)
}

// Progress moves to SyncingMessages carrying batch progress.
func (m *Machine) Progress(batch, total int) error {
	return m.transition(SyncingMessages, batch, total)
}

func (m *Machine) transition(to Stage, batch, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "agent.stage_changed",
			Timestamp: time.Now(),
			Payload: StageChange{
				From:  from,
				To:    to,
				Batch: batch,
				Total: total,
			},
		})
	}
	return nil
}

// StageChange is the payload for stage change events.
type StageChange struct {
	From  Stage
	To    Stage
	Batch int
	Total int
}
