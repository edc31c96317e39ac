package device

import (
	"testing"

	"github.com/rafaelmp/webtext/internal/bus"
)

func TestStageTransitions(t *testing.T) {
	m := NewMachine(nil)

	if m.Current() != Idle {
		t.Fatalf("expected Idle, got %s", m.Current())
	}

	steps := []Stage{Authenticating, SyncingConversations, SyncingMessages, SyncingMessages, Watching}
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.Current() != Watching {
		t.Errorf("expected Watching, got %s", m.Current())
	}
}

func TestInvalidStageTransition(t *testing.T) {
	m := NewMachine(nil)

	if err := m.Transition(Watching); err == nil {
		t.Error("expected error for Idle -> Watching")
	}
	if m.Current() != Idle {
		t.Errorf("failed transition must not move the machine, got %s", m.Current())
	}
}

func TestStageChangePublished(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("agent.", 8)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Authenticating); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := m.Progress(2, 5); err != nil {
		t.Fatalf("progress: %v", err)
	}

	first := <-ch
	change, ok := first.Payload.(StageChange)
	if !ok {
		t.Fatalf("unexpected payload type %T", first.Payload)
	}
	if change.From != Idle || change.To != Authenticating {
		t.Errorf("unexpected change: %+v", change)
	}

	second := <-ch
	change = second.Payload.(StageChange)
	if change.To != SyncingMessages || change.Batch != 2 || change.Total != 5 {
		t.Errorf("unexpected progress change: %+v", change)
	}
}
