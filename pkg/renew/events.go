package renew

import (
	"sync"
	"time"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// StateChange is one transition of the renewal task lifecycle.
type StateChange struct {
	State  State     `json:"state"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// hub fans state changes out to subscribers. Delivery is best-effort: a slow
// subscriber loses events instead of blocking the coordinator.
type hub struct {
	mu   sync.Mutex
	subs map[chan StateChange]struct{}
}

// subscribe registers a feed channel. The returned cancel func removes the
// channel again; callers must invoke it when done or the hub keeps
// broadcasting to a channel nobody reads.
func (h *hub) subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 8)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan StateChange]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) broadcast(change StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
