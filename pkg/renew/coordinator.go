// Package renew owns the credential renewal lifecycle: at most one renewal
// task runs process-wide at any time, always off the request path, and a
// successful run installs the new credential into the store.
package renew

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/putergate/putergate/pkg/config"
)

// Coordinator serializes renewal attempts. RequestRenewal is the only public
// trigger; failures are logged and never propagate to any HTTP response.
type Coordinator struct {
	store   *config.CredentialStore
	agent   Agent
	timeout time.Duration

	mu      sync.Mutex
	running bool

	events hub
}

func NewCoordinator(store *config.CredentialStore, agent Agent, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Coordinator{store: store, agent: agent, timeout: timeout}
}

// RequestRenewal starts a renewal task unless one is already running.
// Returns true only for the call that actually started the task; concurrent
// callers during a running task get false and nothing else happens. The task
// runs on its own context, detached from whichever request triggered it.
func (c *Coordinator) RequestRenewal() bool {
	if c.agent == nil {
		log.Warn("renewal requested but no agent command is configured")
		return false
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return false
	}
	c.running = true
	c.mu.Unlock()

	c.events.broadcast(StateChange{State: StateRunning, At: time.Now()})
	log.Info("credential renewal started", "timeout", c.timeout)
	go c.run()
	return true
}

// Running reports whether a renewal task is currently in flight.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Subscribe returns a feed of task state transitions along with a cancel
// func that releases the subscription.
func (c *Coordinator) Subscribe() (<-chan StateChange, func()) {
	return c.events.subscribe()
}

func (c *Coordinator) run() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	final := c.attempt(ctx)

	// Broadcast the terminal state before releasing the flag: a follow-up
	// task admitted after the release must never have its Running event
	// appear ahead of this task's outcome on the feed.
	c.events.broadcast(final)

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.events.broadcast(StateChange{State: StateIdle, At: time.Now()})
}

func (c *Coordinator) attempt(ctx context.Context) StateChange {
	token, err := c.agent.Register(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error("credential renewal timed out", "timeout", c.timeout)
			return StateChange{State: StateTimedOut, Reason: err.Error(), At: time.Now()}
		}
		log.Error("credential renewal failed", "err", err)
		return StateChange{State: StateFailed, Reason: err.Error(), At: time.Now()}
	}
	if err := c.store.Replace(token); err != nil {
		log.Error("renewed credential rejected by store", "err", err)
		return StateChange{State: StateFailed, Reason: err.Error(), At: time.Now()}
	}
	log.Info("credential renewal succeeded")
	return StateChange{State: StateSucceeded, At: time.Now()}
}
