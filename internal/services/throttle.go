package services

import (
	"sync"
	"time"

	"location-share-client/internal/models"
)

// Priority selects how soon a scheduled write reaches the store
type Priority int

const (
	// PriorityImmediate writes are applied synchronously
	PriorityImmediate Priority = iota
	// PriorityThrottled writes are coalesced into at most one write per window
	PriorityThrottled
)

// DefaultThrottleWindow is the minimum spacing between throttled writes
const DefaultThrottleWindow = time.Second

// MutationThrottle rate-limits writes into one conversation slot of a SnapshotStore.
// Throttled writes are coalesced per key (last writer wins) and flushed together
// at most once per rolling window. Writes reach the store in the order the
// throttle applies them, so store listeners must not schedule writes.
type MutationThrottle struct {
	store          *SnapshotStore
	conversationID string
	clock          Clock
	window         time.Duration

	mu          sync.Mutex
	pending     map[string]Updater
	order       []string
	timer       Timer
	lastApplied time.Time
	closed      bool
}

// NewMutationThrottle creates a throttle for one conversation slot
func NewMutationThrottle(store *SnapshotStore, conversationID string, clock Clock, window time.Duration) *MutationThrottle {
	if clock == nil {
		clock = SystemClock()
	}
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &MutationThrottle{
		store:          store,
		conversationID: conversationID,
		clock:          clock,
		window:         window,
		pending:        make(map[string]Updater),
	}
}

// Schedule queues update under key with the given priority.
// Immediate writes are applied before returning and restart the window;
// throttled writes replace any pending write with the same key.
func (t *MutationThrottle) Schedule(key string, update Updater, priority Priority) {
	if update == nil {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	if priority == PriorityImmediate {
		t.lastApplied = t.clock.Now()
		t.store.Write(t.conversationID, update)
		t.mu.Unlock()
		return
	}

	if _, exists := t.pending[key]; !exists {
		t.order = append(t.order, key)
	}
	t.pending[key] = update

	if t.timer != nil {
		t.mu.Unlock()
		return
	}

	elapsed := t.clock.Now().Sub(t.lastApplied)
	if t.lastApplied.IsZero() || elapsed >= t.window {
		t.store.Write(t.conversationID, t.takePendingLocked())
		t.mu.Unlock()
		return
	}

	t.timer = t.clock.AfterFunc(t.window-elapsed, t.flush)
	t.mu.Unlock()
}

// Cancel discards the pending throttled write for key, if any
func (t *MutationThrottle) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[key]; !ok {
		return
	}
	delete(t.pending, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if len(t.pending) == 0 && t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// CancelAll discards every pending throttled write
func (t *MutationThrottle) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// Pending reports the number of throttled writes waiting for the window
func (t *MutationThrottle) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Transact applies update immediately, runs request, and applies compensate
// immediately when request fails. The request error is returned unchanged.
func (t *MutationThrottle) Transact(key string, update, compensate Updater, request func() error) error {
	t.Schedule(key, update, PriorityImmediate)
	if err := request(); err != nil {
		t.Schedule(key, compensate, PriorityImmediate)
		return err
	}
	return nil
}

// Close stops the flush timer and drops pending writes; later schedules are ignored
func (t *MutationThrottle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.resetLocked()
}

func (t *MutationThrottle) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer = nil
	if t.closed || len(t.pending) == 0 {
		return
	}
	// taken and applied under one lock so an immediate write cannot land in between
	t.store.Write(t.conversationID, t.takePendingLocked())
}

// takePendingLocked composes pending updaters in scheduling order and clears them.
func (t *MutationThrottle) takePendingLocked() Updater {
	updates := make([]Updater, 0, len(t.order))
	for _, key := range t.order {
		updates = append(updates, t.pending[key])
	}
	t.pending = make(map[string]Updater)
	t.order = nil
	t.lastApplied = t.clock.Now()

	return func(current *models.Snapshot) *models.Snapshot {
		for _, u := range updates {
			current = u(current)
		}
		return current
	}
}

func (t *MutationThrottle) resetLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = make(map[string]Updater)
	t.order = nil
}
