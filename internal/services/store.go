package services

import (
	"sync"

	"location-share-client/internal/models"
)

// Updater maps the current snapshot (nil when absent) to the next one.
// Updaters receive a private copy and may mutate it in place.
type Updater func(current *models.Snapshot) *models.Snapshot

// SnapshotListener is notified after every write to a conversation slot
type SnapshotListener func(conversationID string, snapshot *models.Snapshot, version uint64)

type snapshotSlot struct {
	snapshot *models.Snapshot
	version  uint64
}

// SnapshotStore is a keyed, versioned cache holding the latest known state of
// each conversation's location sharing session
type SnapshotStore struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	slots   map[string]*snapshotSlot

	subMu     sync.RWMutex
	listeners map[string]map[int]SnapshotListener
	nextSubID int
}

// NewSnapshotStore creates an empty snapshot store
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		slots:     make(map[string]*snapshotSlot),
		listeners: make(map[string]map[int]SnapshotListener),
	}
}

// Read returns a copy of the conversation's snapshot, or nil when absent
func (s *SnapshotStore) Read(conversationID string) *models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.slots[conversationID]
	if !ok {
		return nil
	}
	return slot.snapshot.Clone()
}

// Version returns the number of writes applied to the conversation's slot
func (s *SnapshotStore) Version(conversationID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if slot, ok := s.slots[conversationID]; ok {
		return slot.version
	}
	return 0
}

// Write applies update to the conversation's slot and notifies listeners.
// Listeners must not call Write.
func (s *SnapshotStore) Write(conversationID string, update Updater) {
	if update == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	slot, ok := s.slots[conversationID]
	if !ok {
		slot = &snapshotSlot{}
		s.slots[conversationID] = slot
	}
	next := update(slot.snapshot.Clone())
	slot.snapshot = next
	slot.version++
	version := slot.version
	published := next.Clone()
	s.mu.Unlock()

	s.notify(conversationID, published, version)
}

// Clear drops the conversation's slot without notifying listeners
func (s *SnapshotStore) Clear(conversationID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	delete(s.slots, conversationID)
	s.mu.Unlock()
}

// Subscribe registers a listener for a conversation and returns its cancel func
func (s *SnapshotStore) Subscribe(conversationID string, listener SnapshotListener) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	if s.listeners[conversationID] == nil {
		s.listeners[conversationID] = make(map[int]SnapshotListener)
	}
	s.listeners[conversationID][id] = listener

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.listeners[conversationID], id)
		if len(s.listeners[conversationID]) == 0 {
			delete(s.listeners, conversationID)
		}
	}
}

func (s *SnapshotStore) notify(conversationID string, snapshot *models.Snapshot, version uint64) {
	s.subMu.RLock()
	listeners := make([]SnapshotListener, 0, len(s.listeners[conversationID]))
	for _, l := range s.listeners[conversationID] {
		listeners = append(listeners, l)
	}
	s.subMu.RUnlock()

	for _, l := range listeners {
		l(conversationID, snapshot.Clone(), version)
	}
}
