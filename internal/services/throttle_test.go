package services

import (
	"errors"
	"testing"
	"time"

	"location-share-client/internal/models"
)

func setLatitude(owner string, lat float64) Updater {
	return func(cur *models.Snapshot) *models.Snapshot {
		if cur == nil {
			return nil
		}
		cur.Positions[owner] = models.PositionSample{OwnerID: owner, Latitude: lat}
		return cur
	}
}

func newTestThrottle() (*MutationThrottle, *SnapshotStore, *fakeClock) {
	store := NewSnapshotStore()
	seedStore(store, testSession(true, true))
	clock := newFakeClock()
	return NewMutationThrottle(store, testConversation, clock, time.Second), store, clock
}

func TestMutationThrottle_FirstThrottledWriteAppliesImmediately(t *testing.T) {
	throttle, store, _ := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 1), PriorityThrottled)

	if v := store.Version(testConversation); v != 2 {
		t.Fatalf("Expected version 2, got %d", v)
	}
	if p := store.Read(testConversation).Positions[userA]; p.Latitude != 1 {
		t.Errorf("Expected latitude 1, got %v", p.Latitude)
	}
}

func TestMutationThrottle_CoalescesWithinWindow(t *testing.T) {
	throttle, store, clock := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 1), PriorityThrottled)
	for i := 2; i <= 6; i++ {
		clock.Advance(100 * time.Millisecond)
		throttle.Schedule("position:a", setLatitude(userA, float64(i)), PriorityThrottled)
	}

	if v := store.Version(testConversation); v != 2 {
		t.Fatalf("Expected no write inside the window, version = %d", v)
	}
	if n := throttle.Pending(); n != 1 {
		t.Errorf("Expected 1 pending write, got %d", n)
	}

	clock.Advance(500 * time.Millisecond)

	if v := store.Version(testConversation); v != 3 {
		t.Fatalf("Expected exactly one flush, version = %d", v)
	}
	if p := store.Read(testConversation).Positions[userA]; p.Latitude != 6 {
		t.Errorf("Expected last write to win, latitude = %v", p.Latitude)
	}
	if n := throttle.Pending(); n != 0 {
		t.Errorf("Expected no pending writes, got %d", n)
	}
}

func TestMutationThrottle_AtMostOneWritePerWindow(t *testing.T) {
	throttle, store, clock := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 0), PriorityThrottled)
	start := store.Version(testConversation)

	// 5 seconds of updates every 50ms
	for i := 1; i <= 100; i++ {
		clock.Advance(50 * time.Millisecond)
		throttle.Schedule("position:a", setLatitude(userA, float64(i)), PriorityThrottled)
	}

	writes := store.Version(testConversation) - start
	if writes > 5 {
		t.Errorf("Expected at most 5 writes in 5 seconds, got %d", writes)
	}
	clock.Advance(time.Second)
	if p := store.Read(testConversation).Positions[userA]; p.Latitude != 100 {
		t.Errorf("Expected final latitude 100, got %v", p.Latitude)
	}
}

func TestMutationThrottle_DistinctKeysFlushTogether(t *testing.T) {
	throttle, store, clock := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 1), PriorityThrottled)
	clock.Advance(200 * time.Millisecond)
	throttle.Schedule("position:a", setLatitude(userA, 2), PriorityThrottled)
	throttle.Schedule("position:b", setLatitude(userB, 3), PriorityThrottled)

	clock.Advance(800 * time.Millisecond)

	if v := store.Version(testConversation); v != 3 {
		t.Fatalf("Expected both keys in one write, version = %d", v)
	}
	snap := store.Read(testConversation)
	if snap.Positions[userA].Latitude != 2 || snap.Positions[userB].Latitude != 3 {
		t.Errorf("Unexpected positions after flush: %+v", snap.Positions)
	}
}

func TestMutationThrottle_ImmediateBypassesWindow(t *testing.T) {
	throttle, store, clock := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 1), PriorityThrottled)
	clock.Advance(100 * time.Millisecond)
	throttle.Schedule("position:a", setLatitude(userA, 2), PriorityThrottled)

	throttle.Schedule("position:b", setLatitude(userB, 9), PriorityImmediate)

	if v := store.Version(testConversation); v != 3 {
		t.Fatalf("Expected immediate write to apply, version = %d", v)
	}
	if p := store.Read(testConversation).Positions[userB]; p.Latitude != 9 {
		t.Errorf("Expected latitude 9, got %v", p.Latitude)
	}
	if n := throttle.Pending(); n != 1 {
		t.Errorf("Expected the throttled write to stay pending, got %d", n)
	}

	clock.Advance(900 * time.Millisecond)
	if p := store.Read(testConversation).Positions[userA]; p.Latitude != 2 {
		t.Errorf("Expected pending write to flush on schedule, latitude = %v", p.Latitude)
	}
}

func TestMutationThrottle_Cancel(t *testing.T) {
	throttle, store, clock := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 1), PriorityThrottled)
	throttle.Schedule("position:a", setLatitude(userA, 2), PriorityThrottled)
	throttle.Cancel("position:a")

	if n := throttle.Pending(); n != 0 {
		t.Errorf("Expected no pending writes, got %d", n)
	}
	if n := clock.activeTimers(); n != 0 {
		t.Errorf("Expected flush timer to be stopped, %d active", n)
	}

	clock.Advance(2 * time.Second)
	if p := store.Read(testConversation).Positions[userA]; p.Latitude != 1 {
		t.Errorf("Expected cancelled write to never apply, latitude = %v", p.Latitude)
	}
}

func TestMutationThrottle_CancelAll(t *testing.T) {
	throttle, store, clock := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 1), PriorityThrottled)
	throttle.Schedule("position:a", setLatitude(userA, 2), PriorityThrottled)
	throttle.Schedule("position:b", setLatitude(userB, 3), PriorityThrottled)
	version := store.Version(testConversation)

	throttle.CancelAll()
	clock.Advance(2 * time.Second)

	if v := store.Version(testConversation); v != version {
		t.Errorf("Expected no writes after CancelAll, version %d -> %d", version, v)
	}
}

func TestMutationThrottle_CloseIgnoresLaterWrites(t *testing.T) {
	throttle, store, clock := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 1), PriorityThrottled)
	throttle.Schedule("position:a", setLatitude(userA, 2), PriorityThrottled)
	throttle.Close()
	version := store.Version(testConversation)

	throttle.Schedule("position:b", setLatitude(userB, 3), PriorityImmediate)
	clock.Advance(2 * time.Second)

	if v := store.Version(testConversation); v != version {
		t.Errorf("Expected closed throttle to write nothing, version %d -> %d", version, v)
	}
}

func TestMutationThrottle_TransactSuccess(t *testing.T) {
	throttle, store, _ := newTestThrottle()

	var sawOptimistic bool
	err := throttle.Transact("status:a",
		func(cur *models.Snapshot) *models.Snapshot {
			cur.Session.SetSharing(userA, false)
			return cur
		},
		func(cur *models.Snapshot) *models.Snapshot {
			cur.Session.SetSharing(userA, true)
			return cur
		},
		func() error {
			sawOptimistic = !store.Read(testConversation).Session.IsSharing(userA)
			return nil
		},
	)

	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !sawOptimistic {
		t.Error("Expected optimistic write before the request")
	}
	if store.Read(testConversation).Session.IsSharing(userA) {
		t.Error("Expected user A to stay stopped")
	}
}

func TestMutationThrottle_TransactCompensatesOnFailure(t *testing.T) {
	throttle, store, _ := newTestThrottle()
	requestErr := errors.New("boom")

	err := throttle.Transact("status:a",
		func(cur *models.Snapshot) *models.Snapshot {
			cur.Session.SetSharing(userA, false)
			return cur
		},
		func(cur *models.Snapshot) *models.Snapshot {
			cur.Session.SetSharing(userA, true)
			return cur
		},
		func() error { return requestErr },
	)

	if !errors.Is(err, requestErr) {
		t.Fatalf("Expected request error, got %v", err)
	}
	if !store.Read(testConversation).Session.IsSharing(userA) {
		t.Error("Expected compensation to restore user A's flag")
	}
}

func TestMutationThrottle_ImmediateWriteWaitsForFlush(t *testing.T) {
	throttle, store, clock := newTestThrottle()

	throttle.Schedule("position:a", setLatitude(userA, 1), PriorityThrottled)
	clock.Advance(100 * time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	throttle.Schedule("position:a", func(cur *models.Snapshot) *models.Snapshot {
		close(entered)
		<-release
		return setLatitude(userA, 2)(cur)
	}, PriorityThrottled)

	flushed := make(chan struct{})
	go func() {
		clock.Advance(900 * time.Millisecond)
		close(flushed)
	}()
	<-entered

	inspected := make(chan struct{})
	go func() {
		throttle.Pending()
		close(inspected)
	}()
	stopped := make(chan struct{})
	go func() {
		throttle.Schedule("status:a", func(cur *models.Snapshot) *models.Snapshot {
			if cur == nil {
				return nil
			}
			cur.Session.SetSharing(userA, false)
			delete(cur.Positions, userA)
			return cur
		}, PriorityImmediate)
		close(stopped)
	}()

	select {
	case <-inspected:
		t.Fatal("Expected the throttle to stay locked while the flush is written")
	case <-stopped:
		t.Fatal("Expected the immediate write to wait for the in-flight flush")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-flushed
	<-inspected
	<-stopped

	snap := store.Read(testConversation)
	if _, ok := snap.Positions[userA]; ok {
		t.Errorf("Expected the stop to win over the flushed position, got %+v", snap.Positions[userA])
	}
	if snap.Session.SharingA {
		t.Error("Expected user A to have stopped")
	}
	if v := store.Version(testConversation); v != 4 {
		t.Errorf("Expected flush then stop to apply in order, version = %d", v)
	}
}
