package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"location-share-client/internal/models"
)

const (
	testConversation = "conv-1"
	userA            = "user-a"
	userB            = "user-b"
)

// ---------------------------------------------------------------------------
// Fake clock
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and fires due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Session API stub
// ---------------------------------------------------------------------------

type stubAPI struct {
	mu sync.Mutex

	session   *models.Session
	startErr  error
	stopErr   error
	fetchResp *models.SnapshotResponse
	fetchErr  error
	onStop    func()

	startCalls int
	stopCalls  int
	fetchCalls int
}

func (s *stubAPI) StartSession(ctx context.Context, conversationID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.startErr != nil {
		return nil, s.startErr
	}
	session := *s.session
	return &session, nil
}

func (s *stubAPI) StopSession(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.stopCalls++
	onStop := s.onStop
	err := s.stopErr
	s.mu.Unlock()
	if onStop != nil {
		onStop()
	}
	return err
}

func (s *stubAPI) FetchSnapshot(ctx context.Context, conversationID string) (*models.SnapshotResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if s.fetchResp == nil {
		return &models.SnapshotResponse{}, nil
	}
	return s.fetchResp, nil
}

func (s *stubAPI) calls() (start, stop, fetch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.stopCalls, s.fetchCalls
}

// ---------------------------------------------------------------------------
// Sampler spy
// ---------------------------------------------------------------------------

type spySampler struct {
	mu sync.Mutex

	startErr   error
	firstFix   *PositionFix
	startCalls int
	stopCalls  int
	running    bool
	onSample   func(PositionFix)
	foreground []bool
}

func (s *spySampler) Start(ctx context.Context, onSample func(PositionFix)) error {
	s.mu.Lock()
	s.startCalls++
	if s.startErr != nil {
		s.mu.Unlock()
		return s.startErr
	}
	s.running = true
	s.onSample = onSample
	fix := s.firstFix
	s.mu.Unlock()

	if fix != nil {
		onSample(*fix)
	}
	return nil
}

func (s *spySampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	s.running = false
	s.onSample = nil
}

func (s *spySampler) SetForeground(foreground bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = append(s.foreground, foreground)
}

func (s *spySampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *spySampler) counts() (start, stop int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.stopCalls
}

// ---------------------------------------------------------------------------
// Notifier and sink recorders
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, len(n.notices))
	for i, notice := range n.notices {
		out[i] = notice.Kind
	}
	return out
}

func (n *recordingNotifier) count(kind NoticeKind) int {
	c := 0
	for _, k := range n.kinds() {
		if k == kind {
			c++
		}
	}
	return c
}

type recordingSink struct {
	mu    sync.Mutex
	fixes []PositionFix
}

func (s *recordingSink) SendPosition(ctx context.Context, conversationID string, fix PositionFix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixes = append(s.fixes, fix)
	return nil
}

func (s *recordingSink) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fixes)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func testSession(sharingA, sharingB bool) models.Session {
	s := models.Session{
		ID:             "session-1",
		ConversationID: testConversation,
		ParticipantAID: userA,
		ParticipantBID: userB,
		SharingA:       sharingA,
		SharingB:       sharingB,
	}
	s.Normalize()
	return s
}

func seedStore(store *SnapshotStore, session models.Session) {
	store.Write(testConversation, func(*models.Snapshot) *models.Snapshot {
		return models.NewSnapshot(session)
	})
}

func makeEvent(t *testing.T, typ, id string, data interface{}) models.Event {
	t.Helper()
	ev := models.Event{Type: typ, ID: id, ConversationID: testConversation}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal event data: %v", err)
		}
		ev.Data = raw
	}
	return ev
}

func positionData(owner string, lat, lng float64, observedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"owner_id":           owner,
		"latitude":           lat,
		"longitude":          lng,
		"distance_to_meetup": 250.0,
		"observed_at":        observedAt,
	}
}
