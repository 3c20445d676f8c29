package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"location-share-client/internal/models"

	"github.com/rs/zerolog/log"
)

var (
	// ErrRequestFailed wraps start/stop request failures; the action may be retried
	ErrRequestFailed = errors.New("location sharing request failed")
	// ErrConfirmationRequired is returned by Stop when no confirmation was provided
	ErrConfirmationRequired = errors.New("stopping location sharing requires confirmation")
)

// Phase is the local user's sharing state
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseSharing  Phase = "sharing"
	PhaseStopping Phase = "stopping"
)

const sampleSendTimeout = 10 * time.Second

// Sampler produces device position fixes
type Sampler interface {
	Start(ctx context.Context, onSample func(PositionFix)) error
	Stop()
	SetForeground(foreground bool)
	Running() bool
}

// EventSource delivers push events for a conversation
type EventSource interface {
	Subscribe(conversationID string, handler EventHandler) func()
	OnReconnect(fn func()) func()
}

// SampleSink forwards device fixes to the server
type SampleSink interface {
	SendPosition(ctx context.Context, conversationID string, fix PositionFix) error
}

// ConfirmFunc asks the user to confirm a destructive action
type ConfirmFunc func(ctx context.Context) (bool, error)

// Confirmed is a ConfirmFunc for callers that already hold the user's confirmation
func Confirmed(context.Context) (bool, error) {
	return true, nil
}

// ControllerDeps holds the collaborators of a SessionController
type ControllerDeps struct {
	ConversationID string
	UserID         string
	API            SessionAPI
	Store          *SnapshotStore
	Sampler        Sampler
	Events         EventSource
	Sink           SampleSink
	Notifier       Notifier
	Clock          Clock
	ThrottleWindow time.Duration
}

// SessionController is the UI-facing façade of location sharing for one conversation
type SessionController struct {
	conversationID string
	userID         string
	api            SessionAPI
	store          *SnapshotStore
	throttle       *MutationThrottle
	sampler        Sampler
	events         EventSource
	sink           SampleSink
	notifier       Notifier
	clock          Clock
	reconciler     *EventReconciler

	mu       sync.Mutex
	pending  Phase
	opened   bool
	closers  []func()
	view     models.ViewState
	viewSubs map[int]func(models.ViewState)
	nextSub  int

	refreshMu sync.Mutex
}

// NewSessionController wires the store, throttle, sampler and reconciler for a conversation
func NewSessionController(deps ControllerDeps) *SessionController {
	if deps.Store == nil {
		deps.Store = NewSnapshotStore()
	}
	if deps.Notifier == nil {
		deps.Notifier = logNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}

	throttle := NewMutationThrottle(deps.Store, deps.ConversationID, deps.Clock, deps.ThrottleWindow)
	c := &SessionController{
		conversationID: deps.ConversationID,
		userID:         deps.UserID,
		api:            deps.API,
		store:          deps.Store,
		throttle:       throttle,
		sampler:        deps.Sampler,
		events:         deps.Events,
		sink:           deps.Sink,
		notifier:       deps.Notifier,
		clock:          deps.Clock,
		viewSubs:       make(map[int]func(models.ViewState)),
	}
	c.reconciler = NewEventReconciler(
		deps.ConversationID,
		deps.UserID,
		deps.Store,
		throttle,
		deps.API,
		deps.Sampler,
		deps.Notifier,
		deps.Clock,
	)
	c.view = deriveView(c.conversationID, c.userID, nil, "")
	return c
}

// Open subscribes to store changes and push events, loads the current snapshot
// and resumes sampling when the server still lists the local user as sharing.
func (c *SessionController) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.closers = append(c.closers, c.store.Subscribe(c.conversationID, func(string, *models.Snapshot, uint64) {
		c.refresh()
	}))
	if c.events != nil {
		c.closers = append(c.closers,
			c.events.Subscribe(c.conversationID, c.reconciler.Handle),
			c.events.OnReconnect(c.onReconnect),
		)
	}
	c.mu.Unlock()

	if err := c.reconciler.Resync(ctx); err != nil {
		return fmt.Errorf("failed to load location sharing session: %w", err)
	}
	c.resumeSampling(ctx)
	c.refresh()
	return nil
}

// Close detaches from the store and event source, cancels all timers and
// drops the conversation's snapshot
func (c *SessionController) Close() {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.opened = false
	c.mu.Unlock()

	for _, fn := range closers {
		fn()
	}
	c.sampler.Stop()
	c.throttle.Close()
	c.store.Clear(c.conversationID)
}

// Start begins sharing the local user's position
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.phaseLocked() {
	case PhaseSharing:
		c.mu.Unlock()
		c.notifier.Notify(NewNotice(NoticeAlreadySharing, c.conversationID, c.userID))
		return nil
	case PhaseStarting, PhaseStopping:
		c.mu.Unlock()
		return nil
	}
	c.pending = PhaseStarting
	c.mu.Unlock()
	c.refresh()

	session, err := c.api.StartSession(ctx, c.conversationID)
	if err != nil {
		c.setPending("")
		log.Warn().Err(err).Str("conversation_id", c.conversationID).Msg("Failed to start location sharing")
		c.notifyError(NoticeRequestFailed, err)
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	c.seed(*session)
	c.reconciler.ArmFirstUpdate()

	if err := c.sampler.Start(ctx, c.onFix); err != nil {
		c.revertSelf()
		c.setPending("")

		if errors.Is(err, ErrPermissionDenied) {
			log.Warn().Str("conversation_id", c.conversationID).Msg("Position permission denied")
			c.notifyError(NoticePermissionDenied, err)
		} else {
			log.Error().Err(err).Str("conversation_id", c.conversationID).Msg("Failed to start position sampler")
			c.notifyError(NoticeRequestFailed, err)
		}

		// keep the server from holding a sharing flag nobody feeds
		if stopErr := c.api.StopSession(context.WithoutCancel(ctx), c.conversationID); stopErr != nil {
			log.Warn().Err(stopErr).Str("conversation_id", c.conversationID).Msg("Failed to withdraw sharing after sampler failure")
		}
		return fmt.Errorf("failed to start position sampling: %w", err)
	}

	c.setPending("")
	log.Info().
		Str("conversation_id", c.conversationID).
		Str("session_id", session.ID).
		Msg("Location sharing started")
	return nil
}

// Stop ends sharing after confirm approves. It is a no-op unless sharing.
func (c *SessionController) Stop(ctx context.Context, confirm ConfirmFunc) error {
	if c.Phase() != PhaseSharing {
		return nil
	}
	if confirm == nil {
		return ErrConfirmationRequired
	}
	ok, err := confirm(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm stop: %w", err)
	}
	if !ok {
		return nil
	}

	c.mu.Lock()
	if c.phaseLocked() != PhaseSharing {
		c.mu.Unlock()
		return nil
	}
	c.pending = PhaseStopping
	c.mu.Unlock()
	c.refresh()

	// stop sampling before the request resolves
	c.sampler.Stop()
	c.throttle.Cancel(positionKey(c.userID))

	var (
		wasSharing bool
		prevSample *models.PositionSample
	)
	err = c.throttle.Transact(statusKey(c.userID),
		func(cur *models.Snapshot) *models.Snapshot {
			if cur == nil {
				return nil
			}
			wasSharing = cur.Session.IsSharing(c.userID)
			if p, ok := cur.Positions[c.userID]; ok {
				prevSample = &p
			}
			cur.Session.SetSharing(c.userID, false)
			delete(cur.Positions, c.userID)
			return cur
		},
		func(cur *models.Snapshot) *models.Snapshot {
			if cur == nil {
				return nil
			}
			if wasSharing {
				cur.Session.SetSharing(c.userID, true)
			}
			if _, ok := cur.Positions[c.userID]; !ok && prevSample != nil {
				cur.Positions[c.userID] = *prevSample
			}
			return cur
		},
		func() error {
			return c.api.StopSession(ctx, c.conversationID)
		},
	)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", c.conversationID).Msg("Failed to stop location sharing, resuming")
		if startErr := c.sampler.Start(context.WithoutCancel(ctx), c.onFix); startErr != nil {
			log.Error().Err(startErr).Str("conversation_id", c.conversationID).Msg("Failed to resume position sampler")
		}
		c.setPending("")
		c.notifyError(NoticeRequestFailed, err)
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	c.setPending("")
	c.notifier.Notify(NewNotice(NoticeSharingStopped, c.conversationID, c.userID))
	log.Info().Str("conversation_id", c.conversationID).Msg("Location sharing stopped")
	return nil
}

// SetForeground forwards app lifecycle transitions to the sampler
func (c *SessionController) SetForeground(foreground bool) {
	c.sampler.SetForeground(foreground)
}

// Phase returns the local user's current sharing phase
func (c *SessionController) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phaseLocked()
}

// View returns the latest derived view state
func (c *SessionController) View() models.ViewState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// SubscribeView registers fn to receive every recomputed view state
func (c *SessionController) SubscribeView(fn func(models.ViewState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.viewSubs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.viewSubs, id)
	}
}

func (c *SessionController) phaseLocked() Phase {
	if c.pending != "" {
		return c.pending
	}
	snap := c.store.Read(c.conversationID)
	if snap != nil && snap.Session.IsSharing(c.userID) {
		return PhaseSharing
	}
	return PhaseIdle
}

func (c *SessionController) setPending(p Phase) {
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
	c.refresh()
}

// refresh recomputes the view from the store and publishes it
func (c *SessionController) refresh() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	view := deriveView(c.conversationID, c.userID, c.store.Read(c.conversationID), c.pending)
	c.view = view
	subs := make([]func(models.ViewState), 0, len(c.viewSubs))
	for _, fn := range c.viewSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
}

func (c *SessionController) seed(session models.Session) {
	if session.ConversationID == "" {
		session.ConversationID = c.conversationID
	}
	c.throttle.Schedule(statusKey(c.userID), func(cur *models.Snapshot) *models.Snapshot {
		if cur == nil || cur.Session.ID != session.ID {
			cur = models.NewSnapshot(session)
		} else {
			cur.Session = session
		}
		if !cur.Session.SetSharing(c.userID, true) {
			log.Warn().
				Str("conversation_id", c.conversationID).
				Str("session_id", session.ID).
				Msg("Local user is not a participant of the started session")
		}
		return cur
	}, PriorityImmediate)
}

func (c *SessionController) revertSelf() {
	c.throttle.Cancel(positionKey(c.userID))
	c.throttle.Schedule(statusKey(c.userID), func(cur *models.Snapshot) *models.Snapshot {
		if cur == nil {
			return nil
		}
		cur.Session.SetSharing(c.userID, false)
		delete(cur.Positions, c.userID)
		return cur
	}, PriorityImmediate)
}

// onFix forwards a device fix and shows it provisionally until the server echoes it.
func (c *SessionController) onFix(fix PositionFix) {
	if c.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sampleSendTimeout)
		if err := c.sink.SendPosition(ctx, c.conversationID, fix); err != nil {
			log.Warn().Err(err).Str("conversation_id", c.conversationID).Msg("Failed to send position sample")
		}
		cancel()
	}

	snap := c.store.Read(c.conversationID)
	if snap == nil {
		return
	}
	if _, ok := snap.Positions[c.userID]; ok {
		return
	}

	observedAt := fix.ObservedAt
	if observedAt.IsZero() {
		observedAt = c.clock.Now()
	}
	provisional := models.PositionSample{
		OwnerID:     c.userID,
		Latitude:    fix.Latitude,
		Longitude:   fix.Longitude,
		ObservedAt:  observedAt,
		Provisional: true,
	}
	c.throttle.Schedule("provisional:"+c.userID, func(cur *models.Snapshot) *models.Snapshot {
		if cur == nil {
			return nil
		}
		if _, ok := cur.Positions[c.userID]; ok {
			return cur
		}
		if cur.Positions == nil {
			cur.Positions = make(map[string]models.PositionSample)
		}
		cur.Positions[c.userID] = provisional
		return cur
	}, PriorityImmediate)
}

func (c *SessionController) onReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	if err := c.reconciler.Resync(ctx); err != nil {
		log.Error().Err(err).Str("conversation_id", c.conversationID).Msg("Failed to resync after reconnect")
		return
	}
	c.resumeSampling(ctx)
}

func (c *SessionController) resumeSampling(ctx context.Context) {
	if c.Phase() != PhaseSharing || c.sampler.Running() {
		return
	}

	err := c.sampler.Start(ctx, c.onFix)
	switch {
	case err == nil:
		log.Info().Str("conversation_id", c.conversationID).Msg("Resumed position sharing")
	case errors.Is(err, ErrPermissionDenied):
		c.notifyError(NoticePermissionDenied, err)
	default:
		log.Error().Err(err).Str("conversation_id", c.conversationID).Msg("Failed to resume position sampler")
	}
}

func (c *SessionController) notifyError(kind NoticeKind, err error) {
	n := NewNotice(kind, c.conversationID, c.userID)
	n.Err = err
	c.notifier.Notify(n)
}

func deriveView(conversationID, userID string, snap *models.Snapshot, pending Phase) models.ViewState {
	view := models.ViewState{
		ConversationID: conversationID,
		NearbyPlaces:   []models.NearbyPlace{},
		IsStarting:     pending == PhaseStarting,
		IsStopping:     pending == PhaseStopping,
	}

	if snap != nil {
		session := snap.Session
		view.IsSharingSelf = session.IsSharing(userID)
		partnerID := session.PartnerID(userID)
		view.IsSharingOther = session.IsSharing(partnerID)

		if p, ok := snap.Positions[userID]; ok {
			view.MyPosition = &p
			view.MyDistance = p.DistanceToMeetup
		}
		if p, ok := snap.Positions[partnerID]; ok && partnerID != "" {
			view.OtherPosition = &p
			view.OtherDistance = p.DistanceToMeetup
		}
		if len(snap.NearbyPlaces) > 0 {
			view.NearbyPlaces = snap.NearbyPlaces
		}
	}

	switch {
	case pending != "":
		view.Phase = string(pending)
	case view.IsSharingSelf:
		view.Phase = string(PhaseSharing)
	default:
		view.Phase = string(PhaseIdle)
	}
	return view
}
