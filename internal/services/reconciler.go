package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"location-share-client/internal/models"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	seenEventsSize = 512
	resyncTimeout  = 10 * time.Second

	nearbyPlacesKey = "nearby_places"
	snapshotKey     = "snapshot"
)

// SessionAPI is the request/response collaborator for location sharing sessions
type SessionAPI interface {
	StartSession(ctx context.Context, conversationID string) (*models.Session, error)
	StopSession(ctx context.Context, conversationID string) error
	FetchSnapshot(ctx context.Context, conversationID string) (*models.SnapshotResponse, error)
}

type samplerStopper interface {
	Stop()
}

type ownerPayload struct {
	OwnerID string `json:"owner_id"`
}

type positionPayload struct {
	OwnerID    string     `json:"owner_id"`
	Latitude   *float64   `json:"latitude"`
	Longitude  *float64   `json:"longitude"`
	Distance   *float64   `json:"distance_to_meetup"`
	ObservedAt *time.Time `json:"observed_at"`
}

type placesPayload struct {
	Places []models.NearbyPlace `json:"places"`
}

// EventReconciler folds push events for one conversation into the snapshot store
type EventReconciler struct {
	conversationID string
	userID         string
	store          *SnapshotStore
	throttle       *MutationThrottle
	api            SessionAPI
	sampler        samplerStopper
	notifier       Notifier
	clock          Clock
	seen           *lru.Cache[string, struct{}]

	mu            sync.Mutex
	awaitingFirst bool
}

// NewEventReconciler creates a reconciler for the given conversation and local user
func NewEventReconciler(
	conversationID, userID string,
	store *SnapshotStore,
	throttle *MutationThrottle,
	api SessionAPI,
	sampler samplerStopper,
	notifier Notifier,
	clock Clock,
) *EventReconciler {
	if notifier == nil {
		notifier = logNotifier{}
	}
	if clock == nil {
		clock = SystemClock()
	}
	seen, _ := lru.New[string, struct{}](seenEventsSize)
	return &EventReconciler{
		conversationID: conversationID,
		userID:         userID,
		store:          store,
		throttle:       throttle,
		api:            api,
		sampler:        sampler,
		notifier:       notifier,
		clock:          clock,
		seen:           seen,
	}
}

// ArmFirstUpdate makes the next position update for the local user bypass the throttle
func (r *EventReconciler) ArmFirstUpdate() {
	r.mu.Lock()
	r.awaitingFirst = true
	r.mu.Unlock()
}

// Handle applies one push event. Events for other conversations, duplicates and
// malformed payloads are dropped.
func (r *EventReconciler) Handle(ev models.Event) {
	if ev.ConversationID != "" && ev.ConversationID != r.conversationID {
		return
	}
	if ev.ID != "" {
		if seen, _ := r.seen.ContainsOrAdd(ev.ID, struct{}{}); seen {
			log.Debug().Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("Ignoring duplicate event")
			return
		}
	}

	switch ev.Type {
	case EventSharingStarted:
		r.handleSharingStarted(ev)
	case EventSharingStopped:
		r.handleSharingStopped(ev)
	case EventPositionUpdated:
		r.handlePositionUpdated(ev)
	case EventNearbyPlacesUpdated:
		r.handleNearbyPlacesUpdated(ev)
	case EventSharingExpired:
		r.handleSharingExpired()
	default:
		log.Debug().Str("event_type", ev.Type).Msg("Ignoring unknown event type")
	}
}

// Resync replaces the local snapshot with the server's full state
func (r *EventReconciler) Resync(ctx context.Context) error {
	resp, err := r.api.FetchSnapshot(ctx, r.conversationID)
	if err != nil {
		return fmt.Errorf("failed to fetch session snapshot: %w", err)
	}

	snap := resp.ToSnapshot()
	r.throttle.Schedule(snapshotKey, func(*models.Snapshot) *models.Snapshot {
		return snap.Clone()
	}, PriorityImmediate)

	log.Debug().
		Str("conversation_id", r.conversationID).
		Bool("has_session", snap != nil).
		Msg("Session snapshot resynced")
	return nil
}

func (r *EventReconciler) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	if err := r.Resync(ctx); err != nil {
		log.Error().Err(err).Str("conversation_id", r.conversationID).Msg("Failed to resync session")
	}
}

func (r *EventReconciler) handleSharingStarted(ev models.Event) {
	var p ownerPayload
	if err := decodePayload(ev, &p); err != nil || p.OwnerID == "" {
		r.dropMalformed(ev, err)
		return
	}

	if p.OwnerID == r.userID {
		r.ArmFirstUpdate()
	}

	current := r.store.Read(r.conversationID)
	if current == nil || current.Session.Status == models.SessionEnded || !current.Session.IsParticipant(p.OwnerID) {
		// the event alone cannot describe a new session
		r.resync()
	} else {
		r.throttle.Schedule(statusKey(p.OwnerID), func(cur *models.Snapshot) *models.Snapshot {
			if cur == nil {
				return nil
			}
			cur.Session.SetSharing(p.OwnerID, true)
			return cur
		}, PriorityImmediate)
	}

	if p.OwnerID != r.userID {
		r.notifier.Notify(NewNotice(NoticePartnerStarted, r.conversationID, p.OwnerID))
	}
}

func (r *EventReconciler) handleSharingStopped(ev models.Event) {
	var p ownerPayload
	if err := decodePayload(ev, &p); err != nil || p.OwnerID == "" {
		r.dropMalformed(ev, err)
		return
	}

	r.throttle.Cancel(positionKey(p.OwnerID))
	r.throttle.Schedule(statusKey(p.OwnerID), func(cur *models.Snapshot) *models.Snapshot {
		if cur == nil {
			return nil
		}
		cur.Session.SetSharing(p.OwnerID, false)
		delete(cur.Positions, p.OwnerID)
		return cur
	}, PriorityImmediate)

	if p.OwnerID == r.userID {
		// stopped elsewhere, e.g. from another device
		r.sampler.Stop()
		return
	}
	r.notifier.Notify(NewNotice(NoticePartnerStopped, r.conversationID, p.OwnerID))
}

func (r *EventReconciler) handlePositionUpdated(ev models.Event) {
	var p positionPayload
	if err := decodePayload(ev, &p); err != nil {
		r.dropMalformed(ev, err)
		return
	}
	if p.OwnerID == "" || p.Latitude == nil || p.Longitude == nil || !validCoordinate(*p.Latitude, *p.Longitude) {
		r.dropMalformed(ev, nil)
		return
	}

	if r.store.Read(r.conversationID) == nil {
		log.Debug().Str("owner_id", p.OwnerID).Msg("Position update before any local session, dropping")
		return
	}

	sample := models.PositionSample{
		OwnerID:          p.OwnerID,
		Latitude:         *p.Latitude,
		Longitude:        *p.Longitude,
		DistanceToMeetup: p.Distance,
		ObservedAt:       r.clock.Now(),
	}
	if p.ObservedAt != nil {
		sample.ObservedAt = *p.ObservedAt
	}

	update := func(cur *models.Snapshot) *models.Snapshot {
		if cur == nil {
			return nil
		}
		if cur.Positions == nil {
			cur.Positions = make(map[string]models.PositionSample)
		}
		if prev, ok := cur.Positions[sample.OwnerID]; ok && !prev.Provisional && prev.ObservedAt.After(sample.ObservedAt) {
			return cur
		}
		cur.Positions[sample.OwnerID] = sample
		return cur
	}

	key := positionKey(p.OwnerID)
	if p.OwnerID == r.userID && r.takeFirstUpdate() {
		r.throttle.Cancel(key)
		r.throttle.Schedule(key, update, PriorityImmediate)
		return
	}
	r.throttle.Schedule(key, update, PriorityThrottled)
}

func (r *EventReconciler) handleNearbyPlacesUpdated(ev models.Event) {
	var p placesPayload
	if err := decodePayload(ev, &p); err != nil {
		r.dropMalformed(ev, err)
		return
	}

	places := make([]models.NearbyPlace, len(p.Places))
	copy(places, p.Places)

	r.throttle.Schedule(nearbyPlacesKey, func(cur *models.Snapshot) *models.Snapshot {
		if cur == nil {
			return nil
		}
		cur.NearbyPlaces = places
		return cur
	}, PriorityThrottled)
}

func (r *EventReconciler) handleSharingExpired() {
	r.sampler.Stop()
	r.throttle.CancelAll()

	r.mu.Lock()
	r.awaitingFirst = false
	r.mu.Unlock()

	r.throttle.Schedule(snapshotKey, func(cur *models.Snapshot) *models.Snapshot {
		if cur == nil {
			return nil
		}
		cur.Session.End()
		cur.Positions = make(map[string]models.PositionSample)
		return cur
	}, PriorityImmediate)

	log.Info().Str("conversation_id", r.conversationID).Msg("Location sharing session expired")
	r.notifier.Notify(NewNotice(NoticeSessionExpired, r.conversationID, r.userID))
}

func (r *EventReconciler) takeFirstUpdate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.awaitingFirst {
		return false
	}
	r.awaitingFirst = false
	return true
}

func (r *EventReconciler) dropMalformed(ev models.Event, err error) {
	log.Debug().
		Err(err).
		Str("event_type", ev.Type).
		Str("event_id", ev.ID).
		Msg("Dropping malformed event")
}

func decodePayload(ev models.Event, v interface{}) error {
	if len(ev.Data) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(ev.Data, v)
}

func validCoordinate(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func positionKey(ownerID string) string {
	return "position:" + ownerID
}

func statusKey(ownerID string) string {
	return "status:" + ownerID
}
