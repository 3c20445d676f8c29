package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a location sharing session
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session represents one bilateral location sharing agreement scoped to a conversation
type Session struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ParticipantAID string        `json:"participant_a_id"`
	ParticipantBID string        `json:"participant_b_id"`
	SharingA       bool          `json:"sharing_a"`
	SharingB       bool          `json:"sharing_b"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"`
}

// IsParticipant reports whether userID is one of the two session participants
func (s *Session) IsParticipant(userID string) bool {
	return userID != "" && (s.ParticipantAID == userID || s.ParticipantBID == userID)
}

// PartnerID returns the other participant, or "" when userID is not a participant
func (s *Session) PartnerID(userID string) string {
	switch userID {
	case s.ParticipantAID:
		return s.ParticipantBID
	case s.ParticipantBID:
		return s.ParticipantAID
	}
	return ""
}

// IsSharing reports whether userID currently has its sharing flag set
func (s *Session) IsSharing(userID string) bool {
	switch userID {
	case "":
		return false
	case s.ParticipantAID:
		return s.SharingA
	case s.ParticipantBID:
		return s.SharingB
	}
	return false
}

// SetSharing sets the sharing flag of userID and normalizes the status.
// It returns false when userID does not occupy a slot in the session.
func (s *Session) SetSharing(userID string, sharing bool) bool {
	switch {
	case userID == "":
		return false
	case userID == s.ParticipantAID:
		s.SharingA = sharing
	case userID == s.ParticipantBID:
		s.SharingB = sharing
	default:
		return false
	}
	s.Normalize()
	return true
}

// End marks the session ended and clears both sharing flags
func (s *Session) End() {
	s.SharingA = false
	s.SharingB = false
	s.Status = SessionEnded
}

// Normalize enforces the flag/status invariant: any raised flag means active,
// no raised flag means ended.
func (s *Session) Normalize() {
	if s.SharingA || s.SharingB {
		s.Status = SessionActive
		return
	}
	s.Status = SessionEnded
}

// PositionSample is the latest observed coordinate of one participant
type PositionSample struct {
	OwnerID          string    `json:"owner_id"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	DistanceToMeetup *float64  `json:"distance_to_meetup,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
	Provisional      bool      `json:"provisional,omitempty"`
}

// NearbyPlace is a point of interest around the meetup location
type NearbyPlace struct {
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	PhotoRef  string  `json:"photo_ref,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Snapshot is the full in-memory state of one session
type Snapshot struct {
	Session      Session                   `json:"session"`
	Positions    map[string]PositionSample `json:"positions"`
	NearbyPlaces []NearbyPlace             `json:"nearby_places"`
}

// NewSnapshot creates a snapshot for session with no positions or places
func NewSnapshot(session Session) *Snapshot {
	return &Snapshot{
		Session:   session,
		Positions: make(map[string]PositionSample),
	}
}

// Clone returns a deep copy of the snapshot
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Session:   s.Session,
		Positions: make(map[string]PositionSample, len(s.Positions)),
	}
	if s.Session.ExpiresAt != nil {
		t := *s.Session.ExpiresAt
		out.Session.ExpiresAt = &t
	}
	for owner, sample := range s.Positions {
		if sample.DistanceToMeetup != nil {
			d := *sample.DistanceToMeetup
			sample.DistanceToMeetup = &d
		}
		out.Positions[owner] = sample
	}
	if s.NearbyPlaces != nil {
		out.NearbyPlaces = make([]NearbyPlace, len(s.NearbyPlaces))
		copy(out.NearbyPlaces, s.NearbyPlaces)
	}
	return out
}

// SnapshotResponse is the full-state read returned by the session API
type SnapshotResponse struct {
	Session      *Session         `json:"session"`
	Positions    []PositionSample `json:"positions"`
	NearbyPlaces []NearbyPlace    `json:"nearby_places"`
}

// ToSnapshot converts the response into a snapshot, or nil when no session exists
func (r *SnapshotResponse) ToSnapshot() *Snapshot {
	if r == nil || r.Session == nil {
		return nil
	}
	snap := NewSnapshot(*r.Session)
	for _, p := range r.Positions {
		if p.OwnerID == "" {
			continue
		}
		snap.Positions[p.OwnerID] = p
	}
	if len(r.NearbyPlaces) > 0 {
		snap.NearbyPlaces = append([]NearbyPlace(nil), r.NearbyPlaces...)
	}
	return snap
}

// Event is a push event received on the event channel
type Event struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ViewState is the UI-facing state derived from a snapshot
type ViewState struct {
	ConversationID string          `json:"conversation_id"`
	IsSharingSelf  bool            `json:"is_sharing_self"`
	IsSharingOther bool            `json:"is_sharing_other"`
	MyDistance     *float64        `json:"my_distance,omitempty"`
	OtherDistance  *float64        `json:"other_distance,omitempty"`
	MyPosition     *PositionSample `json:"my_position,omitempty"`
	OtherPosition  *PositionSample `json:"other_position,omitempty"`
	NearbyPlaces   []NearbyPlace   `json:"nearby_places"`
	IsStarting     bool            `json:"is_starting"`
	IsStopping     bool            `json:"is_stopping"`
	Phase          string          `json:"phase"`
}
