package services

import "github.com/rs/zerolog/log"

// NoticeKind identifies a user-facing notice
type NoticeKind string

const (
	NoticePartnerStarted   NoticeKind = "partner_started"
	NoticePartnerStopped   NoticeKind = "partner_stopped"
	NoticeSharingStopped   NoticeKind = "sharing_stopped"
	NoticeSessionExpired   NoticeKind = "session_expired"
	NoticeAlreadySharing   NoticeKind = "already_sharing"
	NoticePermissionDenied NoticeKind = "permission_denied"
	NoticeRequestFailed    NoticeKind = "request_failed"
)

var noticeMessages = map[NoticeKind]string{
	NoticePartnerStarted:   "Your partner started sharing their location",
	NoticePartnerStopped:   "Your partner stopped sharing their location",
	NoticeSharingStopped:   "You stopped sharing your location",
	NoticeSessionExpired:   "Location sharing ended after reaching its time limit",
	NoticeAlreadySharing:   "You are already sharing your location",
	NoticePermissionDenied: "Location access is off. Enable it in system settings to share your location",
	NoticeRequestFailed:    "Something went wrong. Please try again",
}

// Notice is a one-shot message for the UI layer
type Notice struct {
	Kind           NoticeKind `json:"kind"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id,omitempty"`
	Message        string     `json:"message"`
	Err            error      `json:"-"`
}

// NewNotice creates a notice with the default message for kind
func NewNotice(kind NoticeKind, conversationID, userID string) Notice {
	return Notice{
		Kind:           kind,
		ConversationID: conversationID,
		UserID:         userID,
		Message:        noticeMessages[kind],
	}
}

// Notifier surfaces notices to the user
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n Notice)

// Notify calls f(n)
func (f NotifierFunc) Notify(n Notice) {
	f(n)
}

type logNotifier struct{}

func (logNotifier) Notify(n Notice) {
	log.Info().
		Str("conversation_id", n.ConversationID).
		Str("kind", string(n.Kind)).
		Msg(n.Message)
}
