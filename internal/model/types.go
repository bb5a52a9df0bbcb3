package model

import "strings"

// Session is one live connection owned by a user. A user may hold several
// concurrent sessions (one per device).
type Session struct {
	ID            string
	UserID        string
	EstablishedAt int64
}

// PresenceRecord tracks a user's online status in the shared TTL store.
type PresenceRecord struct {
	UserID     string `json:"userId"`
	IsOnline   bool   `json:"isOnline"`
	LastSeenAt int64  `json:"lastSeenAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// PresenceStatus is the answer to "is this user online". Unknown is returned
// when the backing store cannot be read; it must never collapse to Offline.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusUnknown PresenceStatus = "unknown"
)

// Message is an immutable chat message; only the Read flag ever changes.
type Message struct {
	ID              string `json:"id"`
	SenderID        string `json:"senderId"`
	ReceiverID      string `json:"receiverId"`
	ConversationKey string `json:"conversationKey"`
	Content         string `json:"content"`
	CreatedAt       int64  `json:"createdAt"`
	Read            bool   `json:"read"`
	Encrypted       bool   `json:"encrypted"`
	MediaType       string `json:"mediaType,omitempty"`
	MediaURL        string `json:"mediaUrl,omitempty"`
}

// ConversationKey returns the canonical key for the unordered pair (a, b),
// so ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

type CallStatus string

const (
	CallRequested CallStatus = "REQUESTED"
	CallRinging   CallStatus = "RINGING"
	CallConnected CallStatus = "CONNECTED"
	CallRejected  CallStatus = "REJECTED"
	CallMissed    CallStatus = "MISSED"
	CallEnded     CallStatus = "ENDED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallRejected, CallMissed, CallEnded:
		return true
	}
	return false
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Call is one audio/video call between two users. SDP and ICE payloads are
// exchanged in-band and never stored past call end.
type Call struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	Type       CallType   `json:"type"`
	Status     CallStatus `json:"status"`
	StartTime  int64      `json:"startTime"`
	EndTime    *int64     `json:"endTime,omitempty"`
}

// TypingState is an in-flight relay event only; it is never persisted.
type TypingState struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
	Timestamp  int64  `json:"timestamp"`
}

// Profile is read-only display metadata from the external contact store,
// attached to fanned-out events.
type Profile struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}
