package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"sapa-server/internal/model"
)

// Writer pushes an outbound payload to one live connection.
type Writer interface {
	Write(message []byte) error
	Close() error
}

// Session is one registered connection. A user may own several at once.
type Session struct {
	ID            string
	UserID        string
	EstablishedAt int64
	Writer        Writer
}

func (s *Session) Model() model.Session {
	return model.Session{ID: s.ID, UserID: s.UserID, EstablishedAt: s.EstablishedAt}
}

// Hub is the connection registry: userID to its set of live sessions. It is
// an explicit dependency, never a package-level singleton.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*Session]struct{}
	byID   map[string]*Session
	now    func() time.Time
}

func New() *Hub {
	return &Hub{
		byUser: make(map[string]map[*Session]struct{}),
		byID:   make(map[string]*Session),
		now:    time.Now,
	}
}

// Register adds a session for userID and returns it. Registration never
// fails for an authenticated user; multi-device is the normal case.
func (h *Hub) Register(userID string, w Writer) *Session {
	s := &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		EstablishedAt: h.now().UnixMilli(),
		Writer:        w,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Session]struct{})
	}
	h.byUser[userID][s] = struct{}{}
	h.byID[s.ID] = s
	return s
}

// Unregister removes a session by id. It is idempotent; calling it twice or
// with an unknown id is safe. The second return reports whether this removed
// the user's last session.
func (h *Hub) Unregister(sessionID string) (userID string, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.byID[sessionID]
	if !ok {
		return "", false
	}
	delete(h.byID, sessionID)

	set := h.byUser[s.UserID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.byUser, s.UserID)
		return s.UserID, true
	}
	return s.UserID, false
}

// Disconnected resolves a closed connection to its user and whether the
// user now has no sessions left. Unlike Unregister it tolerates sessions
// already pruned by a failed write: when sessionID no longer resolves, the
// answer comes from userID's current registration state, so the
// last-session signal is never swallowed.
func (h *Hub) Disconnected(sessionID, userID string) (string, bool) {
	if uid, last := h.Unregister(sessionID); uid != "" {
		return uid, last
	}
	if userID == "" {
		return "", false
	}
	return userID, !h.Online(userID)
}

// Lookup returns all live sessions for userID; empty when offline.
func (h *Hub) Lookup(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	return sessions
}

// Online reports whether userID has at least one live session.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// Send writes payload to every live session of userID. Failed writers are
// closed and unregistered so reconnect storms cannot leak stale entries.
func (h *Hub) Send(userID string, payload []byte) {
	h.deliver(h.Lookup(userID), payload)
}

// SendAll writes payload to every connected session (presence broadcasts).
func (h *Hub) SendAll(payload []byte) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.byID))
	for _, s := range h.byID {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	h.deliver(sessions, payload)
}

func (h *Hub) deliver(sessions []*Session, payload []byte) {
	for _, s := range sessions {
		if err := s.Writer.Write(payload); err != nil {
			_ = s.Writer.Close()
			h.Unregister(s.ID)
		}
	}
}
