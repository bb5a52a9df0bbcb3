package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sapa-server/internal/model"
)

var ErrMessageNotFound = errors.New("store: message not found")

// ConversationLog is the append-only message log, keyed by the canonical
// unordered pair of participants. Messages are immutable except for the
// read flag and are never deleted.
type ConversationLog struct {
	mu     sync.RWMutex
	byKey  map[string][]*model.Message
	byID   map[string]*model.Message
	lastAt map[string]int64
	now    func() time.Time
}

func newConversationLog(now func() time.Time) *ConversationLog {
	return &ConversationLog{
		byKey:  make(map[string][]*model.Message),
		byID:   make(map[string]*model.Message),
		lastAt: make(map[string]int64),
		now:    now,
	}
}

// AppendInput carries everything the sender controls about a new message.
type AppendInput struct {
	SenderID   string
	ReceiverID string
	Content    string
	Encrypted  bool
	MediaType  string
	MediaURL   string
}

// Append assigns id and timestamp and stores the message. Within one
// conversation CreatedAt is clamped non-decreasing, so readers always
// observe the log in order regardless of clock jitter.
func (l *ConversationLog) Append(in AppendInput) model.Message {
	key := model.ConversationKey(in.SenderID, in.ReceiverID)

	l.mu.Lock()
	defer l.mu.Unlock()

	createdAt := l.now().UnixMilli()
	if last := l.lastAt[key]; createdAt < last {
		createdAt = last
	}
	l.lastAt[key] = createdAt

	msg := &model.Message{
		ID:              uuid.NewString(),
		SenderID:        in.SenderID,
		ReceiverID:      in.ReceiverID,
		ConversationKey: key,
		Content:         in.Content,
		CreatedAt:       createdAt,
		Encrypted:       in.Encrypted,
		MediaType:       in.MediaType,
		MediaURL:        in.MediaURL,
	}
	l.byKey[key] = append(l.byKey[key], msg)
	l.byID[msg.ID] = msg
	return *msg
}

// Between returns messages of the (a, b) conversation in non-decreasing
// CreatedAt order, skipping offset and returning at most limit.
func (l *ConversationLog) Between(a, b string, limit, offset int) []model.Message {
	key := model.ConversationKey(a, b)

	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.byKey[key]
	if offset >= len(msgs) {
		return nil
	}
	msgs = msgs[offset:]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}

	result := make([]model.Message, len(msgs))
	for i, m := range msgs {
		result[i] = *m
	}
	return result
}

// MarkRead flips the read flag on each referenced message the reader was
// the receiver of, and returns the flipped ids grouped by original sender
// so read receipts can be routed. Unknown ids are skipped.
func (l *ConversationLog) MarkRead(readerID string, messageIDs []string) map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	bySender := make(map[string][]string)
	for _, id := range messageIDs {
		msg, ok := l.byID[id]
		if !ok || msg.ReceiverID != readerID || msg.Read {
			continue
		}
		msg.Read = true
		bySender[msg.SenderID] = append(bySender[msg.SenderID], id)
	}
	return bySender
}

// Get returns a copy of one message by id.
func (l *ConversationLog) Get(id string) (model.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msg, ok := l.byID[id]
	if !ok {
		return model.Message{}, ErrMessageNotFound
	}
	return *msg, nil
}
