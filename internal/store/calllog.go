package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sapa-server/internal/model"
)

var ErrCallNotFound = errors.New("store: call not found")

// CallLog retains every call record, terminal ones included, append-only
// for call-history display. Status updates mutate only Status and EndTime.
type CallLog struct {
	mu     sync.RWMutex
	byID   map[string]*model.Call
	byUser map[string][]string
	now    func() time.Time
}

func newCallLog(now func() time.Time) *CallLog {
	return &CallLog{
		byID:   make(map[string]*model.Call),
		byUser: make(map[string][]string),
		now:    now,
	}
}

// Create stores a new call in REQUESTED and indexes it for both
// participants' history.
func (l *CallLog) Create(callerID, receiverID string, callType model.CallType) model.Call {
	l.mu.Lock()
	defer l.mu.Unlock()

	call := &model.Call{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       callType,
		Status:     model.CallRequested,
		StartTime:  l.now().UnixMilli(),
	}
	l.byID[call.ID] = call
	l.byUser[callerID] = append(l.byUser[callerID], call.ID)
	l.byUser[receiverID] = append(l.byUser[receiverID], call.ID)
	return *call
}

// SetStatus updates a call's status; terminal statuses also stamp EndTime.
func (l *CallLog) SetStatus(id string, status model.CallStatus) (model.Call, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	call, ok := l.byID[id]
	if !ok {
		return model.Call{}, ErrCallNotFound
	}
	call.Status = status
	if status.Terminal() && call.EndTime == nil {
		end := l.now().UnixMilli()
		call.EndTime = &end
	}
	return *call, nil
}

func (l *CallLog) Get(id string) (model.Call, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	call, ok := l.byID[id]
	if !ok {
		return model.Call{}, ErrCallNotFound
	}
	return *call, nil
}

// History returns the user's calls newest first, at most limit.
func (l *CallLog) History(userID string, limit int) []model.Call {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := l.byUser[userID]
	result := make([]model.Call, 0, limit)
	for i := len(ids) - 1; i >= 0; i-- {
		call, ok := l.byID[ids[i]]
		if !ok {
			continue
		}
		result = append(result, *call)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}
