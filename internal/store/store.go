// Package store holds the durable side of the realtime service: the
// append-only conversation log and the call log. Both are in-process with
// coarse RWMutex locking; every component receives an explicit *Store.
package store

import "time"

type Store struct {
	Conversations *ConversationLog
	Calls         *CallLog
}

func New() *Store {
	return NewWithNow(time.Now)
}

func NewWithNow(now func() time.Time) *Store {
	return &Store{
		Conversations: newConversationLog(now),
		Calls:         newCallLog(now),
	}
}
