// Package presence tracks online/offline status in the shared TTL store.
//
// Policy: the last graceful disconnect broadcasts user:offline immediately;
// TTL expiry is the backstop for abrupt loss (crash, dropped network) and a
// background sweep broadcasts the offline transition once when it fires.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"sapa-server/internal/kv"
	"sapa-server/internal/model"
)

const keyPrefix = "presence:"

// Broadcaster delivers a presence change to every connected session.
type Broadcaster interface {
	BroadcastPresence(userID string, online bool)
}

type Service struct {
	store kv.Store
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time

	broadcaster Broadcaster
}

func NewService(store kv.Store, ttl time.Duration, log *slog.Logger) *Service {
	return &Service{
		store: store,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
	}
}

// SetBroadcaster wires the fan-out sink. Set once during assembly, before
// any connection is accepted.
func (s *Service) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// MarkOnline records userID as online and resets the TTL. Called on
// registration and on every heartbeat.
func (s *Service) MarkOnline(ctx context.Context, userID string) error {
	wasOnline := s.statusQuiet(ctx, userID) == model.StatusOnline

	now := s.now()
	rec := model.PresenceRecord{
		UserID:     userID,
		IsOnline:   true,
		LastSeenAt: now.UnixMilli(),
		ExpiresAt:  now.Add(s.ttl).UnixMilli(),
	}
	if err := s.put(ctx, rec); err != nil {
		return err
	}

	// Heartbeats refresh silently; only the offline->online edge broadcasts.
	if !wasOnline && s.broadcaster != nil {
		s.broadcaster.BroadcastPresence(userID, true)
	}
	return nil
}

// MarkOffline records userID as offline and broadcasts the change. Called
// when the user's last session unregisters.
func (s *Service) MarkOffline(ctx context.Context, userID string) error {
	rec := model.PresenceRecord{
		UserID:     userID,
		IsOnline:   false,
		LastSeenAt: s.now().UnixMilli(),
	}
	if err := s.put(ctx, rec); err != nil {
		return err
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastPresence(userID, false)
	}
	return nil
}

// Status reports the user's presence. A store failure yields Unknown, never
// a false Offline.
func (s *Service) Status(ctx context.Context, userID string) (model.PresenceStatus, error) {
	raw, err := s.store.Get(ctx, keyPrefix+userID)
	if errors.Is(err, kv.ErrNotFound) {
		return model.StatusOffline, nil
	}
	if err != nil {
		return model.StatusUnknown, errors.Wrap(err, "presence: read failed")
	}

	var rec model.PresenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.StatusUnknown, errors.Wrap(err, "presence: corrupt record")
	}
	if rec.IsOnline {
		return model.StatusOnline, nil
	}
	return model.StatusOffline, nil
}

// RunSweeper broadcasts offline for records whose TTL elapsed without a
// heartbeat. Blocks until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	keys, err := s.store.Expired(ctx)
	if err != nil {
		s.log.Warn("presence sweep failed", "err", err)
		return
	}
	for _, key := range keys {
		if len(key) <= len(keyPrefix) || key[:len(keyPrefix)] != keyPrefix {
			continue
		}
		userID := key[len(keyPrefix):]
		s.log.Info("presence expired", "userId", userID)
		if s.broadcaster != nil {
			s.broadcaster.BroadcastPresence(userID, false)
		}
	}
}

func (s *Service) put(ctx context.Context, rec model.PresenceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "presence: encode record")
	}
	ttl := s.ttl
	if !rec.IsOnline {
		// Offline records carry no expiry; they hold the lastSeenAt value.
		ttl = 0
	}
	if err := s.store.Set(ctx, keyPrefix+rec.UserID, raw, ttl); err != nil {
		return errors.Wrap(err, "presence: write failed")
	}
	return nil
}

func (s *Service) statusQuiet(ctx context.Context, userID string) model.PresenceStatus {
	st, err := s.Status(ctx, userID)
	if err != nil {
		return model.StatusUnknown
	}
	return st
}
