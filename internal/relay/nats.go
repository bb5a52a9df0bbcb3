// Package relay mirrors presence changes across processes over NATS so a
// horizontally scaled deployment broadcasts user:online/user:offline from
// every node. Single-node deployments run without it.
package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	subjectOnline  = "presence.online"
	subjectOffline = "presence.offline"
)

type presenceMsg struct {
	UserID string `json:"userId"`
	Origin string `json:"origin"`
}

// Handler receives presence changes published by sibling processes.
type Handler interface {
	ApplyRemotePresence(userID string, online bool)
}

type NATS struct {
	conn *nats.Conn
	id   string
	log  *slog.Logger

	subs []*nats.Subscription
}

// Connect dials the NATS server. id identifies this process so its own
// publications are not applied twice.
func Connect(url, id string, log *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("sapa-server-"+id))
	if err != nil {
		return nil, errors.Wrap(err, "relay: connect")
	}
	return &NATS{conn: conn, id: id, log: log}, nil
}

func (r *NATS) PublishPresence(userID string, online bool) error {
	subject := subjectOffline
	if online {
		subject = subjectOnline
	}
	data, err := json.Marshal(presenceMsg{UserID: userID, Origin: r.id})
	if err != nil {
		return errors.Wrap(err, "relay: encode presence")
	}
	return errors.Wrap(r.conn.Publish(subject, data), "relay: publish presence")
}

// Subscribe applies remote presence changes through h until Close.
func (r *NATS) Subscribe(h Handler) error {
	online, err := r.conn.Subscribe(subjectOnline, func(m *nats.Msg) {
		r.dispatch(h, m, true)
	})
	if err != nil {
		return errors.Wrap(err, "relay: subscribe online")
	}
	offline, err := r.conn.Subscribe(subjectOffline, func(m *nats.Msg) {
		r.dispatch(h, m, false)
	})
	if err != nil {
		_ = online.Unsubscribe()
		return errors.Wrap(err, "relay: subscribe offline")
	}
	r.subs = append(r.subs, online, offline)
	return nil
}

func (r *NATS) dispatch(h Handler, m *nats.Msg, online bool) {
	var msg presenceMsg
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		r.log.Warn("relay: bad presence message", "err", err)
		return
	}
	if msg.Origin == r.id || msg.UserID == "" {
		return
	}
	h.ApplyRemotePresence(msg.UserID, online)
}

func (r *NATS) Close() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.conn.Close()
}
