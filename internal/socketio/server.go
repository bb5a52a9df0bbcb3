// Package socketio implements the persistent-connection endpoint: Engine.IO
// framing over a gorilla websocket, a Socket.IO handshake carrying the auth
// token, and the typed event dispatch feeding the messaging, typing,
// presence and call-signaling components.
package socketio

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sapa-server/internal/auth"
	"sapa-server/internal/directory"
	"sapa-server/internal/event"
	"sapa-server/internal/hub"
	"sapa-server/internal/model"
	"sapa-server/internal/presence"
	"sapa-server/internal/rtc"
	"sapa-server/internal/store"
)

// Relay mirrors presence changes to other processes. Optional.
type Relay interface {
	PublishPresence(userID string, online bool) error
}

type Deps struct {
	Hub         *hub.Hub
	Presence    *presence.Service
	Store       *store.Store
	Directory   directory.Directory
	TokenConfig auth.TokenConfig
	Log         *slog.Logger
	Relay       Relay // may be nil
}

type Server struct {
	hub       *hub.Hub
	presence  *presence.Service
	store     *store.Store
	directory directory.Directory
	tokenCfg  auth.TokenConfig
	log       *slog.Logger
	relay     Relay

	calls *rtc.Machine

	upgrader websocket.Upgrader
}

func NewServer(deps Deps, ringTimeout time.Duration) *Server {
	s := &Server{
		hub:       deps.Hub,
		presence:  deps.Presence,
		store:     deps.Store,
		directory: deps.Directory,
		tokenCfg:  deps.TokenConfig,
		log:       deps.Log,
		relay:     deps.Relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.calls = rtc.NewMachine(rtc.Deps{
		Calls:       deps.Store.Calls,
		Registry:    deps.Hub,
		Sink:        s,
		Directory:   deps.Directory,
		RingTimeout: ringTimeout,
		Log:         deps.Log,
	})
	return s
}

// Calls exposes the signaling machine for assembly and tests.
func (s *Server) Calls() *rtc.Machine { return s.calls }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	defer s.teardown(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pongTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleFrame(c, msg)
	})
}

// teardown runs when the read loop exits for any reason. The session may
// already be gone when a failed write pruned it first; Disconnected still
// resolves the user so the offline transition and call teardown happen.
// The presence TTL is only the backstop.
func (s *Server) teardown(c *conn) {
	c.close()
	if c.sessionID == "" {
		return
	}
	userID, last := s.hub.Disconnected(c.sessionID, c.userID)
	if !last {
		return
	}
	s.log.Info("user offline", "userId", userID)
	if err := s.presence.MarkOffline(context.Background(), userID); err != nil {
		s.log.Warn("presence offline update failed", "userId", userID, "err", err)
	}
	s.calls.HandleDisconnect(userID)
}

func (s *Server) handleFrame(c *conn, msg string) {
	if msg == "" {
		return
	}
	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
		s.heartbeat(c)
	case engineMessage:
		s.handlePacket(c, msg[1:])
	case engineClose:
		c.close()
	}
}

// heartbeat refreshes the presence TTL on every pong from a registered
// connection.
func (s *Server) heartbeat(c *conn) {
	if !c.connected.Load() {
		return
	}
	if err := s.presence.MarkOnline(context.Background(), c.userID); err != nil {
		s.log.Warn("presence heartbeat failed", "userId", c.userID, "err", err)
	}
}

func (s *Server) handlePacket(c *conn, payload string) {
	if payload == "" {
		return
	}
	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketEvent:
		s.handleEvent(c, payload)
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

// handleConnect performs the handshake: the connect packet must carry a
// valid socket token or the connection is closed without registration.
func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	ns, rest := splitNamespace(payload[1:])
	if rest == "" {
		s.rejectConnect(c, "missing auth")
		return
	}
	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil || authObj.Token == "" {
		s.rejectConnect(c, "missing token")
		return
	}

	claims, err := auth.VerifySocketToken(authObj.Token, s.tokenCfg)
	if err != nil || claims.UserID == "" {
		s.rejectConnect(c, "invalid authentication token")
		return
	}

	session := s.hub.Register(claims.UserID, c)
	c.userID = claims.UserID
	c.sessionID = session.ID
	c.connected.Store(true)

	if err := s.presence.MarkOnline(context.Background(), claims.UserID); err != nil {
		s.log.Warn("presence online update failed", "userId", claims.UserID, "err", err)
	}
	s.log.Info("user connected", "userId", claims.UserID, "sessionId", session.ID)

	pkt, err := buildConnectPacket(ns, c.sid)
	if err != nil {
		return
	}
	_ = c.writeText(string(engineMessage) + pkt)
}

func (s *Server) rejectConnect(c *conn, reason string) {
	s.emitError(c, reason)
	c.close()
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseEventPacket(payload)
	if err != nil {
		s.emitError(c, "malformed event")
		return
	}

	var arg json.RawMessage
	if len(pkt.Args) > 0 {
		arg = pkt.Args[0]
	}

	switch pkt.Name {
	case event.Ping:
		if pkt.ID != nil {
			if ack, err := buildAckPacket(pkt.Namespace, *pkt.ID); err == nil {
				_ = c.writeText(string(engineMessage) + ack)
			}
		}

	case event.ChatMessage:
		var p event.ChatMessagePayload
		if err := event.Decode(arg, &p); err != nil {
			s.emitError(c, err.Error())
			return
		}
		s.handleChatMessage(c, p)

	case event.ChatRead:
		var p event.ChatReadPayload
		if err := event.Decode(arg, &p); err != nil {
			s.emitError(c, err.Error())
			return
		}
		s.handleChatRead(c, p)

	case event.ChatTyping:
		var p event.ChatTypingPayload
		if err := event.Decode(arg, &p); err != nil {
			s.emitError(c, err.Error())
			return
		}
		s.handleChatTyping(c, p)

	case event.CallRequest:
		var p event.CallRequestPayload
		if err := event.Decode(arg, &p); err != nil {
			s.emitError(c, err.Error())
			return
		}
		s.calls.Request(c.userID, p)

	case event.CallAnswer:
		var p event.CallAnswerPayload
		if err := event.Decode(arg, &p); err != nil {
			s.emitError(c, err.Error())
			return
		}
		s.calls.Answer(c.userID, p)

	case event.CallICE:
		var p event.CallICEPayload
		if err := event.Decode(arg, &p); err != nil {
			s.emitError(c, err.Error())
			return
		}
		s.calls.AddCandidate(c.userID, p)

	case event.CallEnd:
		var p event.CallEndPayload
		if err := event.Decode(arg, &p); err != nil {
			s.emitError(c, err.Error())
			return
		}
		s.calls.End(c.userID, p)

	default:
		s.log.Warn("unrecognized event", "event", pkt.Name, "userId", c.userID)
		s.emitError(c, "unrecognized event: "+pkt.Name)
	}
}

type messageOut struct {
	model.Message
	Sender *model.Profile `json:"sender,omitempty"`
}

func (s *Server) handleChatMessage(c *conn, p event.ChatMessagePayload) {
	msg := s.store.Conversations.Append(store.AppendInput{
		SenderID:   c.userID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
		Encrypted:  p.Encrypted,
		MediaType:  p.MediaType,
		MediaURL:   p.MediaURL,
	})

	out := messageOut{Message: msg}
	if prof, ok := s.directory.Lookup(c.userID); ok {
		out.Sender = &prof
	}
	s.EmitToUser(p.ReceiverID, event.ChatMessage, out)

	// Delivery ack goes to the originating session only.
	s.emitToConn(c, event.ChatSent, map[string]string{"messageId": msg.ID})
}

func (s *Server) handleChatRead(c *conn, p event.ChatReadPayload) {
	bySender := s.store.Conversations.MarkRead(c.userID, p.MessageIDs)
	for senderID, ids := range bySender {
		s.EmitToUser(senderID, event.ChatRead, map[string]any{
			"readerId":   c.userID,
			"messageIds": ids,
		})
	}
}

func (s *Server) handleChatTyping(c *conn, p event.ChatTypingPayload) {
	// Pure relay: nothing stored, nothing sent when the receiver is offline.
	s.EmitToUser(p.ReceiverID, event.ChatTyping, map[string]any{
		"senderId": c.userID,
		"isTyping": p.IsTyping,
	})
}

// EmitToUser sends one event to every live session of userID. It is the
// rtc machine's outbound sink as well.
func (s *Server) EmitToUser(userID, name string, payload any) {
	pkt, err := buildEventPacket("/", name, payload)
	if err != nil {
		s.log.Warn("encode event failed", "event", name, "err", err)
		return
	}
	s.hub.Send(userID, []byte(string(engineMessage)+pkt))
}

func (s *Server) emitToConn(c *conn, name string, payload any) {
	pkt, err := buildEventPacket("/", name, payload)
	if err != nil {
		return
	}
	_ = c.writeText(string(engineMessage) + pkt)
}

func (s *Server) emitError(c *conn, message string) {
	s.emitToConn(c, event.Error, map[string]string{"message": message})
}

// BroadcastPresence satisfies presence.Broadcaster: every connected session
// learns about the change, and the relay mirrors it to sibling processes.
func (s *Server) BroadcastPresence(userID string, online bool) {
	s.broadcastPresenceLocal(userID, online)
	if s.relay != nil {
		if err := s.relay.PublishPresence(userID, online); err != nil {
			s.log.Warn("presence relay publish failed", "userId", userID, "err", err)
		}
	}
}

// ApplyRemotePresence delivers a presence change received from the relay to
// local sessions without republishing it.
func (s *Server) ApplyRemotePresence(userID string, online bool) {
	s.broadcastPresenceLocal(userID, online)
}

func (s *Server) broadcastPresenceLocal(userID string, online bool) {
	name := event.UserOffline
	if online {
		name = event.UserOnline
	}
	pkt, err := buildEventPacket("/", name, map[string]string{"userId": userID})
	if err != nil {
		return
	}
	s.hub.SendAll([]byte(string(engineMessage) + pkt))
}
