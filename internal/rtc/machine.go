// Package rtc manages call lifecycles and relays WebRTC signaling between
// the two participants. Media never touches this server; only SDP offers,
// answers and trickled ICE candidates pass through, and none of it is
// retained past call end.
package rtc

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"sapa-server/internal/event"
	"sapa-server/internal/model"
	"sapa-server/internal/store"
)

// Sink delivers an outbound event to all live sessions of one user.
type Sink interface {
	EmitToUser(userID, name string, payload any)
}

// Registry is the slice of the connection registry the machine needs.
type Registry interface {
	Online(userID string) bool
}

// Directory resolves display metadata attached to call notifications.
type Directory interface {
	Lookup(userID string) (model.Profile, bool)
}

type Deps struct {
	Calls       *store.CallLog
	Registry    Registry
	Sink        Sink
	Directory   Directory
	RingTimeout time.Duration
	Log         *slog.Logger
}

// liveCall is the in-memory half of an active call: ring timer and the ICE
// candidates buffered until the remote description reaches each side.
type liveCall struct {
	call model.Call

	ringTimer *time.Timer

	// The callee's remote description is the offer; the caller's is the
	// answer. Candidates headed for a side that has not received its
	// description yet wait in arrival order.
	offerDelivered  bool
	answerDelivered bool
	towardCallee    []json.RawMessage
	towardCaller    []json.RawMessage
}

func (lc *liveCall) other(userID string) string {
	if userID == lc.call.CallerID {
		return lc.call.ReceiverID
	}
	return lc.call.CallerID
}

func (lc *liveCall) participant(userID string) bool {
	return userID == lc.call.CallerID || userID == lc.call.ReceiverID
}

type Machine struct {
	deps Deps

	mu     sync.Mutex
	active map[string]*liveCall // callID -> live state, non-terminal only
}

func NewMachine(deps Deps) *Machine {
	return &Machine{deps: deps, active: make(map[string]*liveCall)}
}

type requestOut struct {
	CallID   string          `json:"callId"`
	CallerID string          `json:"callerId"`
	Type     model.CallType  `json:"type"`
	Offer    json.RawMessage `json:"offer"`
	Caller   *model.Profile  `json:"caller,omitempty"`
}

type answerOut struct {
	CallID   string          `json:"callId"`
	Accepted bool            `json:"accepted"`
	Answer   json.RawMessage `json:"answer,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

type iceOut struct {
	CallID    string          `json:"callId"`
	SenderID  string          `json:"senderId"`
	Candidate json.RawMessage `json:"candidate"`
}

type endOut struct {
	CallID   string `json:"callId"`
	SenderID string `json:"senderId"`
}

// Request starts a call. With the receiver online the call moves straight
// to RINGING and the offer is forwarded; offline it stays REQUESTED. The
// ring timer starts immediately either way.
func (m *Machine) Request(callerID string, p event.CallRequestPayload) {
	m.mu.Lock()
	for _, lc := range m.active {
		if lc.call.CallerID == callerID && lc.call.ReceiverID == p.ReceiverID {
			m.mu.Unlock()
			m.deps.Log.Warn("call request while another is live", "callerId", callerID, "receiverId", p.ReceiverID)
			m.deps.Sink.EmitToUser(callerID, event.CallAnswer, answerOut{CallID: lc.call.ID, Accepted: false, Reason: "busy"})
			return
		}
	}

	call := m.deps.Calls.Create(callerID, p.ReceiverID, model.CallType(p.Type))
	lc := &liveCall{call: call}
	m.active[call.ID] = lc

	receiverOnline := m.deps.Registry.Online(p.ReceiverID)
	if receiverOnline {
		lc.call.Status = model.CallRinging
	}
	lc.ringTimer = time.AfterFunc(m.deps.RingTimeout, func() { m.expire(call.ID) })
	m.mu.Unlock()

	if receiverOnline {
		if _, err := m.deps.Calls.SetStatus(call.ID, model.CallRinging); err != nil {
			m.deps.Log.Warn("call status update failed", "callId", call.ID, "err", err)
		}
		out := requestOut{CallID: call.ID, CallerID: callerID, Type: call.Type, Offer: p.Offer}
		if prof, ok := m.deps.Directory.Lookup(callerID); ok {
			out.Caller = &prof
		}
		m.deps.Sink.EmitToUser(p.ReceiverID, event.CallRequest, out)
		m.markOfferDelivered(call.ID, callerID)
	}
	m.deps.Log.Info("call requested", "callId", call.ID, "callerId", callerID, "receiverId", p.ReceiverID, "ringing", receiverOnline)
}

// Answer resolves a ringing call. Accepting relays the SDP answer to the
// caller and flushes any candidates buffered for the caller's side.
func (m *Machine) Answer(userID string, p event.CallAnswerPayload) {
	m.mu.Lock()
	lc, ok := m.active[p.CallID]
	if !ok || lc.call.Status.Terminal() {
		m.mu.Unlock()
		m.deps.Log.Warn("answer for unknown or finished call", "callId", p.CallID, "userId", userID)
		return
	}
	if userID != lc.call.ReceiverID || lc.call.Status != model.CallRinging {
		m.mu.Unlock()
		m.deps.Log.Warn("answer out of turn", "callId", p.CallID, "userId", userID, "status", lc.call.Status)
		return
	}

	lc.stopRingTimer()

	if !p.Accepted {
		lc.call.Status = model.CallRejected
		delete(m.active, p.CallID)
		m.mu.Unlock()

		if _, err := m.deps.Calls.SetStatus(p.CallID, model.CallRejected); err != nil {
			m.deps.Log.Warn("call status update failed", "callId", p.CallID, "err", err)
		}
		reason := p.Reason
		if reason == "" {
			reason = "rejected"
		}
		m.deps.Sink.EmitToUser(lc.call.CallerID, event.CallAnswer, answerOut{CallID: p.CallID, Accepted: false, Reason: reason})
		m.deps.Log.Info("call rejected", "callId", p.CallID)
		return
	}

	lc.call.Status = model.CallConnected
	callerID := lc.call.CallerID
	m.mu.Unlock()

	if _, err := m.deps.Calls.SetStatus(p.CallID, model.CallConnected); err != nil {
		m.deps.Log.Warn("call status update failed", "callId", p.CallID, "err", err)
	}
	m.deps.Sink.EmitToUser(callerID, event.CallAnswer, answerOut{CallID: p.CallID, Accepted: true, Answer: p.Answer})
	m.markAnswerDelivered(p.CallID, userID)
	m.deps.Log.Info("call connected", "callId", p.CallID)
}

// markOfferDelivered flips the callee's remote-description flag and drains
// the callee-bound buffer with the lock held. The flag must not flip before
// the offer is actually out, or a candidate from another of the caller's
// sessions could relay ahead of it.
func (m *Machine) markOfferDelivered(callID, callerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.active[callID]
	if !ok {
		return
	}
	lc.offerDelivered = true
	for _, cand := range lc.towardCallee {
		m.deps.Sink.EmitToUser(lc.call.ReceiverID, event.CallICE, iceOut{CallID: callID, SenderID: callerID, Candidate: cand})
	}
	lc.towardCallee = nil
}

// markAnswerDelivered is the caller-side counterpart: buffered candidates
// drain in arrival order, after the answer and before any direct relay.
func (m *Machine) markAnswerDelivered(callID, receiverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.active[callID]
	if !ok {
		return
	}
	lc.answerDelivered = true
	for _, cand := range lc.towardCaller {
		m.deps.Sink.EmitToUser(lc.call.CallerID, event.CallICE, iceOut{CallID: callID, SenderID: receiverID, Candidate: cand})
	}
	lc.towardCaller = nil
}

// AddCandidate relays a trickled ICE candidate toward the other side,
// buffering it while that side still lacks the remote description.
// Candidates are never dropped for an active call.
func (m *Machine) AddCandidate(userID string, p event.CallICEPayload) {
	m.mu.Lock()
	lc, ok := m.active[p.CallID]
	if !ok || lc.call.Status.Terminal() {
		m.mu.Unlock()
		m.deps.Log.Warn("candidate for unknown or finished call", "callId", p.CallID, "userId", userID)
		return
	}
	if !lc.participant(userID) {
		m.mu.Unlock()
		m.deps.Log.Warn("candidate from non-participant", "callId", p.CallID, "userId", userID)
		return
	}

	target := lc.other(userID)
	deliverable := false
	if userID == lc.call.CallerID {
		if lc.offerDelivered {
			deliverable = true
		} else {
			lc.towardCallee = append(lc.towardCallee, p.Candidate)
		}
	} else {
		if lc.answerDelivered {
			deliverable = true
		} else {
			lc.towardCaller = append(lc.towardCaller, p.Candidate)
		}
	}
	m.mu.Unlock()

	if deliverable {
		m.deps.Sink.EmitToUser(target, event.CallICE, iceOut{CallID: p.CallID, SenderID: userID, Candidate: p.Candidate})
	}
}

// End terminates a non-terminal call from either participant.
func (m *Machine) End(userID string, p event.CallEndPayload) {
	m.finish(p.CallID, userID, "end")
}

// HandleDisconnect ends every non-terminal call the user participates in,
// notifying the remaining peer. Called when a user's last session drops.
func (m *Machine) HandleDisconnect(userID string) {
	m.mu.Lock()
	var ids []string
	for id, lc := range m.active {
		if lc.participant(userID) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.finish(id, userID, "disconnect")
	}
}

func (m *Machine) finish(callID, userID, cause string) {
	m.mu.Lock()
	lc, ok := m.active[callID]
	if !ok || lc.call.Status.Terminal() {
		m.mu.Unlock()
		m.deps.Log.Warn("end for unknown or finished call", "callId", callID, "userId", userID, "cause", cause)
		return
	}
	if !lc.participant(userID) {
		m.mu.Unlock()
		m.deps.Log.Warn("end from non-participant", "callId", callID, "userId", userID)
		return
	}

	lc.stopRingTimer()
	lc.call.Status = model.CallEnded
	other := lc.other(userID)
	delete(m.active, callID)
	m.mu.Unlock()

	if _, err := m.deps.Calls.SetStatus(callID, model.CallEnded); err != nil {
		m.deps.Log.Warn("call status update failed", "callId", callID, "err", err)
	}
	m.deps.Sink.EmitToUser(other, event.CallEnd, endOut{CallID: callID, SenderID: userID})
	m.deps.Log.Info("call ended", "callId", callID, "cause", cause)
}

// expire fires when the ring timer elapses with no answer.
func (m *Machine) expire(callID string) {
	m.mu.Lock()
	lc, ok := m.active[callID]
	if !ok || lc.call.Status.Terminal() || lc.call.Status == model.CallConnected {
		m.mu.Unlock()
		return
	}
	lc.call.Status = model.CallMissed
	callerID := lc.call.CallerID
	delete(m.active, callID)
	m.mu.Unlock()

	if _, err := m.deps.Calls.SetStatus(callID, model.CallMissed); err != nil {
		m.deps.Log.Warn("call status update failed", "callId", callID, "err", err)
	}
	m.deps.Sink.EmitToUser(callerID, event.CallAnswer, answerOut{CallID: callID, Accepted: false, Reason: "missed"})
	m.deps.Log.Info("call missed", "callId", callID)
}

func (lc *liveCall) stopRingTimer() {
	if lc.ringTimer != nil {
		lc.ringTimer.Stop()
		lc.ringTimer = nil
	}
}
