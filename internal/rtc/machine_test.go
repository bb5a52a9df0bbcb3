package rtc

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sapa-server/internal/event"
	"sapa-server/internal/model"
	"sapa-server/internal/store"
)

type emitted struct {
	UserID  string
	Name    string
	Payload any
}

type fakeSink struct {
	mu     sync.Mutex
	events []emitted
}

func (s *fakeSink) EmitToUser(userID, name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emitted{UserID: userID, Name: name, Payload: payload})
}

func (s *fakeSink) all() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]emitted(nil), s.events...)
}

func (s *fakeSink) named(name string) []emitted {
	var out []emitted
	for _, e := range s.all() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeRegistry struct {
	mu     sync.Mutex
	online map[string]bool
}

func (r *fakeRegistry) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

func (r *fakeRegistry) set(userID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[userID] = online
}

type emptyDirectory struct{}

func (emptyDirectory) Lookup(string) (model.Profile, bool) { return model.Profile{}, false }

func newTestMachine(t *testing.T, ringTimeout time.Duration) (*Machine, *fakeSink, *fakeRegistry, *store.Store) {
	t.Helper()
	st := store.New()
	sink := &fakeSink{}
	reg := &fakeRegistry{online: map[string]bool{}}
	m := NewMachine(Deps{
		Calls:       st.Calls,
		Registry:    reg,
		Sink:        sink,
		Directory:   emptyDirectory{},
		RingTimeout: ringTimeout,
		Log:         slog.Default(),
	})
	return m, sink, reg, st
}

func requestPayload(receiverID string) event.CallRequestPayload {
	return event.CallRequestPayload{
		ReceiverID: receiverID,
		Type:       "video",
		Offer:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
}

func lastCallID(t *testing.T, st *store.Store, userID string) string {
	t.Helper()
	history := st.Calls.History(userID, 1)
	require.NotEmpty(t, history)
	return history[0].ID
}

func TestCallConnectsWhenAnswered(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))

	forwarded := sink.named(event.CallRequest)
	require.Len(t, forwarded, 1)
	assert.Equal(t, "b", forwarded[0].UserID)
	callID := forwarded[0].Payload.(requestOut).CallID

	call, err := st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallRinging, call.Status)

	m.Answer("b", event.CallAnswerPayload{
		CallID:   callID,
		Accepted: true,
		Answer:   json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})

	answers := sink.named(event.CallAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "a", answers[0].UserID)
	assert.True(t, answers[0].Payload.(answerOut).Accepted)

	call, err = st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallConnected, call.Status)
}

func TestOfflineReceiverStaysRequestedThenMissed(t *testing.T) {
	m, sink, _, st := newTestMachine(t, 30*time.Millisecond)

	m.Request("a", requestPayload("b"))

	// No RINGING notification goes anywhere.
	assert.Empty(t, sink.named(event.CallRequest))
	callID := lastCallID(t, st, "a")
	call, err := st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallRequested, call.Status)

	require.Eventually(t, func() bool {
		call, err := st.Calls.Get(callID)
		return err == nil && call.Status == model.CallMissed
	}, time.Second, 5*time.Millisecond)

	answers := sink.named(event.CallAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "a", answers[0].UserID)
	out := answers[0].Payload.(answerOut)
	assert.False(t, out.Accepted)
	assert.Equal(t, "missed", out.Reason)
}

func TestRingingCallMissesOnTimeout(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, 30*time.Millisecond)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")

	require.Eventually(t, func() bool {
		call, err := st.Calls.Get(callID)
		return err == nil && call.Status == model.CallMissed
	}, time.Second, 5*time.Millisecond)

	// The late answer must not resurrect the call.
	m.Answer("b", event.CallAnswerPayload{CallID: callID, Accepted: true, Answer: json.RawMessage(`{}`)})
	call, err := st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallMissed, call.Status)
	require.Len(t, sink.named(event.CallAnswer), 1)
}

func TestRejectedCallNotifiesCallerWithReason(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")

	m.Answer("b", event.CallAnswerPayload{CallID: callID, Accepted: false, Reason: "declined"})

	answers := sink.named(event.CallAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "a", answers[0].UserID)
	out := answers[0].Payload.(answerOut)
	assert.False(t, out.Accepted)
	assert.Equal(t, "declined", out.Reason)

	call, err := st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallRejected, call.Status)
	require.NotNil(t, call.EndTime)
}

func TestCandidatesBufferedUntilAnswerThenFlushedInOrder(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")

	// The callee trickles candidates before answering; the caller has no
	// remote description yet so nothing may be delivered.
	c1 := json.RawMessage(`{"candidate":"one"}`)
	c2 := json.RawMessage(`{"candidate":"two"}`)
	c3 := json.RawMessage(`{"candidate":"three"}`)
	m.AddCandidate("b", event.CallICEPayload{CallID: callID, Candidate: c1})
	m.AddCandidate("b", event.CallICEPayload{CallID: callID, Candidate: c2})
	m.AddCandidate("b", event.CallICEPayload{CallID: callID, Candidate: c3})
	assert.Empty(t, sink.named(event.CallICE))

	m.Answer("b", event.CallAnswerPayload{CallID: callID, Accepted: true, Answer: json.RawMessage(`{}`)})

	// Flushed right after the answer, in original arrival order.
	flushed := sink.named(event.CallICE)
	require.Len(t, flushed, 3)
	for i, want := range []json.RawMessage{c1, c2, c3} {
		assert.Equal(t, "a", flushed[i].UserID)
		assert.JSONEq(t, string(want), string(flushed[i].Payload.(iceOut).Candidate))
	}

	events := sink.all()
	var order []string
	for _, e := range events {
		order = append(order, e.Name)
	}
	assert.Equal(t, []string{event.CallRequest, event.CallAnswer, event.CallICE, event.CallICE, event.CallICE}, order)
}

func TestCallerCandidatesFlowOnceOfferDelivered(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")

	// Offer already reached the callee, so caller candidates relay through.
	m.AddCandidate("a", event.CallICEPayload{CallID: callID, Candidate: json.RawMessage(`{"candidate":"x"}`)})
	relayed := sink.named(event.CallICE)
	require.Len(t, relayed, 1)
	assert.Equal(t, "b", relayed[0].UserID)
}

func TestCallerCandidatesBufferedWhileReceiverOffline(t *testing.T) {
	m, sink, _, st := newTestMachine(t, time.Minute)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")

	m.AddCandidate("a", event.CallICEPayload{CallID: callID, Candidate: json.RawMessage(`{"candidate":"x"}`)})
	assert.Empty(t, sink.named(event.CallICE))
}

// hookSink runs a one-shot callback before recording an event, standing in
// for traffic from another session that lands mid-relay.
type hookSink struct {
	*fakeSink
	hookMu sync.Mutex
	hooks  map[string]func()
}

func (s *hookSink) EmitToUser(userID, name string, payload any) {
	s.hookMu.Lock()
	hook := s.hooks[name]
	delete(s.hooks, name)
	s.hookMu.Unlock()
	if hook != nil {
		hook()
	}
	s.fakeSink.EmitToUser(userID, name, payload)
}

func newHookedMachine(t *testing.T) (*Machine, *hookSink, *fakeRegistry, *store.Store) {
	t.Helper()
	st := store.New()
	sink := &hookSink{fakeSink: &fakeSink{}, hooks: map[string]func(){}}
	reg := &fakeRegistry{online: map[string]bool{}}
	m := NewMachine(Deps{
		Calls:       st.Calls,
		Registry:    reg,
		Sink:        sink,
		Directory:   emptyDirectory{},
		RingTimeout: time.Minute,
		Log:         slog.Default(),
	})
	return m, sink, reg, st
}

func TestCandidateDuringAnswerRelayWaitsForAnswer(t *testing.T) {
	m, sink, reg, st := newHookedMachine(t)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")

	// A candidate from a second session of the callee lands while the SDP
	// answer is still in flight toward the caller. It must not overtake it.
	sink.hooks[event.CallAnswer] = func() {
		m.AddCandidate("b", event.CallICEPayload{CallID: callID, Candidate: json.RawMessage(`{"candidate":"late"}`)})
	}
	m.Answer("b", event.CallAnswerPayload{CallID: callID, Accepted: true, Answer: json.RawMessage(`{}`)})

	var order []string
	for _, e := range sink.all() {
		order = append(order, e.Name)
	}
	assert.Equal(t, []string{event.CallRequest, event.CallAnswer, event.CallICE}, order)

	relayed := sink.named(event.CallICE)
	require.Len(t, relayed, 1)
	assert.Equal(t, "a", relayed[0].UserID)
}

func TestCandidateDuringOfferRelayWaitsForOffer(t *testing.T) {
	m, sink, reg, st := newHookedMachine(t)
	reg.set("b", true)

	sink.hooks[event.CallRequest] = func() {
		callID := lastCallID(t, st, "a")
		m.AddCandidate("a", event.CallICEPayload{CallID: callID, Candidate: json.RawMessage(`{"candidate":"early"}`)})
	}
	m.Request("a", requestPayload("b"))

	var order []string
	for _, e := range sink.all() {
		order = append(order, e.Name)
	}
	assert.Equal(t, []string{event.CallRequest, event.CallICE}, order)

	relayed := sink.named(event.CallICE)
	require.Len(t, relayed, 1)
	assert.Equal(t, "b", relayed[0].UserID)
}

func TestEndFromEitherSide(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")
	m.Answer("b", event.CallAnswerPayload{CallID: callID, Accepted: true, Answer: json.RawMessage(`{}`)})

	m.End("b", event.CallEndPayload{CallID: callID})

	ends := sink.named(event.CallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "a", ends[0].UserID)

	call, err := st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallEnded, call.Status)
	require.NotNil(t, call.EndTime)
}

func TestEventsAfterTerminalStateAreIgnored(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")
	m.End("a", event.CallEndPayload{CallID: callID})

	before := len(sink.all())
	m.Answer("b", event.CallAnswerPayload{CallID: callID, Accepted: true, Answer: json.RawMessage(`{}`)})
	m.AddCandidate("b", event.CallICEPayload{CallID: callID, Candidate: json.RawMessage(`{}`)})
	m.End("b", event.CallEndPayload{CallID: callID})

	assert.Len(t, sink.all(), before)
	call, err := st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallEnded, call.Status)
}

func TestUnknownCallIDIgnored(t *testing.T) {
	m, sink, _, _ := newTestMachine(t, time.Minute)

	m.Answer("b", event.CallAnswerPayload{CallID: "ghost", Accepted: true, Answer: json.RawMessage(`{}`)})
	m.AddCandidate("a", event.CallICEPayload{CallID: "ghost", Candidate: json.RawMessage(`{}`)})
	m.End("a", event.CallEndPayload{CallID: "ghost"})

	assert.Empty(t, sink.all())
}

func TestNonParticipantCannotTouchCall(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")
	before := len(sink.all())

	m.AddCandidate("mallory", event.CallICEPayload{CallID: callID, Candidate: json.RawMessage(`{}`)})
	m.End("mallory", event.CallEndPayload{CallID: callID})
	m.Answer("a", event.CallAnswerPayload{CallID: callID, Accepted: true, Answer: json.RawMessage(`{}`)})

	assert.Len(t, sink.all(), before)
	call, err := st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallRinging, call.Status)
}

func TestDisconnectEndsLiveCall(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	callID := lastCallID(t, st, "a")
	m.Answer("b", event.CallAnswerPayload{CallID: callID, Accepted: true, Answer: json.RawMessage(`{}`)})

	m.HandleDisconnect("a")

	ends := sink.named(event.CallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "b", ends[0].UserID)

	call, err := st.Calls.Get(callID)
	require.NoError(t, err)
	assert.Equal(t, model.CallEnded, call.Status)
}

func TestSecondRequestToSamePeerIsBusy(t *testing.T) {
	m, sink, reg, st := newTestMachine(t, time.Minute)
	reg.set("b", true)

	m.Request("a", requestPayload("b"))
	m.Request("a", requestPayload("b"))

	busy := sink.named(event.CallAnswer)
	require.Len(t, busy, 1)
	assert.Equal(t, "a", busy[0].UserID)
	assert.Equal(t, "busy", busy[0].Payload.(answerOut).Reason)

	// Only one call record exists for the pair.
	assert.Len(t, st.Calls.History("b", 0), 1)
}

func TestStateSequencesAreValidPaths(t *testing.T) {
	valid := map[model.CallStatus][]model.CallStatus{
		model.CallRequested: {model.CallRinging, model.CallMissed, model.CallEnded},
		model.CallRinging:   {model.CallConnected, model.CallRejected, model.CallMissed, model.CallEnded},
		model.CallConnected: {model.CallEnded},
	}

	run := func(t *testing.T, drive func(m *Machine, callID string)) []model.CallStatus {
		m, _, reg, st := newTestMachine(t, 20*time.Millisecond)
		reg.set("b", true)
		m.Request("a", requestPayload("b"))
		callID := lastCallID(t, st, "a")

		seen := []model.CallStatus{model.CallRinging}
		drive(m, callID)
		require.Eventually(t, func() bool {
			call, err := st.Calls.Get(callID)
			if err != nil {
				return false
			}
			if call.Status != seen[len(seen)-1] {
				seen = append(seen, call.Status)
			}
			return call.Status.Terminal()
		}, time.Second, 2*time.Millisecond)
		return seen
	}

	paths := [][]model.CallStatus{
		run(t, func(m *Machine, id string) {
			m.Answer("b", event.CallAnswerPayload{CallID: id, Accepted: true, Answer: json.RawMessage(`{}`)})
			m.End("a", event.CallEndPayload{CallID: id})
		}),
		run(t, func(m *Machine, id string) {
			m.Answer("b", event.CallAnswerPayload{CallID: id, Accepted: false})
		}),
		run(t, func(m *Machine, id string) {}), // ring timer fires
	}

	for _, path := range paths {
		for i := 1; i < len(path); i++ {
			assert.Contains(t, valid[path[i-1]], path[i], "transition %s -> %s", path[i-1], path[i])
		}
	}
}
