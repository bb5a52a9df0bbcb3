package relay

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

type recordingHandler struct {
	applied []string
}

func (h *recordingHandler) ApplyRemotePresence(userID string, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	h.applied = append(h.applied, userID+":"+state)
}

func testRelay() *NATS {
	return &NATS{id: "node-a", log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestDispatchAppliesRemoteChange(t *testing.T) {
	r := testRelay()
	h := &recordingHandler{}

	r.dispatch(h, &nats.Msg{Data: []byte(`{"userId":"u1","origin":"node-b"}`)}, true)
	r.dispatch(h, &nats.Msg{Data: []byte(`{"userId":"u1","origin":"node-b"}`)}, false)

	assert.Equal(t, []string{"u1:online", "u1:offline"}, h.applied)
}

func TestDispatchSkipsOwnOrigin(t *testing.T) {
	r := testRelay()
	h := &recordingHandler{}

	r.dispatch(h, &nats.Msg{Data: []byte(`{"userId":"u1","origin":"node-a"}`)}, true)

	assert.Empty(t, h.applied)
}

func TestDispatchIgnoresBadMessages(t *testing.T) {
	r := testRelay()
	h := &recordingHandler{}

	r.dispatch(h, &nats.Msg{Data: []byte("{broken")}, true)
	r.dispatch(h, &nats.Msg{Data: []byte(`{"origin":"node-b"}`)}, true)

	assert.Empty(t, h.applied)
}
