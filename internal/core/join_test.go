package core_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/core"
	"github.com/brokerwave/sfu/internal/wire"
)

type event struct {
	handle any
	txn    string
	body   []byte
	jsep   []byte
}

type fakeGateway struct {
	mu     sync.Mutex
	events []event
	cond   *sync.Cond
}

func newFakeGateway() *fakeGateway {
	g := &fakeGateway{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *fakeGateway) PushEvent(handle any, txn string, body, jsep []byte) error {
	g.mu.Lock()
	g.events = append(g.events, event{handle, txn, body, jsep})
	g.cond.Broadcast()
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) RelayRTP(handle any, video bool, packet []byte) error  { return nil }
func (g *fakeGateway) RelayRTCP(handle any, video bool, packet []byte) error { return nil }
func (g *fakeGateway) RelayData(handle any, payload []byte) error            { return nil }

// waitForEvents blocks until at least n events have arrived or the
// timeout elapses, returning a snapshot of the events seen so far.
func (g *fakeGateway) waitForEvents(t *testing.T, n int, timeout time.Duration) []event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.events) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("timed out waiting for %d events, got %d", n, len(g.events))
		}
		done := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
			close(done)
		})
		g.cond.Wait()
		timer.Stop()
	}
	out := make([]event, len(g.events))
	copy(out, g.events)
	return out
}

func newTestCore(t *testing.T, maxRoomSize int) (*core.Core, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	c, err := core.New(core.Config{MaxRoomSize: maxRoomSize}, gw, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, gw
}

func TestNew_NilCallbacksFailsInit(t *testing.T) {
	_, err := core.New(core.Config{MaxRoomSize: 4}, nil, zap.NewNop())
	assert.ErrorIs(t, err, core.ErrNilCallbacks)
}

func TestHandleMessage_MasterJoinSeesItselfInSnapshot(t *testing.T) {
	c, gw := newTestCore(t, 10)
	handle := "conn-1"
	c.CreateSession(handle)

	join := wire.Join{RoomID: "alpha", UserID: "u1", Subscribe: &subscriptionNotifyData}
	body, err := wire.MarshalMessage(join)
	require.NoError(t, err)

	require.NoError(t, c.HandleMessage(handle, "txn-1", body, nil))

	events := gw.waitForEvents(t, 1, time.Second)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(events[0].body, &resp))
	assert.Equal(t, true, resp["success"])

	response, ok := resp["response"].(map[string]any)
	require.True(t, ok, "a successful join must carry a response body")
	users, ok := response["users"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"u1"}, users["alpha"], "the joiner appears in its own occupant snapshot")
	assert.Nil(t, events[0].jsep)
}

func TestHandleMessage_SecondJoinIsRejected(t *testing.T) {
	c, gw := newTestCore(t, 10)
	handle := "conn-1"
	c.CreateSession(handle)

	body, err := wire.MarshalMessage(wire.Join{RoomID: "alpha", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(handle, "txn-1", body, nil))
	gw.waitForEvents(t, 1, time.Second)

	require.NoError(t, c.HandleMessage(handle, "txn-2", body, nil))
	events := gw.waitForEvents(t, 2, time.Second)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(events[1].body, &resp))
	assert.Equal(t, false, resp["success"])
}

func TestHandleMessage_MalformedBodyReportsErrorEnvelope(t *testing.T) {
	c, gw := newTestCore(t, 10)
	handle := "conn-1"
	c.CreateSession(handle)

	require.NoError(t, c.HandleMessage(handle, "txn-1", []byte("not json"), nil))

	events := gw.waitForEvents(t, 1, time.Second)
	assert.Equal(t, "txn-1", events[0].txn)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(events[0].body, &resp))
	assert.Equal(t, false, resp["success"])
	errBody, ok := resp["error"].(map[string]any)
	require.True(t, ok, "an error envelope must carry error.msg")
	assert.Contains(t, errBody["msg"], "parse error")
}

func TestHandleMessage_UnknownHandleFailsSynchronously(t *testing.T) {
	c, _ := newTestCore(t, 10)
	assert.Error(t, c.HandleMessage("never-created", "txn-1", []byte(`{}`), nil))
}
