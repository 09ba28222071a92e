package signalling_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/relay"
	"github.com/brokerwave/sfu/internal/sdpneg"
	"github.com/brokerwave/sfu/internal/session"
	"github.com/brokerwave/sfu/internal/signalling"
	"github.com/brokerwave/sfu/internal/switchboard"
	"github.com/brokerwave/sfu/internal/wire"
)

type pushed struct {
	to   *session.Session
	txn  string
	body []byte
	jsep []byte
}

type recordingCallbacks struct {
	mu     sync.Mutex
	pushes []pushed
}

func (r *recordingCallbacks) PushEvent(handle any, txn string, body, jsep []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, pushed{handle.(*session.Session), txn, body, jsep})
	return nil
}

func (r *recordingCallbacks) RelayRTP(handle any, video bool, packet []byte) error  { return nil }
func (r *recordingCallbacks) RelayRTCP(handle any, video bool, packet []byte) error { return nil }
func (r *recordingCallbacks) RelayData(handle any, payload []byte) error            { return nil }

func (r *recordingCallbacks) waitForPushes(t *testing.T, n int, timeout time.Duration) []pushed {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		if len(r.pushes) >= n {
			out := make([]pushed, len(r.pushes))
			copy(out, r.pushes)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pushes", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newWorker(t *testing.T) (*signalling.Worker, *switchboard.Switchboard, *recordingCallbacks) {
	t.Helper()
	sb := switchboard.New()
	cb := &recordingCallbacks{}
	log := zap.NewNop()
	proc := signalling.New(sb, relay.New(sb, cb, log), sdpneg.New(), cb, nil, 4, log)
	w := signalling.NewWorker(proc, log)
	t.Cleanup(w.Stop)
	return w, sb, cb
}

func TestWorker_DropsMessageForDestroyedSession(t *testing.T) {
	w, sb, cb := newWorker(t)

	s := session.New()
	sb.Connect(s)
	s.DestroyOnce(func() { sb.RemoveSession(s) })

	body, err := wire.MarshalMessage(wire.Join{RoomID: "alpha", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, w.Submit(signalling.RawMessage{From: s, Txn: "txn-1", Body: body}))

	time.Sleep(50 * time.Millisecond)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	assert.Empty(t, cb.pushes, "a message queued behind session destruction must be dropped without a response")
}

func TestWorker_BlockBeforeJoinReportsPrecondition(t *testing.T) {
	w, sb, cb := newWorker(t)

	s := session.New()
	sb.Connect(s)

	body, err := wire.MarshalMessage(wire.Block{Whom: "u2"})
	require.NoError(t, err)
	require.True(t, w.Submit(signalling.RawMessage{From: s, Txn: "txn-1", Body: body}))

	pushes := cb.waitForPushes(t, 1, time.Second)
	assert.Equal(t, "txn-1", pushes[0].txn)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(pushes[0].body, &resp))
	assert.Equal(t, false, resp["success"])
	assert.Nil(t, pushes[0].jsep)
}

func TestWorker_AnswerJsepIsNoOpSuccess(t *testing.T) {
	w, sb, cb := newWorker(t)

	s := session.New()
	sb.Connect(s)

	jsep, err := wire.MarshalJsep(wire.Answer{SDP: "v=0\r\n"})
	require.NoError(t, err)
	require.True(t, w.Submit(signalling.RawMessage{From: s, Txn: "txn-1", Jsep: jsep}))

	pushes := cb.waitForPushes(t, 1, time.Second)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(pushes[0].body, &resp))
	assert.Equal(t, true, resp["success"])
	assert.Nil(t, pushes[0].jsep)
}
