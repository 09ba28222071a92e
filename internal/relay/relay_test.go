package relay_test

import (
	"sync"
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/ids"
	"github.com/brokerwave/sfu/internal/relay"
	"github.com/brokerwave/sfu/internal/session"
	"github.com/brokerwave/sfu/internal/subscription"
	"github.com/brokerwave/sfu/internal/switchboard"
)

func roomID(s string) ids.RoomID { return ids.RoomID(s) }
func userID(s string) ids.UserID { return ids.UserID(s) }

type fakeCallbacks struct {
	mu   sync.Mutex
	rtp  map[any][][]byte
	rtcp map[any][][]byte
	data map[any][][]byte
}

func newFakeCallbacks() *fakeCallbacks {
	return &fakeCallbacks{
		rtp:  make(map[any][][]byte),
		rtcp: make(map[any][][]byte),
		data: make(map[any][][]byte),
	}
}

func (f *fakeCallbacks) PushEvent(handle any, txn string, body, jsep []byte) error { return nil }

func (f *fakeCallbacks) RelayRTP(handle any, video bool, packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtp[handle] = append(f.rtp[handle], packet)
	return nil
}

func (f *fakeCallbacks) RelayRTCP(handle any, video bool, packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtcp[handle] = append(f.rtcp[handle], packet)
	return nil
}

func (f *fakeCallbacks) RelayData(handle any, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[handle] = append(f.data[handle], payload)
	return nil
}

func joinAs(sb *switchboard.Switchboard, room, user string, notify, data bool) *session.Session {
	s := session.New()
	sb.Connect(s)
	s.SetJoinState(session.JoinState{RoomID: roomID(room), UserID: userID(user)})
	s.SetSubscription(subscription.Subscription{Notifications: notify, Data: data})
	sb.RegisterUser(roomID(room), userID(user), s)
	sb.JoinOccupants(roomID(room), s)
	return s
}

func TestForwardRTP_SkipsBlockedSubscriber(t *testing.T) {
	sb := switchboard.New()
	cb := newFakeCallbacks()
	r := relay.New(sb, cb, zap.NewNop())

	pub := joinAs(sb, "alpha", "pub", false, false)
	blocker := joinAs(sb, "alpha", "blocker", false, false)
	other := joinAs(sb, "alpha", "other", false, false)
	sb.SubscribeToUser(blocker, pub)
	sb.SubscribeToUser(other, pub)
	sb.EstablishBlock(userID("blocker"), userID("pub"))

	r.ForwardRTP(roomID("alpha"), userID("pub"), pub, true, []byte{1, 2, 3})

	assert.Empty(t, cb.rtp[blocker])
	assert.Equal(t, [][]byte{{1, 2, 3}}, cb.rtp[other])
}

func TestForwardData_ExcludesSenderAndNonSubscribers(t *testing.T) {
	sb := switchboard.New()
	cb := newFakeCallbacks()
	r := relay.New(sb, cb, zap.NewNop())

	sender := joinAs(sb, "alpha", "sender", false, true)
	dataSub := joinAs(sb, "alpha", "datasub", false, true)
	silent := joinAs(sb, "alpha", "silent", false, false)

	r.ForwardData(roomID("alpha"), userID("sender"), sender, []byte("hello"))

	assert.Empty(t, cb.data[sender])
	assert.Empty(t, cb.data[silent])
	assert.Equal(t, [][]byte{[]byte("hello")}, cb.data[dataSub])
}

func TestForwardRTCP_ReachesSubscribersNotThePublisher(t *testing.T) {
	sb := switchboard.New()
	cb := newFakeCallbacks()
	r := relay.New(sb, cb, zap.NewNop())

	pub := joinAs(sb, "alpha", "pub", false, false)
	sub := joinAs(sb, "alpha", "sub", false, false)
	sb.SubscribeToUser(sub, pub)

	r.ForwardRTCP(roomID("alpha"), userID("pub"), pub, false, []byte{9, 9, 9})

	assert.Equal(t, [][]byte{{9, 9, 9}}, cb.rtcp[sub])
	assert.Empty(t, cb.rtcp[pub], "a publisher's own RTCP must never be relayed back to itself")
}

func TestRequestKeyframe_SendsValidPLI(t *testing.T) {
	sb := switchboard.New()
	cb := newFakeCallbacks()
	r := relay.New(sb, cb, zap.NewNop())
	pub := joinAs(sb, "alpha", "pub", false, false)

	r.RequestKeyframe(pub)

	require.Len(t, cb.rtcp[pub], 1)
	var pli rtcp.PictureLossIndication
	require.NoError(t, pli.Unmarshal(cb.rtcp[pub][0]))
}

func TestRequestKeyframeFIR_IncrementsSequence(t *testing.T) {
	sb := switchboard.New()
	cb := newFakeCallbacks()
	r := relay.New(sb, cb, zap.NewNop())
	pub := joinAs(sb, "alpha", "pub", false, false)

	r.RequestKeyframeFIR(pub)
	r.RequestKeyframeFIR(pub)

	require.Len(t, cb.rtcp[pub], 2)
	var first, second rtcp.FullIntraRequest
	require.NoError(t, first.Unmarshal(cb.rtcp[pub][0]))
	require.NoError(t, second.Unmarshal(cb.rtcp[pub][1]))
	assert.Less(t, first.FIR[0].SequenceNumber, second.FIR[0].SequenceNumber)
}
