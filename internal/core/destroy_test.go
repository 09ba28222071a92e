package core_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brokerwave/sfu/internal/subscription"
	"github.com/brokerwave/sfu/internal/wire"
)

var subscriptionNotifyData = subscription.Subscription{Notifications: true, Data: true}

func TestDestroySession_NotifiesRoomOnLeave(t *testing.T) {
	c, gw := newTestCore(t, 10)

	joiner := "conn-1"
	watcher := "conn-2"
	c.CreateSession(joiner)
	c.CreateSession(watcher)

	watcherJoin, err := wire.MarshalMessage(wire.Join{
		RoomID: "alpha",
		UserID: "watcher",
		Subscribe: &subscriptionNotifyData,
	})
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(watcher, "txn-w", watcherJoin, nil))
	gw.waitForEvents(t, 1, time.Second)

	joinerJoin, err := wire.MarshalMessage(wire.Join{RoomID: "alpha", UserID: "joiner"})
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(joiner, "txn-j", joinerJoin, nil))
	gw.waitForEvents(t, 2, time.Second)

	c.DestroySession(joiner)

	events := gw.waitForEvents(t, 3, time.Second)
	var leave map[string]any
	require.NoError(t, json.Unmarshal(events[2].body, &leave))
	require.Equal(t, "leave", leave["event"])
	require.Equal(t, "joiner", leave["user_id"])
}

func TestDestroySession_IsIdempotent(t *testing.T) {
	c, _ := newTestCore(t, 10)
	handle := "conn-1"
	c.CreateSession(handle)
	c.DestroySession(handle)
	c.DestroySession(handle)
}
