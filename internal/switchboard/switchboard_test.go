package switchboard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerwave/sfu/internal/ids"
	"github.com/brokerwave/sfu/internal/session"
	"github.com/brokerwave/sfu/internal/subscription"
	"github.com/brokerwave/sfu/internal/switchboard"
)

func joinAs(sb *switchboard.Switchboard, room ids.RoomID, user ids.UserID, notify, data bool) *session.Session {
	s := session.New()
	sb.Connect(s)
	s.SetJoinState(session.JoinState{RoomID: room, UserID: user})
	s.SetSubscription(subscription.Subscription{Notifications: notify, Data: data})
	sb.RegisterUser(room, user, s)
	sb.JoinOccupants(room, s)
	return s
}

func TestRegisterUser_VisibleByRoomAndOccupants(t *testing.T) {
	sb := switchboard.New()
	s := joinAs(sb, "alpha", "u1", true, true)

	sessions := sb.SessionsForUser("alpha", "u1")
	require.Len(t, sessions, 1)
	assert.Same(t, s, sessions[0])

	occ := sb.OccupantsOf("alpha")
	require.Len(t, occ, 1)
	assert.Same(t, s, occ[0])
}

func TestRegisterUser_TracksAllSessionsRegardlessOfMasterStatus(t *testing.T) {
	sb := switchboard.New()
	master := session.New()
	sb.Connect(master)
	master.SetJoinState(session.JoinState{RoomID: "alpha", UserID: "u1"})
	sb.RegisterUser("alpha", "u1", master)
	sb.JoinOccupants("alpha", master)

	extra := session.New()
	sb.Connect(extra)
	extra.SetJoinState(session.JoinState{RoomID: "alpha", UserID: "u1"})
	sb.RegisterUser("alpha", "u1", extra)

	sessions := sb.SessionsForUser("alpha", "u1")
	assert.Len(t, sessions, 2, "sessions_by_user must hold every connection, not just the master handle")
	assert.Len(t, sb.OccupantsOf("alpha"), 1, "occupants stays master-only")
	assert.True(t, sb.IsUserConnected("alpha", "u1"))

	assert.False(t, sb.RemoveSession(master), "removing the master is not the user's last connection")
	assert.True(t, sb.IsUserConnected("alpha", "u1"), "the non-master session keeps the user connected")

	assert.True(t, sb.RemoveSession(extra), "removing the final session reports last-connection-gone exactly once")
	assert.False(t, sb.IsUserConnected("alpha", "u1"))
}

func TestSubscribeToUser_RoutesMediaAndReplacesPriorEdge(t *testing.T) {
	sb := switchboard.New()
	pub1 := joinAs(sb, "alpha", "pub1", false, false)
	pub2 := joinAs(sb, "alpha", "pub2", false, false)
	sub := joinAs(sb, "alpha", "sub", false, false)

	sb.SubscribeToUser(sub, pub1)
	recipients := sb.MediaRecipientsFor("alpha", "pub1", pub1)
	require.Len(t, recipients, 1)
	assert.Same(t, sub, recipients[0])

	sb.SubscribeToUser(sub, pub2)
	assert.Empty(t, sb.MediaRecipientsFor("alpha", "pub1", pub1))
	recipients = sb.MediaRecipientsFor("alpha", "pub2", pub2)
	require.Len(t, recipients, 1)
	assert.Same(t, sub, recipients[0])
}

func TestEstablishBlock_ExcludesBlockerFromMediaAndData(t *testing.T) {
	sb := switchboard.New()
	pub := joinAs(sb, "alpha", "pub", false, false)
	blocker := joinAs(sb, "alpha", "blocker", true, true)
	other := joinAs(sb, "alpha", "other", true, true)

	sb.SubscribeToUser(blocker, pub)
	sb.SubscribeToUser(other, pub)
	sb.EstablishBlock("blocker", "pub")

	recipients := sb.MediaRecipientsFor("alpha", "pub", pub)
	require.Len(t, recipients, 1)
	assert.Same(t, other, recipients[0])

	dataRecipients := sb.DataRecipientsFor("alpha", "pub", pub)
	for _, r := range dataRecipients {
		assert.NotSame(t, blocker, r)
	}
}

func TestEstablishBlock_ExcludesBlockeeSymmetrically(t *testing.T) {
	sb := switchboard.New()
	pub := joinAs(sb, "alpha", "pub", false, false)
	blockee := joinAs(sb, "alpha", "blockee", true, true)
	other := joinAs(sb, "alpha", "other", true, true)

	sb.SubscribeToUser(blockee, pub)
	sb.SubscribeToUser(other, pub)
	// pub blocks blockee: forwarding must stop in both directions, so
	// blockee (a subscriber, not a blocker) is still excluded.
	sb.EstablishBlock("pub", "blockee")

	recipients := sb.MediaRecipientsFor("alpha", "pub", pub)
	require.Len(t, recipients, 1)
	assert.Same(t, other, recipients[0])
}

func TestLiftBlock_RestoresDelivery(t *testing.T) {
	sb := switchboard.New()
	pub := joinAs(sb, "alpha", "pub", false, false)
	blocker := joinAs(sb, "alpha", "blocker", true, true)
	sb.SubscribeToUser(blocker, pub)

	sb.EstablishBlock("blocker", "pub")
	assert.Empty(t, sb.MediaRecipientsFor("alpha", "pub", pub))

	sb.LiftBlock("blocker", "pub")
	recipients := sb.MediaRecipientsFor("alpha", "pub", pub)
	require.Len(t, recipients, 1)
	assert.Same(t, blocker, recipients[0])
}

func TestEstablishBlock_FollowsUsersAcrossRooms(t *testing.T) {
	sb := switchboard.New()
	sb.EstablishBlock("blocker", "pub")

	pub := joinAs(sb, "beta", "pub", false, false)
	blocker := joinAs(sb, "beta", "blocker", true, true)
	sb.SubscribeToUser(blocker, pub)

	assert.True(t, sb.IsBlocked("blocker", "pub"))
	assert.Empty(t, sb.MediaRecipientsFor("beta", "pub", pub), "a block is user-scoped, not room-scoped")
	assert.Empty(t, sb.DataRecipientsFor("beta", "pub", pub))
}

func TestRemoveSession_ClearsAllIndexes(t *testing.T) {
	sb := switchboard.New()
	pub := joinAs(sb, "alpha", "pub", false, false)
	sub := joinAs(sb, "alpha", "sub", false, false)
	sb.SubscribeToUser(sub, pub)

	sb.RemoveSession(pub)

	assert.False(t, sb.IsConnected(pub))
	assert.Empty(t, sb.SessionsForUser("alpha", "pub"))
	occ := sb.OccupantsOf("alpha")
	require.Len(t, occ, 1, "sub should still occupy alpha after pub removal")
	assert.Same(t, sub, occ[0])
	_, ok := sb.GetPublisher(sub)
	assert.False(t, ok, "sub's edge should be dropped once its publisher is removed")
}

func TestDataRecipientsFor_ExcludesSenderAndNonSubscribers(t *testing.T) {
	sb := switchboard.New()
	sender := joinAs(sb, "alpha", "sender", false, true)
	dataSub := joinAs(sb, "alpha", "datasub", false, true)
	_ = joinAs(sb, "alpha", "silent", false, false)

	recipients := sb.DataRecipientsFor("alpha", "sender", sender)
	require.Len(t, recipients, 1)
	assert.Same(t, dataSub, recipients[0])
}
