// Package switchboard is the routing fabric: it answers "who gets this
// packet" without knowing anything about RTP, SDP, or websockets. A
// Switchboard tracks, behind a single RWMutex, which Sessions are
// connected, which user each occupies a room as, who publishes to
// whom, and who has blocked whom.
package switchboard

import (
	"sync"

	"github.com/brokerwave/sfu/internal/ids"
	"github.com/brokerwave/sfu/internal/session"
)

// edge is a directed publisher->subscriber relationship, keyed by the
// subscriber's Session so a subscriber can only ever subscribe to one
// publisher's media at a time.
type edge struct {
	publisher *session.Session
}

// Switchboard is the shared routing state for one process. All
// mutation goes through its exported methods; none of them touch the
// network.
type Switchboard struct {
	mu sync.RWMutex

	// allSessions holds every connected Session, including ones that
	// have not joined a room yet.
	allSessions map[*session.Session]struct{}

	// sessionsByUser maps (room, user) to every Session registered for
	// that identity. A user may hold more than one live connection to
	// the same room — a master data handle plus one or more separate
	// media-subscriber connections — and all of them stay indexed here
	// until each is individually removed. Populated at join time, once
	// join_state has already been set on the Session itself, matching
	// the invariant that join_state precedes visibility in the routing
	// tables.
	sessionsByUser map[ids.RoomID]map[ids.UserID]map[*session.Session]struct{}

	// occupants maps a room to every Session acting as its user's
	// master handle in that room (Subscription.Data == true). This is
	// the set the spec calls "occupants": it is narrower than
	// sessionsByUser, which tracks every connection regardless of
	// master status.
	occupants map[ids.RoomID]map[*session.Session]struct{}

	// subscriberToEdge maps a subscribing Session to the publisher it
	// currently follows.
	subscriberToEdge map[*session.Session]edge

	// publisherToSubscribers is the inverse index, so that relaying a
	// publisher's packet does not require scanning every subscriber.
	publisherToSubscribers map[*session.Session]map[*session.Session]struct{}

	// blocked[a][b] means user a has blocked user b. Media and data are
	// not forwarded between a and b in either direction, and neither is
	// sent the other's join notification. The relation is global, not
	// per-room, so a block follows the user wherever both end up.
	blocked map[ids.UserID]map[ids.UserID]struct{}
}

// New returns an empty Switchboard.
func New() *Switchboard {
	return &Switchboard{
		allSessions:            make(map[*session.Session]struct{}),
		sessionsByUser:         make(map[ids.RoomID]map[ids.UserID]map[*session.Session]struct{}),
		occupants:              make(map[ids.RoomID]map[*session.Session]struct{}),
		subscriberToEdge:       make(map[*session.Session]edge),
		publisherToSubscribers: make(map[*session.Session]map[*session.Session]struct{}),
		blocked:                make(map[ids.UserID]map[ids.UserID]struct{}),
	}
}

// Connect registers a newly created Session before it has joined any
// room. It is the only entry a Session gets into the Switchboard until
// RegisterUser runs.
func (sb *Switchboard) Connect(s *session.Session) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.allSessions[s] = struct{}{}
}

// IsConnected reports whether s is still tracked by this Switchboard.
func (sb *Switchboard) IsConnected(s *session.Session) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.allSessions[s]
	return ok
}

// IsUserConnected reports whether (room, user) still names at least
// one live Session. A user can hold more than one handle (a master
// data connection plus separate media subscriptions). Teardown does
// not use this to decide on a leave event; RemoveSession reports
// lastForUser under its own lock instead.
func (sb *Switchboard) IsUserConnected(room ids.RoomID, user ids.UserID) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return len(sb.sessionsByUser[room][user]) > 0
}

// RegisterUser makes s discoverable under (room, user) identity. It
// must be called once for every Session as soon as its join_state is
// set, master or not: sessions_by_user tracks every live connection a
// user holds open, not only the one acting as their room occupant.
// Callers must have already set s's join_state; RegisterUser does not
// read or validate it, it only indexes under the given coordinates.
func (sb *Switchboard) RegisterUser(room ids.RoomID, user ids.UserID, s *session.Session) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.sessionsByUser[room] == nil {
		sb.sessionsByUser[room] = make(map[ids.UserID]map[*session.Session]struct{})
	}
	if sb.sessionsByUser[room][user] == nil {
		sb.sessionsByUser[room][user] = make(map[*session.Session]struct{})
	}
	sb.sessionsByUser[room][user][s] = struct{}{}
}

// JoinOccupants adds s to room's occupant set. Callers must only
// invoke this for a Session acting as its user's master handle in
// room (Subscription.Data == true), and must have already called
// RegisterUser for s.
func (sb *Switchboard) JoinOccupants(room ids.RoomID, s *session.Session) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.occupants[room] == nil {
		sb.occupants[room] = make(map[*session.Session]struct{})
	}
	sb.occupants[room][s] = struct{}{}
}

// SessionsForUser returns every Session currently registered for
// (room, user), in no particular order. Used where a notification
// must reach all of a user's connections rather than only its master
// handle.
func (sb *Switchboard) SessionsForUser(room ids.RoomID, user ids.UserID) []*session.Session {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	set := sb.sessionsByUser[room][user]
	out := make([]*session.Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// PublisherForUser returns the Session registered for (room, user)
// whose subscriber offer is set — the connection currently acting as
// that user's publisher. If more than one of the user's Sessions has
// an offer stored, any one of them may be returned.
func (sb *Switchboard) PublisherForUser(room ids.RoomID, user ids.UserID) (*session.Session, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	for s := range sb.sessionsByUser[room][user] {
		if s.SubscriberSDP() != "" {
			return s, true
		}
	}
	return nil, false
}

// SubscribeToUser records that subscriber now follows publisher's
// media, replacing any prior subscription subscriber held.
func (sb *Switchboard) SubscribeToUser(subscriber, publisher *session.Session) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.unlinkSubscriberLocked(subscriber)
	sb.subscriberToEdge[subscriber] = edge{publisher: publisher}
	if sb.publisherToSubscribers[publisher] == nil {
		sb.publisherToSubscribers[publisher] = make(map[*session.Session]struct{})
	}
	sb.publisherToSubscribers[publisher][subscriber] = struct{}{}
}

// unlinkSubscriberLocked removes subscriber's current edge, if any.
// Callers must hold sb.mu for writing.
func (sb *Switchboard) unlinkSubscriberLocked(subscriber *session.Session) {
	e, ok := sb.subscriberToEdge[subscriber]
	if !ok {
		return
	}
	delete(sb.subscriberToEdge, subscriber)
	if subs := sb.publisherToSubscribers[e.publisher]; subs != nil {
		delete(subs, subscriber)
		if len(subs) == 0 {
			delete(sb.publisherToSubscribers, e.publisher)
		}
	}
}

// GetPublisher returns the publisher subscriber currently follows, if
// any.
func (sb *Switchboard) GetPublisher(subscriber *session.Session) (*session.Session, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	e, ok := sb.subscriberToEdge[subscriber]
	if !ok {
		return nil, false
	}
	return e.publisher, true
}

// EstablishBlock records that blocker has blocked blockee.
func (sb *Switchboard) EstablishBlock(blocker, blockee ids.UserID) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.blocked[blocker] == nil {
		sb.blocked[blocker] = make(map[ids.UserID]struct{})
	}
	sb.blocked[blocker][blockee] = struct{}{}
}

// LiftBlock removes a block established earlier. It is a no-op if no
// such block exists.
func (sb *Switchboard) LiftBlock(blocker, blockee ids.UserID) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if inner := sb.blocked[blocker]; inner != nil {
		delete(inner, blockee)
		if len(inner) == 0 {
			delete(sb.blocked, blocker)
		}
	}
}

// IsBlocked reports whether blocker has blocked blockee.
func (sb *Switchboard) IsBlocked(blocker, blockee ids.UserID) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.blocked[blocker][blockee]
	return ok
}

// RemoveSession tears down every index entry for s: its occupant
// membership, its subscriber edge (in both directions), and any
// (room, user) entry that still points at it. It is idempotent, and
// reports whether s was the last Session its user held in its room —
// decided under the same lock as the removal, so two handles of one
// user torn down concurrently cannot both observe "last connection
// gone".
func (sb *Switchboard) RemoveSession(s *session.Session) (lastForUser bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	_, present := sb.allSessions[s]
	delete(sb.allSessions, s)
	sb.unlinkSubscriberLocked(s)

	if subs := sb.publisherToSubscribers[s]; subs != nil {
		delete(sb.publisherToSubscribers, s)
		for sub := range subs {
			delete(sb.subscriberToEdge, sub)
		}
	}

	for room, occ := range sb.occupants {
		if _, ok := occ[s]; ok {
			delete(occ, s)
			if len(occ) == 0 {
				delete(sb.occupants, room)
			}
		}
	}

	for room, byUser := range sb.sessionsByUser {
		for user, set := range byUser {
			if _, ok := set[s]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(byUser, user)
				}
			}
		}
		if len(byUser) == 0 {
			delete(sb.sessionsByUser, room)
		}
	}

	if js := s.JoinState(); present && js != nil {
		lastForUser = len(sb.sessionsByUser[js.RoomID][js.UserID]) == 0
	}
	return lastForUser
}

// OccupantsOf returns every master handle (Subscription.Data == true)
// registered in room; Sessions that joined without a data subscription
// are not included.
func (sb *Switchboard) OccupantsOf(room ids.RoomID) []*session.Session {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make([]*session.Session, 0, len(sb.occupants[room]))
	for s := range sb.occupants[room] {
		out = append(out, s)
	}
	return out
}

// MediaSendersTo returns the publisher subscriber currently follows,
// as a single-element slice, or an empty slice if subscriber has no
// publisher. It exists so PLI/FIR requests, which target a set of
// publishers, can be triggered uniformly from a subscriber-side event
// (setup_media, an incoming PLI/FIR) without a special case for "at
// most one."
func (sb *Switchboard) MediaSendersTo(subscriber *session.Session) []*session.Session {
	if publisher, ok := sb.GetPublisher(subscriber); ok {
		return []*session.Session{publisher}
	}
	return nil
}

// SubscribersTo returns every Session currently subscribed to
// publisher's media.
func (sb *Switchboard) SubscribersTo(publisher *session.Session) []*session.Session {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	subs := sb.publisherToSubscribers[publisher]
	out := make([]*session.Session, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	return out
}

// MediaRecipientsFor returns the Sessions that should receive a media
// packet produced by publisher under identity (room, publisherUser):
// every current subscriber, minus any whose user has blocked
// publisherUser or been blocked by publisherUser.
func (sb *Switchboard) MediaRecipientsFor(room ids.RoomID, publisherUser ids.UserID, publisher *session.Session) []*session.Session {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	subs := sb.publisherToSubscribers[publisher]
	out := make([]*session.Session, 0, len(subs))
	for s := range subs {
		if sb.blockedForSessionLocked(s, publisherUser) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// DataRecipientsFor returns every occupant of room, other than
// sender, whose Subscription has Data=true and whose user is not
// blocked by or blocking senderUser. Data-channel messages are mesh-forwarded rather than
// edge-routed, so this walks occupants instead of the subscriber
// index.
func (sb *Switchboard) DataRecipientsFor(room ids.RoomID, senderUser ids.UserID, sender *session.Session) []*session.Session {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	occ := sb.occupants[room]
	out := make([]*session.Session, 0, len(occ))
	for s := range occ {
		if s == sender {
			continue
		}
		sub := s.Subscription()
		if sub == nil || !sub.Data {
			continue
		}
		if sb.blockedForSessionLocked(s, senderUser) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// NotificationRecipientsFor returns every occupant of room, other than
// subject's own Session, whose Subscription has Notifications=true and
// whose user is not blocked by or blocking subjectUser. Used to fan out
// join events.
func (sb *Switchboard) NotificationRecipientsFor(room ids.RoomID, subjectUser ids.UserID, subject *session.Session) []*session.Session {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	occ := sb.occupants[room]
	out := make([]*session.Session, 0, len(occ))
	for s := range occ {
		if s == subject {
			continue
		}
		sub := s.Subscription()
		if sub == nil || !sub.Notifications {
			continue
		}
		if sb.blockedForSessionLocked(s, subjectUser) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// blockedForSessionLocked reports whether recipient and sourceUser are
// mutually blocked: either recipient has blocked sourceUser or
// sourceUser has blocked recipient. Blocking is asymmetric at the data
// layer (establishing a block only ever records one direction) but
// enforced symmetrically here, per the filtering rule. A recipient
// that has not joined (no JoinState yet) blocks nothing. Callers must
// hold sb.mu.
func (sb *Switchboard) blockedForSessionLocked(recipient *session.Session, sourceUser ids.UserID) bool {
	js := recipient.JoinState()
	if js == nil {
		return false
	}
	if _, ok := sb.blocked[js.UserID][sourceUser]; ok {
		return true
	}
	_, ok := sb.blocked[sourceUser][js.UserID]
	return ok
}
