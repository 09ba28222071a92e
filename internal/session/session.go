// Package session holds the per-connection state a Session accumulates
// across its lifetime: the identity it claimed at join, the
// subscription it negotiated, the subscriber offer derived from its own
// publisher offer, and the sequence number stamped on FIR packets.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/brokerwave/sfu/internal/ids"
	"github.com/brokerwave/sfu/internal/subscription"
)

// JoinState is the identity a Session claims exactly once, at Join
// time. It is never mutated afterward.
type JoinState struct {
	RoomID ids.RoomID
	UserID ids.UserID
}

// Session is the gateway-facing handle's private state. Fields set at
// join (JoinState, Subscription) are stored behind atomic.Pointer so
// concurrent readers never observe a torn value. JoinState is guarded
// against a second write by a CAS that only the zero->non-nil
// transition can win; Subscription is a plain store, and its
// write-once rule is enforced by the signalling Processor.
type Session struct {
	joinState    atomic.Pointer[JoinState]
	subscription atomic.Pointer[subscription.Subscription]

	// subscriberSDP is the sendonly subscriber offer derived from this
	// Session's most recent publisher offer; it is handed to every
	// Session that subscribes to this one. It is rewritten on
	// renegotiation, so it is mutex guarded rather than write-once.
	sdpMu         sync.Mutex
	subscriberSDP string

	// firSeq is folded into outbound FIR packets' sequence number. It
	// only ever increments.
	firSeq atomic.Uint32

	// destroyMu serializes teardown against the signalling worker's
	// processing of a message for this Session, so a Session cannot be
	// partially torn down while a message for it is being applied.
	destroyMu sync.Mutex
	destroyed bool
}

// New returns a freshly connected Session with no identity yet.
func New() *Session {
	return &Session{}
}

// SetJoinState claims this Session's identity. It returns false if a
// JoinState was already set, matching the invariant that a Session may
// join exactly once.
func (s *Session) SetJoinState(js JoinState) bool {
	return s.joinState.CompareAndSwap(nil, &js)
}

// JoinState returns the claimed identity, or nil if the Session has not
// joined yet.
func (s *Session) JoinState() *JoinState {
	return s.joinState.Load()
}

// SetSubscription records this Session's subscription preferences. It
// overwrites any earlier value without checking; unlike JoinState, the
// once-only rule for subscriptions is not enforced here but by the
// signalling Processor, which rejects a second subscribe before calling
// this.
func (s *Session) SetSubscription(sub subscription.Subscription) {
	s.subscription.Store(&sub)
}

// Subscription returns the current subscription, or nil if none has
// been set.
func (s *Session) Subscription() *subscription.Subscription {
	return s.subscription.Load()
}

// SubscriberSDP returns the subscriber offer derived from this
// Session's most recent publisher offer, or "" if it has not published.
func (s *Session) SubscriberSDP() string {
	s.sdpMu.Lock()
	defer s.sdpMu.Unlock()
	return s.subscriberSDP
}

// SetSubscriberSDP records the subscriber offer derived from this
// Session's latest publisher offer.
func (s *Session) SetSubscriberSDP(sdp string) {
	s.sdpMu.Lock()
	defer s.sdpMu.Unlock()
	s.subscriberSDP = sdp
}

// NextFIRSeq returns the next sequence number to stamp on an outbound
// FIR packet for this Session.
func (s *Session) NextFIRSeq() uint8 {
	return uint8(s.firSeq.Add(1))
}

// WithDestructionLock runs fn while holding this Session's destruction
// lock, skipping it entirely if the Session is already destroyed. It
// returns whether fn ran.
func (s *Session) WithDestructionLock(fn func()) bool {
	s.destroyMu.Lock()
	defer s.destroyMu.Unlock()
	if s.destroyed {
		return false
	}
	fn()
	return true
}

// DestroyOnce runs fn under the destruction lock and marks the Session
// destroyed before releasing it, so any WithDestructionLock call racing
// with teardown either completes first or sees destroyed=true and
// no-ops. Returns false, without running fn, if the Session was already
// destroyed.
func (s *Session) DestroyOnce(fn func()) bool {
	s.destroyMu.Lock()
	defer s.destroyMu.Unlock()
	if s.destroyed {
		return false
	}
	fn()
	s.destroyed = true
	return true
}

// Destroyed reports whether DestroyOnce has run.
func (s *Session) Destroyed() bool {
	s.destroyMu.Lock()
	defer s.destroyMu.Unlock()
	return s.destroyed
}

// Registry maps gateway handles to Sessions. A handle is whatever
// opaque value the transport layer uses to identify a connection
// (e.g. a PeerConnection pointer or a websocket connection ID).
type Registry struct {
	mu       sync.RWMutex
	sessions map[any]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[any]*Session)}
}

// Associate creates and stores a new Session for handle, replacing any
// prior Session already associated with it.
func (r *Registry) Associate(handle any) *Session {
	s := New()
	r.mu.Lock()
	r.sessions[handle] = s
	r.mu.Unlock()
	return s
}

// FromHandle looks up the Session associated with handle.
func (r *Registry) FromHandle(handle any) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[handle]
	return s, ok
}

// Forget removes the Session associated with handle.
func (r *Registry) Forget(handle any) {
	r.mu.Lock()
	delete(r.sessions, handle)
	r.mu.Unlock()
}
