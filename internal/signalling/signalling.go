// Package signalling implements the state machine driving join,
// subscribe, block, unblock, and SDP offer/answer processing. It is
// the only package that mutates a Switchboard in response to a
// message; internal/core merely routes ABI calls into it.
package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/fanout"
	"github.com/brokerwave/sfu/internal/gateway"
	"github.com/brokerwave/sfu/internal/ids"
	"github.com/brokerwave/sfu/internal/relay"
	"github.com/brokerwave/sfu/internal/sdpneg"
	"github.com/brokerwave/sfu/internal/session"
	"github.com/brokerwave/sfu/internal/switchboard"
	"github.com/brokerwave/sfu/internal/wire"
)

// RoomSnapshot is the body of a successful join response: the
// occupant list for the room the Session just joined, keyed by room
// so a client can tell which room it describes without threading a
// separate parameter.
type RoomSnapshot struct {
	Users map[ids.RoomID][]ids.UserID `json:"users"`
}

// Event is a room-wide notification pushed to interested occupants.
type Event struct {
	Event  string     `json:"event"`
	UserID ids.UserID `json:"user_id,omitempty"`
	RoomID ids.RoomID `json:"room_id,omitempty"`
	By     ids.UserID `json:"by,omitempty"`
}

// Processor holds everything the message handlers need: routing
// state, the relay for keyframe requests, the SDP negotiator for
// subscriber offers, and the gateway back to the outside world for
// out-of-band notifications. A Processor has no per-connection state
// of its own; all of that lives on the session.Session passed in.
type Processor struct {
	sb          *switchboard.Switchboard
	relay       *relay.Relay
	negotiator  *sdpneg.Negotiator
	callbacks   gateway.Callbacks
	fanout      *fanout.Bridge
	maxRoomSize int
	log         *zap.Logger

	roomsMu  sync.Mutex
	subrooms map[ids.RoomID]struct{}
}

// New returns a Processor wired to the given collaborators.
// maxRoomSize gates how many Sessions may hold the "master" (Data)
// subscription in a room at once, mirroring the original plugin's
// config.max_room_size. bridge may be nil, disabling cross-instance
// fan-out entirely.
func New(sb *switchboard.Switchboard, rel *relay.Relay, neg *sdpneg.Negotiator, callbacks gateway.Callbacks, bridge *fanout.Bridge, maxRoomSize int, log *zap.Logger) *Processor {
	return &Processor{
		sb: sb, relay: rel, negotiator: neg, callbacks: callbacks, fanout: bridge,
		maxRoomSize: maxRoomSize, log: log, subrooms: make(map[ids.RoomID]struct{}),
	}
}

// ensureRoomSubscription subscribes this instance to room's fan-out
// channel the first time a local Session joins it, so notifications
// other instances publish for room reach this instance's occupants
// too. A best-effort, fire-once operation: subscribe failures are
// logged, not retried, since a degraded single-instance view is still
// a safe fallback.
func (p *Processor) ensureRoomSubscription(room ids.RoomID) {
	if p.fanout == nil {
		return
	}
	p.roomsMu.Lock()
	_, already := p.subrooms[room]
	if !already {
		p.subrooms[room] = struct{}{}
	}
	p.roomsMu.Unlock()
	if already {
		return
	}
	err := p.fanout.Subscribe(context.Background(), room, func(event string, body json.RawMessage) {
		for _, occupant := range p.sb.OccupantsOf(room) {
			if sub := occupant.Subscription(); sub == nil || !sub.Notifications {
				continue
			}
			p.push(occupant, "", body, nil)
		}
	})
	if err != nil {
		p.log.Warn("fanout subscribe failed", zap.String("room", string(room)), zap.Error(err))
	}
}

// Result is what a message handler hands back to the Worker: an
// optional response body and an optional JSEP to attach to it.
type Result struct {
	Body any
	Jsep wire.Jsep
}

// push delivers a payload through the gateway, swallowing the
// recipient-already-gone error: a Session hanging up concurrently with
// a fan-out is not worth a log line. Other delivery failures are
// logged and the fan-out continues.
func (p *Processor) push(to *session.Session, txn string, body, jsep []byte) {
	if err := p.callbacks.PushEvent(to, txn, body, jsep); err != nil && !errors.Is(err, gateway.ErrSessionGone) {
		p.log.Warn("push event failed", zap.Error(err))
	}
}

// notifyExcept pushes event to every Session in recipients except the
// subject itself. Delivery failures never fail the operation that
// triggered the notification.
func (p *Processor) notifyExcept(event Event, subject *session.Session, recipients []*session.Session) {
	body, err := marshalEvent(event)
	if err != nil {
		p.log.Error("marshal notification failed", zap.Error(err))
		return
	}
	for _, r := range recipients {
		if r == subject {
			continue
		}
		p.push(r, "", body, nil)
	}
	if p.fanout != nil && event.RoomID != "" {
		p.fanout.Publish(event.RoomID, event.Event, body)
	}
}

// notifyUser pushes event to every Session whom holds in room that
// has notifications enabled, not only whom's master handle.
func (p *Processor) notifyUser(event Event, whom ids.UserID, room ids.RoomID) {
	body, err := marshalEvent(event)
	if err != nil {
		p.log.Error("marshal notification failed", zap.Error(err))
		return
	}
	for _, r := range p.sb.SessionsForUser(room, whom) {
		sub := r.Subscription()
		if sub == nil || !sub.Notifications {
			continue
		}
		p.push(r, "", body, nil)
	}
}

// ProcessJoin handles a Join message: it is the only message that may
// establish identity for a Session, so it also folds in an optional
// Subscribe. Join may only happen once per Session; a Subscribe nested
// inside a second Join is also rejected, matching the "handles may
// only subscribe once" rule.
func (p *Processor) ProcessJoin(from *session.Session, msg wire.Join) (Result, error) {
	if from.JoinState() != nil {
		return Result{}, &PreconditionError{Err: fmt.Errorf("handles may only join once")}
	}
	if from.Subscription() != nil && msg.Subscribe != nil {
		return Result{}, &PreconditionError{Err: fmt.Errorf("handles may only subscribe once")}
	}

	isMasterHandle := msg.Subscribe != nil && msg.Subscribe.Data
	if isMasterHandle && len(p.sb.OccupantsOf(msg.RoomID)) >= p.maxRoomSize {
		return Result{}, &PreconditionError{Err: fmt.Errorf("room is full")}
	}

	if !from.SetJoinState(session.JoinState{RoomID: msg.RoomID, UserID: msg.UserID}) {
		return Result{}, &PreconditionError{Err: fmt.Errorf("handles may only join once")}
	}
	p.sb.RegisterUser(msg.RoomID, msg.UserID, from)
	p.ensureRoomSubscription(msg.RoomID)

	if msg.Subscribe != nil {
		from.SetSubscription(*msg.Subscribe)
		if isMasterHandle {
			p.sb.JoinOccupants(msg.RoomID, from)
			p.notifyExcept(Event{Event: "join", UserID: msg.UserID, RoomID: msg.RoomID}, from, p.sb.NotificationRecipientsFor(msg.RoomID, msg.UserID, from))
		}
	}

	// Snapshot taken after occupant registration so a master handle sees
	// itself in the list it gets back.
	body := RoomSnapshot{Users: map[ids.RoomID][]ids.UserID{
		msg.RoomID: occupantUserIDs(p.sb, msg.RoomID),
	}}

	if msg.Subscribe == nil || msg.Subscribe.Media == nil {
		return Result{Body: body}, nil
	}
	return p.subscribeToPublisher(from, *msg.Subscribe.Media, body)
}

// ProcessSubscribe handles a post-join Subscribe message. It is Join's
// Subscribe handling without the join portion: like Join's embedded
// subscribe it may only happen once per Session, and a master handle
// (Data == true) still goes through the room-capacity check, occupant
// registration, and join broadcast that Join's master branch performs.
func (p *Processor) ProcessSubscribe(from *session.Session, msg wire.Subscribe) (Result, error) {
	if from.Subscription() != nil {
		return Result{}, &PreconditionError{Err: fmt.Errorf("handles may only subscribe once")}
	}
	js := from.JoinState()
	if js == nil {
		return Result{}, &PreconditionError{Err: fmt.Errorf("cannot subscribe before joining a room")}
	}

	isMasterHandle := msg.What.Data
	if isMasterHandle && len(p.sb.OccupantsOf(js.RoomID)) >= p.maxRoomSize {
		return Result{}, &PreconditionError{Err: fmt.Errorf("room is full")}
	}

	from.SetSubscription(msg.What)

	if isMasterHandle {
		p.sb.JoinOccupants(js.RoomID, from)
		p.notifyExcept(Event{Event: "join", UserID: js.UserID, RoomID: js.RoomID}, from, p.sb.NotificationRecipientsFor(js.RoomID, js.UserID, from))
	}

	if msg.What.Media == nil {
		return Result{}, nil
	}
	res, err := p.subscribeToPublisher(from, *msg.What.Media, nil)
	return res, err
}

// subscribeToPublisher looks up publisherID's Session, links from to
// it in the Switchboard, and returns its stored subscriber offer as a
// JSEP alongside body.
func (p *Processor) subscribeToPublisher(from *session.Session, publisherID ids.UserID, body any) (Result, error) {
	js := from.JoinState()
	if js == nil {
		return Result{}, &PreconditionError{Err: fmt.Errorf("cannot subscribe to media before joining a room")}
	}
	publisher, ok := p.sb.PublisherForUser(js.RoomID, publisherID)
	if !ok {
		return Result{}, &PreconditionError{Err: fmt.Errorf("can't subscribe to a nonexistent publisher")}
	}
	offerSDP := publisher.SubscriberSDP()
	if offerSDP == "" {
		return Result{}, &PreconditionError{Err: fmt.Errorf("publisher has no offer to subscribe to yet")}
	}
	p.sb.SubscribeToUser(from, publisher)
	return Result{Body: body, Jsep: wire.Offer{SDP: offerSDP}}, nil
}

// ProcessBlock handles a Block message: whom's traffic stops reaching
// from, and whom is told who blocked them.
func (p *Processor) ProcessBlock(from *session.Session, msg wire.Block) (Result, error) {
	js := from.JoinState()
	if js == nil {
		return Result{}, &PreconditionError{Err: fmt.Errorf("cannot block when not in a room")}
	}
	p.sb.EstablishBlock(js.UserID, msg.Whom)
	p.notifyUser(Event{Event: "blocked", By: js.UserID, RoomID: js.RoomID}, msg.Whom, js.RoomID)
	return Result{}, nil
}

// ProcessUnblock handles an Unblock message: it lifts a prior block
// and, since the unblocked publisher may have been producing stale
// frames for nobody, requests a fresh keyframe before traffic resumes.
func (p *Processor) ProcessUnblock(from *session.Session, msg wire.Unblock) (Result, error) {
	js := from.JoinState()
	if js == nil {
		return Result{}, &PreconditionError{Err: fmt.Errorf("cannot unblock when not in a room")}
	}
	p.sb.LiftBlock(js.UserID, msg.Whom)
	if publisher, ok := p.sb.PublisherForUser(js.RoomID, msg.Whom); ok {
		p.relay.RequestKeyframeFIR(publisher)
	}
	p.notifyUser(Event{Event: "unblocked", By: js.UserID, RoomID: js.RoomID}, msg.Whom, js.RoomID)
	return Result{}, nil
}

// ProcessOffer handles a publisher's SDP offer: it negotiates a
// recvonly answer pinned to the SFU's codecs, derives the sendonly
// subscriber offer, stores it on from for future subscribers, and
// pushes it to every Session already subscribed to from.
func (p *Processor) ProcessOffer(from *session.Session, offer wire.Offer) (wire.Jsep, error) {
	answerSDP, audioPT, videoPT, err := p.negotiator.AnswerPublisherOffer(offer.SDP)
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}

	js := from.JoinState()
	publisherID := ids.UserID("")
	if js != nil {
		publisherID = js.UserID
	}
	subscriberOffer, err := p.negotiator.BuildSubscriberOffer(publisherID, audioPT, videoPT)
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}

	jsepBody, err := wire.MarshalJsep(wire.Offer{SDP: subscriberOffer})
	if err != nil {
		return nil, fmt.Errorf("signalling: marshal subscriber offer: %w", err)
	}
	for _, sub := range p.sb.SubscribersTo(from) {
		p.push(sub, "", []byte(`{}`), jsepBody)
	}

	from.SetSubscriberSDP(subscriberOffer)
	return wire.Answer{SDP: answerSDP}, nil
}

// ProcessAnswer handles a subscriber's SDP answer. The original plugin
// never validated these; this preserves that behavior.
func (p *Processor) ProcessAnswer(from *session.Session, answer wire.Answer) (wire.Jsep, error) {
	return nil, nil
}

func occupantUserIDs(sb *switchboard.Switchboard, room ids.RoomID) []ids.UserID {
	occupants := sb.OccupantsOf(room)
	out := make([]ids.UserID, 0, len(occupants))
	for _, s := range occupants {
		if js := s.JoinState(); js != nil {
			out = append(out, js.UserID)
		}
	}
	return out
}

func marshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
