// Package relay is the hot-path forwarding layer: given a packet that
// already arrived at the core from one Session, it asks the
// Switchboard who should receive it and pushes it out through
// gateway.Callbacks. It also knows how to ask a publisher for a fresh
// keyframe via PLI/FIR when a late-joining subscriber needs one.
package relay

import (
	"go.uber.org/zap"

	"github.com/pion/rtcp"

	"github.com/brokerwave/sfu/internal/gateway"
	"github.com/brokerwave/sfu/internal/ids"
	"github.com/brokerwave/sfu/internal/session"
	"github.com/brokerwave/sfu/internal/switchboard"
)

// Relay forwards media, RTCP, and data packets using a Switchboard's
// routing tables and a Callbacks implementation for delivery.
type Relay struct {
	sb        *switchboard.Switchboard
	callbacks gateway.Callbacks
	log       *zap.Logger
}

// New returns a Relay backed by sb and callbacks.
func New(sb *switchboard.Switchboard, callbacks gateway.Callbacks, log *zap.Logger) *Relay {
	return &Relay{sb: sb, callbacks: callbacks, log: log}
}

// ForwardRTP delivers an RTP packet produced by publisher (identified
// as (room, publisherUser)) to every subscriber entitled to see it.
// Delivery errors are logged and skipped; one dead subscriber must
// never stall delivery to the rest.
func (r *Relay) ForwardRTP(room ids.RoomID, publisherUser ids.UserID, publisher *session.Session, video bool, packet []byte) {
	for _, sub := range r.sb.MediaRecipientsFor(room, publisherUser, publisher) {
		if err := r.callbacks.RelayRTP(sub, video, packet); err != nil {
			r.log.Debug("relay rtp failed", zap.Error(err), zap.String("room", string(room)), zap.String("publisher", string(publisherUser)))
		}
	}
}

// ForwardRTCP delivers a non-keyframe-request RTCP packet produced by
// publisher (identified as (room, publisherUser)) to every subscriber
// entitled to see it, exactly as ForwardRTP does. PLI and FIR packets
// never reach this path: the core intercepts those and turns them into
// RequestKeyframe/RequestKeyframeFIR calls before forwarding happens.
func (r *Relay) ForwardRTCP(room ids.RoomID, publisherUser ids.UserID, publisher *session.Session, video bool, packet []byte) {
	for _, sub := range r.sb.MediaRecipientsFor(room, publisherUser, publisher) {
		if err := r.callbacks.RelayRTCP(sub, video, packet); err != nil {
			r.log.Debug("relay rtcp failed", zap.Error(err), zap.String("room", string(room)), zap.String("publisher", string(publisherUser)))
		}
	}
}

// ForwardData delivers a data-channel message from sender to every
// other occupant of room subscribed to the data mesh.
func (r *Relay) ForwardData(room ids.RoomID, senderUser ids.UserID, sender *session.Session, payload []byte) {
	for _, recipient := range r.sb.DataRecipientsFor(room, senderUser, sender) {
		if err := r.callbacks.RelayData(recipient, payload); err != nil {
			r.log.Debug("relay data failed", zap.Error(err))
		}
	}
}

// RequestKeyframe asks every given publisher, via PLI, to produce a
// fresh keyframe. The core calls it when a subscriber sends a PLI of
// its own, so the request reaches the publisher it follows.
func (r *Relay) RequestKeyframe(publishers ...*session.Session) {
	pli, err := (&rtcp.PictureLossIndication{}).Marshal()
	if err != nil {
		r.log.Error("marshal pli failed", zap.Error(err))
		return
	}
	for _, pub := range publishers {
		if err := r.callbacks.RelayRTCP(pub, true, pli); err != nil {
			r.log.Debug("send pli failed", zap.Error(err))
		}
	}
}

// RequestKeyframeFIR is the heavier-handed fallback for publishers
// that do not honor PLI: it sends a Full Intra Request stamped with the
// publisher's next sequence number, which goes up by one per request
// and, being 8 bits wide, wraps to 0 after 255, as RFC 5104 describes.
func (r *Relay) RequestKeyframeFIR(publishers ...*session.Session) {
	for _, pub := range publishers {
		fir := &rtcp.FullIntraRequest{
			FIR: []rtcp.FIREntry{{SequenceNumber: pub.NextFIRSeq()}},
		}
		packet, err := fir.Marshal()
		if err != nil {
			r.log.Error("marshal fir failed", zap.Error(err))
			continue
		}
		if err := r.callbacks.RelayRTCP(pub, true, packet); err != nil {
			r.log.Debug("send fir failed", zap.Error(err))
		}
	}
}
