// Package core exposes the plugin ABI surface a WebRTC gateway drives
// a media plugin through: one call when a connection is created, one
// when it is destroyed, one for each inbound signalling message, and
// one each for the media/data hot path. It owns the Switchboard, the
// Session registry, and the signalling Worker, and talks to the
// outside world only through gateway.Callbacks.
package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/rtcp"
	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/fanout"
	"github.com/brokerwave/sfu/internal/gateway"
	"github.com/brokerwave/sfu/internal/relay"
	"github.com/brokerwave/sfu/internal/sdpneg"
	"github.com/brokerwave/sfu/internal/session"
	"github.com/brokerwave/sfu/internal/signalling"
	"github.com/brokerwave/sfu/internal/switchboard"
)

// ErrNilCallbacks is returned by New when no gateway callback table was
// supplied. Without one the core has no way to reach the outside world,
// so initialization fails outright.
var ErrNilCallbacks = errors.New("core: gateway callbacks must not be nil")

// Config holds the tunables core needs at construction time.
type Config struct {
	// MaxRoomSize caps how many Sessions may hold the room's "master"
	// (Data) subscription at once.
	MaxRoomSize int

	// Fanout bridges room notifications to other SFU instances over
	// Redis pub/sub. Nil disables cross-instance delivery entirely.
	Fanout *fanout.Bridge
}

// Core is the plugin's top-level state: one Switchboard, one Session
// registry, and the single signalling Worker serializing all
// control-plane mutation.
type Core struct {
	sb         *switchboard.Switchboard
	sessions   *session.Registry
	relay      *relay.Relay
	negotiator *sdpneg.Negotiator
	proc       *signalling.Processor
	worker     *signalling.Worker
	callbacks  gateway.Callbacks
	log        *zap.Logger
}

// New wires a Core from its collaborators. callbacks is the concrete
// gateway implementation; everything else in Core is constructed
// internally so callers never need to know the Switchboard/Relay/
// Negotiator types to stand up a Core.
func New(cfg Config, callbacks gateway.Callbacks, log *zap.Logger) (*Core, error) {
	if callbacks == nil {
		return nil, ErrNilCallbacks
	}
	sb := switchboard.New()
	rel := relay.New(sb, callbacks, log)
	neg := sdpneg.New()
	proc := signalling.New(sb, rel, neg, callbacks, cfg.Fanout, cfg.MaxRoomSize, log)
	return &Core{
		sb:         sb,
		sessions:   session.NewRegistry(),
		relay:      rel,
		negotiator: neg,
		proc:       proc,
		worker:     signalling.NewWorker(proc, log),
		callbacks:  callbacks,
		log:        log,
	}, nil
}

// Close stops the signalling worker. Messages already accepted finish
// processing; anything submitted afterward is rejected.
func (c *Core) Close() {
	c.worker.Stop()
}

// CreateSession associates a new Session with handle and registers it
// with the Switchboard. handle is whatever the transport layer uses to
// identify the connection.
func (c *Core) CreateSession(handle any) *session.Session {
	s := c.sessions.Associate(handle)
	c.sb.Connect(s)
	c.log.Info("session created")
	return s
}

// DestroySession tears a Session down: it removes the Session from the
// Switchboard and, if it was the last live handle for its user,
// notifies the rest of the room that the user left. The destroyed flag
// is set before the destruction mutex is released, so any message still
// queued for this Session becomes a no-op.
func (c *Core) DestroySession(handle any) {
	s, ok := c.sessions.FromHandle(handle)
	if !ok {
		return
	}

	s.DestroyOnce(func() {
		lastForUser := c.sb.RemoveSession(s)

		js := s.JoinState()
		if js == nil || !lastForUser {
			return
		}
		event, err := json.Marshal(map[string]any{
			"event":   "leave",
			"user_id": js.UserID,
			"room_id": js.RoomID,
		})
		if err != nil {
			c.log.Error("marshal leave notification failed", zap.Error(err))
			return
		}
		for _, occupant := range c.sb.OccupantsOf(js.RoomID) {
			sub := occupant.Subscription()
			if sub == nil || !sub.Notifications {
				continue
			}
			if err := c.callbacks.PushEvent(occupant, "", event, nil); err != nil && !errors.Is(err, gateway.ErrSessionGone) {
				c.log.Warn("notify leave failed", zap.Error(err))
			}
		}
	})
	c.sessions.Forget(handle)
	c.log.Info("session destroyed")
}

// QuerySession returns debug state for a Session. The original plugin
// returned an empty object here; this does the same, since nothing in
// the spec requires exposing internal state over this call.
func (c *Core) QuerySession(handle any) ([]byte, error) {
	return []byte(`{}`), nil
}

// SetupMedia is called once a Session's media path is ready to carry
// packets. Any publisher this Session subscribes to is asked for a
// fresh keyframe, since a subscriber joining mid-stream cannot decode
// until the next one arrives.
func (c *Core) SetupMedia(handle any) {
	s, ok := c.sessions.FromHandle(handle)
	if !ok {
		return
	}
	c.relay.RequestKeyframeFIR(c.sb.MediaSendersTo(s)...)
}

// IncomingRTP forwards a publisher's RTP packet to its subscribers.
func (c *Core) IncomingRTP(handle any, video bool, packet []byte) {
	s, ok := c.sessions.FromHandle(handle)
	if !ok {
		return
	}
	js := s.JoinState()
	if js == nil {
		return
	}
	c.relay.ForwardRTP(js.RoomID, js.UserID, s, video, packet)
}

// IncomingRTCP inspects an inbound RTCP packet. A PLI or FIR is
// intercepted and turned into a keyframe request toward the sender's
// own publisher(s) rather than forwarded verbatim; everything else is
// forwarded to the sender's subscribers, exactly as RTP is.
func (c *Core) IncomingRTCP(handle any, video bool, packet []byte) {
	s, ok := c.sessions.FromHandle(handle)
	if !ok {
		return
	}
	if video {
		packets, err := rtcp.Unmarshal(packet)
		if err == nil {
			for _, p := range packets {
				switch p.(type) {
				case *rtcp.PictureLossIndication:
					c.relay.RequestKeyframe(c.sb.MediaSendersTo(s)...)
					return
				case *rtcp.FullIntraRequest:
					c.relay.RequestKeyframeFIR(c.sb.MediaSendersTo(s)...)
					return
				}
			}
		}
	}
	js := s.JoinState()
	if js == nil {
		return
	}
	c.relay.ForwardRTCP(js.RoomID, js.UserID, s, video, packet)
}

// IncomingData forwards a data-channel message to every other
// occupant of the sender's room subscribed to the data mesh.
func (c *Core) IncomingData(handle any, payload []byte) {
	s, ok := c.sessions.FromHandle(handle)
	if !ok {
		return
	}
	js := s.JoinState()
	if js == nil {
		return
	}
	c.relay.ForwardData(js.RoomID, js.UserID, s, payload)
}

// SlowLink is a diagnostic hook; the original plugin only logged it,
// and nothing in this SFU's routing depends on congestion signals yet.
func (c *Core) SlowLink(handle any, uplink, video bool) {
	c.log.Debug("slow link", zap.Bool("uplink", uplink), zap.Bool("video", video))
}

// HangupMedia is a diagnostic hook mirroring the original plugin's
// no-op handler; media teardown is driven by DestroySession instead.
func (c *Core) HangupMedia(handle any) {
	c.log.Debug("media hung up")
}

// HandleMessage queues a signalling payload and its optional JSEP on
// the Worker and returns immediately; everything after the enqueue —
// decoding included — happens on the worker goroutine, and every
// outcome surfaces asynchronously through gateway.Callbacks.PushEvent.
// The only synchronous failures are a handle with no Session and a
// Core that has already been closed.
func (c *Core) HandleMessage(handle any, txn string, body, jsep []byte) error {
	s, ok := c.sessions.FromHandle(handle)
	if !ok {
		return fmt.Errorf("core: no session associated with handle")
	}
	if !c.worker.Submit(signalling.RawMessage{From: s, Txn: txn, Body: body, Jsep: jsep}) {
		return fmt.Errorf("core: signalling worker stopped")
	}
	return nil
}
