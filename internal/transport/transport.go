// Package transport is the concrete gateway.Callbacks implementation:
// it terminates websocket signalling connections and WebRTC media
// connections, and is the only package in this module that imports
// pion/webrtc or gorilla/websocket. Everything it learns from the
// network is translated into core.Core calls; everything core.Core
// hands back is translated into a websocket frame or an RTP/RTCP
// write.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/authforward"
	"github.com/brokerwave/sfu/internal/core"
	"github.com/brokerwave/sfu/internal/session"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transport owns every live Connection and the shared WebRTC
// configuration they're built with.
type Transport struct {
	core      *core.Core
	webrtcCfg webrtc.Configuration
	log       *zap.Logger

	// authz validates the Token on a Join before it reaches core. Left
	// nil, Join tokens pass through unchecked, matching the core's own
	// stance of never interpreting Token itself.
	authz *authforward.Authorizer

	mu    sync.RWMutex
	conns map[*session.Session]*Connection
}

// New returns a Transport configured with the given ICE servers. It
// implements gateway.Callbacks on its own (core.New only needs the
// interface, not a live *core.Core), so it can be constructed before
// the Core that will drive it; callers must follow up with BindCore
// once that Core exists.
func New(iceServers []string, log *zap.Logger) *Transport {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return &Transport{
		webrtcCfg: webrtc.Configuration{ICEServers: servers},
		log:       log,
		conns:     make(map[*session.Session]*Connection),
	}
}

// BindCore completes construction by giving the Transport the Core it
// forwards websocket and WebRTC events into. Must be called once,
// before ServeWS handles its first connection.
func (t *Transport) BindCore(c *core.Core) {
	t.core = c
}

// SetAuthorizer installs an Authorizer to validate Join tokens before they reach
// core. Optional: a Transport with no Authorizer lets every Join
// through, matching the core's own refusal to interpret Token.
func (t *Transport) SetAuthorizer(a *authforward.Authorizer) {
	t.authz = a
}

// ServeWS upgrades r into a websocket connection, registers a Session
// for it with core.Core, and runs the connection's read/write pumps
// until the client disconnects.
func (t *Transport) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	pc, err := webrtc.NewPeerConnection(t.webrtcCfg)
	if err != nil {
		t.log.Error("create peer connection failed", zap.Error(err))
		_ = wsConn.Close()
		return
	}

	connID := uuid.New()
	conn := &Connection{
		transport: t,
		id:        connID,
		ws:        wsConn,
		pc:        pc,
		send:      make(chan wireFrame, 64),
		log:       t.log.With(zap.String("conn_id", connID.String())),
	}
	conn.session = t.core.CreateSession(conn)

	t.mu.Lock()
	t.conns[conn.session] = conn
	t.mu.Unlock()

	conn.wireOutgoingTrack()

	go conn.writePump()
	conn.readPump()

	t.mu.Lock()
	delete(t.conns, conn.session)
	t.mu.Unlock()
	t.core.DestroySession(conn)
	_ = pc.Close()
}

// PushEvent implements gateway.Callbacks.
func (t *Transport) PushEvent(handle any, txn string, body, jsep []byte) error {
	conn, ok := t.connectionFor(handle)
	if !ok {
		return errSessionGone
	}
	return conn.pushEvent(txn, body, jsep)
}

// RelayRTP implements gateway.Callbacks.
func (t *Transport) RelayRTP(handle any, video bool, packet []byte) error {
	conn, ok := t.connectionFor(handle)
	if !ok {
		return errSessionGone
	}
	return conn.writeRTP(video, packet)
}

// RelayRTCP implements gateway.Callbacks.
func (t *Transport) RelayRTCP(handle any, video bool, packet []byte) error {
	conn, ok := t.connectionFor(handle)
	if !ok {
		return errSessionGone
	}
	return conn.writeRTCP(packet)
}

// RelayData implements gateway.Callbacks.
func (t *Transport) RelayData(handle any, payload []byte) error {
	conn, ok := t.connectionFor(handle)
	if !ok {
		return errSessionGone
	}
	return conn.writeData(payload)
}

// HandleByID returns the gateway handle for the live connection whose
// log-correlation id matches id, for the debug query route.
func (t *Transport) HandleByID(id string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, conn := range t.conns {
		if conn.id.String() == id {
			return conn, true
		}
	}
	return nil, false
}

func (t *Transport) connectionFor(handle any) (*Connection, bool) {
	s, ok := handle.(*session.Session)
	if !ok {
		return nil, false
	}
	t.mu.RLock()
	conn, live := t.conns[s]
	t.mu.RUnlock()
	if !live {
		return nil, false
	}
	return conn, true
}
