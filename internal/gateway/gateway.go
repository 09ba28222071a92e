// Package gateway defines the narrow interface the core speaks to
// reach the outside world. Nothing under internal/core,
// internal/switchboard, internal/session, internal/signalling, or
// internal/relay imports a transport library directly; they all talk
// through Callbacks, and internal/transport is the only package that
// implements it.
package gateway

import "errors"

// ErrSessionGone is returned by any Callbacks method whose handle no
// longer names a live connection. Callers treat it as a best-effort
// delivery failure, not a fatal error: the sender may have hung up
// concurrently with the fan-out.
var ErrSessionGone = errors.New("gateway: session no longer connected")

// Callbacks mirrors the four operations a plugin ABI exposes back to
// its host: pushing an asynchronous event, and relaying RTP, RTCP, and
// data-channel packets. handle identifies the destination connection;
// its concrete type is whatever internal/transport uses internally
// (normally *session.Session).
type Callbacks interface {
	// PushEvent delivers an asynchronous signalling message (and
	// optionally a JSEP payload) to handle. txn is the transaction id
	// the triggering request carried, echoed back so the client can
	// correlate the response; txn is the empty string for messages
	// that were not triggered by a request (room notifications, the
	// leave broadcast on teardown).
	PushEvent(handle any, txn string, body []byte, jsep []byte) error

	// RelayRTP forwards a single RTP packet to handle. video
	// distinguishes the audio and video m-lines since a subscriber
	// receives both over one PeerConnection.
	RelayRTP(handle any, video bool, packet []byte) error

	// RelayRTCP forwards a single RTCP packet (or compound packet) to
	// handle.
	RelayRTCP(handle any, video bool, packet []byte) error

	// RelayData forwards a data-channel message to handle.
	RelayData(handle any, payload []byte) error
}
