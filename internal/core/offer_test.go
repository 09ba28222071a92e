package core_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerwave/sfu/internal/wire"
)

const samplePublisherOffer = "v=0\r\n" +
	"o=- 46117317 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendrecv\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=sendrecv\r\n"

func TestHandleMessage_OfferNegotiatesRecvonlyAnswer(t *testing.T) {
	c, gw := newTestCore(t, 10)
	handle := "conn-1"
	c.CreateSession(handle)

	joinBody, err := wire.MarshalMessage(wire.Join{RoomID: "alpha", UserID: "publisher"})
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(handle, "txn-join", joinBody, nil))
	gw.waitForEvents(t, 1, time.Second)

	jsepBody, err := wire.MarshalJsep(wire.Offer{SDP: samplePublisherOffer})
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(handle, "txn-offer", []byte(`{}`), jsepBody))

	events := gw.waitForEvents(t, 2, time.Second)
	require.NotNil(t, events[1].jsep)

	parsed, err := wire.ParseJsep(events[1].jsep)
	require.NoError(t, err)
	answer, ok := parsed.(wire.Answer)
	require.True(t, ok)
	assert.True(t, strings.Contains(answer.SDP, "recvonly"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(events[1].body, &resp))
	assert.Equal(t, true, resp["success"])
}
