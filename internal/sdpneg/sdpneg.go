// Package sdpneg implements the SFU's SDP negotiation policy: given a
// publisher's offer, produce a recvonly answer pinned to the
// negotiated audio/video codecs, and derive the sendonly offer handed
// to every subscriber of that publisher. It works purely at the SDP
// text level via pion/sdp/v3; it never touches a live PeerConnection.
package sdpneg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/brokerwave/sfu/internal/ids"
)

// AudioCodec and VideoCodec are the only codecs this SFU will
// negotiate. Opus and H.264 were chosen, as in the original plugin,
// for broad client compatibility rather than for their technical
// merits.
const (
	AudioCodec = "opus"
	VideoCodec = "H264"
)

// Negotiator pins every publisher connection to AudioCodec/VideoCodec
// and derives the subscriber-facing offer from the resulting answer.
type Negotiator struct{}

// New returns a Negotiator. It is stateless; a single value can be
// shared across every room.
func New() *Negotiator {
	return &Negotiator{}
}

// AnswerPublisherOffer parses a publisher's SDP offer and returns the
// recvonly answer restricted to AudioCodec/VideoCodec, plus the
// payload types it negotiated so BuildSubscriberOffer can reuse them.
func (n *Negotiator) AnswerPublisherOffer(offerSDP string) (answerSDP string, audioPT, videoPT uint8, err error) {
	offer := &sdp.SessionDescription{}
	if err := offer.Unmarshal([]byte(offerSDP)); err != nil {
		return "", 0, 0, fmt.Errorf("sdpneg: parse offer: %w", err)
	}

	answer := &sdp.SessionDescription{
		Version:     0,
		Origin:      offer.Origin,
		SessionName: "sfu",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
	answer.Origin.SessionVersion++

	for _, media := range offer.MediaDescriptions {
		switch media.MediaName.Media {
		case "audio":
			pt, rewritten, err := pinCodec(media, AudioCodec, sdp.AttrKeyRecvOnly)
			if err != nil {
				return "", 0, 0, fmt.Errorf("sdpneg: audio: %w", err)
			}
			audioPT = pt
			answer.MediaDescriptions = append(answer.MediaDescriptions, rewritten)
		case "video":
			pt, rewritten, err := pinCodec(media, VideoCodec, sdp.AttrKeyRecvOnly)
			if err != nil {
				return "", 0, 0, fmt.Errorf("sdpneg: video: %w", err)
			}
			videoPT = pt
			answer.MediaDescriptions = append(answer.MediaDescriptions, rewritten)
		default:
			// Pass through anything we don't actively negotiate (e.g. an
			// application m-line) unchanged.
			answer.MediaDescriptions = append(answer.MediaDescriptions, media)
		}
	}

	raw, err := answer.Marshal()
	if err != nil {
		return "", 0, 0, fmt.Errorf("sdpneg: marshal answer: %w", err)
	}
	return string(raw), audioPT, videoPT, nil
}

// BuildSubscriberOffer constructs the sendonly offer pushed to every
// Session that subscribes to a publisher, fixed to the payload types
// AnswerPublisherOffer negotiated for that publisher. We regenerate
// this offer whenever the publisher renegotiates rather than mutate
// one in place, trading a little subscriber renegotiation churn for a
// much simpler implementation.
func (n *Negotiator) BuildSubscriberOffer(publisher ids.UserID, audioPT, videoPT uint8) (string, error) {
	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: sdp.SessionName("sfu-subscriber-" + string(publisher)),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			sendonlyMedia("audio", AudioCodec, 48000, audioPT),
			sendonlyMedia("video", VideoCodec, 90000, videoPT),
			dataChannelMedia(),
		},
	}

	raw, err := offer.Marshal()
	if err != nil {
		return "", fmt.Errorf("sdpneg: marshal subscriber offer: %w", err)
	}
	return string(raw), nil
}

// pinCodec rewrites media to advertise a single payload type matching
// codecName (matched case-insensitively against its rtpmap attribute)
// and sets its direction attribute, replacing any direction the offer
// carried. It returns the payload type chosen, defaulting to 100 if
// codecName was not present in the offer, matching the original
// plugin's fallback.
func pinCodec(media *sdp.MediaDescription, codecName, direction string) (uint8, *sdp.MediaDescription, error) {
	pt, ok := findPayloadType(media, codecName)
	if !ok {
		pt = 100
	}

	rewritten := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   media.MediaName.Media,
			Port:    media.MediaName.Port,
			Protos:  media.MediaName.Protos,
			Formats: []string{strconv.Itoa(int(pt))},
		},
		ConnectionInformation: media.ConnectionInformation,
	}
	for _, attr := range media.Attributes {
		switch attr.Key {
		case sdp.AttrKeySendOnly, sdp.AttrKeyRecvOnly, sdp.AttrKeySendRecv, sdp.AttrKeyInactive:
			continue // direction is set explicitly below
		case "rtpmap", "fmtp", "rtcp-fb":
			if !strings.HasPrefix(attr.Value, strconv.Itoa(int(pt))+" ") {
				continue // drop attributes for payload types we didn't keep
			}
		}
		rewritten.Attributes = append(rewritten.Attributes, attr)
	}
	rewritten.Attributes = append(rewritten.Attributes, sdp.NewPropertyAttribute(direction))

	return pt, rewritten, nil
}

// findPayloadType looks up media's rtpmap attributes for one naming
// codecName, case-insensitively.
func findPayloadType(media *sdp.MediaDescription, codecName string) (uint8, bool) {
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(attr.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(fields[1]), strings.ToLower(codecName)+"/") {
			continue
		}
		pt, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			continue
		}
		return uint8(pt), true
	}
	return 0, false
}

func sendonlyMedia(kind, codecName string, clockRate uint32, pt uint8) *sdp.MediaDescription {
	ptStr := strconv.Itoa(int(pt))
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{ptStr},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", pt, codecName, clockRate)),
			sdp.NewPropertyAttribute(sdp.AttrKeySendOnly),
		},
	}
}

func dataChannelMedia() *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "application",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "DTLS", "SCTP"},
			Formats: []string{"webrtc-datachannel"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
}
