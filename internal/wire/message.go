// Package wire implements the two tagged-union wire schemas the
// signalling channel accepts: Message (join/subscribe/block/unblock)
// and JSEP (offer/answer). Both distinguish variants by a lowercase
// discriminator field, and both treat an empty object or a missing
// discriminator as "none" rather than an error.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/brokerwave/sfu/internal/ids"
	"github.com/brokerwave/sfu/internal/subscription"
)

// Message is the marker interface implemented by every non-JSEP
// signalling message variant.
type Message interface {
	messageKind() string
}

// Join claims an identity in a room. Subscribe is optional, saving a
// round trip for the common case of joining and subscribing at once.
type Join struct {
	RoomID    ids.RoomID                 `json:"room_id"`
	UserID    ids.UserID                 `json:"user_id"`
	Subscribe *subscription.Subscription `json:"subscribe,omitempty"`
	// Token is carried but never interpreted by the core; the gateway
	// glue may forward it to an external authorizer.
	Token string `json:"token,omitempty"`
}

func (Join) messageKind() string { return "join" }

// Subscribe sets subscription preferences after join.
type Subscribe struct {
	What subscription.Subscription `json:"what"`
}

func (Subscribe) messageKind() string { return "subscribe" }

// Block asymmetrically blocks another user's traffic.
type Block struct {
	Whom ids.UserID `json:"whom"`
}

func (Block) messageKind() string { return "block" }

// Unblock lifts a block established earlier.
type Unblock struct {
	Whom ids.UserID `json:"whom"`
}

func (Unblock) messageKind() string { return "unblock" }

// MarshalMessage encodes a Message with its "kind" discriminator.
func MarshalMessage(m Message) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	var payload any
	switch v := m.(type) {
	case Join:
		payload = struct {
			Kind string `json:"kind"`
			Join
		}{"join", v}
	case Subscribe:
		payload = struct {
			Kind string `json:"kind"`
			Subscribe
		}{"subscribe", v}
	case Block:
		payload = struct {
			Kind string `json:"kind"`
			Block
		}{"block", v}
	case Unblock:
		payload = struct {
			Kind string `json:"kind"`
			Unblock
		}{"unblock", v}
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}
	return json.Marshal(payload)
}

// ParseMessage decodes a Message from raw JSON. A nil Message with a
// nil error means the "none" variant: the empty object, or any object
// lacking the "kind" discriminator. An unrecognized "kind" is an
// error. Unknown fields on nested Subscription records are rejected by
// subscription.Subscription's own UnmarshalJSON; unknown top-level
// fields are ignored, matching the rest of the wire schema's
// leniency.
func ParseMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed message: %w", err)
	}
	if probe.Kind == "" {
		return nil, nil
	}
	switch probe.Kind {
	case "join":
		var m Join
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed join: %w", err)
		}
		return m, nil
	case "subscribe":
		var m Subscribe
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed subscribe: %w", err)
		}
		return m, nil
	case "block":
		var m Block
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed block: %w", err)
		}
		return m, nil
	case "unblock":
		var m Unblock
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("wire: malformed unblock: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("wire: unknown message kind %q", probe.Kind)
	}
}
