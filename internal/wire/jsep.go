package wire

import (
	"encoding/json"
	"fmt"
)

// Jsep is the marker interface for the two JSEP variants carried
// alongside signalling messages.
type Jsep interface {
	jsepKind() string
}

// Offer carries an SDP offer.
type Offer struct {
	SDP string `json:"sdp"`
}

func (Offer) jsepKind() string { return "offer" }

// Answer carries an SDP answer.
type Answer struct {
	SDP string `json:"sdp"`
}

func (Answer) jsepKind() string { return "answer" }

// MarshalJsep encodes a Jsep with its "type" discriminator.
func MarshalJsep(j Jsep) ([]byte, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	var payload any
	switch v := j.(type) {
	case Offer:
		payload = struct {
			Type string `json:"type"`
			Offer
		}{"offer", v}
	case Answer:
		payload = struct {
			Type string `json:"type"`
			Answer
		}{"answer", v}
	default:
		return nil, fmt.Errorf("wire: unknown jsep type %T", j)
	}
	return json.Marshal(payload)
}

// ParseJsep decodes a Jsep from raw JSON, following the same
// none/some/error rules as ParseMessage.
func ParseJsep(data []byte) (Jsep, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed jsep: %w", err)
	}
	if probe.Type == "" {
		return nil, nil
	}
	switch probe.Type {
	case "offer":
		var j Offer
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("wire: malformed offer: %w", err)
		}
		return j, nil
	case "answer":
		var j Answer
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("wire: malformed answer: %w", err)
		}
		return j, nil
	default:
		return nil, fmt.Errorf("wire: unknown jsep type %q", probe.Type)
	}
}
