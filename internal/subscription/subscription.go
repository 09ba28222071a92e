// Package subscription describes what traffic a Session wants pushed
// to it: room-wide notifications, the data-channel mesh, and/or one
// publisher's audio+video.
package subscription

import (
	"bytes"
	"encoding/json"

	"github.com/brokerwave/sfu/internal/ids"
)

// Subscription is a per-Session preference record. It is write-once on
// the owning Session: set at Join time or via a later Subscribe
// message, but never twice.
type Subscription struct {
	// Notifications indicates this Session should receive room-wide
	// join/leave/block events.
	Notifications bool `json:"notifications"`

	// Data indicates this Session wants to be part of the room's
	// data-channel mesh. A Session whose Subscription has Data=true is
	// the "master" handle for its user in that room.
	Data bool `json:"data"`

	// Media, when set, names the publisher whose audio+video this
	// Session subscribes to.
	Media *ids.UserID `json:"media,omitempty"`
}

// UnmarshalJSON rejects unknown fields in the nested subscription
// record, per the wire schema's strictness requirement, while leaving
// the enclosing message lenient.
func (s *Subscription) UnmarshalJSON(data []byte) error {
	type alias Subscription
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var a alias
	if err := dec.Decode(&a); err != nil {
		return err
	}
	*s = Subscription(a)
	return nil
}
