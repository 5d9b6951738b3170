// Package pipeline adapts the incoming event stream to the dispatcher: the
// collaboration server publishes notification and delete events, which are
// unmarshalled, validated and replayed against a dispatch session.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Event kinds the collaboration server publishes.
const (
	EventKindNotification = "notification"
	EventKindDelete       = "delete"
)

// PushEvent is the wire form of one queued push request.
type PushEvent struct {
	Kind           string `json:"kind"`
	NotificationID int64  `json:"notificationId"`
	User           string `json:"user"`
	App            string `json:"app"`
	ObjectType     string `json:"objectType"`
	ObjectID       string `json:"objectId"`
	Subject        string `json:"subject"`

	// UserURN is the parsed User field, set by the transformer.
	UserURN urn.URN `json:"-"`
}

// PushEventTransformer unmarshals and validates a raw message into a
// PushEvent. Malformed messages are skipped so the streaming service can
// run its Nack/DLQ handling.
func PushEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*PushEvent, bool, error) {
	var ev PushEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, true, fmt.Errorf("unmarshal push event from message %s: %w", msg.ID, err)
	}

	if ev.Kind != EventKindNotification && ev.Kind != EventKindDelete {
		return nil, true, fmt.Errorf("push event %s has unknown kind %q", msg.ID, ev.Kind)
	}

	user, err := urn.Parse(ev.User)
	if err != nil {
		return nil, true, fmt.Errorf("push event %s has invalid user %q: %w", msg.ID, ev.User, err)
	}
	// Parse tolerates empty strings and auto-upgrades bare legacy ids; the
	// queue contract is canonical URNs only, so anything that does not
	// round-trip is rejected here.
	if user.IsZero() || user.String() != ev.User {
		return nil, true, fmt.Errorf("push event %s has non-canonical user %q", msg.ID, ev.User)
	}
	ev.UserURN = user

	return &ev, false, nil
}
