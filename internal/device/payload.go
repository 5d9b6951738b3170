package device

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// Payload is a destination-keyed bundle of one or more encrypted per-device
// envelopes, ready to be delivered.
type Payload interface {
	// TargetKey identifies the destination endpoint. It is only used to
	// decide whether two payloads may share one outbound connection, it
	// MUST NOT be used to decide where a payload is sent.
	TargetKey() string

	// GroupWith merges the other payload into this one when both are of
	// the same kind and target the same endpoint. On success the receiver
	// holds the entries of both, in order, and is returned with ok=true.
	// Otherwise ok is false and neither payload is modified.
	GroupWith(other Payload) (Payload, bool)

	// Send delivers the payload over the given client. Failures are final
	// for this dispatch cycle: they are logged with a severity matching
	// the failure class and never retried.
	Send(ctx context.Context, client *http.Client, args *SendArgs)
}

// SendArgs bundles the collaborators a payload needs while sending.
type SendArgs struct {
	Logger  *slog.Logger
	Devices Store
	Manager push.NotificationManager

	// HostedProxyURL is the operator's own hosted proxy endpoint. Sends to
	// it attach SubscriptionKey when one is configured.
	HostedProxyURL  string
	SubscriptionKey string
}
