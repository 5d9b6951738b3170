// Package push contains the public contracts and domain models the push
// gateway consumes from the surrounding collaboration server: auth tokens,
// identity keys, notification preparation and user presence.
package push

import (
	"context"
	"errors"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// ErrTokenNotFound is returned by a TokenProvider when the auth token does
// not exist anymore (revoked or expired). Device registrations tied to such
// a token must be removed.
var ErrTokenNotFound = errors.New("push: auth token not found")

// Token is the subset of an auth token the gateway cares about.
type Token struct {
	ID        int64
	LastCheck time.Time
}

// TokenProvider is the authoritative source for auth tokens.
type TokenProvider interface {
	// TokenByID returns the token or ErrTokenNotFound.
	TokenByID(ctx context.Context, id int64) (Token, error)
}

// KeyPair holds a user's PEM-encoded RSA identity key pair.
type KeyPair struct {
	Public  string
	Private string
}

// KeyProvider issues and retrieves per-user identity key pairs.
type KeyProvider interface {
	KeyForUser(ctx context.Context, user urn.URN) (KeyPair, error)
}

// NotificationManager prepares notifications for display and enforces the
// fair-use policy of the shared push proxy.
type NotificationManager interface {
	// PrepareForDisplay resolves the localized subject and related display
	// fields of a notification. It may fail when the producing app no
	// longer knows the notification, in which case nothing is pushed.
	PrepareForDisplay(ctx context.Context, n Notification, language string) (Notification, error)

	// IsWithinFairUsePolicy reports whether this server may still use the
	// shared free push proxy. When false, sends are silently dropped.
	IsWithinFairUsePolicy(ctx context.Context) bool
}

// Localizer resolves the display language for a user.
type Localizer interface {
	UserLanguage(ctx context.Context, user urn.URN) string
}

// StatusDoNotDisturb is the presence value that suppresses push delivery.
const StatusDoNotDisturb = "dnd"

// Status is a user's presence status.
type Status struct {
	Value string
}

// IsDND reports whether the status suppresses push delivery.
func (s Status) IsDND() bool {
	return s.Value == StatusDoNotDisturb
}

// StatusProvider exposes user presence in bulk.
type StatusProvider interface {
	// StatusesForUsers returns the known statuses keyed by user URN string.
	// Users without a status are simply absent from the map.
	StatusesForUsers(ctx context.Context, users []urn.URN) (map[string]Status, error)
}
