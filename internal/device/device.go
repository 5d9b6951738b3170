// Package device holds the registered push endpoint variants and the
// encrypted payloads they produce. A device knows how to turn one
// notification or delete event into a wire payload encrypted for itself;
// the dispatch layer decides when and where payloads are sent.
package device

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// App types a device can register as.
const (
	AppTypeTalk    = "talk"
	AppTypeClient  = "client"
	AppTypeUnknown = "unknown"
)

// DeleteAllID is the sentinel notification id meaning "delete every
// notification of the user".
const DeleteAllID int64 = 0

// Device is one registered push endpoint. Exactly one registration exists
// per (user, auth token) pair and store kind.
type Device interface {
	User() urn.URN
	AuthTokenID() int64
	Identifier() string
	AppType() string
	IsAppType(appType string) bool

	// PayloadForNotification builds the encrypted wire payload for one
	// notification event. Fails with *EncryptionError when the stored
	// public key is unusable; callers must drop the registration then.
	PayloadForNotification(ev NotificationEvent, signer *Signer) (Payload, error)

	// PayloadForDelete is the delete-event counterpart of
	// PayloadForNotification.
	PayloadForDelete(ev DeleteEvent, signer *Signer) (Payload, error)
}

// NotificationEvent wraps one prepared notification for payload generation.
type NotificationEvent struct {
	ID           int64
	Notification push.Notification
	IsTalk       bool
}

// DeleteEvent asks devices to remove one notification, or all of them when
// the id is DeleteAllID.
type DeleteEvent struct {
	User urn.URN
	ID   int64
	App  string
}

// IsDeleteAll reports whether the event removes every notification.
func (e DeleteEvent) IsDeleteAll() bool {
	return e.ID == DeleteAllID
}

// deviceData carries the fields shared by every device kind.
type deviceData struct {
	user          urn.URN
	authTokenID   int64
	identifier    string
	publicKey     string
	publicKeyHash string
	appType       string
}

func newDeviceData(user urn.URN, authTokenID int64, identifier, publicKey, publicKeyHash, appType string) deviceData {
	if publicKeyHash == "" {
		sum := sha512.Sum512([]byte(publicKey))
		publicKeyHash = hex.EncodeToString(sum[:])
	}
	return deviceData{
		user:          user,
		authTokenID:   authTokenID,
		identifier:    identifier,
		publicKey:     publicKey,
		publicKeyHash: publicKeyHash,
		appType:       appType,
	}
}

func (d *deviceData) User() urn.URN        { return d.user }
func (d *deviceData) AuthTokenID() int64   { return d.authTokenID }
func (d *deviceData) Identifier() string   { return d.identifier }
func (d *deviceData) PublicKey() string    { return d.publicKey }
func (d *deviceData) PublicKeyHash() string { return d.publicKeyHash }
func (d *deviceData) AppType() string      { return d.appType }

func (d *deviceData) IsAppType(appType string) bool {
	return d.appType == appType
}

func trimTrailingSlash(endpoint string) string {
	return strings.TrimRight(endpoint, "/")
}
