package push

import (
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// talkApps are the real-time communication apps whose notifications are
// delivered with call semantics and preferably to talk-only devices.
var talkApps = map[string]bool{
	"talk":                    true,
	"admin_notification_talk": true,
}

// IsTalkApp reports whether the app is one of the real-time communication
// apps.
func IsTalkApp(app string) bool {
	return talkApps[app]
}

// Notification is one notification event as produced by the collaboration
// server, reduced to the fields the push pipeline needs.
type Notification struct {
	App        string
	User       urn.URN
	ObjectType string
	ObjectID   string
	// Subject is the localized display subject. It is only populated after
	// NotificationManager.PrepareForDisplay.
	Subject string
}

// IsTalkNotification reports whether this notification originates from a
// real-time communication app.
func (n Notification) IsTalkNotification() bool {
	return IsTalkApp(n.App)
}
