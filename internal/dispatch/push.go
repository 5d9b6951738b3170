// Package dispatch contains the orchestrator that turns notification and
// delete events into encrypted, grouped and delivered push payloads.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/internal/device"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// tokenMaxAge excludes devices whose auth token has not been seen for this
// long. Stale devices are skipped, not deleted.
const tokenMaxAge = 60 * 24 * time.Hour

// dndBypassApps may push even while the user is set to do-not-disturb.
var dndBypassApps = map[string]bool{
	"twofactor_notification": true,
}

// TokenGate answers whether an auth token is still usable for push.
type TokenGate interface {
	IsTokenLive(ctx context.Context, tokenID int64, maxAge time.Time) bool
}

// ClientFactory produces the HTTP clients used for delivery. A fresh client
// is requested whenever the destination changes, so connections are never
// shared across distinct endpoints.
type ClientFactory interface {
	NewClient() *http.Client
}

// HTTPClientFactory builds plain clients with a per-request timeout.
type HTTPClientFactory struct {
	Timeout time.Duration
}

func (f HTTPClientFactory) NewClient() *http.Client {
	return &http.Client{Timeout: f.Timeout}
}

// Deps are the external collaborators of the dispatcher.
type Deps struct {
	Devices   device.Store
	Tokens    TokenGate
	Keys      push.KeyProvider
	Manager   push.NotificationManager
	Statuses  push.StatusProvider
	Localizer push.Localizer
	Clients   ClientFactory
	Logger    *slog.Logger
}

// Options hold the policy knobs of the dispatcher.
type Options struct {
	// HasInternetConnection mirrors the host's outbound connectivity
	// policy flag. When false every push is silently skipped.
	HasInternetConnection bool

	// HostedProxyURL and SubscriptionKey identify the operator's own
	// hosted proxy; see device.SendArgs.
	HostedProxyURL  string
	SubscriptionKey string
}

type mode int

const (
	// modeImmediate prepares and sends on every call.
	modeImmediate mode = iota
	// modeCollecting queues events for bulk resolution.
	modeCollecting
	// modeSendPending prepares immediately but defers the send phase.
	modeSendPending
)

func (m mode) String() string {
	switch m {
	case modeImmediate:
		return "immediate"
	case modeCollecting:
		return "collecting"
	case modeSendPending:
		return "send-pending"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type queuedNotification struct {
	id int64
	n  push.Notification
}

type queuedDelete struct {
	user urn.URN
	id   int64
	app  string
}

// Push drives one dispatch session. It is request- or job-scoped: the
// queues and per-batch caches are not safe for concurrent use, each logical
// dispatch session needs its own instance.
type Push struct {
	deps Deps
	opts Options

	mode                mode
	payloadsToSend      []device.Payload
	queuedNotifications []queuedNotification
	queuedDeletes       []queuedDelete

	// Per-batch caches, keyed by user URN string.
	userDevices  map[string][]device.Device
	userStatuses map[string]*push.Status

	loadDevicesFor map[string]urn.URN
	loadStatusFor  map[string]urn.URN
}

func New(deps Deps, opts Options) *Push {
	return &Push{
		deps:           deps,
		opts:           opts,
		userDevices:    make(map[string][]device.Device),
		userStatuses:   make(map[string]*push.Status),
		loadDevicesFor: make(map[string]urn.URN),
		loadStatusFor:  make(map[string]urn.URN),
	}
}

// IsDeferring reports whether sends are currently being held back.
func (p *Push) IsDeferring() bool {
	return p.mode != modeImmediate
}

// BeginDeferring switches to collecting mode: events are queued with only
// their minimal data and resolved in bulk on Flush. Used by jobs that
// dispatch many notifications at once.
func (p *Push) BeginDeferring() error {
	if p.mode != modeImmediate {
		return fmt.Errorf("dispatch: cannot start deferring while %s", p.mode)
	}
	p.mode = modeCollecting
	return nil
}

// Flush resolves all queued users' devices and statuses in two batched
// calls, replays the queued events, then runs the send phase and returns
// to immediate mode. Per-event failures are joined but do not stop the
// remaining events. A bulk-resolution failure leaves the dispatcher in
// collecting mode so Flush can be retried.
func (p *Push) Flush(ctx context.Context) error {
	if p.mode != modeCollecting {
		return fmt.Errorf("dispatch: cannot flush while %s", p.mode)
	}

	if err := p.resolveQueuedUsers(ctx); err != nil {
		return err
	}

	p.mode = modeSendPending

	var errs []error
	for _, q := range p.queuedNotifications {
		if err := p.PushNotification(ctx, q.id, q.n); err != nil {
			errs = append(errs, err)
		}
	}
	p.queuedNotifications = nil

	for _, q := range p.queuedDeletes {
		if err := p.PushDelete(ctx, q.user, q.id, q.app); err != nil {
			errs = append(errs, err)
		}
	}
	p.queuedDeletes = nil

	p.sendPayloads(ctx)
	p.mode = modeImmediate

	return errors.Join(errs...)
}

// resolveQueuedUsers fills the per-batch caches for every queued user with
// one device lookup and one status lookup.
func (p *Push) resolveQueuedUsers(ctx context.Context) error {
	var missingDevices []urn.URN
	for uid, u := range p.loadDevicesFor {
		if _, ok := p.userDevices[uid]; !ok {
			missingDevices = append(missingDevices, u)
		}
	}
	if len(missingDevices) > 0 {
		byUser, err := p.deps.Devices.DevicesForUsers(ctx, missingDevices)
		if err != nil {
			return fmt.Errorf("bulk device lookup: %w", err)
		}
		for _, u := range missingDevices {
			p.userDevices[u.String()] = byUser[u.String()]
		}
	}
	p.loadDevicesFor = make(map[string]urn.URN)

	var missingStatus []urn.URN
	for uid, u := range p.loadStatusFor {
		if _, ok := p.userStatuses[uid]; !ok {
			missingStatus = append(missingStatus, u)
		}
	}
	if len(missingStatus) > 0 {
		statuses, err := p.deps.Statuses.StatusesForUsers(ctx, missingStatus)
		if err != nil {
			return fmt.Errorf("bulk status lookup: %w", err)
		}
		for _, u := range missingStatus {
			if st, ok := statuses[u.String()]; ok {
				p.userStatuses[u.String()] = &st
			} else {
				p.userStatuses[u.String()] = nil
			}
		}
	}
	p.loadStatusFor = make(map[string]urn.URN)

	return nil
}

// PushNotification dispatches one notification event to the user's devices.
func (p *Push) PushNotification(ctx context.Context, id int64, n push.Notification) error {
	if !p.opts.HasInternetConnection {
		return nil
	}

	if p.mode == modeCollecting {
		p.queuedNotifications = append(p.queuedNotifications, queuedNotification{id: id, n: n})
		p.loadDevicesFor[n.User.String()] = n.User
		p.loadStatusFor[n.User.String()] = n.User
		return nil
	}

	allowed, err := p.isNotificationAllowed(ctx, n)
	if err != nil {
		return err
	}
	if !allowed {
		p.deps.Logger.Debug("User status is set to DND, skipping push", "user", n.User.String())
		return nil
	}

	devices, err := p.loadUserDevices(ctx, n.User)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	language := p.deps.Localizer.UserLanguage(ctx, n.User)
	prepared, err := p.deps.Manager.PrepareForDisplay(ctx, n, language)
	if err != nil {
		// The producing app no longer knows the notification, there is
		// nothing to display and nothing to push.
		p.deps.Logger.Debug("Notification could not be prepared, skipping push",
			"user", n.User.String(), "app", n.App, "err", err)
		return nil
	}

	devices = FilterDevices(devices, prepared.App)
	if len(devices) == 0 {
		return nil
	}

	signer, err := p.signerForUser(ctx, n.User)
	if err != nil {
		return err
	}

	ev := device.NotificationEvent{
		ID:           id,
		Notification: prepared,
		IsTalk:       push.IsTalkApp(prepared.App),
	}
	maxAge := time.Now().Add(-tokenMaxAge)
	for _, d := range devices {
		if !p.deps.Tokens.IsTokenLive(ctx, d.AuthTokenID(), maxAge) {
			continue
		}
		payload, err := d.PayloadForNotification(ev, signer)
		if p.handlePayloadError(ctx, d, err) {
			continue
		}
		p.payloadsToSend = append(p.payloadsToSend, payload)
	}

	if p.mode == modeImmediate {
		p.sendPayloads(ctx)
	}
	return nil
}

// PushDelete tells the user's devices to remove one notification, or all of
// them when id is device.DeleteAllID.
func (p *Push) PushDelete(ctx context.Context, user urn.URN, id int64, app string) error {
	if !p.opts.HasInternetConnection {
		return nil
	}

	if p.mode == modeCollecting {
		p.queuedDeletes = append(p.queuedDeletes, queuedDelete{user: user, id: id, app: app})
		p.loadDevicesFor[user.String()] = user
		return nil
	}

	devices, err := p.loadUserDevices(ctx, user)
	if err != nil {
		return err
	}

	ev := device.DeleteEvent{User: user, ID: id, App: app}
	if !ev.IsDeleteAll() && app != "" {
		// Only filter targeted deletes, delete-all reaches every device.
		devices = FilterDevices(devices, app)
	}
	if len(devices) == 0 {
		return nil
	}

	signer, err := p.signerForUser(ctx, user)
	if err != nil {
		return err
	}

	maxAge := time.Now().Add(-tokenMaxAge)
	for _, d := range devices {
		if !p.deps.Tokens.IsTokenLive(ctx, d.AuthTokenID(), maxAge) {
			continue
		}
		payload, err := d.PayloadForDelete(ev, signer)
		if p.handlePayloadError(ctx, d, err) {
			continue
		}
		p.payloadsToSend = append(p.payloadsToSend, payload)
	}

	if p.mode == modeImmediate {
		p.sendPayloads(ctx)
	}
	return nil
}

// handlePayloadError deals with a failed payload generation and reports
// whether the device must be skipped. A broken device key deletes the
// registration; dispatch continues with the remaining devices either way.
func (p *Push) handlePayloadError(ctx context.Context, d device.Device, err error) bool {
	if err == nil {
		return false
	}
	var encErr *device.EncryptionError
	if errors.As(err, &encErr) {
		p.deps.Logger.Info("Deleting device with broken key", "device", d.Identifier())
		if _, derr := p.deps.Devices.DeleteByDevice(ctx, d); derr != nil {
			p.deps.Logger.Warn("Failed to delete device with broken key", "device", d.Identifier(), "err", derr)
		}
		return true
	}
	p.deps.Logger.Error("Failed to build payload for device", "device", d.Identifier(), "err", err)
	return true
}

func (p *Push) signerForUser(ctx context.Context, user urn.URN) (*device.Signer, error) {
	key, err := p.deps.Keys.KeyForUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load identity key for %s: %w", user.String(), err)
	}
	signer, err := device.NewSigner(key, p.deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("identity key for %s: %w", user.String(), err)
	}
	return signer, nil
}

// FilterDevices reduces the device list according to the notification
// class: talk notifications prefer talk devices and fall back to the
// others, while regular notifications never reach talk-only devices.
func FilterDevices(devices []device.Device, app string) []device.Device {
	var talkDevices, otherDevices []device.Device
	for _, d := range devices {
		if d.IsAppType(device.AppTypeTalk) {
			talkDevices = append(talkDevices, d)
		} else {
			otherDevices = append(otherDevices, d)
		}
	}

	if !push.IsTalkApp(app) {
		return otherDevices
	}
	if len(talkDevices) == 0 {
		return otherDevices
	}
	return talkDevices
}

// sendPayloads delivers the accumulated queue: stable-sorted by target key,
// adjacent payloads merged where possible, one sequential send per merged
// group and a fresh HTTP client whenever the destination changes.
func (p *Push) sendPayloads(ctx context.Context) {
	payloads := p.payloadsToSend
	p.payloadsToSend = nil
	if len(payloads) == 0 {
		return
	}

	sort.SliceStable(payloads, func(i, j int) bool {
		return payloads[i].TargetKey() < payloads[j].TargetKey()
	})

	args := &device.SendArgs{
		Logger:          p.deps.Logger,
		Devices:         p.deps.Devices,
		Manager:         p.deps.Manager,
		HostedProxyURL:  p.opts.HostedProxyURL,
		SubscriptionKey: p.opts.SubscriptionKey,
	}

	client := p.deps.Clients.NewClient()
	var current device.Payload
	for _, next := range payloads {
		if current == nil {
			current = next
			continue
		}
		if merged, ok := current.GroupWith(next); ok {
			current = merged
			continue
		}
		current.Send(ctx, client, args)
		if current.TargetKey() != next.TargetKey() {
			client = p.deps.Clients.NewClient()
		}
		current = next
	}
	current.Send(ctx, client, args)
}

// isNotificationAllowed applies the DND policy: suppressed unless the app
// is on the small bypass list.
func (p *Push) isNotificationAllowed(ctx context.Context, n push.Notification) (bool, error) {
	if dndBypassApps[n.App] {
		return true, nil
	}
	status, err := p.loadUserStatus(ctx, n.User)
	if err != nil {
		return false, err
	}
	return status == nil || !status.IsDND(), nil
}

// loadUserDevices returns the user's devices, cached for the batch.
func (p *Push) loadUserDevices(ctx context.Context, user urn.URN) ([]device.Device, error) {
	uid := user.String()
	if devices, ok := p.userDevices[uid]; ok {
		return devices, nil
	}
	devices, err := p.deps.Devices.DevicesForUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load devices for %s: %w", uid, err)
	}
	p.userDevices[uid] = devices
	return devices, nil
}

// loadUserStatus returns the user's presence status, cached for the batch.
// A nil status means the user has none.
func (p *Push) loadUserStatus(ctx context.Context, user urn.URN) (*push.Status, error) {
	uid := user.String()
	if status, ok := p.userStatuses[uid]; ok {
		return status, nil
	}
	statuses, err := p.deps.Statuses.StatusesForUsers(ctx, []urn.URN{user})
	if err != nil {
		return nil, fmt.Errorf("load status for %s: %w", uid, err)
	}
	var status *push.Status
	if st, ok := statuses[uid]; ok {
		status = &st
	}
	p.userStatuses[uid] = status
	return status, nil
}
