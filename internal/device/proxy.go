package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Push priorities and message types understood by the proxy protocol.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"

	TypeVoip       = "voip"
	TypeAlert      = "alert"
	TypeBackground = "background"
)

// maxPlaintextBytes is the hard ceiling for the JSON-encoded data blob.
// It reflects the plaintext limit of PKCS#1 v1.5 encryption with the RSA
// key sizes devices register (245 bytes for 2048 bit keys, minus headroom).
const maxPlaintextBytes = 200

// highPriorityApps get priority "high" even outside of talk notifications.
var highPriorityApps = map[string]bool{
	"twofactor_notification": true,
	"device_tracker":         true,
}

// ProxyDevice is a registered endpoint reached through a shared push proxy
// relay. The relay resolves the push token hash to the vendor push network.
type ProxyDevice struct {
	deviceData
	pushTokenHash string
	proxyServer   string
}

// NewProxyDevice builds a proxy relay device. The public key hash is
// computed when empty; a trailing slash on the proxy server is stripped.
func NewProxyDevice(user urn.URN, authTokenID int64, identifier, publicKey, publicKeyHash, pushTokenHash, proxyServer, appType string) *ProxyDevice {
	return &ProxyDevice{
		deviceData:    newDeviceData(user, authTokenID, identifier, publicKey, publicKeyHash, appType),
		pushTokenHash: pushTokenHash,
		proxyServer:   trimTrailingSlash(proxyServer),
	}
}

// PushTokenHash returns the hex SHA-512 of the vendor push token.
func (d *ProxyDevice) PushTokenHash() string { return d.pushTokenHash }

// ProxyServer returns the relay endpoint, without trailing slash.
func (d *ProxyDevice) ProxyServer() string { return d.proxyServer }

type notificationData struct {
	Nid     int64  `json:"nid"`
	App     string `json:"app"`
	Subject string `json:"subject"`
	Type    string `json:"type"`
	ID      string `json:"id"`
}

func (d *ProxyDevice) PayloadForNotification(ev NotificationEvent, signer *Signer) (Payload, error) {
	n := ev.Notification
	data := notificationData{
		Nid:  ev.ID,
		App:  n.App,
		Type: n.ObjectType,
		ID:   n.ObjectID,
	}

	base, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal notification data: %w", err)
	}
	// The encoding with the empty subject already contains the enclosing
	// quotes, so the remaining budget is exactly what the escaped subject
	// text may occupy.
	data.Subject = truncateSubject(n.Subject, maxPlaintextBytes-len(base))

	priority, msgType := classify(ev)

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal notification data: %w", err)
	}
	return d.buildPayload(signer, blob, priority, msgType)
}

func (d *ProxyDevice) PayloadForDelete(ev DeleteEvent, signer *Signer) (Payload, error) {
	var data any
	if ev.IsDeleteAll() {
		data = struct {
			DeleteAll bool `json:"delete-all"`
		}{true}
	} else {
		data = struct {
			Nid    int64 `json:"nid"`
			Delete bool  `json:"delete"`
		}{ev.ID, true}
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal delete data: %w", err)
	}
	return d.buildPayload(signer, blob, PriorityNormal, TypeBackground)
}

func classify(ev NotificationEvent) (priority, msgType string) {
	switch {
	case ev.IsTalk:
		if ev.Notification.ObjectType == "call" {
			return PriorityHigh, TypeVoip
		}
		return PriorityHigh, TypeAlert
	case highPriorityApps[ev.Notification.App]:
		return PriorityHigh, TypeAlert
	default:
		return PriorityNormal, TypeAlert
	}
}

func (d *ProxyDevice) buildPayload(signer *Signer, data []byte, priority, msgType string) (Payload, error) {
	envelope, err := signer.encryptAndSign(d, d.PublicKey(), data)
	if err != nil {
		return nil, err
	}

	entry, err := json.Marshal(proxyEntry{
		DeviceIdentifier: d.Identifier(),
		PushTokenHash:    d.pushTokenHash,
		Subject:          envelope.CiphertextBase64(),
		Signature:        envelope.SignatureBase64(),
		Priority:         priority,
		Type:             msgType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal proxy entry: %w", err)
	}
	return &proxyPayload{
		proxyServer: d.proxyServer,
		entries:     []json.RawMessage{entry},
	}, nil
}

// truncateSubject shortens subject so that its JSON-escaped form fits into
// budget bytes, cutting at code point boundaries and appending an ellipsis
// marker when anything was removed. A subject that fits is returned as is.
func truncateSubject(subject string, budget int) string {
	if escapedLen(subject) <= budget {
		return subject
	}

	const ellipsis = "…"
	budget -= escapedLen(ellipsis)
	if budget <= 0 {
		return ""
	}

	used := 0
	kept := 0
	for _, r := range subject {
		size := escapedLen(string(r))
		if used+size > budget {
			break
		}
		used += size
		kept += len(string(r))
	}
	if kept == 0 {
		return ""
	}
	return subject[:kept] + ellipsis
}

// escapedLen is the byte length of s inside a JSON string literal, without
// the enclosing quotes.
func escapedLen(s string) int {
	b, err := json.Marshal(s)
	if err != nil {
		return len(s)
	}
	return len(b) - 2
}

type proxyEntry struct {
	DeviceIdentifier string `json:"deviceIdentifier"`
	PushTokenHash    string `json:"pushTokenHash"`
	Subject          string `json:"subject"`
	Signature        string `json:"signature"`
	Priority         string `json:"priority"`
	Type             string `json:"type"`
}

// proxyPayload is a batch of proxy entries bound for one relay endpoint.
type proxyPayload struct {
	proxyServer string
	entries     []json.RawMessage
}

func (p *proxyPayload) TargetKey() string { return p.proxyServer }

func (p *proxyPayload) GroupWith(other Payload) (Payload, bool) {
	o, ok := other.(*proxyPayload)
	if !ok || o.proxyServer != p.proxyServer {
		return nil, false
	}
	p.entries = append(p.entries, o.entries...)
	return p, true
}

// proxyResponse is the body shape a current proxy replies with. Older
// proxies reply with something else entirely, which is tolerated.
type proxyResponse struct {
	Unknown []string `json:"unknown"`
	Failed  int      `json:"failed"`
}

func (p *proxyPayload) Send(ctx context.Context, client *http.Client, args *SendArgs) {
	if !args.Manager.IsWithinFairUsePolicy(ctx) {
		// The shared free proxy rate-limits heavy servers; when over
		// quota the payload is dropped without error or retry.
		return
	}

	body, err := json.Marshal(map[string]any{"notifications": p.entries})
	if err != nil {
		args.Logger.Error("Failed to encode proxy request", "url", p.proxyServer, "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.proxyServer+"/notifications", bytes.NewReader(body))
	if err != nil {
		args.Logger.Error("Failed to build proxy request", "url", p.proxyServer, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.proxyServer == args.HostedProxyURL && args.SubscriptionKey != "" {
		req.Header.Set("X-Push-Subscription-Key", args.SubscriptionKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		args.Logger.Error("Could not send notification to push proxy",
			"url", p.proxyServer, "error_type", fmt.Sprintf("%T", err), "err", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		args.Logger.Error("Could not read push proxy response", "url", p.proxyServer, "err", err)
		return
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		args.Logger.Debug("Push proxy failed",
			"url", p.proxyServer, "status", resp.StatusCode, "reason", reasonFromBody(raw, resp.StatusCode))
		return
	}

	var fields map[string]json.RawMessage
	parsable := json.Unmarshal(raw, &fields) == nil
	_, hasUnknown := fields["unknown"]
	_, hasFailed := fields["failed"]

	switch {
	case parsable && hasUnknown && hasFailed:
		var result proxyResponse
		if err := json.Unmarshal(raw, &result); err != nil {
			args.Logger.Warn("Push proxy response has unexpected field types", "url", p.proxyServer, "err", err)
			return
		}
		// The proxy encodes an empty list as null, Unknown stays nil then.
		for _, identifier := range result.Unknown {
			args.Logger.Info("Deleting device unknown to the push proxy", "device", identifier)
			if _, err := args.Devices.DeleteByDeviceIdentifier(ctx, identifier); err != nil {
				args.Logger.Warn("Failed to delete unknown device", "device", identifier, "err", err)
			}
		}
		if result.Failed != 0 {
			args.Logger.Info("Push notification sent, but some deliveries failed",
				"url", p.proxyServer, "failed", result.Failed)
		} else {
			args.Logger.Debug("Push notification sent successfully", "url", p.proxyServer)
		}
	case resp.StatusCode != http.StatusOK:
		args.Logger.Warn("Could not send notification to push proxy",
			"url", p.proxyServer, "status", resp.StatusCode, "reason", reasonFromBody(raw, resp.StatusCode))
	default:
		args.Logger.Info("Push proxy response was not parsable, outdated proxy?",
			"url", p.proxyServer, "body", snippet(raw))
	}
}

func reasonFromBody(raw []byte, status int) string {
	if len(raw) == 0 {
		return fmt.Sprintf("no reason given (%d)", status)
	}
	return snippet(raw)
}

func snippet(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
