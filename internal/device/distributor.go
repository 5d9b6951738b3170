package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// DistributorDevice is a registered endpoint delivered through a
// user-chosen alternate push distributor instead of the shared proxy. Each
// device has its own endpoint URI; devices on the same distributor host
// share one outbound connection.
type DistributorDevice struct {
	deviceData
	distributorURI string
	targetHost     string
}

// NewDistributorDevice builds a distributor device. The URI must already
// have passed the URI safety validation of the registration flow.
func NewDistributorDevice(user urn.URN, authTokenID int64, identifier, publicKey, publicKeyHash, distributorURI, appType string) *DistributorDevice {
	host := distributorURI
	if u, err := url.Parse(distributorURI); err == nil && u.Host != "" {
		host = u.Scheme + "://" + u.Host
	}
	return &DistributorDevice{
		deviceData:     newDeviceData(user, authTokenID, identifier, publicKey, publicKeyHash, appType),
		distributorURI: trimTrailingSlash(distributorURI),
		targetHost:     host,
	}
}

// DistributorURI returns the device's distributor endpoint.
func (d *DistributorDevice) DistributorURI() string { return d.distributorURI }

func (d *DistributorDevice) PayloadForNotification(ev NotificationEvent, signer *Signer) (Payload, error) {
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
	data.Subject = truncateSubject(n.Subject, maxPlaintextBytes-len(base))

	priority, msgType := classify(ev)

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal notification data: %w", err)
	}
	return d.buildPayload(signer, blob, priority, msgType)
}

func (d *DistributorDevice) PayloadForDelete(ev DeleteEvent, signer *Signer) (Payload, error) {
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

func (d *DistributorDevice) buildPayload(signer *Signer, data []byte, priority, msgType string) (Payload, error) {
	envelope, err := signer.encryptAndSign(d, d.PublicKey(), data)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(distributorEntry{
		DeviceIdentifier: d.Identifier(),
		Subject:          envelope.CiphertextBase64(),
		Signature:        envelope.SignatureBase64(),
		Priority:         priority,
		Type:             msgType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal distributor entry: %w", err)
	}
	return &distributorPayload{
		targetHost: d.targetHost,
		messages: []distributorMessage{{
			endpoint:         d.distributorURI,
			deviceIdentifier: d.Identifier(),
			body:             body,
		}},
	}, nil
}

type distributorEntry struct {
	DeviceIdentifier string `json:"deviceIdentifier"`
	Subject          string `json:"subject"`
	Signature        string `json:"signature"`
	Priority         string `json:"priority"`
	Type             string `json:"type"`
}

type distributorMessage struct {
	endpoint         string
	deviceIdentifier string
	body             json.RawMessage
}

// distributorPayload bundles messages for endpoints on one distributor
// host. Unlike the proxy protocol there is no batch request, the messages
// are posted one by one over the shared client.
type distributorPayload struct {
	targetHost string
	messages   []distributorMessage
}

func (p *distributorPayload) TargetKey() string { return p.targetHost }

func (p *distributorPayload) GroupWith(other Payload) (Payload, bool) {
	o, ok := other.(*distributorPayload)
	if !ok || o.targetHost != p.targetHost {
		return nil, false
	}
	p.messages = append(p.messages, o.messages...)
	return p, true
}

func (p *distributorPayload) Send(ctx context.Context, client *http.Client, args *SendArgs) {
	for _, msg := range p.messages {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.endpoint, bytes.NewReader(msg.body))
		if err != nil {
			args.Logger.Error("Failed to build distributor request", "endpoint", msg.endpoint, "err", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			args.Logger.Error("Could not send notification to distributor",
				"endpoint", msg.endpoint, "error_type", fmt.Sprintf("%T", err), "err", err)
			continue
		}
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			// The distributor no longer knows the endpoint, the
			// registration is dead.
			args.Logger.Info("Deleting device unknown to its distributor", "device", msg.deviceIdentifier)
			if _, err := args.Devices.DeleteByDeviceIdentifier(ctx, msg.deviceIdentifier); err != nil {
				args.Logger.Warn("Failed to delete unknown device", "device", msg.deviceIdentifier, "err", err)
			}
		case resp.StatusCode >= http.StatusInternalServerError:
			args.Logger.Debug("Distributor failed", "endpoint", msg.endpoint, "status", resp.StatusCode)
		case resp.StatusCode >= http.StatusBadRequest:
			args.Logger.Warn("Distributor rejected notification", "endpoint", msg.endpoint, "status", resp.StatusCode)
		}
	}
}
