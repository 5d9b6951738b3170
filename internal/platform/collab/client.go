// Package collab talks to the collaboration server's internal HTTP API for
// the pieces of notification handling the gateway does not own: resolving
// the localized display subject (only the producing app can do that) and
// the fair-use verdict for the shared push proxy.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "CollabClient"),
	}
}

type prepareRequest struct {
	App        string `json:"app"`
	User       string `json:"user"`
	ObjectType string `json:"objectType"`
	ObjectID   string `json:"objectId"`
	Language   string `json:"language"`
}

type prepareResponse struct {
	Subject string `json:"subject"`
}

// PrepareForDisplay implements push.NotificationManager. A 404 means the
// producing app no longer knows the notification; the caller drops the push.
func (c *Client) PrepareForDisplay(ctx context.Context, n push.Notification, language string) (push.Notification, error) {
	body, err := json.Marshal(prepareRequest{
		App:        n.App,
		User:       n.User.String(),
		ObjectType: n.ObjectType,
		ObjectID:   n.ObjectID,
		Language:   language,
	})
	if err != nil {
		return push.Notification{}, fmt.Errorf("encoding prepare request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/push/prepare", bytes.NewReader(body))
	if err != nil {
		return push.Notification{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return push.Notification{}, fmt.Errorf("prepare request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return push.Notification{}, fmt.Errorf("prepare request returned status %d", resp.StatusCode)
	}

	var prepared prepareResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&prepared); err != nil {
		return push.Notification{}, fmt.Errorf("decoding prepare response: %w", err)
	}

	n.Subject = prepared.Subject
	return n, nil
}

type fairUseResponse struct {
	WithinPolicy bool `json:"withinPolicy"`
}

// IsWithinFairUsePolicy implements push.NotificationManager. A transport
// failure counts as within policy so a flaky internal hop does not silence
// every push.
func (c *Client) IsWithinFairUsePolicy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/push/fair-use", nil)
	if err != nil {
		return true
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Fair-use check unreachable, assuming within policy.", "err", err)
		return true
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Fair-use check failed, assuming within policy.", "status", resp.StatusCode)
		return true
	}

	var verdict fairUseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&verdict); err != nil {
		return true
	}
	return verdict.WithinPolicy
}
