// Package api exposes the device registration endpoints. Authentication
// stays external: the user handle is injected by auth middleware and the
// auth token id comes from a SessionResolver.
package api

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/internal/device"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// maxEndpointLength bounds stored endpoint URIs.
const maxEndpointLength = 256

// pushTokenHashRe matches a hex-encoded SHA-512.
var pushTokenHashRe = regexp.MustCompile(`^[a-f0-9]{128}$`)

// SessionResolver resolves the auth token id of the calling session.
type SessionResolver interface {
	SessionTokenID(r *http.Request) (int64, error)
}

type RegisterAPI struct {
	Devices  device.Store
	Keys     push.KeyProvider
	Sessions SessionResolver
	Logger   *slog.Logger
}

func NewRegisterAPI(devices device.Store, keys push.KeyProvider, sessions SessionResolver, logger *slog.Logger) *RegisterAPI {
	return &RegisterAPI{
		Devices:  devices,
		Keys:     keys,
		Sessions: sessions,
		Logger:   logger.With("component", "RegisterAPI"),
	}
}

type RegisterProxyRequest struct {
	PushTokenHash   string `json:"pushTokenHash"`
	DevicePublicKey string `json:"devicePublicKey"`
	ProxyServer     string `json:"proxyServer"`
	AppType         string `json:"appType"`
}

type RegisterDistributorRequest struct {
	DevicePublicKey string `json:"devicePublicKey"`
	DistributorURI  string `json:"distributorUri"`
	AppType         string `json:"appType"`
}

// RegisterResponse returns the server-side half of the registration: the
// user's public identity key plus the signed device identifier the client
// hands to its push proxy.
type RegisterResponse struct {
	PublicKey        string `json:"publicKey"`
	DeviceIdentifier string `json:"deviceIdentifier"`
	Signature        string `json:"signature"`
}

// RegisterProxyDevice handles PUT /devices/proxy.
func (a *RegisterAPI) RegisterProxyDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, tokenID, ok := a.callerIdentity(w, r)
	if !ok {
		return
	}

	var req RegisterProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if !pushTokenHashRe.MatchString(req.PushTokenHash) {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid push token hash")
		return
	}
	if err := verifyDevicePublicKey(req.DevicePublicKey); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid device key")
		return
	}
	if len(req.ProxyServer) > maxEndpointLength || !IsURISafe(req.ProxyServer) {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid proxy server")
		return
	}

	key, err := a.Keys.KeyForUser(ctx, user)
	if err != nil {
		a.Logger.Error("Failed to load identity key", "user", user.String(), "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "identity key unavailable")
		return
	}
	identifier, signature, err := device.DeriveIdentifier(key, user, tokenID)
	if err != nil {
		a.Logger.Error("Failed to derive device identifier", "user", user.String(), "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "identifier derivation failed")
		return
	}

	d := device.NewProxyDevice(user, tokenID, identifier, req.DevicePublicKey, "",
		req.PushTokenHash, req.ProxyServer, normalizeAppType(req.AppType))
	created, err := a.Devices.Save(ctx, d)
	if err != nil {
		a.Logger.Error("Failed to save device", "user", user.String(), "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	a.writeRegistration(w, created, key.Public, identifier, signature)
}

// RegisterDistributorDevice handles PUT /devices/distributor.
func (a *RegisterAPI) RegisterDistributorDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, tokenID, ok := a.callerIdentity(w, r)
	if !ok {
		return
	}

	var req RegisterDistributorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := verifyDevicePublicKey(req.DevicePublicKey); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid device key")
		return
	}
	if len(req.DistributorURI) > maxEndpointLength || !IsURISafe(req.DistributorURI) {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid distributor uri")
		return
	}

	key, err := a.Keys.KeyForUser(ctx, user)
	if err != nil {
		a.Logger.Error("Failed to load identity key", "user", user.String(), "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "identity key unavailable")
		return
	}
	identifier, signature, err := device.DeriveIdentifier(key, user, tokenID)
	if err != nil {
		a.Logger.Error("Failed to derive device identifier", "user", user.String(), "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "identifier derivation failed")
		return
	}

	d := device.NewDistributorDevice(user, tokenID, identifier, req.DevicePublicKey, "",
		req.DistributorURI, normalizeAppType(req.AppType))
	created, err := a.Devices.Save(ctx, d)
	if err != nil {
		a.Logger.Error("Failed to save device", "user", user.String(), "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	a.writeRegistration(w, created, key.Public, identifier, signature)
}

// RemoveDevice handles DELETE /devices. It removes the registration of the
// calling session's auth token, whatever its kind.
func (a *RegisterAPI) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, tokenID, ok := a.callerIdentity(w, r)
	if !ok {
		return
	}

	deleted, err := a.Devices.DeleteByUserToken(ctx, user, tokenID)
	if err != nil {
		a.Logger.Error("Failed to delete device", "user", user.String(), "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	if deleted {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *RegisterAPI) callerIdentity(w http.ResponseWriter, r *http.Request) (user urn.URN, tokenID int64, ok bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return user, 0, false
	}
	user, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return user, 0, false
	}
	tokenID, err = a.Sessions.SessionTokenID(r)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid session token")
		return user, 0, false
	}
	return user, tokenID, true
}

func (a *RegisterAPI) writeRegistration(w http.ResponseWriter, created bool, publicKey, identifier string, signature []byte) {
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RegisterResponse{
		PublicKey:        publicKey,
		DeviceIdentifier: identifier,
		Signature:        base64.StdEncoding.EncodeToString(signature),
	})
}

// verifyDevicePublicKey checks the registered key is a PEM RSA key of the
// supported size. The payload plaintext budget assumes 2048 bit keys.
func verifyDevicePublicKey(publicKey string) error {
	block, _ := pem.Decode([]byte(publicKey))
	if block == nil {
		return fmt.Errorf("public key is not PEM encoded")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("public key is not an RSA key")
	}
	if pub.Size() != 256 {
		return fmt.Errorf("unsupported key size %d", pub.Size()*8)
	}
	return nil
}

func normalizeAppType(appType string) string {
	switch appType {
	case device.AppTypeTalk, device.AppTypeClient:
		return appType
	default:
		return device.AppTypeUnknown
	}
}
