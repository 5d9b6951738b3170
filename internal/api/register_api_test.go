package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/internal/api"
	"github.com/tinywideclouds/go-push-gateway/internal/device"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// --- Mocks ---

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Save(ctx context.Context, d device.Device) (bool, error) {
	args := m.Called(ctx, d)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DevicesForUser(ctx context.Context, user urn.URN) ([]device.Device, error) {
	args := m.Called(ctx, user)
	devices, _ := args.Get(0).([]device.Device)
	return devices, args.Error(1)
}

func (m *MockStore) DevicesForUsers(ctx context.Context, users []urn.URN) (map[string][]device.Device, error) {
	args := m.Called(ctx, users)
	byUser, _ := args.Get(0).(map[string][]device.Device)
	return byUser, args.Error(1)
}

func (m *MockStore) DeleteByAuthToken(ctx context.Context, tokenID int64) (bool, error) {
	args := m.Called(ctx, tokenID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DeleteByDeviceIdentifier(ctx context.Context, identifier string) (bool, error) {
	args := m.Called(ctx, identifier)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DeleteByDevice(ctx context.Context, d device.Device) (bool, error) {
	args := m.Called(ctx, d)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) DeleteByUserToken(ctx context.Context, user urn.URN, tokenID int64) (bool, error) {
	args := m.Called(ctx, user, tokenID)
	return args.Bool(0), args.Error(1)
}

type MockKeyProvider struct {
	mock.Mock
}

func (m *MockKeyProvider) KeyForUser(ctx context.Context, user urn.URN) (push.KeyPair, error) {
	args := m.Called(ctx, user)
	return args.Get(0).(push.KeyPair), args.Error(1)
}

// --- Setup ---

func setupAPI(t *testing.T) (*api.RegisterAPI, *MockStore, *MockKeyProvider) {
	t.Helper()
	store := new(MockStore)
	keys := new(MockKeyProvider)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return api.NewRegisterAPI(store, keys, api.HeaderSessionResolver{}, logger), store, keys
}

func pemKeyPair(t *testing.T, bits int) (push.KeyPair, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return push.KeyPair{Public: string(pubPEM), Private: string(privPEM)}, string(pubPEM)
}

// authedRequest simulates the auth middleware plus the token id header.
func authedRequest(method, target string, body []byte, userID, tokenID string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if tokenID != "" {
		req.Header.Set(api.AuthTokenIDHeader, tokenID)
	}
	if userID != "" {
		req = req.WithContext(middleware.ContextWithUser(req.Context(), "uid", userID, ""))
	}
	return req
}

var validTokenHash = strings.Repeat("ab", 64)

// --- Tests ---

func TestRegisterProxyDevice(t *testing.T) {
	targetURN, _ := urn.Parse("urn:test:user:123")
	userPair, _ := pemKeyPair(t, 2048)
	_, devicePublicKey := pemKeyPair(t, 2048)

	makeBody := func(mutate func(m map[string]string)) []byte {
		m := map[string]string{
			"pushTokenHash":   validTokenHash,
			"devicePublicKey": devicePublicKey,
			"proxyServer":     "https://push.example.com",
			"appType":         "talk",
		}
		if mutate != nil {
			mutate(m)
		}
		body, _ := json.Marshal(m)
		return body
	}

	t.Run("Created", func(t *testing.T) {
		apiHandler, store, keys := setupAPI(t)
		keys.On("KeyForUser", mock.Anything, targetURN).Return(userPair, nil)

		var saved *device.ProxyDevice
		store.On("Save", mock.Anything, mock.MatchedBy(func(d device.Device) bool {
			var ok bool
			saved, ok = d.(*device.ProxyDevice)
			return ok
		})).Return(true, nil)

		req := authedRequest("PUT", "/devices/proxy", makeBody(nil), targetURN.String(), "42")
		w := httptest.NewRecorder()
		apiHandler.RegisterProxyDevice(w, req)

		require.Equal(t, http.StatusCreated, w.Code)

		var resp api.RegisterResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, userPair.Public, resp.PublicKey)
		assert.NotEmpty(t, resp.Signature)

		require.NotNil(t, saved)
		assert.Equal(t, resp.DeviceIdentifier, saved.Identifier())
		assert.Equal(t, int64(42), saved.AuthTokenID())
		assert.Equal(t, validTokenHash, saved.PushTokenHash())
		assert.Equal(t, device.AppTypeTalk, saved.AppType())
	})

	t.Run("Updated registration answers 200", func(t *testing.T) {
		apiHandler, store, keys := setupAPI(t)
		keys.On("KeyForUser", mock.Anything, targetURN).Return(userPair, nil)
		store.On("Save", mock.Anything, mock.Anything).Return(false, nil)

		req := authedRequest("PUT", "/devices/proxy", makeBody(nil), targetURN.String(), "42")
		w := httptest.NewRecorder()
		apiHandler.RegisterProxyDevice(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("Rejects malformed push token hash", func(t *testing.T) {
		apiHandler, _, _ := setupAPI(t)
		body := makeBody(func(m map[string]string) { m["pushTokenHash"] = "too-short" })

		w := httptest.NewRecorder()
		apiHandler.RegisterProxyDevice(w, authedRequest("PUT", "/devices/proxy", body, targetURN.String(), "42"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects undersized device key", func(t *testing.T) {
		apiHandler, _, _ := setupAPI(t)
		_, smallKey := pemKeyPair(t, 1024)
		body := makeBody(func(m map[string]string) { m["devicePublicKey"] = smallKey })

		w := httptest.NewRecorder()
		apiHandler.RegisterProxyDevice(w, authedRequest("PUT", "/devices/proxy", body, targetURN.String(), "42"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects unsafe proxy endpoint", func(t *testing.T) {
		apiHandler, _, _ := setupAPI(t)
		body := makeBody(func(m map[string]string) { m["proxyServer"] = "http://example.com" })

		w := httptest.NewRecorder()
		apiHandler.RegisterProxyDevice(w, authedRequest("PUT", "/devices/proxy", body, targetURN.String(), "42"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Rejects oversized proxy endpoint", func(t *testing.T) {
		apiHandler, _, _ := setupAPI(t)
		long := "https://push.example.com/" + strings.Repeat("x", 300)
		body := makeBody(func(m map[string]string) { m["proxyServer"] = long })

		w := httptest.NewRecorder()
		apiHandler.RegisterProxyDevice(w, authedRequest("PUT", "/devices/proxy", body, targetURN.String(), "42"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Missing user is unauthorized", func(t *testing.T) {
		apiHandler, _, _ := setupAPI(t)

		w := httptest.NewRecorder()
		apiHandler.RegisterProxyDevice(w, authedRequest("PUT", "/devices/proxy", makeBody(nil), "", "42"))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Missing session token id is rejected", func(t *testing.T) {
		apiHandler, _, _ := setupAPI(t)

		w := httptest.NewRecorder()
		apiHandler.RegisterProxyDevice(w, authedRequest("PUT", "/devices/proxy", makeBody(nil), targetURN.String(), ""))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRegisterDistributorDevice(t *testing.T) {
	targetURN, _ := urn.Parse("urn:test:user:123")
	userPair, _ := pemKeyPair(t, 2048)
	_, devicePublicKey := pemKeyPair(t, 2048)

	makeBody := func(uri string) []byte {
		body, _ := json.Marshal(map[string]string{
			"devicePublicKey": devicePublicKey,
			"distributorUri":  uri,
			"appType":         "whatever",
		})
		return body
	}

	t.Run("Created", func(t *testing.T) {
		apiHandler, store, keys := setupAPI(t)
		keys.On("KeyForUser", mock.Anything, targetURN).Return(userPair, nil)

		var saved *device.DistributorDevice
		store.On("Save", mock.Anything, mock.MatchedBy(func(d device.Device) bool {
			var ok bool
			saved, ok = d.(*device.DistributorDevice)
			return ok
		})).Return(true, nil)

		req := authedRequest("PUT", "/devices/distributor", makeBody("https://ntfy.example.com/push/abc"), targetURN.String(), "7")
		w := httptest.NewRecorder()
		apiHandler.RegisterDistributorDevice(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		require.NotNil(t, saved)
		assert.Equal(t, "https://ntfy.example.com/push/abc", saved.DistributorURI())
		// Unknown app types are normalized.
		assert.Equal(t, device.AppTypeUnknown, saved.AppType())
	})

	t.Run("Rejects unsafe distributor endpoint", func(t *testing.T) {
		apiHandler, _, _ := setupAPI(t)

		w := httptest.NewRecorder()
		apiHandler.RegisterDistributorDevice(w,
			authedRequest("PUT", "/devices/distributor", makeBody("http://ntfy.example.com/push/abc"), targetURN.String(), "7"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRemoveDevice(t *testing.T) {
	targetURN, _ := urn.Parse("urn:test:user:123")

	t.Run("Deleted answers 202", func(t *testing.T) {
		apiHandler, store, _ := setupAPI(t)
		store.On("DeleteByUserToken", mock.Anything, targetURN, int64(42)).Return(true, nil)

		w := httptest.NewRecorder()
		apiHandler.RemoveDevice(w, authedRequest("DELETE", "/devices", nil, targetURN.String(), "42"))

		assert.Equal(t, http.StatusAccepted, w.Code)
		store.AssertExpectations(t)
	})

	t.Run("Nothing to delete answers 200", func(t *testing.T) {
		apiHandler, store, _ := setupAPI(t)
		store.On("DeleteByUserToken", mock.Anything, targetURN, int64(42)).Return(false, nil)

		w := httptest.NewRecorder()
		apiHandler.RemoveDevice(w, authedRequest("DELETE", "/devices", nil, targetURN.String(), "42"))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHeaderSessionResolver(t *testing.T) {
	resolver := api.HeaderSessionResolver{}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(api.AuthTokenIDHeader, "123")
	id, err := resolver.SessionTokenID(req)
	require.NoError(t, err)
	assert.Equal(t, int64(123), id)

	req.Header.Set(api.AuthTokenIDHeader, "-1")
	_, err = resolver.SessionTokenID(req)
	assert.Error(t, err)

	req.Header.Set(api.AuthTokenIDHeader, "abc")
	_, err = resolver.SessionTokenID(req)
	assert.Error(t, err)
}
