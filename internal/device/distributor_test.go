package device

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

func TestDistributorPayloadForNotification(t *testing.T) {
	signer, _ := newTestSigner(t)
	devicePair, deviceKey := testKeyPair(t)
	user := testUser(t)
	dev := NewDistributorDevice(user, 8, "dist-device", devicePair.Public, "", "https://ntfy.example.com/push/abc", AppTypeTalk)

	ev := NotificationEvent{
		ID:     5,
		IsTalk: true,
		Notification: push.Notification{
			App:        "talk",
			User:       user,
			ObjectType: "chat",
			ObjectID:   "room-9",
			Subject:    "New message",
		},
	}

	payload, err := dev.PayloadForNotification(ev, signer)
	require.NoError(t, err)

	// Grouping keys on the host, not the full endpoint.
	assert.Equal(t, "https://ntfy.example.com", payload.TargetKey())

	dp, ok := payload.(*distributorPayload)
	require.True(t, ok)
	require.Len(t, dp.messages, 1)
	assert.Equal(t, "https://ntfy.example.com/push/abc", dp.messages[0].endpoint)

	var entry distributorEntry
	require.NoError(t, json.Unmarshal(dp.messages[0].body, &entry))
	assert.Equal(t, "dist-device", entry.DeviceIdentifier)
	assert.Equal(t, PriorityHigh, entry.Priority)
	assert.Equal(t, TypeAlert, entry.Type)

	ciphertext, err := base64.StdEncoding.DecodeString(entry.Subject)
	require.NoError(t, err)
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, deviceKey, ciphertext)
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(plaintext, &data))
	assert.Equal(t, "talk", data["app"])
	assert.Equal(t, "New message", data["subject"])
}

func TestDistributorPayloadGroupWith(t *testing.T) {
	signer, _ := newTestSigner(t)
	devicePair, _ := testKeyPair(t)
	user := testUser(t)

	makePayload := func(identifier, endpoint string) Payload {
		dev := NewDistributorDevice(user, 8, identifier, devicePair.Public, "", endpoint, AppTypeClient)
		p, err := dev.PayloadForDelete(DeleteEvent{User: user, ID: 1}, signer)
		require.NoError(t, err)
		return p
	}

	t.Run("Same host merges even with distinct endpoints", func(t *testing.T) {
		a := makePayload("dev-a", "https://ntfy.example.com/push/aaa")
		b := makePayload("dev-b", "https://ntfy.example.com/push/bbb")

		merged, ok := a.GroupWith(b)
		require.True(t, ok)
		assert.Len(t, merged.(*distributorPayload).messages, 2)
	})

	t.Run("Different host does not merge", func(t *testing.T) {
		a := makePayload("dev-a", "https://one.example.com/push/aaa")
		b := makePayload("dev-b", "https://two.example.com/push/bbb")

		_, ok := a.GroupWith(b)
		assert.False(t, ok)
	})
}

func TestDistributorPayloadSend(t *testing.T) {
	signer, _ := newTestSigner(t)
	devicePair, _ := testKeyPair(t)
	user := testUser(t)

	newArgs := func(store *MockStore) *SendArgs {
		manager := new(MockManager)
		return &SendArgs{
			Logger:  testLogger(),
			Devices: store,
			Manager: manager,
		}
	}

	t.Run("Each endpoint is posted individually", func(t *testing.T) {
		var paths []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths = append(paths, r.URL.Path)
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		devA := NewDistributorDevice(user, 1, "dev-a", devicePair.Public, "", server.URL+"/push/aaa", AppTypeClient)
		devB := NewDistributorDevice(user, 2, "dev-b", devicePair.Public, "", server.URL+"/push/bbb", AppTypeClient)

		a, err := devA.PayloadForDelete(DeleteEvent{User: user, ID: 1}, signer)
		require.NoError(t, err)
		b, err := devB.PayloadForDelete(DeleteEvent{User: user, ID: 1}, signer)
		require.NoError(t, err)
		merged, ok := a.GroupWith(b)
		require.True(t, ok)

		store := new(MockStore)
		merged.Send(context.Background(), server.Client(), newArgs(store))

		assert.ElementsMatch(t, []string{"/push/aaa", "/push/bbb"}, paths)
	})

	t.Run("Gone endpoint deletes the registration", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		}))
		defer server.Close()

		dev := NewDistributorDevice(user, 1, "dead-device", devicePair.Public, "", server.URL+"/push/dead", AppTypeClient)
		payload, err := dev.PayloadForDelete(DeleteEvent{User: user, ID: 1}, signer)
		require.NoError(t, err)

		store := new(MockStore)
		store.On("DeleteByDeviceIdentifier", mock.Anything, "dead-device").Return(true, nil)

		payload.Send(context.Background(), server.Client(), newArgs(store))

		store.AssertExpectations(t)
	})

	t.Run("Server error leaves the registration alone", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		dev := NewDistributorDevice(user, 1, "dev-a", devicePair.Public, "", server.URL+"/push/aaa", AppTypeClient)
		payload, err := dev.PayloadForDelete(DeleteEvent{User: user, ID: 1}, signer)
		require.NoError(t, err)

		store := new(MockStore)
		payload.Send(context.Background(), server.Client(), newArgs(store))

		store.AssertNotCalled(t, "DeleteByDeviceIdentifier", mock.Anything, mock.Anything)
	})
}
