// Package firestore implements the per-kind device stores on Google Cloud
// Firestore. Devices live in one flat collection per kind so they can be
// queried by user, auth token and device identifier alike.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/internal/device"
)

// Firestore "in" queries accept at most 30 values per disjunction.
const maxInValues = 30

// deviceRecord is the database representation shared by both device kinds.
type deviceRecord struct {
	UID                 string    `firestore:"uid"`
	Token               int64     `firestore:"token"`
	DeviceIdentifier    string    `firestore:"device_identifier"`
	DevicePublicKey     string    `firestore:"device_public_key"`
	DevicePublicKeyHash string    `firestore:"device_public_key_hash"`
	AppType             string    `firestore:"app_type"`
	PushTokenHash       string    `firestore:"push_token_hash,omitempty"`
	ProxyServer         string    `firestore:"proxy_server,omitempty"`
	DistributorURI      string    `firestore:"distributor_uri,omitempty"`
	UpdatedAt           time.Time `firestore:"updated_at"`
}

// docID keys a registration by (user, auth token). Hashing keeps document
// ids flat and avoids hot-spotting on sequential token ids.
func docID(uid string, token int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", uid, token)))
	return hex.EncodeToString(sum[:])
}

// kindStore carries the operations common to both device kinds.
type kindStore struct {
	client     *firestore.Client
	collection string
	fromRecord func(rec deviceRecord) (device.Device, error)
}

func (s *kindStore) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// exists reports whether a row is already stored for (uid, token).
func (s *kindStore) exists(ctx context.Context, uid string, token int64) (bool, error) {
	_, err := s.col().Doc(docID(uid, token)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("firestore get failed: %w", err)
	}
	return true, nil
}

func (s *kindStore) put(ctx context.Context, rec deviceRecord) error {
	_, err := s.col().Doc(docID(rec.UID, rec.Token)).Set(ctx, rec)
	if err != nil {
		return fmt.Errorf("firestore set failed: %w", err)
	}
	return nil
}

func (s *kindStore) DevicesForUser(ctx context.Context, user urn.URN) ([]device.Device, error) {
	return s.queryDevices(ctx, s.col().Where("uid", "==", user.String()))
}

func (s *kindStore) DevicesForUsers(ctx context.Context, users []urn.URN) (map[string][]device.Device, error) {
	uids := make([]string, 0, len(users))
	for _, u := range users {
		uids = append(uids, u.String())
	}

	byUser := make(map[string][]device.Device)
	for start := 0; start < len(uids); start += maxInValues {
		end := min(start+maxInValues, len(uids))
		devices, err := s.queryDevices(ctx, s.col().Where("uid", "in", uids[start:end]))
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			uid := d.User().String()
			byUser[uid] = append(byUser[uid], d)
		}
	}
	return byUser, nil
}

func (s *kindStore) queryDevices(ctx context.Context, q firestore.Query) ([]device.Device, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var devices []device.Device
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var rec deviceRecord
		if err := doc.DataTo(&rec); err != nil {
			// Corrupt rows are skipped instead of failing the dispatch.
			continue
		}
		d, err := s.fromRecord(rec)
		if err != nil {
			continue
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (s *kindStore) DeleteByAuthToken(ctx context.Context, tokenID int64) (bool, error) {
	return s.deleteWhere(ctx, s.col().Where("token", "==", tokenID))
}

func (s *kindStore) DeleteByDeviceIdentifier(ctx context.Context, identifier string) (bool, error) {
	return s.deleteWhere(ctx, s.col().Where("device_identifier", "==", identifier))
}

func (s *kindStore) DeleteByDevice(ctx context.Context, d device.Device) (bool, error) {
	return s.DeleteByUserToken(ctx, d.User(), d.AuthTokenID())
}

func (s *kindStore) DeleteByUserToken(ctx context.Context, user urn.URN, tokenID int64) (bool, error) {
	ref := s.col().Doc(docID(user.String(), tokenID))
	if _, err := ref.Get(ctx); status.Code(err) == codes.NotFound {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("firestore get failed: %w", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return false, fmt.Errorf("firestore delete failed: %w", err)
	}
	return true, nil
}

func (s *kindStore) deleteWhere(ctx context.Context, q firestore.Query) (bool, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	deleted := false
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("firestore iteration failed: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return deleted, fmt.Errorf("firestore delete failed: %w", err)
		}
		deleted = true
	}
	return deleted, nil
}

// ProxyDeviceStore persists proxy relay devices.
type ProxyDeviceStore struct {
	kindStore
}

func NewProxyDeviceStore(client *firestore.Client) *ProxyDeviceStore {
	return &ProxyDeviceStore{kindStore{
		client:     client,
		collection: "push_devices_proxy",
		fromRecord: proxyFromRecord,
	}}
}

func proxyFromRecord(rec deviceRecord) (device.Device, error) {
	user, err := urn.Parse(rec.UID)
	if err != nil {
		return nil, err
	}
	return device.NewProxyDevice(
		user,
		rec.Token,
		rec.DeviceIdentifier,
		rec.DevicePublicKey,
		rec.DevicePublicKeyHash,
		rec.PushTokenHash,
		rec.ProxyServer,
		rec.AppType,
	), nil
}

// Save upserts a proxy device. When the auth token is new, rows of the same
// physical device (same push token hash) under an older auth token are
// removed first: a re-registration supersedes them.
func (s *ProxyDeviceStore) Save(ctx context.Context, d device.Device) (bool, error) {
	pd, ok := d.(*device.ProxyDevice)
	if !ok {
		return false, device.ErrWrongKind
	}

	uid := pd.User().String()
	saved, err := s.exists(ctx, uid, pd.AuthTokenID())
	if err != nil {
		return false, err
	}
	if !saved {
		q := s.col().
			Where("uid", "==", uid).
			Where("push_token_hash", "==", pd.PushTokenHash())
		if _, err := s.deleteWhere(ctx, q); err != nil {
			return false, err
		}
	}

	err = s.put(ctx, deviceRecord{
		UID:                 uid,
		Token:               pd.AuthTokenID(),
		DeviceIdentifier:    pd.Identifier(),
		DevicePublicKey:     pd.PublicKey(),
		DevicePublicKeyHash: pd.PublicKeyHash(),
		AppType:             pd.AppType(),
		PushTokenHash:       pd.PushTokenHash(),
		ProxyServer:         pd.ProxyServer(),
		UpdatedAt:           time.Now(),
	})
	if err != nil {
		return false, err
	}
	return !saved, nil
}

// DistributorDeviceStore persists alternate distributor devices.
type DistributorDeviceStore struct {
	kindStore
}

func NewDistributorDeviceStore(client *firestore.Client) *DistributorDeviceStore {
	return &DistributorDeviceStore{kindStore{
		client:     client,
		collection: "push_devices_distributor",
		fromRecord: distributorFromRecord,
	}}
}

func distributorFromRecord(rec deviceRecord) (device.Device, error) {
	user, err := urn.Parse(rec.UID)
	if err != nil {
		return nil, err
	}
	return device.NewDistributorDevice(
		user,
		rec.Token,
		rec.DeviceIdentifier,
		rec.DevicePublicKey,
		rec.DevicePublicKeyHash,
		rec.DistributorURI,
		rec.AppType,
	), nil
}

func (s *DistributorDeviceStore) Save(ctx context.Context, d device.Device) (bool, error) {
	dd, ok := d.(*device.DistributorDevice)
	if !ok {
		return false, device.ErrWrongKind
	}

	uid := dd.User().String()
	saved, err := s.exists(ctx, uid, dd.AuthTokenID())
	if err != nil {
		return false, err
	}

	err = s.put(ctx, deviceRecord{
		UID:                 uid,
		Token:               dd.AuthTokenID(),
		DeviceIdentifier:    dd.Identifier(),
		DevicePublicKey:     dd.PublicKey(),
		DevicePublicKeyHash: dd.PublicKeyHash(),
		AppType:             dd.AppType(),
		DistributorURI:      dd.DistributorURI(),
		UpdatedAt:           time.Now(),
	})
	if err != nil {
		return false, err
	}
	return !saved, nil
}
