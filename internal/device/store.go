package device

import (
	"context"
	"errors"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// ErrWrongKind is returned by a kind store asked to save a device of a
// different kind. The composite store skips over it.
var ErrWrongKind = errors.New("device: store does not handle this device kind")

// Store persists device registrations of one kind, keyed by
// (user, auth token). Concurrency safety is the implementation's concern.
type Store interface {
	// Save upserts the registration for (user, auth token) and reports
	// whether a new row was created.
	Save(ctx context.Context, d Device) (bool, error)

	DevicesForUser(ctx context.Context, user urn.URN) ([]Device, error)

	// DevicesForUsers resolves many users in one round trip. The result is
	// keyed by user URN string; users without devices are absent.
	DevicesForUsers(ctx context.Context, users []urn.URN) (map[string][]Device, error)

	// The delete variants report whether anything was removed. Absence of
	// a match is not an error.
	DeleteByAuthToken(ctx context.Context, tokenID int64) (bool, error)
	DeleteByDeviceIdentifier(ctx context.Context, identifier string) (bool, error)
	DeleteByDevice(ctx context.Context, d Device) (bool, error)
	DeleteByUserToken(ctx context.Context, user urn.URN, tokenID int64) (bool, error)
}

// CompositeStore fans every call out across the fixed set of kind stores
// and unions the results: lists concatenate, deletion flags OR together.
type CompositeStore struct {
	stores []Store
}

func NewCompositeStore(stores ...Store) *CompositeStore {
	return &CompositeStore{stores: stores}
}

// Save hands the device to the one kind store that accepts it.
func (c *CompositeStore) Save(ctx context.Context, d Device) (bool, error) {
	for _, s := range c.stores {
		created, err := s.Save(ctx, d)
		if errors.Is(err, ErrWrongKind) {
			continue
		}
		return created, err
	}
	return false, ErrWrongKind
}

func (c *CompositeStore) DevicesForUser(ctx context.Context, user urn.URN) ([]Device, error) {
	var all []Device
	for _, s := range c.stores {
		devices, err := s.DevicesForUser(ctx, user)
		if err != nil {
			return nil, err
		}
		all = append(all, devices...)
	}
	return all, nil
}

func (c *CompositeStore) DevicesForUsers(ctx context.Context, users []urn.URN) (map[string][]Device, error) {
	all := make(map[string][]Device)
	for _, s := range c.stores {
		byUser, err := s.DevicesForUsers(ctx, users)
		if err != nil {
			return nil, err
		}
		for uid, devices := range byUser {
			all[uid] = append(all[uid], devices...)
		}
	}
	return all, nil
}

func (c *CompositeStore) DeleteByAuthToken(ctx context.Context, tokenID int64) (bool, error) {
	return c.fanOutDelete(func(s Store) (bool, error) {
		return s.DeleteByAuthToken(ctx, tokenID)
	})
}

func (c *CompositeStore) DeleteByDeviceIdentifier(ctx context.Context, identifier string) (bool, error) {
	return c.fanOutDelete(func(s Store) (bool, error) {
		return s.DeleteByDeviceIdentifier(ctx, identifier)
	})
}

func (c *CompositeStore) DeleteByDevice(ctx context.Context, d Device) (bool, error) {
	return c.fanOutDelete(func(s Store) (bool, error) {
		return s.DeleteByDevice(ctx, d)
	})
}

func (c *CompositeStore) DeleteByUserToken(ctx context.Context, user urn.URN, tokenID int64) (bool, error) {
	return c.fanOutDelete(func(s Store) (bool, error) {
		return s.DeleteByUserToken(ctx, user, tokenID)
	})
}

func (c *CompositeStore) fanOutDelete(del func(Store) (bool, error)) (bool, error) {
	deleted := false
	for _, s := range c.stores {
		ok, err := del(s)
		if err != nil {
			return deleted, err
		}
		deleted = deleted || ok
	}
	return deleted, nil
}
