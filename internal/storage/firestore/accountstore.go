package firestore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

const (
	tokenCollection    = "auth_tokens"
	keyCollection      = "user_identity_keys"
	presenceCollection = "user_presence"
	settingsCollection = "user_settings"

	identityKeyBits = 2048
)

type tokenRecord struct {
	Token     int64     `firestore:"token"`
	UID       string    `firestore:"uid"`
	LastCheck time.Time `firestore:"last_check"`
}

type keyRecord struct {
	UID       string    `firestore:"uid"`
	Public    string    `firestore:"public"`
	Private   string    `firestore:"private"`
	CreatedAt time.Time `firestore:"created_at"`
}

type presenceRecord struct {
	UID    string `firestore:"uid"`
	Status string `firestore:"status"`
}

type settingsRecord struct {
	UID      string `firestore:"uid"`
	Language string `firestore:"language"`
}

// AccountStore exposes the account-side collaborator data: auth tokens,
// user identity keys, presence and display language.
type AccountStore struct {
	client *firestore.Client
}

func NewAccountStore(client *firestore.Client) *AccountStore {
	return &AccountStore{client: client}
}

// TokenByID implements push.TokenProvider.
func (s *AccountStore) TokenByID(ctx context.Context, id int64) (push.Token, error) {
	doc, err := s.client.Collection(tokenCollection).Doc(strconv.FormatInt(id, 10)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return push.Token{}, push.ErrTokenNotFound
	}
	if err != nil {
		return push.Token{}, fmt.Errorf("firestore get failed: %w", err)
	}

	var rec tokenRecord
	if err := doc.DataTo(&rec); err != nil {
		return push.Token{}, fmt.Errorf("decoding token record: %w", err)
	}
	return push.Token{ID: rec.Token, LastCheck: rec.LastCheck}, nil
}

// KeyForUser implements push.KeyProvider. The first lookup for a user
// generates and stores a fresh identity key pair.
func (s *AccountStore) KeyForUser(ctx context.Context, user urn.URN) (push.KeyPair, error) {
	uid := user.String()
	doc, err := s.client.Collection(keyCollection).Doc(uid).Get(ctx)
	if err == nil {
		var rec keyRecord
		if err := doc.DataTo(&rec); err != nil {
			return push.KeyPair{}, fmt.Errorf("decoding key record: %w", err)
		}
		return push.KeyPair{Public: rec.Public, Private: rec.Private}, nil
	}
	if status.Code(err) != codes.NotFound {
		return push.KeyPair{}, fmt.Errorf("firestore get failed: %w", err)
	}

	pair, err := generateKeyPair()
	if err != nil {
		return push.KeyPair{}, err
	}
	rec := keyRecord{
		UID:       uid,
		Public:    pair.Public,
		Private:   pair.Private,
		CreatedAt: time.Now().UTC(),
	}
	// Create, not Set: a concurrent registration may have won the race, in
	// which case its pair is the authoritative one.
	_, err = s.client.Collection(keyCollection).Doc(uid).Create(ctx, rec)
	if status.Code(err) == codes.AlreadyExists {
		return s.KeyForUser(ctx, user)
	}
	if err != nil {
		return push.KeyPair{}, fmt.Errorf("storing identity key pair: %w", err)
	}
	return pair, nil
}

// StatusesForUsers implements push.StatusProvider. Users without a stored
// presence are absent from the result.
func (s *AccountStore) StatusesForUsers(ctx context.Context, users []urn.URN) (map[string]push.Status, error) {
	uids := make([]string, 0, len(users))
	for _, u := range users {
		uids = append(uids, u.String())
	}

	statuses := make(map[string]push.Status)
	for start := 0; start < len(uids); start += maxInValues {
		end := min(start+maxInValues, len(uids))
		iter := s.client.Collection(presenceCollection).Where("uid", "in", uids[start:end]).Documents(ctx)
		err := func() error {
			defer iter.Stop()
			for {
				doc, err := iter.Next()
				if err == iterator.Done {
					return nil
				}
				if err != nil {
					return fmt.Errorf("firestore iteration failed: %w", err)
				}
				var rec presenceRecord
				if err := doc.DataTo(&rec); err != nil {
					continue
				}
				statuses[rec.UID] = push.Status{Value: rec.Status}
			}
		}()
		if err != nil {
			return nil, err
		}
	}
	return statuses, nil
}

// UserLanguage implements push.Localizer. Missing settings fall back to
// the empty language, which means the producer's default.
func (s *AccountStore) UserLanguage(ctx context.Context, user urn.URN) string {
	doc, err := s.client.Collection(settingsCollection).Doc(user.String()).Get(ctx)
	if err != nil {
		return ""
	}
	var rec settingsRecord
	if err := doc.DataTo(&rec); err != nil {
		return ""
	}
	return rec.Language
}

func generateKeyPair() (push.KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, identityKeyBits)
	if err != nil {
		return push.KeyPair{}, fmt.Errorf("generating identity key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return push.KeyPair{}, fmt.Errorf("encoding identity public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return push.KeyPair{Public: string(pubPEM), Private: string(privPEM)}, nil
}
