package device

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// DeriveIdentifier computes the stable device identifier for a
// (user, auth token) pair and signs it with the user's identity key. The
// identifier is the base64 SHA-512 of the JSON identity tuple; the
// signature covers the tuple before hashing, which is what the proxy
// verifies against.
func DeriveIdentifier(key push.KeyPair, user urn.URN, tokenID int64) (string, []byte, error) {
	tuple, err := json.Marshal([]any{user.String(), tokenID})
	if err != nil {
		return "", nil, fmt.Errorf("marshal identity tuple: %w", err)
	}

	block, _ := pem.Decode([]byte(key.Private))
	if block == nil {
		return "", nil, fmt.Errorf("identity key is not PEM encoded")
	}
	priv, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return "", nil, fmt.Errorf("parse identity key: %w", err)
	}

	hashed := sha512.Sum512(tuple)
	signature, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA512, hashed[:])
	if err != nil {
		return "", nil, fmt.Errorf("sign identity tuple: %w", err)
	}

	return base64.StdEncoding.EncodeToString(hashed[:]), signature, nil
}
