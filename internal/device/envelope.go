package device

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// EncryptedEnvelope is the encrypted and signed form of one per-device data
// blob. It is produced once per (device, event) pair and never persisted.
type EncryptedEnvelope struct {
	Ciphertext []byte
	Signature  []byte
}

// CiphertextBase64 returns the ciphertext in standard base64.
func (e EncryptedEnvelope) CiphertextBase64() string {
	return base64.StdEncoding.EncodeToString(e.Ciphertext)
}

// SignatureBase64 returns the signature in standard base64.
func (e EncryptedEnvelope) SignatureBase64() string {
	return base64.StdEncoding.EncodeToString(e.Signature)
}

// ParseEncryptedEnvelope decodes the base64 wire form of an envelope.
func ParseEncryptedEnvelope(ciphertext, signature string) (EncryptedEnvelope, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return EncryptedEnvelope{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return EncryptedEnvelope{}, fmt.Errorf("decode signature: %w", err)
	}
	return EncryptedEnvelope{Ciphertext: ct, Signature: sig}, nil
}

// EncryptionError reports that a payload could not be encrypted or signed
// for a device. The registration is considered permanently broken and must
// be deleted by the caller.
type EncryptionError struct {
	DeviceIdentifier string
	Err              error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encrypt payload for device %s: %v", e.DeviceIdentifier, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Signer encrypts per-device data and signs the ciphertext with the acting
// user's RSA identity key. One Signer is built per dispatch call and shared
// across that user's devices.
type Signer struct {
	privateKey *rsa.PrivateKey
	logger     *slog.Logger
}

// NewSigner parses the user's PEM identity key pair.
func NewSigner(key push.KeyPair, logger *slog.Logger) (*Signer, error) {
	block, _ := pem.Decode([]byte(key.Private))
	if block == nil {
		return nil, fmt.Errorf("identity key is not PEM encoded")
	}
	priv, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return &Signer{privateKey: priv, logger: logger}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if priv, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return priv, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key is not an RSA key")
	}
	return priv, nil
}

// encryptAndSign encrypts data with the device public key (PKCS#1 v1.5) and
// signs the ciphertext with the user identity key (SHA-512).
func (s *Signer) encryptAndSign(d Device, devicePublicKey string, data []byte) (EncryptedEnvelope, error) {
	pub, err := parseDevicePublicKey(devicePublicKey)
	if err != nil {
		s.logger.Error("Device public key is unusable", "device", d.Identifier(), "err", err)
		return EncryptedEnvelope{}, &EncryptionError{DeviceIdentifier: d.Identifier(), Err: err}
	}

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, data)
	if err != nil {
		// Encryption only fails when the plaintext exceeds what the key
		// can carry, the subject budget guards against that. A failure
		// here means the registered key is broken.
		s.logger.Error("Failed to encrypt payload for device", "device", d.Identifier(), "err", err)
		return EncryptedEnvelope{}, &EncryptionError{DeviceIdentifier: d.Identifier(), Err: err}
	}

	hashed := sha512.Sum512(ciphertext)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA512, hashed[:])
	if err != nil {
		return EncryptedEnvelope{}, &EncryptionError{DeviceIdentifier: d.Identifier(), Err: err}
	}

	return EncryptedEnvelope{Ciphertext: ciphertext, Signature: signature}, nil
}

func parseDevicePublicKey(publicKey string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKey))
	if block == nil {
		return nil, fmt.Errorf("public key is not PEM encoded")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an RSA key")
	}
	return pub, nil
}
