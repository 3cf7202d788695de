// Package webpush implements the sender side of the Web Push protocol from
// crypto primitives: VAPID assertion signing (RFC 8292) and aes128gcm
// message encryption (RFC 8291).
package webpush

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/associazione-ets/go-push-service/pkg/push"
	"github.com/associazione-ets/go-push-service/pushservice/config"
)

// MaxAssertionAge caps a VAPID assertion's lifetime; push services reject
// expiries more than 24 hours out.
const MaxAssertionAge = 24 * time.Hour

// Headers carry the two credentials every push-service request needs.
type Headers struct {
	Authorization string
	CryptoKey     string
}

// Signer produces signed VAPID assertions from the configured key pair.
type Signer struct {
	key       *ecdsa.PrivateKey
	publicB64 string
	subject   string
}

// NewSigner validates the configured credentials and returns a ready signer.
// Missing or malformed configuration yields push.ErrNotConfigured.
func NewSigner(cfg config.VapidConfig) (*Signer, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("%w: public key, private key and subject are all required", push.ErrNotConfigured)
	}

	privBytes, err := decodeBase64URL(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not valid base64url", push.ErrNotConfigured)
	}
	pubBytes, err := decodeBase64URL(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not valid base64url", push.ErrNotConfigured)
	}

	// ecdh validates the scalar range for us; deriving the public point
	// catches a pair that was not generated together.
	ecdhKey, err := ecdh.P256().NewPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not a valid P-256 scalar", push.ErrNotConfigured)
	}
	if !bytes.Equal(ecdhKey.PublicKey().Bytes(), pubBytes) {
		return nil, fmt.Errorf("%w: public key does not match private key", push.ErrNotConfigured)
	}

	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pubBytes[1:33]),
			Y:     new(big.Int).SetBytes(pubBytes[33:65]),
		},
		D: new(big.Int).SetBytes(privBytes),
	}

	return &Signer{
		key:       key,
		publicB64: base64.RawURLEncoding.EncodeToString(pubBytes),
		subject:   cfg.Subject,
	}, nil
}

// Headers signs an assertion scoped to one push-service origin. The audience
// must be the scheme+host of the target endpoint, never the full URL, and an
// assertion must not be reused across different origins.
func (s *Signer) Headers(audience string, expiry time.Duration) (Headers, error) {
	if expiry <= 0 || expiry > MaxAssertionAge {
		expiry = MaxAssertionAge
	}

	claims := jwt.MapClaims{
		"aud": audience,
		"exp": time.Now().Add(expiry).Unix(),
		"sub": s.subject,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.key)
	if err != nil {
		return Headers{}, fmt.Errorf("sign vapid assertion: %w", err)
	}

	return Headers{
		Authorization: fmt.Sprintf("vapid t=%s, k=%s", token, s.publicB64),
		CryptoKey:     "p256ecdsa=" + s.publicB64,
	}, nil
}

// PublicKey returns the base64url application server key, as handed to the
// browser's pushManager.subscribe.
func (s *Signer) PublicKey() string {
	return s.publicB64
}

// Audience extracts the scheme+host origin of an endpoint URL.
func Audience(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no valid origin", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// GenerateKeys creates a fresh VAPID key pair, base64url encoded.
func GenerateKeys() (publicKey, privateKey string, err error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate vapid key pair: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(key.Bytes()),
		nil
}

// decodeBase64URL accepts both padded and unpadded input; browsers and key
// generators disagree on which to emit.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
