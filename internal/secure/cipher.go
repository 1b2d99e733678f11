// Package secure is the encryption boundary: symmetric authenticated
// encryption of serialized message bytes keyed by a shared secret.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrMissingKey          = errors.New("secure: no key configured")
	ErrMalformedCiphertext = errors.New("secure: malformed ciphertext")
	ErrAuthFailed          = errors.New("secure: message authentication failed")
)

const (
	kdfIterations = 100_000
	keySize       = chacha20poly1305.KeySize
)

// Cipher performs single-message AEAD encrypt/decrypt. Wire form is URL-safe
// base64 of nonce||ciphertext. No streaming; one call, one message.
type Cipher struct {
	key []byte
}

// Option configures cipher construction.
type Option func(*options)

type options struct {
	salt []byte
}

// WithSalt sets an explicit KDF salt for the deployment. When absent the
// salt is derived from the secret itself, so two deployments with different
// secrets never share a salt.
func WithSalt(salt []byte) Option {
	return func(o *options) { o.salt = salt }
}

// NewCipher derives a 32-byte key from the shared secret with
// PBKDF2-HMAC-SHA256 (100,000 iterations).
func NewCipher(secret string, opts ...Option) (*Cipher, error) {
	return newCipher(secret, "", opts...)
}

// NewSessionCipher derives a per-session key over (secret, session ID), so
// compromising one session's traffic does not expose another's.
func NewSessionCipher(secret, sessionID string, opts ...Option) (*Cipher, error) {
	return newCipher(secret, sessionID, opts...)
}

func newCipher(secret, sessionID string, opts ...Option) (*Cipher, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	salt := o.salt
	if salt == nil {
		d := sha256.Sum256([]byte("meshwire-kdf-salt:" + secret))
		salt = d[:]
	}
	if sessionID != "" {
		d := sha256.Sum256(append(salt, []byte(sessionID)...))
		salt = d[:]
	}
	key := pbkdf2.Key([]byte(secret), salt, kdfIterations, keySize, sha256.New)
	return &Cipher{key: key}, nil
}

// Encrypt seals plaintext and returns the URL-safe base64 wire form.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt inverts Encrypt. Returns ErrMalformedCiphertext for undecodable
// input and ErrAuthFailed when the MAC check fails (wrong key or tampering).
func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(raw))
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// HashSHA256 returns the hex SHA-256 digest of data, for message-integrity
// checks outside the AEAD path.
func HashSHA256(data []byte) string {
	d := sha256.Sum256(data)
	return hex.EncodeToString(d[:])
}
