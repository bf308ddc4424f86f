// Package crypto implements chatrelay's optional payload encryption: a
// symmetric key derived from a shared password and a per-session salt via
// scrypt, and AES-256-GCM authenticated envelopes around wire frames.
//
// Both ends derive byte-identical keys from (password, salt) without the key
// ever crossing the wire; only the salt does, once, at session start.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// SaltSize is the size of the per-session salt issued by the server.
	SaltSize = 16

	// KeySize is the size of AES-256 keys.
	KeySize = 32

	// NonceSize is the size of AES-GCM nonces.
	NonceSize = 12

	// TagSize is the size of AES-GCM authentication tags.
	TagSize = 16

	// scrypt parameters. Fixed so that independently deriving ends agree:
	// work factor N, block size r, parallelism p, output length KeySize.
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// DecryptFailedPlaceholder is shown in place of a frame that could not be
// decrypted. Decoding failures are local to one frame and non-fatal.
const DecryptFailedPlaceholder = "[message could not be decrypted]"

var (
	ErrInvalidKeySize    = errors.New("invalid key size")
	ErrInvalidSaltSize   = errors.New("invalid salt size")
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
)

// NewSalt generates a fresh random per-session salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives the AES-256 key from the shared password and a salt.
// Salts shorter than 8 bytes are rejected.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	if len(salt) < 8 {
		return nil, ErrInvalidSaltSize
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// Cipher seals and opens frame payloads with a derived key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher around a derived AES-256 key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKeySize, KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts a plaintext frame and returns the base64 payload for the
// <ENCRYPTED>; envelope. Layout: nonce (12 bytes) || ciphertext || tag (16 bytes).
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64 envelope payload produced by Seal. Input that is
// not a plausible envelope reports ErrInvalidCiphertext; an envelope that
// fails authentication reports ErrDecryptionFailed.
func (c *Cipher) Open(payload string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(sealed) < NonceSize+TagSize {
		return "", ErrInvalidCiphertext
	}

	nonce := sealed[:NonceSize]
	plaintext, err := c.aead.Open(nil, nonce, sealed[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// OpenOrPlaceholder decrypts like Open but maps any failure to the readable
// placeholder string instead of an error.
func (c *Cipher) OpenOrPlaceholder(payload string) (string, bool) {
	plaintext, err := c.Open(payload)
	if err != nil {
		return DecryptFailedPlaceholder, false
	}
	return plaintext, true
}
