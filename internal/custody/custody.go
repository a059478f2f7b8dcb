package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrKeyDecryption is returned for any failure to unwrap a key blob: wrong
// organization, corrupted blob, or tag mismatch. Decryption fails closed and
// never returns partial plaintext.
var ErrKeyDecryption = errors.New("key decryption failed")

const (
	nonceSize = 16
	tagSize   = 16
	kekSize   = 32

	// kekInfo domain-separates wallet KEKs from any other derivation of the
	// master secret.
	kekInfo = "peage/wallet-kek/v1"
)

// Custody envelope-encrypts wallet private keys. Each organization gets its
// own key-encryption-key derived from the master secret, so the KEK itself is
// never stored anywhere.
type Custody struct {
	master []byte
}

// New creates a Custody from a hex-encoded master secret of at least 32 bytes.
func New(hexMaster string) (*Custody, error) {
	if hexMaster == "" {
		return nil, fmt.Errorf("master secret is required")
	}
	master, err := hex.DecodeString(hexMaster)
	if err != nil {
		return nil, fmt.Errorf("decoding master secret: %w", err)
	}
	if len(master) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 bytes, got %d", len(master))
	}
	return &Custody{master: master}, nil
}

// kek derives the organization's key-encryption-key. Derived on every call and
// discarded; only the master secret is held in memory.
func (c *Custody) kek(orgID string) ([]byte, error) {
	r := hkdf.New(sha256.New, c.master, []byte(orgID), []byte(kekInfo))
	kek := make([]byte, kekSize)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving kek: %w", err)
	}
	return kek, nil
}

func (c *Custody) aead(orgID string) (cipher.AEAD, error) {
	kek, err := c.kek(orgID)
	if err != nil {
		return nil, err
	}
	defer zero(kek)

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// Encrypt wraps a raw wallet private key for the given organization. The blob
// layout is nonce || tag || ciphertext, base64-encoded for storage.
func (c *Custody) Encrypt(rawKey []byte, orgID string) (string, error) {
	if len(rawKey) == 0 {
		return "", fmt.Errorf("raw key is empty")
	}

	aead, err := c.aead(orgID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, rawKey, []byte(orgID))
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt unwraps a key blob for the given organization. Any malformed blob or
// authentication failure returns ErrKeyDecryption.
func (c *Custody) Decrypt(blob string, orgID string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding", ErrKeyDecryption)
	}
	if len(data) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: blob too short", ErrKeyDecryption)
	}

	nonce := data[:nonceSize]
	tag := data[nonceSize : nonceSize+tagSize]
	ct := data[nonceSize+tagSize:]

	aead, err := c.aead(orgID)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	rawKey, err := aead.Open(nil, nonce, sealed, []byte(orgID))
	if err != nil {
		return nil, ErrKeyDecryption
	}
	return rawKey, nil
}

// Zero overwrites key material in place. Callers must discard decrypted keys
// as soon as signing completes.
func Zero(b []byte) {
	zero(b)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
