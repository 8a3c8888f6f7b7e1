// This package implements the field cipher used to protect credential and key
// blobs at rest, along with key parsing and derivation helpers. Sealed blobs use
// the frame [12-byte random nonce][16-byte tag][ciphertext] over chacha20poly1305.
package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead

	masterKeyPrefix = "base64:"
)

// ErrIntegrity indicates a sealed blob is truncated, tampered with or was
// sealed under a different key. No plaintext is ever returned alongside it.
var ErrIntegrity = errors.New("crypto: integrity check failed")

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

// ParseMasterKey decodes a master key in the form "base64:<44 chars>" and
// requires exactly 32 bytes after decoding. Any failure here is fatal to the
// caller, there is no degraded mode without a master key.
func ParseMasterKey(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("crypto: master key is not set")
	}
	if !strings.HasPrefix(s, masterKeyPrefix) {
		return nil, fmt.Errorf("crypto: master key must start with %q", masterKeyPrefix)
	}
	key, err := base64.StdEncoding.DecodeString(s[len(masterKeyPrefix):])
	if err != nil {
		return nil, fmt.Errorf("crypto: error decoding master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: expected master key of length %d, got %d", KeySize, len(key))
	}
	return key, nil
}

// DeriveKey derives a 32-byte subkey from the master key for the given label
// so the master key itself is never used for two purposes.
func DeriveKey(master []byte, label string) ([]byte, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", KeySize, len(master))
	}
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: error deriving key: %w", err)
	}
	return out, nil
}

// Cipher seals and opens byte payloads under a process-wide key. The key is
// read-only after construction so a Cipher is safe for concurrent use.
type Cipher struct {
	key []byte
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Cipher{key: k}, nil
}

// Seal encrypts msg with a freshly random nonce. The nonce is never reused for
// the same key within the process.
func (c *Cipher) Seal(msg []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: error reading nonce: %w", err)
	}
	// Seal produces ciphertext||tag, the frame wants nonce||tag||ciphertext.
	sealed := aead.Seal(nil, nonce, msg, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]
	out := make([]byte, 0, NonceSize+TagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrIntegrity
	}
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:NonceSize]
	tag := sealed[NonceSize : NonceSize+TagSize]
	ct := sealed[NonceSize+TagSize:]
	in := make([]byte, 0, len(ct)+TagSize)
	in = append(in, ct...)
	in = append(in, tag...)
	msg, err := aead.Open(nil, nonce, in, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return msg, nil
}

// SliceToKey converts a 32-byte slice into a key pointer, panicking on any
// other length.
func SliceToKey(s []byte) *[KeySize]byte {
	if len(s) != KeySize {
		panic("key is wrong length")
	}
	var k [KeySize]byte
	copy(k[:], s)
	return &k
}

// EncryptWithDH and DecryptWithDH seal under a computed DH shared key. The
// zero nonce is safe only because the sender uses a fresh ephemeral keypair
// per message.
func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

// EncryptWithKey and DecryptWithKey use a zero nonce and are only safe for
// single-use keys such as ratchet message keys.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}
