package store

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kevinburke/nacl/box"
)

// Credentials is the long-lived identity material for one session: a static
// DH identity keypair, an ed25519 signing keypair, a signed pre-key and
// registration metadata. TransportKeyPKCS1 and TransportCert are filled in
// lazily by transport clients which need a persistent TLS identity.
type Credentials struct {
	IdentityPub       [32]byte `bencode:"ip"`
	IdentityPriv      [32]byte `bencode:"ik"`
	SigningPub        [32]byte `bencode:"sp"`
	SigningPriv       [64]byte `bencode:"sk"`
	PreKeyPub         [32]byte `bencode:"pp"`
	PreKeyPriv        [32]byte `bencode:"pk"`
	PreKeySignature   [64]byte `bencode:"ps"`
	RegistrationID    uint32   `bencode:"r"`
	Name              string   `bencode:"n"`
	TransportKeyPKCS1 []byte   `bencode:"tk"`
	TransportCert     []byte   `bencode:"tc"`
	PairedURL         string   `bencode:"pu"`
}

// NewCredentials synthesizes a fresh identity. This happens exactly once per
// session, when no durable record exists yet or the existing one cannot be
// decoded.
func NewCredentials() (*Credentials, error) {
	identityPub, identityPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("store: error generating identity key: %w", err)
	}
	signingPub, signingPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("store: error generating signing key: %w", err)
	}
	preKeyPub, preKeyPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("store: error generating pre-key: %w", err)
	}

	var regBytes [4]byte
	if _, err := io.ReadFull(crypto_rand.Reader, regBytes[:]); err != nil {
		return nil, fmt.Errorf("store: error generating registration id: %w", err)
	}

	c := &Credentials{
		IdentityPub:    *identityPub,
		IdentityPriv:   *identityPriv,
		SigningPub:     [32]byte(signingPub),
		SigningPriv:    [64]byte(signingPriv),
		PreKeyPub:      *preKeyPub,
		PreKeyPriv:     *preKeyPriv,
		RegistrationID: binary.BigEndian.Uint32(regBytes[:]) & 0x3fff,
	}
	c.PreKeySignature = [64]byte(ed25519.Sign(signingPriv, preKeyPub[:]))
	return c, nil
}

// VerifyPreKey checks the signed pre-key against the signing key. A failure
// here means the record was assembled from mismatched material.
func (c *Credentials) VerifyPreKey() bool {
	return ed25519.Verify(c.SigningPub[:], c.PreKeyPub[:], c.PreKeySignature[:])
}
