// This package defines the identifier types used throughout roost. A SessionKey
// scopes all durable and runtime session state to one (tenant, channel) pair and
// is never reused across tenants. ID is a random 16-byte value used for message
// and event identifiers.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"strings"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// SessionKey is the composite tenant+channel identifier scoping all session
// state. The string form is "tenant/channel".
type SessionKey struct {
	Tenant  string
	Channel string
}

func NewSessionKey(tenant, channel string) SessionKey {
	return SessionKey{Tenant: tenant, Channel: channel}
}

// ParseSessionKey parses the "tenant/channel" string form produced by String.
func ParseSessionKey(s string) (SessionKey, error) {
	tenant, channel, ok := strings.Cut(s, "/")
	if !ok || tenant == "" || channel == "" {
		return SessionKey{}, fmt.Errorf("ids: malformed session key %q", s)
	}
	return SessionKey{Tenant: tenant, Channel: channel}, nil
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.Tenant, k.Channel)
}

func (k SessionKey) Zero() bool {
	return k.Tenant == "" && k.Channel == ""
}
