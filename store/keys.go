package store

import "fmt"

// KeyType categorizes the rotating key material the protocol layer reads and
// writes during a session.
type KeyType uint8

const (
	KeyTypePreKey KeyType = iota
	KeyTypeCipherSession
	KeyTypeSenderKey
	KeyTypeAppStateSyncKey
	KeyTypeAppStateSyncVersion
	KeyTypeSenderKeyMemory
)

var keyTypeNames = map[KeyType]string{
	KeyTypePreKey:              "pre-key",
	KeyTypeCipherSession:       "cipher-session",
	KeyTypeSenderKey:           "sender-key",
	KeyTypeAppStateSyncKey:     "app-state-sync-key",
	KeyTypeAppStateSyncVersion: "app-state-sync-version",
	KeyTypeSenderKeyMemory:     "sender-key-memory",
}

func (t KeyType) String() string {
	if n, ok := keyTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("key-type-%d", uint8(t))
}

func (t KeyType) Valid() bool {
	_, ok := keyTypeNames[t]
	return ok
}

// Collection maps key type to a mapping of opaque id to key payload. It is
// owned exclusively by one session cache instance and never shared across
// sessions.
type Collection map[KeyType]map[string][]byte

func NewCollection() Collection {
	return make(Collection)
}

// Clone returns a deep copy suitable for handing across goroutines.
func (c Collection) Clone() Collection {
	out := make(Collection, len(c))
	for t, m := range c {
		cm := make(map[string][]byte, len(m))
		for id, v := range m {
			b := make([]byte, len(v))
			copy(b, v)
			cm[id] = b
		}
		out[t] = cm
	}
	return out
}

func (c Collection) Count() int {
	n := 0
	for _, m := range c {
		n += len(m)
	}
	return n
}
