// This package defines the abstraction over the external chat protocol. The
// session manager owns at most one Client per session and consumes its event
// channel; concrete implementations live in subpackages and fakes in tests.
package protocol

import (
	"context"

	"github.com/roost-im/roost/ids"
	"github.com/roost-im/roost/store"
)

// CloseCause distinguishes a remote logout, which is terminal, from every
// other close, which feeds the reconnect state machine.
type CloseCause int

const (
	CauseUnknown CloseCause = iota
	CauseConnectionError
	CauseLoggedOut
)

func (c CloseCause) String() string {
	switch c {
	case CauseConnectionError:
		return "connection-error"
	case CauseLoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// QREvent is emitted while the session waits to be paired.
type QREvent struct {
	Code string
}

// OpenEvent is emitted when the connection is established and authenticated.
type OpenEvent struct{}

// ClosedEvent is emitted when the connection drops for any reason.
type ClosedEvent struct {
	Cause CloseCause
	Err   error
}

type MessageEvent struct {
	ID        string
	ChatJID   string
	From      string
	Text      string
	Timestamp uint64
	FromSelf  bool
}

type ReceiptEvent struct {
	MessageID string
	From      string
	Timestamp uint64
}

type PresenceEvent struct {
	From      string
	Available bool
}

type Contact struct {
	JID  string
	Name string
}

type Chat struct {
	JID           string
	Name          string
	LastMessageTs uint64
}

// HistorySyncEvent carries the bulk backfill delivered on first login.
type HistorySyncEvent struct {
	Contacts []Contact
	Chats    []Chat
	Messages []MessageEvent
}

// Client is one live protocol connection. Events are delivered on the Events
// channel in the order the protocol produced them; the channel is closed by
// Close.
type Client interface {
	Connect(ctx context.Context) error
	Logout(ctx context.Context) error
	SendText(ctx context.Context, to, text string) (string, error)
	Events() <-chan interface{}
	Close()
}

// KeyStore is the protocol layer's window onto the session's rotating key
// material. Get returns only present ids; a nil payload in Set deletes.
type KeyStore interface {
	Get(t store.KeyType, ids []string) map[string][]byte
	Set(mutations map[store.KeyType]map[string][]byte) bool
}

// Session is what a dialer receives: the identity material and key store for
// one session. Credential mutations made through UpdateCredentials are
// scheduled for persistence by the owner.
type Session interface {
	Key() ids.SessionKey
	Credentials() store.Credentials
	UpdateCredentials(f func(*store.Credentials))
	Keys() KeyStore
}

// Dialer constructs an unconnected Client for a session.
type Dialer func(sess Session) (Client, error)
