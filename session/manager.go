package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roost-im/roost/config"
	"github.com/roost-im/roost/data"
	"github.com/roost-im/roost/events"
	"github.com/roost-im/roost/ids"
	"github.com/roost-im/roost/protocol"
	"github.com/roost-im/roost/store"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// ErrNotReady is returned by Send when no connection exists for the key or the
// connection has not reached the ready state yet.
var ErrNotReady = errors.New("session: not ready")

// ErrNoSession is returned by Stop when no connection exists for the key.
var ErrNoSession = errors.New("session: no such session")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateQRPending
	StateConnected
	StateReconnecting
	StateClosing
	StateClosed
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateQRPending:
		return "qr-pending"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateLoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// Bridge payloads.
type QRUpdate struct {
	Code string
}

type ReadyUpdate struct{}

type StatusUpdate struct {
	Key   ids.SessionKey
	State string
}

type MessageUpdate struct {
	MessageID string
	ChatJID   string
	From      string
	Text      string
	Ts        uint64
}

type ReceiptUpdate struct {
	MessageID string
	From      string
	Ts        uint64
}

type PresenceUpdate struct {
	From      string
	Available bool
}

type HistorySyncedUpdate struct {
	ContactsCount int
	ChatsCount    int
	MessagesCount int
}

type ErrorUpdate struct {
	Key   ids.SessionKey
	Error string
}

// ConnectionSession is the runtime state for one live or reconnecting
// connection. It exists from Start until terminal teardown and implements the
// session view handed to protocol dialers.
type ConnectionSession struct {
	key      ids.SessionKey
	cache    *Cache
	client   protocol.Client
	state    State
	attempts int
	ready    bool
	stopping bool
	retry    *time.Timer
}

func (cs *ConnectionSession) Key() ids.SessionKey {
	return cs.key
}

func (cs *ConnectionSession) Credentials() store.Credentials {
	return cs.cache.Credentials()
}

func (cs *ConnectionSession) UpdateCredentials(f func(*store.Credentials)) {
	cs.cache.UpdateCredentials(f)
}

func (cs *ConnectionSession) Keys() protocol.KeyStore {
	return cs.cache
}

// Manager owns the keyed registry of connection sessions and the full
// lifecycle around each: credential load or synthesis, dialing, the reconnect
// state machine and terminal teardown. At most one ConnectionSession exists
// per key; operations on different keys run fully in parallel.
type Manager struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	store   *store.Store
	data    *data.Manager
	bridge  *events.Bridge
	dialer  protocol.Dialer
	flusher *Flusher

	lock     sync.Mutex
	sessions map[ids.SessionKey]*ConnectionSession
	wg       sync.WaitGroup
}

func NewManager(c *config.Config, s *store.Store, d *data.Manager, bridge *events.Bridge, dialer protocol.Dialer) *Manager {
	m := &Manager{
		cfg:      c,
		log:      c.Logger("session/manager"),
		store:    s,
		data:     d,
		bridge:   bridge,
		dialer:   dialer,
		sessions: make(map[ids.SessionKey]*ConnectionSession),
	}
	m.flusher = NewFlusher(c, m.flush)
	return m
}

// Start brings up a connection for key. If one already exists, running or
// pending reconnect, Start is a no-op. A missing or undecodable durable record
// results in freshly synthesized credentials which are flushed durably before
// the first dial.
func (m *Manager) Start(key ids.SessionKey) error {
	m.lock.Lock()
	if _, ok := m.sessions[key]; ok {
		m.lock.Unlock()
		return nil
	}
	cs := &ConnectionSession{key: key, state: StateConnecting}
	m.sessions[key] = cs
	m.lock.Unlock()

	fresh := false
	var creds *store.Credentials
	var keys store.Collection
	rec, err := m.store.Load(key)
	switch {
	case err == nil:
		creds, keys = rec.Creds, rec.Keys
	case errors.Is(err, store.ErrNotFound):
		fresh = true
	default:
		// read-path store failure degrades to a fresh session
		m.log.Warnf("error loading record for %s, synthesizing fresh credentials: %s", key, err)
		fresh = true
	}
	if fresh {
		creds, err = store.NewCredentials()
		if err != nil {
			m.remove(key)
			return fmt.Errorf("session: error synthesizing credentials: %w", err)
		}
		keys = store.NewCollection()
	}

	cache := NewCache(m.cfg, key, creds, keys)
	cache.OnChange(func() {
		m.flusher.Schedule(key)
	})
	m.lock.Lock()
	cs.cache = cache
	m.lock.Unlock()

	if fresh {
		if err := m.flusher.ForceFlush(key); err != nil {
			m.remove(key)
			return fmt.Errorf("session: error flushing fresh credentials: %w", err)
		}
	}

	return m.dial(cs)
}

// Stop tears the session down: best-effort graceful logout, guaranteed
// removal. A successful logout deletes the durable record; a failed one keeps
// it so the session can be resumed with a later Start.
func (m *Manager) Stop(key ids.SessionKey) error {
	m.lock.Lock()
	cs, ok := m.sessions[key]
	if !ok {
		m.lock.Unlock()
		return ErrNoSession
	}
	cs.stopping = true
	cs.ready = false
	cs.state = StateClosing
	if cs.retry != nil {
		cs.retry.Stop()
		cs.retry = nil
	}
	client := cs.client
	m.lock.Unlock()

	loggedOut := false
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.LogoutTimeoutMs)*time.Millisecond)
		if err := client.Logout(ctx); err != nil {
			m.log.Warnf("error logging out %s: %s", key, err)
		} else {
			loggedOut = true
		}
		cancel()
		client.Close()
	}

	if loggedOut {
		m.flusher.Cancel(key)
		if err := m.store.Delete(key); err != nil {
			m.log.Warnf("error deleting record for %s: %s", key, err)
		}
	} else if err := m.flusher.ForceFlush(key); err != nil {
		m.log.Warnf("error flushing %s during stop: %s", key, err)
	}

	m.remove(key)
	m.bridge.Publish(key.Tenant, events.Status, &StatusUpdate{Key: key, State: StateClosed.String()})
	return nil
}

// Send delivers a text message through the session's connection. Delivery
// errors are propagated without retry.
func (m *Manager) Send(key ids.SessionKey, to, text string) (string, error) {
	m.lock.Lock()
	cs, ok := m.sessions[key]
	if !ok || !cs.ready {
		m.lock.Unlock()
		return "", ErrNotReady
	}
	client := cs.client
	m.lock.Unlock()

	id, err := client.SendText(context.Background(), to, text)
	if err != nil {
		return "", fmt.Errorf("session: error sending message: %w", err)
	}
	return id, nil
}

func (m *Manager) IsReady(key ids.SessionKey) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	cs, ok := m.sessions[key]
	return ok && cs.ready
}

// SessionState reports the connection state for key, or disconnected when no
// session exists.
func (m *Manager) SessionState(key ids.SessionKey) State {
	m.lock.Lock()
	defer m.lock.Unlock()
	cs, ok := m.sessions[key]
	if !ok {
		return StateDisconnected
	}
	return cs.state
}

// Ratchet returns the cipher-session ratchet bound to key's cache, or nil when
// no session exists.
func (m *Manager) Ratchet(key ids.SessionKey) *Ratchet {
	m.lock.Lock()
	defer m.lock.Unlock()
	cs, ok := m.sessions[key]
	if !ok || cs.cache == nil {
		return nil
	}
	return NewRatchet(cs.cache)
}

// Shutdown drains every session without logging out, so credentials survive a
// process restart. Pending mutations are force-flushed before the registry is
// emptied.
func (m *Manager) Shutdown() error {
	m.lock.Lock()
	sessions := maps.Values(m.sessions)
	for _, cs := range sessions {
		cs.stopping = true
		cs.ready = false
		if cs.retry != nil {
			cs.retry.Stop()
			cs.retry = nil
		}
	}
	m.lock.Unlock()

	for _, cs := range sessions {
		if cs.client != nil {
			cs.client.Close()
		}
	}
	for _, cs := range sessions {
		if err := m.flusher.ForceFlush(cs.key); err != nil {
			m.log.Warnf("error flushing %s during shutdown: %s", cs.key, err)
		}
		m.remove(cs.key)
	}
	m.wg.Wait()
	m.flusher.Wait()
	return nil
}

// flush persists the current cache snapshot for key. A flush firing after
// teardown finds no session and does nothing; one firing while Start is still
// loading credentials finds a nil cache and has nothing to persist yet.
func (m *Manager) flush(key ids.SessionKey) error {
	m.lock.Lock()
	var cache *Cache
	if cs, ok := m.sessions[key]; ok {
		cache = cs.cache
	}
	m.lock.Unlock()
	if cache == nil {
		return nil
	}
	creds, keys := cache.Snapshot()
	return m.store.Save(key, &creds, keys)
}

func (m *Manager) remove(key ids.SessionKey) {
	m.lock.Lock()
	delete(m.sessions, key)
	m.lock.Unlock()
}

// dial constructs a client for cs and starts its event loop. Dial failures
// feed the reconnect state machine the same way a close does.
func (m *Manager) dial(cs *ConnectionSession) error {
	client, err := m.dialer(cs)
	if err != nil {
		m.log.Warnf("error dialing for %s: %s", cs.key, err)
		m.handleClose(cs, protocol.CauseConnectionError, err)
		return nil
	}
	m.lock.Lock()
	if cs.stopping {
		m.lock.Unlock()
		client.Close()
		return nil
	}
	cs.client = client
	m.lock.Unlock()

	m.wg.Add(1)
	go m.run(cs)
	return nil
}

// run owns one client: bounded connection establishment followed by the event
// loop until the client closes.
func (m *Manager) run(cs *ConnectionSession) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.ConnectTimeoutMs)*time.Millisecond)
	err := cs.client.Connect(ctx)
	cancel()
	if err != nil {
		m.log.Warnf("error connecting %s: %s", cs.key, err)
		m.handleClose(cs, protocol.CauseConnectionError, err)
		return
	}

	for e := range cs.client.Events() {
		switch ev := e.(type) {
		case *protocol.QREvent:
			m.lock.Lock()
			cs.state = StateQRPending
			m.lock.Unlock()
			m.bridge.Publish(cs.key.Tenant, events.QR, &QRUpdate{Code: ev.Code})
		case *protocol.OpenEvent:
			m.lock.Lock()
			cs.state = StateConnected
			cs.ready = true
			cs.attempts = 0
			m.lock.Unlock()
			m.bridge.Publish(cs.key.Tenant, events.Ready, &ReadyUpdate{})
			m.bridge.Publish(cs.key.Tenant, events.Status, &StatusUpdate{Key: cs.key, State: StateConnected.String()})
		case *protocol.ClosedEvent:
			m.handleClose(cs, ev.Cause, ev.Err)
			return
		case *protocol.MessageEvent:
			m.handleMessage(cs, ev)
		case *protocol.ReceiptEvent:
			m.bridge.Publish(cs.key.Tenant, events.Receipt, &ReceiptUpdate{MessageID: ev.MessageID, From: ev.From, Ts: ev.Timestamp})
		case *protocol.PresenceEvent:
			m.bridge.Publish(cs.key.Tenant, events.Presence, &PresenceUpdate{From: ev.From, Available: ev.Available})
		case *protocol.HistorySyncEvent:
			m.handleHistorySync(cs, ev)
		default:
			m.log.Debugf("ignoring event %T for %s", e, cs.key)
		}
	}
	// events channel closed without a close event
	m.handleClose(cs, protocol.CauseConnectionError, errors.New("session: connection closed"))
}

// handleClose runs the close side of the state machine. A logged-out cause is
// terminal and deletes the durable record; any other cause retries with a
// fixed delay up to the attempt budget, after which the session is removed
// with its credentials intact.
func (m *Manager) handleClose(cs *ConnectionSession, cause protocol.CloseCause, err error) {
	m.lock.Lock()
	if cur, ok := m.sessions[cs.key]; !ok || cur != cs || cs.stopping {
		m.lock.Unlock()
		return
	}
	cs.ready = false
	client := cs.client
	cs.client = nil

	if cause == protocol.CauseLoggedOut {
		cs.stopping = true
		cs.state = StateLoggedOut
		m.lock.Unlock()
		if client != nil {
			client.Close()
		}
		m.log.Infof("%s logged out, deleting credentials", cs.key)
		m.flusher.Cancel(cs.key)
		if err := m.store.Delete(cs.key); err != nil {
			m.log.Warnf("error deleting record for %s: %s", cs.key, err)
		}
		m.remove(cs.key)
		m.bridge.Publish(cs.key.Tenant, events.Status, &StatusUpdate{Key: cs.key, State: StateClosed.String()})
		return
	}

	if cs.attempts < m.cfg.MaxConnectAttempts {
		cs.attempts++
		cs.state = StateReconnecting
		delay := time.Duration(m.cfg.ReconnectDelayMs) * time.Millisecond
		cs.retry = time.AfterFunc(delay, func() { m.reconnect(cs.key) })
		m.log.Infof("connection for %s closed (%s), retrying in %s, attempt %d of %d", cs.key, cause, delay, cs.attempts, m.cfg.MaxConnectAttempts)
		m.lock.Unlock()
		if client != nil {
			client.Close()
		}
		m.bridge.Publish(cs.key.Tenant, events.Status, &StatusUpdate{Key: cs.key, State: StateReconnecting.String()})
		return
	}

	cs.stopping = true
	cs.state = StateClosed
	m.lock.Unlock()
	if client != nil {
		client.Close()
	}
	m.log.Warnf("connection for %s closed (%s), attempts exhausted: %s", cs.key, cause, err)
	if err != nil {
		m.bridge.Publish(cs.key.Tenant, events.Error, &ErrorUpdate{Key: cs.key, Error: err.Error()})
	}
	if err := m.flusher.ForceFlush(cs.key); err != nil {
		m.log.Warnf("error flushing %s during close: %s", cs.key, err)
	}
	m.remove(cs.key)
	m.bridge.Publish(cs.key.Tenant, events.Status, &StatusUpdate{Key: cs.key, State: StateClosed.String()})
}

// reconnect fires from the retry timer. A session stopped in the meantime is
// gone from the registry and the retry aborts rather than re-creating it.
func (m *Manager) reconnect(key ids.SessionKey) {
	m.lock.Lock()
	cs, ok := m.sessions[key]
	if !ok || cs.stopping {
		m.lock.Unlock()
		return
	}
	cs.state = StateConnecting
	cs.retry = nil
	m.lock.Unlock()
	if err := m.dial(cs); err != nil {
		m.log.Warnf("error reconnecting %s: %s", key, err)
	}
}

// handleMessage persists and publishes one inbound message. Self-authored
// echoes are skipped; a persistence failure is logged and does not suppress
// the live event.
func (m *Manager) handleMessage(cs *ConnectionSession, ev *protocol.MessageEvent) {
	if ev.FromSelf {
		return
	}
	if err := m.data.UpsertMessage(&data.Message{
		Tenant:    cs.key.Tenant,
		MessageID: ev.ID,
		ChatJID:   ev.ChatJID,
		Sender:    ev.From,
		Body:      ev.Text,
		Ts:        ev.Timestamp,
		FromSelf:  false,
	}); err != nil {
		m.log.Warnf("error persisting message %s for %s: %s", ev.ID, cs.key, err)
	}
	m.bridge.Publish(cs.key.Tenant, events.Message, &MessageUpdate{
		MessageID: ev.ID,
		ChatJID:   ev.ChatJID,
		From:      ev.From,
		Text:      ev.Text,
		Ts:        ev.Timestamp,
	})
}

// handleHistorySync applies a backfill batch best effort. Individual upsert
// failures are logged and skipped; the batch always completes and emits one
// summary event with the applied counts.
func (m *Manager) handleHistorySync(cs *ConnectionSession, ev *protocol.HistorySyncEvent) {
	counts := HistorySyncedUpdate{}
	for _, contact := range ev.Contacts {
		if err := m.data.UpsertContact(&data.Contact{Tenant: cs.key.Tenant, JID: contact.JID, Name: contact.Name}); err != nil {
			m.log.Warnf("error upserting contact %s for %s: %s", contact.JID, cs.key, err)
			continue
		}
		counts.ContactsCount++
	}
	for _, chat := range ev.Chats {
		if err := m.data.UpsertChat(&data.Chat{Tenant: cs.key.Tenant, JID: chat.JID, Name: chat.Name, LastMessageTs: chat.LastMessageTs}); err != nil {
			m.log.Warnf("error upserting chat %s for %s: %s", chat.JID, cs.key, err)
			continue
		}
		counts.ChatsCount++
	}
	for _, msg := range ev.Messages {
		if err := m.data.UpsertMessage(&data.Message{
			Tenant:    cs.key.Tenant,
			MessageID: msg.ID,
			ChatJID:   msg.ChatJID,
			Sender:    msg.From,
			Body:      msg.Text,
			Ts:        msg.Timestamp,
			FromSelf:  msg.FromSelf,
		}); err != nil {
			m.log.Warnf("error upserting message %s for %s: %s", msg.ID, cs.key, err)
			continue
		}
		counts.MessagesCount++
	}
	m.bridge.Publish(cs.key.Tenant, events.HistorySynced, &counts)
}
