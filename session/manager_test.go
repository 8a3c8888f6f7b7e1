package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/roost-im/roost/clock"
	"github.com/roost-im/roost/config"
	"github.com/roost-im/roost/crypto"
	"github.com/roost-im/roost/data"
	"github.com/roost-im/roost/events"
	"github.com/roost-im/roost/ids"
	"github.com/roost-im/roost/internal/test"
	"github.com/roost-im/roost/protocol"
	"github.com/roost-im/roost/store"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	connectErr error
	logoutErr  error
	sendErr    error

	lock      sync.Mutex
	events    chan interface{}
	closeOnce sync.Once
	loggedOut bool
	sent      []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan interface{}, 100)}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	return f.connectErr
}

func (f *fakeClient) Logout(ctx context.Context) error {
	if f.logoutErr != nil {
		return f.logoutErr
	}
	f.lock.Lock()
	f.loggedOut = true
	f.lock.Unlock()
	return nil
}

func (f *fakeClient) SendText(ctx context.Context, to, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.lock.Lock()
	f.sent = append(f.sent, fmt.Sprintf("%s:%s", to, text))
	f.lock.Unlock()
	return "msg-1", nil
}

func (f *fakeClient) Events() <-chan interface{} {
	return f.events
}

func (f *fakeClient) Close() {
	f.closeOnce.Do(func() {
		close(f.events)
	})
}

func (f *fakeClient) emit(e interface{}) {
	f.events <- e
}

type fakeDialer struct {
	lock       sync.Mutex
	clients    []*fakeClient
	sessions   []protocol.Session
	connectErr error
	dialErr    error
}

func (d *fakeDialer) dial(sess protocol.Session) (protocol.Client, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	f := newFakeClient()
	f.connectErr = d.connectErr
	d.clients = append(d.clients, f)
	d.sessions = append(d.sessions, sess)
	return f, nil
}

func (d *fakeDialer) dialCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.clients[i]
}

func (d *fakeDialer) session(i int) protocol.Session {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.sessions[i]
}

type testEnv struct {
	manager *Manager
	store   *store.Store
	data    *data.Manager
	bridge  *events.Bridge
	dialer  *fakeDialer
}

func newTestEnv(t *testing.T, opts ...config.Option) *testEnv {
	opts = append([]config.Option{
		config.WithMasterKey(test.MasterKey),
		config.WithLoggingPrefix("test"),
		config.WithFlushDelayMs(10),
		config.WithReconnectDelayMs(10),
	}, opts...)
	c := config.NewConfig(opts...)
	d := test.NewTestDatabase(c)
	t.Cleanup(func() {
		if err := d.Shutdown(); err != nil {
			panic(err)
		}
	})

	master, err := crypto.ParseMasterKey(c.MasterKey)
	require.Nil(t, err)
	fieldKey, err := crypto.DeriveKey(master, "field-cipher")
	require.Nil(t, err)
	cipher, err := crypto.NewCipher(fieldKey)
	require.Nil(t, err)
	st, err := store.NewStore(c, d, cipher, clock.NewSystemClock())
	require.Nil(t, err)
	dm, err := data.NewManager(c, d)
	require.Nil(t, err)
	bridge := events.NewBridge(c)
	dialer := &fakeDialer{}
	return &testEnv{
		manager: NewManager(c, st, dm, bridge, dialer.dial),
		store:   st,
		data:    dm,
		bridge:  bridge,
		dialer:  dialer,
	}
}

func waitEvent(t *testing.T, sub *events.Subscription, name string) *events.Event {
	for {
		select {
		case e := <-sub.C:
			if e.Name == name {
				return e
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", name)
			return nil
		}
	}
}

func waitStatus(t *testing.T, sub *events.Subscription, state string) {
	for {
		e := waitEvent(t, sub, events.Status)
		if e.Payload.(*StatusUpdate).State == state {
			return
		}
	}
}

func TestStartFreshSessionFlushesBeforeDial(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")

	_, err := env.store.Load(key)
	require.ErrorIs(err, store.ErrNotFound)

	require.Nil(env.manager.Start(key))

	// the fresh credentials were durable before the dial happened
	rec, err := env.store.Load(key)
	require.Nil(err)
	require.True(rec.Creds.VerifyPreKey())
	require.Equal(1, env.dialer.dialCount())
}

func TestStartIsIdempotent(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")

	require.Nil(env.manager.Start(key))
	require.Nil(env.manager.Start(key))
	require.Nil(env.manager.Start(key))
	require.Equal(1, env.dialer.dialCount())
}

func TestStartReusesExistingCredentials(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	creds, err := store.NewCredentials()
	require.Nil(err)
	creds.Name = "existing"
	require.Nil(env.store.Save(key, creds, nil))

	require.Nil(env.manager.Start(key))
	require.Equal("existing", env.dialer.session(0).Credentials().Name)
}

func TestOpenMakesSessionReady(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	require.False(env.manager.IsReady(key))

	env.dialer.client(0).emit(&protocol.OpenEvent{})
	waitEvent(t, sub, events.Ready)
	require.True(env.manager.IsReady(key))
	require.Equal(StateConnected, env.manager.SessionState(key))
}

func TestQREventReachesBridge(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).emit(&protocol.QREvent{Code: "heya://example/abc"})

	e := waitEvent(t, sub, events.QR)
	require.Equal("heya://example/abc", e.Payload.(*QRUpdate).Code)
	require.Eventually(func() bool {
		return env.manager.SessionState(key) == StateQRPending
	}, time.Second, time.Millisecond)
}

func TestSendRequiresReadySession(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")

	_, err := env.manager.Send(key, "someone", "hi")
	require.ErrorIs(err, ErrNotReady)

	require.Nil(env.manager.Start(key))
	_, err = env.manager.Send(key, "someone", "hi")
	require.ErrorIs(err, ErrNotReady)

	env.dialer.client(0).emit(&protocol.OpenEvent{})
	require.Eventually(func() bool {
		return env.manager.IsReady(key)
	}, time.Second, time.Millisecond)

	id, err := env.manager.Send(key, "someone", "hi")
	require.Nil(err)
	require.Equal("msg-1", id)
}

func TestReconnectBoundedByMaxAttempts(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, config.WithMaxConnectAttempts(3))
	env.dialer.connectErr = errors.New("connection refused")
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))

	// the terminal closed status arrives once attempts are exhausted
	waitStatus(t, sub, StateClosed.String())
	require.Eventually(func() bool {
		return env.manager.SessionState(key) == StateDisconnected
	}, 2*time.Second, time.Millisecond)

	// initial dial plus one per retry attempt, and no further dials
	require.Equal(4, env.dialer.dialCount())
	time.Sleep(100 * time.Millisecond)
	require.Equal(4, env.dialer.dialCount())

	// credentials are kept for a later manual start
	_, err := env.store.Load(key)
	require.Nil(err)
}

func TestOpenResetsAttemptCounter(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, config.WithMaxConnectAttempts(2))
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	waitEvent(t, sub, events.Ready)

	// two cycles of close and reopen, each reset by the open
	for cycle := 1; cycle != 3; cycle++ {
		env.dialer.client(cycle - 1).emit(&protocol.ClosedEvent{Cause: protocol.CauseConnectionError})
		require.Eventually(func() bool {
			return env.dialer.dialCount() == cycle+1
		}, 2*time.Second, time.Millisecond)
		env.dialer.client(cycle).emit(&protocol.OpenEvent{})
		waitEvent(t, sub, events.Ready)
	}
	require.True(env.manager.IsReady(key))
}

func TestLogoutCloseIsTerminal(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	waitEvent(t, sub, events.Ready)

	env.dialer.client(0).emit(&protocol.ClosedEvent{Cause: protocol.CauseLoggedOut})
	waitStatus(t, sub, StateClosed.String())

	require.Eventually(func() bool {
		_, err := env.store.Load(key)
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, time.Millisecond)

	// no reconnect was scheduled
	time.Sleep(100 * time.Millisecond)
	require.Equal(1, env.dialer.dialCount())
	require.False(env.manager.IsReady(key))
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, config.WithReconnectDelayMs(200))
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	waitEvent(t, sub, events.Ready)
	env.dialer.client(0).emit(&protocol.ClosedEvent{Cause: protocol.CauseConnectionError})

	require.Eventually(func() bool {
		return env.manager.SessionState(key) == StateReconnecting
	}, 2*time.Second, time.Millisecond)

	require.Nil(env.manager.Stop(key))
	time.Sleep(400 * time.Millisecond)
	require.Equal(1, env.dialer.dialCount())
	require.Equal(StateDisconnected, env.manager.SessionState(key))
}

func TestStopDeletesCredentialsOnSuccessfulLogout(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	require.Eventually(func() bool {
		return env.manager.IsReady(key)
	}, time.Second, time.Millisecond)

	require.Nil(env.manager.Stop(key))
	require.True(env.dialer.client(0).loggedOut)
	_, err := env.store.Load(key)
	require.ErrorIs(err, store.ErrNotFound)
}

func TestStopKeepsCredentialsWhenLogoutFails(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).logoutErr = errors.New("relay unreachable")
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	require.Eventually(func() bool {
		return env.manager.IsReady(key)
	}, time.Second, time.Millisecond)

	require.Nil(env.manager.Stop(key))
	_, err := env.store.Load(key)
	require.Nil(err)
}

func TestConcurrentStartAndStop(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	for i := 0; i != 50; i++ {
		key := ids.NewSessionKey("tenant-1", fmt.Sprintf("relay-%d", i))
		var wg sync.WaitGroup
		var startErr, stopErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			startErr = env.manager.Start(key)
		}()
		go func() {
			defer wg.Done()
			stopErr = env.manager.Stop(key)
		}()
		wg.Wait()

		require.Nil(startErr)
		if stopErr != nil {
			require.ErrorIs(stopErr, ErrNoSession)
		}
		// whichever side lost the race, a trailing stop leaves nothing behind
		if err := env.manager.Stop(key); err != nil {
			require.ErrorIs(err, ErrNoSession)
		}
		require.Equal(StateDisconnected, env.manager.SessionState(key))
	}
}

func TestDialFailureFeedsReconnectAndCloses(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, config.WithMaxConnectAttempts(1))
	env.dialer.dialErr = errors.New("no route to relay")
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	waitStatus(t, sub, StateClosed.String())
	require.Eventually(func() bool {
		return env.manager.SessionState(key) == StateDisconnected
	}, 2*time.Second, time.Millisecond)

	// credentials were synthesized and kept despite never connecting
	rec, err := env.store.Load(key)
	require.Nil(err)
	require.True(rec.Creds.VerifyPreKey())
}

func TestStopUnknownSession(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	require.ErrorIs(env.manager.Stop(ids.NewSessionKey("tenant-1", "relay-a")), ErrNoSession)
}

func TestInboundMessagePublishedAndPersisted(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	waitEvent(t, sub, events.Ready)

	env.dialer.client(0).emit(&protocol.MessageEvent{
		ID:        "m-1",
		ChatJID:   "chat-1",
		From:      "peer-1",
		Text:      "hello",
		Timestamp: 12345,
	})
	e := waitEvent(t, sub, events.Message)
	mu := e.Payload.(*MessageUpdate)
	require.Equal("m-1", mu.MessageID)
	require.Equal("hello", mu.Text)
	require.Equal(uint64(12345), mu.Ts)

	msg, err := env.data.Message("tenant-1", "m-1")
	require.Nil(err)
	require.Equal("hello", msg.Body)
	require.Equal("peer-1", msg.Sender)
}

func TestSelfEchoesAreIgnored(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	waitEvent(t, sub, events.Ready)

	env.dialer.client(0).emit(&protocol.MessageEvent{ID: "m-echo", From: "self", Text: "echo", FromSelf: true})
	env.dialer.client(0).emit(&protocol.MessageEvent{ID: "m-real", From: "peer-1", Text: "real"})

	e := waitEvent(t, sub, events.Message)
	require.Equal("m-real", e.Payload.(*MessageUpdate).MessageID)
}

func TestHistorySyncBestEffortWithSummary(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	sub := env.bridge.Subscribe("tenant-1")

	require.Nil(env.manager.Start(key))
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	waitEvent(t, sub, events.Ready)

	env.dialer.client(0).emit(&protocol.HistorySyncEvent{
		Contacts: []protocol.Contact{{JID: "c-1", Name: "One"}, {JID: "c-2", Name: "Two"}},
		Chats:    []protocol.Chat{{JID: "chat-1", Name: "Chat", LastMessageTs: 5}},
		Messages: []protocol.MessageEvent{
			{ID: "m-1", ChatJID: "chat-1", From: "c-1", Text: "a", Timestamp: 1},
			{ID: "m-2", ChatJID: "chat-1", From: "c-2", Text: "b", Timestamp: 2},
		},
	})

	e := waitEvent(t, sub, events.HistorySynced)
	counts := e.Payload.(*HistorySyncedUpdate)
	require.Equal(2, counts.ContactsCount)
	require.Equal(1, counts.ChatsCount)
	require.Equal(2, counts.MessagesCount)

	contacts, err := env.data.Contacts("tenant-1")
	require.Nil(err)
	require.Len(contacts, 2)
	messages, err := env.data.Messages("tenant-1", "chat-1")
	require.Nil(err)
	require.Len(messages, 2)
	require.Equal("a", messages[0].Body)
}

func TestKeyMutationsAreFlushedDurably(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")

	require.Nil(env.manager.Start(key))
	sess := env.dialer.session(0)
	changed := sess.Keys().Set(map[store.KeyType]map[string][]byte{
		store.KeyTypePreKey: {"pk-9": {9, 9, 9}},
	})
	require.True(changed)

	require.Eventually(func() bool {
		rec, err := env.store.Load(key)
		if err != nil {
			return false
		}
		m, ok := rec.Keys[store.KeyTypePreKey]
		return ok && len(m["pk-9"]) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownDrainsWithoutLogout(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	keyA := ids.NewSessionKey("tenant-1", "relay-a")
	keyB := ids.NewSessionKey("tenant-2", "relay-b")

	require.Nil(env.manager.Start(keyA))
	require.Nil(env.manager.Start(keyB))
	env.dialer.client(0).emit(&protocol.OpenEvent{})
	env.dialer.client(1).emit(&protocol.OpenEvent{})
	require.Eventually(func() bool {
		return env.manager.IsReady(keyA) && env.manager.IsReady(keyB)
	}, time.Second, time.Millisecond)

	require.Nil(env.manager.Shutdown())
	require.False(env.dialer.client(0).loggedOut)
	require.False(env.dialer.client(1).loggedOut)

	// both records survive for the next start
	_, err := env.store.Load(keyA)
	require.Nil(err)
	_, err = env.store.Load(keyB)
	require.Nil(err)
	require.Equal(StateDisconnected, env.manager.SessionState(keyA))
}
