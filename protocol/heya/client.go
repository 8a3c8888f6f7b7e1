// This package implements protocol.Client over a heya TLS relay. Each session
// owns one inbox on its relay: the client registers a TLS key, mints a send
// token for the inbox and advertises both in a pairing URL. Peers send
// nacl-boxed bencode envelopes to that token; the client drains them with WANT
// and trims the relay once processed.
package heya

import (
	"bytes"
	"context"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/nacl/box"
	heya_client "github.com/meow-io/heya/client"
	"github.com/roost-im/roost/bencode"
	"github.com/roost-im/roost/config"
	"github.com/roost-im/roost/crypto"
	"github.com/roost-im/roost/ids"
	"github.com/roost-im/roost/protocol"
	"github.com/roost-im/roost/store"
	"go.uber.org/zap"
)

const (
	HeyaScheme  = "heya"
	DefaultPort = heya_client.DefaultPort

	inboxSeqID   = "inbox-seq"
	tokenTTL     = time.Hour * 24 * 365
	requestLimit = time.Second * 10
)

// PairURL addresses one inbox: the relay, the inbox owner's identity key for
// sealing and the send token peers must present.
type PairURL struct {
	Host        string
	Port        int
	PublicBytes [32]byte
	SendToken   [32]byte
}

func (pu *PairURL) URL() string {
	return fmt.Sprintf("heya://%s:%d/%s/%s",
		pu.Host,
		pu.Port,
		base64.RawURLEncoding.EncodeToString(pu.PublicBytes[:]),
		base64.RawURLEncoding.EncodeToString(pu.SendToken[:]))
}

func ParseURL(u string) (*PairURL, error) {
	pu, err := url.Parse(u)
	if err != nil {
		return nil, err
	}

	if pu.Scheme != HeyaScheme {
		return nil, fmt.Errorf("heya: expected scheme %s, got %s", HeyaScheme, pu.Scheme)
	}

	parts := strings.Split(pu.Path, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("heya: malformed url path %s", pu.Path)
	}

	publicKeyBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	sendTokenBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	if len(publicKeyBytes) != 32 {
		return nil, fmt.Errorf("heya: expected length 32, got %d", len(publicKeyBytes))
	}
	if len(sendTokenBytes) != 32 {
		return nil, fmt.Errorf("heya: expected length 32, got %d", len(sendTokenBytes))
	}

	parsed := &PairURL{Host: pu.Hostname()}
	copy(parsed.PublicBytes[:], publicKeyBytes)
	copy(parsed.SendToken[:], sendTokenBytes)
	if pu.Port() == "" {
		parsed.Port = DefaultPort
	} else {
		port, err := strconv.ParseUint(pu.Port(), 10, 16)
		if err != nil {
			return nil, err
		}
		parsed.Port = int(port)
	}
	return parsed, nil
}

type envelope struct {
	PublicKey [32]byte `bencode:"pk"`
	Body      []byte   `bencode:"b"`
}

type interiorMessage struct {
	ID       string `bencode:"i"`
	From     string `bencode:"f"`
	Body     string `bencode:"b"`
	SentAtMs uint64 `bencode:"t"`
}

// Client is one session's connection to its heya relay. Reconnection is left
// to the caller, the underlying client is configured without it.
type Client struct {
	cfg  *config.Config
	log  *zap.SugaredLogger
	sess protocol.Session
	host string
	port int

	hc        *heya_client.Client
	sendToken []byte
	nextSeq   uint64
	events    chan interface{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lock   sync.Mutex
	closed bool
}

// NewDialer returns a protocol.Dialer which reads the relay host and port from
// the session key's channel component.
func NewDialer(c *config.Config) protocol.Dialer {
	return func(sess protocol.Session) (protocol.Client, error) {
		host, port, err := splitChannel(sess.Key().Channel)
		if err != nil {
			return nil, err
		}
		return NewClient(c, sess, host, port), nil
	}
}

func NewClient(c *config.Config, sess protocol.Session, host string, port int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    c,
		log:    c.Logger("protocol/heya"),
		sess:   sess,
		host:   host,
		port:   port,
		events: make(chan interface{}, 100),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect establishes the TLS connection, persisting the transport identity on
// first use, and registers the session's inbox. An unpaired session emits a QR
// event carrying its pairing URL before the open event.
func (c *Client) Connect(ctx context.Context) error {
	creds := c.sess.Credentials()
	conf := &heya_client.Config{
		Host:      c.host,
		Port:      c.port,
		Reconnect: false,
		Ping:      true,
		NewState:  c.stateUpdate,
		Debug:     c.cfg.Debug,
	}

	var hc *heya_client.Client
	var err error
	if len(creds.TransportKeyPKCS1) != 0 {
		conf.PrivateKeyPKCS1 = creds.TransportKeyPKCS1
		conf.Cert = creds.TransportCert
		hc, err = heya_client.NewClientFromKey(conf)
	} else {
		hc, err = heya_client.NewClient(conf)
	}
	if err != nil {
		return fmt.Errorf("heya: error creating client: %w", err)
	}
	if err := hc.Connect(ctx); err != nil {
		return fmt.Errorf("heya: error connecting to %s:%d: %w", c.host, c.port, err)
	}
	c.lock.Lock()
	c.hc = hc
	c.lock.Unlock()

	if len(creds.TransportKeyPKCS1) == 0 {
		c.sess.UpdateCredentials(func(cr *store.Credentials) {
			cr.TransportKeyPKCS1 = hc.PrivateKeyPKCS1
			cr.TransportCert = hc.Certificate
		})
	}

	if creds.PairedURL == "" {
		token, err := hc.MakeSendToken(ctx, time.Now(), time.Now().Add(tokenTTL))
		if err != nil {
			return fmt.Errorf("heya: error making inbox token: %w", err)
		}
		pu := &PairURL{Host: c.host, Port: c.port, PublicBytes: creds.IdentityPub}
		copy(pu.SendToken[:], token)
		pairedURL := pu.URL()
		c.sess.UpdateCredentials(func(cr *store.Credentials) {
			cr.PairedURL = pairedURL
		})
		c.sendToken = token
		c.emit(&protocol.QREvent{Code: pairedURL})
	} else {
		pu, err := ParseURL(creds.PairedURL)
		if err != nil {
			return fmt.Errorf("heya: error parsing paired url: %w", err)
		}
		c.sendToken = pu.SendToken[:]
	}

	vals := c.sess.Keys().Get(store.KeyTypeAppStateSyncVersion, []string{inboxSeqID})
	if b, ok := vals[inboxSeqID]; ok && len(b) == 8 {
		c.nextSeq = binary.BigEndian.Uint64(b)
	}

	c.wg.Add(1)
	go c.recvLoop()
	c.emit(&protocol.OpenEvent{})
	return nil
}

// Logout revokes every credential the relay holds for this transport identity.
func (c *Client) Logout(ctx context.Context) error {
	hc := c.conn()
	if hc == nil {
		return fmt.Errorf("heya: not connected")
	}
	if err := hc.DeauthAll(ctx); err != nil {
		return fmt.Errorf("heya: error deauthing: %w", err)
	}
	return nil
}

// SendText seals text for the pairing URL in to and hands it to the relay. A
// fresh ephemeral keypair per message keeps the zero-nonce sealing safe.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	hc := c.conn()
	if hc == nil {
		return "", fmt.Errorf("heya: not connected")
	}
	parsed, err := ParseURL(to)
	if err != nil {
		return "", fmt.Errorf("heya: error parsing recipient: %w", err)
	}

	id := ids.NewID()
	im := &interiorMessage{
		ID:       id.String(),
		From:     c.sess.Credentials().PairedURL,
		Body:     text,
		SentAtMs: uint64(time.Now().UnixMilli()),
	}
	interiorBytes, err := bencode.Serialize(im)
	if err != nil {
		return "", fmt.Errorf("heya: error encoding message: %w", err)
	}
	publicKey, privateKey, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return "", err
	}
	encrypted, err := crypto.EncryptWithDH(parsed.PublicBytes[:], privateKey[:], interiorBytes, nil)
	if err != nil {
		return "", fmt.Errorf("heya: error sealing message: %w", err)
	}
	envBytes, err := bencode.Serialize(&envelope{*publicKey, encrypted})
	if err != nil {
		return "", fmt.Errorf("heya: error encoding envelope: %w", err)
	}
	if err := hc.Send(ctx, parsed.SendToken[:], envBytes); err != nil {
		return "", fmt.Errorf("heya: error sending message: %w", err)
	}
	return im.ID, nil
}

func (c *Client) Events() <-chan interface{} {
	return c.events
}

// Close tears the connection down without emitting further events.
func (c *Client) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	hc := c.hc
	c.lock.Unlock()

	c.cancel()
	if hc != nil {
		hc.CloseWithoutReconnect()
	}
	c.wg.Wait()

	c.lock.Lock()
	close(c.events)
	c.lock.Unlock()
}

// conn returns the underlying relay client, or nil before Connect has
// established one.
func (c *Client) conn() *heya_client.Client {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.hc
}

func (c *Client) emit(e interface{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.log.Warnf("dropping event %T, channel full", e)
	}
}

func (c *Client) stateUpdate(state int) {
	if state == heya_client.Closed {
		c.emit(&protocol.ClosedEvent{Cause: protocol.CauseConnectionError, Err: fmt.Errorf("heya: connection to %s:%d closed", c.host, c.port)})
	}
}

// recvLoop drains inbox notifications: WANT each sequence number since the
// last processed one, decode and emit, then persist the new cursor and trim
// the relay.
func (c *Client) recvLoop() {
	defer c.wg.Done()
	hc := c.conn()
	for {
		select {
		case <-c.ctx.Done():
			return
		case n := <-hc.Notifications():
			switch v := n.(type) {
			case *heya_client.Notification:
				if !bytes.Equal(v.Token, c.sendToken) {
					continue
				}
				if v.Seq <= c.nextSeq {
					continue
				}
				for i := c.nextSeq; i < v.Seq; i++ {
					reqCtx, cancelFn := context.WithTimeout(c.ctx, requestLimit)
					message, err := hc.Want(reqCtx, c.sendToken, i)
					cancelFn()
					if err != nil {
						c.log.Warnf("error getting message %d: %s", i, err)
						break
					}
					c.nextSeq = i + 1
					if message == nil {
						continue
					}
					c.handleIncoming(message.Body)
				}

				var seqBytes [8]byte
				binary.BigEndian.PutUint64(seqBytes[:], c.nextSeq)
				c.sess.Keys().Set(map[store.KeyType]map[string][]byte{
					store.KeyTypeAppStateSyncVersion: {inboxSeqID: seqBytes[:]},
				})

				reqCtx, cancelFn := context.WithTimeout(c.ctx, requestLimit)
				if _, err := hc.Trim(reqCtx, c.sendToken, c.nextSeq-1); err != nil {
					c.log.Debugf("error trimming inbox: %s", err)
				}
				cancelFn()
			case *heya_client.DoneIntro:
				c.log.Debugf("inbox replay complete for %s:%d", c.host, c.port)
			}
		}
	}
}

// handleIncoming opens one envelope. Anything undecodable is logged and
// dropped so a malformed message never wedges the inbox cursor.
func (c *Client) handleIncoming(body []byte) {
	env := &envelope{}
	if err := bencode.Deserialize(body, env); err != nil {
		c.log.Warnf("unable to decode envelope: %s", err)
		return
	}
	creds := c.sess.Credentials()
	plain, err := crypto.DecryptWithDH(env.PublicKey[:], creds.IdentityPriv[:], env.Body, nil)
	if err != nil {
		c.log.Warnf("unable to decrypt message: %s", err)
		return
	}
	im := &interiorMessage{}
	if err := bencode.Deserialize(plain, im); err != nil {
		c.log.Warnf("unable to decode message: %s", err)
		return
	}
	c.emit(&protocol.MessageEvent{
		ID:        im.ID,
		ChatJID:   im.From,
		From:      im.From,
		Text:      im.Body,
		Timestamp: im.SentAtMs,
		FromSelf:  im.From != "" && im.From == creds.PairedURL,
	})
}

func splitChannel(channel string) (string, int, error) {
	if !strings.Contains(channel, ":") {
		return channel, DefaultPort, nil
	}
	host, portStr, err := net.SplitHostPort(channel)
	if err != nil {
		return "", 0, fmt.Errorf("heya: error parsing channel %s: %w", channel, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("heya: error parsing channel port %s: %w", portStr, err)
	}
	return host, int(port), nil
}
