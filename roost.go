// This package provides the high-level interface to roost, a multi-tenant
// session and credential lifecycle manager for an external chat protocol. It
// owns the encrypted database, derives the field-cipher and database keys from
// the configured master key and wires the store, session manager and event
// bridge together.
package roost

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/roost-im/roost/clock"
	"github.com/roost-im/roost/config"
	"github.com/roost-im/roost/crypto"
	"github.com/roost-im/roost/data"
	"github.com/roost-im/roost/events"
	"github.com/roost-im/roost/ids"
	"github.com/roost-im/roost/internal/db"
	"github.com/roost-im/roost/protocol"
	heya "github.com/roost-im/roost/protocol/heya"
	"github.com/roost-im/roost/session"
	"github.com/roost-im/roost/store"
	"go.uber.org/zap"
)

const (
	StateNew         = 0
	StateInitialized = 1
	StateRunning     = 2
)

type Roost struct {
	DB *db.Database

	config  *config.Config
	log     *zap.SugaredLogger
	clock   clock.Clock
	dialer  protocol.Dialer
	state   int
	cipher  *crypto.Cipher
	store   *store.Store
	data    *data.Manager
	bridge  *events.Bridge
	manager *session.Manager
}

// NewRoost creates an instance connecting sessions over the heya relay
// protocol.
func NewRoost(c *config.Config) (*Roost, error) {
	return NewRoostWithDialer(c, heya.NewDialer(c))
}

// NewRoostWithDialer creates an instance with a custom protocol dialer.
func NewRoostWithDialer(c *config.Config, dialer protocol.Dialer) (*Roost, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making roost, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Roost{
		DB:     database,
		config: c,
		log:    log,
		clock:  cl,
		dialer: dialer,
		state:  state,
	}, nil
}

func (r *Roost) New() bool {
	return r.state == StateNew
}

func (r *Roost) Initialized() bool {
	return r.state == StateInitialized
}

func (r *Roost) Running() bool {
	return r.state == StateRunning
}

// Initialize creates the encrypted database and brings the instance up. The
// database key is derived from the master key, which must be present and
// well-formed or this fails immediately.
func (r *Roost) Initialize() error {
	if r.state != StateNew {
		return errors.New("roost: cannot initialize unless in state new")
	}
	master, err := crypto.ParseMasterKey(r.config.MasterKey)
	if err != nil {
		return err
	}
	dbKey, err := crypto.DeriveKey(master, "database")
	if err != nil {
		return err
	}
	if err := r.DB.Initialize(dbKey); err != nil {
		return err
	}
	r.state = StateInitialized
	return r.open(master, dbKey)
}

// Open brings up an already-initialized instance.
func (r *Roost) Open() error {
	if r.state != StateInitialized {
		return errors.New("roost: cannot open unless in state initialized")
	}
	master, err := crypto.ParseMasterKey(r.config.MasterKey)
	if err != nil {
		return err
	}
	dbKey, err := crypto.DeriveKey(master, "database")
	if err != nil {
		return err
	}
	return r.open(master, dbKey)
}

func (r *Roost) open(master, dbKey []byte) error {
	if err := r.DB.Open(dbKey); err != nil {
		return err
	}

	fieldKey, err := crypto.DeriveKey(master, "field-cipher")
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(fieldKey)
	if err != nil {
		return err
	}
	r.cipher = cipher

	st, err := store.NewStore(r.config, r.DB, cipher, r.clock)
	if err != nil {
		return err
	}
	r.store = st

	dm, err := data.NewManager(r.config, r.DB)
	if err != nil {
		return err
	}
	r.data = dm

	r.bridge = events.NewBridge(r.config)
	r.manager = session.NewManager(r.config, st, dm, r.bridge, r.dialer)
	r.state = StateRunning
	return nil
}

// StartSession brings up a connection for (tenant, channel). Idempotent while
// a session for the key exists.
func (r *Roost) StartSession(tenant, channel string) error {
	if r.state != StateRunning {
		return errors.New("roost: not running")
	}
	return r.manager.Start(ids.NewSessionKey(tenant, channel))
}

// StopSession logs the session out best effort and tears it down.
func (r *Roost) StopSession(tenant, channel string) error {
	if r.state != StateRunning {
		return errors.New("roost: not running")
	}
	return r.manager.Stop(ids.NewSessionKey(tenant, channel))
}

// SendText sends a text message through a ready session.
func (r *Roost) SendText(tenant, channel, to, text string) (string, error) {
	if r.state != StateRunning {
		return "", errors.New("roost: not running")
	}
	return r.manager.Send(ids.NewSessionKey(tenant, channel), to, text)
}

func (r *Roost) IsReady(tenant, channel string) bool {
	if r.state != StateRunning {
		return false
	}
	return r.manager.IsReady(ids.NewSessionKey(tenant, channel))
}

func (r *Roost) SessionState(tenant, channel string) session.State {
	if r.state != StateRunning {
		return session.StateDisconnected
	}
	return r.manager.SessionState(ids.NewSessionKey(tenant, channel))
}

// Subscribe returns a live event subscription scoped to one tenant.
func (r *Roost) Subscribe(tenant string) (*events.Subscription, error) {
	if r.state != StateRunning {
		return nil, errors.New("roost: not running")
	}
	return r.bridge.Subscribe(tenant), nil
}

func (r *Roost) Contacts(tenant string) ([]*data.Contact, error) {
	if r.state != StateRunning {
		return nil, errors.New("roost: not running")
	}
	return r.data.Contacts(tenant)
}

func (r *Roost) Chats(tenant string) ([]*data.Chat, error) {
	if r.state != StateRunning {
		return nil, errors.New("roost: not running")
	}
	return r.data.Chats(tenant)
}

func (r *Roost) Messages(tenant, chatJID string) ([]*data.Message, error) {
	if r.state != StateRunning {
		return nil, errors.New("roost: not running")
	}
	return r.data.Messages(tenant, chatJID)
}

// Shutdown drains every session without logging out and closes the database.
// Credentials survive for the next start.
func (r *Roost) Shutdown() error {
	if r.state != StateRunning {
		return nil
	}

	errs := make([]string, 0)
	if err := r.manager.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := r.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("roost: error during shutdown: %s", strings.Join(errs, ", "))
	}

	r.manager = nil
	r.data = nil
	r.store = nil
	r.bridge = nil
	r.state = StateInitialized
	return nil
}
