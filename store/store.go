// This package implements the durable credential store: one encrypted row per
// session holding the credential blob and the key-material blob, each sealed
// independently by the field cipher. The store never sees plaintext on disk and
// treats undecodable rows as absent rather than fatal, a corrupted session is
// unrecoverable anyway and the caller synthesizes a fresh identity.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/roost-im/roost/bencode"
	"github.com/roost-im/roost/clock"
	"github.com/roost-im/roost/config"
	"github.com/roost-im/roost/crypto"
	"github.com/roost-im/roost/ids"
	db "github.com/roost-im/roost/internal/db"
	"github.com/roost-im/roost/migration"
	"go.uber.org/zap"
)

// ErrNotFound covers both a genuinely absent record and one whose credential
// blob failed to decrypt or decode.
var ErrNotFound = errors.New("store: session record not found")

// Record is the decoded durable state for one session. Keys may be empty for a
// fresh session which has not yet exchanged any key material.
type Record struct {
	Key       ids.SessionKey
	Creds     *Credentials
	Keys      Collection
	UpdatedAt uint64
}

type row struct {
	SessionKey  string `db:"session_key"`
	CredsCipher []byte `db:"creds_cipher"`
	KeysCipher  []byte `db:"keys_cipher"`
	UpdatedAt   uint64 `db:"updated_at"`
}

type Store struct {
	db     *db.Database
	cipher *crypto.Cipher
	clock  clock.Clock
	log    *zap.SugaredLogger
}

func NewStore(c *config.Config, d *db.Database, cipher *crypto.Cipher, cl clock.Clock) (*Store, error) {
	log := c.Logger("store")

	if err := d.Migrate("_sessions", []*migration.Migration{
		{
			Name: "Create session table",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _session_records (
		session_key STRING PRIMARY KEY,
		creds_cipher BLOB NOT NULL,
		keys_cipher BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Store{db: d, cipher: cipher, clock: cl, log: log}, nil
}

// Load fetches and decodes the record for key. It returns ErrNotFound for an
// absent row and for a row whose credential blob fails integrity or decode
// checks; in the latter case the failure is logged as a degrade. A failing
// keys blob alone degrades to an empty collection without hiding the
// credentials.
func (s *Store) Load(key ids.SessionKey) (*Record, error) {
	var r row
	found := false
	if err := s.db.Run(fmt.Sprintf("load session record %s", key), func() error {
		err := s.db.Tx.Get(&r, "SELECT * FROM _session_records WHERE session_key = $1", key.String())
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: error loading session record: %w", err)
		}
		found = true
		return nil
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}

	creds, err := s.decodeCreds(r.CredsCipher)
	if err != nil {
		s.log.Warnf("treating session record %s as absent: %s", key, err)
		return nil, ErrNotFound
	}

	keys, err := s.decodeKeys(r.KeysCipher)
	if err != nil {
		s.log.Warnf("discarding key material for %s: %s", key, err)
		keys = NewCollection()
	}

	return &Record{Key: key, Creds: creds, Keys: keys, UpdatedAt: r.UpdatedAt}, nil
}

// Save upserts the record for key, sealing both blobs independently. Callers
// serialize same-key saves upstream; each call is a single atomic upsert.
func (s *Store) Save(key ids.SessionKey, creds *Credentials, keys Collection) error {
	credsPlain, err := bencode.Serialize(creds)
	if err != nil {
		return fmt.Errorf("store: error encoding credentials: %w", err)
	}
	if keys == nil {
		keys = NewCollection()
	}
	keysPlain, err := bencode.Serialize(&keys)
	if err != nil {
		return fmt.Errorf("store: error encoding key material: %w", err)
	}
	credsCipher, err := s.cipher.Seal(credsPlain)
	if err != nil {
		return fmt.Errorf("store: error sealing credentials: %w", err)
	}
	keysCipher, err := s.cipher.Seal(keysPlain)
	if err != nil {
		return fmt.Errorf("store: error sealing key material: %w", err)
	}

	r := &row{
		SessionKey:  key.String(),
		CredsCipher: credsCipher,
		KeysCipher:  keysCipher,
		UpdatedAt:   s.clock.CurrentTimeMs(),
	}
	return s.db.Run(fmt.Sprintf("save session record %s", key), func() error {
		if _, err := s.db.Tx.NamedExec(`
	INSERT INTO _session_records (session_key, creds_cipher, keys_cipher, updated_at)
	VALUES (:session_key, :creds_cipher, :keys_cipher, :updated_at)
	ON CONFLICT(session_key) DO UPDATE SET creds_cipher = :creds_cipher, keys_cipher = :keys_cipher, updated_at = :updated_at`, r); err != nil {
			return fmt.Errorf("store: error upserting session record: %w", err)
		}
		return nil
	})
}

// Delete removes the record for key. Deleting an absent record is not an
// error; delete is only ever called on explicit logout and must win.
func (s *Store) Delete(key ids.SessionKey) error {
	return s.db.Run(fmt.Sprintf("delete session record %s", key), func() error {
		if _, err := s.db.Tx.Exec("DELETE FROM _session_records WHERE session_key = $1", key.String()); err != nil {
			return fmt.Errorf("store: error deleting session record: %w", err)
		}
		return nil
	})
}

func (s *Store) decodeCreds(sealed []byte) (*Credentials, error) {
	plain, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("credential blob failed to open: %w", err)
	}
	creds := &Credentials{}
	if err := bencode.Deserialize(plain, creds); err != nil {
		return nil, fmt.Errorf("credential blob failed to decode: %w", err)
	}
	return creds, nil
}

func (s *Store) decodeKeys(sealed []byte) (Collection, error) {
	plain, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("keys blob failed to open: %w", err)
	}
	keys := NewCollection()
	if err := bencode.Deserialize(plain, &keys); err != nil {
		return nil, fmt.Errorf("keys blob failed to decode: %w", err)
	}
	return keys, nil
}
