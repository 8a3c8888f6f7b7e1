package store

import (
	"os"
	"testing"

	"github.com/roost-im/roost/clock"
	"github.com/roost-im/roost/config"
	"github.com/roost-im/roost/crypto"
	"github.com/roost-im/roost/ids"
	"github.com/roost-im/roost/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func testStore(t *testing.T) *Store {
	c := config.NewConfig(config.WithMasterKey(test.MasterKey), config.WithLoggingPrefix("test"))
	d := test.NewTestDatabase(c)
	master, err := crypto.ParseMasterKey(c.MasterKey)
	require.Nil(t, err)
	fieldKey, err := crypto.DeriveKey(master, "field-cipher")
	require.Nil(t, err)
	cipher, err := crypto.NewCipher(fieldKey)
	require.Nil(t, err)
	s, err := NewStore(c, d, cipher, clock.NewSystemClock())
	require.Nil(t, err)
	t.Cleanup(func() {
		if err := d.Shutdown(); err != nil {
			panic(err)
		}
	})
	return s
}

func TestLoadAbsent(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	_, err := s.Load(ids.NewSessionKey("tenant-1", "relay-a"))
	require.ErrorIs(err, ErrNotFound)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	creds, err := NewCredentials()
	require.Nil(err)
	keys := NewCollection()
	keys[KeyTypePreKey] = map[string][]byte{"pk-1": {1, 2, 3}}
	keys[KeyTypeCipherSession] = map[string][]byte{"cs-1": {4, 5}}

	require.Nil(s.Save(key, creds, keys))

	rec, err := s.Load(key)
	require.Nil(err)
	require.Equal(key, rec.Key)
	require.Equal(creds, rec.Creds)
	require.Equal(keys, rec.Keys)
	require.NotZero(rec.UpdatedAt)
	require.True(rec.Creds.VerifyPreKey())
}

func TestSaveUpserts(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	creds, err := NewCredentials()
	require.Nil(err)

	require.Nil(s.Save(key, creds, nil))
	creds.Name = "updated"
	require.Nil(s.Save(key, creds, nil))

	rec, err := s.Load(key)
	require.Nil(err)
	require.Equal("updated", rec.Creds.Name)
	require.Equal(0, rec.Keys.Count())
}

func TestSaveWithNilKeysIsFreshRecord(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	creds, err := NewCredentials()
	require.Nil(err)
	require.Nil(s.Save(key, creds, nil))

	rec, err := s.Load(key)
	require.Nil(err)
	require.Equal(creds, rec.Creds)
	require.NotNil(rec.Keys)
	require.Equal(0, rec.Keys.Count())
}

func TestDeleteIsTerminalAndIdempotent(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	creds, err := NewCredentials()
	require.Nil(err)
	require.Nil(s.Save(key, creds, nil))

	require.Nil(s.Delete(key))
	_, err = s.Load(key)
	require.ErrorIs(err, ErrNotFound)
	require.Nil(s.Delete(key))
}

func TestCorruptCredsBlobDegradesToNotFound(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	creds, err := NewCredentials()
	require.Nil(err)
	require.Nil(s.Save(key, creds, nil))

	require.Nil(s.db.Run("corrupt creds", func() error {
		_, err := s.db.Tx.Exec("UPDATE _session_records SET creds_cipher = $1 WHERE session_key = $2", []byte{0xde, 0xad, 0xbe, 0xef}, key.String())
		return err
	}))

	_, err = s.Load(key)
	require.ErrorIs(err, ErrNotFound)
}

func TestCorruptKeysBlobDegradesToEmptyCollection(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	key := ids.NewSessionKey("tenant-1", "relay-a")
	creds, err := NewCredentials()
	require.Nil(err)
	keys := NewCollection()
	keys[KeyTypeSenderKey] = map[string][]byte{"sk-1": {9}}
	require.Nil(s.Save(key, creds, keys))

	require.Nil(s.db.Run("corrupt keys", func() error {
		_, err := s.db.Tx.Exec("UPDATE _session_records SET keys_cipher = $1 WHERE session_key = $2", []byte{0xde, 0xad}, key.String())
		return err
	}))

	rec, err := s.Load(key)
	require.Nil(err)
	require.Equal(creds, rec.Creds)
	require.Equal(0, rec.Keys.Count())
}

func TestRecordsAreIsolatedBySessionKey(t *testing.T) {
	require := require.New(t)

	s := testStore(t)
	keyA := ids.NewSessionKey("tenant-1", "relay-a")
	keyB := ids.NewSessionKey("tenant-2", "relay-a")
	credsA, err := NewCredentials()
	require.Nil(err)
	credsB, err := NewCredentials()
	require.Nil(err)

	require.Nil(s.Save(keyA, credsA, nil))
	require.Nil(s.Save(keyB, credsB, nil))
	require.Nil(s.Delete(keyA))

	rec, err := s.Load(keyB)
	require.Nil(err)
	require.Equal(credsB, rec.Creds)
}
