package session

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/kevinburke/nacl/box"
	"github.com/roost-im/roost/bencode"
	"github.com/roost-im/roost/crypto"
	"github.com/roost-im/roost/store"
	"github.com/status-im/doubleratchet"
)

// ratchetState is the serialized form of one cipher session, stored in the
// cache under KeyTypeCipherSession and persisted through the regular flush
// path.
type ratchetState struct {
	Dhr                      []byte `bencode:"r"`
	DhsPub                   []byte `bencode:"u"`
	DhsPriv                  []byte `bencode:"v"`
	RootChKey                []byte `bencode:"rk"`
	SendChKey                []byte `bencode:"sk"`
	SendChCount              uint32 `bencode:"sc"`
	RecvChKey                []byte `bencode:"ck"`
	RecvChCount              uint32 `bencode:"cc"`
	PN                       uint32 `bencode:"p"`
	MaxSkip                  uint   `bencode:"m"`
	HKr                      []byte `bencode:"h1"`
	NHKr                     []byte `bencode:"h2"`
	HKs                      []byte `bencode:"h3"`
	NHKs                     []byte `bencode:"h4"`
	MaxKeep                  uint   `bencode:"mk"`
	MaxMessageKeysPerSession int    `bencode:"mm"`
	Step                     uint   `bencode:"st"`
	KeysCount                uint   `bencode:"kc"`
}

// skippedKey is one out-of-order message key retained for a cipher session,
// stored under KeyTypeSenderKeyMemory.
type skippedKey struct {
	HeaderKey  []byte `bencode:"k"`
	MsgNum     uint   `bencode:"n"`
	MessageKey []byte `bencode:"m"`
	SeqNum     uint   `bencode:"q"`
}

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

// Ratchet runs double-ratchet cipher sessions on top of a session cache. All
// ratchet state lives in the cache's key material, so it rides the same
// coalesced persistence as everything else.
type Ratchet struct {
	cache *Cache
}

func NewRatchet(cache *Cache) *Ratchet {
	return &Ratchet{cache: cache}
}

// GenerateDH makes a fresh curve25519 pair for establishing a new session.
func (r *Ratchet) GenerateDH() (doubleratchet.DHPair, error) {
	return (&cryptoImpl{}).GenerateDH()
}

// Create initializes the sending side of a cipher session from a shared secret
// and our ratchet key pair.
func (r *Ratchet) Create(id, sharedKey []byte, keyPair doubleratchet.DHPair) error {
	_, err := doubleratchet.New(id, sharedKey, keyPair, r.sessionStorage(), doubleratchet.WithCrypto(r.crypto()), doubleratchet.WithKeysStorage(r.keysStorage(id)))
	return err
}

// CreateWithRemoteKey initializes the receiving side of a cipher session from
// a shared secret and the remote ratchet public key.
func (r *Ratchet) CreateWithRemoteKey(id, sharedKey, remoteKey []byte) error {
	_, err := doubleratchet.NewWithRemoteKey(id, sharedKey, remoteKey, r.sessionStorage(), doubleratchet.WithCrypto(r.crypto()), doubleratchet.WithKeysStorage(r.keysStorage(id)))
	return err
}

func (r *Ratchet) Encrypt(id, plaintext, ad []byte) (doubleratchet.Message, error) {
	sess, err := doubleratchet.Load(id, r.sessionStorage(), doubleratchet.WithCrypto(r.crypto()), doubleratchet.WithKeysStorage(r.keysStorage(id)))
	if err != nil {
		return doubleratchet.Message{}, fmt.Errorf("session: error loading cipher session: %w", err)
	}
	return sess.RatchetEncrypt(plaintext, ad)
}

func (r *Ratchet) Decrypt(id []byte, msg doubleratchet.Message, ad []byte) ([]byte, error) {
	sess, err := doubleratchet.Load(id, r.sessionStorage(), doubleratchet.WithCrypto(r.crypto()), doubleratchet.WithKeysStorage(r.keysStorage(id)))
	if err != nil {
		return nil, fmt.Errorf("session: error loading cipher session: %w", err)
	}
	return sess.RatchetDecrypt(msg, ad)
}

func (r *Ratchet) sessionStorage() *sessionStorageImpl {
	return &sessionStorageImpl{cache: r.cache}
}

func (r *Ratchet) keysStorage(id []byte) keysStorageImpl {
	return keysStorageImpl{sessionID: id, cache: r.cache}
}

func (r *Ratchet) crypto() *cryptoImpl {
	return &cryptoImpl{}
}

type sessionStorageImpl struct {
	cache *Cache
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	stateID := hex.EncodeToString(id)
	vals := ss.cache.Get(store.KeyTypeCipherSession, []string{stateID})
	enc, ok := vals[stateID]
	if !ok {
		return nil, fmt.Errorf("session: no cipher session for id %s", stateID)
	}
	var s ratchetState
	if err := bencode.Deserialize(enc, &s); err != nil {
		return nil, fmt.Errorf("session: error decoding cipher session: %w", err)
	}

	drc := &cryptoImpl{}
	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{sessionID: id, cache: ss.cache},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	s := &ratchetState{
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	enc, err := bencode.Serialize(s)
	if err != nil {
		return fmt.Errorf("session: error encoding cipher session: %w", err)
	}
	ss.cache.Set(map[store.KeyType]map[string][]byte{
		store.KeyTypeCipherSession: {hex.EncodeToString(id): enc},
	})
	return nil
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	dhPairKey := crypto.SliceToKey(dhPair.PrivateKey())
	dhPubKey := crypto.SliceToKey(dhPub)
	out := box.Precompute(dhPubKey, dhPairKey)
	return out[:], nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

// keysStorageImpl stores skipped message keys in the cache under composite ids
// of the form <session>/<header key>/<message number>.
type keysStorageImpl struct {
	sessionID []byte
	cache     *Cache
}

func (ks keysStorageImpl) id(k doubleratchet.Key, msgNum uint) string {
	return hex.EncodeToString(ks.sessionID) + "/" + hex.EncodeToString(k) + "/" + strconv.FormatUint(uint64(msgNum), 10)
}

func (ks keysStorageImpl) prefix() string {
	return hex.EncodeToString(ks.sessionID) + "/"
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	id := ks.id(k, msgNum)
	vals := ks.cache.Get(store.KeyTypeSenderKeyMemory, []string{id})
	enc, ok := vals[id]
	if !ok {
		return doubleratchet.Key{}, false, nil
	}
	var sk skippedKey
	if err := bencode.Deserialize(enc, &sk); err != nil {
		return doubleratchet.Key{}, false, err
	}
	return sk.MessageKey, true, nil
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	enc, err := bencode.Serialize(&skippedKey{HeaderKey: k, MsgNum: msgNum, MessageKey: mk, SeqNum: keySeqNum})
	if err != nil {
		return err
	}
	ks.cache.Set(map[store.KeyType]map[string][]byte{
		store.KeyTypeSenderKeyMemory: {ks.id(k, msgNum): enc},
	})
	return nil
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	ks.cache.Set(map[store.KeyType]map[string][]byte{
		store.KeyTypeSenderKeyMemory: {ks.id(k, msgNum): nil},
	})
	return nil
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	dels := make(map[string][]byte)
	for id, sk := range ks.all() {
		if sk.SeqNum <= deleteUntilSeqKey {
			dels[id] = nil
		}
	}
	if len(dels) != 0 {
		ks.cache.Set(map[store.KeyType]map[string][]byte{store.KeyTypeSenderKeyMemory: dels})
	}
	return nil
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	type entry struct {
		id string
		sk skippedKey
	}
	all := ks.all()
	if len(all) <= maxKeys {
		return nil
	}
	entries := make([]entry, 0, len(all))
	for id, sk := range all {
		entries = append(entries, entry{id, sk})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sk.SeqNum < entries[j].sk.SeqNum
	})
	dels := make(map[string][]byte)
	for _, e := range entries[:len(entries)-maxKeys] {
		dels[e.id] = nil
	}
	ks.cache.Set(map[store.KeyType]map[string][]byte{store.KeyTypeSenderKeyMemory: dels})
	return nil
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	var count uint
	for _, sk := range ks.all() {
		if bytes.Equal(sk.HeaderKey, k) {
			count++
		}
	}
	return count, nil
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}

// all returns the decoded skipped keys belonging to this cipher session.
// Entries which fail to decode are skipped rather than failing the scan.
func (ks keysStorageImpl) all() map[string]skippedKey {
	out := make(map[string]skippedKey)
	prefix := ks.prefix()
	for id, enc := range ks.cache.All(store.KeyTypeSenderKeyMemory) {
		if len(id) < len(prefix) || id[:len(prefix)] != prefix {
			continue
		}
		var sk skippedKey
		if err := bencode.Deserialize(enc, &sk); err != nil {
			continue
		}
		out[id] = sk
	}
	return out
}
