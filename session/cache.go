// This package implements the session core: the in-memory state cache for
// credential and key material, the persistence coalescer and the connection
// manager. One cache instance exists per running session and is the single
// source of truth for that session's mutable state between flushes.
package session

import (
	"bytes"
	"sync"

	"github.com/roost-im/roost/config"
	"github.com/roost-im/roost/ids"
	"github.com/roost-im/roost/store"
	"go.uber.org/zap"
)

// Cache holds the decoded credential record for one session. Key material is
// loaded once at session start and never read back from the store during the
// session's lifetime; mutations flow out through the onChange hook into the
// flusher.
type Cache struct {
	key      ids.SessionKey
	log      *zap.SugaredLogger
	onChange func()

	lock  sync.RWMutex
	creds store.Credentials
	keys  store.Collection
}

func NewCache(c *config.Config, key ids.SessionKey, creds *store.Credentials, keys store.Collection) *Cache {
	if keys == nil {
		keys = store.NewCollection()
	}
	return &Cache{
		key:   key,
		log:   c.Logger("session/cache"),
		creds: *creds,
		keys:  keys,
	}
}

// OnChange registers the hook invoked after any mutation which changed state.
// It is called without the cache lock held.
func (c *Cache) OnChange(f func()) {
	c.onChange = f
}

func (c *Cache) Key() ids.SessionKey {
	return c.key
}

// Get returns the payloads for the requested ids of one key type. Absent ids
// are omitted from the result.
func (c *Cache) Get(t store.KeyType, keyIDs []string) map[string][]byte {
	c.lock.RLock()
	defer c.lock.RUnlock()
	out := make(map[string][]byte, len(keyIDs))
	m, ok := c.keys[t]
	if !ok {
		return out
	}
	for _, id := range keyIDs {
		if v, ok := m[id]; ok {
			b := make([]byte, len(v))
			copy(b, v)
			out[id] = b
		}
	}
	return out
}

// All returns every id of one key type. Used by scans which do not know ids
// up front, such as skipped-message-key truncation.
func (c *Cache) All(t store.KeyType) map[string][]byte {
	c.lock.RLock()
	defer c.lock.RUnlock()
	out := make(map[string][]byte, len(c.keys[t]))
	for id, v := range c.keys[t] {
		b := make([]byte, len(v))
		copy(b, v)
		out[id] = b
	}
	return out
}

// Set applies mutations with last-writer-wins semantics per (type, id). A nil
// payload deletes the id. It reports whether any mutation produced an actual
// state change, so no-op sets skip persistence entirely.
func (c *Cache) Set(mutations map[store.KeyType]map[string][]byte) bool {
	c.lock.Lock()
	changed := false
	for t, m := range mutations {
		for id, payload := range m {
			if payload == nil {
				if existing, ok := c.keys[t]; ok {
					if _, ok := existing[id]; ok {
						delete(existing, id)
						changed = true
					}
				}
				continue
			}
			existing, ok := c.keys[t]
			if !ok {
				existing = make(map[string][]byte)
				c.keys[t] = existing
			}
			if prev, ok := existing[id]; ok && bytes.Equal(prev, payload) {
				continue
			}
			b := make([]byte, len(payload))
			copy(b, payload)
			existing[id] = b
			changed = true
		}
	}
	c.lock.Unlock()

	if changed && c.onChange != nil {
		c.onChange()
	}
	return changed
}

// Credentials returns a copy of the current credential record.
func (c *Cache) Credentials() store.Credentials {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.creds
}

// UpdateCredentials applies f to the credential record under the lock and
// schedules persistence.
func (c *Cache) UpdateCredentials(f func(*store.Credentials)) {
	c.lock.Lock()
	f(&c.creds)
	c.lock.Unlock()
	if c.onChange != nil {
		c.onChange()
	}
}

// Snapshot returns a deep copy of the current state for flushing. Flushes
// always reflect the state at flush time, not at schedule time.
func (c *Cache) Snapshot() (store.Credentials, store.Collection) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.creds, c.keys.Clone()
}
