// This package implements the per-tenant event bridge. Protocol events are
// fanned out to exactly the subscribers registered for a tenant, at most once
// and best effort: a subscriber with a full buffer misses the event rather than
// blocking the session that produced it. Durable state is persisted elsewhere,
// the bridge is a live-notification convenience only.
package events

import (
	"sync"

	"github.com/roost-im/roost/config"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const (
	// Event names published by the session layer.
	QR            = "qr"
	Ready         = "ready"
	Status        = "status"
	Message       = "message"
	HistorySynced = "history-synced"
	Receipt       = "receipt"
	Presence      = "presence"
	Error         = "error"
)

type Event struct {
	Tenant  string
	Name    string
	Payload interface{}
}

type Subscription struct {
	C chan *Event

	tenant string
	id     uint64
	bridge *Bridge
}

// Cancel removes the subscription. The channel is not closed so a concurrent
// Publish never sends on a closed channel; readers should stop selecting on it.
func (s *Subscription) Cancel() {
	s.bridge.cancel(s)
}

type Bridge struct {
	log        *zap.SugaredLogger
	bufferSize int

	lock   sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
}

func NewBridge(c *config.Config) *Bridge {
	return &Bridge{
		log:        c.Logger("events"),
		bufferSize: c.SubscriberBufferSize,
		subs:       make(map[string]map[uint64]*Subscription),
	}
}

func (b *Bridge) Subscribe(tenant string) *Subscription {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	sub := &Subscription{
		C:      make(chan *Event, b.bufferSize),
		tenant: tenant,
		id:     b.nextID,
		bridge: b,
	}
	if b.subs[tenant] == nil {
		b.subs[tenant] = make(map[uint64]*Subscription)
	}
	b.subs[tenant][sub.id] = sub
	return sub
}

// Publish delivers to the tenant's subscribers only. Events published for a
// tenant with no subscribers are dropped.
func (b *Bridge) Publish(tenant, name string, payload interface{}) {
	b.lock.RLock()
	var subs []*Subscription
	if m, ok := b.subs[tenant]; ok {
		subs = maps.Values(m)
	}
	b.lock.RUnlock()

	if len(subs) == 0 {
		return
	}
	e := &Event{Tenant: tenant, Name: name, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.C <- e:
		default:
			b.log.Warnf("dropping %s event for tenant %s, subscriber buffer full", name, tenant)
		}
	}
}

func (b *Bridge) cancel(sub *Subscription) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if m, ok := b.subs[sub.tenant]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.subs, sub.tenant)
		}
	}
}
