package session

import (
	"sync"
	"time"

	"github.com/roost-im/roost/config"
	"github.com/roost-im/roost/ids"
	"go.uber.org/zap"
)

type flushPhase int

const (
	flushIdle flushPhase = iota
	flushPending
	flushInFlight
)

// pendingFlush tracks the debounce/serialize state for one session key:
// idle -> pending -> in-flight -> (pending again | idle). The generation
// counter invalidates a timer which already fired but has not yet taken the
// lock when the debounce window is restarted under it.
type pendingFlush struct {
	phase flushPhase
	gen   uint64
	again bool
	timer *time.Timer
	done  chan struct{}
}

// FlushFunc persists the current in-memory state for one session key.
type FlushFunc func(key ids.SessionKey) error

// Flusher debounces and serializes persistence writes. Repeated schedules
// within the debounce window coalesce into one flush reflecting the state at
// flush time, and at most one flush per key is ever in flight; a schedule
// arriving mid-flight marks the key for exactly one follow-up flush.
type Flusher struct {
	log     *zap.SugaredLogger
	delay   time.Duration
	flushFn FlushFunc

	lock   sync.Mutex
	states map[ids.SessionKey]*pendingFlush
	wg     sync.WaitGroup
}

func NewFlusher(c *config.Config, flushFn FlushFunc) *Flusher {
	return &Flusher{
		log:     c.Logger("session/flusher"),
		delay:   time.Duration(c.FlushDelayMs) * time.Millisecond,
		flushFn: flushFn,
		states:  make(map[ids.SessionKey]*pendingFlush),
	}
}

// Schedule requests a flush for key after the debounce delay. Calling it again
// restarts the delay; calling it while a flush is in flight requests a single
// immediate follow-up flush instead of a concurrent one.
func (f *Flusher) Schedule(key ids.SessionKey) {
	f.lock.Lock()
	defer f.lock.Unlock()
	st := f.state(key)
	switch st.phase {
	case flushIdle:
		st.phase = flushPending
		f.startTimer(key, st)
	case flushPending:
		st.timer.Stop()
		f.startTimer(key, st)
	case flushInFlight:
		st.again = true
	}
}

// startTimer arms a fresh debounce timer under the flusher lock.
func (f *Flusher) startTimer(key ids.SessionKey, st *pendingFlush) {
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(f.delay, func() { f.fire(key, gen) })
}

// ForceFlush bypasses the debounce and flushes synchronously, honoring the
// single-writer discipline: if a flush is already in flight it waits for it
// and its follow-up to complete instead of starting a second writer.
func (f *Flusher) ForceFlush(key ids.SessionKey) error {
	f.lock.Lock()
	st := f.state(key)
	switch st.phase {
	case flushInFlight:
		st.again = true
		done := st.done
		f.lock.Unlock()
		<-done
		return nil
	case flushPending:
		st.timer.Stop()
	}
	st.phase = flushInFlight
	st.done = make(chan struct{})
	f.lock.Unlock()
	return f.flushLoop(key, st)
}

// Cancel drops any pending flush for key and waits out an in-flight one. Used
// on session teardown before the record is deleted so a stale flush cannot
// resurrect it.
func (f *Flusher) Cancel(key ids.SessionKey) {
	f.lock.Lock()
	st, ok := f.states[key]
	if !ok {
		f.lock.Unlock()
		return
	}
	var done chan struct{}
	switch st.phase {
	case flushPending:
		st.timer.Stop()
		st.phase = flushIdle
		delete(f.states, key)
	case flushInFlight:
		st.again = false
		done = st.done
	case flushIdle:
		delete(f.states, key)
	}
	f.lock.Unlock()
	if done != nil {
		<-done
	}
}

// Wait blocks until every in-flight flush has completed.
func (f *Flusher) Wait() {
	f.wg.Wait()
}

func (f *Flusher) state(key ids.SessionKey) *pendingFlush {
	st, ok := f.states[key]
	if !ok {
		st = &pendingFlush{}
		f.states[key] = st
	}
	return st
}

// fire runs when the debounce timer elapses.
func (f *Flusher) fire(key ids.SessionKey, gen uint64) {
	f.lock.Lock()
	st, ok := f.states[key]
	if !ok || st.phase != flushPending || st.gen != gen {
		// canceled, force-flushed or rescheduled between timer expiry and now
		f.lock.Unlock()
		return
	}
	st.phase = flushInFlight
	st.done = make(chan struct{})
	f.lock.Unlock()
	if err := f.flushLoop(key, st); err != nil {
		f.log.Warnf("error flushing %s: %s", key, err)
	}
}

// flushLoop performs the flush and any follow-up flushes requested while it
// ran. Flush errors are logged and not retried; the in-memory state remains
// the source of truth until the next successful flush.
func (f *Flusher) flushLoop(key ids.SessionKey, st *pendingFlush) error {
	f.wg.Add(1)
	defer f.wg.Done()

	var firstErr error
	for {
		if err := f.flushFn(key); err != nil {
			f.log.Warnf("flush failed for %s: %s", key, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		f.lock.Lock()
		if st.again {
			st.again = false
			f.lock.Unlock()
			continue
		}
		st.phase = flushIdle
		delete(f.states, key)
		close(st.done)
		f.lock.Unlock()
		return firstErr
	}
}
