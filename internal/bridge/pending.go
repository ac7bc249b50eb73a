package bridge

import (
	"sync"
	"time"
)

// pendingTTL bounds how long an unanswered request stays correlatable.
// After expiry a late response is dropped and the waiter has already timed
// out on its own deadline.
const pendingTTL = 5 * time.Second

// pendingTable maps in-flight correlation ids to their reply channels.
// Entries expire after pendingTTL; a background sweep run by the connection
// evicts them so abandoned requests do not pile up.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[uint64]pendingEntry
}

type pendingEntry struct {
	ch      chan Result
	expires time.Time
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[uint64]pendingEntry)}
}

func (p *pendingTable) add(id uint64, ch chan Result) {
	p.mu.Lock()
	p.waiters[id] = pendingEntry{ch: ch, expires: time.Now().Add(pendingTTL)}
	p.mu.Unlock()
}

func (p *pendingTable) remove(id uint64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve delivers res to the waiter for id and removes the entry. It
// reports whether a waiter existed.
func (p *pendingTable) resolve(id uint64, res Result) bool {
	p.mu.Lock()
	e, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	// Reply channels are buffered with capacity 1, so this never blocks.
	e.ch <- res
	return true
}

// sweep evicts entries whose TTL has passed.
func (p *pendingTable) sweep(now time.Time) {
	p.mu.Lock()
	for id, e := range p.waiters {
		if now.After(e.expires) {
			delete(p.waiters, id)
		}
	}
	p.mu.Unlock()
}

// failAll resolves every waiter with err. Called when the connection dies so
// callers blocked in Send unblock immediately instead of waiting out their
// deadlines.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uint64]pendingEntry)
	p.mu.Unlock()
	for _, e := range waiters {
		e.ch <- Result{Err: err}
	}
}
