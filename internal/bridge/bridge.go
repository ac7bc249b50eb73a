// Package bridge implements the request/response protocol that runs over a
// single WebSocket between an agent and a comet. Both endpoints embed a
// Bridge: the comet registers one connection per agent, the agent registers
// its own uplink under its own client key, so either side addresses the
// other through the same Send path.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// atomicCounter hands out correlation ids starting at 1. Id 0 is reserved
// for the auth handshake.
type atomicCounter struct {
	v atomic.Uint64
}

func (a *atomicCounter) next() uint64 { return a.v.Add(1) }

// ErrNotRegistered reports that no connection exists for a client key.
type ErrNotRegistered struct {
	Key string
}

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("bridge: client %q not registered", e.Key)
}

// LifecycleSink observes client registration. The comet injects one to
// publish online/offline events and release per-client resources without
// the bridge depending on the comet.
type LifecycleSink interface {
	ClientOnline(key string, c *Conn)
	ClientOffline(key string, c *Conn)
}

// Bridge is the table of live connections keyed by client key
// ("{namespace}/{ip}").
type Bridge struct {
	mu      sync.RWMutex
	clients map[string]*Conn
	sink    LifecycleSink
	log     *zap.Logger
}

// New returns an empty Bridge. sink may be nil.
func New(logger *zap.Logger, sink LifecycleSink) *Bridge {
	return &Bridge{
		clients: make(map[string]*Conn),
		sink:    sink,
		log:     logger.Named("bridge"),
	}
}

// Register binds c to key, replacing and closing any previous connection
// for the same key. A replaced connection does not fire an offline event,
// so a fast reconnect is not observed as a flap.
func (b *Bridge) Register(key string, c *Conn) {
	b.mu.Lock()
	prev := b.clients[key]
	b.clients[key] = c
	b.mu.Unlock()

	if prev != nil && prev != c {
		prev.Close()
	}
	b.log.Info("client registered", zap.String("key", key))
	if b.sink != nil {
		b.sink.ClientOnline(key, c)
	}
}

// Unregister removes the connection for key, but only if it is still c.
// A connection replaced by a newer registration must not evict its
// successor when its read loop finally exits.
func (b *Bridge) Unregister(key string, c *Conn) {
	b.mu.Lock()
	cur, ok := b.clients[key]
	if ok && cur == c {
		delete(b.clients, key)
	}
	b.mu.Unlock()
	if !ok || cur != c {
		return
	}
	c.Close()
	b.log.Info("client unregistered", zap.String("key", key))
	if b.sink != nil {
		b.sink.ClientOffline(key, c)
	}
}

// Lookup returns the live connection for key.
func (b *Bridge) Lookup(key string) (*Conn, bool) {
	b.mu.RLock()
	c, ok := b.clients[key]
	b.mu.RUnlock()
	return c, ok
}

// Len reports the number of registered connections.
func (b *Bridge) Len() int {
	b.mu.RLock()
	n := len(b.clients)
	b.mu.RUnlock()
	return n
}

// Send routes req to the connection registered under key and waits for the
// correlated response.
func (b *Bridge) Send(ctx context.Context, key string, req Request) (json.RawMessage, error) {
	c, ok := b.Lookup(key)
	if !ok {
		return nil, &ErrNotRegistered{Key: key}
	}
	return c.Send(ctx, req)
}
