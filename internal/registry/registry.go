// Package registry tracks which comet each agent is connected through, and
// provides Redis-based leader election for singleton console work. Both use
// plain keys with TTLs so stale state ages out on its own.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// linkPairTTL must exceed the agent heartbeat interval seen by the comet
// handler that refreshes the key, otherwise live agents flicker out of the
// registry between heartbeats.
const linkPairTTL = 10 * time.Second

// LinkPair records the comet address an agent is currently reachable
// through.
type LinkPair struct {
	CometAddr string `json:"comet_addr"`
}

// NotRegisteredError reports that no comet currently holds a connection for
// the client key. The message is surfaced to operators as-is.
type NotRegisteredError struct {
	Key string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("Agent %s not registered, please deploy first", e.Key)
}

// Store reads and writes agent link pairs.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func linkPairKey(clientKey string) string {
	return "link_pair:" + clientKey
}

// SetLinkPair records that clientKey is reachable through cometAddr. The
// comet calls this on every heartbeat, so the TTL keeps rolling while the
// agent is alive.
func (s *Store) SetLinkPair(ctx context.Context, clientKey, cometAddr string) error {
	val, err := json.Marshal(LinkPair{CometAddr: cometAddr})
	if err != nil {
		return fmt.Errorf("registry: encode link pair: %w", err)
	}
	if err := s.rdb.SetEx(ctx, linkPairKey(clientKey), val, linkPairTTL).Err(); err != nil {
		return fmt.Errorf("registry: set link pair %s: %w", clientKey, err)
	}
	return nil
}

// GetLinkPair resolves the comet address for clientKey. A missing or
// expired key yields NotRegisteredError.
func (s *Store) GetLinkPair(ctx context.Context, clientKey string) (*LinkPair, error) {
	val, err := s.rdb.Get(ctx, linkPairKey(clientKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &NotRegisteredError{Key: clientKey}
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get link pair %s: %w", clientKey, err)
	}
	var lp LinkPair
	if err := json.Unmarshal(val, &lp); err != nil {
		return nil, fmt.Errorf("registry: decode link pair %s: %w", clientKey, err)
	}
	return &lp, nil
}
