// Package comet implements the broker between agents and the console. It
// terminates agent WebSocket connections, relays dispatches from the
// console HTTP surface onto the bridge, refreshes the agent registry on
// heartbeats, and publishes scheduling events onto the bus.
package comet

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
	"github.com/jiawesoft/jiascheduler-sub000/internal/bus"
	"github.com/jiawesoft/jiascheduler-sub000/internal/registry"
)

// publishTimeout bounds one bus publish so a stalled Redis cannot block
// agent request handling.
const publishTimeout = 5 * time.Second

// Config wires a Comet.
type Config struct {
	// Secret authenticates both agents and console callers.
	Secret string

	// AdvertiseAddr is the host:port agents' link pairs point at. It must
	// be reachable by the console.
	AdvertiseAddr string

	// UploadDir is where /file/get content is served from.
	UploadDir string
}

// Comet is the broker core, independent of its HTTP surface.
type Comet struct {
	cfg     Config
	bridge  *bridge.Bridge
	store   *registry.Store
	bus     *bus.Bus
	metrics *Metrics
	log     *zap.Logger

	mu         sync.Mutex
	sshStreams map[string]*websocket.Conn
}

// New builds a Comet and its bridge. The comet injects itself as the
// bridge's lifecycle sink so registrations surface as bus events.
func New(cfg Config, store *registry.Store, b *bus.Bus, metrics *Metrics, logger *zap.Logger) *Comet {
	c := &Comet{
		cfg:        cfg,
		store:      store,
		bus:        b,
		metrics:    metrics,
		log:        logger.Named("comet"),
		sshStreams: make(map[string]*websocket.Conn),
	}
	c.bridge = bridge.New(logger, c)
	return c
}

// Bridge exposes the client table for the HTTP surface.
func (c *Comet) Bridge() *bridge.Bridge { return c.bridge }

// ClientOnline implements bridge.LifecycleSink. Fired when an agent
// connection registers.
func (c *Comet) ClientOnline(key string, conn *bridge.Conn) {
	c.metrics.ConnectedAgents.Set(float64(c.bridge.Len()))
	c.publish(bus.Event{AgentOnline: &bus.AgentOnlineParams{
		AgentIP:       conn.Meta.AgentIP,
		Namespace:     conn.Meta.Namespace,
		MacAddr:       conn.Meta.MacAddr,
		IsInitialized: conn.Meta.IsInitialized,
	}})
	c.log.Info("agent online",
		zap.String("key", key), zap.Bool("is_initialized", conn.Meta.IsInitialized))
}

// ClientOffline implements bridge.LifecycleSink. Fired when an agent
// connection unregisters; any parked SSH stream for the agent dies with it.
func (c *Comet) ClientOffline(key string, conn *bridge.Conn) {
	c.metrics.ConnectedAgents.Set(float64(c.bridge.Len()))
	c.dropSSHStream(key)
	c.publish(bus.Event{AgentOffline: &bus.AgentOfflineParams{
		AgentIP:   conn.Meta.AgentIP,
		Namespace: conn.Meta.Namespace,
		MacAddr:   conn.Meta.MacAddr,
	}})
	c.log.Info("agent offline", zap.String("key", key))
}

// HandleRequest serves requests initiated by agents. Errors are reported
// as an {"error": ...} payload rather than an envelope; agents treat the
// reply as advisory.
func (c *Comet) HandleRequest(ctx context.Context, conn *bridge.Conn, req *bridge.Request) json.RawMessage {
	v, err := c.handle(ctx, conn, req)
	if err != nil {
		c.log.Warn("agent request failed", zap.String("kind", req.Kind()), zap.Error(err))
		raw, _ := json.Marshal(map[string]string{"error": err.Error()})
		return raw
	}
	raw, _ := json.Marshal(v)
	return raw
}

func (c *Comet) handle(ctx context.Context, conn *bridge.Conn, req *bridge.Request) (any, error) {
	switch {
	case req.Heartbeat != nil:
		return c.handleHeartbeat(ctx, req.Heartbeat)
	case req.UpdateJob != nil:
		c.publish(bus.Event{UpdateJob: req.UpdateJob})
		return nil, nil
	case req.PullJob != nil:
		return map[string]string{"data": "success"}, nil
	default:
		c.log.Warn("unexpected agent request",
			zap.String("kind", req.Kind()), zap.String("agent_ip", conn.Meta.AgentIP))
		return map[string]string{"data": "ignored"}, nil
	}
}

// handleHeartbeat refreshes the agent's link pair so the console can route
// to this comet, then relays the heartbeat onto the bus.
func (c *Comet) handleHeartbeat(ctx context.Context, p *bridge.HeartbeatParams) (any, error) {
	key := bridge.ClientKey(p.Namespace, p.SourceIP)
	if err := c.store.SetLinkPair(ctx, key, c.cfg.AdvertiseAddr); err != nil {
		return nil, err
	}
	c.publish(bus.Event{Heartbeat: p})
	return map[string]string{"data": "heartbeat success"}, nil
}

// publish ships an event to the bus, counting but not propagating
// failures. A flaky bus must not take agent connections down with it.
func (c *Comet) publish(ev bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := c.bus.Publish(ctx, ev); err != nil {
		c.metrics.BusPublishTotal.WithLabelValues(ev.Kind(), "error").Inc()
		c.log.Warn("bus publish failed", zap.String("kind", ev.Kind()), zap.Error(err))
		return
	}
	c.metrics.BusPublishTotal.WithLabelValues(ev.Kind(), "ok").Inc()
}

// parkSSHStream stores an agent's keepalive SSH socket for a later tunnel,
// replacing and closing any previous one under the same key.
func (c *Comet) parkSSHStream(key string, ws *websocket.Conn) {
	c.mu.Lock()
	prev := c.sshStreams[key]
	c.sshStreams[key] = ws
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

// takeSSHStream claims the parked socket for key, if any. The agent will
// park a fresh one on its next keepalive round.
func (c *Comet) takeSSHStream(key string) (*websocket.Conn, bool) {
	c.mu.Lock()
	ws, ok := c.sshStreams[key]
	if ok {
		delete(c.sshStreams, key)
	}
	c.mu.Unlock()
	return ws, ok
}

func (c *Comet) dropSSHStream(key string) {
	if ws, ok := c.takeSSHStream(key); ok {
		_ = ws.Close()
	}
}
