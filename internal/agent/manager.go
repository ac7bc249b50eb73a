// Package agent runs the host-side daemon: it keeps one bridge uplink to a
// comet alive, heartbeats over it, re-registers the SSH keepalive socket,
// and hands inbound requests to the scheduler.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
	"github.com/jiawesoft/jiascheduler-sub000/internal/scheduler"
)

const (
	// reconnectInterval paces uplink retries. Reconnects are deliberately
	// eager: a disconnected agent cannot receive kills.
	reconnectInterval = 1 * time.Second

	// heartbeatInterval keeps the link pair in the registry alive and lets
	// the console track liveness.
	heartbeatInterval = 60 * time.Second

	dialTimeout = 5 * time.Second
)

// Config is the agent's identity and connectivity.
type Config struct {
	// CometAddrs are tried in order, rotating on failure.
	CometAddrs  []string
	CometSecret string
	Namespace   string
	OutputDir   string

	// LocalIP and MacAddr identify this host. Empty values are
	// auto-detected at startup.
	LocalIP string
	MacAddr string

	// SSH terminal settings forwarded to the comet on connect.
	SSHUser     string
	SSHPassword string
	SSHPort     uint16

	// Assigned login pushed to the console on first registration.
	AssignUser     string
	AssignPassword string
}

// Manager owns the uplink lifecycle. It implements scheduler.MsgSender by
// routing through its own bridge registration, so the scheduler's reports
// follow whichever comet the agent is currently attached to.
type Manager struct {
	cfg    Config
	bridge *bridge.Bridge
	sched  *scheduler.Scheduler
	log    *zap.Logger

	mu          sync.RWMutex
	cometAddr   string
	addrIdx     int
	initialized bool
}

// New builds the manager and its scheduler. Identity fields left empty in
// cfg are detected from the host.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if len(cfg.CometAddrs) == 0 {
		return nil, fmt.Errorf("agent: no comet address configured")
	}
	if cfg.LocalIP == "" {
		ip, err := detectLocalIP(cfg.CometAddrs[0])
		if err != nil {
			return nil, err
		}
		cfg.LocalIP = ip
	}
	if cfg.MacAddr == "" {
		cfg.MacAddr = detectMacAddr()
	}

	m := &Manager{
		cfg:    cfg,
		bridge: bridge.New(logger, nil),
		log:    logger.Named("agent"),
	}
	sched, err := scheduler.New(scheduler.Config{
		Namespace: cfg.Namespace,
		LocalIP:   cfg.LocalIP,
		OutputDir: cfg.OutputDir,
		CometAddr: m.CometAddr,
	}, m, NewSftp(logger), logger)
	if err != nil {
		return nil, err
	}
	m.sched = sched
	return m, nil
}

// Send implements scheduler.MsgSender over the current uplink.
func (m *Manager) Send(ctx context.Context, req bridge.Request) (json.RawMessage, error) {
	return m.bridge.Send(ctx, m.clientKey(), req)
}

// CometAddr reports the address of the comet the agent is attached to, or
// empty while disconnected.
func (m *Manager) CometAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cometAddr
}

func (m *Manager) clientKey() string {
	return bridge.ClientKey(m.cfg.Namespace, m.cfg.LocalIP)
}

// Run connects and serves until ctx is canceled, reconnecting after every
// failure. Heartbeat and SSH keepalive loops run for the whole lifetime.
func (m *Manager) Run(ctx context.Context) error {
	defer func() { _ = m.sched.Shutdown() }()
	go m.heartbeatLoop(ctx)
	go m.sshKeepaliveLoop(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr := m.nextCometAddr()
		err := m.connectOnce(ctx, addr)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("uplink lost, reconnecting",
			zap.String("comet_addr", addr), zap.Error(err))
		if !sleepCtx(ctx, reconnectInterval) {
			return ctx.Err()
		}
	}
}

// connectOnce dials, authenticates and serves one uplink to completion.
func (m *Manager) connectOnce(ctx context.Context, addr string) error {
	wsURL := fmt.Sprintf("ws://%s/evt/%s", addr, m.cfg.Namespace)
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+m.cfg.CometSecret)
	hdr.Set("X-Mac-Address", m.cfg.MacAddr)
	hdr.Set("X-Assign-Username", m.cfg.AssignUser)
	hdr.Set("X-Assign-Password", m.cfg.AssignPassword)
	hdr.Set("X-Ssh-User", m.cfg.SSHUser)
	hdr.Set("X-Ssh-Password", m.cfg.SSHPassword)
	hdr.Set("X-Ssh-Port", strconv.Itoa(int(m.cfg.SSHPort)))

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		return fmt.Errorf("agent: dial %s: %w", addr, err)
	}

	conn := bridge.NewConn(ws, m.log, bridge.WithReadTimeout(bridge.AgentReadTimeout))
	m.mu.RLock()
	initialized := m.initialized
	m.mu.RUnlock()
	if err := conn.Authenticate(bridge.AuthParams{
		AgentIP:       m.cfg.LocalIP,
		Secret:        m.cfg.CometSecret,
		IsInitialized: initialized,
	}); err != nil {
		_ = ws.Close()
		return err
	}
	conn.Start()

	m.mu.Lock()
	m.cometAddr = addr
	m.initialized = true
	m.mu.Unlock()
	m.bridge.Register(m.clientKey(), conn)
	m.log.Info("uplink established", zap.String("comet_addr", addr))

	// Publish the link pair right away instead of waiting a full interval.
	go m.sendHeartbeat(ctx)

	err = conn.Serve(ctx, m.sched.Handle)
	m.bridge.Unregister(m.clientKey(), conn)
	m.mu.Lock()
	m.cometAddr = ""
	m.mu.Unlock()
	return err
}

// nextCometAddr rotates through the configured addresses.
func (m *Manager) nextCometAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.cfg.CometAddrs[m.addrIdx%len(m.cfg.CometAddrs)]
	m.addrIdx++
	return addr
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sendHeartbeat(ctx)
		}
	}
}

func (m *Manager) sendHeartbeat(ctx context.Context) {
	sendCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	_, err := m.Send(sendCtx, bridge.Request{Heartbeat: &bridge.HeartbeatParams{
		Namespace: m.cfg.Namespace,
		MacAddr:   m.cfg.MacAddr,
		SourceIP:  m.cfg.LocalIP,
	}})
	if err != nil {
		m.log.Warn("heartbeat not delivered", zap.Error(err))
	}
}

// detectLocalIP finds the source address the host would use to reach the
// comet. No packets are sent; UDP connect only resolves the route.
func detectLocalIP(cometAddr string) (string, error) {
	conn, err := net.Dial("udp", cometAddr)
	if err != nil {
		// Fall back to a public anchor when the comet is not resolvable
		// yet; the route is usually the same.
		conn, err = net.Dial("udp", "8.8.8.8:53")
		if err != nil {
			return "", fmt.Errorf("agent: detect local ip: %w", err)
		}
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// detectMacAddr returns the hardware address of the first non-loopback
// interface that has one.
func detectMacAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
