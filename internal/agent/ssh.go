package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// sshLoginParams arrives over the parked keepalive socket when a console
// opens a tunnel to this agent.
type sshLoginParams struct {
	IP        string `json:"ip"`
	Namespace string `json:"namespace"`
	User      string `json:"user"`
	Password  string `json:"password"`
	Port      uint16 `json:"port"`
}

// sshKeepaliveLoop keeps one pending SSH socket parked at the current
// comet. When the comet pushes login parameters the socket becomes a live
// terminal session, and the loop immediately parks a fresh one.
func (m *Manager) sshKeepaliveLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		addr := m.CometAddr()
		if addr == "" {
			if !sleepCtx(ctx, reconnectInterval) {
				return
			}
			continue
		}
		if err := m.sshKeepaliveOnce(ctx, addr); err != nil && ctx.Err() == nil {
			m.log.Debug("ssh keepalive round ended", zap.Error(err))
		}
		if !sleepCtx(ctx, reconnectInterval) {
			return
		}
	}
}

// sshKeepaliveOnce registers one socket and blocks until the comet either
// pushes login parameters or drops it.
func (m *Manager) sshKeepaliveOnce(ctx context.Context, cometAddr string) error {
	wsURL := fmt.Sprintf("ws://%s/ssh/register/%s", cometAddr, m.clientKey())
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+m.cfg.CometSecret)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		return fmt.Errorf("agent: ssh register dial: %w", err)
	}
	defer ws.Close()

	_, frame, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("agent: ssh register wait: %w", err)
	}
	var login sshLoginParams
	if err := json.Unmarshal(frame, &login); err != nil {
		return fmt.Errorf("agent: decode ssh login: %w", err)
	}
	m.log.Info("ssh tunnel requested", zap.String("user", login.User), zap.Uint16("port", login.Port))
	return m.runSSHSession(ws, login)
}

// runSSHSession opens a local SSH shell and splices it to the WebSocket.
// Tunnel frames go to the shell's stdin; shell output goes back as binary
// frames.
func (m *Manager) runSSHSession(ws *websocket.Conn, login sshLoginParams) error {
	user := login.User
	if user == "" {
		user = m.cfg.SSHUser
	}
	password := login.Password
	if password == "" {
		password = m.cfg.SSHPassword
	}
	port := login.Port
	if port == 0 {
		port = m.cfg.SSHPort
	}
	if port == 0 {
		port = 22
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	// The tunnel always lands on the agent's own host.
	client, err := ssh.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port), cfg)
	if err != nil {
		return fmt.Errorf("agent: ssh dial local: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("agent: ssh session: %w", err)
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 40, 120, modes); err != nil {
		return fmt.Errorf("agent: request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent: ssh stdin: %w", err)
	}
	output := &wsWriter{ws: ws}
	session.Stdout = output
	session.Stderr = output

	if err := session.Shell(); err != nil {
		return fmt.Errorf("agent: ssh shell: %w", err)
	}

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				_ = stdin.Close()
				_ = session.Close()
				return
			}
			if _, err := stdin.Write(data); err != nil {
				return
			}
		}
	}()

	err = session.Wait()
	if err != nil && err != io.EOF {
		return fmt.Errorf("agent: ssh session ended: %w", err)
	}
	return nil
}

// wsWriter adapts a WebSocket to io.Writer for shell output. Stdout and
// stderr are copied by separate goroutines, so writes are serialized here.
type wsWriter struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
