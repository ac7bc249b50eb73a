package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	// sendDeadline is how long Send waits for the peer's response.
	sendDeadline = 10 * time.Second

	// respondTimeout bounds how long a handler response may wait for the
	// writer. When the writer is backlogged the response is dropped rather
	// than blocking the handler goroutine.
	respondTimeout = 1 * time.Second

	// authTimeout bounds the handshake on both sides.
	authTimeout = 5 * time.Second

	// outboundCap is the writer queue depth per connection.
	outboundCap = 100

	sweepInterval = 1 * time.Second

	// AgentReadTimeout is the idle read limit on the agent side. The comet
	// pushes nothing between dispatches, but the agent's own heartbeat
	// responses arrive well inside this window, so expiry means the link
	// is dead and the agent should reconnect.
	AgentReadTimeout = 90 * time.Second
)

var (
	ErrTimeout    = errors.New("bridge: request timed out")
	ErrConnClosed = errors.New("bridge: connection closed")
)

// Meta describes the agent behind a connection. The comet fills it from the
// connect headers and auth payload; consumers read it after registration.
type Meta struct {
	Namespace      string
	AgentIP        string
	MacAddr        string
	IsInitialized  bool
	AssignUser     string
	AssignPassword string
	SSHUser        string
	SSHPassword    string
	SSHPort        uint16
}

// RequestHandler consumes an inbound request and returns the encoded
// response payload, or nil when no response should be sent.
type RequestHandler func(ctx context.Context, c *Conn, req *Request) json.RawMessage

type outbound struct {
	msg   Msg
	reply chan Result
}

// Conn is one bridge endpoint over a WebSocket. A single writer goroutine
// owns all socket writes; requests enqueue through the out channel and get
// their correlation id assigned there, so ids are monotonic per connection.
type Conn struct {
	Meta Meta

	ws          *websocket.Conn
	log         *zap.Logger
	out         chan outbound
	pend        *pendingTable
	nextID      atomicCounter
	readTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Conn at construction.
type Option func(*Conn)

// WithReadTimeout sets an idle deadline on reads. Zero means reads block
// until the peer sends or the socket dies.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// NewConn wraps ws. The caller performs the auth handshake, then calls
// Start and Serve.
func NewConn(ws *websocket.Conn, logger *zap.Logger, opts ...Option) *Conn {
	c := &Conn{
		ws:   ws,
		log:  logger.Named("bridge"),
		out:  make(chan outbound, outboundCap),
		pend: newPendingTable(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the writer and the pending-table sweeper.
func (c *Conn) Start() {
	go c.writeLoop()
	go c.sweepLoop()
}

// Close tears the connection down. Idempotent. All in-flight Send calls
// fail with ErrConnClosed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.pend.failAll(ErrConnClosed)
	})
}

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send ships req to the peer and waits for the correlated response with the
// default deadline.
func (c *Conn) Send(ctx context.Context, req Request) (json.RawMessage, error) {
	return c.SendTimeout(ctx, req, sendDeadline)
}

// SendTimeout is Send with an explicit response deadline.
func (c *Conn) SendTimeout(ctx context.Context, req Request, d time.Duration) (json.RawMessage, error) {
	reply := make(chan Result, 1)
	select {
	case c.out <- outbound{msg: NewRequestMsg(req), reply: reply}:
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res.Value, res.Err
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve reads frames until the socket dies, routing responses to their
// waiters and spawning one goroutine per inbound request. It always returns
// a non-nil error and closes the connection on the way out.
func (c *Conn) Serve(ctx context.Context, handler RequestHandler) error {
	defer c.Close()
	for {
		if c.readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("bridge: read: %w", err)
		}

		if IsResponse(frame) {
			m, err := Unpack(frame)
			if err != nil {
				c.log.Warn("discarding bad response frame", zap.Error(err))
				continue
			}
			if !c.pend.resolve(m.ID, Result{Value: m.Data.Response}) {
				c.log.Debug("response with no waiter", zap.Uint64("id", m.ID))
			}
			continue
		}

		m, err := Unpack(frame)
		if err != nil {
			c.log.Warn("discarding bad request frame", zap.Error(err))
			continue
		}
		if m.Data.Request == nil {
			c.log.Warn("request frame without request payload", zap.Uint64("id", m.ID))
			continue
		}
		go c.dispatch(ctx, m.ID, m.Data.Request, handler)
	}
}

func (c *Conn) dispatch(ctx context.Context, id uint64, req *Request, handler RequestHandler) {
	payload := handler(ctx, c, req)
	if payload == nil {
		payload = json.RawMessage("null")
	}
	select {
	case c.out <- outbound{msg: NewResponseMsg(id, payload)}:
	case <-time.After(respondTimeout):
		c.log.Warn("writer backlogged, dropping response",
			zap.Uint64("id", id), zap.String("kind", req.Kind()))
	case <-c.done:
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case ob := <-c.out:
			if err := c.writeOne(ob); err != nil {
				c.log.Warn("write failed, closing connection", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) writeOne(ob outbound) error {
	var (
		frame []byte
		err   error
	)
	if ob.msg.Data.Response != nil {
		frame, err = PackResponse(ob.msg)
	} else {
		ob.msg.ID = c.nextID.next()
		if ob.reply != nil {
			c.pend.add(ob.msg.ID, ob.reply)
		}
		frame, err = PackRequest(ob.msg)
	}
	if err != nil {
		if ob.reply != nil {
			c.pend.remove(ob.msg.ID)
			ob.reply <- Result{Err: err}
		}
		return nil
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if ob.reply != nil {
			c.pend.remove(ob.msg.ID)
			ob.reply <- Result{Err: err}
		}
		return err
	}
	return nil
}

func (c *Conn) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.pend.sweep(now)
		}
	}
}

// AcceptAuth runs the comet side of the handshake: read one Auth request,
// verify the shared secret, reply with "ok" under id 0. Must be called
// before Start.
func (c *Conn) AcceptAuth(secret string) (*AuthParams, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("bridge: auth read: %w", err)
	}
	m, err := Unpack(frame)
	if err != nil {
		return nil, fmt.Errorf("bridge: auth: %w", err)
	}
	if m.Data.Request == nil || m.Data.Request.Auth == nil {
		return nil, errors.New("bridge: auth: first frame is not an auth request")
	}
	p := m.Data.Request.Auth
	if p.Secret != secret {
		_ = c.writeAuthReply(json.RawMessage(`"failed"`))
		return nil, errors.New("bridge: auth: invalid secret")
	}
	if err := c.writeAuthReply(json.RawMessage(`"ok"`)); err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Time{})
	c.Meta.AgentIP = p.AgentIP
	c.Meta.IsInitialized = p.IsInitialized
	return p, nil
}

// Authenticate runs the agent side of the handshake: send the Auth request
// under id 0 and wait for the comet's verdict. Must be called before Start.
func (c *Conn) Authenticate(p AuthParams) error {
	frame, err := PackRequest(Msg{ID: 0, Data: MsgKind{Request: &Request{Auth: &p}}})
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("bridge: auth write: %w", err)
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, reply, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("bridge: auth read: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})
	m, err := Unpack(reply)
	if err != nil {
		return fmt.Errorf("bridge: auth: %w", err)
	}
	if string(m.Data.Response) != `"ok"` {
		return fmt.Errorf("bridge: auth rejected: %s", m.Data.Response)
	}
	return nil
}

func (c *Conn) writeAuthReply(payload json.RawMessage) error {
	frame, err := PackResponse(NewResponseMsg(0, payload))
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("bridge: auth write: %w", err)
	}
	return nil
}
