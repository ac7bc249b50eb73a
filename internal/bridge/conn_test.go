package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wsPair dials a real WebSocket through an httptest server and hands back
// both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never accepted")
	}
	return server, client
}

func connPair(t *testing.T, handler RequestHandler) (local, remote *Conn) {
	t.Helper()
	serverWS, clientWS := wsPair(t)
	logger := zap.NewNop()

	remote = NewConn(serverWS, logger)
	remote.Start()
	go func() { _ = remote.Serve(context.Background(), handler) }()
	t.Cleanup(remote.Close)

	local = NewConn(clientWS, logger)
	local.Start()
	go func() {
		_ = local.Serve(context.Background(), func(context.Context, *Conn, *Request) json.RawMessage {
			return nil
		})
	}()
	t.Cleanup(local.Close)
	return local, remote
}

func TestSendCorrelatesResponse(t *testing.T) {
	local, _ := connPair(t, func(_ context.Context, _ *Conn, req *Request) json.RawMessage {
		if req.Heartbeat == nil {
			return Fail(fmt.Errorf("expected heartbeat, got %s", req.Kind()))
		}
		return Success(map[string]string{"data": "heartbeat success"})
	})

	raw, err := local.Send(context.Background(), Request{Heartbeat: &HeartbeatParams{
		Namespace: "default", SourceIP: "10.1.1.1",
	}})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, CodeSuccess, env.Code)
}

func TestConcurrentSendsDoNotCrossWires(t *testing.T) {
	local, _ := connPair(t, func(_ context.Context, _ *Conn, req *Request) json.RawMessage {
		return Success(map[string]string{"ip": req.Heartbeat.SourceIP})
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.0.0.%d", i)
			raw, err := local.Send(context.Background(), Request{Heartbeat: &HeartbeatParams{SourceIP: ip}})
			if !assert.NoError(t, err) {
				return
			}
			var env Envelope
			if !assert.NoError(t, json.Unmarshal(raw, &env)) {
				return
			}
			var data map[string]string
			assert.NoError(t, json.Unmarshal(env.Data, &data))
			assert.Equal(t, ip, data["ip"])
		}(i)
	}
	wg.Wait()
}

func TestSendTimesOutOnSilentPeer(t *testing.T) {
	local, _ := connPair(t, func(ctx context.Context, _ *Conn, _ *Request) json.RawMessage {
		time.Sleep(2 * time.Second)
		return Success("late")
	})

	_, err := local.SendTimeout(context.Background(), Request{PullJob: json.RawMessage(`{}`)}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestUnknownCorrelationIDIsDropped(t *testing.T) {
	local, _ := connPair(t, func(_ context.Context, _ *Conn, _ *Request) json.RawMessage {
		return Success("ok")
	})

	// Inject a response nobody asked for; the peer must survive it.
	stray, err := PackResponse(NewResponseMsg(9999, json.RawMessage(`"stray"`)))
	require.NoError(t, err)
	require.NoError(t, local.ws.WriteMessage(websocket.BinaryMessage, stray))

	raw, err := local.Send(context.Background(), Request{PullJob: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "20000")
}

func TestSendFailsAfterClose(t *testing.T) {
	local, _ := connPair(t, func(_ context.Context, _ *Conn, _ *Request) json.RawMessage {
		return nil
	})
	local.Close()
	_, err := local.Send(context.Background(), Request{PullJob: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestAuthHandshake(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	logger := zap.NewNop()
	cometSide := NewConn(serverWS, logger)
	agentSide := NewConn(clientWS, logger)

	type acceptResult struct {
		params *AuthParams
		err    error
	}
	res := make(chan acceptResult, 1)
	go func() {
		p, err := cometSide.AcceptAuth("s3cret")
		res <- acceptResult{p, err}
	}()

	err := agentSide.Authenticate(AuthParams{AgentIP: "10.2.2.2", Secret: "s3cret", IsInitialized: true})
	require.NoError(t, err)

	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, "10.2.2.2", got.params.AgentIP)
	assert.True(t, got.params.IsInitialized)
	assert.Equal(t, "10.2.2.2", cometSide.Meta.AgentIP)
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	logger := zap.NewNop()
	cometSide := NewConn(serverWS, logger)
	agentSide := NewConn(clientWS, logger)

	errCh := make(chan error, 1)
	go func() {
		_, err := cometSide.AcceptAuth("right")
		errCh <- err
	}()

	err := agentSide.Authenticate(AuthParams{AgentIP: "10.2.2.2", Secret: "wrong"})
	assert.Error(t, err)
	assert.Error(t, <-errCh)
}

func TestBridgeSendUnregistered(t *testing.T) {
	b := New(zap.NewNop(), nil)
	_, err := b.Send(context.Background(), "default/10.0.0.1", Request{PullJob: json.RawMessage(`{}`)})
	var nr *ErrNotRegistered
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, "default/10.0.0.1", nr.Key)
}

type recordingSink struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (s *recordingSink) ClientOnline(key string, _ *Conn) {
	s.mu.Lock()
	s.online = append(s.online, key)
	s.mu.Unlock()
}

func (s *recordingSink) ClientOffline(key string, _ *Conn) {
	s.mu.Lock()
	s.offline = append(s.offline, key)
	s.mu.Unlock()
}

func TestBridgeLifecycleSink(t *testing.T) {
	sink := &recordingSink{}
	b := New(zap.NewNop(), sink)
	key := ClientKey("default", "10.0.0.9")

	first, _ := connPair(t, func(_ context.Context, _ *Conn, _ *Request) json.RawMessage { return nil })
	second, _ := connPair(t, func(_ context.Context, _ *Conn, _ *Request) json.RawMessage { return nil })

	b.Register(key, first)
	b.Register(key, second)

	// Replacement closes the old connection without an offline event.
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced connection not closed")
	}
	assert.Equal(t, []string{key, key}, sink.online)
	assert.Empty(t, sink.offline)

	// The replaced connection cannot evict its successor.
	b.Unregister(key, first)
	_, ok := b.Lookup(key)
	assert.True(t, ok)
	assert.Empty(t, sink.offline)

	b.Unregister(key, second)
	_, ok = b.Lookup(key)
	assert.False(t, ok)
	assert.Equal(t, []string{key}, sink.offline)
}
