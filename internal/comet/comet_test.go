package comet

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
	"github.com/jiawesoft/jiascheduler-sub000/internal/bus"
	"github.com/jiawesoft/jiascheduler-sub000/internal/registry"
)

const testSecret = "s3cret"

type testComet struct {
	comet  *Comet
	srv    *httptest.Server
	rdb    *redis.Client
	mr     *miniredis.Miniredis
	upload string
}

func newTestComet(t *testing.T) *testComet {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	upload := t.TempDir()
	c := New(Config{
		Secret:        testSecret,
		AdvertiseAddr: "comet-1:3000",
		UploadDir:     upload,
	}, registry.NewStore(rdb), bus.New(rdb, "test", logger), NewMetrics(reg), logger)

	srv := httptest.NewServer(NewRouter(c, reg, logger))
	t.Cleanup(srv.Close)
	return &testComet{comet: c, srv: srv, rdb: rdb, mr: mr, upload: upload}
}

// dialAgent connects a fake agent through the comet's real HTTP surface.
func (tc *testComet) dialAgent(t *testing.T, namespace, ip string, handler bridge.RequestHandler) *bridge.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(tc.srv.URL, "http") + "/evt/" + namespace
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+testSecret)
	hdr.Set("X-Mac-Address", "aa:bb:cc:dd")

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)

	conn := bridge.NewConn(ws, zap.NewNop())
	require.NoError(t, conn.Authenticate(bridge.AuthParams{
		AgentIP: ip, Secret: testSecret, IsInitialized: true,
	}))
	conn.Start()
	go func() { _ = conn.Serve(context.Background(), handler) }()
	t.Cleanup(conn.Close)

	// Registration completes just after the handshake; wait for it.
	key := bridge.ClientKey(namespace, ip)
	require.Eventually(t, func() bool {
		_, ok := tc.comet.Bridge().Lookup(key)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return conn
}

func (tc *testComet) post(t *testing.T, path string, body any) *bridge.Envelope {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, tc.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env bridge.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return &env
}

// streamEvents decodes everything published to the bus stream so far.
func (tc *testComet) streamEvents(t *testing.T) []bus.Event {
	t.Helper()
	msgs, err := tc.rdb.XRange(context.Background(), bus.StreamKey, "-", "+").Result()
	require.NoError(t, err)
	events := make([]bus.Event, 0, len(msgs))
	for _, m := range msgs {
		var ev bus.Event
		require.NoError(t, json.Unmarshal([]byte(m.Values["event"].(string)), &ev))
		events = append(events, ev)
	}
	return events
}

func eventKinds(evs []bus.Event) []string {
	kinds := make([]string, len(evs))
	for i := range evs {
		kinds[i] = evs[i].Kind()
	}
	return kinds
}

func TestDispatchRelaysToAgent(t *testing.T) {
	tc := newTestComet(t)
	tc.dialAgent(t, "default", "10.0.0.1", func(_ context.Context, _ *bridge.Conn, req *bridge.Request) json.RawMessage {
		if req.DispatchJob == nil {
			return bridge.Fail(assert.AnError)
		}
		return bridge.Success(map[string]string{"data": "dispatched " + req.DispatchJob.BaseJob.Eid})
	})

	env := tc.post(t, "/dispatch", map[string]any{
		"namespace": "default",
		"agent_ip":  "10.0.0.1",
		"params": bridge.DispatchJobParams{
			BaseJob:    bridge.BaseJob{Eid: "e1", CmdName: "sh"},
			ScheduleID: "s1",
			Action:     bridge.ActionExec,
		},
	})
	assert.Equal(t, bridge.CodeSuccess, env.Code)
	assert.Contains(t, string(env.Data), "dispatched e1")
}

func TestDispatchUnknownAgentFails(t *testing.T) {
	tc := newTestComet(t)
	env := tc.post(t, "/dispatch", map[string]any{
		"namespace": "default",
		"agent_ip":  "10.9.9.9",
		"params":    bridge.DispatchJobParams{BaseJob: bridge.BaseJob{Eid: "e1"}},
	})
	assert.Equal(t, bridge.CodeError, env.Code)
	assert.Contains(t, env.Msg, "not registered")
}

func TestRoutesRequireSecret(t *testing.T) {
	tc := newTestComet(t)
	resp, err := http.Post(tc.srv.URL+"/dispatch", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgentAuthWrongSecretIsRejected(t *testing.T) {
	tc := newTestComet(t)
	wsURL := "ws" + strings.TrimPrefix(tc.srv.URL, "http") + "/evt/default"
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+testSecret)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	defer ws.Close()

	conn := bridge.NewConn(ws, zap.NewNop())
	err = conn.Authenticate(bridge.AuthParams{AgentIP: "10.0.0.1", Secret: "wrong"})
	assert.Error(t, err)
	assert.Equal(t, 0, tc.comet.Bridge().Len())
}

func TestHeartbeatRefreshesLinkPairAndPublishes(t *testing.T) {
	tc := newTestComet(t)
	conn := tc.dialAgent(t, "default", "10.0.0.1", func(_ context.Context, _ *bridge.Conn, _ *bridge.Request) json.RawMessage {
		return bridge.Success("ok")
	})

	raw, err := conn.Send(context.Background(), bridge.Request{Heartbeat: &bridge.HeartbeatParams{
		Namespace: "default", SourceIP: "10.0.0.1", MacAddr: "aa:bb:cc:dd",
	}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "heartbeat success")

	lp, err := registry.NewStore(tc.rdb).GetLinkPair(context.Background(), "default/10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "comet-1:3000", lp.CometAddr)

	kinds := eventKinds(tc.streamEvents(t))
	assert.Contains(t, kinds, "AgentOnline")
	assert.Contains(t, kinds, "Heartbeat")
}

func TestUpdateJobPublishedToBus(t *testing.T) {
	tc := newTestComet(t)
	conn := tc.dialAgent(t, "default", "10.0.0.1", func(_ context.Context, _ *bridge.Conn, _ *bridge.Request) json.RawMessage {
		return bridge.Success("ok")
	})

	raw, err := conn.Send(context.Background(), bridge.Request{UpdateJob: &bridge.UpdateJobParams{
		ScheduleID: "s1", BindIP: "10.0.0.1", BindNamespace: "default",
		RunStatus: bridge.RunStatusRunning,
	}})
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	var found *bridge.UpdateJobParams
	for _, ev := range tc.streamEvents(t) {
		if ev.UpdateJob != nil {
			found = ev.UpdateJob
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "s1", found.ScheduleID)
	assert.Equal(t, bridge.RunStatusRunning, found.RunStatus)
}

func TestPullJobAnswersSuccess(t *testing.T) {
	tc := newTestComet(t)
	conn := tc.dialAgent(t, "default", "10.0.0.1", func(_ context.Context, _ *bridge.Conn, _ *bridge.Request) json.RawMessage {
		return bridge.Success("ok")
	})

	raw, err := conn.Send(context.Background(), bridge.Request{PullJob: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"success"}`, string(raw))
}

func TestDisconnectPublishesOfflineAndUpdatesGauge(t *testing.T) {
	tc := newTestComet(t)
	conn := tc.dialAgent(t, "default", "10.0.0.1", func(_ context.Context, _ *bridge.Conn, _ *bridge.Request) json.RawMessage {
		return bridge.Success("ok")
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(tc.comet.metrics.ConnectedAgents))

	conn.Close()
	require.Eventually(t, func() bool {
		for _, ev := range tc.streamEvents(t) {
			if ev.AgentOffline != nil {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(tc.comet.metrics.ConnectedAgents))
}

func TestFileGetServesUploadDir(t *testing.T) {
	tc := newTestComet(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.upload, "deploy.sh"), []byte("echo deploy"), 0o644))

	resp, err := http.Get(tc.srv.URL + "/file/get/deploy.sh")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "echo deploy", string(data))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "deploy.sh")
}

func TestSSHTunnelWithoutParkedStream(t *testing.T) {
	tc := newTestComet(t)
	req, err := http.NewRequest(http.MethodGet, tc.srv.URL+"/ssh/tunnel/10.0.0.1?namespace=default", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env bridge.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, bridge.CodeError, env.Code)
	assert.Contains(t, env.Msg, "no ssh stream")
}
