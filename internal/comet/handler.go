package comet

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents and consoles are not browsers; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// forwardRequest is the body shape of every console-to-agent relay route.
type forwardRequest[T any] struct {
	Namespace string `json:"namespace"`
	AgentIP   string `json:"agent_ip"`
	MacAddr   string `json:"mac_addr,omitempty"`
	Params    T      `json:"params"`
}

// sshLoginParams is pushed to the agent over its parked SSH socket to tell
// it which host to open a session against.
type sshLoginParams struct {
	IP        string `json:"ip"`
	Namespace string `json:"namespace"`
	User      string `json:"user"`
	Password  string `json:"password"`
	Port      uint16 `json:"port"`
}

// NewRouter builds the comet HTTP surface. Everything except /metrics and
// /file/get requires the shared secret as a bearer token.
func NewRouter(c *Comet, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/file/get/{filename}", c.handleFileGet)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(c.cfg.Secret, logger))

		r.Get("/evt/{namespace}", c.handleAgentConnect)
		r.Post("/dispatch", c.handleDispatch)
		r.Post("/runtime_action", c.handleRuntimeAction)

		r.Post("/sftp/read-dir", forward(c, "sftp_read_dir", func(p bridge.SftpReadDirParams) bridge.Request {
			return bridge.Request{SftpReadDir: &p}
		}))
		r.Post("/sftp/upload", forward(c, "sftp_upload", func(p bridge.SftpUploadParams) bridge.Request {
			return bridge.Request{SftpUpload: &p}
		}))
		r.Post("/sftp/download", forward(c, "sftp_download", func(p bridge.SftpDownloadParams) bridge.Request {
			return bridge.Request{SftpDownload: &p}
		}))
		r.Post("/sftp/remove", forward(c, "sftp_remove", func(p bridge.SftpRemoveParams) bridge.Request {
			return bridge.Request{SftpRemove: &p}
		}))

		r.Get("/ssh/register/*", c.handleSSHRegister)
		r.Get("/ssh/tunnel/{ip}", c.handleSSHTunnel)
	})
	return r
}

// bearerAuth rejects requests that do not carry the shared secret.
func bearerAuth(secret string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+secret {
				logger.Warn("rejected request with bad secret",
					zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
				writeEnvelope(w, http.StatusUnauthorized, bridge.CodeError, "invalid secret", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleAgentConnect upgrades an agent uplink, runs the auth handshake and
// serves the connection until it dies. Registration and deregistration
// bracket the serve loop; the lifecycle sink turns both into bus events.
func (c *Comet) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	if namespace == "" {
		namespace = "default"
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := bridge.NewConn(ws, c.log)
	authParams, err := conn.AcceptAuth(c.cfg.Secret)
	if err != nil {
		c.log.Warn("agent auth failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = ws.Close()
		return
	}
	conn.Meta.Namespace = namespace
	conn.Meta.MacAddr = r.Header.Get("X-Mac-Address")
	conn.Meta.AssignUser = r.Header.Get("X-Assign-Username")
	conn.Meta.AssignPassword = r.Header.Get("X-Assign-Password")
	conn.Meta.SSHUser = r.Header.Get("X-Ssh-User")
	conn.Meta.SSHPassword = r.Header.Get("X-Ssh-Password")
	if port, err := strconv.ParseUint(r.Header.Get("X-Ssh-Port"), 10, 16); err == nil {
		conn.Meta.SSHPort = uint16(port)
	}

	key := bridge.ClientKey(namespace, authParams.AgentIP)
	conn.Start()
	c.bridge.Register(key, conn)
	err = conn.Serve(r.Context(), c.HandleRequest)
	c.log.Info("agent connection ended", zap.String("key", key), zap.Error(err))
	c.bridge.Unregister(key, conn)
}

func (c *Comet) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest[bridge.DispatchJobParams]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, bridge.CodeError, "invalid request body: "+err.Error(), nil)
		return
	}
	c.relay(w, r, "dispatch", req.Namespace, req.AgentIP, bridge.Request{DispatchJob: &req.Params})
}

func (c *Comet) handleRuntimeAction(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest[bridge.RuntimeActionParams]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, bridge.CodeError, "invalid request body: "+err.Error(), nil)
		return
	}
	c.relay(w, r, "runtime_action", req.Namespace, req.AgentIP, bridge.Request{RuntimeAction: &req.Params})
}

// forward builds a handler relaying one SFTP request kind to the agent.
func forward[T any](c *Comet, kind string, wrap func(T) bridge.Request) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req forwardRequest[T]
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, bridge.CodeError, "invalid request body: "+err.Error(), nil)
			return
		}
		c.relay(w, r, kind, req.Namespace, req.AgentIP, wrap(req.Params))
	}
}

// relay sends req to the agent and returns the agent's response payload
// verbatim. The agent already wraps its payload in the {code,msg,data}
// envelope, so the comet adds nothing on the happy path.
func (c *Comet) relay(w http.ResponseWriter, r *http.Request, kind, namespace, agentIP string, req bridge.Request) {
	if namespace == "" {
		namespace = "default"
	}
	key := bridge.ClientKey(namespace, agentIP)
	raw, err := c.bridge.Send(r.Context(), key, req)
	if err != nil {
		c.metrics.DispatchTotal.WithLabelValues(kind, "error").Inc()
		writeEnvelope(w, http.StatusOK, bridge.CodeError, err.Error(), nil)
		return
	}
	c.metrics.DispatchTotal.WithLabelValues(kind, "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// handleSSHRegister parks an agent's keepalive socket under its client key
// until a console asks to tunnel to that agent.
func (c *Comet) handleSSHRegister(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeEnvelope(w, http.StatusBadRequest, bridge.CodeError, "missing client key", nil)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("ssh register upgrade failed", zap.Error(err))
		return
	}
	c.parkSSHStream(key, ws)
	c.log.Info("ssh stream parked", zap.String("key", key))
}

// handleSSHTunnel claims the agent's parked SSH socket, tells the agent
// which host to log into, and splices the console socket to it.
func (c *Comet) handleSSHTunnel(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	q := r.URL.Query()
	namespace := q.Get("namespace")
	if namespace == "" {
		namespace = "default"
	}
	key := bridge.ClientKey(namespace, ip)

	agentWS, ok := c.takeSSHStream(key)
	if !ok {
		writeEnvelope(w, http.StatusOK, bridge.CodeError, "no ssh stream registered for "+key, nil)
		return
	}

	port := uint16(22)
	if p, err := strconv.ParseUint(q.Get("port"), 10, 16); err == nil && p > 0 {
		port = uint16(p)
	}
	login, _ := json.Marshal(sshLoginParams{
		IP:        ip,
		Namespace: namespace,
		User:      q.Get("user"),
		Password:  q.Get("password"),
		Port:      port,
	})

	consoleWS, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("ssh tunnel upgrade failed", zap.Error(err))
		_ = agentWS.Close()
		return
	}
	if err := agentWS.WriteMessage(websocket.TextMessage, login); err != nil {
		c.log.Warn("ssh login push failed", zap.String("key", key), zap.Error(err))
		_ = agentWS.Close()
		_ = consoleWS.Close()
		return
	}

	c.log.Info("ssh tunnel established", zap.String("key", key))
	splice(consoleWS, agentWS)
}

// splice copies frames between the two sockets until either side fails,
// then closes both.
func splice(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	pipe := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, data, err := src.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
	go pipe(a, b)
	go pipe(b, a)
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}

// handleFileGet serves job upload files stored on this comet.
func (c *Comet) handleFileGet(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	if filename == "." || filename == "/" {
		writeEnvelope(w, http.StatusBadRequest, bridge.CodeError, "invalid filename", nil)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, filepath.Join(c.cfg.UploadDir, filename))
}

func writeEnvelope(w http.ResponseWriter, status, code int, msg string, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(bridge.Envelope{Code: code, Msg: msg, Data: data})
}
