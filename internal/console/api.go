package console

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

// API serves the operator surface of the console.
type API struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	log        *zap.Logger
}

func NewAPI(db *gorm.DB, dispatcher *Dispatcher, logger *zap.Logger) *API {
	return &API{db: db, dispatcher: dispatcher, log: logger.Named("api")}
}

// Router builds the console HTTP routes.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/job/dispatch", a.handleDispatch)
		r.Post("/job/redispatch", a.handleRedispatch)
		r.Post("/job/runtime_action", a.handleRuntimeAction)
		r.Get("/job/schedule_history", a.handleScheduleHistory)
		r.Get("/job/exec_history", a.handleExecHistory)
		r.Get("/instance/list", a.handleInstanceList)
	})
	return r
}

// requestLogger writes one structured line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("remote", r.RemoteAddr))
		})
	}
}

type dispatchRequest struct {
	InstanceIDs []string                 `json:"instance_ids"`
	Params      bridge.DispatchJobParams `json:"params"`
}

func (a *API) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	scheduleID, results, err := a.dispatcher.Dispatch(r.Context(), req.InstanceIDs, req.Params)
	if err != nil {
		// Partial failures still carry the persisted per-target results.
		if len(results) > 0 {
			writeErrorData(w, err.Error(), map[string]any{
				"schedule_id": scheduleID,
				"results":     results,
			})
			return
		}
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeData(w, map[string]any{
		"schedule_id": scheduleID,
		"results":     results,
	})
}

type redispatchRequest struct {
	ScheduleID string           `json:"schedule_id"`
	Action     bridge.JobAction `json:"action,omitempty"`
}

func (a *API) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	var req redispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ScheduleID == "" {
		writeError(w, http.StatusBadRequest, "schedule_id is required")
		return
	}
	results, err := a.dispatcher.Redispatch(r.Context(), req.ScheduleID, req.Action)
	if err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeData(w, map[string]any{
		"schedule_id": req.ScheduleID,
		"results":     results,
	})
}

type runtimeActionRequest struct {
	InstanceIDs []string                   `json:"instance_ids"`
	Params      bridge.RuntimeActionParams `json:"params"`
}

func (a *API) handleRuntimeAction(w http.ResponseWriter, r *http.Request) {
	var req runtimeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	results, err := a.dispatcher.RuntimeAction(r.Context(), req.InstanceIDs, req.Params)
	if err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeData(w, map[string]any{"results": results})
}

func (a *API) handleScheduleHistory(w http.ResponseWriter, r *http.Request) {
	q := a.db.WithContext(r.Context()).Model(&JobScheduleHistory{}).Order("created_at DESC")
	if sid := r.URL.Query().Get("schedule_id"); sid != "" {
		q = q.Where("schedule_id = ?", sid)
	}
	if eid := r.URL.Query().Get("eid"); eid != "" {
		q = q.Where("eid = ?", eid)
	}
	var rows []JobScheduleHistory
	if err := q.Limit(pageSize(r)).Find(&rows).Error; err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeData(w, rows)
}

func (a *API) handleExecHistory(w http.ResponseWriter, r *http.Request) {
	q := a.db.WithContext(r.Context()).Model(&JobExecHistory{}).Order("updated_at DESC")
	if sid := r.URL.Query().Get("schedule_id"); sid != "" {
		q = q.Where("schedule_id = ?", sid)
	}
	if eid := r.URL.Query().Get("eid"); eid != "" {
		q = q.Where("eid = ?", eid)
	}
	if ip := r.URL.Query().Get("bind_ip"); ip != "" {
		q = q.Where("bind_ip = ?", ip)
	}
	var rows []JobExecHistory
	if err := q.Limit(pageSize(r)).Find(&rows).Error; err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeData(w, rows)
}

func (a *API) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	q := a.db.WithContext(r.Context()).Model(&Instance{}).Order("updated_at DESC")
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		q = q.Where("namespace = ?", ns)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []Instance
	if err := q.Limit(pageSize(r)).Find(&rows).Error; err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeData(w, rows)
}

const defaultPageSize = 100

func pageSize(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 1000 {
		return n
	}
	return defaultPageSize
}

func writeData(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(bridge.Envelope{Code: bridge.CodeSuccess, Msg: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(bridge.Envelope{Code: bridge.CodeError, Msg: msg})
}

func writeErrorData(w http.ResponseWriter, msg string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(bridge.Envelope{Code: bridge.CodeError, Msg: msg, Data: data})
}
