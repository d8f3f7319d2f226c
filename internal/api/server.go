package api

import (
	"encoding/json"
	"errors"
	"factory-logistics/internal/config"
	"factory-logistics/internal/engine"
	"factory-logistics/internal/router"
	"factory-logistics/internal/types"
	"factory-logistics/internal/util"
	"factory-logistics/internal/web"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Simulator 是 HTTP 层用到的模拟操作，由 *engine.Simulation 实现
type Simulator interface {
	View() engine.View
	Snapshot() engine.State
	SubmitRequest(t types.ResourceType, amount int, destID string, p types.Priority) (string, error)
	CancelRequests(destID string) (int, error)
	Enqueue(stationID, recipeID string) error
	StartImmediate(stationID, recipeID string) error
	CancelCraft(stationID string) error
	ClearQueue(stationID string) error
	SetPowered(stationID string, on bool) error
	AcceptOnSegment(segmentID string, t types.ResourceType, amount int) error
	SetRouterPolicy(routerID string, p router.Policy) error
}

// RequestBody 是 POST /api/requests 的请求体
type RequestBody struct {
	Resource    string `json:"resource" validate:"required"`
	Amount      int    `json:"amount" validate:"gt=0"`
	Destination string `json:"destination" validate:"required"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low normal high critical"`
}

// RecipeBody 是工站 enqueue/start 的请求体
type RecipeBody struct {
	Recipe string `json:"recipe" validate:"required"`
}

// PowerBody 是工站供电开关的请求体
type PowerBody struct {
	On bool `json:"on"`
}

// ParcelBody 是传送带手动投放的请求体
type ParcelBody struct {
	Resource string `json:"resource" validate:"required"`
	Amount   int    `json:"amount" validate:"gt=0"`
}

// PolicyBody 是切换分流策略的请求体
type PolicyBody struct {
	Policy string `json:"policy" validate:"required"`
}

// Server 提供 JSON API、Prometheus 指标和 WebSocket 状态推送
type Server struct {
	sim       Simulator
	tracker   *web.StateTracker // 为空时 /api/state 直接返回模拟视图
	hub       *web.Hub          // 为空时不注册 /ws
	validator *config.Validator
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer 创建 API 服务并注册全部路由
func NewServer(sim Simulator, tracker *web.StateTracker, hub *web.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sim:       sim,
		tracker:   tracker,
		hub:       hub,
		validator: config.NewValidator(),
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		s.mux.HandleFunc("GET /ws", s.hub.ServeWs)
	}
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /api/requests", s.handleSubmitRequest)
	s.mux.HandleFunc("DELETE /api/requests", s.handleCancelRequests)
	s.mux.HandleFunc("POST /api/stations/{id}/enqueue", s.handleEnqueue)
	s.mux.HandleFunc("POST /api/stations/{id}/start", s.handleStart)
	s.mux.HandleFunc("POST /api/stations/{id}/cancel", s.handleCancelCraft)
	s.mux.HandleFunc("POST /api/stations/{id}/clear", s.handleClearQueue)
	s.mux.HandleFunc("POST /api/stations/{id}/power", s.handlePower)
	s.mux.HandleFunc("POST /api/segments/{id}/accept", s.handleAccept)
	s.mux.HandleFunc("PUT /api/routers/{id}/policy", s.handleRouterPolicy)
}

// Handler 返回带 Trace ID 中间件的根处理器
func (s *Server) Handler() http.Handler {
	return s.withTrace(s.mux)
}

// withTrace 沿用调用方的 X-Trace-ID，没有则生成一个，并回写到响应头
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(util.TraceHeader)
		if traceID == "" {
			traceID = util.NewTraceID()
		}
		w.Header().Set(util.TraceHeader, traceID)
		ctx := util.ContextWithTraceID(r.Context(), traceID)
		util.LoggerWithTrace(ctx, s.logger).Debug("收到请求", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.tracker != nil {
		s.writeJSON(w, http.StatusOK, s.tracker.GetStateSnapshot())
		return
	}
	s.writeJSON(w, http.StatusOK, s.sim.View())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sim.Snapshot())
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body RequestBody
	if !s.decode(w, r, &body) {
		return
	}
	p, err := types.ParsePriority(body.Priority)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	id, err := s.sim.SubmitRequest(types.ResourceType(body.Resource), body.Amount, body.Destination, p)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	util.LoggerWithTrace(r.Context(), s.logger).Info("API 提交物流请求",
		"request_id", id, "resource", body.Resource, "amount", body.Amount, "destination", body.Destination)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": id})
}

func (s *Server) handleCancelRequests(w http.ResponseWriter, r *http.Request) {
	dest := r.URL.Query().Get("destination")
	if dest == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("destination query parameter is required"))
		return
	}
	n, err := s.sim.CancelRequests(dest)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body RecipeBody
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r, s.sim.Enqueue(r.PathValue("id"), body.Recipe))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body RecipeBody
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r, s.sim.StartImmediate(r.PathValue("id"), body.Recipe))
}

func (s *Server) handleCancelCraft(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.sim.CancelCraft(r.PathValue("id")))
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.sim.ClearQueue(r.PathValue("id")))
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var body PowerBody
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r, s.sim.SetPowered(r.PathValue("id"), body.On))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body ParcelBody
	if !s.decode(w, r, &body) {
		return
	}
	s.respond(w, r, s.sim.AcceptOnSegment(r.PathValue("id"), types.ResourceType(body.Resource), body.Amount))
}

func (s *Server) handleRouterPolicy(w http.ResponseWriter, r *http.Request) {
	var body PolicyBody
	if !s.decode(w, r, &body) {
		return
	}
	p, err := router.ParsePolicy(body.Policy)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	s.respond(w, r, s.sim.SetRouterPolicy(r.PathValue("id"), p))
}

// decode 解析并校验 JSON 请求体；失败时已写出 400
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return false
	}
	if err := s.validator.Validate(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor 将模拟层的哨兵错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRejected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		util.LoggerWithTrace(r.Context(), s.logger).Error("处理请求失败", "path", r.URL.Path, "error", err)
	} else {
		util.LoggerWithTrace(r.Context(), s.logger).Debug("请求被拒绝", "path", r.URL.Path, "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("写入响应失败", "error", err)
	}
}
