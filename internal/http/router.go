package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jnoller/racer/internal/manifest"
	"github.com/jnoller/racer/internal/orchestrator"
	"github.com/jnoller/racer/internal/ws"
)

// Router wires HTTP endpoints to the orchestrator.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	orch     orchestrator.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitMutate    = 60
	rateLimitRead      = 240
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	logTailMax         = 10000
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, orch orchestrator.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		orch:   orch,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.audit("/health", r.handleHealth))
	r.mux.HandleFunc("/liveness", r.audit("/liveness", r.handleLiveness))
	r.mux.HandleFunc("/ready", r.audit("/ready", r.handleReady))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/containers", r.audit("/containers", r.withRateLimit("/containers", rateLimitRead, rateWindowDefault, r.handleContainers)))
	r.mux.HandleFunc("/containers/", r.audit("/containers/", r.handleContainerSubroutes))

	r.mux.HandleFunc("/projects", r.audit("/projects", r.withRateLimit("/projects", rateLimitRead, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/project/", r.audit("/project/", r.handleProjectSubroutes))

	r.mux.HandleFunc("/swarm/services", r.audit("/swarm/services", r.withRateLimit("/swarm/services", rateLimitRead, rateWindowDefault, r.handleSwarmServices)))
	r.mux.HandleFunc("/swarm/service/", r.audit("/swarm/service/", r.handleSwarmServiceSubroutes))

	r.mux.HandleFunc("/validate", r.audit("/validate", r.withRateLimit("/validate", rateLimitMutate, rateWindowDefault, r.handleValidate)))
	r.mux.HandleFunc("/dockerfile", r.audit("/dockerfile", r.withRateLimit("/dockerfile", rateLimitMutate, rateWindowDefault, r.handleDockerfile)))
}

func (r *Router) handleContainers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	containers, err := r.orch.Containers(req.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "containers": containers})
}

func (r *Router) handleContainerSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/containers/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "run":
		r.withRateLimit("/containers/run", rateLimitMutate, rateWindowDefault, r.handleRun)(w, req)
	case len(parts) == 1 && parts[0] == "cleanup":
		r.withRateLimit("/containers/cleanup", rateLimitMutate, rateWindowDefault, r.handleCleanup)(w, req)
	case len(parts) == 1:
		r.handleContainer(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "status":
		r.withRateLimit("/containers/{id}/status", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleContainerStatus(w, req, parts[0])
		})(w, req)
	case len(parts) == 2 && parts[1] == "logs":
		r.withRateLimit("/containers/{id}/logs", rateLimitRead, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleContainerLogs(w, req, parts[0])
		})(w, req)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream":
		r.withRateLimit("/containers/{id}/logs/stream", rateLimitWebsocket, rateWindowRealtime, func(w http.ResponseWriter, req *http.Request) {
			r.handleLogStream(w, req, parts[0])
		})(w, req)
	case len(parts) == 2 && parts[1] == "stop":
		r.withRateLimit("/containers/{id}/stop", rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleContainerStop(w, req, parts[0])
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleRun(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload orchestrator.RunRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	result, err := r.orch.Run(req.Context(), payload)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (r *Router) handleCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.orch.Cleanup(req.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleContainer(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.orch.Remove(req.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleContainerStatus(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.orch.Status(req.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleContainerLogs(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.orch.Logs(req.Context(), id, tailParam(req))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleContainerStop(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.orch.Stop(req.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	containerID, err := r.orch.ResolveContainer(req.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(containerID, client)
	go func() {
		defer func() {
			r.hub.Unregister(containerID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.orch.List(req.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	action := strings.TrimPrefix(req.URL.Path, "/project/")
	if action == "" || strings.Contains(action, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	r.withRateLimit("/project/"+action, rateLimitMutate, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
		switch action {
		case "status":
			r.handleProjectStatus(w, req)
		case "rerun":
			r.handleProjectRerun(w, req)
		case "scale":
			r.handleProjectScale(w, req)
		case "scale-up":
			r.handleProjectScaleBy(w, req, 1)
		case "scale-down":
			r.handleProjectScaleBy(w, req, -1)
		default:
			r.notFound(w)
		}
	})(w, req)
}

func (r *Router) handleProjectStatus(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	result, err := r.orch.Status(req.Context(), payload.Identifier)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleProjectRerun(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Identifier string `json:"identifier"`
		Rebuild    bool   `json:"rebuild"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	result, err := r.orch.Rerun(req.Context(), payload.Identifier, payload.Rebuild)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleProjectScale(w http.ResponseWriter, req *http.Request) {
	var payload orchestrator.ScaleRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	result, err := r.orch.Scale(req.Context(), payload)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleProjectScaleBy(w http.ResponseWriter, req *http.Request, direction int) {
	var payload struct {
		Name  string `json:"name"`
		Delta int    `json:"delta"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	if payload.Delta <= 0 {
		payload.Delta = 1
	}
	var (
		result *orchestrator.ScaleResult
		err    error
	)
	if direction > 0 {
		result, err = r.orch.ScaleUp(req.Context(), payload.Name, payload.Delta)
	} else {
		result, err = r.orch.ScaleDown(req.Context(), payload.Name, payload.Delta)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleSwarmServices(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	states, err := r.orch.Services(req.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "services": states})
}

func (r *Router) handleSwarmServiceSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/swarm/service/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	name := parts[0]

	switch {
	case len(parts) == 1 && req.Method == http.MethodDelete:
		result, err := r.orch.ServiceRemove(req.Context(), name)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case len(parts) == 2 && parts[1] == "status" && req.Method == http.MethodGet:
		state, err := r.orch.ServiceStatus(req.Context(), name)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "service": state})
	case len(parts) == 2 && parts[1] == "logs" && req.Method == http.MethodGet:
		result, err := r.orch.ServiceLogs(req.Context(), name, tailParam(req))
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleValidate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	result, err := r.orch.Validate(payload.Path)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (r *Router) handleDockerfile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Path        string   `json:"path"`
		CustomSteps []string `json:"custom_steps"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	// The project path identifies which deployment the spec is rendered for;
	// the template itself does not depend on the directory contents.
	content := manifest.GenerateBuildSpec(payload.CustomSteps)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": payload.Path, "dockerfile": content})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.orch.Degraded() {
		status = "degraded"
		components["runtime"] = map[string]any{"status": "down"}
	} else {
		components["runtime"] = map[string]any{"status": "up"}
	}
	// Cluster mode being inactive is a valid standalone configuration,
	// not a degradation.
	if _, err := r.orch.Services(req.Context()); err != nil {
		components["cluster"] = map[string]any{"status": "inactive"}
	} else {
		components["cluster"] = map[string]any{"status": "active"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleLiveness(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func tailParam(req *http.Request) int {
	tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))
	if tail < 0 {
		tail = 0
	}
	if tail > logTailMax {
		tail = logTailMax
	}
	return tail
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not_found", "not found")
}
