package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
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

	"github.com/marqly/studio/internal/domain"
	"github.com/marqly/studio/internal/service/deploy"
	"github.com/marqly/studio/internal/service/files"
	"github.com/marqly/studio/internal/ws"
)

// Suggester produces advisory replacement candidates for buffer content.
type Suggester interface {
	GetSuggestions(ctx context.Context, content string) ([]string, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	files        files.Service
	deploy       deploy.Service
	suggest      Suggester
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	jwtSecret    string
	builderToken string
	dbHealth     func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 240
	rateLimitWrite     = 60
	rateLimitSuggest   = 10
	rateLimitWebsocket = 30
	rateLimitCallback  = 600
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, filesSvc files.Service, deploySvc deploy.Service, suggester Suggester, hub *ws.Hub, limiter RateLimiter, jwtSecret, builderToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		files:   filesSvc,
		deploy:  deploySvc,
		suggest: suggester,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		jwtSecret:    jwtSecret,
		builderToken: strings.TrimSpace(builderToken),
		dbHealth:     dbHealth,
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
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/files", r.audit("/files", r.handlerAuthRate("/files", rateLimitWrite, rateWindowDefault, r.handleFiles)))
	r.mux.HandleFunc("/files/content", r.audit("/files/content", r.handlerAuthRate("/files/content", rateLimitWrite, rateWindowDefault, r.handleFileContent)))
	r.mux.HandleFunc("/files/rename", r.audit("/files/rename", r.handlerAuthRate("/files/rename", rateLimitWrite, rateWindowDefault, r.handleFileRename)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handlerAuthRate("/deployments", rateLimitWrite, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/", r.handlerAuthRate("/deployments/", rateLimitRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/suggestions", r.audit("/suggestions", r.handlerAuthRate("/suggestions", rateLimitSuggest, rateWindowDefault, r.handleSuggestions)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.handlerAuthRate("/ws/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsWS)))
	r.mux.HandleFunc("/builder/callback", r.audit("/builder/callback", r.withRateLimit("/builder/callback", rateLimitCallback, rateWindowDefault, rateLimitKeyIP, r.handleBuilderCallback)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fileResponse struct {
	ProjectID    string    `json:"project_id"`
	Path         string    `json:"path"`
	Content      string    `json:"content"`
	IsFolder     bool      `json:"is_folder"`
	LastModified time.Time `json:"last_modified"`
}

func toFileResponse(record domain.FileRecord) fileResponse {
	return fileResponse{
		ProjectID:    record.ProjectID,
		Path:         record.Path,
		Content:      record.Content,
		IsFolder:     record.IsFolder,
		LastModified: record.LastModified,
	}
}

func (r *Router) handleFiles(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		records, err := r.files.List(req.Context(), req.URL.Query().Get("project_id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]fileResponse, 0, len(records))
		for _, record := range records {
			out = append(out, toFileResponse(record))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var payload struct {
			ProjectID string `json:"project_id"`
			Path      string `json:"path"`
			Content   string `json:"content"`
			IsFolder  bool   `json:"is_folder"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		record, err := r.files.Create(req.Context(), files.CreateInput{
			ProjectID: payload.ProjectID,
			Path:      payload.Path,
			Content:   payload.Content,
			IsFolder:  payload.IsFolder,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toFileResponse(*record))
	case http.MethodDelete:
		projectID := req.URL.Query().Get("project_id")
		path := req.URL.Query().Get("path")
		if err := r.files.Delete(req.Context(), projectID, path); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleFileContent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID string `json:"project_id"`
		Path      string `json:"path"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.files.UpdateContent(req.Context(), payload.ProjectID, payload.Path, payload.Content); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleFileRename(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID string `json:"project_id"`
		OldPath   string `json:"old_path"`
		NewPath   string `json:"new_path"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.files.Rename(req.Context(), payload.ProjectID, payload.OldPath, payload.NewPath); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

type deploymentResponse struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Status      string     `json:"status"`
	BuildLogs   string     `json:"build_logs"`
	LiveURL     string     `json:"live_url"`
	Error       string     `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toDeploymentResponse(d domain.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		Status:      d.Status,
		BuildLogs:   d.BuildLogs,
		LiveURL:     d.LiveURL,
		Error:       d.Error,
		CreatedAt:   d.CreatedAt,
		CompletedAt: d.CompletedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		deployments, err := r.deploy.ListByProject(req.Context(), req.URL.Query().Get("project_id"), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]deploymentResponse, 0, len(deployments))
		for _, d := range deployments {
			out = append(out, toDeploymentResponse(d))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var payload struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		deployment, err := r.deploy.Trigger(req.Context(), payload.ProjectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDeploymentResponse(*deployment))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/deployments/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && req.Method == http.MethodGet:
		deployment, err := r.deploy.Get(req.Context(), parts[0])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeploymentResponse(*deployment))
	case len(parts) == 2 && parts[1] == "rollback" && req.Method == http.MethodPost:
		deployment, err := r.deploy.Rollback(req.Context(), parts[0])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDeploymentResponse(*deployment))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSuggestions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	suggestions, err := r.suggest.GetSuggestions(req.Context(), payload.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if info, ok := authInfoFromContext(req.Context()); ok {
		r.logger.Debug("suggestions served", "user_id", info.UserID, "count", len(suggestions))
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"suggestions": suggestions})
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer r.hub.Unregister(projectID, client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				client.Close()
				return
			}
		}
	}()
}

func (r *Router) handleBuilderCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.builderToken != "" {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(r.builderToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid builder token")
			return
		}
	}
	var payload deploy.CallbackPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deploy.ProcessCallback(req.Context(), payload); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// audit wraps handlers with request logging and metrics.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, req)
		if recorder.hijacked {
			// connection taken over (websocket); its lifecycle is no
			// longer a single request
			return
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, recorder.status, duration)
		r.logger.Debug("request handled",
			"method", req.Method, "path", req.URL.Path, "status", recorder.status, "duration_ms", duration.Milliseconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so websocket upgrades keep working under audit.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.hijacked = true
	s.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
