package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ViljarVoidula/graphql-gateway/internal/service/lifecycle"
	"github.com/ViljarVoidula/graphql-gateway/internal/service/tracking"
	"github.com/ViljarVoidula/graphql-gateway/internal/settings"
	"github.com/ViljarVoidula/graphql-gateway/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 15 * time.Second
)

// Router exposes the pipeline's operational surface: health, status, runtime
// mutators, the metrics endpoint, and the live measurement stream.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	sampler   *tracking.Sampler
	writer    *tracking.BatchWriter
	emitter   *tracking.Emitter
	tracker   *tracking.Tracker
	lifecycle *lifecycle.Manager
	settings  *settings.Store
	hub       *ws.Hub
	registry  *prometheus.Registry
	upgrader  websocket.Upgrader
	token     string
	dbHealth  func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, sampler *tracking.Sampler, writer *tracking.BatchWriter, emitter *tracking.Emitter, tracker *tracking.Tracker, lifecycleMgr *lifecycle.Manager, store *settings.Store, hub *ws.Hub, registry *prometheus.Registry, operatorToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		sampler:   sampler,
		writer:    writer,
		emitter:   emitter,
		tracker:   tracker,
		lifecycle: lifecycleMgr,
		settings:  store,
		hub:       hub,
		registry:  registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		token:    strings.TrimSpace(operatorToken),
		dbHealth: dbHealth,
	}
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.handleHealthz)
	r.mux.HandleFunc("/tracking/status", r.operator(r.handleStatus))
	r.mux.HandleFunc("/tracking/sampling", r.operator(r.handleSampling))
	r.mux.HandleFunc("/tracking/retention", r.operator(r.handleRetention))
	r.mux.HandleFunc("/tracking/cleanup", r.operator(r.handleCleanup))
	r.mux.HandleFunc("/tracking/breaker/reset", r.operator(r.handleBreakerReset))
	r.mux.HandleFunc("/ws/measurements", r.operator(r.handleMeasurementsWS))
	r.mux.HandleFunc("/stream/measurements", r.operator(r.handleMeasurementsSSE))
	if r.registry != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	dbOK := true
	if r.dbHealth != nil {
		dbOK = r.dbHealth(ctx) == nil
	}
	lifecycleStatus := r.lifecycle.Status()
	status := http.StatusOK
	if !dbOK || !lifecycleStatus.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"database":  dbOK,
		"lifecycle": lifecycleStatus.Healthy,
	})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sampler":   r.sampler.Stats(),
		"writer":    r.writer.Stats(),
		"emitter":   r.emitter.Stats(),
		"tracker":   r.tracker.Stats(),
		"lifecycle": r.lifecycle.Status(),
	})
}

func (r *Router) handleSampling(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPatch {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Enabled          *bool    `json:"enabled"`
		BaseSampleRate   *float64 `json:"base_sample_rate"`
		ErrorSampleRate  *float64 `json:"error_sample_rate"`
		SlowThresholdMS  *float64 `json:"slow_threshold_ms"`
		TelemetryEnabled *bool    `json:"telemetry_enabled"`
		TelemetryRate    *float64 `json:"telemetry_rate"`
		TelemetryErrRate *float64 `json:"telemetry_error_rate"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	current := r.settings.Tracking(req.Context())
	applyBool(&current.Enabled, payload.Enabled)
	applyBool(&current.TelemetryEnabled, payload.TelemetryEnabled)
	if err := firstRateError(payload.BaseSampleRate, payload.ErrorSampleRate, payload.TelemetryRate, payload.TelemetryErrRate); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applyFloat(&current.BaseSampleRate, payload.BaseSampleRate)
	applyFloat(&current.ErrorSampleRate, payload.ErrorSampleRate)
	applyFloat(&current.SlowThresholdMS, payload.SlowThresholdMS)
	applyFloat(&current.TelemetryRate, payload.TelemetryRate)
	applyFloat(&current.TelemetryErrRate, payload.TelemetryErrRate)

	if err := r.settings.SetTracking(req.Context(), current); err != nil {
		writeError(w, http.StatusBadGateway, "settings store unavailable")
		return
	}
	r.sampler.ApplySettings(current)
	r.emitter.ApplySettings(current)
	writeJSON(w, http.StatusOK, current)
}

func (r *Router) handleRetention(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPatch {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Days                *int  `json:"days"`
		ArchiveEnabled      *bool `json:"archive_enabled"`
		CompressionEnabled  *bool `json:"compression_enabled"`
		PartitioningEnabled *bool `json:"partitioning_enabled"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	current := r.settings.Retention(req.Context())
	if payload.Days != nil {
		if *payload.Days <= 0 {
			writeError(w, http.StatusBadRequest, "days must be positive")
			return
		}
		current.Days = *payload.Days
	}
	applyBool(&current.ArchiveEnabled, payload.ArchiveEnabled)
	applyBool(&current.CompressionEnabled, payload.CompressionEnabled)
	applyBool(&current.PartitioningEnabled, payload.PartitioningEnabled)

	if err := r.settings.SetRetention(req.Context(), current); err != nil {
		writeError(w, http.StatusBadGateway, "settings store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (r *Router) handleCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.lifecycle.RunCycle(req.Context()); err != nil {
		if errors.Is(err, lifecycle.ErrCleanupRunning) {
			writeError(w, http.StatusConflict, "cleanup already running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, r.lifecycle.Status())
}

func (r *Router) handleBreakerReset(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	r.writer.Reset()
	writeJSON(w, http.StatusOK, r.writer.Stats())
}

func (r *Router) handleMeasurementsWS(w http.ResponseWriter, req *http.Request) {
	serviceID := strings.TrimSpace(req.URL.Query().Get("service_id"))
	if serviceID == "" {
		writeError(w, http.StatusBadRequest, "service_id required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(serviceID, client)
	defer r.hub.Unregister(serviceID, client)

	// Reads are discarded; the socket exists to push measurements out.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) handleMeasurementsSSE(w http.ResponseWriter, req *http.Request) {
	serviceID := strings.TrimSpace(req.URL.Query().Get("service_id"))
	if serviceID == "" {
		writeError(w, http.StatusBadRequest, "service_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(serviceID, client)
	defer r.hub.Unregister(serviceID, client)

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// operator guards mutating and introspection endpoints with the static
// operator token. An empty configured token disables the check.
func (r *Router) operator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.token != "" {
			provided := strings.TrimSpace(req.Header.Get("X-Operator-Token"))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(r.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid operator token")
				return
			}
		}
		next(w, req)
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func applyFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func firstRateError(rates ...*float64) error {
	for _, rate := range rates {
		if rate != nil && (*rate <= 0 || *rate > 1) {
			return errors.New("rates must be in (0, 1]")
		}
	}
	return nil
}

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
