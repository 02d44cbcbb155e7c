package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel-overwatch/api/middleware"
	"sentinel-overwatch/pkg/ontology"
	"sentinel-overwatch/pkg/services/workers"
	"sentinel-overwatch/pkg/shared"
	"sentinel-overwatch/pkg/transport"
)

const maxBodyBytes = 64 * 1024

// Publisher is the JetStream side of the relay.
type Publisher interface {
	PublishWithDedup(subject string, data []byte, msgID string) error
	HealthCheck() error
}

type Database interface {
	Health() error
}

type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, room string)
	Peers() int
}

type Config struct {
	APIToken    string
	JWTSecret   string
	DefaultRoom string
}

type Handlers struct {
	cfg     Config
	db      Database
	nats    Publisher
	hub     Hub
	logger  *zap.Logger
	started time.Time
}

func NewHandlers(cfg Config, db Database, nats Publisher, hub Hub, logger *zap.Logger) *Handlers {
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = shared.DefaultRoom
	}
	return &Handlers{
		cfg:     cfg,
		db:      db,
		nats:    nats,
		hub:     hub,
		logger:  logger.Named("api"),
		started: time.Now(),
	}
}

// Router builds the HTTP surface of the relay.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS)

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(middleware.QueryToken(h.cfg.JWTSecret))
		r.Get("/api/ws/yjs", h.ServeWS)
		r.Get("/api/ws/yjs/{room}", h.ServeWS)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.cfg.APIToken))
		r.Post("/telemetry", h.PublishTelemetry)
		r.Post("/alerts", h.PublishAlert)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, "NOT_FOUND", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})
	return r
}

// ServeWS attaches an operator session to a collaboration room.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if room == "" {
		room = h.cfg.DefaultRoom
	}
	if !shared.ValidSubjectToken(room) {
		sendError(w, http.StatusBadRequest, "INVALID_ROOM", fmt.Sprintf("invalid room name %q", room))
		return
	}

	operator, _ := middleware.Operator(r.Context())
	h.logger.Info("Operator connecting", zap.String("operator", operator), zap.String("room", room))
	h.hub.ServeWS(w, r, room)
}

// PublishTelemetry puts one position report on the telemetry stream.
func (h *Handlers) PublishTelemetry(w http.ResponseWriter, r *http.Request) {
	var update transport.TelemetryUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&update); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !shared.ValidSubjectToken(update.EntityID) {
		sendError(w, http.StatusBadRequest, "INVALID_ENTITY_ID", "entity_id is required and may not contain '.', '*', '>' or whitespace")
		return
	}
	if update.Lon == nil || update.Lat == nil {
		sendError(w, http.StatusBadRequest, "MISSING_COORDINATES", "lon and lat are required")
		return
	}
	if err := (ontology.Position{Longitude: *update.Lon, Latitude: *update.Lat}).Validate(); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
		return
	}

	data, err := json.Marshal(update)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "ENCODE_FAILED", err.Error())
		return
	}
	subject := shared.TelemetryEntitySubject(update.EntityID)
	if err := h.nats.PublishWithDedup(subject, data, messageID(r)); err != nil {
		h.logger.Error("Failed to publish telemetry", zap.String("entity_id", update.EntityID), zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "PUBLISH_FAILED", err.Error())
		return
	}

	sendSuccess(w, http.StatusAccepted, map[string]string{"subject": subject})
}

// PublishAlert accepts an alert envelope and puts it on the alert stream.
func (h *Handlers) PublishAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	msg, err := transport.DecodeText(body)
	if err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !workers.IsAlert(msg) {
		sendError(w, http.StatusBadRequest, "NOT_AN_ALERT", fmt.Sprintf("%s is not an alert kind", msg.Kind()))
		return
	}

	data, _, err := transport.Encode(msg)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "ENCODE_FAILED", err.Error())
		return
	}
	subject := shared.AlertKindSubject(msg.Kind())
	if err := h.nats.PublishWithDedup(subject, data, messageID(r)); err != nil {
		h.logger.Error("Failed to publish alert", zap.String("kind", msg.Kind()), zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "PUBLISH_FAILED", err.Error())
		return
	}

	sendSuccess(w, http.StatusAccepted, map[string]string{"subject": subject})
}

// messageID uses the caller's Idempotency-Key so retried posts are
// deduplicated by the stream.
func messageID(r *http.Request) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return uuid.NewString()
}

// Health check
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := shared.HealthStatus{
		Status:    "healthy",
		Service:   "overwatch-relay",
		Uptime:    time.Since(h.started),
		Timestamp: time.Now(),
		Details:   make(map[string]string),
	}

	if err := h.db.Health(); err != nil {
		health.Status = "unhealthy"
		health.Details["database"] = "unhealthy: " + err.Error()
	} else {
		health.Details["database"] = "healthy"
	}

	if err := h.nats.HealthCheck(); err != nil {
		health.Status = "unhealthy"
		health.Details["nats"] = "unhealthy: " + err.Error()
	} else {
		health.Details["nats"] = "healthy"
	}

	health.Details["peers"] = fmt.Sprint(h.hub.Peers())

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	sendSuccess(w, statusCode, health)
}

func sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: true,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    code,
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(response)
}
