package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-edge/ebbflow-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/service"
	"github.com/nexus-edge/ebbflow-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// maxBodySize bounds request bodies; device and settings documents are small.
const maxBodySize = 1 << 20

// DeviceService is the device manager as seen by the API.
type DeviceService interface {
	Provision(ctx context.Context, device domain.DeviceConfig) error
	Deprovision(ctx context.Context, deviceID string, purge bool) error
	Command(ctx context.Context, deviceID, capability string, value interface{}) error
	ApplySettings(ctx context.Context, deviceID string, partial domain.Settings) ([]string, error)
	Devices() []service.DeviceView
	Device(deviceID string) (service.DeviceView, error)
}

// EventSource lists journaled device events.
type EventSource interface {
	Events(ctx context.Context, deviceID string, limit int) ([]domain.Event, error)
}

// TopicTracker provides a runtime view of recently published topics.
// Implemented by the MQTT publisher.
type TopicTracker interface {
	ActiveTopics() []mqtt.TopicStat
}

// SubscriptionProvider provides the MQTT subscription patterns used by the gateway.
// Implemented by the command handler.
type SubscriptionProvider interface {
	SubscribeTopic() string
}

// Handler serves the device API.
type Handler struct {
	devices DeviceService
	catalog *Catalog
	events  EventSource
	logger  zerolog.Logger

	topics        TopicTracker
	subscriptions SubscriptionProvider
}

// NewHandler creates the API handler. catalog and events may be nil.
func NewHandler(devices DeviceService, catalog *Catalog, events EventSource, logger zerolog.Logger) *Handler {
	return &Handler{
		devices: devices,
		catalog: catalog,
		events:  events,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// SetTopicTracker wires in a runtime topic tracker (optional).
func (h *Handler) SetTopicTracker(tracker TopicTracker) { h.topics = tracker }

// SetSubscriptionProvider wires in a subscription provider (optional).
func (h *Handler) SetSubscriptionProvider(provider SubscriptionProvider) {
	h.subscriptions = provider
}

// Register installs the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices", h.wrap(h.listDevices))
	mux.HandleFunc("POST /api/devices", h.wrap(h.createDevice))
	mux.HandleFunc("GET /api/devices/{id}", h.wrap(h.getDevice))
	mux.HandleFunc("DELETE /api/devices/{id}", h.wrap(h.deleteDevice))
	mux.HandleFunc("PUT /api/devices/{id}/capabilities/{capability}", h.wrap(h.command))
	mux.HandleFunc("PATCH /api/devices/{id}/settings", h.wrap(h.applySettings))
	mux.HandleFunc("GET /api/devices/{id}/events", h.wrap(h.listEvents))
	mux.HandleFunc("GET /api/topics", h.wrap(h.topicsOverview))
}

// wrap tags each request with an id, limits its body and logs the outcome.
func (h *Handler) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)

		logger := logging.WithRequestContext(h.logger, requestID, r.Method, r.URL.Path)
		event := logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.Int("status", rec.status).Dur("duration", time.Since(start)).Msg("API request")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.devices.Devices())
}

func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request) {
	view, err := h.devices.Device(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) createDevice(w http.ResponseWriter, r *http.Request) {
	var device domain.DeviceConfig
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if device.Name == "" {
		device.Name = device.ID
	}
	if err := h.devices.Provision(r.Context(), device); err != nil {
		h.writeError(w, err)
		return
	}
	if h.catalog != nil {
		if err := h.catalog.Add(device); err != nil {
			h.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Provisioned device not saved to devices file")
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "success", "message": "Device provisioned"})
}

func (h *Handler) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	if err := h.devices.Deprovision(r.Context(), id, purge); err != nil {
		h.writeError(w, err)
		return
	}
	if h.catalog != nil {
		if err := h.catalog.Remove(id); err != nil && !errors.Is(err, domain.ErrDeviceNotFound) {
			h.logger.Warn().Err(err).Str("device_id", id).Msg("Deprovisioned device not removed from devices file")
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Device deprovisioned"})
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request) {
	var value interface{}
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.devices.Command(r.Context(), r.PathValue("id"), r.PathValue("capability"), value); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) applySettings(w http.ResponseWriter, r *http.Request) {
	var partial domain.Settings
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil || partial == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	changed, err := h.devices.ApplySettings(r.Context(), r.PathValue("id"), partial)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changed": changed})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusOK, []domain.Event{})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	events, err := h.events.Events(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// TopicsOverview lists the topics the gateway publishes and subscribes to.
type TopicsOverview struct {
	GeneratedAt   time.Time        `json:"generated_at"`
	ActiveTopics  []mqtt.TopicStat `json:"active_topics"`
	Subscriptions []string         `json:"subscriptions"`
}

func (h *Handler) topicsOverview(w http.ResponseWriter, _ *http.Request) {
	overview := TopicsOverview{
		GeneratedAt:   time.Now(),
		ActiveTopics:  []mqtt.TopicStat{},
		Subscriptions: []string{},
	}
	if h.topics != nil {
		overview.ActiveTopics = h.topics.ActiveTopics()
	}
	if h.subscriptions != nil {
		overview.Subscriptions = append(overview.Subscriptions, h.subscriptions.SubscribeTopic())
	}
	writeJSON(w, http.StatusOK, overview)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDeviceNotFound), errors.Is(err, domain.ErrUnknownCapability):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDeviceExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrServiceStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidWriteValue),
		errors.Is(err, domain.ErrRegisterNotWritable),
		errors.Is(err, domain.ErrDeviceIDRequired),
		errors.Is(err, domain.ErrUnknownDeviceType),
		errors.Is(err, domain.ErrHostRequired),
		errors.Is(err, domain.ErrInvalidPort),
		errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("API request failed")
	}
	writeJSON(w, code, map[string]string{"status": "error", "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
