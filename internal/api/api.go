// Package api exposes the operator-facing management REST API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"tr069-acs/internal/models"
	"tr069-acs/internal/store"
	"tr069-acs/internal/tasks"
)

// Handler serves the /api routes.
type Handler struct {
	store *store.Store
	queue *tasks.Queue
	log   zerolog.Logger
}

// NewHandler builds the management API handler.
func NewHandler(s *store.Store, q *tasks.Queue, log zerolog.Logger) *Handler {
	return &Handler{
		store: s,
		queue: q,
		log:   log.With().Str("component", "api").Logger(),
	}
}

// Register mounts the API routes on the router.
func (h *Handler) Register(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/devices", h.ListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", h.GetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}/parameters", h.GetDeviceParameters).Methods("GET")
	api.HandleFunc("/devices/{id}/tasks", h.CreateDeviceTask).Methods("POST")
	api.HandleFunc("/devices/{id}/tasks", h.GetDeviceTasks).Methods("GET")
	api.HandleFunc("/devices/{id}/reboot", h.RebootDevice).Methods("POST")
	api.HandleFunc("/devices/{id}/factory-reset", h.FactoryResetDevice).Methods("POST")
	api.HandleFunc("/devices/{id}/sessions", h.GetDeviceSessions).Methods("GET")
	api.HandleFunc("/devices/{id}/events", h.GetDeviceEvents).Methods("GET")
	api.HandleFunc("/tasks/{id}", h.GetTask).Methods("GET")
	api.HandleFunc("/stats", h.GetStats).Methods("GET")
}

// ListDevices returns summaries for every known device.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if devices == nil {
		devices = []*models.Device{}
	}
	h.respond(w, http.StatusOK, devices)
}

// GetDevice returns the detail for one device.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.store.GetDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, device)
}

// GetDeviceParameters returns the parameter snapshot for a device.
func (h *Handler) GetDeviceParameters(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if !h.deviceExists(w, r, deviceID) {
		return
	}
	params, err := h.store.GetParameters(r.Context(), deviceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if params == nil {
		params = []*models.Parameter{}
	}
	h.respond(w, http.StatusOK, params)
}

// CreateDeviceTask enqueues a task submitted as {type, parameters}.
func (h *Handler) CreateDeviceTask(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if !h.deviceExists(w, r, deviceID) {
		return
	}

	var req tasks.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.enqueue(w, r, deviceID, req)
}

// GetDeviceTasks returns the task history for a device, newest first.
func (h *Handler) GetDeviceTasks(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if !h.deviceExists(w, r, deviceID) {
		return
	}
	list, err := h.store.ListTasks(r.Context(), deviceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []*models.Task{}
	}
	h.respond(w, http.StatusOK, list)
}

// RebootDevice enqueues a reboot task.
func (h *Handler) RebootDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if !h.deviceExists(w, r, deviceID) {
		return
	}
	h.enqueue(w, r, deviceID, tasks.Request{Type: models.TaskReboot})
}

// FactoryResetDevice enqueues a factory_reset task.
func (h *Handler) FactoryResetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if !h.deviceExists(w, r, deviceID) {
		return
	}
	h.enqueue(w, r, deviceID, tasks.Request{Type: models.TaskFactoryReset})
}

// GetDeviceSessions returns the session history for a device.
func (h *Handler) GetDeviceSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if !h.deviceExists(w, r, deviceID) {
		return
	}
	sessions, err := h.store.ListSessions(r.Context(), deviceID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	h.respond(w, http.StatusOK, sessions)
}

// GetDeviceEvents returns the audit log for a device.
func (h *Handler) GetDeviceEvents(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if !h.deviceExists(w, r, deviceID) {
		return
	}
	list, err := h.store.ListDeviceEvents(r.Context(), deviceID, 100)
	if err != nil {
		h.fail(w, err)
		return
	}
	if list == nil {
		list = []*models.DeviceEvent{}
	}
	h.respond(w, http.StatusOK, list)
}

// GetTask returns one task by id.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.error(w, http.StatusNotFound, "task not found")
		return
	}
	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, task)
}

// GetStats returns device and task counters.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, stats)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, deviceID string, req tasks.Request) {
	task, err := h.queue.Enqueue(r.Context(), deviceID, req)
	if errors.Is(err, tasks.ErrInvalidPayload) {
		h.error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusCreated, task)
}

func (h *Handler) deviceExists(w http.ResponseWriter, r *http.Request, deviceID string) bool {
	_, err := h.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		h.fail(w, err)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.respond(w, status, map[string]string{"error": message})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.error(w, http.StatusNotFound, "not found")
	default:
		h.log.Error().Err(err).Msg("request failed")
		h.error(w, http.StatusServiceUnavailable, "store unavailable")
	}
}
