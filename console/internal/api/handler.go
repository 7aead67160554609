package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devwatch/devwatch/console/internal/alerts"
	"github.com/devwatch/devwatch/console/internal/resultstream"
	"github.com/devwatch/devwatch/console/internal/statussub"
	"github.com/devwatch/devwatch/console/internal/store"
	"github.com/devwatch/devwatch/pkg/types"
)

// StatusView is the part of the status client the API reads.
type StatusView interface {
	State() types.ConnectionState
	OnlineDevices() []int
	Subscriptions() []int
	Stats() statussub.Stats
}

// ResultView is the part of the result stream client the API reads.
type ResultView interface {
	State() types.ConnectionState
	Results() []types.RecognitionResult
	IsProcessing() bool
	Stats() resultstream.Stats
}

// Deps are the sources the API reads from. Results may be nil when no ASR
// session is configured.
type Deps struct {
	Store   *store.Store
	Alerts  *alerts.Engine
	Status  StatusView
	Results ResultView
}

// Handler serves /api/v1/* and /metrics.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(deps Deps) http.Handler {
	h := &Handler{deps: deps, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/devices", h.listDevices)
	h.mux.HandleFunc("/api/v1/devices/", h.getDevice) // subtree, extracts {id}
	h.mux.HandleFunc("/api/v1/results", h.results)
	h.mux.HandleFunc("/api/v1/alerts", h.alerts)
	h.mux.HandleFunc("/metrics", h.metrics)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	status := h.deps.Status.State()
	resp := HealthResponse{
		State:            "degraded",
		StatusConnection: status.String(),
		ResultConnection: "disabled",
		DeviceCount:      len(h.deps.Store.List()),
		OnlineCount:      len(h.deps.Status.OnlineDevices()),
		Subscriptions:    h.deps.Status.Subscriptions(),
		AlertCount:       h.deps.Alerts.Firing(),
	}
	if status == types.Connected {
		resp.State = "ok"
	}
	if rv := h.deps.Results; rv != nil {
		resp.ResultConnection = rv.State().String()
		resp.Processing = rv.IsProcessing()
		resp.ResultCount = len(rv.Results())
	}
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	online, subscribed := h.sets()
	entries := h.deps.Store.List()
	out := make([]DeviceResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDeviceResponse(e, online, subscribed))
	}
	jsonResp(w, http.StatusOK, out)
}

func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	if raw == "" {
		h.listDevices(w, r)
		return
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		jsonErr(w, http.StatusBadRequest, "device id must be a positive integer")
		return
	}

	e, ok := h.deps.Store.Get(id)
	if !ok || time.Since(e.UpdatedAt) > h.deps.Store.TTL() {
		jsonErr(w, http.StatusNotFound, "device not found")
		return
	}
	online, subscribed := h.sets()
	jsonResp(w, http.StatusOK, toDeviceResponse(e, online, subscribed))
}

func (h *Handler) results(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	resp := ResultsResponse{Results: []types.RecognitionResult{}}
	if h.deps.Results == nil {
		jsonResp(w, http.StatusOK, resp)
		return
	}

	all := h.deps.Results.Results()
	if r.URL.Query().Get("emergency") == "true" {
		filtered := all[:0:0]
		for _, res := range all {
			if res.IsEmergency {
				filtered = append(filtered, res)
			}
		}
		all = filtered
	}
	resp.Total = len(all)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(all) {
			all = all[len(all)-n:]
		}
	}
	resp.Results = append(resp.Results, all...)
	resp.Processing = h.deps.Results.IsProcessing()
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Alerts.Active())
}

// --- helpers ----------------------------------------------------------------

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func (h *Handler) sets() (online, subscribed map[int]bool) {
	online = make(map[int]bool)
	for _, id := range h.deps.Status.OnlineDevices() {
		online[id] = true
	}
	subscribed = make(map[int]bool)
	for _, id := range h.deps.Status.Subscriptions() {
		subscribed[id] = true
	}
	return online, subscribed
}

func toDeviceResponse(e store.Entry, online, subscribed map[int]bool) DeviceResponse {
	u := e.Status
	isOnline := online[u.DeviceID]
	return DeviceResponse{
		DeviceID:     u.DeviceID,
		DeviceName:   u.DeviceName,
		Online:       isOnline,
		Subscribed:   subscribed[u.DeviceID],
		BatteryLevel: u.BatteryLevel,
		MemoryUsage:  u.MemoryUsage,
		Temperature:  u.Temperature,
		CPUUsage:     u.CPUUsage,
		CameraStatus: u.CameraStatus,
		MicStatus:    u.MicStatus,
		Diagnostics:  computeDiagnostics(u, isOnline),
		LastSeen:     e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
