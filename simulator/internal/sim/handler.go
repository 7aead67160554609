package sim

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	errNoDevice  = errors.New("device not found")
	errConflict  = errors.New("device already has an active session")
	errNoSession = errors.New("no active session for device")
)

type startRequest struct {
	Language   string `json:"language"`
	VADEnabled bool   `json:"vad_enabled"`
}

type startResponse struct {
	SessionID  string `json:"session_id"`
	DeviceID   int    `json:"device_id"`
	DeviceName string `json:"device_name"`
	WSURL      string `json:"ws_url"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

type stopResponse struct {
	SessionID     string `json:"session_id"`
	DeviceID      int    `json:"device_id"`
	Status        string `json:"status"`
	SegmentsCount int    `json:"segments_count"`
}

type sessionInfo struct {
	SessionID     string  `json:"session_id"`
	IsActive      bool    `json:"is_active"`
	IsProcessing  bool    `json:"is_processing"`
	SegmentsCount int     `json:"segments_count"`
	LastResult    *string `json:"last_result"`
	CreatedAt     string  `json:"created_at"`
}

type statusResponse struct {
	DeviceID         int          `json:"device_id"`
	DeviceName       string       `json:"device_name"`
	HasActiveSession bool         `json:"has_active_session"`
	Session          *sessionInfo `json:"session"`
}

// Handler returns the ASR session REST API, mounted under /api/.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/asr/devices/{id}/session/start", s.handleStart)
	mux.HandleFunc("POST /api/asr/devices/{id}/session/stop", s.handleStop)
	mux.HandleFunc("GET /api/asr/devices/{id}/session/status", s.handleStatus)
	return mux
}

func (s *Simulator) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		detail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, d, err := s.startSession(id)
	if err != nil {
		detail(w, errorStatus(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, startResponse{
		SessionID:  sess.id,
		DeviceID:   id,
		DeviceName: d.name,
		WSURL:      s.wsURL(sess.id),
		Status:     "started",
		Message:    "ASR session started",
	})
}

func (s *Simulator) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	var req stopRequest
	if err := decodeBody(r, &req); err != nil {
		detail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.stopSession(id, req.SessionID)
	if err != nil {
		detail(w, errorStatus(err), err.Error())
		return
	}
	jsonResp(w, http.StatusOK, stopResponse{
		SessionID:     sess.id,
		DeviceID:      id,
		Status:        "stopped",
		SegmentsCount: sess.segments,
	})
}

func (s *Simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}
	d, sess, err := s.sessionStatus(id)
	if err != nil {
		detail(w, errorStatus(err), err.Error())
		return
	}
	resp := statusResponse{DeviceID: id, DeviceName: d.name}
	if sess != nil {
		resp.HasActiveSession = true
		resp.Session = &sessionInfo{
			SessionID:     sess.id,
			IsActive:      true,
			IsProcessing:  false, // results are emitted whole
			SegmentsCount: sess.segments,
			LastResult:    sess.lastResult,
			CreatedAt:     sess.createdAt.UTC().Format(time.RFC3339),
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- helpers ---

func deviceID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		detail(w, http.StatusBadRequest, "invalid device id")
		return 0, false
	}
	return id, true
}

// decodeBody decodes an optional JSON body; an empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errConflict):
		return http.StatusConflict
	case errors.Is(err, errNoDevice), errors.Is(err, errNoSession):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func detail(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, map[string]string{"detail": msg})
}
