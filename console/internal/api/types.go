package api

import "github.com/devwatch/devwatch/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is ok when the status connection is up, degraded otherwise.
	State            string `json:"state"`
	StatusConnection string `json:"status_connection"`
	ResultConnection string `json:"result_connection"`
	Processing       bool   `json:"processing"`
	DeviceCount      int    `json:"device_count"`
	OnlineCount      int    `json:"online_count"`
	Subscriptions    []int  `json:"subscriptions"`
	AlertCount       int    `json:"alert_count"`
	ResultCount      int    `json:"result_count"`
}

// DeviceResponse is one device in GET /api/v1/devices or
// GET /api/v1/devices/{id}.
type DeviceResponse struct {
	DeviceID     int              `json:"device_id"`
	DeviceName   string           `json:"device_name,omitempty"`
	Online       bool             `json:"online"`
	Subscribed   bool             `json:"subscribed"`
	BatteryLevel *float64         `json:"battery_level,omitempty"`
	MemoryUsage  *float64         `json:"memory_usage,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	CPUUsage     *float64         `json:"cpu_usage,omitempty"`
	CameraStatus *string          `json:"camera_status,omitempty"`
	MicStatus    *string          `json:"mic_status,omitempty"`
	Diagnostics  []DiagnosticHint `json:"diagnostics"`
	LastSeen     string           `json:"last_seen"` // RFC3339
}

// ResultsResponse is the payload for GET /api/v1/results.
type ResultsResponse struct {
	Total      int                       `json:"total"`
	Processing bool                      `json:"processing"`
	Results    []types.RecognitionResult `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}
