package types

import (
	"encoding/json"
	"time"
)

// Frame type discriminators.
const (
	TypeConnected         = "connected"
	TypeError             = "error"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeSubscribeDevice   = "subscribe_device"
	TypeUnsubscribeDevice = "unsubscribe_device"
	TypeSubscribed        = "subscribed"
	TypeUnsubscribed      = "unsubscribed"

	TypeDeviceStatus       = "device_status"
	TypeDeviceOnlineStatus = "device_online_status"
	// TypeDeviceOnline is the name the backend broadcasts under; clients treat
	// it as TypeDeviceOnlineStatus.
	TypeDeviceOnline = "device_online"

	TypeRecognitionResult = "recognition_result"
	TypeProcessing        = "processing"
)

// Device sensor states reported in camera_status / mic_status.
const (
	SensorActive  = "active"
	SensorPaused  = "paused"
	SensorStopped = "stopped"
)

// ConnectionState is the lifecycle state of a client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Envelope is the minimal decode target used to dispatch an inbound frame.
type Envelope struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ControlFrame is an outbound client request. DeviceID is omitted for ping.
type ControlFrame struct {
	Type     string `json:"type"`
	DeviceID int    `json:"device_id,omitempty"`
}

// SubscribeFrame returns the subscribe_device request for id.
func SubscribeFrame(id int) ControlFrame {
	return ControlFrame{Type: TypeSubscribeDevice, DeviceID: id}
}

// UnsubscribeFrame returns the unsubscribe_device request for id.
func UnsubscribeFrame(id int) ControlFrame {
	return ControlFrame{Type: TypeUnsubscribeDevice, DeviceID: id}
}

// PingFrame returns the application-level liveness frame.
func PingFrame() ControlFrame {
	return ControlFrame{Type: TypePing}
}

// RecognitionResult is one finished speech segment from a recognition session.
type RecognitionResult struct {
	SessionID         string   `json:"session_id"`
	DeviceID          int      `json:"device_id"`
	DeviceName        string   `json:"device_name"`
	Text              string   `json:"text"`
	Timestamp         string   `json:"timestamp"` // ISO-8601, as sent by the server
	Duration          float64  `json:"duration"`  // seconds
	IsEmergency       bool     `json:"is_emergency"`
	EmergencyKeywords []string `json:"emergency_keywords"`
}

// Time parses Timestamp. The backend emits RFC3339, with or without a zone.
func (r RecognitionResult) Time() (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999999", r.Timestamp)
}

// ParseRecognitionResult decodes a recognition_result frame. Missing duration,
// emergency flag and keyword list default to 0, false and an empty list.
func ParseRecognitionResult(data []byte) (RecognitionResult, error) {
	var r RecognitionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return RecognitionResult{}, err
	}
	if r.EmergencyKeywords == nil {
		r.EmergencyKeywords = []string{}
	}
	return r, nil
}

// DeviceStatusUpdate is a partial device telemetry report.
type DeviceStatusUpdate struct {
	DeviceID     int      `json:"device_id"`
	DeviceName   string   `json:"device_name,omitempty"`
	IsOnline     *bool    `json:"is_online,omitempty"`
	BatteryLevel *float64 `json:"battery_level,omitempty"`
	MemoryUsage  *float64 `json:"memory_usage,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	CPUUsage     *float64 `json:"cpu_usage,omitempty"`
	CameraStatus *string  `json:"camera_status,omitempty"`
	MicStatus    *string  `json:"mic_status,omitempty"`
	Timestamp    *string  `json:"timestamp,omitempty"`
}

// Merge returns u with every absent field taken from prev.
func (u DeviceStatusUpdate) Merge(prev DeviceStatusUpdate) DeviceStatusUpdate {
	out := u
	if out.DeviceID == 0 {
		out.DeviceID = prev.DeviceID
	}
	if out.DeviceName == "" {
		out.DeviceName = prev.DeviceName
	}
	if out.IsOnline == nil {
		out.IsOnline = prev.IsOnline
	}
	if out.BatteryLevel == nil {
		out.BatteryLevel = prev.BatteryLevel
	}
	if out.MemoryUsage == nil {
		out.MemoryUsage = prev.MemoryUsage
	}
	if out.Temperature == nil {
		out.Temperature = prev.Temperature
	}
	if out.CPUUsage == nil {
		out.CPUUsage = prev.CPUUsage
	}
	if out.CameraStatus == nil {
		out.CameraStatus = prev.CameraStatus
	}
	if out.MicStatus == nil {
		out.MicStatus = prev.MicStatus
	}
	if out.Timestamp == nil {
		out.Timestamp = prev.Timestamp
	}
	return out
}

// statusFrame is the wire shape of device_status. The frontend protocol sends
// fields flat; the backend nests them under "status".
type statusFrame struct {
	DeviceStatusUpdate
	Status *DeviceStatusUpdate `json:"status,omitempty"`
}

// ParseDeviceStatus decodes a device_status frame. Flat fields win over the
// nested status object.
func ParseDeviceStatus(data []byte) (DeviceStatusUpdate, error) {
	var f statusFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return DeviceStatusUpdate{}, err
	}
	u := f.DeviceStatusUpdate
	if f.Status != nil {
		u = u.Merge(*f.Status)
	}
	return u, nil
}

// OnlineFrame is a device_online_status / device_online frame. Pointer fields
// distinguish "absent" from false / zero.
type OnlineFrame struct {
	Type     string `json:"type"`
	DeviceID *int   `json:"device_id,omitempty"`
	IsOnline *bool  `json:"is_online,omitempty"`
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
