package api

import (
	"fmt"
	"sort"

	"github.com/devwatch/devwatch/pkg/types"
)

// DiagnosticHint is one short finding about a device's health.
type DiagnosticHint struct {
	// Key is stable and machine-readable.
	Key string `json:"key"`
	// Level is ok | info | warning | critical.
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives hints from a merged device status, critical first.
func computeDiagnostics(u types.DeviceStatusUpdate, online bool) []DiagnosticHint {
	if !online {
		return []DiagnosticHint{{
			Key:    "offline",
			Level:  "critical",
			Title:  "Device offline",
			Detail: "The backend reports this device offline. Telemetry below is the last value received before it dropped.",
		}}
	}

	var hints []DiagnosticHint
	if v := u.BatteryLevel; v != nil {
		switch {
		case *v < 10:
			hints = append(hints, hint("battery", "critical", "Battery nearly empty",
				fmt.Sprintf("Battery is at %.0f%%. The device will shut down soon unless it is charged.", *v), v))
		case *v < 20:
			hints = append(hints, hint("battery", "warning", "Battery low",
				fmt.Sprintf("Battery is at %.0f%%.", *v), v))
		}
	}
	if v := u.Temperature; v != nil {
		switch {
		case *v > 80:
			hints = append(hints, hint("temperature", "critical", "Overheating",
				fmt.Sprintf("SoC temperature is %.1f°C. Sustained load at this level triggers thermal throttling.", *v), v))
		case *v > 70:
			hints = append(hints, hint("temperature", "warning", "Running hot",
				fmt.Sprintf("SoC temperature is %.1f°C.", *v), v))
		}
	}
	if v := u.CPUUsage; v != nil && *v >= 90 {
		hints = append(hints, hint("cpu", "warning", "CPU saturated",
			fmt.Sprintf("CPU usage is %.0f%%. Speech recognition may lag.", *v), v))
	}
	if v := u.MemoryUsage; v != nil && *v > 85 {
		hints = append(hints, hint("memory", "warning", "Memory pressure",
			fmt.Sprintf("Memory usage is %.0f%%.", *v), v))
	}
	if s := u.CameraStatus; s != nil && *s == types.SensorStopped {
		hints = append(hints, hint("camera", "info", "Camera stopped", "The camera is not streaming.", nil))
	}
	if s := u.MicStatus; s != nil && *s == types.SensorStopped {
		hints = append(hints, hint("mic", "info", "Microphone stopped",
			"The microphone is stopped, so no speech results will arrive from this device.", nil))
	}

	if len(hints) == 0 {
		return []DiagnosticHint{{Key: "healthy", Level: "ok", Title: "Healthy", Detail: "No issues in the latest telemetry."}}
	}
	sort.SliceStable(hints, func(i, j int) bool { return levelRank[hints[i].Level] < levelRank[hints[j].Level] })
	return hints
}

func hint(key, level, title, detail string, v *float64) DiagnosticHint {
	return DiagnosticHint{Key: key, Level: level, Title: title, Detail: detail, Value: v}
}
