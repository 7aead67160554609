package alerts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devwatch/devwatch/pkg/types"
)

// condition is a parsed "field op value" rule expression.
//
// Numeric fields (battery_level, temperature, cpu_usage, memory_usage) accept
// > >= < <= == !=. is_online compares against true/false, camera_status and
// mic_status against a sensor state, both with == or !=.
type condition struct {
	field string
	op    string
	num   float64
	str   string
}

var numericFields = map[string]func(types.DeviceStatusUpdate) *float64{
	"battery_level": func(u types.DeviceStatusUpdate) *float64 { return u.BatteryLevel },
	"temperature":   func(u types.DeviceStatusUpdate) *float64 { return u.Temperature },
	"cpu_usage":     func(u types.DeviceStatusUpdate) *float64 { return u.CPUUsage },
	"memory_usage":  func(u types.DeviceStatusUpdate) *float64 { return u.MemoryUsage },
}

var sensorFields = map[string]func(types.DeviceStatusUpdate) *string{
	"camera_status": func(u types.DeviceStatusUpdate) *string { return u.CameraStatus },
	"mic_status":    func(u types.DeviceStatusUpdate) *string { return u.MicStatus },
}

func parseCondition(expr string) (condition, error) {
	parts := strings.Fields(expr)
	if len(parts) != 3 {
		return condition{}, fmt.Errorf("condition %q: want \"field op value\"", expr)
	}
	c := condition{field: parts[0], op: parts[1]}
	rhs := parts[2]

	switch {
	case numericFields[c.field] != nil:
		switch c.op {
		case ">", ">=", "<", "<=", "==", "!=":
		default:
			return condition{}, fmt.Errorf("condition %q: unknown operator %q", expr, c.op)
		}
		v, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return condition{}, fmt.Errorf("condition %q: %w", expr, err)
		}
		c.num = v

	case c.field == "is_online":
		if c.op != "==" && c.op != "!=" {
			return condition{}, fmt.Errorf("condition %q: is_online supports == and != only", expr)
		}
		b, err := strconv.ParseBool(rhs)
		if err != nil {
			return condition{}, fmt.Errorf("condition %q: %w", expr, err)
		}
		if b {
			c.num = 1
		}

	case sensorFields[c.field] != nil:
		if c.op != "==" && c.op != "!=" {
			return condition{}, fmt.Errorf("condition %q: %s supports == and != only", expr, c.field)
		}
		switch rhs {
		case types.SensorActive, types.SensorPaused, types.SensorStopped:
		default:
			return condition{}, fmt.Errorf("condition %q: unknown sensor state %q", expr, rhs)
		}
		c.str = rhs

	default:
		return condition{}, fmt.Errorf("condition %q: unknown field %q", expr, c.field)
	}
	return c, nil
}

// eval reports whether the condition holds for u. known is false when u does
// not carry the field, in which case fires is meaningless.
func (c condition) eval(u types.DeviceStatusUpdate) (fires bool, value float64, known bool) {
	if get := numericFields[c.field]; get != nil {
		p := get(u)
		if p == nil {
			return false, 0, false
		}
		return compareFloat(*p, c.op, c.num), *p, true
	}
	if c.field == "is_online" {
		if u.IsOnline == nil {
			return false, 0, false
		}
		v := 0.0
		if *u.IsOnline {
			v = 1
		}
		return compareFloat(v, c.op, c.num), v, true
	}
	p := sensorFields[c.field](u)
	if p == nil {
		return false, 0, false
	}
	eq := *p == c.str
	if c.op == "!=" {
		return !eq, 0, true
	}
	return eq, 0, true
}

func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
