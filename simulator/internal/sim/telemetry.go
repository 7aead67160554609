package sim

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/devwatch/devwatch/pkg/types"
)

// deviceState is the random-walk state of one simulated device.
type deviceState struct {
	id      int
	name    string
	online  bool
	battery float64
	temp    float64
	cpu     float64
	mem     float64
	camera  string
	mic     string
}

func newDeviceState(id int, name string, rng *rand.Rand) *deviceState {
	return &deviceState{
		id:      id,
		name:    name,
		online:  true,
		battery: 60 + rng.Float64()*40,
		temp:    35 + rng.Float64()*10,
		cpu:     10 + rng.Float64()*30,
		mem:     30 + rng.Float64()*30,
		camera:  "active",
		mic:     "active",
	}
}

// step advances the walk by one tick and reports whether the online flag
// flipped.
func (d *deviceState) step(rng *rand.Rand) (onlineChanged bool) {
	if rng.IntN(50) == 0 {
		d.online = !d.online
		onlineChanged = true
	}

	d.battery -= rng.Float64() * 0.5
	if d.battery < 5 {
		d.battery = 100 // recharged
	}
	d.temp = clamp(d.temp+rng.NormFloat64()*1.5, 20, 90)
	d.cpu = clamp(d.cpu+rng.NormFloat64()*8, 0, 100)
	d.mem = clamp(d.mem+rng.NormFloat64()*3, 0, 100)

	if rng.IntN(30) == 0 {
		d.camera = pickStatus(rng)
	}
	if rng.IntN(30) == 0 {
		d.mic = pickStatus(rng)
	}
	return onlineChanged
}

// update renders the current state as a full status update.
func (d *deviceState) update(now time.Time) types.DeviceStatusUpdate {
	return types.DeviceStatusUpdate{
		DeviceID:     d.id,
		DeviceName:   d.name,
		IsOnline:     types.Bool(d.online),
		BatteryLevel: types.Float(round1(d.battery)),
		Temperature:  types.Float(round1(d.temp)),
		CPUUsage:     types.Float(round1(d.cpu)),
		MemoryUsage:  types.Float(round1(d.mem)),
		CameraStatus: types.String(d.camera),
		MicStatus:    types.String(d.mic),
		Timestamp:    types.String(now.UTC().Format(time.RFC3339)),
	}
}

var mediaStatuses = []string{"active", "paused", "stopped"}

func pickStatus(rng *rand.Rand) string {
	return mediaStatuses[rng.IntN(len(mediaStatuses))]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
