package api

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/devwatch/devwatch/pkg/types"
)

// metrics serves GET /metrics in the Prometheus text format.
func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range h.families() {
		if err := enc.Encode(mf); err != nil {
			slog.Warn("api: encode metrics", "family", mf.GetName(), "err", err)
			return
		}
	}
}

// families snapshots the console state as metric families, sorted by name.
func (h *Handler) families() []*dto.MetricFamily {
	st := h.deps.Status.Stats()
	out := []*dto.MetricFamily{
		gauge("devwatch_status_connected", "1 when the status WebSocket is open.",
			boolValue(h.deps.Status.State() == types.Connected)),
		counter("devwatch_status_dials_total", "Status connection attempts.", float64(st.Dials)),
		counter("devwatch_status_reconnects_total", "Scheduled status reconnects.", float64(st.Reconnects)),
		counter("devwatch_status_frames_total", "Status frames received.", float64(st.Frames)),
		counter("devwatch_status_parse_errors_total", "Unparseable status frames.", float64(st.ParseErrors)),
		gauge("devwatch_devices_online", "Devices currently believed online.",
			float64(len(h.deps.Status.OnlineDevices()))),
		gauge("devwatch_devices_subscribed", "Devices in the subscription set.",
			float64(len(h.deps.Status.Subscriptions()))),
		gauge("devwatch_devices_tracked", "Devices held in the status store.",
			float64(h.deps.Store.Count())),
		gauge("devwatch_alerts_firing", "Rule alerts currently firing.", float64(h.deps.Alerts.Firing())),
	}

	if rv := h.deps.Results; rv != nil {
		rs := rv.Stats()
		results := rv.Results()
		var emergencies float64
		for _, r := range results {
			if r.IsEmergency {
				emergencies++
			}
		}
		out = append(out,
			gauge("devwatch_results_connected", "1 when the result stream is open.",
				boolValue(rv.State() == types.Connected)),
			gauge("devwatch_results_processing", "1 while the backend is transcribing.",
				boolValue(rv.IsProcessing())),
			counter("devwatch_results_dials_total", "Result stream connection attempts.", float64(rs.Dials)),
			counter("devwatch_results_reconnects_total", "Scheduled result stream reconnects.", float64(rs.Reconnects)),
			counter("devwatch_results_frames_total", "Result stream frames received.", float64(rs.Frames)),
			counter("devwatch_results_parse_errors_total", "Unparseable result stream frames.", float64(rs.ParseErrors)),
			gauge("devwatch_results", "Recognition results held.", float64(len(results))),
			gauge("devwatch_results_emergency", "Held results flagged as emergencies.", emergencies),
		)
	}

	out = append(out, h.deviceFamilies()...)
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// deviceFamilies exports the latest telemetry per device, labelled by id.
func (h *Handler) deviceFamilies() []*dto.MetricFamily {
	fields := []struct {
		name, help string
		get        func(types.DeviceStatusUpdate) *float64
	}{
		{"devwatch_device_battery_level", "Battery level in percent.", func(u types.DeviceStatusUpdate) *float64 { return u.BatteryLevel }},
		{"devwatch_device_temperature_celsius", "SoC temperature.", func(u types.DeviceStatusUpdate) *float64 { return u.Temperature }},
		{"devwatch_device_cpu_usage", "CPU usage in percent.", func(u types.DeviceStatusUpdate) *float64 { return u.CPUUsage }},
		{"devwatch_device_memory_usage", "Memory usage in percent.", func(u types.DeviceStatusUpdate) *float64 { return u.MemoryUsage }},
	}

	entries := h.deps.Store.List()
	var out []*dto.MetricFamily
	for _, f := range fields {
		mf := &dto.MetricFamily{
			Name: proto.String(f.name),
			Help: proto.String(f.help),
			Type: dto.MetricType_GAUGE.Enum(),
		}
		for _, e := range entries {
			v := f.get(e.Status)
			if v == nil {
				continue
			}
			mf.Metric = append(mf.Metric, &dto.Metric{
				Label: []*dto.LabelPair{{
					Name:  proto.String("device_id"),
					Value: proto.String(strconv.Itoa(e.Status.DeviceID)),
				}},
				Gauge: &dto.Gauge{Value: proto.Float64(*v)},
			})
		}
		if len(mf.Metric) > 0 {
			out = append(out, mf)
		}
	}
	return out
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}},
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
