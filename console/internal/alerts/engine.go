package alerts

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/devwatch/devwatch/console/internal/config"
	"github.com/devwatch/devwatch/pkg/types"
)

const (
	defaultCooldown = 15 * time.Minute
	maxHistoryLen   = 200
	recentWindow    = time.Hour

	// EmergencyRule is the rule name carried by alerts raised from
	// is_emergency recognition results.
	EmergencyRule = "emergency"
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert is one alert event.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	DeviceID   int        `json:"device_id"`
	DeviceName string     `json:"device_name,omitempty"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"`
}

type rule struct {
	config.AlertRule
	cond condition
}

// Engine evaluates rules against device status and delivers webhooks when
// alerts fire or resolve. It is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig
	client   *resty.Client
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*Alert    // key: "rule:device"
	lastFire map[string]time.Time // for cooldown
	history  []*Alert             // resolved rule alerts and emergencies
	wg       sync.WaitGroup
}

// New creates an Engine. Rules whose condition does not parse are logged and
// skipped.
func New(cfg config.AlertsConfig) *Engine {
	e := &Engine{
		webhooks: cfg.Webhooks,
		client:   resty.New().SetTimeout(10 * time.Second),
		now:      time.Now,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
	}
	for _, r := range cfg.Rules {
		c, err := parseCondition(r.Condition)
		if err != nil {
			slog.Warn("alerts: skipping rule", "rule", r.Name, "err", err)
			continue
		}
		e.rules = append(e.rules, rule{AlertRule: r, cond: c})
	}
	return e
}

// Rules returns the number of usable rules.
func (e *Engine) Rules() int { return len(e.rules) }

// Evaluate tests every rule against u, which should be the merged status of
// one device. A rule whose field is absent from u is left as is.
func (e *Engine) Evaluate(u types.DeviceStatusUpdate) {
	if len(e.rules) == 0 || u.DeviceID == 0 {
		return
	}
	now := e.now()
	for _, r := range e.rules {
		fires, value, known := r.cond.eval(u)
		if !known {
			continue
		}
		key := r.Name + ":" + strconv.Itoa(u.DeviceID)

		e.mu.Lock()
		var out *Alert
		if fires {
			out = e.fireLocked(key, r, u, value, now)
		} else {
			out = e.resolveLocked(key, now)
		}
		e.mu.Unlock()

		if out != nil {
			e.dispatch(out)
		}
	}
}

func (e *Engine) fireLocked(key string, r rule, u types.DeviceStatusUpdate, value float64, now time.Time) *Alert {
	cooldown := r.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if last, ok := e.lastFire[key]; ok && now.Sub(last) <= cooldown {
		return nil
	}
	sev := r.Severity
	if sev == "" {
		sev = "warning"
	}
	a := &Alert{
		ID:         uuid.NewString(),
		RuleName:   r.Name,
		DeviceID:   u.DeviceID,
		DeviceName: u.DeviceName,
		Severity:   sev,
		Value:      value,
		Message:    fmt.Sprintf("[%s] %s fired on device %d: %s", sev, r.Name, u.DeviceID, r.Condition),
		FiredAt:    now,
		State:      StateFiring,
	}
	e.active[key] = a
	e.lastFire[key] = now
	slog.Warn("alerts: fired", "rule", r.Name, "device_id", u.DeviceID, "value", value, "severity", sev)
	cp := *a
	return &cp
}

func (e *Engine) resolveLocked(key string, now time.Time) *Alert {
	a, ok := e.active[key]
	if !ok {
		return nil
	}
	resolved := now
	a.State = StateResolved
	a.ResolvedAt = &resolved
	delete(e.active, key)
	e.appendHistoryLocked(a)
	slog.Info("alerts: resolved", "rule", a.RuleName, "device_id", a.DeviceID)
	cp := *a
	return &cp
}

// Emergency raises a critical alert for an is_emergency recognition result.
// Emergencies never resolve and are not subject to cooldown.
func (e *Engine) Emergency(r types.RecognitionResult) *Alert {
	if !r.IsEmergency {
		return nil
	}
	msg := fmt.Sprintf("[critical] emergency speech on device %d: %q", r.DeviceID, r.Text)
	if len(r.EmergencyKeywords) > 0 {
		msg += " (keywords: " + strings.Join(r.EmergencyKeywords, ", ") + ")"
	}
	a := &Alert{
		ID:         uuid.NewString(),
		RuleName:   EmergencyRule,
		DeviceID:   r.DeviceID,
		DeviceName: r.DeviceName,
		Severity:   "critical",
		Message:    msg,
		FiredAt:    e.now(),
		State:      StateFiring,
	}
	e.mu.Lock()
	e.appendHistoryLocked(a)
	e.mu.Unlock()

	slog.Warn("alerts: emergency", "device_id", r.DeviceID, "session_id", r.SessionID, "keywords", r.EmergencyKeywords)
	cp := *a
	e.dispatch(&cp)
	return &cp
}

func (e *Engine) appendHistoryLocked(a *Alert) {
	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
}

// Active returns copies of all firing alerts plus those resolved or raised
// within the last hour, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindow)
	out := make([]*Alert, 0, len(e.active))
	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		at := a.FiredAt
		if a.ResolvedAt != nil {
			at = *a.ResolvedAt
		}
		if at.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}

// Firing returns the number of rule alerts currently firing.
func (e *Engine) Firing() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Wait blocks until in-flight webhook deliveries finish.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) dispatch(a *Alert) {
	if len(e.webhooks) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(a)
	}()
}
