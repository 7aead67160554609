package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devwatch/devwatch/pkg/types"
	"github.com/devwatch/devwatch/simulator/internal/config"
)

// StatusPublisher fans device frames out to status subscribers.
type StatusPublisher interface {
	PublishStatus(u types.DeviceStatusUpdate) int
	PublishOnline(id int, online bool) int
}

// ResultPublisher fans recognition frames out to session streams.
type ResultPublisher interface {
	Processing(sessionID string) int
	Publish(r types.RecognitionResult) int
	CloseSession(sessionID string)
}

// asrSession is one active recognition session.
type asrSession struct {
	id         string
	deviceID   int
	createdAt  time.Time
	segments   int
	lastResult *string
}

// Simulator owns the simulated devices and their ASR sessions.
type Simulator struct {
	cfg     config.SimulatorConfig
	status  StatusPublisher
	results ResultPublisher
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	rng      *rand.Rand
	devices  map[int]*deviceState
	sessions map[int]*asrSession // key: device id
}

// New creates a Simulator for cfg.Devices. Seed fixes the telemetry walk.
func New(cfg config.SimulatorConfig, status StatusPublisher, results ResultPublisher, seed uint64) *Simulator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s := &Simulator{
		cfg:      cfg,
		status:   status,
		results:  results,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		rng:      rng,
		devices:  make(map[int]*deviceState, len(cfg.Devices)),
		sessions: make(map[int]*asrSession),
	}
	for _, d := range cfg.Devices {
		s.devices[d.ID] = newDeviceState(d.ID, d.Name, rng)
	}
	return s
}

// Run emits telemetry every StatusInterval and results every ResultInterval
// until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	statusTick := time.NewTicker(s.cfg.StatusInterval)
	defer statusTick.Stop()
	resultTick := time.NewTicker(s.cfg.ResultInterval)
	defer resultTick.Stop()

	slog.Info("sim: running",
		"devices", len(s.devices),
		"status_interval", s.cfg.StatusInterval,
		"result_interval", s.cfg.ResultInterval,
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTick.C:
			s.TickStatus()
		case <-resultTick.C:
			s.TickResults()
		}
	}
}

// TickStatus advances every device one step and publishes its status. A
// device whose online flag flipped also gets a device_online frame.
func (s *Simulator) TickStatus() {
	s.mu.Lock()
	now := s.now()
	type out struct {
		update  types.DeviceStatusUpdate
		changed bool
	}
	outs := make([]out, 0, len(s.devices))
	for _, id := range s.deviceIDsLocked() {
		d := s.devices[id]
		changed := d.step(s.rng)
		outs = append(outs, out{update: d.update(now), changed: changed})
	}
	s.mu.Unlock()

	for _, o := range outs {
		if o.changed {
			s.status.PublishOnline(o.update.DeviceID, *o.update.IsOnline)
		}
		n := s.status.PublishStatus(o.update)
		slog.Debug("sim: status published", "device_id", o.update.DeviceID, "subscribers", n)
	}
}

var phrases = []string{
	"the meeting starts at three",
	"please turn off the lights",
	"what is the weather today",
	"call the front desk",
	"the door is open",
}

var emergencyPhrases = []struct {
	text     string
	keywords []string
}{
	{"help someone fell down", []string{"help"}},
	{"there is a fire in the kitchen", []string{"fire"}},
	{"emergency call an ambulance", []string{"emergency", "ambulance"}},
}

// TickResults emits one processing frame and one recognition result for
// every active session.
func (s *Simulator) TickResults() {
	s.mu.Lock()
	now := s.now()
	var outs []types.RecognitionResult
	for _, id := range s.deviceIDsLocked() {
		sess, ok := s.sessions[id]
		if !ok {
			continue
		}
		sess.segments++
		r := types.RecognitionResult{
			SessionID:         sess.id,
			DeviceID:          id,
			DeviceName:        s.devices[id].name,
			Timestamp:         now.UTC().Format(time.RFC3339Nano),
			Duration:          math.Round((1+s.rng.Float64()*4)*100) / 100,
			EmergencyKeywords: []string{},
		}
		if s.cfg.EmergencyEvery > 0 && sess.segments%s.cfg.EmergencyEvery == 0 {
			e := emergencyPhrases[s.rng.IntN(len(emergencyPhrases))]
			r.Text, r.IsEmergency, r.EmergencyKeywords = e.text, true, e.keywords
		} else {
			r.Text = phrases[s.rng.IntN(len(phrases))]
		}
		text := r.Text
		sess.lastResult = &text
		outs = append(outs, r)
	}
	s.mu.Unlock()

	for _, r := range outs {
		s.results.Processing(r.SessionID)
		s.results.Publish(r)
		if r.IsEmergency {
			slog.Info("sim: emergency result", "session_id", r.SessionID, "keywords", r.EmergencyKeywords)
		}
	}
}

// startSession opens a session for deviceID. It fails with errConflict when
// one is already active and errNoDevice for an unknown device.
func (s *Simulator) startSession(deviceID int) (*asrSession, *deviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, nil, errNoDevice
	}
	if _, busy := s.sessions[deviceID]; busy {
		return nil, d, errConflict
	}
	sess := &asrSession{id: s.newID(), deviceID: deviceID, createdAt: s.now()}
	s.sessions[deviceID] = sess
	return sess, d, nil
}

// stopSession ends sessionID on deviceID and closes its result streams.
func (s *Simulator) stopSession(deviceID int, sessionID string) (*asrSession, error) {
	s.mu.Lock()
	if _, ok := s.devices[deviceID]; !ok {
		s.mu.Unlock()
		return nil, errNoDevice
	}
	sess, ok := s.sessions[deviceID]
	if !ok || (sessionID != "" && sess.id != sessionID) {
		s.mu.Unlock()
		return nil, errNoSession
	}
	delete(s.sessions, deviceID)
	s.mu.Unlock()

	s.results.CloseSession(sess.id)
	return sess, nil
}

// sessionStatus returns a copy of the active session, if any.
func (s *Simulator) sessionStatus(deviceID int) (*deviceState, *asrSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, nil, errNoDevice
	}
	sess, ok := s.sessions[deviceID]
	if !ok {
		return d, nil, nil
	}
	cp := *sess
	return d, &cp, nil
}

// wsURL is the result stream address advertised for sessionID.
func (s *Simulator) wsURL(sessionID string) string {
	return fmt.Sprintf("%s/ws/asr/%s", s.cfg.PublicURL, sessionID)
}

func (s *Simulator) deviceIDsLocked() []int {
	ids := make([]int, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
