package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundfold/micsession/internal/device"
)

// State is the recording session state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
)

// active reports whether a session exists in this state.
func (s State) active() bool {
	return s == StateRecording || s == StatePaused
}

// Session is one logical recording attempt. It is exclusively owned by the
// state machine; everything handed outward is a copy.
type Session struct {
	ID          string
	Destination string
	Settings    Settings
	StartedAt   time.Time
	PausedAt    time.Time
	PausedTotal time.Duration

	handle device.Handle
}

// SessionView is the read-only snapshot of a session handed to the
// scheduler when monitoring starts.
type SessionView struct {
	ID          string
	Destination string
	StartedAt   time.Time
	Settings    Settings
}

// Snapshot is a consistent view of the machine for status reporting.
type Snapshot struct {
	State       State
	SessionID   string
	Destination string
	StartedAt   time.Time
	Duration    time.Duration
	PausedTotal time.Duration
}

// StopResult is returned by a successful Stop.
type StopResult struct {
	SessionID   string
	Destination string
	Duration    time.Duration

	// BelowMin marks a kept recording that is shorter than MinDuration
	// (auto-stop-below-minimum disabled).
	BelowMin bool
}

// StateMachine owns the exclusive session state. Every transition runs as
// a single critical section under one mutex; blocking device teardown is
// performed outside the lock with the session already detached.
type StateMachine struct {
	dev device.Device

	mu    sync.Mutex
	state State
	sess  *Session
}

// NewStateMachine creates an idle state machine over the given device.
func NewStateMachine(dev device.Device) *StateMachine {
	return &StateMachine{dev: dev, state: StateIdle}
}

// Begin transitions Idle -> Recording: opens and starts a capture handle
// and installs a fresh session. Concurrent callers race for the Idle
// check; exactly one wins, the rest fail with ErrAlreadyRecording.
func (m *StateMachine) Begin(destination string, st Settings) (SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return SessionView{}, ErrAlreadyRecording
	}

	st = st.withDefaults()

	h, err := m.dev.Open(destination, st.Capture)
	if err != nil {
		return SessionView{}, &SetupError{Cause: err}
	}
	if err := h.Start(); err != nil {
		_ = h.Discard()
		return SessionView{}, &SetupError{Cause: err}
	}

	m.sess = &Session{
		ID:          uuid.NewString(),
		Destination: destination,
		Settings:    st,
		StartedAt:   time.Now(),
		handle:      h,
	}
	m.state = StateRecording

	slog.Debug("recording session started", "session", m.sess.ID, "destination", destination)
	return m.sess.view(), nil
}

func (s *Session) view() SessionView {
	return SessionView{
		ID:          s.ID,
		Destination: s.Destination,
		StartedAt:   s.StartedAt,
		Settings:    s.Settings,
	}
}

// Pause transitions Recording -> Paused. Outside Recording it is a no-op
// returning false.
func (m *StateMachine) Pause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRecording {
		return false
	}
	if err := m.sess.handle.Pause(); err != nil {
		slog.Warn("device pause failed", "session", m.sess.ID, "error", err)
	}
	m.sess.PausedAt = time.Now()
	m.state = StatePaused
	return true
}

// Resume transitions Paused -> Recording, folding the paused interval into
// the session's accumulated pause time. Outside Paused it is a no-op
// returning false.
func (m *StateMachine) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		return false
	}
	if err := m.sess.handle.Resume(); err != nil {
		slog.Warn("device resume failed", "session", m.sess.ID, "error", err)
	}
	m.sess.PausedTotal += time.Since(m.sess.PausedAt)
	m.sess.PausedAt = time.Time{}
	m.state = StateRecording
	return true
}

// Duration is the captured audio time of the current session: wall time
// minus accumulated pauses, frozen while paused, zero when idle or
// stopping. Safe to call concurrently with transitions.
func (m *StateMachine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durationLocked(time.Now())
}

func (m *StateMachine) durationLocked(now time.Time) time.Duration {
	switch m.state {
	case StateRecording:
		return now.Sub(m.sess.StartedAt) - m.sess.PausedTotal
	case StatePaused:
		return m.sess.PausedAt.Sub(m.sess.StartedAt) - m.sess.PausedTotal
	default:
		return 0
	}
}

// Snapshot returns a consistent view of the machine.
func (m *StateMachine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{State: m.state, Duration: m.durationLocked(time.Now())}
	if m.sess != nil {
		snap.SessionID = m.sess.ID
		snap.Destination = m.sess.Destination
		snap.StartedAt = m.sess.StartedAt
		snap.PausedTotal = m.sess.PausedTotal
	}
	return snap
}

// MeterLevel reads the device level for the named session. A stale session
// ID or an inactive state yields ErrNoActiveRecording so an outlived
// monitoring loop can tell it should wind down.
func (m *StateMachine) MeterLevel(sessionID string) (avg, peak float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.active() || m.sess.ID != sessionID {
		return 0, 0, ErrNoActiveRecording
	}
	return m.sess.handle.MeterLevel()
}

// RuntimeErr reports a sticky runtime failure of the named session's
// device handle, nil when healthy or when the session is gone.
func (m *StateMachine) RuntimeErr(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.active() || m.sess.ID != sessionID {
		return nil
	}
	return m.sess.handle.Err()
}

// Stop ends the session. A recording shorter than MinDuration with
// AutoStopBelowMin set is cancelled internally and reported as a
// TooShortError; otherwise the device is stopped (outside the lock, with
// the machine parked in Stopping) and the destination returned.
func (m *StateMachine) Stop() (StopResult, error) {
	m.mu.Lock()

	if !m.state.active() {
		m.mu.Unlock()
		return StopResult{}, ErrNoActiveRecording
	}

	now := time.Now()
	dur := m.durationLocked(now)
	sess := m.sess
	st := sess.Settings

	if st.MinDuration > 0 && dur < st.MinDuration && st.AutoStopBelowMin {
		m.sess = nil
		m.state = StateIdle
		m.mu.Unlock()

		discardSession(sess)
		slog.Info("recording discarded below minimum duration", "session", sess.ID, "duration", dur)
		return StopResult{}, &TooShortError{Duration: dur}
	}

	m.state = StateStopping
	m.mu.Unlock()

	stopErr := sess.handle.Stop()

	m.mu.Lock()
	m.sess = nil
	m.state = StateIdle
	m.mu.Unlock()

	if stopErr != nil {
		_ = sess.handle.Discard()
		if sess.Destination != "" {
			_ = os.Remove(sess.Destination)
		}
		return StopResult{}, &RuntimeError{Cause: stopErr}
	}

	res := StopResult{
		SessionID:   sess.ID,
		Destination: sess.Destination,
		Duration:    dur,
		BelowMin:    st.MinDuration > 0 && dur < st.MinDuration,
	}
	slog.Debug("recording session stopped", "session", sess.ID, "destination", sess.Destination, "duration", dur)
	return res, nil
}

// Cancel unconditionally abandons the session: the machine returns to Idle
// immediately, then the detached handle is discarded and the partial file
// removed best-effort.
func (m *StateMachine) Cancel() error {
	m.mu.Lock()

	if !m.state.active() {
		m.mu.Unlock()
		return ErrNoActiveRecording
	}

	sess := m.sess
	m.sess = nil
	m.state = StateIdle
	m.mu.Unlock()

	discardSession(sess)
	slog.Debug("recording session cancelled", "session", sess.ID)
	return nil
}

// discardSession tears down a detached session: device discard plus
// best-effort removal of the partial artifact.
func discardSession(sess *Session) {
	if err := sess.handle.Discard(); err != nil {
		slog.Warn("device discard failed", "session", sess.ID, "error", err)
	}
	if sess.Destination != "" {
		if err := os.Remove(sess.Destination); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("partial recording not removed", "session", sess.ID,
				"destination", sess.Destination, "error", err)
		}
	}
}

// String implements fmt.Stringer for log output.
func (s Snapshot) String() string {
	if s.SessionID == "" {
		return string(s.State)
	}
	return fmt.Sprintf("%s session=%s duration=%s", s.State, s.SessionID, s.Duration)
}
