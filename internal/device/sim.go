package device

import (
	"math"
	"os"
	"sync"
	"time"
)

// Sim is an in-process capture backend producing a small placeholder file
// and synthetic meter levels. It backs tests and the "sim" backend of the
// CLI, where exercising the session lifecycle matters more than audio.
type Sim struct {
	// OpenErr, when set, is returned by Open to simulate setup failures.
	OpenErr error

	// StartErr, when set, is returned by the handle's Start call.
	StartErr error

	// FailAfter injects a runtime failure: the handle reports it from Err
	// and MeterLevel once the session has been open this long.
	FailAfter time.Duration

	mu     sync.Mutex
	opened int
}

// NewSim creates a simulated capture device.
func NewSim() *Sim { return &Sim{} }

// OpenCount reports how many sessions were opened, for tests.
func (d *Sim) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

func (d *Sim) Open(destination string, s Settings) (Handle, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &simHandle{
		dev:         d,
		destination: destination,
		openedAt:    time.Now(),
	}, nil
}

type simHandle struct {
	dev         *Sim
	destination string
	openedAt    time.Time

	mu       sync.Mutex
	started  bool
	paused   bool
	finished bool
	runErr   error
}

func (h *simHandle) Start() error {
	if h.dev.StartErr != nil {
		return h.dev.StartErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	// A stand-in artifact so destination-exists checks behave like a real
	// backend's output.
	return os.WriteFile(h.destination, []byte("micsession-sim\n"), 0644)
}

func (h *simHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = true
	return nil
}

func (h *simHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
	return nil
}

func (h *simHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latchFailureLocked()
	h.finished = true
	if h.runErr != nil {
		return h.runErr
	}
	f, err := os.OpenFile(h.destination, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("eof\n")
	return err
}

func (h *simHandle) Discard() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	return nil
}

func (h *simHandle) MeterLevel() (float64, float64, error) {
	if err := h.Err(); err != nil {
		return 0, 0, err
	}
	// A slow sine so level consumers see movement.
	t := time.Since(h.openedAt).Seconds()
	avg := 0.4 + 0.3*math.Abs(math.Sin(t*2*math.Pi))
	peak := avg + 0.15
	if peak > 1 {
		peak = 1
	}
	return avg, peak, nil
}

func (h *simHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latchFailureLocked()
	return h.runErr
}

func (h *simHandle) latchFailureLocked() {
	if h.runErr == nil && !h.finished && h.dev.FailAfter > 0 && time.Since(h.openedAt) >= h.dev.FailAfter {
		h.runErr = ErrDeviceUnavailable
	}
}
