package recorder

import (
	"time"

	"github.com/soundfold/micsession/internal/device"
)

// Default monitoring cadence.
const (
	DefaultMeteringInterval = 100 * time.Millisecond
	DefaultDurationInterval = 200 * time.Millisecond
)

// Settings is the immutable per-session configuration snapshot. It is
// copied into the Session at Begin time so a later mutation of the global
// configuration cannot affect a session already in flight.
type Settings struct {
	// MinDuration rejects recordings stopped before this much audio was
	// captured. Zero disables the check.
	MinDuration time.Duration

	// MaxDuration arms the watchdog this long after session start. Zero
	// disables the watchdog.
	MaxDuration time.Duration

	// AutoStopBelowMin discards a too-short recording on Stop instead of
	// keeping the file.
	AutoStopBelowMin bool

	// AutoStopAtMax makes the watchdog stop the session when it fires,
	// instead of only signalling.
	AutoStopAtMax bool

	// Metering enables the level metering loop.
	Metering bool

	MeteringInterval time.Duration
	DurationInterval time.Duration

	// Capture is passed through, opaque, to the device backend.
	Capture device.Settings
}

// withDefaults fills unset intervals.
func (s Settings) withDefaults() Settings {
	if s.MeteringInterval <= 0 {
		s.MeteringInterval = DefaultMeteringInterval
	}
	if s.DurationInterval <= 0 {
		s.DurationInterval = DefaultDurationInterval
	}
	return s
}
