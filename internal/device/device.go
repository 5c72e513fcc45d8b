package device

import (
	"context"
	"errors"
)

// Settings describes how the capture backend should record.
type Settings struct {
	// Source is the backend-specific input name (e.g. a PulseAudio source).
	// Empty means the system default input.
	Source string

	// InputFormat selects the capture driver for exec backends ("pulse", "alsa").
	InputFormat string

	SampleRate int
	Channels   int

	// Format is the output codec/container ("flac", "wav", "ogg").
	Format string
}

// Sentinel errors for capture setup failures.
var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrSetupFailed       = errors.New("capture setup failed")
)

// Handle is a live capture session handed out by a Device. A handle is
// exclusively owned by its creator; implementations must make MeterLevel
// and Err safe to call concurrently with the lifecycle methods.
type Handle interface {
	Start() error
	Pause() error
	Resume() error

	// Stop finalizes the output file and releases the capture resources.
	Stop() error

	// Discard tears the session down without finalizing. Removing the
	// partial output file is the caller's job.
	Discard() error

	// MeterLevel reports the most recent average and peak input level,
	// both normalized to 0..1.
	MeterLevel() (avg, peak float64, err error)

	// Err reports a sticky runtime failure (device write error, storage
	// exhausted). Nil while the session is healthy.
	Err() error
}

// Device opens capture sessions writing to a destination path.
type Device interface {
	Open(destination string, s Settings) (Handle, error)
}

// PermissionStatus is the microphone permission state reported by the host.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// Permission models the host's microphone permission prompt.
type Permission interface {
	Status() PermissionStatus
	Request(ctx context.Context) (bool, error)
}

// OpenPermission always grants. Desktop Linux has no capture permission
// prompt, so this is the default checker.
type OpenPermission struct{}

func (OpenPermission) Status() PermissionStatus { return PermissionGranted }

func (OpenPermission) Request(ctx context.Context) (bool, error) { return true, nil }

// StaticPermission returns a fixed status, useful for tests and for hosts
// that resolve permission out of band.
type StaticPermission struct {
	Current PermissionStatus
	Allow   bool
}

func (p StaticPermission) Status() PermissionStatus { return p.Current }

func (p StaticPermission) Request(ctx context.Context) (bool, error) { return p.Allow, nil }
