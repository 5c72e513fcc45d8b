package recorder

import (
	"errors"
	"fmt"
	"time"
)

// Operation conflict errors. These are recoverable misuse errors that never
// corrupt session state.
var (
	ErrAlreadyRecording  = errors.New("a recording is already in progress")
	ErrNoActiveRecording = errors.New("no active recording")
)

// ErrPermissionDenied is reported when microphone permission is refused.
var ErrPermissionDenied = errors.New("microphone permission denied")

// SetupError wraps a failure that prevented a session from ever entering
// the Recording state (permission denied, device unavailable, destination
// preparation failure).
type SetupError struct {
	Cause error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("recording setup failed: %v", e.Cause)
}

func (e *SetupError) Unwrap() error { return e.Cause }

// RuntimeError wraps a failure of an in-flight session (device write
// failure, storage exhausted). The session is force-cancelled to Idle when
// one is raised.
type RuntimeError struct {
	Cause error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("recording failed: %v", e.Cause)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// TooShortError is the deterministic outcome of stopping a recording
// shorter than the configured minimum while auto-stop-below-minimum is
// set. The partial file is discarded before it is returned.
type TooShortError struct {
	Duration time.Duration
}

func (e *TooShortError) Error() string {
	return fmt.Sprintf("recording too short: %s", e.Duration)
}
