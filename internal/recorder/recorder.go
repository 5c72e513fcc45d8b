// Package recorder wraps a single microphone capture session behind a
// concurrency-safe lifecycle API with three parallel event consumption
// styles: stream subscriptions, per-kind callbacks, and a delegate object.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soundfold/micsession/internal/device"
)

// Namer produces the destination path for the next recording.
type Namer func() (string, error)

// Recorder is the public facade composing the state machine, the
// monitoring scheduler, and the event bus. All methods are safe for
// concurrent use.
type Recorder struct {
	settings Settings
	sm       *StateMachine
	sched    *Scheduler
	bus      *Bus
	perm     device.Permission
	namer    Namer
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithPermission installs a microphone permission checker. The default
// always grants.
func WithPermission(p device.Permission) Option {
	return func(r *Recorder) { r.perm = p }
}

// WithNamer installs the destination naming strategy. The default writes
// timestamped files under the OS temp directory.
func WithNamer(n Namer) Option {
	return func(r *Recorder) { r.namer = n }
}

// New creates a Recorder over the given capture device.
func New(dev device.Device, settings Settings, opts ...Option) *Recorder {
	r := &Recorder{
		settings: settings.withDefaults(),
		sm:       NewStateMachine(dev),
		bus:      NewBus(),
		perm:     device.OpenPermission{},
		namer:    tempNamer,
	}
	r.sched = NewScheduler(r.sm, r.bus)
	r.sched.bind(r.Stop, r.failSession)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func tempNamer() (string, error) {
	name := fmt.Sprintf("micsession-%s.flac", time.Now().Format("20060102-150405.000"))
	return filepath.Join(os.TempDir(), name), nil
}

// Subscribe attaches an event stream consumer receiving every event from
// this point forward.
func (r *Recorder) Subscribe() *Subscription { return r.bus.Subscribe() }

// On registers a callback for one event kind.
func (r *Recorder) On(kind Kind, fn func(Event)) { r.bus.On(kind, fn) }

// SetDelegate installs the delegate object; nil restores the no-op
// default.
func (r *Recorder) SetDelegate(d Delegate) { r.bus.SetDelegate(d) }

// State reports a consistent snapshot of the session state machine.
func (r *Recorder) State() Snapshot { return r.sm.Snapshot() }

// Start begins a new recording session: permission check, destination
// preparation, device open, then monitoring. Every failure is returned to
// the caller and broadcast as an Error event.
func (r *Recorder) Start(ctx context.Context) error {
	if err := r.ensurePermission(ctx); err != nil {
		r.publishError(SourceFacade, "", err)
		return err
	}

	destination, err := r.namer()
	if err != nil {
		err = &SetupError{Cause: err}
		r.publishError(SourceFacade, "", err)
		return err
	}

	view, err := r.sm.Begin(destination, r.settings)
	if err != nil {
		r.publishError(SourceStateMachine, "", err)
		return err
	}

	r.sched.StartAll(view)
	r.bus.Publish(Event{
		Kind: KindStarted, Source: SourceFacade, Priority: PriorityNormal,
		SessionID: view.ID, Destination: destination,
	})
	return nil
}

func (r *Recorder) ensurePermission(ctx context.Context) error {
	switch r.perm.Status() {
	case device.PermissionGranted:
		return nil
	case device.PermissionDenied:
		return &SetupError{Cause: ErrPermissionDenied}
	default:
		granted, err := r.perm.Request(ctx)
		if err != nil {
			return &SetupError{Cause: err}
		}
		if !granted {
			return &SetupError{Cause: ErrPermissionDenied}
		}
		return nil
	}
}

// Pause freezes the session's duration clock. Returns false when nothing
// is recording.
func (r *Recorder) Pause() bool {
	snap := r.sm.Snapshot()
	if !r.sm.Pause() {
		return false
	}
	r.bus.Publish(Event{
		Kind: KindPaused, Source: SourceStateMachine, Priority: PriorityNormal,
		SessionID: snap.SessionID,
	})
	return true
}

// Resume continues a paused session. Returns false when nothing is
// paused.
func (r *Recorder) Resume() bool {
	snap := r.sm.Snapshot()
	if !r.sm.Resume() {
		return false
	}
	r.bus.Publish(Event{
		Kind: KindResumed, Source: SourceStateMachine, Priority: PriorityNormal,
		SessionID: snap.SessionID,
	})
	return true
}

// Duration reports the captured audio time of the current session.
func (r *Recorder) Duration() time.Duration { return r.sm.Duration() }

// Stop ends the recording and returns the destination path. A too-short
// recording with auto-stop-below-minimum enabled has already been
// discarded by the state machine; the caller sees a TooShortError and the
// bus sees one Cancelled plus one Error event. A kept below-minimum
// recording emits BelowMinDuration alongside the normal Stopped event.
func (r *Recorder) Stop() (string, error) {
	snap := r.sm.Snapshot()
	res, err := r.sm.Stop()
	if err != nil {
		var tooShort *TooShortError
		switch {
		case errors.As(err, &tooShort):
			r.sched.StopAll(snap.SessionID)
			r.bus.Publish(Event{
				Kind: KindCancelled, Source: SourceStateMachine,
				Priority: PriorityNormal, SessionID: snap.SessionID,
				Duration: tooShort.Duration,
			})
			r.publishError(SourceStateMachine, snap.SessionID, err)
		case errors.Is(err, ErrNoActiveRecording):
			r.publishError(SourceFacade, "", err)
		default:
			// Runtime failure while finalizing; the internal cancel
			// already ran.
			r.sched.StopAll(snap.SessionID)
			r.publishError(SourceStateMachine, snap.SessionID, err)
		}
		return "", err
	}

	r.sched.StopAll(res.SessionID)

	if res.BelowMin {
		r.bus.Publish(Event{
			Kind: KindBelowMinDuration, Source: SourceStateMachine,
			Priority: PriorityNormal, SessionID: res.SessionID, Duration: res.Duration,
		})
	}
	r.bus.Publish(Event{
		Kind: KindStopped, Source: SourceStateMachine, Priority: PriorityNormal,
		SessionID: res.SessionID, Destination: res.Destination, Duration: res.Duration,
	})
	return res.Destination, nil
}

// Cancel abandons the recording, discarding any partial file.
func (r *Recorder) Cancel() error {
	snap := r.sm.Snapshot()
	err := r.sm.Cancel()
	r.sched.StopAll(snap.SessionID)
	if err != nil {
		r.publishError(SourceFacade, "", err)
		return err
	}
	r.bus.Publish(Event{
		Kind: KindCancelled, Source: SourceStateMachine, Priority: PriorityNormal,
		SessionID: snap.SessionID,
	})
	return nil
}

// failSession is the asynchronous runtime-failure path: the session is
// force-cancelled to Idle and the failure broadcast as an Error event.
func (r *Recorder) failSession(cause error) {
	err := &RuntimeError{Cause: cause}
	snap := r.sm.Snapshot()
	if cancelErr := r.sm.Cancel(); cancelErr != nil {
		// Somebody else already tore the session down; still surface the
		// device failure.
		slog.Debug("runtime failure after session already closed", "error", cause)
	}
	r.sched.StopAll(snap.SessionID)
	r.publishError(SourceScheduler, snap.SessionID, err)
}

// errDeadlineReached signals the winning deadline/predicate task inside
// RecordFor and RecordUntil.
var errDeadlineReached = errors.New("recording deadline reached")

// RecordFor starts a session and stops it after d, racing the deadline
// against an Error-event observer that fails fast; the loser is cancelled
// through the shared group context.
func (r *Recorder) RecordFor(ctx context.Context, d time.Duration) (string, error) {
	return r.record(ctx, func(gctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-timer.C:
			return errDeadlineReached
		}
	})
}

// RecordUntil starts a session and stops it once predicate returns true,
// polled every duration interval.
func (r *Recorder) RecordUntil(ctx context.Context, predicate func() bool) (string, error) {
	return r.record(ctx, func(gctx context.Context) error {
		ticker := time.NewTicker(r.settings.DurationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if predicate() {
					return errDeadlineReached
				}
			}
		}
	})
}

// record runs the start/race/stop choreography shared by RecordFor and
// RecordUntil. waiter returns errDeadlineReached when its condition wins.
func (r *Recorder) record(ctx context.Context, waiter func(context.Context) error) (string, error) {
	// Attached before Start so no failure event can be missed.
	sub := r.bus.Subscribe()
	defer sub.Close()

	if err := r.Start(ctx); err != nil {
		return "", err
	}

	var endedDestination string
	var endedErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return waiter(gctx) })
	g.Go(func() error {
		// Error observer: fail fast on a broadcast Error, and treat an
		// externally driven terminal event (watchdog auto-stop, another
		// caller) as the session ending early.
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-sub.Events():
				if !ok {
					return nil
				}
				switch ev.Kind {
				case KindError:
					return ev.Err
				case KindStopped:
					endedDestination = ev.Destination
					return errDeadlineReached
				case KindCancelled:
					endedErr = ErrNoActiveRecording
					return errDeadlineReached
				}
			}
		}
	})

	err := g.Wait()
	switch {
	case errors.Is(err, errDeadlineReached):
		if endedDestination != "" {
			return endedDestination, nil
		}
		if endedErr != nil {
			return "", endedErr
		}
		return r.Stop()
	case err != nil:
		r.discardRemnant()
		return "", err
	default:
		return r.Stop()
	}
}

// discardRemnant abandons whatever session a failed timed recording left
// behind. Unlike Cancel it stays quiet when the session is already gone,
// as on the runtime-failure path where failSession has torn it down and
// broadcast the failure.
func (r *Recorder) discardRemnant() {
	snap := r.sm.Snapshot()
	if r.sm.Cancel() != nil {
		return
	}
	r.sched.StopAll(snap.SessionID)
	r.bus.Publish(Event{
		Kind: KindCancelled, Source: SourceStateMachine, Priority: PriorityNormal,
		SessionID: snap.SessionID,
	})
}

// publishError broadcasts a transition-level error so asynchronous
// consumers that never see the call's direct result still observe it.
func (r *Recorder) publishError(src Source, sessionID string, err error) {
	r.bus.Publish(Event{
		Kind: KindError, Source: src, Priority: PriorityHigh,
		SessionID: sessionID, Err: err,
	})
}
