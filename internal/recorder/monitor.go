package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs the three monitoring units bound to a session's lifetime:
// the metering loop, the duration loop, and the max-duration watchdog. All
// start together when a session enters Recording and are cancelled
// together when it leaves terminally. Loops keep ticking through Paused;
// duration is simply frozen and levels read whatever the device reports.
type Scheduler struct {
	sm  *StateMachine
	bus *Bus

	// stop re-enters the public facade on behalf of the watchdog; fail is
	// the facade's asynchronous runtime-failure path. Both are installed
	// once via bind before any session starts.
	stop func() (string, error)
	fail func(error)

	mu    sync.Mutex
	tasks map[string]*sessionTasks
}

// sessionTasks groups the monitoring goroutines of one session. Teardown
// is keyed by session ID, so a straggling teardown of an older session
// can never cancel a newer session's units.
type sessionTasks struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates an idle scheduler over the state machine and bus.
func NewScheduler(sm *StateMachine, bus *Bus) *Scheduler {
	return &Scheduler{sm: sm, bus: bus, tasks: make(map[string]*sessionTasks)}
}

// bind installs the facade re-entry points.
func (s *Scheduler) bind(stop func() (string, error), fail func(error)) {
	s.stop = stop
	s.fail = fail
}

// StartAll launches the monitoring units for the given session. Each unit
// carries the session ID, so a loop outliving its session can never act on
// a newer one.
func (s *Scheduler) StartAll(view SessionView) {
	ctx, cancel := context.WithCancel(context.Background())
	tasks := &sessionTasks{cancel: cancel}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[view.ID] = tasks

	run := func(unit func(context.Context, SessionView)) {
		tasks.wg.Add(1)
		go func() {
			defer tasks.wg.Done()
			unit(ctx, view)
		}()
	}

	st := view.Settings
	if st.Metering {
		run(s.meteringLoop)
	}
	run(s.durationLoop)
	if st.MaxDuration > 0 {
		run(s.watchdog)
	}
}

// StopAll cancels the named session's monitoring units and blocks until
// they are fully quiesced. Cancellation is cooperative and observed within
// one scheduling interval. An unknown session ID is a no-op, which keeps
// teardown idempotent and unable to touch another session's units.
func (s *Scheduler) StopAll(sessionID string) {
	s.mu.Lock()
	tasks := s.tasks[sessionID]
	delete(s.tasks, sessionID)
	s.mu.Unlock()

	if tasks == nil {
		return
	}
	tasks.cancel()
	tasks.wg.Wait()
}

// sessionAlive is the safety net check at the top of each loop iteration:
// a loop whose session has left Recording/Paused without the scheduler
// being cancelled winds itself down.
func (s *Scheduler) sessionAlive(sessionID string) bool {
	snap := s.sm.Snapshot()
	return snap.State.active() && snap.SessionID == sessionID
}

// meteringLoop samples the device level every MeteringInterval and emits
// AudioLevel and PeakLevel events.
func (s *Scheduler) meteringLoop(ctx context.Context, view SessionView) {
	ticker := time.NewTicker(view.Settings.MeteringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.sessionAlive(view.ID) {
				return
			}
			avg, peak, err := s.sm.MeterLevel(view.ID)
			if err != nil {
				// The session went away between the aliveness check and
				// the read, or the device is failing; the duration loop
				// owns runtime-failure escalation.
				continue
			}
			now := time.Now()
			s.bus.Publish(Event{
				Kind: KindAudioLevel, Time: now, Source: SourceScheduler,
				Priority: PriorityLow, SessionID: view.ID, Level: avg, Peak: peak,
			})
			s.bus.Publish(Event{
				Kind: KindPeakLevel, Time: now, Source: SourceScheduler,
				Priority: PriorityLow, SessionID: view.ID, Level: peak, Peak: peak,
			})
		}
	}
}

// durationLoop emits the current duration plus a derived stats snapshot
// every DurationInterval. It doubles as the runtime-failure probe: a
// sticky device error escalates through the facade's fail path.
func (s *Scheduler) durationLoop(ctx context.Context, view SessionView) {
	ticker := time.NewTicker(view.Settings.DurationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.sm.Snapshot()
			if !snap.State.active() || snap.SessionID != view.ID {
				return
			}
			if err := s.sm.RuntimeErr(view.ID); err != nil {
				// fail tears the scheduler down; escalating from a fresh
				// goroutine keeps this loop joinable.
				go s.fail(err)
				return
			}
			s.bus.Publish(Event{
				Kind: KindDuration, Time: time.Now(), Source: SourceScheduler,
				Priority: PriorityLow, SessionID: view.ID, Duration: snap.Duration,
				Stats: &Stats{
					State:     snap.State,
					StartedAt: snap.StartedAt,
					Elapsed:   snap.Duration,
					Paused:    snap.PausedTotal,
				},
			})
		}
	}
}

// watchdog fires once, MaxDuration after session start, pauses included.
// If the session is still active it emits ReachedMaxDuration and, when
// auto-stop is enabled, stops the session through the facade.
func (s *Scheduler) watchdog(ctx context.Context, view SessionView) {
	timer := time.NewTimer(time.Until(view.StartedAt.Add(view.Settings.MaxDuration)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if !s.sessionAlive(view.ID) {
		return
	}

	s.bus.Publish(Event{
		Kind: KindReachedMaxDuration, Time: time.Now(), Source: SourceScheduler,
		Priority: PriorityHigh, SessionID: view.ID,
	})

	if !view.Settings.AutoStopAtMax {
		return
	}

	// Stop waits for scheduler quiescence, which includes this goroutine;
	// run it from a fresh one so the watchdog itself can be reaped. The
	// facade broadcasts any stop failure as an Error event, so here it is
	// only logged.
	stop := s.stop
	go func() {
		if _, err := stop(); err != nil {
			slog.Warn("watchdog auto-stop failed", "session", view.ID, "error", err)
		}
	}()
}
