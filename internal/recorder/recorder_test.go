package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundfold/micsession/internal/device"
)

func newTestRecorder(t *testing.T, mutate func(*Settings), opts ...Option) *Recorder {
	t.Helper()

	dir := t.TempDir()
	var seq atomic.Int64
	namer := func() (string, error) {
		return filepath.Join(dir, fmt.Sprintf("take-%03d.flac", seq.Add(1))), nil
	}

	st := testSettings()
	if mutate != nil {
		mutate(&st)
	}
	opts = append([]Option{WithNamer(namer)}, opts...)
	r := New(device.NewSim(), st, opts...)
	t.Cleanup(func() {
		if r.State().State != StateIdle {
			_ = r.Cancel()
		}
	})
	return r
}

// collectEvents drains everything currently queued, waiting wait first.
func collectEvents(sub *Subscription, wait time.Duration) []Event {
	time.Sleep(wait)
	var events []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func countKinds(events []Event) map[Kind]int {
	counts := make(map[Kind]int)
	for _, ev := range events {
		counts[ev.Kind]++
	}
	return counts
}

func TestRecorder_StartStop(t *testing.T) {
	r := newTestRecorder(t, nil)
	sub := r.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StateRecording, r.State().State)

	time.Sleep(60 * time.Millisecond)
	dest, err := r.Stop()
	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.Equal(t, StateIdle, r.State().State)

	events := collectEvents(sub, 0)
	counts := countKinds(events)
	assert.Equal(t, 1, counts[KindStarted])
	assert.Equal(t, 1, counts[KindStopped])
	assert.Zero(t, counts[KindError])

	// Started first, Stopped last, destination carried on both.
	require.NotEmpty(t, events)
	assert.Equal(t, KindStarted, events[0].Kind)
	last := events[len(events)-1]
	assert.Equal(t, KindStopped, last.Kind)
	assert.Equal(t, dest, last.Destination)
	assert.GreaterOrEqual(t, last.Duration, 50*time.Millisecond)
}

func TestRecorder_StartWhileActive(t *testing.T) {
	r := newTestRecorder(t, nil)
	sub := r.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Start(context.Background()))
	err := r.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRecording)

	counts := countKinds(collectEvents(sub, 10*time.Millisecond))
	assert.Equal(t, 1, counts[KindStarted])
	assert.Equal(t, 1, counts[KindError], "conflicts are broadcast too")
}

func TestRecorder_ConcurrentStarts(t *testing.T) {
	r := newTestRecorder(t, nil)

	const racers = 6
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Start(context.Background())
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyRecording)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestRecorder_PermissionDenied(t *testing.T) {
	r := newTestRecorder(t, nil,
		WithPermission(device.StaticPermission{Current: device.PermissionDenied}))
	sub := r.Subscribe()
	defer sub.Close()

	err := r.Start(context.Background())
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, StateIdle, r.State().State)

	events := collectEvents(sub, 0)
	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrPermissionDenied)
}

func TestRecorder_PermissionRequested(t *testing.T) {
	t.Run("granted on request", func(t *testing.T) {
		r := newTestRecorder(t, nil, WithPermission(
			device.StaticPermission{Current: device.PermissionUndetermined, Allow: true}))
		require.NoError(t, r.Start(context.Background()))
		require.NoError(t, r.Cancel())
	})

	t.Run("refused on request", func(t *testing.T) {
		r := newTestRecorder(t, nil, WithPermission(
			device.StaticPermission{Current: device.PermissionUndetermined, Allow: false}))
		err := r.Start(context.Background())
		require.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, StateIdle, r.State().State)
	})
}

func TestRecorder_PauseResume(t *testing.T) {
	r := newTestRecorder(t, nil)
	sub := r.Subscribe()
	defer sub.Close()

	assert.False(t, r.Pause(), "pause with no session")
	assert.False(t, r.Resume(), "resume with no session")

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)

	require.True(t, r.Pause())
	frozen := r.Duration()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, frozen, r.Duration(), "duration frozen while paused")

	require.True(t, r.Resume())
	time.Sleep(60 * time.Millisecond)

	dest, err := r.Stop()
	require.NoError(t, err)
	assert.FileExists(t, dest)

	events := collectEvents(sub, 0)
	counts := countKinds(events)
	assert.Equal(t, 1, counts[KindPaused])
	assert.Equal(t, 1, counts[KindResumed])

	// Roughly 120ms captured; the 80ms pause must not count.
	var stopped Event
	for _, ev := range events {
		if ev.Kind == KindStopped {
			stopped = ev
		}
	}
	assert.InDelta(t, 120, stopped.Duration.Milliseconds(), 60)
}

func TestRecorder_StopTooShortAutoStop(t *testing.T) {
	r := newTestRecorder(t, func(st *Settings) {
		st.MinDuration = 500 * time.Millisecond
		st.AutoStopBelowMin = true
	})
	sub := r.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Start(context.Background()))
	snap := r.State()
	time.Sleep(30 * time.Millisecond)

	_, err := r.Stop()
	var tooShort *TooShortError
	require.ErrorAs(t, err, &tooShort)
	assert.Equal(t, StateIdle, r.State().State)
	assert.NoFileExists(t, snap.Destination)

	counts := countKinds(collectEvents(sub, 20*time.Millisecond))
	assert.Equal(t, 1, counts[KindCancelled])
	assert.Equal(t, 1, counts[KindError])
	assert.Zero(t, counts[KindStopped])
}

func TestRecorder_StopBelowMinKept(t *testing.T) {
	r := newTestRecorder(t, func(st *Settings) {
		st.MinDuration = 500 * time.Millisecond
		st.AutoStopBelowMin = false
	})
	sub := r.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)

	dest, err := r.Stop()
	require.NoError(t, err)
	assert.FileExists(t, dest)

	counts := countKinds(collectEvents(sub, 0))
	assert.Equal(t, 1, counts[KindBelowMinDuration])
	assert.Equal(t, 1, counts[KindStopped])
	assert.Zero(t, counts[KindCancelled])
}

func TestRecorder_StopWithoutSession(t *testing.T) {
	r := newTestRecorder(t, nil)
	sub := r.Subscribe()
	defer sub.Close()

	_, err := r.Stop()
	require.ErrorIs(t, err, ErrNoActiveRecording)

	events := collectEvents(sub, 0)
	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)
}

func TestRecorder_Cancel(t *testing.T) {
	r := newTestRecorder(t, nil)
	sub := r.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Start(context.Background()))
	snap := r.State()
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, r.Cancel())
	assert.Equal(t, StateIdle, r.State().State)
	assert.NoFileExists(t, snap.Destination)

	counts := countKinds(collectEvents(sub, 20*time.Millisecond))
	assert.Equal(t, 1, counts[KindCancelled])
	assert.Zero(t, counts[KindStopped])
	assert.Zero(t, counts[KindError])
}

// slowTeardownDevice delays Discard so a cancel's device teardown overlaps
// the next session's startup.
type slowTeardownDevice struct {
	inner device.Device
	delay time.Duration
}

func (d *slowTeardownDevice) Open(destination string, s device.Settings) (device.Handle, error) {
	h, err := d.inner.Open(destination, s)
	if err != nil {
		return nil, err
	}
	return &slowTeardownHandle{Handle: h, delay: d.delay}, nil
}

type slowTeardownHandle struct {
	device.Handle
	delay time.Duration
}

func (h *slowTeardownHandle) Discard() error {
	time.Sleep(h.delay)
	return h.Handle.Discard()
}

func TestRecorder_StartDuringSlowCancelKeepsMonitoring(t *testing.T) {
	dir := t.TempDir()
	var seq atomic.Int64
	dev := &slowTeardownDevice{inner: device.NewSim(), delay: 200 * time.Millisecond}
	r := New(dev, testSettings(), WithNamer(func() (string, error) {
		return filepath.Join(dir, fmt.Sprintf("take-%03d.flac", seq.Add(1))), nil
	}))
	t.Cleanup(func() {
		if r.State().State != StateIdle {
			_ = r.Cancel()
		}
	})

	require.NoError(t, r.Start(context.Background()))

	cancelDone := make(chan error, 1)
	go func() { cancelDone <- r.Cancel() }()

	// The machine reports Idle as soon as the first session detaches, so a
	// second session is admitted while the first one's device teardown is
	// still in flight.
	require.Eventually(t, func() bool {
		return r.Start(context.Background()) == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, <-cancelDone)
	require.Equal(t, StateRecording, r.State().State)

	// The second session's monitoring units must survive the first
	// session's teardown.
	sub := r.Subscribe()
	defer sub.Close()
	counts := countKinds(collectEvents(sub, 100*time.Millisecond))
	assert.Greater(t, counts[KindDuration], 0, "second session has no duration loop")
	assert.Greater(t, counts[KindAudioLevel], 0, "second session has no metering loop")

	_, err := r.Stop()
	require.NoError(t, err)
}

func TestRecorder_QuiescenceAfterStop(t *testing.T) {
	r := newTestRecorder(t, nil)
	sub := r.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)
	_, err := r.Stop()
	require.NoError(t, err)

	collectEvents(sub, 0)
	assert.Empty(t, collectEvents(sub, 60*time.Millisecond),
		"no monitoring emissions after Stop returns")
}

func TestRecorder_WatchdogAutoStop(t *testing.T) {
	r := newTestRecorder(t, func(st *Settings) {
		st.MaxDuration = 100 * time.Millisecond
		st.AutoStopAtMax = true
	})
	sub := r.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		return r.State().State == StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	events := collectEvents(sub, 30*time.Millisecond)
	counts := countKinds(events)
	assert.Equal(t, 1, counts[KindReachedMaxDuration])
	assert.Equal(t, 1, counts[KindStopped])
	assert.Zero(t, counts[KindError])

	for _, ev := range events {
		if ev.Kind == KindStopped {
			assert.FileExists(t, ev.Destination)
			assert.GreaterOrEqual(t, ev.Duration, 100*time.Millisecond)
		}
	}
}

func TestRecorder_RuntimeFailure(t *testing.T) {
	dir := t.TempDir()
	var seq atomic.Int64
	dev := device.NewSim()
	dev.FailAfter = 50 * time.Millisecond

	r := New(dev, testSettings(), WithNamer(func() (string, error) {
		return filepath.Join(dir, fmt.Sprintf("take-%03d.flac", seq.Add(1))), nil
	}))
	sub := r.Subscribe()
	defer sub.Close()

	require.NoError(t, r.Start(context.Background()))
	snap := r.State()

	require.Eventually(t, func() bool {
		return r.State().State == StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	events := collectEvents(sub, 30*time.Millisecond)
	counts := countKinds(events)
	assert.Equal(t, 1, counts[KindError])
	assert.NoFileExists(t, snap.Destination)

	for _, ev := range events {
		if ev.Kind == KindError {
			var runtimeErr *RuntimeError
			assert.ErrorAs(t, ev.Err, &runtimeErr)
			assert.ErrorIs(t, ev.Err, device.ErrDeviceUnavailable)
		}
	}
}

func TestRecorder_RecordFor(t *testing.T) {
	r := newTestRecorder(t, nil)

	begun := time.Now()
	dest, err := r.RecordFor(context.Background(), 150*time.Millisecond)
	elapsed := time.Since(begun)

	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 600*time.Millisecond)
	assert.Equal(t, StateIdle, r.State().State)
}

func TestRecorder_RecordForCancelled(t *testing.T) {
	r := newTestRecorder(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.RecordFor(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateIdle, r.State().State)
}

func TestRecorder_RecordForDeviceFailure(t *testing.T) {
	dev := device.NewSim()
	dev.FailAfter = 40 * time.Millisecond
	dir := t.TempDir()
	r := New(dev, testSettings(), WithNamer(func() (string, error) {
		return filepath.Join(dir, "take.flac"), nil
	}))
	sub := r.Subscribe()
	defer sub.Close()

	_, err := r.RecordFor(context.Background(), time.Hour)
	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, StateIdle, r.State().State)

	// The device failure is broadcast exactly once; unwinding the timed
	// recording must not add a conflict error for the already-gone session.
	counts := countKinds(collectEvents(sub, 30*time.Millisecond))
	assert.Equal(t, 1, counts[KindError])
}

func TestRecorder_RecordForSurvivesWatchdogStop(t *testing.T) {
	r := newTestRecorder(t, func(st *Settings) {
		st.MaxDuration = 80 * time.Millisecond
		st.AutoStopAtMax = true
	})

	// The watchdog wins the race; the caller still gets the destination.
	dest, err := r.RecordFor(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.Equal(t, StateIdle, r.State().State)
}

func TestRecorder_RecordUntil(t *testing.T) {
	r := newTestRecorder(t, nil)

	var flag atomic.Bool
	go func() {
		time.Sleep(80 * time.Millisecond)
		flag.Store(true)
	}()

	dest, err := r.RecordUntil(context.Background(), flag.Load)
	require.NoError(t, err)
	assert.FileExists(t, dest)
	assert.Equal(t, StateIdle, r.State().State)
}

func TestRecorder_DelegateSeesLifecycle(t *testing.T) {
	r := newTestRecorder(t, nil)
	del := &captureDelegate{}
	r.SetDelegate(del)

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(60 * time.Millisecond)
	_, err := r.Stop()
	require.NoError(t, err)

	kinds := del.seen()
	require.NotEmpty(t, kinds)
	assert.Equal(t, KindStarted, kinds[0])
	assert.Equal(t, KindStopped, kinds[len(kinds)-1])
}

func TestRecorder_CallbackFiltering(t *testing.T) {
	r := newTestRecorder(t, nil)

	var levels atomic.Int32
	var stops atomic.Int32
	r.On(KindAudioLevel, func(Event) { levels.Add(1) })
	r.On(KindStopped, func(Event) { stops.Add(1) })

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(80 * time.Millisecond)
	_, err := r.Stop()
	require.NoError(t, err)

	assert.Greater(t, levels.Load(), int32(0))
	assert.Equal(t, int32(1), stops.Load())
}
