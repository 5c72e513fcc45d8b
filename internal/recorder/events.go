package recorder

import (
	"time"
)

// Kind classifies recording lifecycle and monitoring events.
type Kind string

const (
	KindStarted            Kind = "started"
	KindPaused             Kind = "paused"
	KindResumed            Kind = "resumed"
	KindStopped            Kind = "stopped"
	KindCancelled          Kind = "cancelled"
	KindAudioLevel         Kind = "audio_level"
	KindPeakLevel          Kind = "peak_level"
	KindDuration           Kind = "duration"
	KindError              Kind = "error"
	KindReachedMaxDuration Kind = "reached_max_duration"
	KindBelowMinDuration   Kind = "below_min_duration"
)

// Source identifies the producer domain that emitted an event.
type Source string

const (
	SourceStateMachine Source = "statemachine"
	SourceScheduler    Source = "scheduler"
	SourceFacade       Source = "facade"
)

// Priority is a coarse dispatch hint for consumers. Metering and duration
// ticks are low priority; lifecycle transitions and errors are not.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Stats is a derived snapshot emitted alongside duration ticks.
type Stats struct {
	State     State
	StartedAt time.Time
	Elapsed   time.Duration
	Paused    time.Duration
}

// Event is an immutable record published on the bus. Only the fields
// relevant to a given Kind are populated.
type Event struct {
	Kind      Kind
	Time      time.Time
	Source    Source
	Priority  Priority
	SessionID string

	// KindAudioLevel / KindPeakLevel
	Level float64
	Peak  float64

	// KindDuration / KindStopped
	Duration time.Duration
	Stats    *Stats

	// KindStarted / KindStopped
	Destination string

	// KindError
	Err error
}
