package device

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FFmpegDevice captures the microphone by spawning an ffmpeg process per
// session. Levels are read from the astats filter output on stderr, pause
// and resume are delivered as SIGSTOP/SIGCONT.
type FFmpegDevice struct {
	// Binary overrides the ffmpeg executable path.
	Binary string

	// StopTimeout bounds how long Stop waits for ffmpeg to flush and
	// exit after SIGINT before force killing.
	StopTimeout time.Duration
}

// NewFFmpegDevice creates an FFmpeg-based capture device with defaults.
func NewFFmpegDevice() *FFmpegDevice {
	return &FFmpegDevice{Binary: "ffmpeg", StopTimeout: 5 * time.Second}
}

// Open spawns ffmpeg recording from the configured input to destination.
// The process starts capturing immediately; Start is a no-op kept for
// symmetry with backends that separate open from start.
func (d *FFmpegDevice) Open(destination string, s Settings) (Handle, error) {
	if _, err := exec.LookPath(d.binary()); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrDeviceUnavailable, d.binary())
	}

	args := buildCaptureArgs(destination, s)
	cmd := exec.Command(d.binary(), args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSetupFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	h := &ffmpegHandle{
		cmd:         cmd,
		destination: destination,
		stopTimeout: d.stopTimeout(),
		waitCh:      make(chan error, 1),
	}

	go h.scanLevels(stderr)
	go func() { h.waitCh <- cmd.Wait() }()

	slog.Debug("ffmpeg capture started", "destination", destination, "args", strings.Join(args, " "))
	return h, nil
}

func (d *FFmpegDevice) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "ffmpeg"
}

func (d *FFmpegDevice) stopTimeout() time.Duration {
	if d.StopTimeout > 0 {
		return d.StopTimeout
	}
	return 5 * time.Second
}

// buildCaptureArgs assembles the ffmpeg invocation. The astats filter
// republishes RMS and peak levels as frame metadata which ametadata prints
// to stderr for the level scanner.
func buildCaptureArgs(destination string, s Settings) []string {
	inputFormat := s.InputFormat
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	source := s.Source
	if source == "" {
		source = "default"
	}

	args := []string{
		"-hide_banner",
		"-nostats",
		"-f", inputFormat,
		"-i", source,
	}
	if s.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(s.Channels))
	}
	if s.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(s.SampleRate))
	}
	args = append(args,
		"-af", "astats=metadata=1:reset=1,ametadata=mode=print:file=-",
		"-y", destination,
	)
	return args
}

type ffmpegHandle struct {
	cmd         *exec.Cmd
	destination string
	stopTimeout time.Duration
	waitCh      chan error

	mu       sync.Mutex
	avg      float64
	peak     float64
	runErr   error
	finished bool
}

func (h *ffmpegHandle) Start() error { return nil }

func (h *ffmpegHandle) Pause() error {
	return h.signal(syscall.SIGSTOP)
}

func (h *ffmpegHandle) Resume() error {
	return h.signal(syscall.SIGCONT)
}

func (h *ffmpegHandle) signal(sig syscall.Signal) error {
	if h.cmd.Process == nil {
		return ErrDeviceUnavailable
	}
	return h.cmd.Process.Signal(sig)
}

// Stop interrupts ffmpeg so it flushes and closes the output file, then
// waits for the process to exit.
func (h *ffmpegHandle) Stop() error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return nil
	}
	h.finished = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		// SIGCONT first in case the session is stopped while paused.
		_ = h.cmd.Process.Signal(syscall.SIGCONT)
		if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = h.cmd.Process.Kill()
		}
	}

	select {
	case err := <-h.waitCh:
		if err != nil && !interruptedExit(err) {
			return fmt.Errorf("ffmpeg capture failed: %w", err)
		}
		return nil
	case <-time.After(h.stopTimeout):
		slog.Warn("ffmpeg did not exit within timeout, force killing", "destination", h.destination)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.waitCh
		return nil
	}
}

func (h *ffmpegHandle) Discard() error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return nil
	}
	h.finished = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGCONT)
		_ = h.cmd.Process.Kill()
	}
	<-h.waitCh
	return nil
}

func (h *ffmpegHandle) MeterLevel() (float64, float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runErr != nil {
		return 0, 0, h.runErr
	}
	return h.avg, h.peak, nil
}

func (h *ffmpegHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runErr
}

// scanLevels follows ffmpeg's stderr, picking the astats RMS/peak metadata
// lines and recording an early process death as a runtime failure.
func (h *ffmpegHandle) scanLevels(pipe io.ReadCloser) {
	defer pipe.Close()

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := metadataValue(line, "lavfi.astats.Overall.RMS_level="); ok {
			h.mu.Lock()
			h.avg = dbToLinear(v)
			h.mu.Unlock()
			continue
		}
		if v, ok := metadataValue(line, "lavfi.astats.Overall.Peak_level="); ok {
			h.mu.Lock()
			h.peak = dbToLinear(v)
			h.mu.Unlock()
		}
	}

	// stderr closing means the process exited. If nobody asked it to,
	// the session died underneath us.
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished && h.runErr == nil {
		h.runErr = fmt.Errorf("ffmpeg capture process exited unexpectedly")
	}
}

func metadataValue(line, key string) (float64, bool) {
	idx := strings.Index(line, key)
	if idx < 0 {
		return 0, false
	}
	raw := strings.TrimSpace(line[idx+len(key):])
	if raw == "-inf" {
		return math.Inf(-1), true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// dbToLinear maps a dBFS level onto 0..1.
func dbToLinear(db float64) float64 {
	if math.IsInf(db, -1) {
		return 0
	}
	lin := math.Pow(10, db/20)
	if lin > 1 {
		lin = 1
	}
	if lin < 0 {
		lin = 0
	}
	return lin
}

// interruptedExit reports whether the process exit is the expected result
// of our own interrupt/kill signals.
func interruptedExit(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}
