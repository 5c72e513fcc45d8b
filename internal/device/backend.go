package device

import (
	"fmt"
	"strings"
)

// BackendType identifies a capture backend implementation.
type BackendType string

const (
	BackendTypeFFmpeg BackendType = "ffmpeg"
	BackendTypeSim    BackendType = "sim"
	BackendTypeAuto   BackendType = "auto"
)

// NewBackend creates a capture device for the requested backend. "auto"
// and the empty string resolve to the FFmpeg backend.
func NewBackend(name string) (Device, error) {
	switch BackendType(strings.ToLower(name)) {
	case BackendTypeFFmpeg, BackendTypeAuto, "":
		return NewFFmpegDevice(), nil
	case BackendTypeSim:
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown capture backend: %s", name)
	}
}

// AvailableBackends returns the backends compiled into this build.
func AvailableBackends() []BackendType {
	return []BackendType{BackendTypeFFmpeg, BackendTypeSim}
}
