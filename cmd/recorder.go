package cmd

import (
	"fmt"

	"github.com/soundfold/micsession/internal/device"
	"github.com/soundfold/micsession/internal/naming"
	"github.com/soundfold/micsession/internal/recorder"
)

// buildRecorder assembles a recorder from the loaded configuration and
// command-line overrides.
func buildRecorder() (*recorder.Recorder, error) {
	backend := cfg.Audio.Backend
	if recordSim {
		backend = string(device.BackendTypeSim)
	}
	dev, err := device.NewBackend(backend)
	if err != nil {
		return nil, fmt.Errorf("capture backend: %w", err)
	}

	out := cfg.Output
	if recordName != "" {
		out.Prefix = recordName
	}
	if recordDir != "" {
		out.Directory = recordDir
	}

	namer := func() (string, error) {
		return naming.PrepareDestination(naming.Options{
			Directory:       out.Directory,
			Prefix:          out.Prefix,
			Extension:       out.Format,
			CreateDirectory: out.CreateDirectory,
		})
	}

	return recorder.New(dev, cfg.Snapshot(), recorder.WithNamer(namer)), nil
}
