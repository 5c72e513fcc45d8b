package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundfold/micsession/internal/recorder"
)

var (
	recordFor  time.Duration
	recordName string
	recordDir  string
	recordSim  bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the microphone",
	Long: `Record audio from the configured input until interrupted.

Without --for, recording runs until Ctrl+C; SIGUSR1 toggles pause. With
--for, recording stops automatically after the given duration.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := buildRecorder()
		if err != nil {
			return err
		}

		// Modest live feedback on the terminal.
		rec.On(recorder.KindDuration, func(ev recorder.Event) {
			fmt.Printf("\rrecording: %6.1fs", ev.Duration.Seconds())
		})
		rec.On(recorder.KindReachedMaxDuration, func(recorder.Event) {
			fmt.Println("\nmaximum duration reached")
		})

		if recordFor > 0 {
			destination, err := rec.RecordFor(cmd.Context(), recordFor)
			if err != nil {
				return fmt.Errorf("timed recording failed: %w", err)
			}
			fmt.Printf("\nsaved %s\n", destination)
			return nil
		}

		if err := rec.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("recording, Ctrl+C to stop, SIGUSR1 to toggle pause")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
		defer signal.Stop(sigCh)

		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				if !rec.Pause() {
					rec.Resume()
				}
				continue
			}
			break
		}

		destination, err := rec.Stop()
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		fmt.Printf("\nsaved %s\n", destination)
		return nil
	},
}

func init() {
	recordCmd.Flags().DurationVar(&recordFor, "for", 0, "stop automatically after this duration")
	recordCmd.Flags().StringVarP(&recordName, "name", "n", "", "recording name prefix (overrides config)")
	recordCmd.Flags().StringVarP(&recordDir, "output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().BoolVar(&recordSim, "sim", false, "use the simulated capture backend")
}
