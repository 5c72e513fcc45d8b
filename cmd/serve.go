package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soundfold/micsession/internal/recorder"
	"github.com/soundfold/micsession/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control server",
	Long: `Expose the recorder over an HTTP API: status, start/stop/pause/
resume/cancel, and a server-sent-events stream of recording events.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := buildRecorder()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := server.New(rec, cfg, serveAddr)
		if err := srv.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("control server failed: %w", err)
		}

		// Don't leave a capture process behind on shutdown.
		if rec.State().State != recorder.StateIdle {
			_, _ = rec.Stop()
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "127.0.0.1:8456", "listen address")
}
