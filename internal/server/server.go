// Package server exposes the recorder over a small HTTP control API with
// a server-sent-events feed of the recording event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/soundfold/micsession/internal/config"
	"github.com/soundfold/micsession/internal/recorder"
)

// Server drives a recorder over HTTP.
type Server struct {
	rec  *recorder.Recorder
	cfg  *config.Config
	addr string
}

// New creates a control server for the given recorder.
func New(rec *recorder.Recorder, cfg *config.Config, addr string) *Server {
	return &Server{rec: rec, cfg: cfg, addr: addr}
}

// StatusResponse is the JSON body of the status endpoint.
type StatusResponse struct {
	State       string `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	Destination string `json:"destination,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	StartedAt   string `json:"started_at,omitempty"`
}

// ActionResponse is the JSON body of the transition endpoints.
type ActionResponse struct {
	OK          bool   `json:"ok"`
	Destination string `json:"destination,omitempty"`
	Error       string `json:"error,omitempty"`
}

type eventPayload struct {
	Kind        string  `json:"kind"`
	Time        string  `json:"time"`
	Source      string  `json:"source"`
	SessionID   string  `json:"session_id,omitempty"`
	Level       float64 `json:"level,omitempty"`
	Peak        float64 `json:"peak,omitempty"`
	DurationMS  int64   `json:"duration_ms,omitempty"`
	Destination string  `json:"destination,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// ListenAndServe runs until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("control server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.rec.State()
	resp := StatusResponse{
		State:      string(snap.State),
		SessionID:  snap.SessionID,
		DurationMS: snap.Duration.Milliseconds(),
	}
	if snap.Destination != "" {
		resp.Destination = snap.Destination
	}
	if !snap.StartedAt.IsZero() {
		resp.StartedAt = snap.StartedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Start(r.Context()); err != nil {
		writeJSON(w, statusForError(err), ActionResponse{Error: err.Error()})
		return
	}
	snap := s.rec.State()
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Destination: snap.Destination})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	destination, err := s.rec.Stop()
	if err != nil {
		writeJSON(w, statusForError(err), ActionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Destination: destination})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.rec.Pause() {
		writeJSON(w, http.StatusConflict, ActionResponse{Error: recorder.ErrNoActiveRecording.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{OK: true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.rec.Resume() {
		writeJSON(w, http.StatusConflict, ActionResponse{Error: "no paused recording"})
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{OK: true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Cancel(); err != nil {
		writeJSON(w, statusForError(err), ActionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{OK: true})
}

// handleConfig reports the resolved configuration as YAML.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	dump, err := s.cfg.Dump()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	fmt.Fprint(w, dump)
}

// handleEvents streams the recorder's event feed as server-sent events
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.rec.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			payload := eventPayload{
				Kind:        string(ev.Kind),
				Time:        ev.Time.Format(time.RFC3339Nano),
				Source:      string(ev.Source),
				SessionID:   ev.SessionID,
				Level:       ev.Level,
				Peak:        ev.Peak,
				DurationMS:  ev.Duration.Milliseconds(),
				Destination: ev.Destination,
			}
			if ev.Err != nil {
				payload.Error = ev.Err.Error()
			}
			data, err := json.Marshal(payload)
			if err != nil {
				slog.Warn("event marshal failed", "kind", ev.Kind, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNoActiveRecording):
		return http.StatusConflict
	default:
		var tooShort *recorder.TooShortError
		if errors.As(err, &tooShort) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
