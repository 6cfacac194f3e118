// Package server exposes the schedule and settings over a small HTTP API
// for dashboards and manual inspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/johanzander/batterymanager/pkg/controller"
	"github.com/johanzander/batterymanager/pkg/log"
	"github.com/johanzander/batterymanager/pkg/storage"
	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Server handles the HTTP API for the battery manager. The controller owns
// all state; the server only reads snapshots and forwards settings updates.
type Server struct {
	controller *controller.Controller
	storage    storage.Database

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c *controller.Controller, db storage.Database) *Server {
	srv := &Server{
		controller: c,
		storage:    db,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

// New returns a Server without flag configuration, for tests.
func New(c *controller.Controller, db storage.Database, listenAddr string) *Server {
	return &Server{controller: c, storage: db, listenAddr: listenAddr}
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/schedule", s.handleGetSchedule)
	mux.HandleFunc("GET /api/schedule/days", s.handleListDays)
	mux.HandleFunc("GET /api/schedule/{date}", s.handleGetDay)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capture server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// handleGetSchedule returns the live schedule for the current day.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.controller.Snapshot())
}

// handleGetDay returns the archived schedule for a date.
func (s *Server) handleGetDay(w http.ResponseWriter, r *http.Request) {
	date := r.PathValue("date")
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		writeJSONError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	snap, err := s.storage.GetDay(r.Context(), date)
	if err != nil {
		if errors.Is(err, storage.ErrDayNotFound) {
			writeJSONError(w, "no schedule for "+date, http.StatusNotFound)
			return
		}
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to load day", slog.String("date", date), slog.Any("err", err))
		writeJSONError(w, "failed to load day", http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

// handleListDays returns the dates with an archived schedule, optionally
// bounded by start and end query parameters.
func (s *Server) handleListDays(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	for _, date := range []string{start, end} {
		if date == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			writeJSONError(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	dates, err := s.storage.ListDays(r.Context(), start, end)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to list days", slog.Any("err", err))
		writeJSONError(w, "failed to list days", http.StatusInternalServerError)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, struct {
		Days []string `json:"days"`
	}{Days: dates})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.controller.Settings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := s.controller.UpdateSettings(r.Context(), settings); err != nil {
		// a validation failure is the caller's fault, anything else is ours
		if settings.Validate() != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(r.Context()).ErrorContext(r.Context(), "failed to update settings", slog.Any("err", err))
		writeJSONError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}
