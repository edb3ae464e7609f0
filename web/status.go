// Package web exposes a small operational HTTP surface for the bot.
package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coltonsteinbeck/silo-sub001/activity"
	"github.com/coltonsteinbeck/silo-sub001/voice"
)

// StatusSource is what the status endpoint reads; *voice.Registry
// satisfies it.
type StatusSource interface {
	Snapshot() []voice.GuildStatus
}

type statusResponse struct {
	Guilds     []voice.GuildStatus `json:"guilds"`
	Activities []activity.Activity `json:"activities"`
}

// NewRouter builds the operational routes over the registry and tracker.
func NewRouter(source StatusSource, tracker *activity.Tracker, logger *log.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		resp := statusResponse{
			Guilds:     source.Snapshot(),
			Activities: tracker.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("encode status", "error", err)
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return r
}

// Serve runs the operational server until it fails.
func Serve(port int, source StatusSource, tracker *activity.Tracker, logger *log.Logger) error {
	r := NewRouter(source, tracker, logger)
	logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), r)
}
