package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"playlist-exporter/pkg/catalog"
	"playlist-exporter/pkg/config"
	"playlist-exporter/pkg/export"
	"playlist-exporter/pkg/mq"
	"playlist-exporter/pkg/observability"
)

var (
	catalogClient *catalog.Client
	queue         *mq.Client
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	catalogClient, err = catalog.New(context.Background(), cfg.Database)
	if err != nil {
		slog.Error("failed to connect to catalog database", "error", err)
		os.Exit(1)
	}
	defer catalogClient.Close()

	queue, err = mq.Dial(cfg.AMQPURL, cfg.RetryDelay)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	// Safe to repeat; the worker declares the same topology.
	if err := queue.SetupTopology(); err != nil {
		slog.Error("failed to declare export topology", "error", err)
		os.Exit(1)
	}

	observability.StartMetricsServer(cfg.MetricsAddrOr(":8081"))

	r := chi.NewRouter()
	r.Post("/export/playlists/{playlistId}", handleExportPlaylist)

	slog.Info("API server starting", "addr", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		slog.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

type exportRequest struct {
	TargetEmail string `json:"targetEmail"`
}

// handleExportPlaylist accepts an export request, verifies ownership and
// publishes the job. The caller only ever learns the request was accepted;
// the export outcome is not reported back.
func handleExportPlaylist(w http.ResponseWriter, r *http.Request) {
	playlistID := chi.URLParam(r, "playlistId")

	// The upstream auth validator terminates credentials and forwards the
	// caller identity.
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, "fail", "missing caller identity")
		return
	}

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, "fail", "invalid request body")
		return
	}

	job := export.Job{PlaylistID: playlistID, TargetEmail: req.TargetEmail}
	if err := job.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, "fail", err.Error())
		return
	}

	if err := catalogClient.VerifyPlaylistOwner(r.Context(), playlistID, userID); err != nil {
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			writeJSON(w, http.StatusNotFound, "fail", "playlist not found")
		case errors.Is(err, catalog.ErrForbidden):
			writeJSON(w, http.StatusForbidden, "fail", "you do not own this playlist")
		default:
			slog.Error("ownership check failed", "playlist_id", playlistID, "error", err)
			writeJSON(w, http.StatusInternalServerError, "error", "internal server error")
		}
		return
	}

	if err := queue.Publish(r.Context(), job); err != nil {
		if errors.Is(err, mq.ErrNotConnected) {
			writeJSON(w, http.StatusServiceUnavailable, "error", "export service unavailable")
			return
		}
		slog.Error("failed to publish export job", "playlist_id", playlistID, "error", err)
		writeJSON(w, http.StatusInternalServerError, "error", "internal server error")
		return
	}

	observability.ExportsAccepted.Inc()
	slog.Info("export request accepted", "playlist_id", playlistID, "user_id", userID)
	writeJSON(w, http.StatusCreated, "success", "your export request is being processed")
}

func writeJSON(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status, "message": message})
}
