// Package gateway is the per-connection boundary: it authenticates,
// authorizes, upgrades to websocket, serves the initial snapshot, and hands
// the connection to the registry.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/auth"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/dataaccess"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/ratelimit"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/registry"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/repository"
)

type Handler struct {
	reg       *registry.Registry
	verifier  auth.Verifier
	store     dataaccess.Store
	snapshots repository.SnapshotStore
	logger    *zap.Logger
}

func NewHandler(reg *registry.Registry, verifier auth.Verifier, store dataaccess.Store, snapshots repository.SnapshotStore, logger *zap.Logger) *Handler {
	return &Handler{
		reg:       reg,
		verifier:  verifier,
		store:     store,
		snapshots: snapshots,
		logger:    logger,
	}
}

// ServeWS handles GET /ws/{topic_id}?token=... — authorization failures are
// rejected before the upgrade with an explicit status; they never reach the
// registry.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topicID, err := topicIDFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, "invalid topic id", http.StatusBadRequest)
		return
	}

	principal, err := h.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		if errors.Is(err, auth.ErrRejected) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		h.logger.Error("Credential verification failed", zap.Error(err))
		http.Error(w, "auth unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := h.store.Authorize(r.Context(), topicID, principal.UserID); err != nil {
		switch {
		case errors.Is(err, dataaccess.ErrNotFound):
			http.Error(w, "topic not found", http.StatusNotFound)
		case errors.Is(err, dataaccess.ErrUnauthorized):
			http.Error(w, "not authorized for topic", http.StatusForbidden)
		default:
			h.logger.Error("Authorization check failed", zap.Int64("topic_id", topicID), zap.Error(err))
			http.Error(w, "authorization unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, topicID, principal, h.reg, h.logger)

	// Current state first, before the next worker tick. Queued ahead of
	// Subscribe so it is the first frame the write pump sees.
	if h.snapshots != nil {
		if snap, err := h.snapshots.GetSnapshot(r.Context(), topicID); err == nil && snap != nil {
			client.Send(snap)
		} else if err != nil {
			h.logger.Warn("Snapshot read failed", zap.Int64("topic_id", topicID), zap.Error(err))
		}
	}

	h.reg.Subscribe(topicID, client)
	client.Start()

	h.logger.Info("Client connected",
		zap.Int64("topic_id", topicID),
		zap.String("user_id", principal.UserID),
		zap.String("conn_id", client.ID()))
}

func topicIDFromPath(path string) (int64, error) {
	raw := strings.TrimPrefix(path, "/ws/")
	return strconv.ParseInt(strings.Trim(raw, "/"), 10, 64)
}

// StatsHandler serves the rate limiter's diagnostic view.
func StatsHandler(limiter *ratelimit.Limiter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := limiter.Stats(r.Context())
		if err != nil {
			logger.Error("Rate limiter stats failed", zap.Error(err))
			http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

// HealthHandler reports liveness.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}
