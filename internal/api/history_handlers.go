package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/storage/postgres"
	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	historyTimeout      = 3 * time.Second
)

// HistoryReader lists stored snapshots of one player, newest first.
type HistoryReader interface {
	History(ctx context.Context, id tracker.PlayerID, limit int) ([]postgres.HistoryEntry, error)
}

// HistoryHandler exposes the read-only snapshot history.
type HistoryHandler struct {
	repo    HistoryReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewHistoryHandler wires the repository and logger. A nil repo is allowed.
func NewHistoryHandler(repo HistoryReader, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// PlayerHistory handles GET /v1/players/{player_id}/history?limit=. It returns
// {"history": [...]} on success, 400 for a bad ID or limit, 503 when no
// history store is configured, or 500 if the query fails.
func (h *HistoryHandler) PlayerHistory(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	id, err := parsePlayerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entries, err := h.repo.History(ctx, id, limit)
	if err != nil {
		h.logger.Error("player history failed", zap.Stringer("player_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []postgres.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
