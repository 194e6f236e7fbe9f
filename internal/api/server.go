package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/config"
	"github.com/rankwatch/rematch-tracker/internal/metrics"
	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

const (
	requestTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 16
)

// Players is the store surface the API needs. *players.Guard satisfies it.
type Players interface {
	Register(ctx context.Context, id tracker.PlayerID, profileURL string) error
	Refresh(ctx context.Context) (tracker.RefreshSummary, error)
	Get(ctx context.Context, id tracker.PlayerID) (tracker.StatsSnapshot, bool, error)
	GetAll(ctx context.Context) ([]tracker.StatsSnapshot, error)
	MostActive(ctx context.Context) (tracker.StatsSnapshot, bool, error)
	Targets(ctx context.Context) ([]tracker.Target, error)
	Player(ctx context.Context, id tracker.PlayerID) (tracker.Target, *tracker.StatsSnapshot, bool, error)
	Leaderboard(ctx context.Context) ([]tracker.StatsSnapshot, error)
}

// Server wires HTTP handlers to the player store.
type Server struct {
	router  chi.Router
	players Players
	history *HistoryHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history may be
// nil, in which case the history route answers 503.
func NewServer(players Players, history HistoryReader, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		players: players,
		history: NewHistoryHandler(history, logger),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// A refresh holds the store for as long as the cycle takes.
		r.Post("/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/targets", s.listTargets)
			r.Get("/leaderboard", s.leaderboard)
			r.Route("/players", func(r chi.Router) {
				r.Get("/", s.listPlayers)
				r.Get("/most-active", s.mostActive)
				r.Route("/{player_id}", func(r chi.Router) {
					r.Get("/", s.getPlayer)
					r.Put("/", s.registerPlayer)
					r.Get("/history", s.history.PlayerHistory)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	summary, err := s.players.Refresh(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, tracker.ErrEngineUnavailable):
			s.logger.Error("refresh failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "browser engine unavailable")
		default:
			s.storeError(w, "refresh", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Server) listPlayers(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.players.GetAll(r.Context())
	if err != nil {
		s.storeError(w, "list players", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": snaps})
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.players.Targets(r.Context())
	if err != nil {
		s.storeError(w, "list targets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.players.Leaderboard(r.Context())
	if err != nil {
		s.storeError(w, "leaderboard", err)
		return
	}
	entries := make([]leaderboardEntry, len(snaps))
	for i, snap := range snaps {
		entries[i] = leaderboardEntry{Position: i + 1, Rank: snap.Rank.String(), Snapshot: snap}
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

func (s *Server) mostActive(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := s.players.MostActive(r.Context())
	if err != nil {
		s.storeError(w, "most active", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no player stats yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"player": snap})
}

func (s *Server) getPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := parsePlayerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, snap, registered, err := s.players.Player(r.Context(), id)
	if err != nil {
		s.storeError(w, "get player", err)
		return
	}
	if !registered {
		writeError(w, http.StatusNotFound, "player not registered")
		return
	}
	resp := playerResponse{Target: target, Snapshot: snap}
	if snap != nil {
		resp.Rank = snap.Rank.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) registerPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := parsePlayerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	url := strings.TrimSpace(req.ProfileURL)
	err = s.players.Register(r.Context(), id, url)
	var invalid *tracker.InvalidURLError
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, invalid.Message)
		return
	case err != nil:
		s.storeError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": tracker.Target{PlayerID: id, ProfileURL: url}})
}

// storeError maps a guard failure to a response. A caller that gave up
// waiting for the store gets 503.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		writeError(w, http.StatusServiceUnavailable, "store busy, retry later")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func parsePlayerID(r *http.Request) (tracker.PlayerID, error) {
	raw := chi.URLParam(r, "player_id")
	id, err := tracker.ParsePlayerID(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid player_id %q", raw)
	}
	return id, nil
}

type registerRequest struct {
	ProfileURL string `json:"profile_url"`
}

type playerResponse struct {
	Target   tracker.Target         `json:"target"`
	Rank     string                 `json:"rank,omitempty"`
	Snapshot *tracker.StatsSnapshot `json:"snapshot"`
}

type leaderboardEntry struct {
	Position int                   `json:"position"`
	Rank     string                `json:"rank"`
	Snapshot tracker.StatsSnapshot `json:"snapshot"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the ID assigned to the request by the server.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// apiKeyMiddleware accepts the key in X-API-Key or Authorization, with or
// without a Bearer scheme.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
