package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/config"
	"github.com/rankwatch/rematch-tracker/internal/players"
	"github.com/rankwatch/rematch-tracker/internal/storage/postgres"
	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

type fakeScraper struct {
	snaps map[tracker.PlayerID]tracker.StatsSnapshot
	err   error
}

func (f *fakeScraper) RefreshAll(_ context.Context, targets []tracker.Target) (tracker.RefreshResult, error) {
	if f.err != nil {
		return tracker.RefreshResult{}, f.err
	}
	var res tracker.RefreshResult
	for _, t := range targets {
		snap, ok := f.snaps[t.PlayerID]
		if !ok {
			res.Failures = append(res.Failures, tracker.TargetFailure{
				PlayerID: t.PlayerID, ProfileURL: t.ProfileURL, Err: tracker.ErrTargetRequestNotFound,
			})
			continue
		}
		res.Snapshots = append(res.Snapshots, snap)
	}
	return res, nil
}

type fakeHistory struct {
	entries []postgres.HistoryEntry
	err     error
	limit   int
}

func (f *fakeHistory) History(_ context.Context, _ tracker.PlayerID, limit int) ([]postgres.HistoryEntry, error) {
	f.limit = limit
	return f.entries, f.err
}

func profileURL(name string) string {
	return tracker.DefaultProfileURLPrefix + "steam/" + name + "/1"
}

func newTestServer(t *testing.T, scraper tracker.Scraper, history HistoryReader, cfg config.Config) (*Server, *players.Guard) {
	t.Helper()
	store := players.New(players.Config{}, players.Deps{Scraper: scraper})
	guard := players.NewGuard(context.Background(), store)
	return NewServer(guard, history, cfg, zap.NewNop()), guard
}

func do(t *testing.T, s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthzAndRequestID(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil, config.Config{})
	rec := do(t, s, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": "abc"})
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil, config.Config{})
	rec := do(t, s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterThenRefreshThenRead(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{snaps: map[tracker.PlayerID]tracker.StatsSnapshot{
		1: {PlayerID: 1, DisplayName: "one", Rank: &tracker.Rank{League: 2, Division: 1}, Lifetime: tracker.Lifetime{MatchesPlayed: 10, Wins: 6}},
		2: {PlayerID: 2, DisplayName: "two", Lifetime: tracker.Lifetime{MatchesPlayed: 50, Wins: 20}},
	}}
	s, _ := newTestServer(t, scraper, nil, config.Config{})

	for _, id := range []string{"1", "2", "3"} {
		rec := do(t, s, http.MethodPut, "/v1/players/"+id, []byte(`{"profile_url":"`+profileURL("p"+id)+`"}`), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := do(t, s, http.MethodPost, "/v1/refresh", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var refresh struct {
		Summary tracker.RefreshSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refresh))
	require.Equal(t, 3, refresh.Summary.Targets)
	require.Equal(t, 2, refresh.Summary.Succeeded)
	require.Equal(t, 1, refresh.Summary.Failed)

	rec = do(t, s, http.MethodGet, "/v1/players", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Players []tracker.StatsSnapshot `json:"players"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Players, 2)

	rec = do(t, s, http.MethodGet, "/v1/players/most-active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"display_name":"two"`)

	rec = do(t, s, http.MethodGet, "/v1/players/1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one playerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	require.Equal(t, "Gold II", one.Rank)
	require.NotNil(t, one.Snapshot)
	require.Equal(t, profileURL("p1"), one.Target.ProfileURL)

	rec = do(t, s, http.MethodGet, "/v1/players/3", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"snapshot":null`)

	rec = do(t, s, http.MethodGet, "/v1/targets", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var targets struct {
		Targets []tracker.Target `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &targets))
	require.Len(t, targets.Targets, 3)

	rec = do(t, s, http.MethodGet, "/v1/leaderboard", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var board struct {
		Leaderboard []leaderboardEntry `json:"leaderboard"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &board))
	require.Len(t, board.Leaderboard, 2)
	require.Equal(t, "one", board.Leaderboard[0].Snapshot.DisplayName)
	require.Equal(t, "Unranked", board.Leaderboard[1].Rank)
}

func TestGetPlayerErrors(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil, config.Config{})

	rec := do(t, s, http.MethodGet, "/v1/players/abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/players/42", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/players/most-active", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	s, guard := newTestServer(t, nil, nil, config.Config{})

	rec := do(t, s, http.MethodPut, "/v1/players/7", []byte(`{"profile_url":"https://example.com/me"}`), nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, decode(t, rec), "error")

	rec = do(t, s, http.MethodPut, "/v1/players/7", []byte(`{bad`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	targets, err := guard.Targets(context.Background())
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestRefreshEngineUnavailable(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &fakeScraper{err: errors.Join(tracker.ErrEngineUnavailable, errors.New("no chrome"))}, nil, config.Config{})
	rec := do(t, s, http.MethodPost, "/v1/refresh", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	s, _ := newTestServer(t, nil, nil, cfg)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", map[string]string{"X-API-Key": "nope"}, http.StatusForbidden},
		{"x-api-key", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"authorization raw", map[string]string{"Authorization": "secret"}, http.StatusOK},
		{"authorization bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, s, http.MethodGet, "/v1/targets", nil, tt.headers)
			require.Equal(t, tt.want, rec.Code)
		})
	}

	rec := do(t, s, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestStoreBusyReturns503(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	entered := make(chan struct{})
	scraper := &blockingScraper{gate: gate, entered: entered}
	s, guard := newTestServer(t, scraper, nil, config.Config{})

	go func() { _, _ = guard.Refresh(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/players", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(gate)
}

type blockingScraper struct {
	gate    chan struct{}
	entered chan struct{}
}

func (b *blockingScraper) RefreshAll(context.Context, []tracker.Target) (tracker.RefreshResult, error) {
	close(b.entered)
	<-b.gate
	return tracker.RefreshResult{}, nil
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPlayerHistory(t *testing.T) {
	t.Parallel()

	at := time.Unix(1752500000, 0).UTC()
	hist := &fakeHistory{entries: []postgres.HistoryEntry{
		{CycleID: "c2", Snapshot: tracker.StatsSnapshot{PlayerID: 5, DisplayName: "five", ScrapedAt: at}},
	}}
	s, _ := newTestServer(t, nil, hist, config.Config{})

	rec := do(t, s, http.MethodGet, "/v1/players/5/history?limit=9999", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxHistoryLimit, hist.limit)
	require.Contains(t, rec.Body.String(), `"cycle_id":"c2"`)

	rec = do(t, s, http.MethodGet, "/v1/players/5/history?limit=0", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	hist.err = errors.New("db down")
	rec = do(t, s, http.MethodGet, "/v1/players/5/history", nil, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, defaultHistoryLimit, hist.limit)
}

func TestPlayerHistoryUnavailable(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil, nil, config.Config{})
	rec := do(t, s, http.MethodGet, "/v1/players/5/history", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
