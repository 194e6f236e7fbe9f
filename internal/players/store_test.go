package players

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

const prefix = tracker.DefaultProfileURLPrefix

func profile(name string) string {
	return prefix + "steam/" + name + "/7656119835538967"
}

// fakeScraper answers RefreshAll from a table keyed by PlayerID.
type fakeScraper struct {
	mu      sync.Mutex
	matches map[tracker.PlayerID]int
	failing map[tracker.PlayerID]bool
	err     error
	calls   int
	gate    chan struct{}
	entered chan struct{}
	ctxErr  error
}

func (f *fakeScraper) RefreshAll(ctx context.Context, targets []tracker.Target) (tracker.RefreshResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	if f.err != nil {
		return tracker.RefreshResult{}, f.err
	}
	var res tracker.RefreshResult
	for _, t := range targets {
		if f.failing[t.PlayerID] {
			res.Failures = append(res.Failures, tracker.TargetFailure{
				PlayerID: t.PlayerID, ProfileURL: t.ProfileURL, Err: tracker.ErrTargetRequestTimeout,
			})
			continue
		}
		res.Snapshots = append(res.Snapshots, tracker.StatsSnapshot{
			PlayerID:    t.PlayerID,
			DisplayName: fmt.Sprintf("player-%d", t.PlayerID),
			Rank:        &tracker.Rank{League: 1, Division: 2},
			Lifetime:    tracker.Lifetime{MatchesPlayed: f.matches[t.PlayerID], Wins: 1},
			ScrapedAt:   time.Unix(int64(call), 0).UTC(),
		})
	}
	return res, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	summaries []tracker.RefreshSummary
	snapshots [][]tracker.StatsSnapshot
	err       error
}

func (o *recordingObserver) ObserveRefresh(_ context.Context, s tracker.RefreshSummary, snaps []tracker.StatsSnapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, s)
	o.snapshots = append(o.snapshots, snaps)
	return o.err
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("cycle-%d", s.n), nil
}

func newTestStore(t *testing.T, scraper tracker.Scraper, observers ...NamedObserver) *Store {
	t.Helper()
	return New(
		Config{Path: filepath.Join(t.TempDir(), "players.json")},
		Deps{Scraper: scraper, IDs: &seqIDs{}, Observers: observers, Logger: zap.NewNop()},
	)
}

func TestRegisterValidatesAndOverwritesInPlace(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	require.NoError(t, s.Register(1, profile("a")))
	require.NoError(t, s.Register(2, profile("b")))

	err := s.Register(1, "https://tracker.gg/rematch/profile/a")
	var invalid *tracker.InvalidURLError
	require.ErrorAs(t, err, &invalid)
	target, ok := s.Target(1)
	require.True(t, ok)
	require.Equal(t, profile("a"), target.ProfileURL, "rejected registration must not touch the old one")

	for _, bad := range []string{"", "https://u.gg/rematch/", "http://u.gg/rematch/profile/x", " " + profile("a")} {
		require.Error(t, s.Register(3, bad), bad)
	}

	require.NoError(t, s.Register(1, profile("a2")))
	require.Equal(t, []tracker.Target{
		{PlayerID: 1, ProfileURL: profile("a2")},
		{PlayerID: 2, ProfileURL: profile("b")},
	}, s.Targets())
}

func TestPersistLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "players.json")
	at := time.Date(2025, 7, 14, 20, 30, 0, 0, time.UTC)
	s := New(Config{Path: path}, Deps{Logger: zap.NewNop()})
	require.NoError(t, s.Register(428258972156559362, profile("mesange")))
	require.NoError(t, s.Register(2, profile("b")))
	s.snapshots = []tracker.StatsSnapshot{
		{PlayerID: 428258972156559362, DisplayName: "Mésange", Level: 40, Rank: &tracker.Rank{League: 6}, Lifetime: tracker.Lifetime{MatchesPlayed: 300, Wins: 180}, ScrapedAt: at},
		{PlayerID: 2, DisplayName: "b", Lifetime: tracker.Lifetime{MatchesPlayed: 1}, ScrapedAt: at},
	}
	require.NoError(t, s.Persist(context.Background()))

	loaded := Load(context.Background(), Config{Path: path}, Deps{Logger: zap.NewNop()})
	require.Equal(t, s.Targets(), loaded.Targets())
	require.Equal(t, s.GetAll(), loaded.GetAll())

	empty := New(Config{Path: filepath.Join(t.TempDir(), "empty.json")}, Deps{})
	require.NoError(t, empty.Persist(context.Background()))
	reloaded := Load(context.Background(), empty.cfg, Deps{})
	require.Empty(t, reloaded.Targets())
	require.Empty(t, reloaded.GetAll())
}

func TestLoadFallsBackToEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	missing := Load(context.Background(), Config{Path: filepath.Join(dir, "missing.json")}, Deps{})
	require.Empty(t, missing.Targets())

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte(`{"targets": [`), 0o600))
	s := Load(context.Background(), Config{Path: corrupt}, Deps{})
	require.Empty(t, s.Targets())
	require.Empty(t, s.GetAll())
	require.NoError(t, s.Register(1, profile("a")), "store from a corrupt file stays usable")
}

func TestLoadDropsOrphanSnapshots(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "players.json")
	doc := `{
  "targets": [{"player_id": "1", "profile_url": "` + profile("a") + `"}],
  "snapshots": [
    {"player_id": "1", "display_name": "a", "rank": null, "lifetime": {"matches_played": 2, "wins": 1}},
    {"player_id": "9", "display_name": "ghost", "rank": null, "lifetime": {"matches_played": 5, "wins": 5}}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s := Load(context.Background(), Config{Path: path}, Deps{})
	all := s.GetAll()
	require.Len(t, all, 1)
	require.Equal(t, tracker.PlayerID(1), all[0].PlayerID)
	require.Nil(t, all[0].Rank)
}

func TestRefreshReplacesSnapshotsWholesale(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{matches: map[tracker.PlayerID]int{1: 5, 2: 6, 3: 7}}
	observer := &recordingObserver{}
	s := newTestStore(t, scraper, NamedObserver{Name: "recorder", Observer: observer})
	for id, name := range map[tracker.PlayerID]string{1: "a", 2: "b", 3: "c"} {
		require.NoError(t, s.Register(id, profile(name)))
	}

	_, err := s.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, s.GetAll(), 3)

	scraper.failing = map[tracker.PlayerID]bool{3: true}
	summary, err := s.Refresh(context.Background())
	require.NoError(t, err)

	ids := []tracker.PlayerID{}
	for _, snap := range s.GetAll() {
		ids = append(ids, snap.PlayerID)
	}
	require.ElementsMatch(t, []tracker.PlayerID{1, 2}, ids)
	_, ok := s.Get(3)
	require.False(t, ok, "failed target's previous snapshot must be dropped")

	require.Equal(t, "cycle-2", summary.CycleID)
	require.Equal(t, 3, summary.Targets)
	require.Equal(t, 2, summary.Succeeded)
	require.Equal(t, 1, summary.Failed)
	require.ErrorIs(t, summary.Failures[0].Err, tracker.ErrTargetRequestTimeout)

	require.Len(t, observer.summaries, 2)
	require.Len(t, observer.snapshots[1], 2)

	reloaded := Load(context.Background(), s.cfg, Deps{})
	require.Len(t, reloaded.GetAll(), 2, "refresh must persist")
}

func TestRefreshEngineFailureKeepsSnapshots(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{matches: map[tracker.PlayerID]int{1: 3}}
	observer := &recordingObserver{}
	s := newTestStore(t, scraper, NamedObserver{Name: "recorder", Observer: observer})
	require.NoError(t, s.Register(1, profile("a")))
	_, err := s.Refresh(context.Background())
	require.NoError(t, err)

	scraper.err = fmt.Errorf("%w: no chrome", tracker.ErrEngineUnavailable)
	_, err = s.Refresh(context.Background())
	require.ErrorIs(t, err, tracker.ErrEngineUnavailable)
	require.Len(t, s.GetAll(), 1)
	require.Len(t, observer.summaries, 1, "observers only run after a completed cycle")
}

func TestRefreshObserverFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{}
	failing := &recordingObserver{err: errors.New("bucket gone")}
	after := &recordingObserver{}
	s := newTestStore(t, scraper,
		NamedObserver{Name: "mirror", Observer: failing},
		NamedObserver{Name: "notify", Observer: after},
	)
	require.NoError(t, s.Register(1, profile("a")))

	_, err := s.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, after.summaries, 1)
}

func TestMostActiveFirstSeenWinsTies(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	_, ok := s.MostActive()
	require.False(t, ok)

	for i, matches := range []int{10, 50, 50, 3} {
		s.snapshots = append(s.snapshots, tracker.StatsSnapshot{
			PlayerID: tracker.PlayerID(i + 1),
			Lifetime: tracker.Lifetime{MatchesPlayed: matches},
		})
	}
	best, ok := s.MostActive()
	require.True(t, ok)
	require.Equal(t, tracker.PlayerID(2), best.PlayerID)
}

func TestLeaderboardOrdering(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	s.snapshots = []tracker.StatsSnapshot{
		{PlayerID: 1, Rank: nil, Lifetime: tracker.Lifetime{Wins: 100}},
		{PlayerID: 2, Rank: &tracker.Rank{League: 2, Division: 1}, Lifetime: tracker.Lifetime{Wins: 5}},
		{PlayerID: 3, Rank: &tracker.Rank{League: 6}},
		{PlayerID: 4, Rank: &tracker.Rank{League: 2, Division: 1}, Lifetime: tracker.Lifetime{Wins: 9}},
	}
	got := []tracker.PlayerID{}
	for _, snap := range s.Leaderboard() {
		got = append(got, snap.PlayerID)
	}
	assert.Equal(t, []tracker.PlayerID{3, 4, 2, 1}, got)
	assert.Equal(t, tracker.PlayerID(1), s.GetAll()[0].PlayerID, "leaderboard must not reorder the store")
}

func TestPersistWithoutPath(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{})
	require.ErrorIs(t, s.Persist(context.Background()), tracker.ErrPersistWrite)
}

func TestPersistLoadBareFilename(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	s := New(Config{Path: "players.json"}, Deps{Logger: zap.NewNop()})
	require.NoError(t, s.Register(1, profile("a")))
	require.NoError(t, s.Persist(context.Background()))

	_, err := os.Stat(filepath.Join(dir, "players.json"))
	require.NoError(t, err)

	loaded := Load(context.Background(), Config{Path: "players.json"}, Deps{Logger: zap.NewNop()})
	require.Equal(t, []tracker.Target{{PlayerID: 1, ProfileURL: profile("a")}}, loaded.Targets())
}

func TestPersistEncodeFailureIsLogged(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.ErrorLevel)
	path := filepath.Join(t.TempDir(), "players.json")
	s := New(Config{Path: path}, Deps{Logger: zap.New(core)})
	require.NoError(t, s.Register(1, profile("a")))
	// encoding/json refuses times past year 9999.
	s.snapshots = []tracker.StatsSnapshot{{PlayerID: 1, ScrapedAt: time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)}}

	err := s.Persist(context.Background())
	require.ErrorIs(t, err, tracker.ErrPersistWrite)
	require.Equal(t, 1, logs.FilterMessage("store file encode failed").Len())

	_, statErr := os.Stat(path)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}
