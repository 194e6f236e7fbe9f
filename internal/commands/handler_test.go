package commands

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

type replies struct {
	texts []string
	err   error
}

func (r *replies) Reply(_ context.Context, text string) error {
	r.texts = append(r.texts, text)
	return r.err
}

type fakeStore struct {
	registered map[tracker.PlayerID]string
	snaps      map[tracker.PlayerID]tracker.StatsSnapshot
	board      []tracker.StatsSnapshot
	summary    tracker.RefreshSummary
	refreshErr error
	refreshes  int
	getErr     error
}

func (f *fakeStore) Register(_ context.Context, id tracker.PlayerID, url string) error {
	if err := tracker.ValidateProfileURL(url, ""); err != nil {
		return err
	}
	if f.registered == nil {
		f.registered = map[tracker.PlayerID]string{}
	}
	f.registered[id] = url
	return nil
}

func (f *fakeStore) Refresh(context.Context) (tracker.RefreshSummary, error) {
	f.refreshes++
	return f.summary, f.refreshErr
}

func (f *fakeStore) Get(_ context.Context, id tracker.PlayerID) (tracker.StatsSnapshot, bool, error) {
	if f.getErr != nil {
		return tracker.StatsSnapshot{}, false, f.getErr
	}
	s, ok := f.snaps[id]
	return s, ok, nil
}

func (f *fakeStore) Leaderboard(context.Context) ([]tracker.StatsSnapshot, error) {
	return f.board, nil
}

var alice = User{ID: 428258972156559362, Name: "alice"}

func TestRegister(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	h := New(store, nil)
	r := &replies{}

	url := tracker.DefaultProfileURLPrefix + "steam/alice/1"
	err := h.Handle(context.Background(), Invocation{
		Command: CommandRegister,
		Author:  alice,
		Options: map[string]string{OptionProfileURL: "  " + url + " "},
	}, r)
	require.NoError(t, err)
	require.Equal(t, url, store.registered[alice.ID])
	require.Equal(t, []string{"Alright alice, your u.gg page is registered!"}, r.texts)
}

func TestRegisterInvalidURLIsAnswered(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	r := &replies{}
	err := New(store, nil).Handle(context.Background(), Invocation{
		Command: CommandRegister,
		Author:  alice,
		Options: map[string]string{OptionProfileURL: "https://example.com/me"},
	}, r)
	require.NoError(t, err)
	require.Empty(t, store.registered)
	require.Len(t, r.texts, 1)
	require.Contains(t, r.texts[0], "Try again alice, the url must look like "+tracker.DefaultProfileURLPrefix)
}

func TestRefreshAcknowledgesThenSummarizes(t *testing.T) {
	t.Parallel()

	store := &fakeStore{summary: tracker.RefreshSummary{Targets: 3, Succeeded: 2, Failed: 1}}
	r := &replies{}
	require.NoError(t, New(store, nil).Handle(context.Background(), Invocation{Command: CommandRefresh, Author: alice}, r))
	require.Equal(t, 1, store.refreshes)
	require.Len(t, r.texts, 2)
	require.Contains(t, r.texts[0], "Starting the scrape")
	require.Equal(t, "Scrape done: 2 of 3 profiles up to date.", r.texts[1])
}

func TestRefreshFailureIsAnswered(t *testing.T) {
	t.Parallel()

	store := &fakeStore{refreshErr: tracker.ErrEngineUnavailable}
	r := &replies{}
	require.NoError(t, New(store, nil).Handle(context.Background(), Invocation{Command: CommandRefresh, Author: alice}, r))
	require.Len(t, r.texts, 2)
	require.Contains(t, r.texts[1], "could not run")
}

func TestRefreshStopsWhenAckFails(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	r := &replies{err: errors.New("channel gone")}
	err := New(store, nil).Handle(context.Background(), Invocation{Command: CommandRefresh, Author: alice}, r)
	require.ErrorContains(t, err, "channel gone")
	require.Zero(t, store.refreshes)
}

func TestStat(t *testing.T) {
	t.Parallel()

	bob := User{ID: 2, Name: "bob"}
	store := &fakeStore{snaps: map[tracker.PlayerID]tracker.StatsSnapshot{
		alice.ID: {PlayerID: alice.ID, DisplayName: "La mésange", Rank: &tracker.Rank{League: 2, Division: 1}},
		bob.ID:   {PlayerID: bob.ID, DisplayName: "bobby"},
	}}
	h := New(store, nil)

	tests := []struct {
		name    string
		subject *User
		want    string
	}{
		{"self", nil, "**Alice** also known as **La mésange** is ranked **Gold II**"},
		{"other unranked", &bob, "**Bob** also known as **bobby** is ranked **Unranked**"},
		{"unregistered", &User{ID: 3, Name: "carol"}, "carol is not registered, use the /register command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &replies{}
			require.NoError(t, h.Handle(context.Background(), Invocation{Command: CommandStat, Author: alice, Subject: tt.subject}, r))
			require.Equal(t, []string{tt.want}, r.texts)
		})
	}
}

func TestStatStoreError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{getErr: context.DeadlineExceeded}
	err := New(store, nil).Handle(context.Background(), Invocation{Command: CommandStat, Author: alice}, &replies{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLeaderboard(t *testing.T) {
	t.Parallel()

	store := &fakeStore{board: []tracker.StatsSnapshot{
		{DisplayName: "top", Rank: &tracker.Rank{League: 6}, Lifetime: tracker.Lifetime{MatchesPlayed: 300, Wins: 200}},
		{DisplayName: "mid", Rank: &tracker.Rank{League: 1, Division: 3}, Lifetime: tracker.Lifetime{MatchesPlayed: 50, Wins: 20}},
		{DisplayName: "new"},
	}}
	h := New(store, nil)
	h.LeaderboardSize = 2

	r := &replies{}
	require.NoError(t, h.Handle(context.Background(), Invocation{Command: CommandLeaderboard, Author: alice}, r))
	require.Equal(t, []string{
		"**Leaderboard**\n1. **top** Elite (200 wins in 300 matches)\n2. **mid** Silver IV (20 wins in 50 matches)",
	}, r.texts)
}

func TestLeaderboardEmpty(t *testing.T) {
	t.Parallel()

	r := &replies{}
	require.NoError(t, New(&fakeStore{}, nil).Handle(context.Background(), Invocation{Command: CommandLeaderboard}, r))
	require.Contains(t, r.texts[0], "Nobody has stats yet")
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	err := New(&fakeStore{}, nil).Handle(context.Background(), Invocation{Command: "dance"}, &replies{})
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestPrettyName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Émile", PrettyName("émile"))
	require.Equal(t, "Bob", PrettyName("Bob"))
	require.Equal(t, "", PrettyName(""))
}
