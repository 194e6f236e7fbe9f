package players

import (
	"context"
	"fmt"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// Guard serializes every operation on a Store through a single slot. Reads
// wait for an in-flight refresh instead of seeing a half-replaced snapshot
// set. Front ends hold a *Guard, never the Store.
type Guard struct {
	slot     chan struct{}
	store    *Store
	lifetime context.Context
}

// NewGuard wraps store. Operations that have acquired the slot run under
// lifetime rather than the caller's context: a caller that stops waiting
// does not interrupt a refresh already in progress, but ending lifetime
// (process shutdown) does.
func NewGuard(lifetime context.Context, store *Store) *Guard {
	if lifetime == nil {
		lifetime = context.Background()
	}
	return &Guard{
		slot:     make(chan struct{}, 1),
		store:    store,
		lifetime: lifetime,
	}
}

func (g *Guard) acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("store busy: %w", ctx.Err())
	}
}

func (g *Guard) release() {
	<-g.slot
}

// Register records or overwrites a registration and saves the store file.
// It returns *tracker.InvalidURLError for a rejected URL.
func (g *Guard) Register(ctx context.Context, id tracker.PlayerID, profileURL string) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	if err := g.store.Register(id, profileURL); err != nil {
		return err
	}
	_ = g.store.Persist(g.lifetime)
	return nil
}

// Refresh runs a whole refresh cycle while holding the slot.
func (g *Guard) Refresh(ctx context.Context) (tracker.RefreshSummary, error) {
	if err := g.acquire(ctx); err != nil {
		return tracker.RefreshSummary{}, err
	}
	defer g.release()
	return g.store.Refresh(g.lifetime)
}

// Get returns the latest snapshot of one player.
func (g *Guard) Get(ctx context.Context, id tracker.PlayerID) (tracker.StatsSnapshot, bool, error) {
	if err := g.acquire(ctx); err != nil {
		return tracker.StatsSnapshot{}, false, err
	}
	defer g.release()
	snap, ok := g.store.Get(id)
	return snap, ok, nil
}

// GetAll returns every snapshot.
func (g *Guard) GetAll(ctx context.Context) ([]tracker.StatsSnapshot, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()
	return g.store.GetAll(), nil
}

// MostActive returns the player with the most lifetime matches.
func (g *Guard) MostActive(ctx context.Context) (tracker.StatsSnapshot, bool, error) {
	if err := g.acquire(ctx); err != nil {
		return tracker.StatsSnapshot{}, false, err
	}
	defer g.release()
	snap, ok := g.store.MostActive()
	return snap, ok, nil
}

// Targets returns every registration.
func (g *Guard) Targets(ctx context.Context) ([]tracker.Target, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()
	return g.store.Targets(), nil
}

// Player returns the registration and snapshot of one player, read together.
func (g *Guard) Player(ctx context.Context, id tracker.PlayerID) (tracker.Target, *tracker.StatsSnapshot, bool, error) {
	if err := g.acquire(ctx); err != nil {
		return tracker.Target{}, nil, false, err
	}
	defer g.release()
	t, snap, ok := g.store.Player(id)
	return t, snap, ok, nil
}

// Leaderboard returns snapshots ordered best first.
func (g *Guard) Leaderboard(ctx context.Context) ([]tracker.StatsSnapshot, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()
	return g.store.Leaderboard(), nil
}

// Persist saves the store file.
func (g *Guard) Persist(ctx context.Context) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	defer g.release()
	return g.store.Persist(g.lifetime)
}
