// Package players owns the registered profiles and their latest stats, the
// JSON file they persist to, and the guard that serializes access to them.
package players

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rematch-tracker/internal/metrics"
	"github.com/rankwatch/rematch-tracker/internal/storage/local"
	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// Config locates the store file and constrains registrations.
type Config struct {
	Path             string
	ProfileURLPrefix string
}

// NamedObserver is a post-refresh hook with a label for logs and metrics.
type NamedObserver struct {
	Name     string
	Observer tracker.RefreshObserver
}

// Deps are the collaborators of a Store. Everything except Scraper is optional.
type Deps struct {
	Scraper   tracker.Scraper
	Clock     tracker.Clock
	IDs       tracker.IDGenerator
	Observers []NamedObserver
	Logger    *zap.Logger
}

type fileBackend interface {
	tracker.BlobStore
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// fileState is the on-disk document.
type fileState struct {
	Targets   []tracker.Target        `json:"targets"`
	Snapshots []tracker.StatsSnapshot `json:"snapshots"`
}

// Store is not safe for concurrent use; wrap it in a Guard.
type Store struct {
	cfg       Config
	files     fileBackend
	object    string
	scraper   tracker.Scraper
	clock     tracker.Clock
	ids       tracker.IDGenerator
	observers []NamedObserver
	logger    *zap.Logger

	targets   []tracker.Target
	snapshots []tracker.StatsSnapshot
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New returns an empty store that persists to cfg.Path.
func New(cfg Config, deps Deps) *Store {
	if cfg.ProfileURLPrefix == "" {
		cfg.ProfileURLPrefix = tracker.DefaultProfileURLPrefix
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Store{
		cfg:       cfg,
		scraper:   deps.Scraper,
		clock:     deps.Clock,
		ids:       deps.IDs,
		observers: deps.Observers,
		logger:    deps.Logger,
		targets:   []tracker.Target{},
		snapshots: []tracker.StatsSnapshot{},
	}
	if cfg.Path != "" {
		files, err := local.New(local.Config{BaseDir: filepath.Dir(cfg.Path)})
		if err != nil {
			s.logger.Error("store directory unusable, changes will not be saved",
				zap.String("path", cfg.Path), zap.Error(err))
		} else {
			s.files = files
			s.object = filepath.Base(cfg.Path)
		}
	}
	return s
}

// Load builds a store from the file at cfg.Path. A missing file yields an
// empty store. An unreadable or malformed file is logged and also yields an
// empty store; startup never fails on the store file.
func Load(ctx context.Context, cfg Config, deps Deps) *Store {
	s := New(cfg, deps)
	if s.files == nil {
		return s
	}
	data, err := s.files.GetObject(ctx, s.object)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no store file yet, starting empty", zap.String("path", cfg.Path))
		return s
	}
	if err != nil {
		s.logger.Error("store file unreadable, starting empty",
			zap.String("path", cfg.Path), zap.Error(fmt.Errorf("%w: %w", tracker.ErrPersistRead, err)))
		return s
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Error("store file malformed, starting empty",
			zap.String("path", cfg.Path), zap.Error(fmt.Errorf("%w: %w", tracker.ErrPersistRead, err)))
		return s
	}
	s.restore(state)
	s.logger.Info("store loaded",
		zap.String("path", cfg.Path),
		zap.Int("targets", len(s.targets)),
		zap.Int("snapshots", len(s.snapshots)),
	)
	metrics.SetTrackedPlayers(len(s.targets))
	return s
}

// restore applies a decoded file, dropping duplicate targets and snapshots
// of players who are not registered.
func (s *Store) restore(state fileState) {
	seen := make(map[tracker.PlayerID]int, len(state.Targets))
	for _, t := range state.Targets {
		if i, ok := seen[t.PlayerID]; ok {
			s.targets[i] = t
			continue
		}
		seen[t.PlayerID] = len(s.targets)
		s.targets = append(s.targets, t)
	}
	taken := make(map[tracker.PlayerID]bool, len(state.Snapshots))
	for _, snap := range state.Snapshots {
		if _, ok := seen[snap.PlayerID]; !ok || taken[snap.PlayerID] {
			s.logger.Warn("dropping orphan snapshot", zap.Stringer("player_id", snap.PlayerID))
			continue
		}
		taken[snap.PlayerID] = true
		s.snapshots = append(s.snapshots, snap)
	}
}

// Register adds a target or overwrites the URL of an existing one in place.
// An invalid URL leaves the store untouched.
func (s *Store) Register(id tracker.PlayerID, profileURL string) error {
	if err := tracker.ValidateProfileURL(profileURL, s.cfg.ProfileURLPrefix); err != nil {
		return err
	}
	for i := range s.targets {
		if s.targets[i].PlayerID == id {
			s.targets[i].ProfileURL = profileURL
			s.logger.Info("player re-registered", zap.Stringer("player_id", id), zap.String("url", profileURL))
			return nil
		}
	}
	s.targets = append(s.targets, tracker.Target{PlayerID: id, ProfileURL: profileURL})
	s.logger.Info("player registered", zap.Stringer("player_id", id), zap.String("url", profileURL))
	metrics.SetTrackedPlayers(len(s.targets))
	return nil
}

// Persist writes the store file. Failures are logged and returned; callers
// may ignore them.
func (s *Store) Persist(ctx context.Context) error {
	if s.files == nil {
		return fmt.Errorf("%w: no store file configured", tracker.ErrPersistWrite)
	}
	data, err := json.MarshalIndent(fileState{Targets: s.targets, Snapshots: s.snapshots}, "", "  ")
	if err != nil {
		return s.persistFailed("store file encode failed", fmt.Errorf("%w: encode: %w", tracker.ErrPersistWrite, err))
	}
	if _, err := s.files.PutObject(ctx, s.object, "application/json", bytes.NewReader(data)); err != nil {
		return s.persistFailed("store file write failed", fmt.Errorf("%w: %w", tracker.ErrPersistWrite, err))
	}
	return nil
}

func (s *Store) persistFailed(msg string, err error) error {
	metrics.ObservePersistFailure()
	s.logger.Error(msg, zap.String("path", s.cfg.Path), zap.Error(err))
	return err
}

// Refresh scrapes every target, replaces all snapshots with the results,
// persists, then notifies observers. Players whose scrape failed have no
// snapshot afterwards. An error is returned only when no cycle ran.
func (s *Store) Refresh(ctx context.Context) (tracker.RefreshSummary, error) {
	summary := tracker.RefreshSummary{
		StartedAt: s.clock.Now(),
		Targets:   len(s.targets),
	}
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			s.logger.Warn("cycle id generation failed", zap.Error(err))
		}
		summary.CycleID = id
	}
	if s.scraper == nil {
		return summary, fmt.Errorf("%w: no scraper configured", tracker.ErrEngineUnavailable)
	}
	logger := s.logger.With(zap.String("cycle_id", summary.CycleID))
	logger.Info("refresh started", zap.Int("targets", summary.Targets))

	targets := s.Targets()
	result, err := s.scraper.RefreshAll(ctx, targets)
	summary.Duration = s.clock.Now().Sub(summary.StartedAt)
	if err != nil {
		metrics.ObserveRefresh("failed", summary.Duration)
		logger.Error("refresh aborted, keeping previous snapshots", zap.Error(err))
		return summary, err
	}

	s.snapshots = s.registeredOnly(result.Snapshots)
	summary.Succeeded = len(s.snapshots)
	summary.Failed = len(result.Failures)
	summary.Failures = result.Failures
	metrics.ObserveRefresh("ok", summary.Duration)
	logger.Info("refresh finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)

	_ = s.Persist(ctx)
	s.notify(ctx, summary, logger)
	return summary, nil
}

func (s *Store) registeredOnly(snaps []tracker.StatsSnapshot) []tracker.StatsSnapshot {
	out := make([]tracker.StatsSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		if s.indexOf(snap.PlayerID) >= 0 {
			out = append(out, snap)
		}
	}
	return out
}

func (s *Store) notify(ctx context.Context, summary tracker.RefreshSummary, logger *zap.Logger) {
	snaps := s.GetAll()
	for _, o := range s.observers {
		if o.Observer == nil {
			continue
		}
		if err := o.Observer.ObserveRefresh(ctx, summary, snaps); err != nil {
			metrics.ObserveObserverFailure(o.Name)
			logger.Warn("refresh observer failed", zap.String("observer", o.Name), zap.Error(err))
		}
	}
}

func (s *Store) indexOf(id tracker.PlayerID) int {
	for i := range s.targets {
		if s.targets[i].PlayerID == id {
			return i
		}
	}
	return -1
}

// Get returns the snapshot of one player.
func (s *Store) Get(id tracker.PlayerID) (tracker.StatsSnapshot, bool) {
	for _, snap := range s.snapshots {
		if snap.PlayerID == id {
			return snap, true
		}
	}
	return tracker.StatsSnapshot{}, false
}

// GetAll returns a copy of every snapshot in registration order of the last refresh.
func (s *Store) GetAll() []tracker.StatsSnapshot {
	out := make([]tracker.StatsSnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// Targets returns a copy of the registrations in insertion order.
func (s *Store) Targets() []tracker.Target {
	out := make([]tracker.Target, len(s.targets))
	copy(out, s.targets)
	return out
}

// Target returns the registration of one player.
func (s *Store) Target(id tracker.PlayerID) (tracker.Target, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.targets[i], true
	}
	return tracker.Target{}, false
}

// Player returns the registration of one player and its snapshot, which is
// nil when the last refresh produced none.
func (s *Store) Player(id tracker.PlayerID) (tracker.Target, *tracker.StatsSnapshot, bool) {
	target, ok := s.Target(id)
	if !ok {
		return tracker.Target{}, nil, false
	}
	snap, ok := s.Get(id)
	if !ok {
		return target, nil, true
	}
	return target, &snap, true
}

// MostActive returns the snapshot with the most lifetime matches. The first
// snapshot wins ties.
func (s *Store) MostActive() (tracker.StatsSnapshot, bool) {
	if len(s.snapshots) == 0 {
		return tracker.StatsSnapshot{}, false
	}
	best := s.snapshots[0]
	for _, snap := range s.snapshots[1:] {
		if snap.Lifetime.MatchesPlayed > best.Lifetime.MatchesPlayed {
			best = snap
		}
	}
	return best, true
}

// Leaderboard returns snapshots ordered by rank, then wins, highest first.
// Unranked players sort last; equal entries keep store order.
func (s *Store) Leaderboard() []tracker.StatsSnapshot {
	out := s.GetAll()
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Rank.Score(), out[j].Rank.Score()
		if si != sj {
			return si > sj
		}
		return out[i].Lifetime.Wins > out[j].Lifetime.Wins
	})
	return out
}
