// Package postgres keeps a history of refresh cycle snapshots in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "player_snapshots"

// HistoryStoreConfig controls the Postgres connection pool used for snapshot rows.
type HistoryStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// HistoryStore appends one row per snapshot per refresh cycle. It implements
// tracker.RefreshObserver.
type HistoryStore struct {
	pool  querier
	table string
}

var _ tracker.RefreshObserver = (*HistoryStore)(nil)

// HistoryEntry is one stored snapshot with the cycle that produced it.
type HistoryEntry struct {
	CycleID  string                `json:"cycle_id"`
	Snapshot tracker.StatsSnapshot `json:"snapshot"`
}

// NewHistoryStore connects to Postgres using the provided config.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &HistoryStore{pool: pool, table: table}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(pool querier, table string) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the history table and its lookup index if missing.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	cycle_id       TEXT        NOT NULL,
	player_id      BIGINT      NOT NULL,
	display_name   TEXT        NOT NULL,
	level          INTEGER     NOT NULL,
	league         INTEGER,
	division       INTEGER,
	matches_played INTEGER     NOT NULL,
	wins           INTEGER     NOT NULL,
	scraped_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (cycle_id, player_id)
);
CREATE INDEX IF NOT EXISTS %[1]s_player_scraped_idx ON %[1]s (player_id, scraped_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

// ObserveRefresh inserts every snapshot of the cycle in one transaction.
func (s *HistoryStore) ObserveRefresh(ctx context.Context, summary tracker.RefreshSummary, snapshots []tracker.StatsSnapshot) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store is not configured")
	}
	if len(snapshots) == 0 {
		return nil
	}
	if summary.CycleID == "" {
		return fmt.Errorf("cycle id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	cycle_id,
	player_id,
	display_name,
	level,
	league,
	division,
	matches_played,
	wins,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (cycle_id, player_id) DO NOTHING`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	for _, snap := range snapshots {
		playerID, err := columnID(snap.PlayerID)
		if err != nil {
			return errors.Join(err, rollback(ctx, tx))
		}
		league, division := rankColumns(snap.Rank)
		args := []any{
			summary.CycleID,
			playerID,
			snap.DisplayName,
			int32(snap.Level),
			league,
			division,
			int32(snap.Lifetime.MatchesPlayed),
			int32(snap.Lifetime.Wins),
			snap.ScrapedAt,
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return errors.Join(
				fmt.Errorf("insert snapshot for %s: %w", snap.PlayerID, err),
				rollback(ctx, tx),
			)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

// History returns the most recent snapshots of one player, newest first.
func (s *HistoryStore) History(ctx context.Context, id tracker.PlayerID, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	playerID, err := columnID(id)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT cycle_id, player_id, display_name, level, league, division, matches_played, wins, scraped_at
FROM %s
WHERE player_id = $1
ORDER BY scraped_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			entry                HistoryEntry
			playerID             int64
			level, matches, wins int32
			league, division     *int32
		)
		if err := rows.Scan(
			&entry.CycleID,
			&playerID,
			&entry.Snapshot.DisplayName,
			&level,
			&league,
			&division,
			&matches,
			&wins,
			&entry.Snapshot.ScrapedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entry.Snapshot.PlayerID = tracker.PlayerID(playerID)
		entry.Snapshot.Level = int(level)
		entry.Snapshot.Lifetime = tracker.Lifetime{MatchesPlayed: int(matches), Wins: int(wins)}
		if league != nil && division != nil {
			entry.Snapshot.Rank = &tracker.Rank{League: int(*league), Division: int(*division)}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// columnID maps a PlayerID onto the signed BIGINT column.
func columnID(id tracker.PlayerID) (int64, error) {
	if uint64(id) > math.MaxInt64 {
		return 0, fmt.Errorf("player id %s does not fit a BIGINT column", id)
	}
	return int64(id), nil
}

func rankColumns(r *tracker.Rank) (league, division *int32) {
	if r == nil {
		return nil, nil
	}
	l, d := int32(r.League), int32(r.Division)
	return &l, &d
}

func rollback(ctx context.Context, tx pgx.Tx) error {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback history tx: %w", err)
	}
	return nil
}
