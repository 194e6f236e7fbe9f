// Package tracker defines the core types shared by the scraper, the player
// store and the front ends of the rematch tracker.
package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PlayerID is the chat identity a profile is registered under.
// It is serialized as a JSON string so 64-bit values survive JavaScript clients.
type PlayerID uint64

// ParsePlayerID parses a decimal player identity.
func ParsePlayerID(raw string) (PlayerID, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse player id %q: %w", raw, err)
	}
	return PlayerID(v), nil
}

// String returns the decimal form of the identity.
func (id PlayerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// MarshalJSON encodes the identity as a quoted decimal string.
func (id PlayerID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

// UnmarshalJSON accepts both quoted and bare decimal identities.
func (id *PlayerID) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := ParsePlayerID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Target is a registered profile to scrape, keyed by PlayerID.
type Target struct {
	PlayerID   PlayerID `json:"player_id"`
	ProfileURL string   `json:"profile_url"`
}

// Rank is a ranked placement. A nil *Rank means the player is unranked.
type Rank struct {
	League   int `json:"league"`
	Division int `json:"division"`
}

// Lifetime aggregates counts over every match the player has played.
type Lifetime struct {
	MatchesPlayed int `json:"matches_played"`
	Wins          int `json:"wins"`
}

// StatsSnapshot is the last successfully scraped state of a Target.
type StatsSnapshot struct {
	PlayerID    PlayerID  `json:"player_id"`
	DisplayName string    `json:"display_name"`
	Level       int       `json:"level"`
	Rank        *Rank     `json:"rank"`
	Lifetime    Lifetime  `json:"lifetime"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// Ranked reports whether the snapshot carries a rank.
func (s StatsSnapshot) Ranked() bool {
	return s.Rank != nil
}

// RequestStartedEvent is emitted when the page issues a network request.
type RequestStartedEvent struct {
	ID     string
	Method string
	URL    string
}

// RequestFinishedEvent is emitted when a network exchange completes loading.
type RequestFinishedEvent struct {
	ID string
}

// TargetFailure records why one target was excluded from a refresh cycle.
type TargetFailure struct {
	PlayerID   PlayerID `json:"player_id"`
	ProfileURL string   `json:"profile_url"`
	Err        error    `json:"-"`
}

// MarshalJSON renders the failure with its error text.
func (f TargetFailure) MarshalJSON() ([]byte, error) {
	type alias TargetFailure
	errText := ""
	if f.Err != nil {
		errText = f.Err.Error()
	}
	out, err := json.Marshal(struct {
		alias
		Error string `json:"error"`
	}{alias: alias(f), Error: errText})
	if err != nil {
		return nil, fmt.Errorf("marshal target failure: %w", err)
	}
	return out, nil
}

// RefreshResult is what one orchestrator pass produced.
type RefreshResult struct {
	Snapshots []StatsSnapshot
	Failures  []TargetFailure
}

// RefreshSummary describes a completed refresh cycle.
type RefreshSummary struct {
	CycleID   string          `json:"cycle_id"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Targets   int             `json:"targets"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Failures  []TargetFailure `json:"failures,omitempty"`
}
