package tracker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProfilePayload mirrors the JSON document returned by the profile API.
type ProfilePayload struct {
	Player   *PayloadPlayer   `json:"player"`
	Rank     *PayloadRank     `json:"rank"`
	Lifetime *PayloadLifetime `json:"lifetime"`
}

// PayloadPlayer is the identity block of the profile document.
type PayloadPlayer struct {
	DisplayName string `json:"display_name"`
	Level       int    `json:"level"`
}

// PayloadRank is the ranked block. Unranked players get null, {} or a
// partial object, all of which are treated as "no rank".
type PayloadRank struct {
	CurrentLeague   *int `json:"current_league"`
	CurrentDivision *int `json:"current_division"`
}

// PayloadLifetime carries the aggregate match counts.
type PayloadLifetime struct {
	MatchesPlayed int `json:"matches_played"`
	Wins          int `json:"wins"`
}

// ParsePayload decodes a profile document. Any shape error wraps ErrPayloadMalformed.
func ParsePayload(body []byte) (ProfilePayload, error) {
	var payload ProfilePayload
	if len(bytes.TrimSpace(body)) == 0 {
		return ProfilePayload{}, fmt.Errorf("%w: empty body", ErrPayloadMalformed)
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ProfilePayload{}, fmt.Errorf("%w: %w", ErrPayloadMalformed, err)
	}
	if payload.Player == nil {
		return ProfilePayload{}, fmt.Errorf("%w: missing player object", ErrPayloadMalformed)
	}
	if strings.TrimSpace(payload.Player.DisplayName) == "" {
		return ProfilePayload{}, fmt.Errorf("%w: missing display name", ErrPayloadMalformed)
	}
	return payload, nil
}

// rank converts the ranked block, returning nil for unranked players.
func (p ProfilePayload) rank() *Rank {
	if p.Rank == nil || p.Rank.CurrentLeague == nil || p.Rank.CurrentDivision == nil {
		return nil
	}
	return &Rank{
		League:   *p.Rank.CurrentLeague,
		Division: *p.Rank.CurrentDivision,
	}
}

// Snapshot maps the payload to the stats record stored for a player.
func (p ProfilePayload) Snapshot(id PlayerID, scrapedAt time.Time) StatsSnapshot {
	snap := StatsSnapshot{
		PlayerID:  id,
		Rank:      p.rank(),
		ScrapedAt: scrapedAt,
	}
	if p.Player != nil {
		snap.DisplayName = p.Player.DisplayName
		snap.Level = p.Player.Level
	}
	if p.Lifetime != nil {
		snap.Lifetime = Lifetime{
			MatchesPlayed: p.Lifetime.MatchesPlayed,
			Wins:          p.Lifetime.Wins,
		}
	}
	return snap
}
