package tracker

import (
	"fmt"
	"strings"
)

// DefaultProfileURLPrefix is the only accepted prefix for registered profiles.
const DefaultProfileURLPrefix = "https://u.gg/rematch/profile/"

var leagueNames = []string{
	"Bronze",
	"Silver",
	"Gold",
	"Platinum",
	"Diamond",
	"Master",
	"Elite",
}

var divisionNames = []string{"I", "II", "III", "IV"}

// LeagueName returns the display name of a league index.
func LeagueName(league int) string {
	if league < 0 || league >= len(leagueNames) {
		return fmt.Sprintf("League %d", league)
	}
	return leagueNames[league]
}

// String renders a rank like "Gold II". Elite has no divisions.
func (r *Rank) String() string {
	if r == nil {
		return "Unranked"
	}
	name := LeagueName(r.League)
	if r.League < 0 || r.League >= len(leagueNames)-1 {
		return name
	}
	if r.Division < 0 || r.Division >= len(divisionNames) {
		return fmt.Sprintf("%s %d", name, r.Division+1)
	}
	return name + " " + divisionNames[r.Division]
}

// Score orders ranks for leaderboards; unranked sorts below everything.
func (r *Rank) Score() int {
	if r == nil {
		return -1
	}
	return r.League*len(divisionNames) + r.Division
}

// ValidateProfileURL checks that rawURL starts with prefix.
func ValidateProfileURL(rawURL, prefix string) error {
	if prefix == "" {
		prefix = DefaultProfileURLPrefix
	}
	if !strings.HasPrefix(rawURL, prefix) {
		return &InvalidURLError{
			URL:     rawURL,
			Message: fmt.Sprintf("the url must look like %s<platform>/<name>/<id>", prefix),
		}
	}
	return nil
}
