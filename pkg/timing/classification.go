// Package timing owns the session registry and the provisional
// classification each session publishes while the feed is live.
//
// The write path is the single feed goroutine; the read path is every
// UI/API caller. The current classification is published behind an
// atomically swapped pointer so readers always observe a complete,
// consistent ranking and never a mid-update view.
package timing

import (
	"time"
)

// Basis distinguishes the continuously updated live view from the
// immutable published checkpoints derived from it.
type Basis string

const (
	BasisProvisional Basis = "provisional"
	BasisOfficial    Basis = "official"
)

// RankingMode selects how a session orders its classification.
type RankingMode uint8

const (
	// RankByTime derives the order from lap data: total laps
	// descending, best lap ascending.
	RankByTime RankingMode = iota + 1
	// RankByFeed trusts the feed-reported on-track order.
	RankByFeed
)

// String implements fmt.Stringer.
func (m RankingMode) String() string {
	switch m {
	case RankByTime:
		return "time"
	case RankByFeed:
		return "feed"
	default:
		return "unknown"
	}
}

// ParseRankingMode maps the config spelling to a RankingMode.
func ParseRankingMode(s string) (RankingMode, bool) {
	switch s {
	case "time", "time-derived", "":
		return RankByTime, true
	case "feed", "feed-reported":
		return RankByFeed, true
	}
	return 0, false
}

// SessionState is the lifecycle of a timed segment.
type SessionState uint8

const (
	StateIdle SessionState = iota
	StateLive
	StateEnded
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLive:
		return "live"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// SessionType is the coarse category of a session; it drives which
// points scale applies and whether position penalties shift the order.
type SessionType string

const (
	TypePractice   SessionType = "Practice"
	TypeQualifying SessionType = "Qualifying"
	TypeHeat       SessionType = "Heat"
	TypePrefinal   SessionType = "Prefinal"
	TypeFinal      SessionType = "Final"
)

// IsRace reports whether finishing order, not best lap, is the scored
// quantity for this session type.
func (t SessionType) IsRace() bool {
	switch t {
	case TypeHeat, TypePrefinal, TypeFinal:
		return true
	}
	return false
}

// CompetitorID is the session-scoped competitor key: the kart number
// painted on the bodywork, which is what the feed and the stewards use.
type CompetitorID string

// Competitor is the immutable identity of an entrant as observed from
// the feed. Competitors never hold back-references to sessions.
type Competitor struct {
	Number      CompetitorID `json:"number"`
	FirstName   string       `json:"first_name"`
	LastName    string       `json:"last_name"`
	Team        string       `json:"team,omitempty"`
	Chassis     string       `json:"chassis,omitempty"`
	Transponder string       `json:"transponder,omitempty"`
	Active      bool         `json:"active"`
}

// DisplayName renders "First Last", falling back to the kart number.
func (c Competitor) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.LastName != "":
		return c.LastName
	case c.FirstName != "":
		return c.FirstName
	}
	return "#" + string(c.Number)
}

// LapRecord is one completed lap. The lap log is append-only: a lap is
// never overwritten, only excluded later by an invalidate-lap penalty
// replayed from the ledger.
type LapRecord struct {
	Competitor CompetitorID  `json:"competitor"`
	Lap        int           `json:"lap"`
	Time       time.Duration `json:"time"`
	Timestamp  time.Time     `json:"timestamp"`
	Valid      bool          `json:"valid"`
}

// Row is one ranked line of a classification.
type Row struct {
	Competitor CompetitorID  `json:"competitor"`
	Position   int           `json:"position"`
	BestLap    time.Duration `json:"best_lap"`
	LastLap    time.Duration `json:"last_lap"`
	TotalLaps  int           `json:"total_laps"`
	// Gap is the distance to the leader on the best-lap basis,
	// clamped at zero; zero also when either best lap is missing.
	Gap time.Duration `json:"gap"`
}

// Classification is an immutable ranked view of a session. Instances
// handed out by Session.Current must never be mutated; build a new one.
type Classification struct {
	Session   string       `json:"session"`
	Basis     Basis        `json:"basis"`
	Mode      RankingMode  `json:"-"`
	State     SessionState `json:"-"`
	Rows      []Row        `json:"rows"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RowFor returns the row for the given competitor, if ranked.
func (c *Classification) RowFor(id CompetitorID) (Row, bool) {
	for _, r := range c.Rows {
		if r.Competitor == id {
			return r, true
		}
	}
	return Row{}, false
}
