// Package orbits decodes the Orbits/MyLaps live timing line protocol
// into typed events.
//
// The upstream feed is a stream of CRLF-delimited CSV records. The first
// field is a tag beginning with '$' that selects the record layout:
//
//	$B    run header (session name)
//	$C    class name
//	$E    track metadata key/value
//	$A    competitor registration (transponder form)
//	$COMP competitor registration (team form)
//	$F    flag / session state
//	$G    on-track position, lap count and last lap
//	$H    best-lap standing
//	$SP   sector passing (last lap only)
//	$SR   race standing with best lap
//	$J    per-competitor lap summary
//
// The decoder holds no results state; it only frames and types the feed.
package orbits

import (
	"strconv"
	"strings"
	"time"
)

// SessionType is the coarse session category inferred from the run name.
type SessionType string

const (
	SessionPractice   SessionType = "Practice"
	SessionQualifying SessionType = "Qualifying"
	SessionHeat       SessionType = "Heat"
	SessionPrefinal   SessionType = "Prefinal"
	SessionFinal      SessionType = "Final"
	SessionUnknown    SessionType = ""
)

// Event is a decoded timing feed record. The concrete types below are
// the only implementations.
type Event interface {
	isEvent()
}

// RunHeader announces the session a subsequent stream of records belongs
// to. Emitted for $B records.
type RunHeader struct {
	Name string
	Type SessionType
}

// ClassHeader carries the class name of the current run ($C).
type ClassHeader struct {
	Name string
}

// TrackInfo carries a single $E metadata pair (TRACKNAME, TRACKLENGTH,
// MEETING, ...).
type TrackInfo struct {
	Key   string
	Value string
}

// CompetitorInfo registers or updates a competitor ($A / $COMP). Fields
// left empty by the feed stay empty; consumers merge, never overwrite
// with blanks.
type CompetitorInfo struct {
	Number      string
	Transponder string
	FirstName   string
	LastName    string
	Chassis     string
	Team        string
	Active      bool
}

// FlagChange carries the track flag from a $F record. The aggregator
// maps flags onto session state.
type FlagChange struct {
	Flag string
}

// Crossing is a $G record: the feed-reported running position of a
// competitor together with its lap count and, when present, the last
// lap time. LastLap is zero when the feed has not yet timed the lap.
type Crossing struct {
	Number   string
	Position int
	Lap      int
	LastLap  time.Duration
}

// LastLapTime is a $H or $SP record carrying only a fresh last-lap time.
type LastLapTime struct {
	Number  string
	LapTime time.Duration
}

// BestLapTime reports a competitor's best lap ($SR and $J records). Lap
// is the lap count at the time of the report when the record carries
// one, otherwise zero.
type BestLapTime struct {
	Number  string
	Lap     int
	BestLap time.Duration
}

func (RunHeader) isEvent()      {}
func (ClassHeader) isEvent()    {}
func (TrackInfo) isEvent()      {}
func (CompetitorInfo) isEvent() {}
func (FlagChange) isEvent()     {}
func (Crossing) isEvent()       {}
func (LastLapTime) isEvent()    {}
func (BestLapTime) isEvent()    {}

// SessionTypeOf maps a free-form run name to a SessionType the way the
// timing crew names runs ("SKUSA Heat 2", "Prefinal B", "Happy Hour").
func SessionTypeOf(name string) SessionType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "qual"):
		return SessionQualifying
	case strings.Contains(n, "heat"):
		return SessionHeat
	case strings.Contains(n, "prefinal"),
		strings.Contains(n, "pre-final"),
		strings.Contains(n, "pre final"):
		return SessionPrefinal
	case strings.Contains(n, "final"):
		return SessionFinal
	case strings.Contains(n, "practice"), strings.Contains(n, "happy hour"):
		return SessionPractice
	}
	return SessionUnknown
}

// noTimeSentinels are the values Orbits emits for "no time recorded".
var noTimeSentinels = map[string]struct{}{
	"":             {},
	"0":            {},
	"00:00.000":    {},
	"00:00:00":     {},
	"00:00:00.000": {},
}

// ParseLapTime decodes an Orbits time string ("45.123", "1:02.345",
// "1:02:03.456") into a duration. The zero duration means no time.
func ParseLapTime(s string) time.Duration {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
	if _, none := noTimeSentinels[s]; none {
		return 0
	}

	parts := strings.Split(s, ":")
	var secs float64
	switch len(parts) {
	case 3:
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		sec, err3 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return 0
		}
		secs = float64(h)*3600 + float64(m)*60 + sec
	case 2:
		m, err1 := strconv.Atoi(parts[0])
		sec, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return 0
		}
		secs = float64(m)*60 + sec
	case 1:
		sec, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0
		}
		secs = sec
	default:
		return 0
	}

	if secs <= 0 {
		return 0
	}
	return time.Duration(secs*1000+0.5) * time.Millisecond
}

// FormatLapTime renders a duration the way Orbits prints it: "45.123"
// under a minute, "1:02.345" above. Zero renders empty.
func FormatLapTime(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	ms := d.Milliseconds()
	if ms < 60_000 {
		return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
	}
	m := ms / 60_000
	rem := float64(ms%60_000) / 1000
	whole := strconv.FormatFloat(rem, 'f', 3, 64)
	if rem < 10 {
		whole = "0" + whole
	}
	return strconv.FormatInt(m, 10) + ":" + whole
}
