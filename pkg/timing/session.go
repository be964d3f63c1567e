package timing

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// competitorState is the mutable per-competitor aggregate the session
// maintains as laps arrive. Protected by Session.mu.
type competitorState struct {
	info Competitor

	totalLaps int
	bestLap   time.Duration // min valid lap time observed
	lastLap   time.Duration
	// reportedBest is the best lap as the feed reports it ($SR/$J);
	// it supplements lap-derived bests when the feed times laps we
	// never saw individually.
	reportedBest time.Duration
	// lastAdvance is when totalLaps last increased; it is the
	// tie-break for equal lap counts and equal best laps.
	lastAdvance time.Time
}

func (cs *competitorState) effectiveBest() time.Duration {
	switch {
	case cs.bestLap == 0:
		return cs.reportedBest
	case cs.reportedBest == 0:
		return cs.bestLap
	case cs.reportedBest < cs.bestLap:
		return cs.reportedBest
	}
	return cs.bestLap
}

// Session is one timed on-track segment. It is created on first feed
// reference and never deleted; state is only appended to.
//
// Concurrency: all mutating methods are called from the single ingest
// path; Current is safe from any goroutine and lock-free. The mutex
// exists for the cold read accessors (Laps, Competitors) which copy
// under it.
type Session struct {
	ID   uuid.UUID
	Key  string
	Name string
	Type SessionType

	mode RankingMode

	mu          sync.RWMutex
	state       SessionState
	competitors map[CompetitorID]*competitorState
	laps        []LapRecord
	feedOrder   []CompetitorID

	current atomic.Pointer[Classification]
}

func newSession(key, name string, typ SessionType, mode RankingMode) *Session {
	s := &Session{
		ID:          uuid.New(),
		Key:         key,
		Name:        name,
		Type:        typ,
		mode:        mode,
		state:       StateIdle,
		competitors: make(map[CompetitorID]*competitorState),
	}
	s.current.Store(&Classification{
		Session:   key,
		Basis:     BasisProvisional,
		Mode:      mode,
		State:     StateIdle,
		UpdatedAt: time.Now().UTC(),
	})
	return s
}

// Mode returns the session's ranking mode, fixed at creation.
func (s *Session) Mode() RankingMode { return s.mode }

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the session lifecycle. State changes never
// trigger a classification recompute.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Current returns the latest provisional classification. The returned
// value is immutable and safe to hold across further feed updates.
func (s *Session) Current() *Classification {
	return s.current.Load()
}

// Competitors returns a copy of the observed competitor set.
func (s *Session) Competitors() []Competitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Competitor, 0, len(s.competitors))
	for _, cs := range s.competitors {
		out = append(out, cs.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// HasCompetitor reports whether the competitor has been observed.
func (s *Session) HasCompetitor(id CompetitorID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.competitors[id]
	return ok
}

// Laps returns a copy of the append-only lap log in arrival order.
func (s *Session) Laps() []LapRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LapRecord, len(s.laps))
	copy(out, s.laps)
	return out
}

// RegisterCompetitor merges competitor identity from the feed. Fields
// already observed are kept when the update carries blanks; identity is
// append-only.
func (s *Session) RegisterCompetitor(info Competitor) {
	s.mu.Lock()
	cs := s.stateFor(info.Number)
	merge := &cs.info
	if info.FirstName != "" {
		merge.FirstName = info.FirstName
	}
	if info.LastName != "" {
		merge.LastName = info.LastName
	}
	if info.Team != "" {
		merge.Team = info.Team
	}
	if info.Chassis != "" {
		merge.Chassis = info.Chassis
	}
	if info.Transponder != "" {
		merge.Transponder = info.Transponder
	}
	merge.Active = info.Active
	s.mu.Unlock()
}

// RecordLap appends one completed lap and re-ranks. The feed sometimes
// skips lap numbers; callers backfill via successive calls so the log
// stays dense per competitor.
func (s *Session) RecordLap(id CompetitorID, lap int, lapTime time.Duration, at time.Time) {
	s.mu.Lock()
	cs := s.stateFor(id)
	s.laps = append(s.laps, LapRecord{
		Competitor: id,
		Lap:        lap,
		Time:       lapTime,
		Timestamp:  at,
		Valid:      true,
	})
	if lap > cs.totalLaps {
		cs.totalLaps = lap
		cs.lastAdvance = at
	}
	if lapTime > 0 {
		cs.lastLap = lapTime
		if cs.bestLap == 0 || lapTime < cs.bestLap {
			cs.bestLap = lapTime
		}
	}
	s.recomputeLocked(at)
	s.mu.Unlock()
}

// ObserveLastLap records a fresh last-lap time without adding a lap.
func (s *Session) ObserveLastLap(id CompetitorID, lapTime time.Duration, at time.Time) {
	if lapTime <= 0 {
		return
	}
	s.mu.Lock()
	cs := s.stateFor(id)
	cs.lastLap = lapTime
	if cs.bestLap == 0 || lapTime < cs.bestLap {
		cs.bestLap = lapTime
	}
	s.recomputeLocked(at)
	s.mu.Unlock()
}

// ObserveBestLap folds in a feed-reported best lap.
func (s *Session) ObserveBestLap(id CompetitorID, best time.Duration, at time.Time) {
	if best <= 0 {
		return
	}
	s.mu.Lock()
	cs := s.stateFor(id)
	if cs.reportedBest == 0 || best < cs.reportedBest {
		cs.reportedBest = best
	}
	s.recomputeLocked(at)
	s.mu.Unlock()
}

// SetFeedPosition places a competitor at a 1-based position in the
// feed-reported running order.
func (s *Session) SetFeedPosition(id CompetitorID, pos int, at time.Time) {
	if pos < 1 {
		return
	}
	s.mu.Lock()
	s.stateFor(id)

	order := s.feedOrder[:0]
	for _, c := range s.feedOrder {
		if c != id {
			order = append(order, c)
		}
	}
	for len(order) < pos-1 {
		order = append(order, "")
	}
	order = append(order, "")
	copy(order[pos:], order[pos-1:])
	order[pos-1] = id
	for len(order) > 0 && order[len(order)-1] == "" {
		order = order[:len(order)-1]
	}
	s.feedOrder = order

	s.recomputeLocked(at)
	s.mu.Unlock()
}

// stateFor returns the competitor state, creating it on first sight.
// Caller holds s.mu.
func (s *Session) stateFor(id CompetitorID) *competitorState {
	cs, ok := s.competitors[id]
	if !ok {
		cs = &competitorState{info: Competitor{Number: id, Active: true}}
		s.competitors[id] = cs
	}
	return cs
}

// recomputeLocked rebuilds the classification and publishes it with a
// single pointer swap. Caller holds s.mu.
func (s *Session) recomputeLocked(at time.Time) {
	var ids []CompetitorID
	switch s.mode {
	case RankByFeed:
		seen := make(map[CompetitorID]struct{}, len(s.feedOrder))
		for _, id := range s.feedOrder {
			if id == "" {
				continue
			}
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
		// competitors the feed never positioned go to the tail,
		// ordered by number for determinism
		var rest []CompetitorID
		for id := range s.competitors {
			if _, ok := seen[id]; !ok {
				rest = append(rest, id)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
		ids = append(ids, rest...)
	default:
		for id := range s.competitors {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return s.lessByTimeLocked(ids[i], ids[j])
		})
	}

	rows := make([]Row, 0, len(ids))
	var leaderBest time.Duration
	for i, id := range ids {
		cs := s.competitors[id]
		best := cs.effectiveBest()
		if i == 0 {
			leaderBest = best
		}
		var gap time.Duration
		if leaderBest > 0 && best > leaderBest {
			gap = best - leaderBest
		}
		rows = append(rows, Row{
			Competitor: id,
			Position:   i + 1,
			BestLap:    best,
			LastLap:    cs.lastLap,
			TotalLaps:  cs.totalLaps,
			Gap:        gap,
		})
	}

	s.current.Store(&Classification{
		Session:   s.Key,
		Basis:     BasisProvisional,
		Mode:      s.mode,
		State:     s.state,
		Rows:      rows,
		UpdatedAt: at.UTC(),
	})
}

// lessByTimeLocked is the time-derived comparator: total laps desc,
// best lap asc (missing best sorts last), earliest lap-count advance,
// then competitor id for a total order. Caller holds s.mu.
func (s *Session) lessByTimeLocked(a, b CompetitorID) bool {
	ca, cb := s.competitors[a], s.competitors[b]
	if ca.totalLaps != cb.totalLaps {
		return ca.totalLaps > cb.totalLaps
	}
	ba, bb := ca.effectiveBest(), cb.effectiveBest()
	if ba != bb {
		if ba == 0 {
			return false
		}
		if bb == 0 {
			return true
		}
		return ba < bb
	}
	if !ca.lastAdvance.Equal(cb.lastAdvance) {
		if ca.lastAdvance.IsZero() {
			return false
		}
		if cb.lastAdvance.IsZero() {
			return true
		}
		return ca.lastAdvance.Before(cb.lastAdvance)
	}
	return a < b
}
