package timing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)

func at(secs int) time.Time { return t0.Add(time.Duration(secs) * time.Second) }

func newTimeSession(t *testing.T) *Session {
	t.Helper()
	reg := NewRegistry()
	return reg.GetOrCreate("X30 Senior/Heat 1", "Heat 1", TypeHeat)
}

func TestSessionRanksByLapsThenBestLap(t *testing.T) {
	s := newTimeSession(t)

	// A: 3 laps, best 45.1 — B: 3 laps, best 44.9 — C: 2 laps, best 44.0
	s.RecordLap("A", 1, 46*time.Second, at(1))
	s.RecordLap("B", 1, 45500*time.Millisecond, at(2))
	s.RecordLap("C", 1, 44*time.Second, at(3))
	s.RecordLap("A", 2, 45100*time.Millisecond, at(4))
	s.RecordLap("B", 2, 44900*time.Millisecond, at(5))
	s.RecordLap("C", 2, 45*time.Second, at(6))
	s.RecordLap("A", 3, 46*time.Second, at(7))
	s.RecordLap("B", 3, 46*time.Second, at(8))

	c := s.Current()
	require.Len(t, c.Rows, 3)

	// B and A on 3 laps, B has the better best lap; C has the best lap
	// of all but a lap down
	assert.Equal(t, CompetitorID("B"), c.Rows[0].Competitor)
	assert.Equal(t, CompetitorID("A"), c.Rows[1].Competitor)
	assert.Equal(t, CompetitorID("C"), c.Rows[2].Competitor)

	for i, row := range c.Rows {
		assert.Equal(t, i+1, row.Position)
	}
	assert.Equal(t, 44900*time.Millisecond, c.Rows[0].BestLap)
	assert.Equal(t, time.Duration(0), c.Rows[0].Gap)
	assert.Equal(t, 200*time.Millisecond, c.Rows[1].Gap)
}

func TestSessionEqualLapsAndBestTieBreaksByEarliestAdvance(t *testing.T) {
	s := newTimeSession(t)

	// identical lap counts and best laps; A reached lap 2 first
	s.RecordLap("A", 1, 45*time.Second, at(1))
	s.RecordLap("B", 1, 45*time.Second, at(2))
	s.RecordLap("A", 2, 45*time.Second, at(3))
	s.RecordLap("B", 2, 45*time.Second, at(4))

	c := s.Current()
	require.Len(t, c.Rows, 2)
	assert.Equal(t, CompetitorID("A"), c.Rows[0].Competitor)
	assert.Equal(t, CompetitorID("B"), c.Rows[1].Competitor)
}

func TestSessionNoDuplicatePositions(t *testing.T) {
	s := newTimeSession(t)
	ids := []CompetitorID{"1", "2", "3", "4", "5", "6", "7", "8"}
	for lap := 1; lap <= 5; lap++ {
		for i, id := range ids {
			s.RecordLap(id, lap, time.Duration(45000+i*37)*time.Millisecond, at(lap*10+i))
		}
	}

	c := s.Current()
	require.Len(t, c.Rows, len(ids))
	seen := make(map[int]bool)
	for _, row := range c.Rows {
		assert.False(t, seen[row.Position], "duplicate position %d", row.Position)
		seen[row.Position] = true
	}
	for p := 1; p <= len(ids); p++ {
		assert.True(t, seen[p], "missing position %d", p)
	}
}

func TestSessionFeedReportedMode(t *testing.T) {
	reg := NewRegistry(WithDefaultRankingMode(RankByFeed))
	s := reg.GetOrCreate("X30 Senior/Heat 1", "Heat 1", TypeHeat)

	// feed says B leads A despite A's faster lap
	s.RecordLap("A", 1, 44*time.Second, at(1))
	s.RecordLap("B", 1, 46*time.Second, at(2))
	s.SetFeedPosition("B", 1, at(3))
	s.SetFeedPosition("A", 2, at(4))

	c := s.Current()
	require.Len(t, c.Rows, 2)
	assert.Equal(t, CompetitorID("B"), c.Rows[0].Competitor)
	assert.Equal(t, CompetitorID("A"), c.Rows[1].Competitor)

	// a position update moves the competitor, not duplicates it
	s.SetFeedPosition("A", 1, at(5))
	c = s.Current()
	require.Len(t, c.Rows, 2)
	assert.Equal(t, CompetitorID("A"), c.Rows[0].Competitor)
	assert.Equal(t, CompetitorID("B"), c.Rows[1].Competitor)
}

func TestSessionStateTransitions(t *testing.T) {
	s := newTimeSession(t)
	assert.Equal(t, StateIdle, s.State())
	s.SetState(StateLive)
	assert.Equal(t, StateLive, s.State())
	s.SetState(StateEnded)
	assert.Equal(t, StateEnded, s.State())
}

func TestSessionCompetitorIdentityMerges(t *testing.T) {
	s := newTimeSession(t)
	s.RegisterCompetitor(Competitor{Number: "541", FirstName: "Ryan", Active: true})
	// later record carries the last name but a blank first name
	s.RegisterCompetitor(Competitor{Number: "541", LastName: "Norberg", Active: true})

	comps := s.Competitors()
	require.Len(t, comps, 1)
	assert.Equal(t, "Ryan", comps[0].FirstName)
	assert.Equal(t, "Norberg", comps[0].LastName)
	assert.Equal(t, "Ryan Norberg", comps[0].DisplayName())
}

func TestSessionLapsAppendOnly(t *testing.T) {
	s := newTimeSession(t)
	s.RecordLap("A", 1, 45*time.Second, at(1))
	s.RecordLap("A", 2, 44*time.Second, at(2))

	laps := s.Laps()
	require.Len(t, laps, 2)
	assert.Equal(t, 1, laps[0].Lap)
	assert.Equal(t, 2, laps[1].Lap)
	assert.True(t, laps[0].Valid)

	// mutating the copy must not affect the session's log
	laps[0].Valid = false
	assert.True(t, s.Laps()[0].Valid)
}

func TestSessionConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	s := newTimeSession(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// many readers assert every observed classification is internally
	// consistent while the writer keeps updating
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c := s.Current()
				for i, row := range c.Rows {
					if row.Position != i+1 {
						t.Errorf("torn read: row %d has position %d", i, row.Position)
						return
					}
				}
			}
		}()
	}

	for lap := 1; lap <= 50; lap++ {
		for i, id := range []CompetitorID{"A", "B", "C", "D"} {
			s.RecordLap(id, lap, time.Duration(45000+i*13+lap)*time.Millisecond, at(lap*10+i))
		}
	}
	close(stop)
	wg.Wait()

	c := s.Current()
	require.Len(t, c.Rows, 4)
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	a := reg.GetOrCreate("k", "Heat 1", TypeHeat)
	b := reg.GetOrCreate("k", "Heat 1", TypeHeat)
	assert.Same(t, a, b)

	got, err := reg.Get("k")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)

	assert.Equal(t, []string{"k"}, reg.Keys())
}

func TestParseRankingMode(t *testing.T) {
	m, ok := ParseRankingMode("time")
	assert.True(t, ok)
	assert.Equal(t, RankByTime, m)

	m, ok = ParseRankingMode("feed-reported")
	assert.True(t, ok)
	assert.Equal(t, RankByFeed, m)

	_, ok = ParseRankingMode("vibes")
	assert.False(t, ok)
}
