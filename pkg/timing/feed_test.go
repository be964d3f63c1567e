package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/orbits"
)

func newBinder(t *testing.T) (*FeedBinder, *Registry) {
	t.Helper()
	reg := NewRegistry()
	b := NewFeedBinder(reg, nil)
	clock := t0
	b.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return b, reg
}

func TestFeedBinderBindsRunAndClass(t *testing.T) {
	b, reg := newBinder(t)

	b.HandleEvent(orbits.RunHeader{Name: "Heat 2", Type: orbits.SessionHeat})
	b.HandleEvent(orbits.ClassHeader{Name: "X30 Senior"})
	b.HandleEvent(orbits.CompetitorInfo{Number: "541", FirstName: "Ryan", LastName: "Norberg", Active: true})

	sess, err := reg.Get("X30 Senior/Heat 2")
	require.NoError(t, err)
	assert.Equal(t, TypeHeat, sess.Type)
	assert.True(t, sess.HasCompetitor("541"))
}

func TestFeedBinderCrossingRecordsLaps(t *testing.T) {
	b, reg := newBinder(t)
	b.HandleEvent(orbits.RunHeader{Name: "Heat 2", Type: orbits.SessionHeat})
	b.HandleEvent(orbits.ClassHeader{Name: "X30 Senior"})

	b.HandleEvent(orbits.Crossing{Number: "541", Position: 1, Lap: 1, LastLap: 45 * time.Second})
	b.HandleEvent(orbits.Crossing{Number: "541", Position: 1, Lap: 2, LastLap: 44 * time.Second})

	sess, err := reg.Get("X30 Senior/Heat 2")
	require.NoError(t, err)
	laps := sess.Laps()
	require.Len(t, laps, 2)
	assert.Equal(t, 44*time.Second, sess.Current().Rows[0].BestLap)
	assert.Equal(t, 2, sess.Current().Rows[0].TotalLaps)
}

func TestFeedBinderBackfillsSkippedLaps(t *testing.T) {
	b, reg := newBinder(t)
	b.HandleEvent(orbits.RunHeader{Name: "Heat 2", Type: orbits.SessionHeat})

	// the feed jumps from lap 1 to lap 4
	b.HandleEvent(orbits.Crossing{Number: "07", Position: 1, Lap: 1, LastLap: 45 * time.Second})
	b.HandleEvent(orbits.Crossing{Number: "07", Position: 1, Lap: 4, LastLap: 46 * time.Second})

	sess, err := reg.Get("Unknown Class/Heat 2")
	require.NoError(t, err)
	laps := sess.Laps()
	require.Len(t, laps, 4)
	for i, lap := range laps {
		assert.Equal(t, i+1, lap.Lap)
	}
}

func TestFeedBinderRepeatedCrossingDoesNotDuplicate(t *testing.T) {
	b, reg := newBinder(t)
	b.HandleEvent(orbits.RunHeader{Name: "Heat 2", Type: orbits.SessionHeat})

	cross := orbits.Crossing{Number: "07", Position: 1, Lap: 1, LastLap: 45 * time.Second}
	b.HandleEvent(cross)
	b.HandleEvent(cross)

	sess, err := reg.Get("Unknown Class/Heat 2")
	require.NoError(t, err)
	assert.Len(t, sess.Laps(), 1)
}

func TestFeedBinderCrossingWithoutTimeWaitsForIt(t *testing.T) {
	b, reg := newBinder(t)
	b.HandleEvent(orbits.RunHeader{Name: "Heat 2", Type: orbits.SessionHeat})

	// lap count advances before the lap time arrives
	b.HandleEvent(orbits.Crossing{Number: "07", Position: 1, Lap: 1})
	sess, err := reg.Get("Unknown Class/Heat 2")
	require.NoError(t, err)
	assert.Empty(t, sess.Laps())

	// the time lands and the next crossing records the lap
	b.HandleEvent(orbits.LastLapTime{Number: "07", LapTime: 45 * time.Second})
	b.HandleEvent(orbits.Crossing{Number: "07", Position: 1, Lap: 2})
	assert.Len(t, sess.Laps(), 2)
}

func TestFeedBinderFlagDrivesSessionState(t *testing.T) {
	b, reg := newBinder(t)
	b.HandleEvent(orbits.RunHeader{Name: "Heat 2", Type: orbits.SessionHeat})

	b.HandleEvent(orbits.FlagChange{Flag: "Green"})
	sess, err := reg.Get("Unknown Class/Heat 2")
	require.NoError(t, err)
	assert.Equal(t, StateLive, sess.State())

	b.HandleEvent(orbits.FlagChange{Flag: "Finish"})
	assert.Equal(t, StateEnded, sess.State())
}

func TestFeedBinderNewRunHeaderStartsFreshCursor(t *testing.T) {
	b, reg := newBinder(t)
	b.HandleEvent(orbits.RunHeader{Name: "Heat 1", Type: orbits.SessionHeat})
	b.HandleEvent(orbits.Crossing{Number: "07", Position: 1, Lap: 3, LastLap: 45 * time.Second})

	b.HandleEvent(orbits.RunHeader{Name: "Heat 2", Type: orbits.SessionHeat})
	b.HandleEvent(orbits.Crossing{Number: "07", Position: 1, Lap: 1, LastLap: 46 * time.Second})

	first, err := reg.Get("Unknown Class/Heat 1")
	require.NoError(t, err)
	second, err := reg.Get("Unknown Class/Heat 2")
	require.NoError(t, err)
	assert.Len(t, first.Laps(), 3)
	assert.Len(t, second.Laps(), 1)
}

func TestStateForFlag(t *testing.T) {
	assert.Equal(t, StateIdle, stateForFlag(""))
	assert.Equal(t, StateLive, stateForFlag("Green"))
	assert.Equal(t, StateLive, stateForFlag("Yellow"))
	assert.Equal(t, StateEnded, stateForFlag("Finish"))
	assert.Equal(t, StateEnded, stateForFlag("Chequered"))
	assert.Equal(t, StateEnded, stateForFlag("Stop"))
}
