package timing

import (
	"log/slog"
	"strings"
	"time"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/orbits"
)

const defaultClassName = "Unknown Class"

// FeedBinder routes decoded Orbits events into the session registry.
// It owns the ingest-path context the raw protocol leaves implicit
// (which run/class the stream currently describes) so that no session
// state is ambient anywhere else.
//
// One binder per feed connection path; it runs on the ingest goroutine.
type FeedBinder struct {
	reg    *Registry
	logger *slog.Logger
	now    func() time.Time

	className string
	runName   string
	cur       *Session

	// recorded is the highest lap number already appended per
	// competitor for the current session; the feed repeats $G lines
	// and may jump lap counts, which are backfilled densely.
	recorded map[CompetitorID]int
	// pendingLast holds the freshest last-lap time per competitor,
	// used when a crossing arrives before its lap time does.
	pendingLast map[CompetitorID]time.Duration
}

// NewFeedBinder creates a binder writing into reg.
func NewFeedBinder(reg *Registry, logger *slog.Logger) *FeedBinder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedBinder{
		reg:         reg,
		logger:      logger.With("component", "timing.feed"),
		now:         time.Now,
		recorded:    make(map[CompetitorID]int),
		pendingLast: make(map[CompetitorID]time.Duration),
	}
}

// HandleEvent implements orbits.Handler.
func (b *FeedBinder) HandleEvent(ev orbits.Event) {
	switch e := ev.(type) {
	case orbits.RunHeader:
		b.runName = e.Name
		b.rebind(sessionTypeFrom(e.Type))

	case orbits.ClassHeader:
		b.className = e.Name
		b.rebind(b.currentType())

	case orbits.TrackInfo:
		// track metadata carries no classification state

	case orbits.CompetitorInfo:
		b.session().RegisterCompetitor(Competitor{
			Number:      CompetitorID(e.Number),
			FirstName:   e.FirstName,
			LastName:    e.LastName,
			Team:        e.Team,
			Chassis:     e.Chassis,
			Transponder: e.Transponder,
			Active:      e.Active,
		})

	case orbits.FlagChange:
		b.session().SetState(stateForFlag(e.Flag))

	case orbits.Crossing:
		b.handleCrossing(e)

	case orbits.LastLapTime:
		id := CompetitorID(e.Number)
		b.pendingLast[id] = e.LapTime
		b.session().ObserveLastLap(id, e.LapTime, b.now())

	case orbits.BestLapTime:
		b.session().ObserveBestLap(CompetitorID(e.Number), e.BestLap, b.now())
	}
}

func (b *FeedBinder) handleCrossing(e orbits.Crossing) {
	s := b.session()
	id := CompetitorID(e.Number)
	at := b.now()

	s.SetFeedPosition(id, e.Position, at)

	lapTime := e.LastLap
	if lapTime == 0 {
		lapTime = b.pendingLast[id]
	} else {
		b.pendingLast[id] = lapTime
	}

	last := b.recorded[id]
	if e.Lap <= last {
		if e.LastLap > 0 {
			s.ObserveLastLap(id, e.LastLap, at)
		}
		return
	}
	if lapTime == 0 {
		// lap count advanced but the lap time has not arrived yet;
		// record once it does
		return
	}

	// the feed can jump several laps at once; backfill densely with
	// the same time so per-competitor lap numbering stays gapless
	for lap := last + 1; lap <= e.Lap; lap++ {
		s.RecordLap(id, lap, lapTime, at)
	}
	b.recorded[id] = e.Lap
}

// session returns the session the stream is currently bound to,
// creating a default one if lap data arrives before any run header.
func (b *FeedBinder) session() *Session {
	if b.cur == nil {
		b.rebind(b.currentType())
	}
	return b.cur
}

func (b *FeedBinder) currentType() SessionType {
	return sessionTypeFrom(orbits.SessionTypeOf(b.runName))
}

// rebind resolves the (class, run) pair to a registry session. A new
// header mid-stream starts a fresh per-session lap cursor.
func (b *FeedBinder) rebind(typ SessionType) {
	class := b.className
	if class == "" {
		class = defaultClassName
	}
	name := b.runName
	if name == "" {
		name = "Session"
	}
	key := class + "/" + name

	if b.cur != nil && b.cur.Key == key {
		return
	}
	b.cur = b.reg.GetOrCreate(key, name, typ)
	b.recorded = make(map[CompetitorID]int)
	b.pendingLast = make(map[CompetitorID]time.Duration)
	b.logger.Info("feed bound to session", "session", key, "type", string(typ))
}

func sessionTypeFrom(t orbits.SessionType) SessionType {
	switch t {
	case orbits.SessionQualifying:
		return TypeQualifying
	case orbits.SessionHeat:
		return TypeHeat
	case orbits.SessionPrefinal:
		return TypePrefinal
	case orbits.SessionFinal:
		return TypeFinal
	case orbits.SessionPractice:
		return TypePractice
	}
	return TypePractice
}

// stateForFlag maps an Orbits flag string onto the session lifecycle.
func stateForFlag(flag string) SessionState {
	f := strings.ToLower(strings.TrimSpace(flag))
	switch {
	case f == "":
		return StateIdle
	case strings.Contains(f, "finish"), strings.Contains(f, "chequer"),
		strings.Contains(f, "checker"), strings.Contains(f, "stop"):
		return StateEnded
	default:
		// green, yellow, red, warm-up: the session is running
		return StateLive
	}
}
