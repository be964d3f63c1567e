package official

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithScorer wires the points calculator invoked on every publish.
func WithScorer(s Scorer) EngineOption {
	return func(e *Engine) { e.scorer = s }
}

// WithPublisher wires the publication boundary notified after every
// successful publish.
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "official.engine")
		}
	}
}

// Engine owns the penalty ledgers and official snapshot histories for
// every session in a registry. Penalty submission is append-only and
// safe for concurrent writers; publishing is a per-session critical
// section so version numbers stay gapless and unique.
type Engine struct {
	reg       *timing.Registry
	scorer    Scorer
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

// sessionRecord is the per-session penalty ledger plus snapshot history.
type sessionRecord struct {
	mu      sync.Mutex // guards entries
	entries []Penalty

	publishMu sync.Mutex   // publish critical section; TryLock only
	histMu    sync.RWMutex // guards versions
	versions  []*ResultSnapshot
}

// NewEngine creates an engine over the given session registry.
func NewEngine(reg *timing.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:      reg,
		logger:   slog.Default().With("component", "official.engine"),
		now:      time.Now,
		sessions: make(map[string]*sessionRecord),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) recordFor(key string) *sessionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.sessions[key]
	if !ok {
		rec = &sessionRecord{}
		e.sessions[key] = rec
	}
	return rec
}

// SubmitPenalty validates and appends a penalty to the session's
// ledger. It stages only: no classification or snapshot changes happen
// until publish. Returns the new ledger entry's id.
func (e *Engine) SubmitPenalty(sessionKey string, competitor timing.CompetitorID, params PenaltyParams, author, note string) (uuid.UUID, error) {
	sess, err := e.reg.Get(sessionKey)
	if err != nil {
		return uuid.Nil, err
	}
	if !sess.HasCompetitor(competitor) {
		return uuid.Nil, fmt.Errorf("%w: %q in session %q",
			timing.ErrUnknownCompetitor, competitor, sessionKey)
	}
	if params == nil {
		return uuid.Nil, fmt.Errorf("%w: missing parameters", ErrInvalidPenalty)
	}
	if err := params.validate(); err != nil {
		return uuid.Nil, err
	}

	p := Penalty{
		ID:          uuid.New(),
		Session:     sessionKey,
		Competitor:  competitor,
		Params:      params,
		Author:      author,
		Note:        note,
		SubmittedAt: e.now().UTC(),
	}

	rec := e.recordFor(sessionKey)
	rec.mu.Lock()
	rec.entries = append(rec.entries, p)
	rec.mu.Unlock()

	e.logger.Info("penalty staged",
		"session", sessionKey,
		"competitor", string(competitor),
		"kind", string(p.Kind()),
		"id", p.ID.String())
	return p.ID, nil
}

// Ledger returns a copy of the session's penalty ledger in submission
// order.
func (e *Engine) Ledger(sessionKey string) []Penalty {
	rec := e.recordFor(sessionKey)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]Penalty, len(rec.entries))
	copy(out, rec.entries)
	return out
}

// PreviewOfficial deterministically replays the full penalty ledger
// against the session's raw lap data and produces the candidate
// official ordering without assigning a version. Pure: calling it any
// number of times with unchanged inputs yields an identical result.
func (e *Engine) PreviewOfficial(sessionKey string) (*ResultSnapshot, error) {
	sess, err := e.reg.Get(sessionKey)
	if err != nil {
		return nil, err
	}
	rec := e.recordFor(sessionKey)
	rec.mu.Lock()
	ledger := make([]Penalty, len(rec.entries))
	copy(ledger, rec.entries)
	rec.mu.Unlock()

	return buildSnapshot(sess, ledger, e.now().UTC())
}

// PublishOfficial atomically computes the candidate ordering, assigns
// the next version number, commits the immutable snapshot, computes
// the points set at the same version, and hands the whole unit to the
// publication boundary. Exactly one publish per session can be in
// flight; concurrent callers get ErrConcurrentPublish and should
// retry, not assume the first failed.
func (e *Engine) PublishOfficial(sessionKey string) (*ResultSnapshot, []PointsEntry, error) {
	sess, err := e.reg.Get(sessionKey)
	if err != nil {
		return nil, nil, err
	}
	rec := e.recordFor(sessionKey)

	if !rec.publishMu.TryLock() {
		return nil, nil, ErrConcurrentPublish
	}
	defer rec.publishMu.Unlock()

	rec.mu.Lock()
	ledger := make([]Penalty, len(rec.entries))
	copy(ledger, rec.entries)
	rec.mu.Unlock()

	snap, err := buildSnapshot(sess, ledger, e.now().UTC())
	if err != nil {
		return nil, nil, err
	}

	rec.histMu.Lock()
	snap.Version = uint32(len(rec.versions)) + 1
	rec.versions = append(rec.versions, snap)
	rec.histMu.Unlock()

	var entries []PointsEntry
	if e.scorer != nil {
		entries = e.scorer.Score(snap, sess.Type)
	}

	e.logger.Info("official snapshot published",
		"session", sessionKey,
		"version", snap.Version,
		"rows", len(snap.Rows),
		"fingerprint", snap.Fingerprint)

	if e.publisher != nil {
		e.publisher.Publish(Unit{
			Session: sessionKey,
			Version: snap.Version,
			Snap:    snap,
			Points:  entries,
		})
	}
	return snap, entries, nil
}

// GetOfficial returns the official snapshot at the given version, or
// the latest when version is zero.
func (e *Engine) GetOfficial(sessionKey string, version uint32) (*ResultSnapshot, error) {
	if _, err := e.reg.Get(sessionKey); err != nil {
		return nil, err
	}
	rec := e.recordFor(sessionKey)
	rec.histMu.RLock()
	defer rec.histMu.RUnlock()
	if len(rec.versions) == 0 {
		return nil, ErrNoOfficialResult
	}
	if version == 0 {
		return rec.versions[len(rec.versions)-1], nil
	}
	if int(version) > len(rec.versions) {
		return nil, ErrNoOfficialResult
	}
	return rec.versions[version-1], nil
}

// LatestVersion returns the highest published version for a session,
// zero when none exists.
func (e *Engine) LatestVersion(sessionKey string) uint32 {
	rec := e.recordFor(sessionKey)
	rec.histMu.RLock()
	defer rec.histMu.RUnlock()
	return uint32(len(rec.versions))
}

// competitorBasis is the penalty-adjusted time basis of one competitor
// during replay.
type competitorBasis struct {
	id          timing.CompetitorID
	totalLaps   int
	bestLap     time.Duration
	totalTime   time.Duration
	adjusted    time.Duration // bestLap + time_adjust deltas, the race sort key
	lastAdvance time.Time
	dq          bool
	dqOrder     int // ledger position of the first disqualify entry
}

// buildSnapshot is the deterministic replay: raw laps + full ledger in
// submission order -> candidate official ordering.
func buildSnapshot(sess *timing.Session, ledger []Penalty, at time.Time) (*ResultSnapshot, error) {
	laps := sess.Laps()
	if len(laps) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoProvisionalData, sess.Key)
	}

	// laps excluded by invalidate_lap penalties, keyed competitor/lap
	invalid := make(map[timing.CompetitorID]map[int]struct{})
	for _, p := range ledger {
		if params, ok := p.Params.(InvalidateLapParams); ok {
			m := invalid[p.Competitor]
			if m == nil {
				m = make(map[int]struct{})
				invalid[p.Competitor] = m
			}
			m[params.Lap] = struct{}{}
		}
	}

	// rebuild each competitor's basis from valid laps only
	bases := make(map[timing.CompetitorID]*competitorBasis)
	basisFor := func(id timing.CompetitorID) *competitorBasis {
		b, ok := bases[id]
		if !ok {
			b = &competitorBasis{id: id, dqOrder: -1}
			bases[id] = b
		}
		return b
	}
	onRecord := make(map[timing.CompetitorID]struct{}, len(laps))
	for _, lap := range laps {
		if !lap.Valid {
			continue
		}
		onRecord[lap.Competitor] = struct{}{}
		if m, ok := invalid[lap.Competitor]; ok {
			if _, dropped := m[lap.Lap]; dropped {
				continue
			}
		}
		b := basisFor(lap.Competitor)
		b.totalLaps++
		b.totalTime += lap.Time
		if lap.Time > 0 && (b.bestLap == 0 || lap.Time < b.bestLap) {
			b.bestLap = lap.Time
		}
		if lap.Timestamp.After(b.lastAdvance) {
			b.lastAdvance = lap.Timestamp
		}
	}
	// competitors whose every lap was invalidated still classify last
	for id := range invalid {
		if _, ok := onRecord[id]; ok {
			basisFor(id)
		}
	}

	// cumulative time adjustments and disqualifications, ledger order.
	// Competitors with no laps on record never classify, so penalties
	// against them adjust nothing.
	for i, p := range ledger {
		b, ok := bases[p.Competitor]
		if !ok {
			continue
		}
		switch params := p.Params.(type) {
		case TimeAdjustParams:
			b.adjusted += params.Delta
			b.totalTime += params.Delta
		case DisqualifyParams:
			if !b.dq {
				b.dq = true
				b.dqOrder = i
			}
		}
	}
	for _, b := range bases {
		b.adjusted += b.bestLap
	}

	ordered := rankBases(sess, bases)

	// classified block first, then the DQ tail in penalty-submission
	// order, so disqualified competitors keep a deterministic place
	var classified, tail []*competitorBasis
	for _, b := range ordered {
		if b.dq {
			tail = append(tail, b)
		} else {
			classified = append(classified, b)
		}
	}
	sort.SliceStable(tail, func(i, j int) bool { return tail[i].dqOrder < tail[j].dqOrder })

	// position adjustments last, after DQ removal, each clamped,
	// cumulative in ledger order
	for _, p := range ledger {
		params, ok := p.Params.(PositionAdjustParams)
		if !ok {
			continue
		}
		idx := -1
		for i, b := range classified {
			if b.id == p.Competitor {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue // disqualified or unclassified
		}
		to := idx + params.Offset
		if to < 0 {
			to = 0
		}
		if to > len(classified)-1 {
			to = len(classified) - 1
		}
		moved := classified[idx]
		classified = append(classified[:idx], classified[idx+1:]...)
		classified = append(classified, nil)
		copy(classified[to+1:], classified[to:])
		classified[to] = moved
	}

	rows := make([]ResultRow, 0, len(classified)+len(tail))
	for i, b := range classified {
		rows = append(rows, ResultRow{
			Competitor:     b.id,
			Position:       i + 1,
			Status:         StatusClassified,
			BestLap:        b.bestLap,
			TotalLaps:      b.totalLaps,
			TotalTime:      b.totalTime,
			PointsEligible: true,
		})
	}
	for i, b := range tail {
		rows = append(rows, ResultRow{
			Competitor:     b.id,
			Position:       len(classified) + i + 1,
			Status:         StatusDisqualified,
			BestLap:        b.bestLap,
			TotalLaps:      b.totalLaps,
			TotalTime:      b.totalTime,
			PointsEligible: false,
		})
	}

	return &ResultSnapshot{
		Session:     sess.Key,
		Basis:       timing.BasisOfficial,
		Rows:        rows,
		CreatedAt:   at,
		Fingerprint: fingerprint(rows),
	}, nil
}

// rankBases orders the replayed bases by the session's ranking mode:
// time-derived uses laps desc then the adjusted best lap; feed-reported
// keeps the live feed order and lets only DQ and position penalties
// move competitors.
func rankBases(sess *timing.Session, bases map[timing.CompetitorID]*competitorBasis) []*competitorBasis {
	out := make([]*competitorBasis, 0, len(bases))
	for _, b := range bases {
		out = append(out, b)
	}

	if sess.Mode() == timing.RankByFeed {
		pos := make(map[timing.CompetitorID]int)
		for _, row := range sess.Current().Rows {
			pos[row.Competitor] = row.Position
		}
		sort.Slice(out, func(i, j int) bool {
			pi, iok := pos[out[i].id]
			pj, jok := pos[out[j].id]
			if iok != jok {
				return iok
			}
			if iok && pi != pj {
				return pi < pj
			}
			return out[i].id < out[j].id
		})
		return out
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.totalLaps != b.totalLaps {
			return a.totalLaps > b.totalLaps
		}
		if a.adjusted != b.adjusted {
			if a.adjusted == 0 {
				return false
			}
			if b.adjusted == 0 {
				return true
			}
			return a.adjusted < b.adjusted
		}
		if !a.lastAdvance.Equal(b.lastAdvance) {
			if a.lastAdvance.IsZero() {
				return false
			}
			if b.lastAdvance.IsZero() {
				return true
			}
			return a.lastAdvance.Before(b.lastAdvance)
		}
		return a.id < b.id
	})
	return out
}
