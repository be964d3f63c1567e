package official

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

// ResultStatus marks how a competitor is classified in a snapshot.
type ResultStatus string

const (
	StatusClassified   ResultStatus = "CLASSIFIED"
	StatusDisqualified ResultStatus = "DQ"
)

// ResultRow is one ranked line of an official (or previewed) result.
type ResultRow struct {
	Competitor timing.CompetitorID `json:"competitor"`
	Position   int                 `json:"position"`
	Status     ResultStatus        `json:"status"`
	BestLap    time.Duration       `json:"best_lap"`
	TotalLaps  int                 `json:"total_laps"`
	// TotalTime is the summed valid lap time plus any time_adjust
	// deltas; zero when no lap carried a time.
	TotalTime time.Duration `json:"total_time"`
	// PointsEligible is false for disqualified competitors.
	PointsEligible bool `json:"points_eligible"`
}

// ResultSnapshot is an immutable checkpoint of a session's result.
// Preview snapshots carry Version 0; published ones are versioned 1,2,3
// per session with no gaps. Instances must never be mutated after
// construction.
type ResultSnapshot struct {
	Session   string       `json:"session"`
	Basis     timing.Basis `json:"basis"`
	Version   uint32       `json:"version"`
	Rows      []ResultRow  `json:"rows"`
	CreatedAt time.Time    `json:"created_at"`
	// Fingerprint is a content hash of the ordered rows. Replaying
	// the same laps and ledger must reproduce it exactly.
	Fingerprint uint64 `json:"fingerprint"`
}

// RowFor returns the row for the given competitor, if present.
func (s *ResultSnapshot) RowFor(id timing.CompetitorID) (ResultRow, bool) {
	for _, r := range s.Rows {
		if r.Competitor == id {
			return r, true
		}
	}
	return ResultRow{}, false
}

// fingerprint hashes the classification content of the ordered rows.
// Version and timestamps are deliberately excluded so that a replay of
// laps + ledger reproduces the hash of the snapshot it rebuilt.
func fingerprint(rows []ResultRow) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, r := range rows {
		h.WriteString(string(r.Competitor))
		h.WriteString(string(r.Status))
		binary.BigEndian.PutUint64(buf[:], uint64(r.Position))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(r.BestLap))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(r.TotalLaps))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(r.TotalTime))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// PointsEntry is one competitor's award derived from an official
// snapshot. Its Version always equals the snapshot's version.
type PointsEntry struct {
	Scheme     string              `json:"scheme"`
	Session    string              `json:"session"`
	Version    uint32              `json:"version"`
	Competitor timing.CompetitorID `json:"competitor"`
	Position   int                 `json:"position"`
	Points     int                 `json:"points"`
}

// Scorer computes the points set for a freshly published snapshot.
// Implemented by the points package; must be a pure function of its
// inputs.
type Scorer interface {
	Score(snap *ResultSnapshot, typ timing.SessionType) []PointsEntry
}

// Unit is the single published record handed to the publication
// boundary after every successful publish. Consumers upsert
// idempotently keyed by (Session, Version).
type Unit struct {
	Session string          `json:"session"`
	Version uint32          `json:"version"`
	Snap    *ResultSnapshot `json:"snapshot"`
	Points  []PointsEntry   `json:"points"`
}

// Publisher receives publication units. Implementations must not
// block the publishing call and must never fail it: a sink error can
// not roll back a committed snapshot.
type Publisher interface {
	Publish(u Unit)
}
