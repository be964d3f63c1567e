// Package official turns a session's raw lap data plus an append-only
// penalty ledger into immutable, monotonically versioned result
// snapshots, and derives championship points from them.
package official

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

var (
	ErrNoProvisionalData = errors.New("official: session has no lap data")
	ErrConcurrentPublish = errors.New("official: another publish is in flight for this session")
	ErrInvalidPenalty    = errors.New("official: invalid penalty parameters")
	ErrNoOfficialResult  = errors.New("official: no official snapshot at that version")
)

// PenaltyKind discriminates the four penalty variants.
type PenaltyKind string

const (
	KindDisqualify     PenaltyKind = "disqualify"
	KindInvalidateLap  PenaltyKind = "invalidate_lap"
	KindTimeAdjust     PenaltyKind = "time_adjust"
	KindPositionAdjust PenaltyKind = "position_adjust"
)

// PenaltyParams is the kind-specific payload of a penalty. Exactly one
// implementation exists per kind; application code switches over them
// exhaustively.
type PenaltyParams interface {
	Kind() PenaltyKind
	validate() error
}

// DisqualifyParams removes the competitor from scored positions.
type DisqualifyParams struct{}

// InvalidateLapParams excludes one lap from best-lap and lap-count
// computation.
type InvalidateLapParams struct {
	Lap int `json:"lap"`
}

// TimeAdjustParams adds a fixed delta to the competitor's time basis
// before re-sorting.
type TimeAdjustParams struct {
	Delta time.Duration `json:"delta"`
}

// PositionAdjustParams shifts the final position by a signed offset;
// positive moves the competitor down the order. Applied after all other
// penalty kinds, clamped to the valid range.
type PositionAdjustParams struct {
	Offset int `json:"offset"`
}

func (DisqualifyParams) Kind() PenaltyKind     { return KindDisqualify }
func (InvalidateLapParams) Kind() PenaltyKind  { return KindInvalidateLap }
func (TimeAdjustParams) Kind() PenaltyKind     { return KindTimeAdjust }
func (PositionAdjustParams) Kind() PenaltyKind { return KindPositionAdjust }

func (DisqualifyParams) validate() error { return nil }

func (p InvalidateLapParams) validate() error {
	if p.Lap < 1 {
		return fmt.Errorf("%w: lap number must be >= 1, got %d", ErrInvalidPenalty, p.Lap)
	}
	return nil
}

func (p TimeAdjustParams) validate() error {
	if p.Delta == 0 {
		return fmt.Errorf("%w: time adjustment must be non-zero", ErrInvalidPenalty)
	}
	return nil
}

func (p PositionAdjustParams) validate() error {
	if p.Offset == 0 {
		return fmt.Errorf("%w: position offset must be non-zero", ErrInvalidPenalty)
	}
	return nil
}

// Penalty is one immutable ledger entry. Penalties are never edited;
// a correction is a new penalty.
type Penalty struct {
	ID          uuid.UUID
	Session     string
	Competitor  timing.CompetitorID
	Params      PenaltyParams
	Author      string
	Note        string
	SubmittedAt time.Time
}

// Kind returns the variant tag of the entry's payload.
func (p Penalty) Kind() PenaltyKind { return p.Params.Kind() }

// penaltyJSON is the flat wire/storage form of a Penalty.
type penaltyJSON struct {
	ID          uuid.UUID            `json:"id"`
	Session     string               `json:"session"`
	Competitor  timing.CompetitorID  `json:"competitor"`
	Kind        PenaltyKind          `json:"kind"`
	Lap         int                  `json:"lap,omitempty"`
	DeltaMillis int64                `json:"delta_ms,omitempty"`
	Offset      int                  `json:"offset,omitempty"`
	Author      string               `json:"author,omitempty"`
	Note        string               `json:"note,omitempty"`
	SubmittedAt time.Time            `json:"submitted_at"`
}

// MarshalJSON implements json.Marshaler.
func (p Penalty) MarshalJSON() ([]byte, error) {
	out := penaltyJSON{
		ID:          p.ID,
		Session:     p.Session,
		Competitor:  p.Competitor,
		Kind:        p.Kind(),
		Author:      p.Author,
		Note:        p.Note,
		SubmittedAt: p.SubmittedAt,
	}
	switch params := p.Params.(type) {
	case DisqualifyParams:
	case InvalidateLapParams:
		out.Lap = params.Lap
	case TimeAdjustParams:
		out.DeltaMillis = params.Delta.Milliseconds()
	case PositionAdjustParams:
		out.Offset = params.Offset
	default:
		return nil, fmt.Errorf("official: unhandled penalty params %T", p.Params)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Penalty) UnmarshalJSON(data []byte) error {
	var in penaltyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	params, err := ParamsFor(in.Kind, in.Lap, time.Duration(in.DeltaMillis)*time.Millisecond, in.Offset)
	if err != nil {
		return err
	}
	*p = Penalty{
		ID:          in.ID,
		Session:     in.Session,
		Competitor:  in.Competitor,
		Params:      params,
		Author:      in.Author,
		Note:        in.Note,
		SubmittedAt: in.SubmittedAt,
	}
	return nil
}

// ValidateParams checks a payload's kind-specific constraints without
// touching any ledger. Boundary code uses it to reject a whole batch
// before staging any part of it.
func ValidateParams(p PenaltyParams) error {
	if p == nil {
		return fmt.Errorf("%w: missing parameters", ErrInvalidPenalty)
	}
	return p.validate()
}

// ParamsFor builds the typed payload for a kind from its flat fields.
func ParamsFor(kind PenaltyKind, lap int, delta time.Duration, offset int) (PenaltyParams, error) {
	switch kind {
	case KindDisqualify:
		return DisqualifyParams{}, nil
	case KindInvalidateLap:
		return InvalidateLapParams{Lap: lap}, nil
	case KindTimeAdjust:
		return TimeAdjustParams{Delta: delta}, nil
	case KindPositionAdjust:
		return PositionAdjustParams{Offset: offset}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPenalty, kind)
}
