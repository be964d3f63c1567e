// Package points derives championship points and starting-grid orders
// from official result snapshots. Everything here is a pure function
// of its inputs; the same snapshot and scale always produce the same
// entries.
package points

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

var (
	ErrUnknownScheme = errors.New("points: unknown scheme")
	ErrInvalidScale  = errors.New("points: invalid scale")
)

// Scale maps finishing positions to point values. FieldSize bounds how
// many positions score; anything beyond it (and every disqualified
// competitor) is worth zero.
type Scale struct {
	Scheme    string      `yaml:"scheme"`
	FieldSize int         `yaml:"field_size"`
	Table     map[int]int `yaml:"table"`
	// LowerBest flips grid aggregation: SN28-style scales count
	// positions as points, so lower totals start further up.
	LowerBest bool `yaml:"lower_best"`
}

// PointsFor returns the award for a 1-based finishing position.
func (s Scale) PointsFor(position int) int {
	if position < 1 || position > s.FieldSize {
		return 0
	}
	return s.Table[position]
}

func (s Scale) validate() error {
	if s.Scheme == "" {
		return fmt.Errorf("%w: missing scheme id", ErrInvalidScale)
	}
	if s.FieldSize < 1 {
		return fmt.Errorf("%w: field size must be >= 1", ErrInvalidScale)
	}
	for pos := range s.Table {
		if pos < 1 || pos > s.FieldSize {
			return fmt.Errorf("%w: position %d outside field size %d",
				ErrInvalidScale, pos, s.FieldSize)
		}
	}
	return nil
}

// SN28HeatScale is the SKUSA SuperNationals heat scoring: the winner
// carries zero, everyone else carries their finishing position, and
// lower totals are better.
func SN28HeatScale(fieldSize int) Scale {
	table := make(map[int]int, fieldSize)
	table[1] = 0
	for pos := 2; pos <= fieldSize; pos++ {
		table[pos] = pos
	}
	return Scale{Scheme: "sn28-heat", FieldSize: fieldSize, Table: table, LowerBest: true}
}

// SN28QualifyingScale scores qualifying position-as-points. Values are
// integral here; the UI renders them as hundredths to break grid ties
// against heat totals.
func SN28QualifyingScale(fieldSize int) Scale {
	table := make(map[int]int, fieldSize)
	for pos := 1; pos <= fieldSize; pos++ {
		table[pos] = pos
	}
	return Scale{Scheme: "sn28-qualifying", FieldSize: fieldSize, Table: table, LowerBest: true}
}

// Compute maps a snapshot's finishing order through a scale. Rows
// flagged points-ineligible score zero. Entries carry the snapshot's
// version untouched.
func Compute(snap *official.ResultSnapshot, scale Scale) []official.PointsEntry {
	entries := make([]official.PointsEntry, 0, len(snap.Rows))
	for _, row := range snap.Rows {
		pts := 0
		if row.PointsEligible {
			pts = scale.PointsFor(row.Position)
		}
		entries = append(entries, official.PointsEntry{
			Scheme:     scale.Scheme,
			Session:    snap.Session,
			Version:    snap.Version,
			Competitor: row.Competitor,
			Position:   row.Position,
			Points:     pts,
		})
	}
	return entries
}

// Registry resolves a session type to its active scale and implements
// the scorer hook the snapshot engine calls on publish.
type Registry struct {
	mu     sync.RWMutex
	byType map[timing.SessionType]Scale
	byName map[string]Scale
}

// NewRegistry creates a registry preloaded with the SN28 scales for
// the given field size.
func NewRegistry(fieldSize int) *Registry {
	r := &Registry{
		byType: make(map[timing.SessionType]Scale),
		byName: make(map[string]Scale),
	}
	heat := SN28HeatScale(fieldSize)
	qual := SN28QualifyingScale(fieldSize)
	r.Register(heat, timing.TypeHeat, timing.TypePrefinal, timing.TypeFinal)
	r.Register(qual, timing.TypeQualifying)
	return r
}

// Register installs a scale for the given session types. A scale with
// no types is still resolvable by scheme name.
func (r *Registry) Register(scale Scale, types ...timing.SessionType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[scale.Scheme] = scale
	for _, t := range types {
		r.byType[t] = scale
	}
}

// ByScheme returns the scale registered under the given scheme id.
func (r *Registry) ByScheme(name string) (Scale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	if !ok {
		return Scale{}, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return s, nil
}

// ScaleFor returns the scale for a session type, if one is registered.
func (r *Registry) ScaleFor(typ timing.SessionType) (Scale, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byType[typ]
	return s, ok
}

// Score implements official.Scorer. Session types with no registered
// scale (practice, usually) award nothing.
func (r *Registry) Score(snap *official.ResultSnapshot, typ timing.SessionType) []official.PointsEntry {
	scale, ok := r.ScaleFor(typ)
	if !ok {
		return nil
	}
	return Compute(snap, scale)
}

// scaleFile is the YAML shape of a custom scheme file.
type scaleFile struct {
	Scales []scaleEntry `yaml:"scales"`
}

type scaleEntry struct {
	Scale    `yaml:",inline"`
	Sessions []string `yaml:"sessions"`
}

// LoadFile reads custom scales from a YAML file and registers them,
// overriding any built-in bound to the same session types.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("points: read scheme file: %w", err)
	}
	var file scaleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("points: parse scheme file %s: %w", path, err)
	}
	for _, entry := range file.Scales {
		if err := entry.Scale.validate(); err != nil {
			return fmt.Errorf("%w (scheme %q)", err, entry.Scheme)
		}
		types := make([]timing.SessionType, 0, len(entry.Sessions))
		for _, s := range entry.Sessions {
			types = append(types, timing.SessionType(s))
		}
		r.Register(entry.Scale, types...)
	}
	return nil
}

// WriteSchemeFile writes the built-in SN28 scales to a YAML scheme
// file, giving stewards an editable starting point for custom scoring.
func WriteSchemeFile(path string, fieldSize int) error {
	file := scaleFile{
		Scales: []scaleEntry{
			{
				Scale: SN28HeatScale(fieldSize),
				Sessions: []string{
					string(timing.TypeHeat),
					string(timing.TypePrefinal),
					string(timing.TypeFinal),
				},
			},
			{
				Scale:    SN28QualifyingScale(fieldSize),
				Sessions: []string{string(timing.TypeQualifying)},
			},
		},
	}
	raw, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("points: marshal scheme file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("points: write scheme file: %w", err)
	}
	return nil
}

// Schemes returns the registered scheme ids, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
