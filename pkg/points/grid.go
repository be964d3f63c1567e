package points

import (
	"sort"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/timing"
)

// GridRow is one line of a computed starting grid.
type GridRow struct {
	Competitor timing.CompetitorID `json:"competitor"`
	Position   int                 `json:"position"`
	Total      int                 `json:"total_points"`
	// QualifyingPos is the tie-break position, zero when the
	// competitor has no qualifying result.
	QualifyingPos int `json:"qualifying_pos,omitempty"`
}

// BuildPrefinalGrid aggregates points across the given official heat
// snapshots and orders the field for the next start. Better summed
// points first (the scale says which direction is better), ties broken
// by official qualifying position, then by competitor id for a total
// order. Competitors missing from qualifying tie-break after those
// present.
func BuildPrefinalGrid(heats []*official.ResultSnapshot, qualifying *official.ResultSnapshot, scale Scale) []GridRow {
	totals := make(map[timing.CompetitorID]int)
	for _, snap := range heats {
		for _, entry := range Compute(snap, scale) {
			totals[entry.Competitor] += entry.Points
		}
	}

	qualPos := make(map[timing.CompetitorID]int)
	if qualifying != nil {
		for _, row := range qualifying.Rows {
			qualPos[row.Competitor] = row.Position
		}
	}

	rows := make([]GridRow, 0, len(totals))
	for id, total := range totals {
		rows = append(rows, GridRow{
			Competitor:    id,
			Total:         total,
			QualifyingPos: qualPos[id],
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Total != b.Total {
			if scale.LowerBest {
				return a.Total < b.Total
			}
			return a.Total > b.Total
		}
		if a.QualifyingPos != b.QualifyingPos {
			if a.QualifyingPos == 0 {
				return false
			}
			if b.QualifyingPos == 0 {
				return true
			}
			return a.QualifyingPos < b.QualifyingPos
		}
		return a.Competitor < b.Competitor
	})

	for i := range rows {
		rows[i].Position = i + 1
	}
	return rows
}
