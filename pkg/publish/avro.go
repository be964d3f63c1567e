package publish

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hamba/avro/v2"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
)

// unitSchema is the Avro schema of one exported publication unit. It is
// the wire shape the spreadsheet loader consumes: one record per
// published (session, version), rows flattened with their awarded
// points joined in.
var unitSchema = avro.MustParse(`{
	"type": "record",
	"name": "OfficialUnit",
	"namespace": "sn28.publish",
	"fields": [
		{"name": "session", "type": "string"},
		{"name": "version", "type": "int"},
		{"name": "fingerprint", "type": "long"},
		{"name": "published_ms", "type": "long"},
		{"name": "rows", "type": {"type": "array", "items": {
			"type": "record",
			"name": "OfficialRow",
			"fields": [
				{"name": "position", "type": "int"},
				{"name": "competitor", "type": "string"},
				{"name": "status", "type": "string"},
				{"name": "best_lap_ms", "type": "long"},
				{"name": "total_laps", "type": "int"},
				{"name": "total_time_ms", "type": "long"},
				{"name": "points", "type": "int"},
				{"name": "scheme", "type": "string"}
			]
		}}}
	]
}`)

// ExportRow is one flattened export row.
type ExportRow struct {
	Position    int    `avro:"position"`
	Competitor  string `avro:"competitor"`
	Status      string `avro:"status"`
	BestLapMS   int64  `avro:"best_lap_ms"`
	TotalLaps   int    `avro:"total_laps"`
	TotalTimeMS int64  `avro:"total_time_ms"`
	Points      int    `avro:"points"`
	Scheme      string `avro:"scheme"`
}

// ExportUnit is the top-level export record.
type ExportUnit struct {
	Session     string    `avro:"session"`
	Version     int       `avro:"version"`
	Fingerprint int64     `avro:"fingerprint"`
	PublishedMS int64     `avro:"published_ms"`
	Rows        []ExportRow `avro:"rows"`
}

// EncodeUnit serializes a published unit into its Avro export form.
func EncodeUnit(u official.Unit) ([]byte, error) {
	points := make(map[string]official.PointsEntry, len(u.Points))
	for _, e := range u.Points {
		points[string(e.Competitor)] = e
	}

	rows := make([]ExportRow, 0, len(u.Snap.Rows))
	for _, r := range u.Snap.Rows {
		row := ExportRow{
			Position:    r.Position,
			Competitor:  string(r.Competitor),
			Status:      string(r.Status),
			BestLapMS:   r.BestLap.Milliseconds(),
			TotalLaps:   r.TotalLaps,
			TotalTimeMS: r.TotalTime.Milliseconds(),
		}
		if e, ok := points[string(r.Competitor)]; ok {
			row.Points = e.Points
			row.Scheme = e.Scheme
		}
		rows = append(rows, row)
	}

	data, err := avro.Marshal(unitSchema, ExportUnit{
		Session:     u.Session,
		Version:     int(u.Version),
		Fingerprint: int64(u.Snap.Fingerprint),
		PublishedMS: u.Snap.CreatedAt.UnixMilli(),
		Rows:        rows,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: encode unit: %w", err)
	}
	return data, nil
}

// DecodeUnit parses an Avro export record back into its flattened form.
// Used by export consumers and round-trip tests.
func DecodeUnit(data []byte) (ExportUnit, error) {
	var u ExportUnit
	if err := avro.Unmarshal(unitSchema, data, &u); err != nil {
		return ExportUnit{}, fmt.Errorf("publish: decode unit: %w", err)
	}
	return u, nil
}

// ExportSink encodes every delivered unit to Avro and hands the bytes
// to a transport function (file writer, HTTP push, test capture). The
// transport owns durability; a failure is reported to the dispatcher
// and otherwise dropped, per the publication contract.
type ExportSink struct {
	send func(session string, version uint32, data []byte) error
}

// NewExportSink wraps a transport function as a Sink.
func NewExportSink(send func(session string, version uint32, data []byte) error) *ExportSink {
	return &ExportSink{send: send}
}

// Deliver implements Sink.
func (s *ExportSink) Deliver(u official.Unit) error {
	data, err := EncodeUnit(u)
	if err != nil {
		return err
	}
	return s.send(u.Session, u.Version, data)
}

// NewDirExportSink writes each published unit as an Avro file under
// dir, one file per (session, version). Re-delivery overwrites the
// same file with identical bytes, so the sink stays idempotent.
func NewDirExportSink(dir string) *ExportSink {
	return NewExportSink(func(session string, version uint32, data []byte) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("publish: export dir: %w", err)
		}
		path := filepath.Join(dir, exportFileName(session, version))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("publish: write export: %w", err)
		}
		return nil
	})
}

// exportFileName flattens the session key (which carries slashes and
// spaces) into a single safe path segment.
func exportFileName(session string, version uint32) string {
	flat := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-':
			return r
		}
		return '_'
	}, session)
	return fmt.Sprintf("%s-v%d.avro", flat, version)
}
