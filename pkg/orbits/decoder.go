package orbits

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
)

var (
	// ErrLineTooLong reports a record that exceeded the framing cap
	// without a delimiter. The decoder discards the data and resumes at
	// the next delimiter; the stream itself stays usable.
	ErrLineTooLong = errors.New("orbits: record exceeds maximum line length")
)

const defaultMaxLineLen = 4096

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMaxLineLen caps how many bytes may accumulate while waiting for a
// record delimiter before the partial data is discarded as malformed.
func WithMaxLineLen(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLineLen = n
		}
	}
}

// WithDecoderLogger sets the logger used for skipped-record reporting.
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger.With("component", "orbits.decoder")
		}
	}
}

// DecoderStats is a point-in-time view of the decode counters.
type DecoderStats struct {
	Decoded   int64
	Malformed int64
	Unknown   int64
}

// Decoder turns a raw byte stream into an ordered sequence of Events.
//
// Bytes arrive in arbitrary chunk sizes; records may span multiple
// reads or arrive batched. The decoder buffers the partial tail of the
// last chunk and never drops a partial record while the connection
// lives. Malformed and unknown records are counted and skipped.
//
// A Decoder is bound to one connection. On reconnect, build a new one:
// the partial buffer belongs to the dead connection and must not leak
// into the next.
type Decoder struct {
	r          io.Reader
	partial    []byte
	chunk      []byte
	pending    []Event
	maxLineLen int
	logger     *slog.Logger

	decoded   atomic.Int64
	malformed atomic.Int64
	unknown   atomic.Int64
}

// NewDecoder wraps r with an Orbits protocol decoder.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		r:          r,
		chunk:      make([]byte, 4096),
		maxLineLen: defaultMaxLineLen,
		logger:     slog.Default().With("component", "orbits.decoder"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next decoded event, reading more bytes as needed.
// It returns io.EOF when the stream ends cleanly and the underlying
// read error on connection loss; either way the caller must treat the
// decoder as finished and reconnect with a fresh one.
func (d *Decoder) Next() (Event, error) {
	for {
		if len(d.pending) > 0 {
			ev := d.pending[0]
			d.pending = d.pending[1:]
			return ev, nil
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.ingest(d.chunk[:n])
		}
		if err != nil {
			if len(d.pending) > 0 {
				// drain what the final chunk completed before
				// surfacing the error
				continue
			}
			return nil, err
		}
	}
}

// Stats returns the decode counters.
func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Decoded:   d.decoded.Load(),
		Malformed: d.malformed.Load(),
		Unknown:   d.unknown.Load(),
	}
}

// ingest appends a chunk to the partial buffer and decodes every
// complete record it now holds.
func (d *Decoder) ingest(chunk []byte) {
	d.partial = append(d.partial, chunk...)

	for {
		idx := indexByte(d.partial, '\n')
		if idx < 0 {
			if len(d.partial) > d.maxLineLen {
				// Framing cap hit without a delimiter. Drop the
				// garbage and resync at the next newline.
				d.malformed.Add(1)
				d.logger.Warn("discarding oversized record fragment",
					"bytes", len(d.partial))
				d.partial = d.partial[:0]
			}
			return
		}

		line := strings.TrimRight(string(d.partial[:idx]), "\r")
		d.partial = d.partial[idx+1:]

		if line == "" {
			continue
		}
		if ev, ok := d.decodeLine(line); ok {
			d.pending = append(d.pending, ev)
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// decodeLine decodes one complete record. The bool result reports
// whether an event was produced; skipped records only bump counters.
func (d *Decoder) decodeLine(line string) (Event, bool) {
	fields, err := splitFields(line)
	if err != nil || len(fields) == 0 || !strings.HasPrefix(fields[0], "$") {
		d.malformed.Add(1)
		return nil, false
	}

	switch fields[0] {
	case "$B":
		if len(fields) < 3 {
			d.malformed.Add(1)
			return nil, false
		}
		name := fields[2]
		d.decoded.Add(1)
		return RunHeader{Name: name, Type: SessionTypeOf(name)}, true

	case "$C":
		if len(fields) < 3 {
			d.malformed.Add(1)
			return nil, false
		}
		d.decoded.Add(1)
		return ClassHeader{Name: fields[2]}, true

	case "$E":
		if len(fields) < 3 {
			d.malformed.Add(1)
			return nil, false
		}
		d.decoded.Add(1)
		return TrackInfo{Key: strings.ToUpper(fields[1]), Value: fields[2]}, true

	case "$A":
		return d.decodeCompetitorA(fields)

	case "$COMP":
		return d.decodeCompetitorComp(fields)

	case "$F":
		if len(fields) < 6 {
			d.malformed.Add(1)
			return nil, false
		}
		d.decoded.Add(1)
		return FlagChange{Flag: strings.TrimSpace(fields[5])}, true

	case "$G":
		// $G,<position>,"<number>",<lap_no>,"<last_lap>"
		if len(fields) < 5 {
			d.malformed.Add(1)
			return nil, false
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil || pos < 1 || fields[2] == "" {
			d.malformed.Add(1)
			return nil, false
		}
		lap, _ := strconv.Atoi(fields[3])
		d.decoded.Add(1)
		return Crossing{
			Number:   fields[2],
			Position: pos,
			Lap:      lap,
			LastLap:  ParseLapTime(fields[4]),
		}, true

	case "$H", "$SP":
		// $H,<pos>,"<number>",<lap>,"<last_lap>"
		if len(fields) < 5 || fields[2] == "" {
			d.malformed.Add(1)
			return nil, false
		}
		d.decoded.Add(1)
		return LastLapTime{Number: fields[2], LapTime: ParseLapTime(fields[4])}, true

	case "$SR":
		// $SR,<pos>,"<number>",<lap_no>,"<best>",0
		if len(fields) < 5 || fields[2] == "" {
			d.malformed.Add(1)
			return nil, false
		}
		lap, _ := strconv.Atoi(fields[3])
		d.decoded.Add(1)
		return BestLapTime{Number: fields[2], Lap: lap, BestLap: ParseLapTime(fields[4])}, true

	case "$J":
		// $J,"<number>","<best>","<last>"
		if len(fields) < 3 || fields[1] == "" {
			d.malformed.Add(1)
			return nil, false
		}
		d.decoded.Add(1)
		return BestLapTime{Number: fields[1], BestLap: ParseLapTime(fields[2])}, true
	}

	d.unknown.Add(1)
	return nil, false
}

func (d *Decoder) decodeCompetitorA(fields []string) (Event, bool) {
	// $A,"<number>","<transponder>",<class>,"<first>","<last>","<chassis>",<active>
	if len(fields) < 2 || fields[1] == "" {
		d.malformed.Add(1)
		return nil, false
	}
	info := CompetitorInfo{Number: fields[1], Active: true}
	if len(fields) > 2 {
		info.Transponder = fields[2]
	}
	if len(fields) > 4 {
		info.FirstName = fields[4]
	}
	if len(fields) > 5 {
		info.LastName = fields[5]
	}
	if len(fields) > 6 {
		info.Chassis = fields[6]
	}
	if len(fields) > 7 {
		if v, err := strconv.Atoi(fields[7]); err == nil {
			info.Active = v == 1
		}
	}
	d.decoded.Add(1)
	return info, true
}

func (d *Decoder) decodeCompetitorComp(fields []string) (Event, bool) {
	// $COMP,"<number>",<transponder>,<class>,"<first>","<last>","<chassis>","<team>"
	if len(fields) < 2 || fields[1] == "" {
		d.malformed.Add(1)
		return nil, false
	}
	info := CompetitorInfo{Number: fields[1], Active: true}
	if len(fields) > 4 {
		info.FirstName = fields[4]
	}
	if len(fields) > 5 {
		info.LastName = fields[5]
	}
	if len(fields) > 6 {
		info.Chassis = fields[6]
	}
	if len(fields) > 7 {
		info.Team = fields[7]
	}
	d.decoded.Add(1)
	return info, true
}

// splitFields splits one CSV record with RFC-4180 quoting: fields may be
// wrapped in double quotes, and a doubled quote inside a quoted field is
// a literal quote. An unterminated quote makes the record malformed.
func splitFields(line string) ([]string, error) {
	var fields []string
	var b strings.Builder
	inQuote := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote:
			if c == '"' {
				if i+1 < len(line) && line[i+1] == '"' {
					b.WriteByte('"')
					i++
				} else {
					inQuote = false
				}
			} else {
				b.WriteByte(c)
			}
		case c == '"':
			inQuote = true
		case c == ',':
			fields = append(fields, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	if inQuote {
		return nil, errors.New("orbits: unterminated quote")
	}
	fields = append(fields, b.String())
	return fields, nil
}
