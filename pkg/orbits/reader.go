package orbits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultReadTimeout = 5 * time.Second
	defaultMaxBackoff  = 10 * time.Second
)

// Handler receives decoded events in arrival order. It runs on the
// ingest goroutine; a slow handler stalls the feed, not the decoder.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev Event)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithDialTimeout sets the TCP connect timeout.
func WithDialTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) {
		if d > 0 {
			r.dialTimeout = d
		}
	}
}

// WithReadTimeout sets the per-read deadline on the feed connection.
func WithReadTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}

// WithMaxBackoff caps the reconnect backoff.
func WithMaxBackoff(d time.Duration) ReaderOption {
	return func(r *Reader) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

// WithReaderLogger sets the reader's logger.
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger.With("component", "orbits.reader")
		}
	}
}

// WithOnReconnect registers a callback invoked after a connection is
// lost, before the next dial attempt. The partial-record buffer of the
// dead connection is already discarded at that point. Orbits is a live
// feed: records transmitted while disconnected are gone and are NOT
// replayed on reconnect.
func WithOnReconnect(fn func(err error)) ReaderOption {
	return func(r *Reader) {
		if fn != nil {
			r.onReconnect = fn
		}
	}
}

// Reader maintains a persistent TCP connection to an Orbits timing
// provider, decodes the stream, and forwards events to a Handler. On
// connection loss it backs off (doubling, capped) and reconnects with a
// fresh Decoder.
type Reader struct {
	addr        string
	handler     Handler
	dialTimeout time.Duration
	readTimeout time.Duration
	maxBackoff  time.Duration
	onReconnect func(err error)
	logger      *slog.Logger

	reconnects atomic.Int64

	// stats carried across connections
	decoded   atomic.Int64
	malformed atomic.Int64
	unknown   atomic.Int64
}

// NewReader creates a Reader for the given "host:port" address.
func NewReader(addr string, handler Handler, opts ...ReaderOption) *Reader {
	r := &Reader{
		addr:        addr,
		handler:     handler,
		dialTimeout: defaultDialTimeout,
		readTimeout: defaultReadTimeout,
		maxBackoff:  defaultMaxBackoff,
		onReconnect: func(error) {},
		logger:      slog.Default().With("component", "orbits.reader"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReaderStats is a point-in-time view of the reader counters,
// aggregated across reconnects.
type ReaderStats struct {
	Reconnects int64
	DecoderStats
}

// Stats returns the aggregated counters.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Reconnects: r.reconnects.Load(),
		DecoderStats: DecoderStats{
			Decoded:   r.decoded.Load(),
			Malformed: r.malformed.Load(),
			Unknown:   r.unknown.Load(),
		},
	}
}

// Run connects and streams until ctx is cancelled. It only returns the
// context's error: every connection failure is handled by reconnecting.
func (r *Reader) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.reconnects.Add(1)
		r.onReconnect(err)
		r.logger.Warn("feed connection lost, reconnecting",
			"addr", r.addr, "backoff", backoff, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
}

// stream runs one connection to exhaustion.
func (r *Reader) stream(ctx context.Context) error {
	dialer := net.Dialer{Timeout: r.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read loop promptly on cancellation.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	r.logger.Info("feed connected", "addr", r.addr)

	dec := NewDecoder(&deadlineReader{conn: conn, timeout: r.readTimeout},
		WithDecoderLogger(r.logger))
	defer r.accumulate(dec)

	for {
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		r.handler.HandleEvent(ev)
	}
}

func (r *Reader) accumulate(dec *Decoder) {
	s := dec.Stats()
	r.decoded.Add(s.Decoded)
	r.malformed.Add(s.Malformed)
	r.unknown.Add(s.Unknown)
}

// deadlineReader refreshes the read deadline before every read so that
// a silent feed surfaces as a timeout instead of a hung goroutine.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return 0, err
		}
	}
	return d.conn.Read(p)
}
