// Package eventlog implements the append-only, monotonically sequenced
// record of every decision and outcome in the run. It is the single
// source of truth for ordering.
package eventlog

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
)

// Filter predicates over event_type and payload fields, applied at read
// time. nil matches everything.
type Filter func(*domain.Event) bool

// ByType returns a Filter matching a single event_type.
func ByType(eventType string) Filter {
	return func(e *domain.Event) bool { return e.Type == eventType }
}

// Log is an append-only sink backed by an io.Writer. Writes are
// serialized under mu; sequence is an internal monotonic counter that
// survives for the lifetime of the process (restore re-seeds it from
// the checkpoint's event_number).
type Log struct {
	mu       sync.Mutex
	w        io.Writer
	sequence uint64
	events   []domain.Event // in-memory ring for fast "tail from N" reads
	maxRing  int
	logger   *logging.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithRingSize bounds the in-memory replay buffer; 0 means unbounded.
func WithRingSize(n int) Option {
	return func(l *Log) { l.maxRing = n }
}

// WithLogger attaches a component logger for append-failure diagnostics.
func WithLogger(lg *logging.Logger) Option {
	return func(l *Log) { l.logger = lg }
}

// New creates a Log writing one JSON object per line to w.
func New(w io.Writer, opts ...Option) *Log {
	l := &Log{w: w, maxRing: 100_000}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append assigns the next sequence number, writes the event, and
// returns the assigned sequence. Writes are serialized; appending never
// reuses a sequence even across a failed write (the counter has already
// advanced): sequences are never reused.
func (l *Log) Append(eventType string, payload map[string]any) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	ev := domain.Event{
		Sequence:  l.sequence,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return ev.Sequence, err
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		if l.logger != nil {
			l.logger.With(nil).WithError(err).Error("event log append failed")
		}
		return ev.Sequence, err
	}

	l.events = append(l.events, ev)
	if l.maxRing > 0 && len(l.events) > l.maxRing {
		l.events = l.events[len(l.events)-l.maxRing:]
	}
	return ev.Sequence, nil
}

// Read returns events with Sequence > fromSequence (0 means from the
// start of the retained ring), in order, up to limit (0 means
// unlimited), matching filter if non-nil.
func (l *Log) Read(fromSequence uint64, limit int, filter Filter) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Event
	for _, ev := range l.events {
		if ev.Sequence <= fromSequence {
			continue
		}
		if filter != nil && !filter(&ev) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// CurrentSequence returns the most recently assigned sequence number.
func (l *Log) CurrentSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// SeedSequence sets the internal counter, used when resuming from a
// checkpoint's event_number so restored runs never reuse a sequence.
func (l *Log) SeedSequence(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.sequence {
		l.sequence = n
	}
}

// syncWriter, built by NewSyncWriter, wraps a file in a buffered writer
// that flushes and fsyncs on every Write, so each Append call is durable
// to the extent a process-local file stream fsync can guarantee.
type syncWriter struct {
	f  syncer
	bw *bufio.Writer
}

type syncer interface {
	io.Writer
	Sync() error
}

func NewSyncWriter(f syncer) io.Writer {
	return &syncWriter{f: f, bw: bufio.NewWriter(f)}
}

func (s *syncWriter) Write(p []byte) (int, error) {
	n, err := s.bw.Write(p)
	if err != nil {
		return n, err
	}
	if err := s.bw.Flush(); err != nil {
		return n, err
	}
	return n, s.f.Sync()
}
