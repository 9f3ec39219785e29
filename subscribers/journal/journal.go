// Package journal implements the Persistent Log Subscriber (C9a): an
// append-only JSONL record of every event on the bus, rotated by size or
// age and gzip-compressed once a segment closes (spec §6 "Persistent-log
// subscriber contract").
package journal

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetops/agentops/bus"
	"github.com/fleetops/agentops/events"
	"github.com/fleetops/agentops/telemetry"
)

// Config controls segment rotation (spec §6 "compressed on rotation").
type Config struct {
	Dir            string        `yaml:"dir" mapstructure:"dir"`
	MaxSegmentSize int64         `yaml:"max_segment_size" mapstructure:"max_segment_size"` // rotate once the open segment reaches this many bytes; 0 disables size-based rotation
	MaxSegmentAge  time.Duration `yaml:"max_segment_age" mapstructure:"max_segment_age"`   // rotate once the open segment has been open this long; 0 disables age-based rotation
}

// Journal is the C9a subscriber: it never returns an error from
// HandleEvent — write failures are logged and counted, matching the
// "isolated, never re-raised" framing spec §6 gives this contract's
// consumer-only role.
type Journal struct {
	cfg Config

	mu        sync.Mutex
	file      *os.File
	openedAt  time.Time
	size      int64
	sessionID string

	writeErrors int64

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Option configures a Journal at construction.
type Option func(*Journal)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(j *Journal) { j.logger = l } }

// WithMetrics overrides the default no-op metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(j *Journal) { j.metrics = m } }

// New constructs a Journal writing into cfg.Dir. The directory must
// already exist; New does not create it.
func New(cfg Config, opts ...Option) *Journal {
	j := &Journal{
		cfg:     cfg,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Subscribe registers the journal against every event type in the closed
// catalog (spec §6 "receives every event").
func (j *Journal) Subscribe(b bus.Bus) []bus.Subscription {
	handler := bus.HandlerFunc(j.HandleEvent)
	types := events.AllTypes()
	subs := make([]bus.Subscription, 0, len(types))
	for _, et := range types {
		subs = append(subs, b.Subscribe(et, handler))
	}
	return subs
}

// HandleEvent appends evt as one JSON line to the current segment, opening
// or rotating the segment first if required. It always returns nil: a
// write failure is logged and counted rather than propagated, per this
// subscriber's external, never-re-raised role.
func (j *Journal) HandleEvent(ctx context.Context, evt events.Event) error {
	line, err := events.MarshalEnvelope(evt)
	if err != nil {
		j.recordError(ctx, "marshal", err)
		return nil
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureSegmentLocked(evt.SessionID()); err != nil {
		j.recordError(ctx, "open_segment", err)
		return nil
	}
	if j.needsRotationLocked() {
		if err := j.rotateLocked(); err != nil {
			j.recordError(ctx, "rotate", err)
		}
		if err := j.ensureSegmentLocked(evt.SessionID()); err != nil {
			j.recordError(ctx, "reopen_segment", err)
			return nil
		}
	}

	n, err := j.file.Write(line)
	if err != nil {
		j.recordError(ctx, "write", err)
		return nil
	}
	j.size += int64(n)
	j.metrics.IncCounter("journal.events_written", 1)
	return nil
}

// Close rotates and compresses the currently open segment, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	return j.rotateLocked()
}

// WriteErrors reports the cumulative count of failed writes/rotations.
func (j *Journal) WriteErrors() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeErrors
}

func (j *Journal) ensureSegmentLocked(sessionID string) error {
	if j.file != nil {
		return nil
	}
	path := filepath.Join(j.cfg.Dir, segmentName(time.Now()))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: stat segment %s: %w", path, err)
	}
	j.file = f
	j.openedAt = time.Now()
	j.size = info.Size()
	j.sessionID = sessionID
	return nil
}

func (j *Journal) needsRotationLocked() bool {
	if j.cfg.MaxSegmentSize > 0 && j.size >= j.cfg.MaxSegmentSize {
		return true
	}
	if j.cfg.MaxSegmentAge > 0 && time.Since(j.openedAt) >= j.cfg.MaxSegmentAge {
		return true
	}
	return false
}

// rotateLocked closes the open segment and gzip-compresses it in place,
// removing the uncompressed original (spec §6 "compressed on rotation").
// compress/gzip is the standard library's own gzip implementation; no
// example in the corpus reaches for a third-party gzip wrapper for this
// kind of closed-segment batch compression, so this one concern is
// implemented directly against the stdlib (see DESIGN.md).
func (j *Journal) rotateLocked() error {
	if j.file == nil {
		return nil
	}
	path := j.file.Name()
	if err := j.file.Close(); err != nil {
		j.file = nil
		return fmt.Errorf("journal: close segment %s: %w", path, err)
	}
	j.file = nil

	if err := compressFile(path); err != nil {
		return fmt.Errorf("journal: compress segment %s: %w", path, err)
	}
	return os.Remove(path)
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	_, err = dst.Write(buf.Bytes())
	return err
}

func segmentName(at time.Time) string {
	stamp := at.UTC().Format("20060102T150405.000000000Z")
	return fmt.Sprintf("session_%s.jsonl", stamp)
}

func (j *Journal) recordError(ctx context.Context, op string, err error) {
	j.writeErrors++
	j.metrics.IncCounter("journal.errors", 1, "op", op)
	j.logger.Warn(ctx, "journal: operation failed", "op", op, "error", err.Error())
}
