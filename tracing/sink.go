// Package tracing records the waveforms of bus signals. A protocol declares
// the signals it traces before the first epoch and records their values as
// the bus advances.
package tracing

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
)

// A Sink receives traced signal values.
type Sink interface {
	// Declare registers a signal and its width. All declarations happen
	// before the first Record.
	Declare(name string, width int) error

	// Record notes the value of a declared signal at the given time.
	Record(now timing.SimTime, name string, v signal.Value) error

	// Flush writes buffered records to the backing store.
	Flush() error

	// Close flushes and releases the sink.
	Close() error
}

type discard struct{}

func (discard) Declare(string, int) error                         { return nil }
func (discard) Record(timing.SimTime, string, signal.Value) error { return nil }
func (discard) Flush() error                                      { return nil }
func (discard) Close() error                                      { return nil }

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

// Open creates a sink for the given path, chosen by extension: ".vcd" for a
// VCD waveform, ".sqlite3" or ".db" for a SQLite database. An empty path
// returns Discard. scope names the traced bus.
func Open(path string, scope string) (Sink, error) {
	if path == "" {
		return Discard, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".vcd":
		w, err := CreateVCDFile(path, scope)
		if err != nil {
			return nil, err
		}

		return w, nil
	case ".sqlite3", ".db":
		w := NewSQLiteWriter(path)
		if err := w.Init(); err != nil {
			return nil, err
		}

		return w, nil
	}

	return nil, errors.Errorf("unknown trace format for %q", path)
}

// MultiSink duplicates every call to all of its sinks.
type MultiSink []Sink

// Declare declares the signal on every sink.
func (m MultiSink) Declare(name string, width int) error {
	for _, s := range m {
		if err := s.Declare(name, width); err != nil {
			return err
		}
	}

	return nil
}

// Record records the value on every sink.
func (m MultiSink) Record(now timing.SimTime, name string, v signal.Value) error {
	for _, s := range m {
		if err := s.Record(now, name, v); err != nil {
			return err
		}
	}

	return nil
}

// Flush flushes every sink.
func (m MultiSink) Flush() error {
	for _, s := range m {
		if err := s.Flush(); err != nil {
			return err
		}
	}

	return nil
}

// Close closes every sink and returns the first error.
func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
