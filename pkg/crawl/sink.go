package crawl

import (
	"bufio"
	"context"
	"fmt"
	"os"
)

// Sink receives ordered batches of identifiers for durable storage.
// Accept must be idempotent-safe for replays across process restarts:
// within a single run the engine never delivers the same page twice,
// but a crash between sink write and checkpoint save replays one page
// on resume.
type Sink interface {
	// Accept stores one page of identifiers. first is the one-based
	// position of the first identifier within the whole enumeration.
	Accept(ctx context.Context, first int64, handles []string) error
}

// CSVSink appends `counter;prefix/suffix` lines to a file, one per
// identifier, with a one-based counter. Append mode keeps completed
// pages from earlier runs.
type CSVSink struct {
	file *os.File
	w    *bufio.Writer
}

// NewCSVSink opens (or creates) the output file in append mode.
func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	return &CSVSink{file: f, w: bufio.NewWriter(f)}, nil
}

// Accept writes one page and flushes it to disk before returning, so
// the engine may advance the checkpoint afterwards.
func (s *CSVSink) Accept(ctx context.Context, first int64, handles []string) error {
	for i, h := range handles {
		if _, err := fmt.Fprintf(s.w, "%d;%s\n", first+int64(i), h); err != nil {
			return err
		}
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close flushes and closes the output file.
func (s *CSVSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
