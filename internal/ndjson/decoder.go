// Package ndjson turns a chunked byte stream into newline-delimited JSON
// records.
package ndjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

const (
	readSize = 32 * 1024

	// MaxLineBytes bounds a single record. Longer lines are dropped.
	MaxLineBytes = 32 << 20

	logPrefixLen = 120
)

// Splitter carries partial lines across chunk boundaries. It is the push
// half of the decoder, for callers that already own the read loop.
type Splitter struct {
	buf      []byte
	overflow bool
	dropped  int
}

// Push appends chunk and returns every line it completed, without the
// trailing newline. The returned slices are owned by the caller.
func (s *Splitter) Push(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			s.appendPartial(chunk)
			break
		}
		s.appendPartial(chunk[:i])
		chunk = chunk[i+1:]

		if s.overflow {
			s.overflow = false
			s.dropped++
			s.buf = s.buf[:0]
			continue
		}
		line := make([]byte, len(s.buf))
		copy(line, s.buf)
		s.buf = s.buf[:0]
		lines = append(lines, line)
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and resets the splitter.
func (s *Splitter) Flush() []byte {
	defer func() {
		s.buf = nil
		s.overflow = false
	}()
	if s.overflow {
		s.dropped++
		return nil
	}
	if len(s.buf) == 0 {
		return nil
	}
	line := make([]byte, len(s.buf))
	copy(line, s.buf)
	return line
}

// Dropped returns how many lines were discarded for exceeding MaxLineBytes.
func (s *Splitter) Dropped() int { return s.dropped }

func (s *Splitter) appendPartial(p []byte) {
	if s.overflow {
		return
	}
	if len(s.buf)+len(p) > MaxLineBytes {
		s.overflow = true
		s.buf = s.buf[:0]
		return
	}
	s.buf = append(s.buf, p...)
}

// Decoder reads JSON objects, one per line, from r in receipt order.
// Malformed lines are logged and skipped; they never end the stream.
// A Decoder is single-use.
type Decoder struct {
	r       io.Reader
	log     zerolog.Logger
	split   Splitter
	chunk   []byte
	queue   [][]byte
	lineNo  int
	skipped int
	eof     bool
	err     error
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, log zerolog.Logger) *Decoder {
	return &Decoder{
		r:     r,
		log:   log,
		chunk: make([]byte, readSize),
	}
}

// Next returns the next well-formed record. It returns io.EOF once the
// underlying reader is exhausted, or the transport error that ended it.
func (d *Decoder) Next() (json.RawMessage, error) {
	for {
		for len(d.queue) > 0 {
			line := d.queue[0]
			d.queue = d.queue[1:]
			d.lineNo++
			if rec, ok := d.accept(line); ok {
				return rec, nil
			}
		}
		if d.err != nil {
			return nil, d.err
		}
		if d.eof {
			d.err = io.EOF
			if tail := d.split.Flush(); tail != nil {
				d.queue = append(d.queue, tail)
			}
			continue
		}
		d.fill()
	}
}

// Skipped returns the number of malformed or oversized lines seen so far.
func (d *Decoder) Skipped() int {
	return d.skipped + d.split.Dropped()
}

func (d *Decoder) fill() {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.queue = append(d.queue, d.split.Push(d.chunk[:n])...)
	}
	switch {
	case errors.Is(err, io.EOF):
		d.eof = true
	case err != nil:
		// Whatever was complete before the failure is still delivered.
		d.err = err
		d.split.Flush()
	}
}

func (d *Decoder) accept(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if line[0] != '{' || !json.Valid(line) {
		d.skipped++
		d.log.Warn().
			Int("line", d.lineNo).
			Str("prefix", truncate(line, logPrefixLen)).
			Msg("skipping malformed stream record")
		return nil, false
	}
	return json.RawMessage(line), true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
