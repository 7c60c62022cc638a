// Package linesplit turns an arbitrarily chunked byte stream into discrete
// line events.
package linesplit

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"runtime"
)

// DefaultSeparator is the first byte of the host line separator: '\r' on
// windows, '\n' elsewhere. CRLF is not treated specially beyond that byte.
var DefaultSeparator = separatorFor(runtime.GOOS)

func separatorFor(goos string) byte {
	if goos == "windows" {
		return '\r'
	}
	return '\n'
}

// Splitter buffers written bytes and calls onLine once per completed line,
// without the separator. It is meant for a single writer and does no locking.
type Splitter struct {
	sep    byte
	buf    bytes.Buffer
	onLine func(string)
}

func New(sep byte, onLine func(string)) *Splitter {
	return &Splitter{sep: sep, onLine: onLine}
}

// Write never fails; it always consumes all of p.
func (s *Splitter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, s.sep)
		if i < 0 {
			s.buf.Write(p)
			break
		}
		s.buf.Write(p[:i])
		s.emit()
		p = p[i+1:]
	}
	return n, nil
}

// Flush emits any buffered partial line. It is a no-op when nothing is
// pending.
func (s *Splitter) Flush() {
	if s.buf.Len() == 0 {
		return
	}
	s.emit()
}

// Pending returns the bytes received since the last separator.
func (s *Splitter) Pending() string {
	return s.buf.String()
}

func (s *Splitter) emit() {
	line := s.buf.String()
	s.buf.Reset()
	if s.onLine != nil {
		s.onLine(line)
	}
}

// Lines lazily yields the lines read from r, flushing the unterminated tail
// at EOF. A read error other than io.EOF is yielded once and ends the
// sequence.
func Lines(r io.Reader, sep byte) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var pending []string
		s := New(sep, func(line string) { pending = append(pending, line) })
		chunk := make([]byte, 4096)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				_, _ = s.Write(chunk[:n])
			}
			if errors.Is(err, io.EOF) {
				s.Flush()
			}
			for _, line := range pending {
				if !yield(line, nil) {
					return
				}
			}
			pending = pending[:0]
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", err)
				}
				return
			}
		}
	}
}
