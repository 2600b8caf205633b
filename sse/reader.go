// Package sse consumes the chat service's incremental reply stream.
//
// The stream is a sequence of units separated by a blank line. Each unit
// carries one payload, usually on a "data:" line: a JSON record with a text
// chunk, an error record, or the [DONE] sentinel. Malformed units are dropped
// and a stream that ends without the sentinel still yields what arrived.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// DoneSentinel marks the normal end of a stream.
	DoneSentinel = "[DONE]"

	defaultMaxUnitSize = 1 << 20
)

// Outcome reports how a stream ended.
type Outcome int

const (
	// Pending means the stream has not ended yet.
	Pending Outcome = iota
	// Completed means the [DONE] sentinel arrived.
	Completed
	// Truncated means the body ended without the sentinel.
	Truncated
	// Interrupted means the server sent an error record.
	Interrupted
	// Cancelled means Close was called before the stream ended.
	Cancelled
	// Failed means reading the body failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Truncated:
		return "truncated"
	case Interrupted:
		return "interrupted"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// record is the JSON payload of one unit.
type record struct {
	Chunk *string `json:"chunk"`
	Error string  `json:"error"`
}

// Reader pulls text deltas from a stream body. It owns the body: Close
// releases it and may be called from another goroutine to cancel a read in
// progress.
type Reader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  zerolog.Logger

	outcome   Outcome
	reason    string
	err       error
	malformed int
	// tail is set once the unterminated remainder of the body was handed
	// out as the last unit.
	tail bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger used for dropped units.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// WithMaxUnitSize bounds the size of a single unit. Larger units fail the
// stream.
func WithMaxUnitSize(n int) Option {
	return func(r *Reader) {
		r.scanner.Buffer(make([]byte, 0, min(n, 64<<10)), n)
	}
}

// NewReader creates a Reader over body. Bytes are decoded as UTF-8 across
// chunk boundaries; invalid sequences become U+FFFD.
func NewReader(body io.ReadCloser, opts ...Option) *Reader {
	r := &Reader{
		body:   body,
		logger: zerolog.Nop(),
	}
	r.scanner = bufio.NewScanner(transform.NewReader(body, unicode.UTF8.NewDecoder()))
	r.scanner.Buffer(make([]byte, 0, 4096), defaultMaxUnitSize)
	r.scanner.Split(r.splitUnits)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the next non-empty text delta. It returns io.EOF once the
// stream has ended for any soft reason; Outcome tells which. Read failures
// are returned as errors.
func (r *Reader) Next() (string, error) {
	if r.outcome != Pending {
		if r.err != nil {
			return "", r.err
		}
		return "", io.EOF
	}

	for r.scanner.Scan() {
		payload, ok := parseUnit(r.scanner.Text())
		if !ok {
			continue
		}

		if payload == DoneSentinel {
			return "", r.finish(Completed, "")
		}

		var rec record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			if r.tail {
				r.logger.Debug().Int("size", len(payload)).Msg("discarding incomplete trailing unit")
				continue
			}
			r.malformed++
			r.logger.Warn().Err(err).Int("size", len(payload)).Msg("dropping malformed stream unit")
			continue
		}

		if rec.Error != "" {
			return "", r.finish(Interrupted, rec.Error)
		}
		if rec.Chunk == nil || *rec.Chunk == "" {
			continue
		}
		return *rec.Chunk, nil
	}

	err := r.scanner.Err()
	switch {
	case r.closed.Load():
		return "", r.finish(Cancelled, "")
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		r.logger.Debug().Msg("stream ended without completion sentinel")
		return "", r.finish(Truncated, "")
	default:
		r.err = fmt.Errorf("read stream: %w", err)
		r.finish(Failed, err.Error())
		return "", r.err
	}
}

// Deltas returns the stream as a lazy sequence of text deltas. The sequence
// ends at the end of the stream, after yielding a read error, or when the
// consumer stops; the body is closed in every case.
func (r *Reader) Deltas() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer r.Close()
		for {
			delta, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

// Close releases the body. It is idempotent.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}

// Outcome reports how the stream ended, or Pending while it is being read.
func (r *Reader) Outcome() Outcome {
	return r.outcome
}

// Reason is the server's error text for an Interrupted stream, or the read
// error for a Failed one.
func (r *Reader) Reason() string {
	return r.reason
}

// Malformed returns the number of units dropped because they did not parse.
func (r *Reader) Malformed() int {
	return r.malformed
}

func (r *Reader) finish(o Outcome, reason string) error {
	r.outcome = o
	r.reason = reason
	r.Close()
	return io.EOF
}

// splitUnits is a bufio.SplitFunc yielding blank-line separated units. The
// unterminated remainder at the end of input is yielded as a last unit; Next
// keeps it only if its payload is complete.
func (r *Reader) splitUnits(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i, n := unitBoundary(data); i >= 0 {
		return i + n, data[:i], nil
	}

	if atEOF {
		r.tail = true
		return len(data), data, nil
	}
	return 0, nil, nil
}

// unitBoundary finds the first blank line and returns its index and length.
func unitBoundary(data []byte) (int, int) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// parseUnit extracts the payload of a unit. Data lines lose their marker and
// are joined with newlines; field lines and comments are ignored; any other
// line is payload as-is. ok is false for a unit without payload.
func parseUnit(unit string) (string, bool) {
	var lines []string
	for line := range strings.SplitSeq(unit, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "data:"):
			line = strings.TrimPrefix(line, "data:")
			lines = append(lines, strings.TrimPrefix(line, " "))
		case strings.HasPrefix(line, ":"),
			strings.HasPrefix(line, "event:"),
			strings.HasPrefix(line, "id:"),
			strings.HasPrefix(line, "retry:"):
			continue
		default:
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return "", false
	}
	payload := strings.TrimSpace(strings.Join(lines, "\n"))
	return payload, payload != ""
}
