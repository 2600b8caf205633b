package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chunkedBody returns one chunk per Read, like a network body delivering
// separate packets, then ends with err (io.EOF when nil).
type chunkedBody struct {
	chunks [][]byte
	err    error
	closed bool
}

func newChunkedBody(chunks ...string) *chunkedBody {
	b := &chunkedBody{}
	for _, c := range chunks {
		b.chunks = append(b.chunks, []byte(c))
	}
	return b
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, errors.New("read on closed body")
	}
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if len(b.chunks[0]) == 0 {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed = true
	return nil
}

func collect(t *testing.T, r *Reader) []string {
	t.Helper()
	var deltas []string
	for delta, err := range r.Deltas() {
		require.NoError(t, err)
		deltas = append(deltas, delta)
	}
	return deltas
}

func TestReader_ChunkSequence(t *testing.T) {
	body := newChunkedBody(
		"data: {\"chunk\":\"Hel\"}\n\n",
		"data: {\"chunk\":\"lo\"}\n\n",
		"data: [DONE]\n\n",
	)
	r := NewReader(body)

	deltas := collect(t, r)

	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Hello", strings.Join(deltas, ""))
	assert.Equal(t, Completed, r.Outcome())
	assert.True(t, body.closed)
}

func TestReader_NothingAfterSentinel(t *testing.T) {
	r := NewReader(newChunkedBody(
		"data: {\"chunk\":\"a\"}\n\n",
		"data: [DONE]\n\n",
		"data: {\"chunk\":\"late\"}\n\n",
	))

	assert.Equal(t, []string{"a"}, collect(t, r))
	assert.Equal(t, Completed, r.Outcome())

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_MalformedUnitDropped(t *testing.T) {
	r := NewReader(newChunkedBody(
		"data: {\"chunk\":\"A\"}\n\n",
		"data: {not json\n\n",
		"data: {\"chunk\":\"B\"}\n\n",
		"data: [DONE]\n\n",
	))

	assert.Equal(t, []string{"A", "B"}, collect(t, r))
	assert.Equal(t, 1, r.Malformed())
	assert.Equal(t, Completed, r.Outcome())
}

func TestReader_PrematureEndIsSoft(t *testing.T) {
	r := NewReader(newChunkedBody("data: {\"chunk\":\"Hi\"}\n\n"))

	deltas := collect(t, r)

	assert.Equal(t, "Hi", strings.Join(deltas, ""))
	assert.Equal(t, Truncated, r.Outcome())
}

func TestReader_UnexpectedEOFIsSoft(t *testing.T) {
	body := newChunkedBody("data: {\"chunk\":\"Hi\"}\n\n", "data: {\"chu")
	body.err = io.ErrUnexpectedEOF
	r := NewReader(body)

	assert.Equal(t, []string{"Hi"}, collect(t, r))
	assert.Equal(t, Truncated, r.Outcome())
	assert.Zero(t, r.Malformed(), "incomplete trailing unit is not parsed")
}

func TestReader_UnterminatedLastUnit(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		want    []string
		outcome Outcome
	}{
		{
			name:    "complete chunk kept",
			chunks:  []string{"data: {\"chunk\":\"Hel\"}\n\n", "data: {\"chunk\":\"lo\"}"},
			want:    []string{"Hel", "lo"},
			outcome: Truncated,
		},
		{
			name:    "sentinel without blank line",
			chunks:  []string{"data: {\"chunk\":\"Hi\"}\n\ndata: [DONE]\n"},
			want:    []string{"Hi"},
			outcome: Completed,
		},
		{
			name:    "error record without blank line",
			chunks:  []string{"data: {\"chunk\":\"Hi\"}\n\n", "data: {\"error\":\"Stream interrupted\"}"},
			want:    []string{"Hi"},
			outcome: Interrupted,
		},
		{
			name:    "cut-off record dropped",
			chunks:  []string{"data: {\"chunk\":\"Hi\"}\n\n", "data: {\"chunk\":\"th"},
			want:    []string{"Hi"},
			outcome: Truncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(newChunkedBody(tt.chunks...))
			assert.Equal(t, tt.want, collect(t, r))
			assert.Equal(t, tt.outcome, r.Outcome())
			assert.Zero(t, r.Malformed())
		})
	}
}

func TestReader_MultibyteSplitAcrossChunks(t *testing.T) {
	unit := []byte("data: {\"chunk\":\"café\"}\n\n")
	// split inside the two-byte encoding of é
	split := strings.Index(string(unit), "é") + 1

	r := NewReader(newChunkedBody(
		string(unit[:split]),
		string(unit[split:]),
		"data: [DONE]\n\n",
	))

	deltas := collect(t, r)
	require.Len(t, deltas, 1)
	assert.Equal(t, "café", deltas[0])
	assert.NotContains(t, deltas[0], "�")
}

func TestReader_UnitSplitAcrossChunks(t *testing.T) {
	r := NewReader(newChunkedBody(
		"data: {\"chu",
		"nk\":\"one\"}\n",
		"\ndata: [DO",
		"NE]\n\n",
	))

	assert.Equal(t, []string{"one"}, collect(t, r))
	assert.Equal(t, Completed, r.Outcome())
}

func TestReader_ErrorRecordInterrupts(t *testing.T) {
	r := NewReader(newChunkedBody(
		"data: {\"chunk\":\"partial\"}\n\n",
		"data: {\"error\":\"Stream interrupted\"}\n\n",
	))

	assert.Equal(t, []string{"partial"}, collect(t, r))
	assert.Equal(t, Interrupted, r.Outcome())
	assert.Equal(t, "Stream interrupted", r.Reason())
}

func TestReader_Framing(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "crlf separators",
			chunks: []string{"data: {\"chunk\":\"x\"}\r\n\r\ndata: [DONE]\r\n\r\n"},
			want:   []string{"x"},
		},
		{
			name:   "unprefixed unit",
			chunks: []string{"{\"chunk\":\"raw\"}\n\ndata: [DONE]\n\n"},
			want:   []string{"raw"},
		},
		{
			name:   "no space after marker",
			chunks: []string{"data:{\"chunk\":\"tight\"}\n\ndata:[DONE]\n\n"},
			want:   []string{"tight"},
		},
		{
			name:   "comments and event fields ignored",
			chunks: []string{": keep-alive\n\nevent: message\nid: 1\ndata: {\"chunk\":\"y\"}\n\ndata: [DONE]\n\n"},
			want:   []string{"y"},
		},
		{
			name:   "multi-line data joined",
			chunks: []string{"data: {\"chunk\":\ndata: \"z\"}\n\ndata: [DONE]\n\n"},
			want:   []string{"z"},
		},
		{
			name:   "empty chunks skipped",
			chunks: []string{"data: {\"chunk\":\"\"}\n\ndata: {}\n\ndata: {\"chunk\":\"w\"}\n\ndata: [DONE]\n\n"},
			want:   []string{"w"},
		},
		{
			name:   "leading blank lines",
			chunks: []string{"\n\n\n\ndata: {\"chunk\":\"v\"}\n\ndata: [DONE]\n\n"},
			want:   []string{"v"},
		},
		{
			name:   "whitespace preserved inside chunk",
			chunks: []string{"data: {\"chunk\":\" and \"}\n\ndata: [DONE]\n\n"},
			want:   []string{" and "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(newChunkedBody(tt.chunks...))
			assert.Equal(t, tt.want, collect(t, r))
			assert.Equal(t, Completed, r.Outcome())
			assert.Zero(t, r.Malformed())
		})
	}
}

func TestReader_ReadErrorFails(t *testing.T) {
	body := newChunkedBody("data: {\"chunk\":\"a\"}\n\n")
	body.err = errors.New("connection reset")
	r := NewReader(body)

	var deltas []string
	var gotErr error
	for delta, err := range r.Deltas() {
		if err != nil {
			gotErr = err
			continue
		}
		deltas = append(deltas, delta)
	}

	assert.Equal(t, []string{"a"}, deltas)
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "connection reset")
	assert.Equal(t, Failed, r.Outcome())
	assert.True(t, body.closed)
}

func TestReader_UnitTooLarge(t *testing.T) {
	r := NewReader(
		newChunkedBody("data: {\"chunk\":\""+strings.Repeat("x", 256)+"\"}\n\n"),
		WithMaxUnitSize(64),
	)

	_, err := r.Next()
	assert.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Equal(t, Failed, r.Outcome())
}

func TestReader_CloseCancelsPendingRead(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewReader(pr)

	go func() {
		pw.Write([]byte("data: {\"chunk\":\"first\"}\n\n"))
	}()

	delta, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", delta)

	done := make(chan error, 1)
	go func() {
		_, err := r.Next()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "Close is idempotent")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Equal(t, Cancelled, r.Outcome())
	pw.Close()
}

func TestReader_ConsumerStopsEarly(t *testing.T) {
	body := newChunkedBody(
		"data: {\"chunk\":\"a\"}\n\n",
		"data: {\"chunk\":\"b\"}\n\n",
	)
	r := NewReader(body)

	for range r.Deltas() {
		break
	}
	assert.True(t, body.closed)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "truncated", Truncated.String())
	assert.Equal(t, "Outcome(42)", Outcome(42).String())
}
