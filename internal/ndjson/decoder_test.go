package ndjson

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{"type":"metadata","metadata":{"filename":"a.pdf","page_count":2}}
{"type":"page_data","page":1,"transactions":[{"date":"01-01-2024","amount":100,"type":"CREDIT"}]}

{"type":"page_data","page":2,"transactions":[]}
{"type":"accuracy","accuracy":{"isAccurate":true}}
`

func readAll(t *testing.T, r io.Reader) []string {
	t.Helper()
	d := NewDecoder(r, zerolog.Nop())
	var out []string
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(rec))
	}
}

// chunkReader returns the input in fixed-size pieces.
type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestDecoder_Unsplit(t *testing.T) {
	recs := readAll(t, strings.NewReader(sample))
	require.Len(t, recs, 4)
	assert.Contains(t, recs[0], `"metadata"`)
	assert.Contains(t, recs[3], `"accuracy"`)
}

func TestDecoder_ArbitrarySplitsMatchUnsplit(t *testing.T) {
	want := readAll(t, strings.NewReader(sample))

	for size := 1; size <= len(sample); size++ {
		got := readAll(t, &chunkReader{data: []byte(sample), size: size})
		require.Equal(t, want, got, "chunk size %d", size)
	}

	assert.Equal(t, want, readAll(t, iotest.OneByteReader(strings.NewReader(sample))))
	assert.Equal(t, want, readAll(t, iotest.HalfReader(strings.NewReader(sample))))
	assert.Equal(t, want, readAll(t, iotest.DataErrReader(strings.NewReader(sample))))
}

func TestDecoder_SkipsMalformedLines(t *testing.T) {
	input := `{"type":"metadata"}
{"type":"page_data", BROKEN
[1,2,3]
"just a string"
{"type":"accuracy"}
`
	d := NewDecoder(strings.NewReader(input), zerolog.Nop())

	first, err := d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"metadata"}`, string(first))

	second, err := d.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"accuracy"}`, string(second))

	_, err = d.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, d.Skipped())
}

func TestDecoder_UnterminatedFinalLine(t *testing.T) {
	recs := readAll(t, strings.NewReader(`{"a":1}`+"\n"+`{"b":2}`))
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, recs)
}

func TestDecoder_TruncatedFinalLineIsSkipped(t *testing.T) {
	recs := readAll(t, strings.NewReader(`{"a":1}`+"\n"+`{"b":`))
	assert.Equal(t, []string{`{"a":1}`}, recs)
}

func TestDecoder_CRLF(t *testing.T) {
	recs := readAll(t, strings.NewReader("{\"a\":1}\r\n{\"b\":2}\r\n"))
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, recs)
}

func TestDecoder_TransportErrorKeepsEarlierRecords(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(
		strings.NewReader(`{"a":1}`+"\n"+`{"b":2}`+"\n"+`{"c":`),
		iotest.ErrReader(boom),
	)
	d := NewDecoder(r, zerolog.Nop())

	var got []string
	var err error
	for {
		var rec []byte
		rec, err = d.Next()
		if err != nil {
			break
		}
		got = append(got, string(rec))
	}
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, got)
	assert.ErrorIs(t, err, boom)
}

func TestDecoder_Empty(t *testing.T) {
	assert.Empty(t, readAll(t, bytes.NewReader(nil)))
}

func TestSplitter_PushAndFlush(t *testing.T) {
	var s Splitter
	assert.Empty(t, s.Push([]byte(`{"a":`)))
	lines := s.Push([]byte("1}\n{\"b\""))
	require.Len(t, lines, 1)
	assert.Equal(t, `{"a":1}`, string(lines[0]))
	assert.Equal(t, `{"b"`, string(s.Flush()))
	assert.Nil(t, s.Flush())
}

func TestSplitter_DropsOversizedLine(t *testing.T) {
	var s Splitter
	big := bytes.Repeat([]byte("x"), MaxLineBytes+1)
	assert.Empty(t, s.Push(big))
	lines := s.Push([]byte("\n{\"ok\":true}\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, `{"ok":true}`, string(lines[0]))
	assert.Equal(t, 1, s.Dropped())
}
