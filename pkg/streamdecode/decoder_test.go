package streamdecode

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type record struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

const fixture = `{"message":{"content":"Hel"}}
{"message":{"content":"lo "}}
not-json
{"message":{"content":"wörld"}}

{"done":true}
  ` + "\n"

func contents(recs []record) []string {
	var out []string
	for _, r := range recs {
		switch {
		case r.Message != nil:
			out = append(out, r.Message.Content)
		case r.Done:
			out = append(out, "<done>")
		}
	}
	return out
}

func decodeChunks(t *testing.T, chunks [][]byte) ([]record, int) {
	t.Helper()
	dropped := 0
	d := New[record](WithErrorSink(func([]byte, error) { dropped++ }))
	var out []record
	for _, c := range chunks {
		out = append(out, d.Write(c)...)
	}
	out = append(out, d.Flush()...)
	require.Equal(t, 0, d.Pending())
	return out, dropped
}

func TestDecoder_SplitInvariance(t *testing.T) {
	data := []byte(fixture)
	want := []string{"Hel", "lo ", "wörld", "<done>"}

	whole, dropped := decodeChunks(t, [][]byte{data})
	require.Equal(t, want, contents(whole))
	require.Equal(t, 1, dropped)

	for i := 0; i <= len(data); i++ {
		for j := i; j <= len(data); j += 7 {
			chunks := [][]byte{data[:i], data[i:j], data[j:]}
			got, dropped := decodeChunks(t, chunks)
			require.Equal(t, want, contents(got), "split at %d/%d", i, j)
			require.Equal(t, 1, dropped, "split at %d/%d", i, j)
		}
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	data := []byte(fixture)
	chunks := make([][]byte, 0, len(data))
	for i := range data {
		chunks = append(chunks, data[i:i+1])
	}
	got, dropped := decodeChunks(t, chunks)
	require.Equal(t, []string{"Hel", "lo ", "wörld", "<done>"}, contents(got))
	require.Equal(t, 1, dropped)
}

func TestDecoder_FlushParsesUnterminatedTail(t *testing.T) {
	d := New[record]()
	require.Empty(t, d.Write([]byte(`{"message":{"content":"a"}}`+"\n"+`{"message":{"con`)))
	require.Empty(t, d.Write([]byte(`tent":"b"}}`)))
	require.Equal(t, []string{"b"}, contents(d.Flush()))
	require.Empty(t, d.Flush())
}

func TestDecoder_WhitespaceOnlyTailIsNotAnError(t *testing.T) {
	var reported [][]byte
	d := New[record](WithErrorSink(func(seg []byte, _ error) { reported = append(reported, seg) }))
	got := d.Write([]byte("{\"done\":true}\r\n \t\n"))
	got = append(got, d.Write([]byte("   "))...)
	got = append(got, d.Flush()...)
	require.Equal(t, []string{"<done>"}, contents(got))
	require.Empty(t, reported)
	require.Equal(t, 0, d.Dropped())
}

func TestDecoder_MalformedSegmentReportedNotFatal(t *testing.T) {
	var reported []string
	d := New[record](WithErrorSink(func(seg []byte, err error) {
		require.Error(t, err)
		reported = append(reported, string(seg))
	}))
	got := d.Write([]byte("{broken\n{\"message\":{\"content\":\"ok\"}}\n"))
	require.Equal(t, []string{"ok"}, contents(got))
	require.Equal(t, []string{"{broken"}, reported)
	require.Equal(t, 1, d.Dropped())
}

type countingReader struct {
	r     io.Reader
	reads int
	err   error
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++
	if c.err != nil {
		return 0, c.err
	}
	return c.r.Read(p)
}

func TestRecords_LazyAndStopsWhenConsumerBreaks(t *testing.T) {
	cr := &countingReader{r: bytes.NewReader([]byte(fixture))}
	var got []record
	for rec, err := range Records[record](cr, WithReadSize(8), WithErrorSink(func([]byte, error) {})) {
		require.NoError(t, err)
		got = append(got, rec)
		if len(got) == 1 {
			break
		}
	}
	require.Equal(t, []string{"Hel"}, contents(got))
	// "Hel" completes within the first 30 bytes, so only a handful of 8 byte reads happened.
	require.LessOrEqual(t, cr.reads, 4)
}

func TestRecords_FlushOnEOF(t *testing.T) {
	var got []record
	for rec, err := range Records[record](bytes.NewReader([]byte(`{"message":{"content":"x"}}`))) {
		require.NoError(t, err)
		got = append(got, rec)
	}
	require.Equal(t, []string{"x"}, contents(got))
}

func TestRecords_ReadErrorEndsSequence(t *testing.T) {
	boom := errors.New("aborted")
	r := io.MultiReader(bytes.NewReader([]byte(`{"message":{"content":"a"}}`+"\n")), &countingReader{err: boom})
	var recs []record
	var errs []error
	for rec, err := range Records[record](r) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recs = append(recs, rec)
	}
	require.Equal(t, []string{"a"}, contents(recs))
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], boom)
}
