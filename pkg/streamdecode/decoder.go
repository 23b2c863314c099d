package streamdecode

import (
	"bytes"
	"encoding/json"
	"io"
	"iter"

	"github.com/rs/zerolog/log"
)

const defaultReadSize = 4096

// ErrorSink receives segments that could not be parsed. It must not block.
type ErrorSink func(segment []byte, err error)

// Decoder turns an ordered sequence of byte chunks into parsed JSON records,
// one per newline-terminated line. A record may be split across any number of
// chunks; the trailing incomplete segment is kept until the next Write or Flush.
type Decoder[T any] struct {
	pending  []byte
	sink     ErrorSink
	readSize int
	dropped  int
}

type Option func(*options)

type options struct {
	sink     ErrorSink
	readSize int
}

// WithErrorSink replaces the default sink (a zerolog warning).
func WithErrorSink(sink ErrorSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithReadSize sets the buffer size used by Records for each read.
func WithReadSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

func logSink(segment []byte, err error) {
	log.Warn().Err(err).Str("component", "streamdecode").Int("bytes", len(segment)).Msg("dropping malformed stream record")
}

func New[T any](opts ...Option) *Decoder[T] {
	o := options{sink: logSink, readSize: defaultReadSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sink == nil {
		o.sink = logSink
	}
	return &Decoder[T]{sink: o.sink, readSize: o.readSize}
}

// Write appends chunk to the pending buffer and returns every record completed by it.
func (d *Decoder[T]) Write(chunk []byte) []T {
	d.pending = append(d.pending, chunk...)
	idx := bytes.LastIndexByte(d.pending, '\n')
	if idx < 0 {
		return nil
	}

	complete := d.pending[:idx]
	var out []T
	for len(complete) > 0 {
		var line []byte
		if i := bytes.IndexByte(complete, '\n'); i >= 0 {
			line, complete = complete[:i], complete[i+1:]
		} else {
			line, complete = complete, nil
		}
		if rec, ok := d.parse(line); ok {
			out = append(out, rec)
		}
	}

	rest := d.pending[idx+1:]
	d.pending = append(d.pending[:0:0], rest...)
	return out
}

// Flush makes one final parse attempt on whatever is still buffered.
func (d *Decoder[T]) Flush() []T {
	if len(d.pending) == 0 {
		return nil
	}
	line := d.pending
	d.pending = nil
	if rec, ok := d.parse(line); ok {
		return []T{rec}
	}
	return nil
}

// Pending reports the number of buffered bytes not yet terminated by a newline.
func (d *Decoder[T]) Pending() int {
	return len(d.pending)
}

// Dropped reports how many non-blank segments failed to parse so far.
func (d *Decoder[T]) Dropped() int {
	return d.dropped
}

func (d *Decoder[T]) parse(line []byte) (T, bool) {
	var rec T
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return rec, false
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		d.dropped++
		d.sink(append([]byte(nil), line...), err)
		var zero T
		return zero, false
	}
	return rec, true
}

// Records lazily decodes r. Each pull from the returned sequence reads at most
// as many chunks as it takes to complete the next record. A read error other
// than io.EOF is yielded once and ends the sequence; io.EOF flushes the buffer.
func Records[T any](r io.Reader, opts ...Option) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		d := New[T](opts...)
		buf := make([]byte, d.readSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, rec := range d.Write(buf[:n]) {
					if !yield(rec, nil) {
						return
					}
				}
			}
			if err == io.EOF {
				for _, rec := range d.Flush() {
					if !yield(rec, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
		}
	}
}
