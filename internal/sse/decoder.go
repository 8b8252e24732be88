package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const (
	dataPrefix = "data: "
	readSize   = 4096
)

var recordSeparator = []byte("\n\n")

// TextDelta is one incremental fragment of generated text.
type TextDelta struct {
	Text string `json:"text"`
}

// Decoder pulls TextDelta values out of an event-stream body. It is not
// restartable: once Next returns an error the decoder is finished.
type Decoder struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	pending []TextDelta
	err     error
}

// NewDecoder wraps r. Bytes are buffered until a full record is available,
// so a multi-byte character split across reads is reassembled before the
// record is parsed.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, readSize)}
}

// Next returns the next delta, or io.EOF once the stream is exhausted.
// Malformed records are skipped.
func (d *Decoder) Next() (TextDelta, error) {
	for {
		if len(d.pending) > 0 {
			delta := d.pending[0]
			d.pending = d.pending[1:]
			return delta, nil
		}
		if d.err != nil {
			return TextDelta{}, d.err
		}
		d.fill()
	}
}

// fill performs one read and moves every complete record into pending.
func (d *Decoder) fill() {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
		d.extract()
	}
	if err == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		// trailing record without a separator
		if len(d.buf) > 0 {
			if delta, ok := parseRecord(d.buf); ok {
				d.pending = append(d.pending, delta)
			}
			d.buf = nil
		}
		d.err = io.EOF
		return
	}
	d.err = err
}

func (d *Decoder) extract() {
	for {
		idx := bytes.Index(d.buf, recordSeparator)
		if idx < 0 {
			break
		}
		if delta, ok := parseRecord(d.buf[:idx]); ok {
			d.pending = append(d.pending, delta)
		}
		d.buf = d.buf[idx+len(recordSeparator):]
	}
	// compact so the backing array does not grow without bound
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
}

// parseRecord decodes `data: {"text":...}`. A payload that is valid JSON but
// lacks text yields an empty delta.
func parseRecord(record []byte) (TextDelta, bool) {
	if !bytes.HasPrefix(record, []byte(dataPrefix)) {
		return TextDelta{}, false
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(record[len(dataPrefix):], &payload); err != nil {
		return TextDelta{}, false
	}
	return TextDelta{Text: payload.Text}, true
}
