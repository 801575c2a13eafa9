// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"bufio"
	"fmt"
	"io"
)

// MaxRecord is the largest payload a capture record can hold.
const MaxRecord = MaxVint30

// AppendRecord appends a capture record holding data to buf, and returns the
// updated slice. It panics if data is longer than MaxRecord.
func AppendRecord(buf, data []byte) []byte { return Bytes(data).Encode(buf) }

// A RecordWriter writes capture records to an underlying writer.
type RecordWriter struct {
	w   *bufio.Writer
	buf []byte
}

// NewRecordWriter constructs a RecordWriter that writes to w. The caller must
// call Flush when done writing.
func NewRecordWriter(w io.Writer) *RecordWriter { return &RecordWriter{w: bufio.NewWriter(w)} }

// Write writes a single record holding data.
func (w *RecordWriter) Write(data []byte) error {
	if len(data) > MaxRecord {
		return fmt.Errorf("record too long (%d > %d bytes)", len(data), MaxRecord)
	}
	w.buf = Vint30(len(data)).Append(w.buf[:0])
	if _, err := w.w.Write(w.buf); err != nil {
		return err
	}
	_, err := w.w.Write(data)
	return err
}

// Flush writes any buffered data to the underlying writer.
func (w *RecordWriter) Flush() error { return w.w.Flush() }

// A RecordReader reads capture records from an underlying reader.
type RecordReader struct {
	r *bufio.Reader
	n int // records read
}

// NewRecordReader constructs a RecordReader that reads from r.
func NewRecordReader(r io.Reader) *RecordReader {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &RecordReader{r: bufio.NewReader(r)}
}

// Next reads the next record and returns its payload, which is a fresh slice
// owned by the caller. It reports io.EOF if no input remains, and
// io.ErrUnexpectedEOF if the input ends inside a record.
func (r *RecordReader) Next() ([]byte, error) {
	var hdr [4]byte
	b, err := r.r.ReadByte()
	if err != nil {
		return nil, err // io.EOF at a record boundary
	}
	hdr[0] = b
	nb := vint30Len(b)
	if _, err := io.ReadFull(r.r, hdr[1:nb]); err != nil {
		return nil, r.truncated(err)
	}
	_, size := ParseVint30(hdr[:nb])

	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, r.truncated(err)
	}
	r.n++
	return data, nil
}

func (r *RecordReader) truncated(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("record %d: %w", r.n, err)
}

// Count reports the number of records read so far.
func (r *RecordReader) Count() int { return r.n }
