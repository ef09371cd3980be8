package hydradash

import (
	"errors"
	"io"
	"time"
)

// maxResponseSize bounds how much of a node's response body is read.
const maxResponseSize = 32 << 20

var errResponseTooLarge = errors.New("response body exceeds size limit")

// TrackingReader records when the first byte of a response body arrived and
// how many bytes were read, and refuses bodies above its limit.
type TrackingReader struct {
	io.Reader
	firstByte time.Time
	len       int
	limit     int
}

func newTrackingReader(r io.Reader, limit int) *TrackingReader {
	return &TrackingReader{Reader: r, limit: limit}
}

func (tr *TrackingReader) Read(buf []byte) (int, error) {
	n, err := tr.Reader.Read(buf)
	if n > 0 && tr.firstByte.IsZero() {
		tr.firstByte = time.Now()
	}
	tr.len += n
	if tr.limit > 0 && tr.len > tr.limit {
		return n, errResponseTooLarge
	}
	return n, err
}

func (tr *TrackingReader) FirstByte() time.Time { return tr.firstByte }

func (tr *TrackingReader) Len() int { return tr.len }
