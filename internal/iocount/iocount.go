// Package iocount provides byte-counting reader/writer wrappers used
// to keep the per-stream traffic counters.
package iocount

import (
	"io"
	"sync/atomic"
)

// Reader wraps an io.Reader and counts bytes read.
type Reader struct {
	r     io.Reader
	count *atomic.Int64
}

// NewReader creates a counting reader feeding counter.
func NewReader(r io.Reader, counter *atomic.Int64) *Reader {
	return &Reader{r: r, count: counter}
}

// Read implements io.Reader.
func (c *Reader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.count.Add(int64(n))
	}
	return n, err
}

// Writer wraps an io.Writer and counts bytes written.
type Writer struct {
	w     io.Writer
	count *atomic.Int64
}

// NewWriter creates a counting writer feeding counter.
func NewWriter(w io.Writer, counter *atomic.Int64) *Writer {
	return &Writer{w: w, count: counter}
}

// Write implements io.Writer.
func (c *Writer) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.count.Add(int64(n))
	}
	return n, err
}
