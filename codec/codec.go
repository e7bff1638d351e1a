// Package codec deflates tunnel frames before they are handed to the DNS
// channel and inflates the payloads that come back.
//
// Both directions write into a caller-provided buffer and never truncate:
// if the result does not fit, ErrBufferTooSmall is returned and the buffer
// contents are undefined.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bassosimone/runtimex"
	"github.com/klauspost/compress/zlib"
)

var (
	// ErrBufferTooSmall means the output does not fit in the destination.
	ErrBufferTooSmall = errors.New("codec: buffer too small")

	// ErrCorrupt means the input is not a valid zlib stream.
	ErrCorrupt = errors.New("codec: corrupt input")
)

// Bound is the largest Compress result for an n byte frame. Incompressible
// input is stored, so the cost is the zlib framing plus a few bytes per
// deflate block.
func Bound(n int) int {
	return n + n/1000 + 64
}

// boundedWriter fills buf and refuses to grow past it.
type boundedWriter struct {
	buf      []byte
	n        int
	overflow bool
}

func (w *boundedWriter) reset(buf []byte) {
	w.buf, w.n, w.overflow = buf, 0, false
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	copied := copy(w.buf[w.n:], p)
	w.n += copied
	if copied < len(p) {
		w.overflow = true
		return copied, ErrBufferTooSmall
	}
	return copied, nil
}

// Codec keeps zlib state between calls so the reactor does not allocate a
// compressor per frame. A Codec is not safe for concurrent use.
type Codec struct {
	out *boundedWriter
	zw  *zlib.Writer
	src *bytes.Reader
	zr  io.ReadCloser
}

func NewCodec() *Codec {
	out := new(boundedWriter)
	zw, err := zlib.NewWriterLevel(out, zlib.BestCompression)
	runtimex.Assert(err == nil)
	return &Codec{out: out, zw: zw, src: bytes.NewReader(nil)}
}

// Compress deflates src at maximum compression into dst and returns the
// number of bytes written.
func (c *Codec) Compress(dst, src []byte) (int, error) {
	c.out.reset(dst)
	c.zw.Reset(c.out)

	_, err := c.zw.Write(src)
	if err == nil {
		err = c.zw.Close()
	}
	if c.out.overflow {
		return 0, ErrBufferTooSmall
	}
	if err != nil {
		return 0, fmt.Errorf("codec: deflate fail, %w", err)
	}
	return c.out.n, nil
}

// Decompress inflates src into dst and returns the frame length.
func (c *Codec) Decompress(dst, src []byte) (int, error) {
	c.src.Reset(src)
	if c.zr == nil {
		zr, err := zlib.NewReader(c.src)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		c.zr = zr
	} else if err := c.zr.(zlib.Resetter).Reset(c.src, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	n := 0
	for {
		if n == len(dst) {
			// dst is full, so the stream has to end right here
			var extra [1]byte
			m, err := c.zr.Read(extra[:])
			if m > 0 {
				return 0, ErrBufferTooSmall
			}
			if err == io.EOF {
				return n, nil
			}
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			continue
		}

		m, err := c.zr.Read(dst[n:])
		n += m
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
}

// Compress is a one-shot Codec.Compress.
func Compress(dst, src []byte) (int, error) {
	return NewCodec().Compress(dst, src)
}

// Decompress is a one-shot Codec.Decompress.
func Decompress(dst, src []byte) (int, error) {
	return NewCodec().Decompress(dst, src)
}
