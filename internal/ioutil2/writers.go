// Package ioutil2 contains small io.Writer helpers used by the ELF writer
// (internal/elfobj).
package ioutil2

import "io"

// CountingWriter wraps an io.Writer and tracks the number of bytes written
// through it so far.
type CountingWriter struct {
	Writer       io.Writer
	bytesWritten int
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	written, err := c.Writer.Write(p)
	c.bytesWritten += written

	return written, err
}

func (c *CountingWriter) BytesWritten() int {
	return c.bytesWritten
}

// WriteZeros writes count zero bytes to w, used to pad between ELF
// sections that don't abut on disk.
func WriteZeros(w io.Writer, count int) error {
	const chunk = 4096
	var buf [chunk]byte
	for count > 0 {
		n := count
		if n > chunk {
			n = chunk
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		count -= n
	}
	return nil
}
