package curvecp

import "io"

// WriteTo implements io.WriterTo: it repeatedly reads from the
// connection and writes to w until the peer's stream ends, draining
// Conn in the idiomatic Go style instead of a caller-managed read loop.
// It is a thin adapter over the single-buffer Read contract, not a new
// wire behavior.
func (c *Conn) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := c.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if wn < n {
				return total, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == ErrEndOfStream {
				return total, nil
			}
			return total, err
		}
	}
}

// ReadFrom implements io.ReaderFrom: it repeatedly reads from r and
// writes to the connection until r is exhausted, draining r in the
// idiomatic Go style instead of a caller-managed write loop. It is a
// thin adapter over the single-buffer Write contract, not a new wire
// behavior.
func (c *Conn) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			wn, werr := c.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
