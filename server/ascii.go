package server

import (
	"errors"
	"io"
)

// asciiFile wraps a file for TYPE A transfers: reads convert LF to CRLF
// (RETR) and writes convert CRLF to LF (STOR). Seeking goes to the
// underlying file, so restart offsets count file bytes.
type asciiFile struct {
	f File
	r *crlfReader
	w *lfWriter
}

func newASCIIFile(f File) *asciiFile {
	return &asciiFile{
		f: f,
		r: &crlfReader{r: f},
		w: &lfWriter{w: f},
	}
}

func (a *asciiFile) Read(p []byte) (int, error)  { return a.r.Read(p) }
func (a *asciiFile) Write(p []byte) (int, error) { return a.w.Write(p) }

func (a *asciiFile) Seek(offset int64, whence int) (int64, error) {
	s, ok := a.f.(io.Seeker)
	if !ok {
		return 0, errors.New("file does not support seeking")
	}
	a.r.reset()
	return s.Seek(offset, whence)
}

func (a *asciiFile) Close() error {
	err := a.w.flush()
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// crlfReader inserts a CR before every LF that does not already follow one.
type crlfReader struct {
	r       io.Reader
	prevCR  bool
	buf     []byte
	out     []byte
	pending []byte
	err     error
}

func (c *crlfReader) reset() {
	c.prevCR = false
	c.pending = nil
	c.err = nil
}

func (c *crlfReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(c.pending) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		// Worst case every byte is a bare LF and doubles.
		n := max(len(p)/2, 1)
		if cap(c.buf) < n {
			c.buf = make([]byte, n)
		}
		m, err := c.r.Read(c.buf[:n])
		c.err = err
		if m == 0 {
			if err == nil {
				return 0, nil
			}
			return 0, err
		}
		c.out = c.out[:0]
		for _, b := range c.buf[:m] {
			if b == '\n' && !c.prevCR {
				c.out = append(c.out, '\r')
			}
			c.out = append(c.out, b)
			c.prevCR = b == '\r'
		}
		c.pending = c.out
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// lfWriter drops the CR of every CRLF pair. A CR at the end of one write
// is held back until the next byte is known.
type lfWriter struct {
	w      io.Writer
	heldCR bool
	out    []byte
}

func (l *lfWriter) Write(p []byte) (int, error) {
	l.out = l.out[:0]
	for _, b := range p {
		if l.heldCR {
			l.heldCR = false
			if b != '\n' {
				l.out = append(l.out, '\r')
			}
		}
		if b == '\r' {
			l.heldCR = true
			continue
		}
		l.out = append(l.out, b)
	}
	if len(l.out) > 0 {
		if _, err := l.w.Write(l.out); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (l *lfWriter) flush() error {
	if !l.heldCR {
		return nil
	}
	l.heldCR = false
	_, err := l.w.Write([]byte{'\r'})
	return err
}
