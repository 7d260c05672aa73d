//go:build !unix

package registry

import (
	"io"
	"os"
)

// Without mmap the segment is a private buffer mirrored to the file.

func mapFile(f *os.File, size int, _ bool) ([]byte, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

func unmapFile([]byte) error { return nil }

func (sf *StatusFile) flush(off, n int) {
	_, _ = sf.f.WriteAt(sf.data[off:off+n], int64(off))
}

func (sf *StatusFile) refresh() {
	_, _ = sf.f.ReadAt(sf.data, 0)
}
