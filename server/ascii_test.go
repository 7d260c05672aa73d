package server

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

type nopFile struct {
	*bytes.Buffer
	closed bool
}

func (f *nopFile) Close() error {
	f.closed = true
	return nil
}

func TestASCIIFile_Read(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare LF", "a\nb\n", "a\r\nb\r\n"},
		{"already CRLF", "a\r\nb\r\n", "a\r\nb\r\n"},
		{"mixed", "a\nb\r\nc", "a\r\nb\r\nc"},
		{"lone CR", "a\rb", "a\rb"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newASCIIFile(&nopFile{Buffer: bytes.NewBufferString(tt.in)})
			got, err := io.ReadAll(iotest.OneByteReader(a))
			fatalIfErr(t, err, "ReadAll")
			if string(got) != tt.want {
				t.Errorf("read %q, want %q", got, tt.want)
			}
		})
	}
}

func TestASCIIFile_Write(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"CRLF", []string{"a\r\nb\r\n"}, "a\nb\n"},
		{"CR split across writes", []string{"a\r", "\nb"}, "a\nb"},
		{"lone CR", []string{"a\rb"}, "a\rb"},
		{"trailing CR kept", []string{"a\r"}, "a\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &nopFile{Buffer: new(bytes.Buffer)}
			a := newASCIIFile(f)
			for _, c := range tt.chunks {
				n, err := a.Write([]byte(c))
				fatalIfErr(t, err, "Write")
				if n != len(c) {
					t.Errorf("Write returned %d, want %d", n, len(c))
				}
			}
			fatalIfErr(t, a.Close(), "Close")
			if f.String() != tt.want {
				t.Errorf("wrote %q, want %q", f.String(), tt.want)
			}
			if !f.closed {
				t.Error("underlying file not closed")
			}
		})
	}
}

func TestASCIIFile_SeekNeedsSeeker(t *testing.T) {
	a := newASCIIFile(&nopFile{Buffer: new(bytes.Buffer)})
	if _, err := a.Seek(10, io.SeekStart); err == nil {
		t.Error("Seek on a non-seekable file should fail")
	}

	f := &seekFile{Reader: strings.NewReader("0123\n56")}
	a = newASCIIFile(f)
	if _, err := a.Seek(3, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(a)
	if string(got) != "3\r\n56" {
		t.Errorf("read after seek = %q", got)
	}
}

type seekFile struct {
	*strings.Reader
}

func (seekFile) Write(p []byte) (int, error) { return len(p), nil }
func (seekFile) Close() error                { return nil }
