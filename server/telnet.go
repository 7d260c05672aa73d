package server

import (
	"bufio"
	"errors"
	"io"
)

const (
	telnetIAC  = 0xFF // Interpret As Command
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// errLineTooLong is returned by readLine for command lines longer than
// MaxCommandLength.
var errLineTooLong = errors.New("command too long")

// telnetReader reads the control connection, dropping Telnet option
// negotiation and other IAC sequences (such as the IAC IP IAC DM some
// clients send before ABOR). An escaped IAC IAC yields one 0xFF byte.
type telnetReader struct {
	reader *bufio.Reader
}

func newTelnetReader(r io.Reader) *telnetReader {
	return &telnetReader{reader: bufio.NewReader(r)}
}

// Reset discards buffered input and switches to r, e.g. after AUTH TLS.
func (t *telnetReader) Reset(r io.Reader) {
	t.reader.Reset(r)
}

// readByte returns the next data byte.
func (t *telnetReader) readByte() (byte, error) {
	for {
		b, err := t.reader.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != telnetIAC {
			return b, nil
		}
		cmd, err := t.reader.ReadByte()
		if err != nil {
			return 0, err
		}
		switch cmd {
		case telnetIAC:
			return telnetIAC, nil
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// Three byte sequence: skip the option.
			if _, err := t.reader.ReadByte(); err != nil {
				return 0, err
			}
		}
	}
}

// Read implements io.Reader over the filtered stream. It returns what is
// buffered rather than blocking for a full p.
func (t *telnetReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if n > 0 && t.reader.Buffered() == 0 {
			break
		}
		b, err := t.readByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		p[n] = b
		n++
	}
	return n, nil
}

// readLine returns the next line without its CRLF. Lines longer than max
// bytes fail with errLineTooLong.
func (t *telnetReader) readLine(max int) (string, error) {
	var line []byte
	for {
		b, err := t.readByte()
		if err != nil {
			return string(line), err
		}
		if b == '\n' {
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		}
		if len(line) >= max {
			return "", errLineTooLong
		}
		line = append(line, b)
	}
}
