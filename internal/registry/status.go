package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"time"
	"unicode/utf8"
)

// Status segment layout. All integers are little endian.
//
//	header (64 bytes): magic u32 | version u32 | capacity u32 |
//	                   record size u32 | start unix nanos i64 | pid u32
//	records: capacity * RecordSize bytes
const (
	statusMagic   = 0x46545044 // "FTPD"
	statusVersion = 1

	HeaderSize = 64
	RecordSize = 512
)

// Field offsets within a record.
const (
	offLive      = 0
	offHandle    = 4
	offLogin     = 8
	offActivity  = 16
	offData      = 24
	offBytesNow  = 32
	offResume    = 40
	offSpeed     = 48
	offState     = 56
	offFamily    = 57
	offTLS       = 58
	offDataEnc   = 59
	offUserID    = 60
	offUser      = 64  // 32
	offGroup     = 96  // 32
	offIP        = 128 // 48
	offToken     = 176 // 16
	offSessionID = 192 // 40
	offFlags     = 232 // 16
	offCommand   = 248 // 64
	offPath      = 312 // 200
	endPath      = RecordSize
)

var (
	// ErrBadStatus is returned by OpenStatus for files that are not
	// status segments of a compatible version.
	ErrBadStatus = errors.New("registry: invalid status segment")
	// ErrReadOnly is returned when writing through a read-only mapping.
	ErrReadOnly = errors.New("registry: status segment is read-only")
)

// Header describes a status segment.
type Header struct {
	Version  uint32
	Capacity int
	Started  time.Time
	PID      int
}

// StatusFile is the shared-memory status segment: a file mapped into the
// server's address space so that other processes (ftpd who, ftpd uptime)
// can read the session table without talking to the server.
type StatusFile struct {
	f        *os.File
	data     []byte
	capacity int
	readOnly bool
}

// CreateStatus creates (or truncates) the segment at path for capacity
// records and maps it read-write.
func CreateStatus(path string, capacity int, started time.Time) (*StatusFile, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrBadStatus, capacity)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	size := HeaderSize + capacity*RecordSize
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	data, err := mapFile(f, size, true)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}

	sf := &StatusFile{f: f, data: data, capacity: capacity}
	binary.LittleEndian.PutUint32(data[0:], statusMagic)
	binary.LittleEndian.PutUint32(data[4:], statusVersion)
	binary.LittleEndian.PutUint32(data[8:], uint32(capacity))
	binary.LittleEndian.PutUint32(data[12:], RecordSize)
	binary.LittleEndian.PutUint64(data[16:], uint64(started.UnixNano()))
	binary.LittleEndian.PutUint32(data[24:], uint32(os.Getpid()))
	sf.flush(0, HeaderSize)
	return sf, nil
}

// OpenStatus maps an existing segment read-only.
func OpenStatus(path string) (*StatusFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is too short", ErrBadStatus, path)
	}
	data, err := mapFile(f, int(fi.Size()), false)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping %s: %w", path, err)
	}

	sf := &StatusFile{f: f, data: data, readOnly: true}
	if binary.LittleEndian.Uint32(data[0:]) != statusMagic ||
		binary.LittleEndian.Uint32(data[4:]) != statusVersion ||
		binary.LittleEndian.Uint32(data[12:]) != RecordSize {
		sf.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, path)
	}
	sf.capacity = int(binary.LittleEndian.Uint32(data[8:]))
	if HeaderSize+sf.capacity*RecordSize > len(data) {
		sf.Close()
		return nil, fmt.Errorf("%w: %s is truncated", ErrBadStatus, path)
	}
	return sf, nil
}

// Header returns the segment header.
func (sf *StatusFile) Header() Header {
	d := sf.data
	return Header{
		Version:  binary.LittleEndian.Uint32(d[4:]),
		Capacity: int(binary.LittleEndian.Uint32(d[8:])),
		Started:  time.Unix(0, int64(binary.LittleEndian.Uint64(d[16:]))),
		PID:      int(binary.LittleEndian.Uint32(d[24:])),
	}
}

// Records returns the live records of the segment.
func (sf *StatusFile) Records() []Record {
	if sf.readOnly {
		// Pick up writes made by the server since the mapping was taken.
		sf.refresh()
	}
	var out []Record
	for i := 0; i < sf.capacity; i++ {
		b := sf.record(i)
		if binary.LittleEndian.Uint32(b[offLive:]) != Active {
			continue
		}
		out = append(out, decodeRecord(b))
	}
	return out
}

// Close unmaps and closes the segment.
func (sf *StatusFile) Close() error {
	if sf == nil || sf.data == nil {
		return nil
	}
	err := unmapFile(sf.data)
	sf.data = nil
	return errors.Join(err, sf.f.Close())
}

func (sf *StatusFile) record(i int) []byte {
	off := HeaderSize + i*RecordSize
	return sf.data[off : off+RecordSize]
}

// write encodes rec into record i. The live word is cleared first and set
// last so a concurrent reader never trusts a half-written record.
func (sf *StatusFile) write(i int, rec *Record, live bool) {
	if sf.readOnly || sf.data == nil || i < 0 || i >= sf.capacity {
		return
	}
	b := sf.record(i)
	binary.LittleEndian.PutUint32(b[offLive:], Unused)
	if !live {
		clear(b[4:])
		sf.flush(HeaderSize+i*RecordSize, RecordSize)
		return
	}

	le := binary.LittleEndian
	le.PutUint32(b[offHandle:], uint32(rec.Handle))
	le.PutUint64(b[offLogin:], uint64(unixNano(rec.LoginTime)))
	le.PutUint64(b[offActivity:], uint64(unixNano(rec.LastActivity)))
	le.PutUint64(b[offData:], uint64(unixNano(rec.DataActivity)))
	le.PutUint64(b[offBytesNow:], uint64(rec.BytesNow))
	le.PutUint64(b[offResume:], uint64(rec.Resume))
	le.PutUint64(b[offSpeed:], math.Float64bits(rec.Speed))
	b[offState] = byte(rec.State)
	b[offFamily] = rec.Family
	b[offTLS] = boolByte(rec.TLS)
	b[offDataEnc] = boolByte(rec.DataEncrypted)
	le.PutUint32(b[offUserID:], uint32(int32(rec.UserID)))
	putString(b[offUser:offGroup], rec.User)
	putString(b[offGroup:offIP], rec.Group)
	ip := ""
	if rec.RemoteIP.IsValid() {
		ip = rec.RemoteIP.String()
	}
	putString(b[offIP:offToken], ip)
	putString(b[offToken:offSessionID], rec.Token)
	putString(b[offSessionID:offFlags], rec.SessionID)
	putString(b[offFlags:offCommand], rec.UserFlags)
	putString(b[offCommand:offPath], rec.LastCommand)
	putString(b[offPath:endPath], rec.Path)

	le.PutUint32(b[offLive:], Active)
	sf.flush(HeaderSize+i*RecordSize, RecordSize)
}

func decodeRecord(b []byte) Record {
	le := binary.LittleEndian
	rec := Record{
		Handle:        Handle(le.Uint32(b[offHandle:])),
		LoginTime:     fromUnixNano(int64(le.Uint64(b[offLogin:]))),
		LastActivity:  fromUnixNano(int64(le.Uint64(b[offActivity:]))),
		DataActivity:  fromUnixNano(int64(le.Uint64(b[offData:]))),
		BytesNow:      int64(le.Uint64(b[offBytesNow:])),
		Resume:        int64(le.Uint64(b[offResume:])),
		Speed:         math.Float64frombits(le.Uint64(b[offSpeed:])),
		State:         State(b[offState]),
		Family:        b[offFamily],
		TLS:           b[offTLS] != 0,
		DataEncrypted: b[offDataEnc] != 0,
		UserID:        int(int32(le.Uint32(b[offUserID:]))),
		User:          getString(b[offUser:offGroup]),
		Group:         getString(b[offGroup:offIP]),
		Token:         getString(b[offToken:offSessionID]),
		SessionID:     getString(b[offSessionID:offFlags]),
		UserFlags:     getString(b[offFlags:offCommand]),
		LastCommand:   getString(b[offCommand:offPath]),
		Path:          getString(b[offPath:endPath]),
	}
	if ip, err := netip.ParseAddr(getString(b[offIP:offToken])); err == nil {
		rec.RemoteIP = ip
	}
	return rec
}

// putString stores s NUL-padded, truncated to the field width on a rune
// boundary.
func putString(dst []byte, s string) {
	if len(s) > len(dst) {
		cut := len(dst)
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	n := copy(dst, s)
	clear(dst[n:])
}

func getString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
