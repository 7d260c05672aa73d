// Package xfer implements the per-session data-transfer state machine.
//
// A transfer moves through Idle -> AwaitingDataConnection -> Transferring
// -> Closing -> Idle. Each Step moves one bounded chunk between the local
// file and the data connection; the machine never re-enters Transferring
// without first returning to Idle.
package xfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/gonzalop/ftpd/internal/socket"
)

// ChunkSize is the largest amount of data moved by a single Step.
const ChunkSize = 8 * 1024

var (
	// ErrTransferIO wraps read and write failures during a transfer.
	ErrTransferIO = errors.New("xfer: transfer I/O error")
	// ErrState is returned for operations invalid in the current state.
	ErrState = errors.New("xfer: invalid state")
	// ErrAborted is the cause recorded when a transfer is aborted without
	// a more specific error.
	ErrAborted = errors.New("xfer: transfer aborted")
)

// State of a transfer machine.
type State int

const (
	Idle State = iota
	AwaitingDataConnection
	Transferring
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingDataConnection:
		return "awaiting-data-connection"
	case Transferring:
		return "transferring"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Direction of a transfer as seen from the server.
type Direction int

const (
	// Retrieve reads the local file and writes the data connection.
	Retrieve Direction = iota
	// Store reads the data connection and writes the local file.
	Store
)

func (d Direction) String() string {
	if d == Store {
		return "store"
	}
	return "retrieve"
}

// Result describes a finished transfer.
type Result struct {
	Direction Direction
	Path      string
	Bytes     int64
	Completed bool
	Err       error
	Duration  time.Duration
}

// Config holds the per-session parameters of a Machine.
type Config struct {
	// Timeout bounds each readiness wait on the data connection.
	// Zero waits without a bound.
	Timeout time.Duration

	// Limiters returns the limiters that pace a transfer in direction d,
	// typically the global and the per-session limiter.
	Limiters func(d Direction) ratelimit.Set

	// OnChunk is called after every chunk with the running byte count.
	OnChunk func(total int64)
}

// Machine is the transfer state machine of one session. Begin, Attach,
// Step and Finish are called by the owning session; Abort and State may
// be called from any goroutine.
type Machine struct {
	cfg Config

	mu      sync.Mutex
	state   State
	conn    net.Conn
	err     error
	aborted bool

	dir     Direction
	file    io.ReadWriteCloser
	path    string
	resume  int64
	bytes   int64
	started time.Time
	limits  ratelimit.Set
	buf     []byte
}

// New creates an idle machine.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, buf: make([]byte, ChunkSize)}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Direction returns the direction of the current transfer.
func (m *Machine) Direction() Direction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// Bytes returns the bytes moved so far in the current transfer.
func (m *Machine) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Begin accepts a transfer command: Idle -> AwaitingDataConnection.
// The machine owns file from here on and closes it in Finish.
func (m *Machine) Begin(dir Direction, file io.ReadWriteCloser, path string, resume int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return fmt.Errorf("%w: begin in state %s", ErrState, m.state)
	}
	if file == nil {
		return fmt.Errorf("%w: begin without a file", ErrState)
	}
	if resume < 0 {
		resume = 0
	}
	m.dir, m.file, m.path, m.resume = dir, file, path, resume
	m.bytes, m.err, m.aborted, m.conn = 0, nil, false, nil
	if m.cfg.Limiters != nil {
		m.limits = m.cfg.Limiters(dir)
	}
	m.state = AwaitingDataConnection
	return nil
}

// Attach hands over the established data connection:
// AwaitingDataConnection -> Transferring. The resume offset is applied
// here, exactly once, before the first chunk. On failure the machine is
// left in Closing and Finish reports the error.
func (m *Machine) Attach(conn net.Conn) error {
	m.mu.Lock()
	if m.state != AwaitingDataConnection {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: attach in state %s", ErrState, st)
	}
	m.conn = conn
	m.started = time.Now()
	if m.aborted {
		m.state = Closing
		m.mu.Unlock()
		return m.err
	}
	m.state = Transferring
	resume := m.resume
	m.mu.Unlock()

	if resume > 0 {
		seeker, ok := m.file.(io.Seeker)
		if !ok {
			return m.fail(fmt.Errorf("%w: file does not support restart", ErrTransferIO))
		}
		if _, err := seeker.Seek(resume, io.SeekStart); err != nil {
			return m.fail(fmt.Errorf("%w: seek to %d: %w", ErrTransferIO, resume, err))
		}
	}
	return nil
}

// Step moves one chunk. It returns the state after the chunk; once the
// transfer is over the state is Closing and Finish must be called.
func (m *Machine) Step() State {
	m.mu.Lock()
	if m.state != Transferring {
		st := m.state
		m.mu.Unlock()
		return st
	}
	conn, dir := m.conn, m.dir
	m.mu.Unlock()

	var n int
	var done bool
	var err error
	if dir == Retrieve {
		n, done, err = m.retrieveChunk(conn)
	} else {
		n, done, err = m.storeChunk(conn)
	}

	if n > 0 {
		m.limits.AddBytes(n)
		m.mu.Lock()
		m.bytes += int64(n)
		total := m.bytes
		m.mu.Unlock()
		if m.cfg.OnChunk != nil {
			m.cfg.OnChunk(total)
		}
	}

	switch {
	case err != nil:
		m.fail(err)
	case done:
		m.mu.Lock()
		if m.state == Transferring {
			m.state = Closing
		}
		m.mu.Unlock()
	}
	return m.State()
}

// retrieveChunk reads one chunk from the file and writes it to conn.
func (m *Machine) retrieveChunk(conn net.Conn) (int, bool, error) {
	if err := m.wait(conn, true); err != nil {
		return 0, false, err
	}
	n, rerr := m.file.Read(m.buf)
	if n > 0 {
		m.setDeadline(conn)
		w, werr := conn.Write(m.buf[:n])
		if werr != nil {
			return w, false, fmt.Errorf("%w: data connection write: %w", ErrTransferIO, werr)
		}
	}
	switch {
	case rerr == io.EOF:
		return n, true, nil
	case rerr != nil:
		return n, false, fmt.Errorf("%w: file read: %w", ErrTransferIO, rerr)
	}
	return n, false, nil
}

// storeChunk reads one chunk from conn and writes it to the file. A zero
// length read means the client closed the data connection.
func (m *Machine) storeChunk(conn net.Conn) (int, bool, error) {
	if err := m.wait(conn, false); err != nil {
		return 0, false, err
	}
	m.setDeadline(conn)
	n, rerr := conn.Read(m.buf)
	if n > 0 {
		if _, werr := m.file.Write(m.buf[:n]); werr != nil {
			return 0, false, fmt.Errorf("%w: file write: %w", ErrTransferIO, werr)
		}
	}
	switch {
	case rerr == io.EOF, n == 0 && rerr == nil:
		return n, true, nil
	case rerr != nil:
		return n, false, fmt.Errorf("%w: data connection read: %w", ErrTransferIO, rerr)
	}
	return n, false, nil
}

func (m *Machine) wait(conn net.Conn, write bool) error {
	var r socket.Readiness
	if write {
		r = socket.WaitWritable(conn, m.cfg.Timeout)
	} else {
		r = socket.WaitReadable(conn, m.cfg.Timeout)
	}
	switch r {
	case socket.Timeout:
		return fmt.Errorf("%w: %w waiting for data connection", ErrTransferIO, socket.ErrTimeout)
	case socket.Error:
		return fmt.Errorf("%w: data connection not usable", ErrTransferIO)
	}
	return nil
}

// setDeadline bounds the next I/O call for connections that cannot be
// polled (TLS) and as a backstop for those that can.
func (m *Machine) setDeadline(conn net.Conn) {
	if m.cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	}
}

// fail records err (keeping an earlier one) and moves to Closing.
func (m *Machine) fail(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
	}
	if m.state == Transferring || m.state == AwaitingDataConnection {
		m.state = Closing
	}
	return m.err
}

// Abort ends the transfer from any goroutine. The data connection is
// closed so that a Step blocked on it returns promptly.
// Aborting an idle machine is a no-op.
func (m *Machine) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}
	m.mu.Lock()
	if m.state == Idle {
		m.mu.Unlock()
		return
	}
	if m.err == nil {
		m.err = cause
	}
	m.aborted = true
	if m.state == Transferring {
		m.state = Closing
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Finish completes the transfer from any non-idle state: the file is
// closed, the data connection shut down and the counters reset.
// The machine is Idle afterwards.
func (m *Machine) Finish() Result {
	m.mu.Lock()
	if m.state == Idle {
		m.mu.Unlock()
		return Result{Err: fmt.Errorf("%w: finish while idle", ErrState)}
	}
	if m.state != Closing && m.err == nil {
		// Finishing a transfer that never reached its end.
		m.err = ErrAborted
	}
	file, conn := m.file, m.conn
	res := Result{
		Direction: m.dir,
		Path:      m.path,
		Bytes:     m.bytes,
		Err:       m.err,
	}
	if !m.started.IsZero() {
		res.Duration = time.Since(m.started)
	}
	m.mu.Unlock()

	if file != nil {
		if err := file.Close(); err != nil && res.Err == nil {
			res.Err = fmt.Errorf("%w: closing file: %w", ErrTransferIO, err)
		}
	}
	if conn != nil {
		if res.Err == nil {
			_ = socket.Close(conn)
		} else {
			conn.Close()
		}
	}
	res.Completed = res.Err == nil

	m.mu.Lock()
	m.state = Idle
	m.file, m.conn, m.path = nil, nil, ""
	m.bytes, m.resume, m.err, m.aborted = 0, 0, nil, false
	m.started = time.Time{}
	m.limits = nil
	m.mu.Unlock()
	return res
}

// Run drives an attached transfer to its end, pausing between chunks as
// the limiters require, and finishes it. Cancelling ctx aborts the
// transfer.
func (m *Machine) Run(ctx context.Context) Result {
	stop := context.AfterFunc(ctx, func() { m.Abort(context.Cause(ctx)) })
	defer stop()

	for m.State() == Transferring {
		if err := m.limits.Wait(ctx); err != nil {
			m.Abort(err)
			break
		}
		m.Step()
	}
	return m.Finish()
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Write([]byte) (int, error) { return 0, errors.New("read-only buffer") }
func (memFile) Close() error              { return nil }

// Buffer returns a read-only file over data, used to serve directory
// listings through a Machine.
func Buffer(data []byte) io.ReadWriteCloser {
	return memFile{bytes.NewReader(data)}
}
