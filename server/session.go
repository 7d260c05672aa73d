package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/gonzalop/ftpd/internal/registry"
	"github.com/gonzalop/ftpd/internal/xfer"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// errKilled is the abort cause of a session killed by an administrator.
var errKilled = errors.New("session killed")

// session represents an FTP client session.
type session struct {
	server *Server
	conn   net.Conn
	writer *bufio.Writer
	tnet   *telnetReader
	mu     sync.Mutex // Protects conn, writer, busy and the data listener

	sessionID string
	remote    netip.AddrPort
	slot      *registry.Slot

	// Login state
	pendingUser string
	user        *auth.User
	fs          FileSystem
	loginTime   time.Time

	renameFrom    string
	restartOffset int64
	transferType  string // A or I
	prot          string // C or P
	lastCode      int

	// Per-session limiters, configured from the user's limits at login.
	uploadLimiter   *ratelimit.Limiter
	downloadLimiter *ratelimit.Limiter

	machine        *xfer.Machine
	busy           bool
	transferCtx    context.Context
	transferCancel context.CancelFunc
	transferWG     sync.WaitGroup

	// Reader synchronization
	cmdReqChan chan struct{}

	// Data connection setup
	pasvList *net.TCPListener
	active   netip.AddrPort

	killed atomic.Bool
}

// newSession creates a session for conn.
func newSession(server *Server, conn net.Conn, remote netip.AddrPort) *session {
	s := &session{
		server:          server,
		conn:            conn,
		writer:          bufio.NewWriter(conn),
		tnet:            newTelnetReader(conn),
		sessionID:       uuid.NewString(),
		remote:          remote,
		transferType:    "I",
		prot:            "C",
		uploadLimiter:   ratelimit.New(0),
		downloadLimiter: ratelimit.New(0),
		cmdReqChan:      make(chan struct{}),
	}
	// Implicit TLS protects data connections by default.
	if _, ok := conn.(*tls.Conn); ok {
		s.prot = "P"
	}
	s.machine = xfer.New(xfer.Config{
		Timeout:  server.transferTimeout,
		Limiters: s.limiters,
		OnChunk:  s.onChunk,
	})
	return s
}

// limiters returns the global and per-session limiters for d.
func (s *session) limiters(d xfer.Direction) ratelimit.Set {
	if d == xfer.Store {
		return ratelimit.Set{s.server.uploadLimiter, s.uploadLimiter}
	}
	return ratelimit.Set{s.server.downloadLimiter, s.downloadLimiter}
}

// sessionLimiter returns the session's own limiter for d.
func (s *session) sessionLimiter(d xfer.Direction) *ratelimit.Limiter {
	if d == xfer.Store {
		return s.uploadLimiter
	}
	return s.downloadLimiter
}

// onChunk publishes transfer progress to the registry. The speed is the
// session limiter's estimate for the current window.
func (s *session) onChunk(total int64) {
	if s.slot == nil {
		return
	}
	now := time.Now()
	speed := s.sessionLimiter(s.machine.Direction()).Speed()
	s.slot.Update(func(r *registry.Record) {
		r.BytesNow = total
		r.DataActivity = now
		r.Speed = speed
	})
}

func (s *session) update(fn func(*registry.Record)) {
	if s.slot != nil {
		s.slot.Update(fn)
	}
}

func (s *session) userName() string {
	if s.user != nil {
		return s.user.Name
	}
	return s.pendingUser
}

func (s *session) loggedIn() bool {
	return s.user != nil
}

type command struct {
	line string
	err  error
}

// serve handles the FTP session.
//
// A reader goroutine reads command lines and hands them to the command
// loop; it waits on cmdReqChan before reading the next line so handlers
// may swap the connection (AUTH TLS) safely. Transfers run on a background
// goroutine and set busy, leaving the loop free for ABOR and STAT.
// Administrative kills close the sockets; the reader then fails and the
// loop returns.
func (s *session) serve() {
	defer s.close()

	s.sendWelcome()
	s.update(func(r *registry.Record) { r.State = registry.StateLogging })

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
	)

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		cmd, ok := <-cmdChan
		if !ok {
			return
		}

		if cmd.err != nil {
			switch {
			case errors.Is(cmd.err, errLineTooLong):
				s.reply(500, "Command line too long.")
			case isTimeout(cmd.err):
				s.reply(421, "Timeout, closing control connection.")
				s.server.logger.Info("session_idle_timeout",
					"session_id", s.sessionID,
					"user", s.userName(),
				)
			case s.killed.Load():
				s.server.logger.Info("session_killed",
					"session_id", s.sessionID,
					"user", s.userName(),
				)
			case !errors.Is(cmd.err, io.EOF) && !errors.Is(cmd.err, net.ErrClosed):
				s.server.logger.Warn("read_error",
					"session_id", s.sessionID,
					"remote_ip", s.server.redactIP(s.remote.Addr()),
					"user", s.userName(),
					"error", cmd.err,
				)
			}
			return
		}

		s.handleCommand(cmd.line)

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-time.After(time.Second):
		}
	}
}

func (s *session) sendWelcome() {
	msg := s.server.welcomeMessage
	switch {
	case strings.HasPrefix(msg, "220 "):
		s.replyRaw(msg)
	case strings.HasPrefix(msg, "220"):
		s.replyRaw("220 " + msg[3:])
	default:
		s.reply(220, msg)
	}
}

func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()

			idle := s.idleTimeout()
			if idle > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(idle))
			} else {
				_ = conn.SetReadDeadline(time.Time{})
			}

			line, err := s.tnet.readLine(MaxCommandLength)
			// The control connection stays quiet while a transfer runs.
			if err != nil && isTimeout(err) && s.isBusy() {
				continue
			}

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// idleTimeout returns the read deadline for the next command.
func (s *session) idleTimeout() time.Duration {
	if u := s.user; u != nil {
		if u.HasFlag(auth.FlagNoIdle) {
			return 0
		}
		if u.MaxIdle > 0 {
			return u.MaxIdle
		}
	}
	return s.server.maxIdleTime
}

func (s *session) isBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// kill closes the session's sockets from another goroutine.
func (s *session) kill() {
	s.killed.Store(true)
	s.machine.Abort(errKilled)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pasvList != nil {
		s.pasvList.Close()
	}
	s.conn.Close()
}

// close releases everything the session holds.
func (s *session) close() {
	s.mu.Lock()
	if s.transferCancel != nil {
		s.transferCancel()
	}
	s.mu.Unlock()
	s.machine.Abort(xfer.ErrAborted)

	// Background transfers finish before the filesystem goes away.
	s.transferWG.Wait()

	s.mu.Lock()
	if s.pasvList != nil {
		s.pasvList.Close()
		s.pasvList = nil
	}
	conn := s.conn
	s.mu.Unlock()
	conn.Close()

	if s.user != nil {
		s.fireHook(EventLogout, "", "", 0)
	}
	if s.fs != nil {
		s.fs.Close()
	}

	s.server.logger.Info("session_ended",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
		"user", s.userName(),
	)
}

// handleCommand parses and dispatches a command.
func (s *session) handleCommand(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}

	name, arg, _ := strings.Cut(line, " ")
	name = strings.ToUpper(name)

	logArg := arg
	if name == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command_received",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
		"user", s.userName(),
		"cmd", name,
		"arg", logArg,
	)

	now := time.Now()
	s.update(func(r *registry.Record) {
		r.LastActivity = now
		r.LastCommand = strings.TrimSpace(name + " " + logArg)
	})

	if s.isBusy() && name != "ABOR" && name != "STAT" {
		s.reply(503, "Transfer in progress, please ABOR or wait.")
		return
	}

	c, ok := s.server.commands.Find(name)
	if !ok {
		s.reply(502, "Command not implemented.")
		return
	}

	start := time.Now()
	s.dispatch(c, arg)
	if s.server.metrics != nil {
		s.mu.Lock()
		code := s.lastCode
		s.mu.Unlock()
		s.server.metrics.RecordCommand(name, code < 400, time.Since(start))
	}
}

// dispatch checks login and permissions, then runs the handler of c.
func (s *session) dispatch(c *Command, arg string) {
	if c.NeedsLogin && !s.loggedIn() {
		s.reply(530, "Please login with USER and PASS.")
		return
	}
	if !s.server.commands.CheckPermission(c, s.user) {
		s.server.logger.Debug("permission_denied",
			"session_id", s.sessionID,
			"user", s.userName(),
			"cmd", c.Name,
		)
		s.reply(550, "Permission denied.")
		return
	}

	switch h := c.Handler.(type) {
	case nativeHandler:
		h(s, arg)
	case externalHandler:
		s.runExternal(c.Name, h.cmdline, arg)
	}
}

// runExternal runs an external command and sends its output as a
// multi-line 200 reply.
func (s *session) runExternal(name, cmdline, arg string) {
	out, err := s.server.hooks.Run(s.server.baseCtx, cmdline, cookies(s.hookInfo(EventSite, "", arg, 0)))
	if err != nil {
		s.server.logger.Warn("external_command_failed",
			"session_id", s.sessionID,
			"cmd", name,
			"error", err,
		)
		s.reply(550, "Command failed.")
		return
	}
	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		s.reply(200, "Command okay.")
		return
	}
	s.replyMulti(200, strings.Split(text, "\n"), "Command okay.")
}

func (s *session) hookInfo(ev Event, path, arg string, n int64) HookInfo {
	return HookInfo{
		Event:     ev,
		SessionID: s.sessionID,
		User:      s.user,
		RemoteIP:  s.remote.Addr(),
		Path:      path,
		Arg:       arg,
		Bytes:     n,
	}
}

func (s *session) fireHook(ev Event, path, arg string, n int64) {
	s.server.hooks.Fire(s.server.baseCtx, s.hookInfo(ev, path, arg, n))
}

// replyError sends a standard error response based on the error type.
func (s *session) replyError(err error) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.reply(550, "File not found.")
	case errors.Is(err, os.ErrPermission), errors.Is(err, ErrPermissionDenied):
		s.reply(550, "Permission denied.")
	case errors.Is(err, os.ErrExist):
		s.reply(550, "File already exists.")
	default:
		s.reply(550, "Action failed: "+err.Error())
	}
}

// reply sends a response to the client.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCode = code
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

func (s *session) replyRaw(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%s\r\n", line)
	s.writer.Flush()
}

// replyMulti sends a multi-line response: "code-first", indented body
// lines, "code last".
func (s *session) replyMulti(code int, lines []string, last string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCode = code
	if len(lines) == 0 {
		fmt.Fprintf(s.writer, "%d %s\r\n", code, last)
		s.writer.Flush()
		return
	}
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, lines[0])
	for _, l := range lines[1:] {
		fmt.Fprintf(s.writer, " %s\r\n", l)
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, last)
	s.writer.Flush()
}

// logTransfer writes a transfer in xferlog format:
// current-time transfer-time remote-host file-size filename transfer-type
// special-action-flag direction access-mode username service-name
// authentication-method authenticated-user-id completion-status
func (s *session) logTransfer(res xfer.Result, ascii bool) {
	if s.server.transferLog == nil {
		return
	}

	secs := int64(res.Duration.Seconds())
	if secs == 0 {
		secs = 1
	}

	tType := "b"
	if ascii {
		tType = "a"
	}

	direction := "o"
	if res.Direction == xfer.Store {
		direction = "i"
	}

	accessMode := "r"
	if s.user.HasFlag(auth.FlagAnonymous) {
		accessMode = "a"
	}

	completion := "c"
	if !res.Completed {
		completion = "i"
	}

	// Mon Dec 25 15:04:05 2025 1 127.0.0.1 1024 /file.txt b _ o a anonymous ftp 0 * c
	line := fmt.Sprintf("%s %d %s %d %s %s _ %s %s %s ftp 0 * %s\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		secs,
		s.remote.Addr().String(),
		res.Bytes,
		strings.ReplaceAll(res.Path, " ", "_"),
		tType,
		direction,
		accessMode,
		s.userName(),
		completion,
	)

	s.server.transferLogMu.Lock()
	_, _ = io.WriteString(s.server.transferLog, line)
	s.server.transferLogMu.Unlock()
}
