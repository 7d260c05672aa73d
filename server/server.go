package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/cron"
	"github.com/gonzalop/ftpd/internal/ratelimit"
	"github.com/gonzalop/ftpd/internal/registry"
	"github.com/gonzalop/ftpd/internal/socket"
)

// Defaults applied by NewServer.
const (
	DefaultMaxUsers        = 64
	DefaultMaxIdleTime     = 5 * time.Minute
	DefaultTransferTimeout = 2 * time.Minute
	DefaultConnectTimeout  = 10 * time.Second
	DefaultBacklog         = 128

	// reactionTime bounds each accept wait so the loop notices shutdown.
	reactionTime = time.Second
)

// Server is the FTP server.
//
// It listens for connections and runs one session goroutine per client.
// Every session holds a slot of the session registry for its whole life;
// when the registry is full new clients get "421" and are disconnected.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start with ListenAndServe() or Serve()
//  3. Stop with Shutdown(ctx): listeners close, sessions are killed and
//     waited for, the status segment is unmapped
//
// Basic example:
//
//	users, _ := auth.LoadFile("/etc/ftpd/users.yaml")
//	driver, _ := server.NewFSDriver("/srv/ftp")
//	s, err := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithAuth(users),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(s.ListenAndServe())
type Server struct {
	addr    string
	family  socket.Family
	backlog int

	driver Driver
	auth   auth.Backend
	logger *slog.Logger

	// tlsConfig enables AUTH TLS; with implicitTLS every connection is
	// wrapped in TLS from the first byte.
	tlsConfig   *tls.Config
	implicitTLS bool

	welcomeMessage string

	maxIdleTime     time.Duration
	transferTimeout time.Duration
	connectTimeout  time.Duration

	// maxConnections is the registry capacity.
	maxConnections      int
	maxConnectionsPerIP int

	pathRedactor PathRedactor
	redactIPs    bool

	transferLog   io.Writer
	transferLogMu sync.Mutex

	metrics MetricsCollector

	// Global limiters shared by every session.
	uploadLimiter   *ratelimit.Limiter
	downloadLimiter *ratelimit.Limiter

	registry   *registry.Registry
	statusPath string
	status     *registry.StatusFile

	commands  *CommandTable
	hooks     *Hooks
	crontab   *cron.Crontab
	cronSetup []func(*cron.Crontab) error
	cronOnce  sync.Once
	throttle  *loginThrottle

	nextPassivePort atomic.Int32

	stats counters

	baseCtx context.Context
	cancel  context.CancelCauseFunc

	mu         sync.Mutex
	listeners  map[net.Listener]struct{}
	inShutdown atomic.Bool
	sessions   sync.WaitGroup
}

// ErrServerClosed is returned by Serve and ListenAndServe after a call
// to Shutdown.
var ErrServerClosed = errors.New("ftp: Server closed")

type counters struct {
	bytesUp     atomic.Int64
	bytesDown   atomic.Int64
	filesUp     atomic.Int64
	filesDown   atomic.Int64
	connections atomic.Int64
}

// Stats are server-wide totals since start.
type Stats struct {
	BytesUp     int64
	BytesDown   int64
	FilesUp     int64
	FilesDown   int64
	Connections int64 // accepted TCP connections, rejected ones included
	Sessions    int   // live sessions
}

// NewServer creates a new FTP server with the given address and options.
// The address should be in the form ":port" or "host:port".
// WithDriver and WithAuth are required.
//
// Default values:
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - MaxConnections: 64 sessions, no per-IP limit
//   - Transfer timeout: 2 minutes per readiness wait
//   - TLS: disabled
//
// With TLS (Explicit FTPS):
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithAuth(users),
//	    server.WithTLS(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	        MinVersion:   tls.VersionTLS12,
//	    }),
//	)
func NewServer(addr string, options ...Option) (*Server, error) {
	s := &Server{
		addr:            addr,
		family:          socket.Any,
		backlog:         DefaultBacklog,
		logger:          slog.Default(),
		welcomeMessage:  "220 FTP Server Ready",
		maxIdleTime:     DefaultMaxIdleTime,
		transferTimeout: DefaultTransferTimeout,
		connectTimeout:  DefaultConnectTimeout,
		maxConnections:  DefaultMaxUsers,
		uploadLimiter:   ratelimit.New(0),
		downloadLimiter: ratelimit.New(0),
		commands:        defaultCommands(),
		hooks:           NewHooks(nil),
		listeners:       make(map[net.Listener]struct{}),
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.driver == nil {
		return nil, errors.New("driver is required (use WithDriver option)")
	}
	if s.auth == nil {
		return nil, errors.New("authentication backend is required (use WithAuth option)")
	}
	if s.implicitTLS && s.tlsConfig == nil {
		return nil, errors.New("implicit TLS requires WithTLS")
	}
	s.hooks.logger = s.logger

	s.crontab = cron.New(s.RunCommand, s.logger)
	for _, fn := range s.cronSetup {
		if err := fn(s.crontab); err != nil {
			return nil, err
		}
	}

	s.registry = registry.New(s.maxConnections)
	if s.statusPath != "" {
		sf, err := registry.CreateStatus(s.statusPath, s.maxConnections, s.registry.Started())
		if err != nil {
			return nil, fmt.Errorf("creating status segment: %w", err)
		}
		s.status = sf
		s.registry.SetStatusFile(sf)
	}

	s.baseCtx, s.cancel = context.WithCancelCause(context.Background())
	return s, nil
}

// ListenAndServe binds the configured address and calls Serve.
// Bind failures wrap socket.ErrBind and are fatal.
func (s *Server) ListenAndServe() error {
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", socket.ErrBind, s.addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("%w: %s: invalid port", socket.ErrBind, s.addr)
	}

	ln, port, err := socket.MakeListener(host, port, s.backlog, s.family)
	if err != nil {
		return err
	}

	s.logger.Info("server_listening", "addr", ln.Addr().String(), "port", port, "family", s.family.String())
	return s.Serve(ln)
}

// Serve accepts connections on l until Shutdown is called. TCP listeners
// are polled with a bounded wait so the loop observes shutdown even
// without a close.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)

	s.cronOnce.Do(func() { s.crontab.Start(s.baseCtx) })

	tcp, _ := l.(*net.TCPListener)
	for {
		var conn net.Conn
		var err error
		if tcp != nil {
			conn, _, _, err = socket.Accept(tcp, reactionTime)
		} else {
			conn, err = l.Accept()
		}
		if s.inShutdown.Load() {
			if conn != nil {
				conn.Close()
			}
			return ErrServerClosed
		}
		if err != nil {
			if errors.Is(err, socket.ErrTimeout) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept_failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.inShutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.sessions.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown.Load() {
			return false
		}
		s.listeners[l] = struct{}{}
		return true
	}
	delete(s.listeners, l)
	return true
}

// handleConnection reserves a registry slot and runs the session.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.sessions.Done()
	s.stats.connections.Add(1)

	remote := socket.AddrPortOf(conn.RemoteAddr())
	if s.implicitTLS {
		conn = tls.Server(conn, s.tlsConfig)
	}

	sess := newSession(s, conn, remote)
	h, slot, err := s.registry.Allocate(registry.Record{
		SessionID:    sess.sessionID,
		State:        registry.StateConnecting,
		RemoteIP:     remote.Addr(),
		Family:       familyNumber(remote),
		LastActivity: time.Now(),
		Token:        registry.TokenIdle,
		TLS:          s.implicitTLS,
	})
	if err != nil {
		// A full registry is a normal operating condition.
		s.logger.Info("connection_rejected",
			"remote_ip", s.redactIP(remote.Addr()),
			"reason", "registry_full",
			"limit", s.registry.Capacity(),
		)
		s.reject(conn, "registry_full", "421 Too many users, sorry.")
		return
	}
	defer s.registry.Release(h)

	// Counted after allocation, so the new session is included and
	// concurrent connects from one address cannot all pass the check.
	if s.maxConnectionsPerIP > 0 && s.registry.CountIP(remote.Addr()) > s.maxConnectionsPerIP {
		s.logger.Warn("connection_rejected",
			"remote_ip", s.redactIP(remote.Addr()),
			"reason", "per_ip_limit_reached",
			"limit", s.maxConnectionsPerIP,
		)
		s.reject(conn, "per_ip_limit_reached", "421 Too many connections from your IP address.")
		return
	}

	sess.slot = slot
	slot.SetKill(sess.kill)
	if s.metrics != nil {
		s.metrics.RecordConnection(true, "accepted")
	}
	sess.serve()
}

func (s *Server) reject(conn net.Conn, reason, reply string) {
	if s.metrics != nil {
		s.metrics.RecordConnection(false, reason)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "%s\r\n", reply)
	_ = socket.Close(conn)
}

func familyNumber(ap netip.AddrPort) uint8 {
	if socket.FamilyOf(ap.Addr()) == socket.IPv6 {
		return 6
	}
	return 4
}

// Shutdown stops the server: listeners are closed, the job runner stopped,
// every session killed, and Shutdown waits for sessions and running hooks
// until ctx is done. Close errors are aggregated.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	listeners := s.listeners
	s.listeners = make(map[net.Listener]struct{})
	s.mu.Unlock()

	var result *multierror.Error
	for ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing listener %s: %w", ln.Addr(), err))
		}
	}

	s.crontab.Stop()
	s.cancel(ErrServerClosed)
	for _, rec := range s.registry.Snapshot() {
		_ = s.registry.Kill(rec.Handle)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		s.hooks.Wait()
		close(done)
	}()
	select {
	case <-done:
		// Sessions no longer publish, the segment can go.
		if s.status != nil {
			s.registry.SetStatusFile(nil)
			if err := s.status.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing status segment: %w", err))
			}
			s.status = nil
		}
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	s.logger.Info("server_stopped", "uptime", s.Uptime().Round(time.Second).String())
	return result.ErrorOrNil()
}

// Kill terminates the session in slot h from any goroutine. Its sockets
// are closed; the session notices on its next read and releases its slot.
func (s *Server) Kill(h registry.Handle) error {
	return s.registry.Kill(h)
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []registry.Record {
	return s.registry.Snapshot()
}

// Stats returns the server-wide totals.
func (s *Server) Stats() Stats {
	return Stats{
		BytesUp:     s.stats.bytesUp.Load(),
		BytesDown:   s.stats.bytesDown.Load(),
		FilesUp:     s.stats.filesUp.Load(),
		FilesDown:   s.stats.filesDown.Load(),
		Connections: s.stats.connections.Load(),
		Sessions:    s.registry.Live(),
	}
}

// Uptime returns the time since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.registry.Started())
}

// Commands returns the command table, for permission changes at runtime.
func (s *Server) Commands() *CommandTable {
	return s.commands
}

// Crontab returns the job runner. It runs while the server serves.
func (s *Server) Crontab() *cron.Crontab {
	return s.crontab
}

// Hooks returns the hook set.
func (s *Server) Hooks() *Hooks {
	return s.hooks
}

// RunCommand runs an external command line with the server-wide cookies.
// It is the command runner of the crontab.
func (s *Server) RunCommand(ctx context.Context, cmdline string) error {
	_, err := s.hooks.Run(ctx, cmdline, map[string]string{"event": EventCrontab.String()})
	if err == nil {
		s.hooks.Fire(ctx, HookInfo{Event: EventCrontab, Arg: cmdline})
	}
	return err
}
