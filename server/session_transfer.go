package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/internal/registry"
	"github.com/gonzalop/ftpd/internal/socket"
	"github.com/gonzalop/ftpd/internal/xfer"
)

// activeDataPort is the local port active mode data connections are
// bound to when possible.
const activeDataPort = 20

var errNoDataConn = errors.New("no data connection set up")

// transfer describes a transfer command before it starts.
type transfer struct {
	cmd    string // RETR, STOR, APPE, LIST, NLST
	dir    xfer.Direction
	file   File
	path   string
	resume int64
	ascii  bool  // TYPE A at the time the command was accepted
	event  Event // fired after completion; 0 for listings
}

func (s *session) handleRETR(path string) {
	if path == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	resume := s.takeRestart()
	f, err := s.fs.OpenRead(path)
	if err != nil {
		s.replyError(err)
		return
	}
	if s.transferType == "A" {
		f = newASCIIFile(f)
	}
	s.startTransfer(transfer{
		cmd:    "RETR",
		dir:    xfer.Retrieve,
		file:   f,
		path:   s.absPath(path),
		resume: resume,
		ascii:  s.transferType == "A",
		event:  EventPostDownload,
	})
}

func (s *session) handleSTOR(path string) {
	s.store("STOR", path, false)
}

func (s *session) handleAPPE(path string) {
	s.store("APPE", path, true)
}

// store opens path for upload. A restart offset opens the file without
// truncation; the transfer engine seeks to the offset.
func (s *session) store(cmd, path string, appendMode bool) {
	if path == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	resume := s.takeRestart()
	if appendMode {
		resume = 0
	}
	abs := s.absPath(path)

	s.fireHook(EventPreUpload, abs, cmd, 0)

	f, err := s.fs.OpenWrite(path, appendMode || resume > 0)
	if err != nil {
		s.replyError(err)
		return
	}
	if s.transferType == "A" {
		f = newASCIIFile(f)
	}
	s.startTransfer(transfer{
		cmd:    cmd,
		dir:    xfer.Store,
		file:   f,
		path:   abs,
		resume: resume,
		ascii:  s.transferType == "A",
		event:  EventPostUpload,
	})
}

func (s *session) handleLIST(arg string) {
	s.list("LIST", arg)
}

func (s *session) handleNLST(arg string) {
	s.list("NLST", arg)
}

// list renders a directory listing into memory and sends it through the
// transfer engine like a file.
func (s *session) list(cmd, arg string) {
	dir := listPath(arg)
	s.takeRestart()

	var data []byte
	info, err := s.fs.Stat(dir)
	if err != nil {
		s.replyError(err)
		return
	}
	if info.IsDir() {
		entries, err := s.fs.ListDir(dir)
		if err != nil {
			s.replyError(err)
			return
		}
		data = formatListing(cmd, entries, time.Now())
	} else {
		data = formatListing(cmd, []os.FileInfo{info}, time.Now())
	}

	s.startTransfer(transfer{
		cmd:  cmd,
		dir:  xfer.Retrieve,
		file: xfer.Buffer(data),
		path: s.absPath(dir),
	})
}

// takeRestart returns and clears the pending REST offset.
func (s *session) takeRestart() int64 {
	off := s.restartOffset
	s.restartOffset = 0
	return off
}

// absPath returns the virtual absolute path of p.
func (s *session) absPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		wd, _ := s.fs.GetWd()
		p = path.Join(wd, p)
	}
	return path.Clean("/" + p)
}

// startTransfer drives t through the transfer machine: Begin, data
// connection, 150, Attach, then a background run that replies 226 or 426.
func (s *session) startTransfer(t transfer) {
	s.sessionLimiter(t.dir).Reset()
	if err := s.machine.Begin(t.dir, t.file, t.path, t.resume); err != nil {
		t.file.Close()
		s.reply(425, "Can't open data connection.")
		return
	}

	token := registry.TokenRetr
	switch {
	case t.event == 0:
		token = registry.TokenList
	case t.dir == xfer.Store:
		token = registry.TokenStor
	}
	s.update(func(r *registry.Record) {
		r.State = registry.StateTransfer
		r.Token = token
		r.Path = t.path
		r.BytesNow = 0
		r.Resume = t.resume
		r.Speed = 0
		r.DataEncrypted = s.prot == "P"
		r.DataActivity = time.Now()
	})

	conn, err := s.connData()
	if err != nil {
		s.server.logger.Debug("data_connection_failed",
			"session_id", s.sessionID,
			"error", err,
		)
		s.machine.Abort(err)
		s.machine.Finish()
		s.idle()
		s.reply(425, "Can't open data connection.")
		return
	}

	if t.resume > 0 {
		s.reply(150, fmt.Sprintf("Opening data connection for %s (restarting at %d).", t.cmd, t.resume))
	} else {
		s.reply(150, "Opening data connection for "+t.cmd+".")
	}

	if err := s.machine.Attach(conn); err != nil {
		res := s.machine.Finish()
		s.finishTransfer(t, res)
		return
	}

	s.mu.Lock()
	s.busy = true
	s.transferCtx, s.transferCancel = context.WithCancel(s.server.baseCtx)
	ctx := s.transferCtx
	s.mu.Unlock()

	s.transferWG.Add(1)
	go func() {
		defer s.transferWG.Done()
		res := s.machine.Run(ctx)
		s.finishTransfer(t, res)
	}()
}

// finishTransfer reports a finished transfer and returns the session to
// idle. busy stays set while the transfer is accounted, so the command
// loop cannot change session state underneath; it is cleared before the
// final reply so the client's next command is accepted.
func (s *session) finishTransfer(t transfer, res xfer.Result) {
	s.idle()
	s.account(t, res)

	s.mu.Lock()
	s.busy = false
	if s.transferCancel != nil {
		s.transferCancel()
		s.transferCancel = nil
	}
	s.mu.Unlock()

	if res.Completed {
		if t.event == 0 {
			s.reply(226, "Directory send OK.")
		} else {
			s.reply(226, "Transfer complete.")
		}
	} else {
		s.reply(426, "Connection closed; transfer aborted.")
	}
}

// idle resets the registry record after a transfer.
func (s *session) idle() {
	wd, _ := s.fs.GetWd()
	s.update(func(r *registry.Record) {
		r.State = registry.StateCommand
		r.Token = registry.TokenIdle
		r.Path = wd
		r.BytesNow = 0
		r.Resume = 0
		r.Speed = 0
	})
}

// account logs a finished transfer and updates the statistics.
func (s *session) account(t transfer, res xfer.Result) {
	level := s.server.logger.Info
	msg := "transfer_complete"
	if !res.Completed {
		level = s.server.logger.Warn
		msg = "transfer_aborted"
	}
	mbps := float64(0)
	if secs := res.Duration.Seconds(); secs > 0 {
		mbps = float64(res.Bytes) / secs / 1024 / 1024
	}
	args := []any{
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
		"user", s.userName(),
		"operation", t.cmd,
		"path", s.server.redactPath(res.Path),
		"bytes", res.Bytes,
		"duration_ms", res.Duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", mbps),
	}
	if res.Err != nil {
		args = append(args, "error", res.Err)
	}
	level(msg, args...)

	if s.server.metrics != nil {
		s.server.metrics.RecordTransfer(t.cmd, res.Bytes, res.Duration, res.Completed)
	}

	// Listings are not file transfers.
	if t.event == 0 {
		return
	}
	s.logTransfer(res, t.ascii)

	st := &s.server.stats
	if t.dir == xfer.Store {
		st.bytesUp.Add(res.Bytes)
		s.user.Stats.BytesUp.Add(res.Bytes)
		if res.Completed {
			st.filesUp.Add(1)
			s.user.Stats.FilesUp.Add(1)
		}
	} else {
		st.bytesDown.Add(res.Bytes)
		s.user.Stats.BytesDown.Add(res.Bytes)
		if res.Completed {
			st.filesDown.Add(1)
			s.user.Stats.FilesDown.Add(1)
		}
	}
	if res.Completed {
		s.fireHook(t.event, res.Path, t.cmd, res.Bytes)
	}
}

func (s *session) handleABOR(_ string) {
	if !s.isBusy() {
		s.reply(226, "ABOR command successful; no transfer in progress.")
		return
	}

	s.server.logger.Info("transfer_abort_requested", "session_id", s.sessionID)
	s.machine.Abort(xfer.ErrAborted)

	// The transfer goroutine answers the transfer command with 426
	// before ABOR gets its 226.
	s.transferWG.Wait()
	s.reply(226, "ABOR command successful; transfer aborted.")
}

// connData establishes the data connection set up by PASV/EPSV or
// PORT/EPRT.
func (s *session) connData() (net.Conn, error) {
	s.mu.Lock()
	ln := s.pasvList
	s.pasvList = nil
	active := s.active
	s.active = netip.AddrPort{}
	s.mu.Unlock()

	var conn net.Conn
	var err error
	switch {
	case ln != nil:
		conn, err = s.connPassive(ln)
	case active.IsValid():
		conn, err = s.connActive(active)
	default:
		return nil, errNoDataConn
	}
	if err != nil {
		return nil, err
	}
	return s.wrapDataConn(conn)
}

func (s *session) connPassive(ln *net.TCPListener) (net.Conn, error) {
	defer ln.Close()
	s.server.logger.Debug("waiting_for_passive_connection",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
	)
	conn, peer, _, err := socket.Accept(ln, s.server.connectTimeout)
	if err != nil {
		return nil, err
	}
	// Only the control connection's host may connect.
	if peer.Addr() != s.remote.Addr() {
		conn.Close()
		return nil, fmt.Errorf("data connection from %s rejected", peer.Addr())
	}
	return conn, nil
}

func (s *session) connActive(peer netip.AddrPort) (net.Conn, error) {
	s.server.logger.Debug("dialing_active_connection",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
		"port", peer.Port(),
	)
	s.mu.Lock()
	control := s.conn
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.server.baseCtx, s.server.connectTimeout)
	defer cancel()
	conn, err := socket.Connect(ctx, peer, activeDataPort, control, s.server.connectTimeout)
	if err != nil {
		return nil, err
	}
	if lp := socket.AddrPortOf(conn.LocalAddr()).Port(); lp != activeDataPort {
		s.server.logger.Debug("active_port_fallback",
			"session_id", s.sessionID,
			"local_port", lp,
		)
	}
	return conn, nil
}

func (s *session) wrapDataConn(conn net.Conn) (net.Conn, error) {
	if s.prot != "P" {
		return conn, nil
	}
	if s.server.tlsConfig == nil {
		conn.Close()
		return nil, errors.New("TLS configuration missing")
	}
	// RFC 4217: the FTP server acts as the TLS server.
	tlsConn := tls.Server(conn, s.server.tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(s.server.connectTimeout))
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	_ = tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

func (s *session) handleTYPE(arg string) {
	// Only ASCII (A) and Binary (I) are supported.
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "A", "A N":
		s.transferType = "A"
		s.reply(200, "Type set to A.")
	case "I", "L 8":
		s.transferType = "I"
		s.reply(200, "Type set to I.")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handlePORT(arg string) {
	// Format: h1,h2,h3,h4,p1,p2
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	p1, err1 := strconv.Atoi(strings.TrimSpace(parts[4]))
	p2, err2 := strconv.Atoi(strings.TrimSpace(parts[5]))
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		s.reply(501, "Invalid port number.")
		return
	}

	ip, err := netip.ParseAddr(strings.Join(parts[0:4], "."))
	if err != nil || !ip.Is4() {
		s.reply(501, "Invalid IP address.")
		return
	}
	if !s.validateActiveIP(ip) {
		s.reply(500, "Illegal PORT command.")
		return
	}

	s.setActive(netip.AddrPortFrom(ip, uint16(p1*256+p2)))
	s.reply(200, "PORT command successful.")
}

func (s *session) handleEPRT(arg string) {
	if len(arg) < 4 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	// <d><proto><d><ip><d><port><d>
	delim := string(arg[0])
	parts := strings.Split(arg, delim)
	if len(parts) != 5 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	proto, ipStr, portStr := parts[1], parts[2], parts[3]
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		s.reply(501, "Invalid network address.")
		return
	}
	switch {
	case proto == "1" && !ip.Is4():
		s.reply(522, "Network protocol not supported, use (2).")
		return
	case proto == "2" && ip.Is4():
		s.reply(522, "Network protocol not supported, use (1).")
		return
	case proto != "1" && proto != "2":
		s.reply(522, "Network protocol not supported, use (1,2).")
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		s.reply(501, "Invalid port number.")
		return
	}
	if !s.validateActiveIP(ip) {
		s.reply(500, "Illegal EPRT command.")
		return
	}

	s.setActive(netip.AddrPortFrom(ip, uint16(port)))
	s.reply(200, "EPRT command successful.")
}

// validateActiveIP ensures the data connection target matches the
// control connection source, preventing FTP bounce attacks.
func (s *session) validateActiveIP(ip netip.Addr) bool {
	return ip.Unmap() == s.remote.Addr().Unmap()
}

// setActive selects active mode, dropping any passive listener.
func (s *session) setActive(ap netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pasvList != nil {
		s.pasvList.Close()
		s.pasvList = nil
	}
	s.active = ap
}

// setPassive selects passive mode with ln.
func (s *session) setPassive(ln *net.TCPListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pasvList != nil {
		s.pasvList.Close()
	}
	s.pasvList = ln
	s.active = netip.AddrPort{}
}

// listenPassive opens a passive listener on the control connection's
// local address, inside the configured port range if there is one.
func (s *session) listenPassive() (*net.TCPListener, int, error) {
	s.mu.Lock()
	local := socket.AddrPortOf(s.conn.LocalAddr())
	s.mu.Unlock()

	bind := ""
	if local.IsValid() {
		bind = local.Addr().String()
	}
	family := socket.FamilyOf(local.Addr())

	settings := s.fs.Settings()
	if settings != nil && settings.PasvMinPort > 0 && settings.PasvMaxPort >= settings.PasvMinPort {
		minPort, maxPort := settings.PasvMinPort, settings.PasvMaxPort
		rangeLen := int32(maxPort - minPort + 1)

		// Round-robin over the range across sessions.
		start := s.server.nextPassivePort.Add(1)
		for i := range rangeLen {
			port := minPort + int((start+i)%rangeLen)
			ln, p, err := socket.MakeListener(bind, port, 1, family)
			if err == nil {
				return ln, p, nil
			}
		}
		return nil, 0, fmt.Errorf("no available ports in range [%d, %d]", minPort, maxPort)
	}
	return socket.MakeListener(bind, 0, 1, family)
}

func (s *session) handlePASV(_ string) {
	ln, port, err := s.listenPassive()
	if err != nil {
		s.server.logger.Warn("passive_listen_failed", "session_id", s.sessionID, "error", err)
		s.reply(425, "Can't open passive connection.")
		return
	}

	ip := s.passiveIP()
	if !ip.Is4() {
		ln.Close()
		s.reply(522, "Network protocol not supported, use EPSV.")
		return
	}
	s.setPassive(ln)

	b := ip.As4()
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d).",
		b[0], b[1], b[2], b[3], port/256, port%256))
}

// passiveIP returns the address advertised in PASV replies: the public
// host if configured, else the local address of the control connection.
func (s *session) passiveIP() netip.Addr {
	s.mu.Lock()
	ip := socket.AddrPortOf(s.conn.LocalAddr()).Addr()
	s.mu.Unlock()

	settings := s.fs.Settings()
	if settings == nil || settings.PublicHost == "" {
		return ip.Unmap()
	}
	if addr, err := netip.ParseAddr(settings.PublicHost); err == nil {
		return addr.Unmap()
	}
	ctx, cancel := context.WithTimeout(s.server.baseCtx, 5*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", settings.PublicHost)
	if err != nil || len(addrs) == 0 {
		s.server.logger.Warn("public_host_lookup_failed", "host", settings.PublicHost, "error", err)
		return ip.Unmap()
	}
	return addrs[0].Unmap()
}

func (s *session) handleEPSV(arg string) {
	if a := strings.ToUpper(strings.TrimSpace(arg)); a == "ALL" {
		s.reply(200, "EPSV ALL ok.")
		return
	}
	ln, port, err := s.listenPassive()
	if err != nil {
		s.server.logger.Warn("passive_listen_failed", "session_id", s.sessionID, "error", err)
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.setPassive(ln)
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid offset.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STOR or RETR to initiate transfer.", offset))
}
