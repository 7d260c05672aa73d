package server

import (
	"crypto/tls"
	"time"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/registry"
)

func (s *session) handleUSER(name string) {
	if s.loggedIn() {
		s.reply(530, "Can't change to another user.")
		return
	}
	if name == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	s.pendingUser = name
	// Unknown users get the same answer; PASS rejects them.
	if _, err := s.server.auth.ValidateLogin(name); err != nil {
		s.server.logger.Debug("login_rejected",
			"session_id", s.sessionID,
			"user", name,
			"reason", err.Error(),
		)
	}
	s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(pass string) {
	if s.loggedIn() {
		s.reply(230, "Already logged in.")
		return
	}
	if s.pendingUser == "" {
		s.reply(503, "Login with USER first.")
		return
	}
	name := s.pendingUser
	ip := s.remote.Addr()

	if !s.server.throttle.Allowed(ip) {
		s.server.logger.Warn("authentication_throttled",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(ip),
			"user", name,
		)
		s.reply(421, "Too many failed logins, try again later.")
		return
	}

	u, err := s.server.auth.ValidatePassword(name, pass)
	if err == nil {
		err = s.checkLogin(u)
	}
	if err != nil {
		s.server.throttle.Failed(ip)
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.server.redactIP(ip),
			"user", name,
			"reason", err.Error(),
		)
		if s.server.metrics != nil {
			s.server.metrics.RecordAuthentication(false, name)
		}
		s.pendingUser = ""
		s.reply(530, "Login incorrect.")
		return
	}

	fs, err := s.server.driver.Open(u)
	if err != nil {
		s.server.logger.Error("filesystem_open_failed",
			"session_id", s.sessionID,
			"user", name,
			"error", err,
		)
		s.reply(530, "Login incorrect.")
		return
	}

	s.fs = fs
	s.user = u
	s.loginTime = time.Now()
	s.uploadLimiter.SetMaxSpeed(u.MaxUploadSpeed)
	s.downloadLimiter.SetMaxSpeed(u.MaxDownloadSpeed)

	wd, _ := fs.GetWd()
	s.update(func(r *registry.Record) {
		r.State = registry.StateCommand
		r.User = u.Name
		r.UserID = u.ID
		r.Group = u.PrimaryGroup()
		r.UserFlags = u.Flags
		r.LoginTime = s.loginTime
		r.Path = wd
	})

	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(ip),
		"user", u.Name,
	)
	if s.server.metrics != nil {
		s.server.metrics.RecordAuthentication(true, u.Name)
	}
	s.fireHook(EventLogin, wd, "", 0)
	s.reply(230, "User logged in, proceed.")
}

// checkLogin applies the per-user login restrictions.
func (s *session) checkLogin(u *auth.User) error {
	if !u.AllowsIP(s.remote.Addr()) {
		return errLogin("address not allowed")
	}
	if u.HasFlag(auth.FlagTLSRequired) && !s.controlTLS() {
		return errLogin("TLS required")
	}
	// The registry already counts this session once logged in; here it
	// is still anonymous.
	if u.NumLogins > 0 && s.server.registry.CountUser(u.Name) >= u.NumLogins {
		return errLogin("too many sessions")
	}
	return nil
}

type errLogin string

func (e errLogin) Error() string { return string(e) }

func (s *session) controlTLS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conn.(*tls.Conn)
	return ok
}

func (s *session) handleQUIT(_ string) {
	s.reply(221, "Service closing control connection.")
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	// The reader fails on the closed socket and the session ends.
	conn.Close()
}

func (s *session) handleNOOP(_ string) {
	s.reply(200, "OK.")
}
