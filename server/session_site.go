package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/registry"
)

// sitePrefix names SITE subcommands in the command table: SITE WHO is
// looked up as SITE_WHO and has its own permission list.
const sitePrefix = "SITE_"

func (s *session) handleSITE(arg string) {
	sub, rest, _ := strings.Cut(strings.TrimSpace(arg), " ")
	if sub == "" {
		s.reply(501, "SITE command requires parameters.")
		return
	}
	sub = strings.ToUpper(sub)

	c, ok := s.server.commands.Find(sitePrefix + sub)
	if !ok {
		s.reply(500, fmt.Sprintf("SITE %s not understood.", sub))
		return
	}
	s.fireHook(EventSite, "", strings.TrimSpace(sub+" "+rest), 0)
	s.dispatch(c, strings.TrimSpace(rest))
}

func (s *session) handleSiteHELP(_ string) {
	var subs []string
	for _, n := range s.server.commands.Names() {
		if sub, ok := strings.CutPrefix(n, sitePrefix); ok {
			subs = append(subs, sub)
		}
	}
	s.reply(214, "Available SITE commands: "+strings.Join(subs, ", "))
}

// handleSiteWHO lists the live sessions. Users with the hidden flag are
// left out, except for themselves.
func (s *session) handleSiteWHO(_ string) {
	now := time.Now()
	lines := []string{fmt.Sprintf("%-4s %-12s %-39s %-10s %-6s %8s %s",
		"SLOT", "USER", "FROM", "STATE", "CMD", "IDLE", "PATH")}
	for _, rec := range s.server.registry.Snapshot() {
		if strings.ContainsRune(rec.UserFlags, auth.FlagHidden) && rec.SessionID != s.sessionID {
			continue
		}
		user := rec.User
		if user == "" {
			user = "-"
		}
		lines = append(lines, fmt.Sprintf("%-4d %-12s %-39s %-10s %-6s %8s %s",
			rec.Handle,
			user,
			s.server.redactIP(rec.RemoteIP),
			rec.State,
			rec.Token,
			rec.Idle(now).Round(time.Second),
			rec.Path,
		))
	}
	s.replyMulti(200, lines, fmt.Sprintf("%d session(s).", len(lines)-1))
}

// handleSiteKILL terminates another session by slot number.
func (s *session) handleSiteKILL(arg string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 0 {
		s.reply(501, "Usage: SITE KILL <slot>")
		return
	}
	h := registry.Handle(n)
	if s.slot != nil && s.slot.Handle() == h {
		s.reply(550, "Cannot kill your own session.")
		return
	}
	if err := s.server.Kill(h); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.reply(550, "No such session.")
			return
		}
		s.replyError(err)
		return
	}
	s.server.logger.Info("session_kill_requested",
		"session_id", s.sessionID,
		"user", s.userName(),
		"slot", n,
	)
	s.reply(200, fmt.Sprintf("Session %d killed.", n))
}

func (s *session) handleSiteUPTIME(_ string) {
	st := s.server.Stats()
	s.reply(200, fmt.Sprintf("Up %s, %d session(s), %d connection(s) served.",
		s.server.Uptime().Round(time.Second), st.Sessions, st.Connections))
}
