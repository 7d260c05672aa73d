package server

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/internal/xfer"
)

// handleACCT handles the ACCT command.
// RFC 1123 requires this command, but most modern servers don't need it.
func (s *session) handleACCT(_ string) {
	s.reply(202, "Command not implemented, superfluous at this site.")
}

// handleMODE handles the MODE command.
// RFC 1123 requires Stream mode support.
func (s *session) handleMODE(arg string) {
	mode := strings.ToUpper(strings.TrimSpace(arg))
	switch mode {
	case "S":
		// Stream mode (default and only supported mode)
		s.reply(200, "Mode set to Stream.")
	case "B":
		s.reply(504, "Block mode not implemented.")
	case "C":
		s.reply(504, "Compressed mode not implemented.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

// handleSTRU handles the STRU command.
// RFC 1123 requires File structure support.
func (s *session) handleSTRU(arg string) {
	stru := strings.ToUpper(strings.TrimSpace(arg))
	switch stru {
	case "F":
		// File structure (default and only supported structure)
		s.reply(200, "Structure set to File.")
	case "R":
		s.reply(504, "Record structure not implemented.")
	case "P":
		s.reply(504, "Page structure not implemented.")
	default:
		s.reply(504, "Command not implemented for that parameter.")
	}
}

// handleSYST handles the SYST command.
// Returns the system type, dynamically detected based on runtime.GOOS.
func (s *session) handleSYST(_ string) {
	var systType string
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		systType = "UNIX Type: L8"
	case "windows":
		systType = "Windows_NT"
	case "plan9":
		systType = "Plan9"
	default:
		systType = "UNKNOWN Type: L8"
	}
	s.reply(215, systType)
}

// handleSTAT reports the session status, including transfer progress.
// It is accepted while a transfer runs.
func (s *session) handleSTAT(arg string) {
	if arg != "" {
		s.reply(502, "STAT with path not implemented. Use LIST instead.")
		return
	}

	lines := []string{"Status:"}
	if s.loggedIn() {
		lines = append(lines, "Logged in as: "+s.user.Name)
	} else {
		lines = append(lines, "Not logged in")
	}
	tt := "BINARY"
	if s.transferType == "A" {
		tt = "ASCII"
	}
	lines = append(lines, fmt.Sprintf("TYPE: %s, STRUcture: File, transfer MODE: Stream", tt))

	s.mu.Lock()
	switch {
	case s.pasvList != nil:
		lines = append(lines, "Passive mode enabled")
	case s.active.IsValid():
		lines = append(lines, "Active mode: "+s.active.String())
	}
	s.mu.Unlock()

	if st := s.machine.State(); st != xfer.Idle {
		l := s.sessionLimiter(s.machine.Direction())
		line := fmt.Sprintf("Transfer %s: %d bytes, %.1f KiB/s", st, s.machine.Bytes(), l.Speed()/1024)
		if limit := l.MaxSpeed(); limit > 0 {
			line += fmt.Sprintf(" (session limit %d B/s)", limit)
		}
		lines = append(lines, line)
	}
	if !s.loginTime.IsZero() {
		lines = append(lines, "Connected for "+time.Since(s.loginTime).Round(time.Second).String())
	}
	s.replyMulti(211, lines, "End of status")
}

// handleHELP lists the commands the table knows.
func (s *session) handleHELP(arg string) {
	if arg != "" {
		if _, ok := s.server.commands.Find(arg); ok {
			s.reply(214, fmt.Sprintf("Syntax: %s is supported.", strings.ToUpper(arg)))
			return
		}
		s.reply(502, fmt.Sprintf("Unknown command %s.", arg))
		return
	}

	var names []string
	for _, n := range s.server.commands.Names() {
		if !strings.Contains(n, "_") {
			names = append(names, n)
		}
	}
	lines := []string{"The following commands are supported:"}
	for i := 0; i < len(names); i += 8 {
		lines = append(lines, strings.Join(names[i:min(i+8, len(names))], " "))
	}
	s.replyMulti(214, lines, "End of help")
}
