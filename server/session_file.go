package server

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gonzalop/ftpd/internal/registry"
)

func (s *session) handlePWD(_ string) {
	cwd, err := s.fs.GetWd()
	if err != nil {
		s.replyError(err)
		return
	}
	s.reply(257, fmt.Sprintf("%q is the current directory.", cwd))
}

func (s *session) handleCWD(path string) {
	if path == "" {
		path = "/"
	}
	if err := s.fs.ChangeDir(path); err != nil {
		s.replyError(err)
		return
	}
	wd, _ := s.fs.GetWd()
	s.update(func(r *registry.Record) { r.Path = wd })
	s.reply(250, "Directory successfully changed.")
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

func (s *session) handleMKD(path string) {
	if path == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	if err := s.fs.MakeDir(path); err != nil {
		s.replyError(err)
		return
	}
	abs := s.absPath(path)
	s.server.logger.Info("directory_created",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
		"user", s.userName(),
		"path", s.server.redactPath(abs),
	)
	s.fireHook(EventMkdir, abs, "", 0)
	// RFC 959: 257 "PATHNAME" created.
	s.reply(257, fmt.Sprintf("%q created.", abs))
}

func (s *session) handleRMD(path string) {
	if path == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	if err := s.fs.RemoveDir(path); err != nil {
		s.replyError(err)
		return
	}
	abs := s.absPath(path)
	s.server.logger.Info("directory_removed",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
		"user", s.userName(),
		"path", s.server.redactPath(abs),
	)
	s.fireHook(EventRmdir, abs, "", 0)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(path string) {
	if path == "" {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	if err := s.fs.Delete(path); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("file_deleted",
		"session_id", s.sessionID,
		"remote_ip", s.server.redactIP(s.remote.Addr()),
		"user", s.userName(),
		"path", s.server.redactPath(s.absPath(path)),
	)
	s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(path string) {
	if _, err := s.fs.Stat(path); err != nil {
		s.reply(550, "File not found.")
		return
	}
	s.renameFrom = path
	s.reply(350, "Requested file action pending further information.")
}

func (s *session) handleRNTO(path string) {
	if s.renameFrom == "" {
		s.reply(503, "Bad sequence of commands. Send RNFR first.")
		return
	}
	from := s.renameFrom
	s.renameFrom = ""

	if err := s.fs.Rename(from, path); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("file_renamed",
		"session_id", s.sessionID,
		"user", s.userName(),
		"from", s.server.redactPath(s.absPath(from)),
		"to", s.server.redactPath(s.absPath(path)),
	)
	s.reply(250, "Requested file action successful, file renamed.")
}

// listPath strips ls-style options ("-la") that many clients send with
// LIST and NLST.
func listPath(arg string) string {
	fields := strings.Fields(arg)
	for len(fields) > 0 && strings.HasPrefix(fields[0], "-") {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// sixMonths is the age after which ls shows the year instead of the time.
const sixMonths = 182 * 24 * time.Hour

// formatListing renders entries as NLST names or ls -l lines.
func formatListing(cmd string, entries []os.FileInfo, now time.Time) []byte {
	var b bytes.Buffer
	for _, fi := range entries {
		if cmd == "NLST" {
			fmt.Fprintf(&b, "%s\r\n", fi.Name())
			continue
		}
		fmt.Fprintf(&b, "%s 1 ftp ftp %12d %s %s\r\n",
			modeString(fi.Mode()), fi.Size(), lsTime(fi.ModTime(), now), fi.Name())
	}
	return b.Bytes()
}

// modeString returns the ten character ls mode of m.
func modeString(m os.FileMode) string {
	t := "-"
	switch {
	case m.IsDir():
		t = "d"
	case m&os.ModeSymlink != 0:
		t = "l"
	}
	// Perm().String() is "-rwxr-xr-x".
	return t + m.Perm().String()[1:]
}

func lsTime(t, now time.Time) string {
	if now.Sub(t) > sixMonths || t.After(now.Add(time.Hour)) {
		return t.Format("Jan _2  2006")
	}
	return t.Format("Jan _2 15:04")
}
