package server

import (
	"fmt"
	"strings"
)

func (s *session) handleSIZE(path string) {
	info, err := s.fs.Stat(path)
	if err != nil || info.IsDir() {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, fmt.Sprintf("%d", info.Size()))
}

func (s *session) handleMDTM(path string) {
	info, err := s.fs.Stat(path)
	if err != nil {
		s.reply(550, "Could not get file modification time.")
		return
	}
	// RFC 3659: YYYYMMDDHHMMSS, always UTC.
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}

func (s *session) handleFEAT(_ string) {
	features := []string{
		"SIZE",
		"MDTM",
		"PASV",
		"EPSV",
		"EPRT",
		"UTF8",
		"REST STREAM",
	}
	if s.server.tlsConfig != nil {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
	}
	s.replyMulti(211, append([]string{"Features:"}, features...), "End")
}

func (s *session) handleOPTS(arg string) {
	if strings.HasPrefix(strings.ToUpper(arg), "UTF8 ON") {
		s.reply(200, "Always in UTF8 mode.")
		return
	}
	s.reply(501, "Option not understood.")
}
