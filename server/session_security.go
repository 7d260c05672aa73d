package server

import (
	"bufio"
	"crypto/tls"
	"strings"

	"github.com/gonzalop/ftpd/internal/registry"
)

// handleAUTH upgrades the control connection to TLS (RFC 4217).
func (s *session) handleAUTH(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "TLS", "TLS-C", "SSL":
	default:
		s.reply(504, "Only AUTH TLS is supported.")
		return
	}
	if s.controlTLS() {
		s.reply(503, "Already using TLS.")
		return
	}

	s.reply(234, "AUTH TLS successful.")

	// The reader goroutine is parked until this handler returns, so the
	// connection can be swapped underneath it.
	s.mu.Lock()
	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	s.conn = tlsConn
	s.writer = bufio.NewWriter(tlsConn)
	s.tnet.Reset(tlsConn)
	s.mu.Unlock()

	s.update(func(r *registry.Record) { r.TLS = true })
}

func (s *session) handlePROT(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	// P - Private (TLS), C - Clear
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "P":
		s.prot = "P"
		s.reply(200, "PROT P OK.")
	case "C":
		s.prot = "C"
		s.reply(200, "PROT C OK.")
	default:
		s.reply(504, "PROT not implemented.")
	}
}

func (s *session) handlePBSZ(_ string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	// Only buffer size 0 is meaningful for TLS.
	s.reply(200, "PBSZ=0")
}
