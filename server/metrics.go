package server

import (
	"fmt"
	"net/netip"
	"time"
)

// PathRedactor rewrites file paths before they are logged.
//
//	// Hide per-user directories
//	func(path string) string {
//	    return regexp.MustCompile(`^/home/[^/]+/`).ReplaceAllString(path, "/home/*/")
//	}
type PathRedactor func(path string) string

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can forward them to Prometheus, StatsD and similar
// systems.
//
// Methods are called inline from sessions and must not block.
type MetricsCollector interface {
	// RecordCommand records one dispatched command. success is false for
	// 4xx and 5xx replies.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a finished transfer. operation is "RETR",
	// "STOR", "APPE", "LIST" or "NLST".
	RecordTransfer(operation string, bytes int64, duration time.Duration, completed bool)

	// RecordConnection records a connection attempt. reason is "accepted",
	// "registry_full", "per_ip_limit_reached" or "shutting_down".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a login attempt.
	RecordAuthentication(success bool, user string)
}

// redactPath applies the configured PathRedactor.
func (s *Server) redactPath(path string) string {
	if s.pathRedactor != nil {
		return s.pathRedactor(path)
	}
	return path
}

// redactIP masks the host part of ip when IP redaction is enabled:
// 192.168.1.100 becomes 192.168.1.x, IPv6 keeps its /48 prefix.
func (s *Server) redactIP(ip netip.Addr) string {
	if !ip.IsValid() {
		return ""
	}
	if !s.redactIPs {
		return ip.String()
	}
	ip = ip.Unmap()
	if ip.Is4() {
		b := ip.As4()
		return fmt.Sprintf("%d.%d.%d.x", b[0], b[1], b[2])
	}
	p, _ := ip.Prefix(48)
	return p.String()
}
