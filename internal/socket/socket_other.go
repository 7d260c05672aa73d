//go:build !unix

package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// listen falls back to the net package; the backlog is the system default.
func listen(ap netip.AddrPort, family Family, _ bool, _ int) (*net.TCPListener, error) {
	network := "tcp"
	switch family {
	case IPv4:
		network = "tcp4"
	case IPv6:
		network = "tcp6"
	}
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), network, ap.String())
	if err != nil {
		return nil, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}
	return tl, nil
}

func reuseAddrControl(_, _ string, _ syscall.RawConn) error { return nil }

func isBindError(err error) bool {
	var oe *net.OpError
	return errors.As(err, &oe) && oe.Op == "bind"
}

func wait(conn net.Conn, _ time.Duration, _ bool) Readiness {
	if conn == nil {
		return Error
	}
	return Ready
}
