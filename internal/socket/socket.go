// Package socket wraps the TCP operations the server needs on top of the
// net package: listeners with an explicit backlog, bounded accept and
// connect, readiness polling with a timeout and an orderly close.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"
)

var (
	// ErrBind is returned when a listening address cannot be resolved or bound.
	ErrBind = errors.New("socket: bind failed")
	// ErrAccept is returned when accepting a connection fails.
	ErrAccept = errors.New("socket: accept failed")
	// ErrConnect is returned when an outgoing connection fails.
	ErrConnect = errors.New("socket: connect failed")
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("socket: timed out")
)

// Family is an address family.
type Family int

const (
	// Any lets the bind address decide; an empty address listens dual-stack.
	Any Family = iota
	IPv4
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "any"
	}
}

// ParseFamily parses "ipv4", "ipv6" or "any" (case-insensitive).
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return Any, nil
	case "ipv4", "inet", "4":
		return IPv4, nil
	case "ipv6", "inet6", "6":
		return IPv6, nil
	}
	return Any, fmt.Errorf("unknown address family %q", s)
}

// FamilyOf reports the family of addr. IPv4-mapped IPv6 addresses are IPv4.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

// Readiness is the outcome of a bounded readiness wait.
type Readiness int

const (
	Ready Readiness = iota
	Timeout
	Error
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Timeout:
		return "timeout"
	default:
		return "error"
	}
}

// DrainTimeout bounds how long Close waits for the peer to acknowledge
// the shutdown of the write side.
var DrainTimeout = 500 * time.Millisecond

// resolveBind turns a bind address into an IP of the requested family.
// "", "*" and the unspecified addresses mean any interface. A leading '+'
// on a host name is ignored.
func resolveBind(bindAddr string, family Family) (netip.Addr, Family, error) {
	host := strings.TrimSpace(bindAddr)
	if host == "" || host == "*" {
		switch family {
		case IPv4:
			return netip.IPv4Unspecified(), IPv4, nil
		default:
			return netip.IPv6Unspecified(), family, nil
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkFamily(addr, family)
	}

	network := "ip"
	switch family {
	case IPv4:
		network = "ip4"
	case IPv6:
		network = "ip6"
	}
	addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), network, strings.TrimPrefix(host, "+"))
	if err != nil || len(addrs) == 0 {
		return netip.Addr{}, family, fmt.Errorf("%w: cannot resolve %q: %v", ErrBind, host, err)
	}
	return checkFamily(addrs[0], family)
}

func checkFamily(addr netip.Addr, family Family) (netip.Addr, Family, error) {
	got := FamilyOf(addr)
	if family != Any && got != family {
		return netip.Addr{}, family, fmt.Errorf("%w: %s is not an %s address", ErrBind, addr, family)
	}
	if got == IPv4 {
		addr = addr.Unmap()
	}
	return addr, got, nil
}

// MakeListener binds a TCP listener on bindAddr:portHint with the given
// backlog. A portHint of 0 picks any free port. The actual port is
// returned. IPv6 listeners bound to a specific family accept IPv6 only.
func MakeListener(bindAddr string, portHint, backlog int, family Family) (*net.TCPListener, int, error) {
	if portHint < 0 || portHint > 65535 {
		return nil, 0, fmt.Errorf("%w: invalid port %d", ErrBind, portHint)
	}
	if backlog <= 0 {
		backlog = 128
	}

	addr, fam, err := resolveBind(bindAddr, family)
	if err != nil {
		return nil, 0, err
	}
	// Only an explicit IPv6 request is restricted to IPv6.
	v6only := family == IPv6

	ln, err := listen(netip.AddrPortFrom(addr, uint16(portHint)), fam, v6only, backlog)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s port %d: %w", ErrBind, addr, portHint, err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

// Accept waits up to timeout for a connection on ln. A zero timeout waits
// indefinitely. On expiry the error wraps ErrTimeout; any other failure
// wraps ErrAccept (and net.ErrClosed once ln is closed).
func Accept(ln *net.TCPListener, timeout time.Duration) (net.Conn, netip.AddrPort, Family, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := ln.SetDeadline(deadline); err != nil {
		return nil, netip.AddrPort{}, Any, fmt.Errorf("%w: %w", ErrAccept, err)
	}

	conn, err := ln.AcceptTCP()
	if err != nil {
		if isTimeout(err) {
			return nil, netip.AddrPort{}, Any, fmt.Errorf("%w: accept", ErrTimeout)
		}
		return nil, netip.AddrPort{}, Any, fmt.Errorf("%w: %w", ErrAccept, err)
	}

	peer := AddrPortOf(conn.RemoteAddr())
	return conn, peer, FamilyOf(peer.Addr()), nil
}

// AddrPortOf converts a TCP address to a netip.AddrPort with IPv4-mapped
// addresses unmapped. Non-TCP addresses yield the zero value.
func AddrPortOf(a net.Addr) netip.AddrPort {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		if ap, err := netip.ParseAddrPort(a.String()); err == nil {
			return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		}
		return netip.AddrPort{}
	}
	ap := tcp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Connect opens a TCP connection to peer within timeout.
//
// When localPort is positive the connection is bound to that port on the
// local address of reuse (normally the control connection), with
// SO_REUSEADDR set. Binding is best-effort: if the port cannot be bound
// the connection is retried from an OS-chosen port. Callers can compare
// the returned connection's local port with localPort to detect this.
func Connect(ctx context.Context, peer netip.AddrPort, localPort int, reuse net.Conn, timeout time.Duration) (net.Conn, error) {
	if !peer.IsValid() || peer.Port() == 0 {
		return nil, fmt.Errorf("%w: invalid peer address %v", ErrConnect, peer)
	}

	d := net.Dialer{Timeout: timeout, Control: reuseAddrControl}
	if localPort > 0 {
		var ip net.IP
		if reuse != nil {
			if la := AddrPortOf(reuse.LocalAddr()); la.IsValid() && FamilyOf(la.Addr()) == FamilyOf(peer.Addr()) {
				ip = la.Addr().AsSlice()
			}
		}
		d.LocalAddr = &net.TCPAddr{IP: ip, Port: localPort}
	}

	target := netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()).String()
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil && d.LocalAddr != nil && isBindError(err) {
		d.LocalAddr = nil
		conn, err = d.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: connect %s", ErrTimeout, target)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, target, err)
	}
	return conn, nil
}

// Close shuts down the write side of conn, drains whatever the peer still
// sends for at most DrainTimeout, then closes it.
func Close(conn net.Conn) error {
	if conn == nil {
		return nil
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			_ = conn.SetReadDeadline(time.Now().Add(DrainTimeout))
			_, _ = io.Copy(io.Discard, io.LimitReader(conn, 1<<20))
		}
	}
	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// WaitReadable waits up to timeout for conn to have data (or EOF) to read.
// A zero timeout reports Ready immediately. Closing conn from another
// goroutine ends the wait with Error.
func WaitReadable(conn net.Conn, timeout time.Duration) Readiness {
	return wait(conn, timeout, false)
}

// WaitWritable waits up to timeout for conn to accept more data.
// A zero timeout reports Ready immediately.
func WaitWritable(conn net.Conn, timeout time.Duration) Readiness {
	return wait(conn, timeout, true)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
