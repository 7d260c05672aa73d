//go:build unix

package socket

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func listen(ap netip.AddrPort, family Family, v6only bool, backlog int) (*net.TCPListener, error) {
	domain := unix.AF_INET6
	var sa unix.Sockaddr
	if family == IPv4 {
		domain = unix.AF_INET
		sa = &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	} else {
		sa = &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	closeFd := true
	defer func() {
		if closeFd {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if domain == unix.AF_INET6 {
		on := 0
		if v6only {
			on = 1
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, on); err != nil {
			return nil, os.NewSyscallError("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, os.NewSyscallError("listen", err)
	}

	// net.FileListener dups the descriptor; f owns the original.
	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp:%s", ap))
	closeFd = false
	defer f.Close()

	ln, err := net.FileListener(f)
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

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func isBindError(err error) bool {
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "bind" {
		return true
	}
	return errors.Is(err, unix.EADDRINUSE) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EADDRNOTAVAIL)
}

// wait polls the descriptor behind conn. Connections that do not expose
// one (TLS, pipes) are reported Ready and rely on I/O deadlines instead.
//
// The descriptor is only probed with zero-timeout polls; the blocking part
// of the wait happens in the runtime poller under a deadline, so a Close
// from another goroutine ends it at once.
func wait(conn net.Conn, timeout time.Duration, write bool) Readiness {
	if conn == nil {
		return Error
	}
	if timeout <= 0 {
		return Ready
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return Ready
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return Error
	}

	events := int16(unix.POLLIN)
	setDeadline := conn.SetReadDeadline
	waitFn := rc.Read
	if write {
		events = unix.POLLOUT
		setDeadline = conn.SetWriteDeadline
		waitFn = rc.Write
	}
	if err := setDeadline(time.Now().Add(timeout)); err != nil {
		return Error
	}
	defer setDeadline(time.Time{})

	result := Error
	werr := waitFn(func(fd uintptr) bool {
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		for {
			n, err := unix.Poll(fds, 0)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			switch {
			case err != nil:
				result = Error
			case n == 0:
				// Not ready: park in the runtime poller.
				return false
			case fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0:
				result = Error
			case write && fds[0].Revents&unix.POLLHUP != 0:
				result = Error
			default:
				// POLLHUP on the read side means EOF is readable.
				result = Ready
			}
			return true
		}
	})
	switch {
	case werr == nil:
		return result
	case isTimeout(werr):
		return Timeout
	}
	return Error
}
