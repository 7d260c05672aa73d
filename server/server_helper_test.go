package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"golang.org/x/crypto/bcrypt"

	"github.com/gonzalop/ftpd/auth"
)

// testUsers returns a backend with:
//
//	alice     password "secret", site operator, group staff
//	bob       password "hunter2", group users
//	anonymous any password, read-only
func testUsers(t *testing.T) *auth.Memory {
	t.Helper()
	m := auth.NewMemory()
	m.Cost = bcrypt.MinCost
	users := []struct {
		u    *auth.User
		pass string
	}{
		{&auth.User{ID: 1, Name: "alice", Groups: []string{"staff"}, Flags: "O"}, "secret"},
		{&auth.User{ID: 2, Name: "bob", Groups: []string{"users"}}, "hunter2"},
		{&auth.User{ID: 3, Name: "anonymous", Flags: "A"}, ""},
	}
	for _, tt := range users {
		fatalIfErr(t, m.Add(tt.u, tt.pass), "adding %s", tt.u.Name)
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer serves root on a loopback port and shuts the server down
// when the test ends.
func startServer(t *testing.T, root string, opts ...Option) (*Server, string) {
	t.Helper()
	driver, err := NewFSDriver(root)
	fatalIfErr(t, err, "NewFSDriver")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")

	base := []Option{
		WithDriver(driver),
		WithAuth(testUsers(t)),
		WithLogger(quietLogger()),
	}
	s, err := NewServer(ln.Addr().String(), append(base, opts...)...)
	fatalIfErr(t, err, "NewServer")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			t.Logf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Logf("Shutdown: %v", err)
		}
		<-done
	})
	return s, ln.Addr().String()
}

// dial logs in with the ftp client.
func dial(t *testing.T, addr, user, pass string) *ftp.ServerConn {
	t.Helper()
	c, err := ftp.Dial(addr, ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "Dial")
	t.Cleanup(func() { _ = c.Quit() })
	fatalIfErr(t, c.Login(user, pass), "Login %s", user)
	return c
}

// rawConn is a control connection for tests that need exact replies.
type rawConn struct {
	t  *testing.T
	tc *textproto.Conn
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	fatalIfErr(t, err, "dial")
	_ = conn.SetDeadline(time.Now().Add(20 * time.Second))
	r := &rawConn{t: t, tc: textproto.NewConn(conn)}
	t.Cleanup(func() { r.tc.Close() })
	r.expect(220)
	return r
}

// cmd sends a command and returns the reply code and message.
func (r *rawConn) cmd(format string, args ...any) (int, string) {
	r.t.Helper()
	_, err := r.tc.Cmd(format, args...)
	fatalIfErr(r.t, err, "sending %q", format)
	return r.read()
}

func (r *rawConn) read() (int, string) {
	r.t.Helper()
	code, msg, err := r.tc.ReadResponse(0)
	var perr *textproto.Error
	if err != nil && !errors.As(err, &perr) {
		r.t.Fatalf("reading reply: %v", err)
	}
	return code, msg
}

func (r *rawConn) expect(want int) string {
	r.t.Helper()
	code, msg := r.read()
	if code != want {
		r.t.Fatalf("reply %d %q, want %d", code, msg, want)
	}
	return msg
}

func (r *rawConn) mustCmd(want int, format string, args ...any) string {
	r.t.Helper()
	code, msg := r.cmd(format, args...)
	if code != want {
		r.t.Fatalf("%s: reply %d %q, want %d", strings.Fields(format)[0], code, msg, want)
	}
	return msg
}

func (r *rawConn) login(user, pass string) {
	r.t.Helper()
	r.mustCmd(331, "USER %s", user)
	r.mustCmd(230, "PASS %s", pass)
}

// epsv opens a passive data connection.
func (r *rawConn) epsv(addr string) net.Conn {
	r.t.Helper()
	msg := r.mustCmd(229, "EPSV")
	start, end := strings.Index(msg, "(|||"), strings.LastIndex(msg, "|)")
	if start < 0 || end < start {
		r.t.Fatalf("bad EPSV reply %q", msg)
	}
	host, _, _ := net.SplitHostPort(addr)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, msg[start+4:end]), 5*time.Second)
	fatalIfErr(r.t, err, "dialing data connection")
	return conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
