//go:build unix

package socket

import (
	"net"
	"testing"
	"time"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "Listen")
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	fatalIfErr(t, err, "Dial")
	server = <-accepted
	if server == nil {
		client.Close()
		t.Fatal("Accept failed")
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestWaitReadable_TCP(t *testing.T) {
	t.Parallel()
	server, client := tcpPair(t)

	start := time.Now()
	if got := WaitReadable(server, 100*time.Millisecond); got != Timeout {
		t.Errorf("WaitReadable on a silent peer = %v, want timeout", got)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	_, err := client.Write([]byte("x"))
	fatalIfErr(t, err, "Write")
	if got := WaitReadable(server, time.Second); got != Ready {
		t.Errorf("WaitReadable with pending data = %v, want ready", got)
	}
	buf := make([]byte, 1)
	_, err = server.Read(buf)
	fatalIfErr(t, err, "Read after wait")

	if got := WaitWritable(server, time.Second); got != Ready {
		t.Errorf("WaitWritable = %v, want ready", got)
	}

	client.Close()
	if got := WaitReadable(server, time.Second); got != Ready {
		t.Errorf("WaitReadable after peer close = %v, want ready (EOF)", got)
	}
}

func TestWaitReadable_CloseInterrupts(t *testing.T) {
	t.Parallel()
	server, _ := tcpPair(t)

	done := make(chan Readiness, 1)
	go func() { done <- WaitReadable(server, 5*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	server.Close()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Close blocked for %v during a wait", elapsed)
	}

	select {
	case got := <-done:
		if got != Error {
			t.Errorf("WaitReadable after Close = %v, want error", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not end the wait")
	}
}
