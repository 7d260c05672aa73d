package registry

import (
	"bytes"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

func TestAllocate_UntilFull(t *testing.T) {
	r := New(3)

	var handles []Handle
	for i := 0; i < 3; i++ {
		h, s, err := r.Allocate(Record{User: "u"})
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if s.Handle() != h || !s.Live() {
			t.Fatalf("slot %d not live or wrong handle %d", h, s.Handle())
		}
		handles = append(handles, h)
	}

	if _, _, err := r.Allocate(Record{}); !errors.Is(err, ErrFull) {
		t.Fatalf("Allocate on full registry: error = %v, want ErrFull", err)
	}

	r.Release(handles[1])
	h, _, err := r.Allocate(Record{User: "v"})
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if h != handles[1] {
		t.Errorf("reused handle = %d, want first free slot %d", h, handles[1])
	}
	if got := r.Live(); got != 3 {
		t.Errorf("Live() = %d, want 3", got)
	}
}

func TestRelease_ClearsRecord(t *testing.T) {
	r := New(2)
	h, s, err := r.Allocate(Record{User: "alice", Token: TokenRetr})
	if err != nil {
		t.Fatal(err)
	}
	r.Release(h)

	if s.Live() {
		t.Error("slot still live after Release")
	}
	if rec := s.Record(); rec.User != "" || rec.Token != "" {
		t.Errorf("record not reset: %+v", rec)
	}
	if _, ok := r.Get(h); ok {
		t.Error("Get() found a released slot")
	}
	// Releasing twice or out of range is harmless.
	r.Release(h)
	r.Release(99)
}

func TestSnapshotAndCounts(t *testing.T) {
	r := New(4)
	ip1 := netip.MustParseAddr("10.0.0.1")
	ip2 := netip.MustParseAddr("10.0.0.2")

	r.Allocate(Record{User: "alice", RemoteIP: ip1})
	r.Allocate(Record{User: "bob", RemoteIP: ip1})
	h, _, _ := r.Allocate(Record{User: "alice", RemoteIP: ip2})

	if got := r.CountUser("alice"); got != 2 {
		t.Errorf("CountUser(alice) = %d, want 2", got)
	}
	if got := r.CountIP(netip.MustParseAddr("::ffff:10.0.0.1")); got != 2 {
		t.Errorf("CountIP(mapped 10.0.0.1) = %d, want 2", got)
	}

	r.Release(h)
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() returned %d records, want 2", len(snap))
	}
	for i, rec := range snap {
		if rec.Handle != Handle(i) {
			t.Errorf("snapshot[%d].Handle = %d", i, rec.Handle)
		}
	}
}

func TestKill(t *testing.T) {
	r := New(2)
	h, s, _ := r.Allocate(Record{User: "victim"})

	if err := r.Kill(h); !errors.Is(err, ErrNotFound) {
		t.Errorf("Kill() without kill func: error = %v, want ErrNotFound", err)
	}

	var killed atomic.Bool
	s.SetKill(func() { killed.Store(true) })
	if err := r.Kill(h); err != nil {
		t.Fatalf("Kill() = %v", err)
	}
	if !killed.Load() {
		t.Error("kill func not invoked")
	}

	r.Release(h)
	if err := r.Kill(h); !errors.Is(err, ErrNotFound) {
		t.Errorf("Kill() on released slot: error = %v, want ErrNotFound", err)
	}
}

// Concurrent allocators must never share a slot.
func TestAllocate_ConcurrentExclusive(t *testing.T) {
	const (
		capacity = 8
		workers  = 32
		rounds   = 200
	)
	r := New(capacity)
	var owners [capacity]atomic.Int32
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				h, s, err := r.Allocate(Record{})
				if err != nil {
					continue
				}
				if n := owners[h].Add(1); n != 1 {
					t.Errorf("slot %d owned by %d sessions", h, n)
				}
				s.Update(func(rec *Record) { rec.BytesNow++ })
				_ = r.Snapshot()
				owners[h].Add(-1)
				r.Release(h)
			}
		}()
	}
	wg.Wait()

	if got := r.Live(); got != 0 {
		t.Errorf("Live() = %d after all releases, want 0", got)
	}
}

func TestStatusFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpd.status")
	started := time.Unix(1_700_000_000, 0)

	sf, err := CreateStatus(path, 4, started)
	if err != nil {
		t.Fatalf("CreateStatus: %v", err)
	}
	defer sf.Close()

	r := New(4)
	r.SetStatusFile(sf)

	login := time.Unix(1_700_000_100, 0)
	h, s, err := r.Allocate(Record{
		SessionID: "abc",
		User:      "alice",
		Group:     "staff",
		RemoteIP:  netip.MustParseAddr("192.0.2.7"),
		Family:    4,
		LoginTime: login,
		State:     StateCommand,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Update(func(rec *Record) {
		rec.Token = TokenStor
		rec.Path = "/incoming/file.bin"
		rec.BytesNow = 4096
		rec.TLS = true
	})
	other, _, _ := r.Allocate(Record{User: "bob"})
	r.Release(other)

	ro, err := OpenStatus(path)
	if err != nil {
		t.Fatalf("OpenStatus: %v", err)
	}
	defer ro.Close()

	hdr := ro.Header()
	if hdr.Capacity != 4 || !hdr.Started.Equal(started) {
		t.Errorf("header = %+v", hdr)
	}

	recs := ro.Records()
	if len(recs) != 1 {
		t.Fatalf("Records() = %d records, want 1", len(recs))
	}
	got := recs[0]
	if got.Handle != h || got.User != "alice" || got.Group != "staff" ||
		got.Token != TokenStor || got.Path != "/incoming/file.bin" ||
		got.BytesNow != 4096 || !got.TLS || got.State != StateCommand ||
		got.RemoteIP != netip.MustParseAddr("192.0.2.7") || !got.LoginTime.Equal(login) {
		t.Errorf("decoded record = %+v", got)
	}

	// Later updates are visible through the existing read-only mapping.
	r.Release(h)
	if recs := ro.Records(); len(recs) != 0 {
		t.Errorf("Records() after release = %d, want 0", len(recs))
	}
}

func TestOpenStatus_Invalid(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenStatus(filepath.Join(dir, "missing")); err == nil {
		t.Error("OpenStatus on missing file should fail")
	}

	sf, err := CreateStatus(filepath.Join(dir, "ok"), 1, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	sf.Close()

	if err := writeGarbage(filepath.Join(dir, "bad")); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenStatus(filepath.Join(dir, "bad")); !errors.Is(err, ErrBadStatus) {
		t.Errorf("OpenStatus on garbage: error = %v, want ErrBadStatus", err)
	}
}

func TestPutString_Truncates(t *testing.T) {
	b := make([]byte, 4)
	putString(b, "abcdef")
	if got := getString(b); got != "abcd" {
		t.Errorf("getString = %q, want abcd", got)
	}
	putString(b, "x")
	if got := getString(b); got != "x" {
		t.Errorf("getString = %q, want x", got)
	}
}

func TestPutString_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name  string
		width int
		in    string
		want  string
	}{
		{"cut inside two-byte rune", 4, "abcé", "abc"},
		{"cut after two-byte rune", 5, "abcéz", "abcé"},
		{"cut inside four-byte rune", 5, "ab😀cd", "ab"},
		{"fits", 8, "/päth", "/päth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bytes.Repeat([]byte{0xFF}, tt.width)
			putString(b, tt.in)
			got := getString(b)
			if got != tt.want {
				t.Errorf("getString = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("stored invalid UTF-8 %q", got)
			}
		})
	}
}

func writeGarbage(path string) error {
	return os.WriteFile(path, bytes.Repeat([]byte{0xAB}, HeaderSize+RecordSize), 0o644)
}
