// Package registry keeps the fixed-capacity table of live sessions.
//
// Every connection owns one slot from accept until disconnect. The owning
// session goroutine is the only writer of its record; administrative
// readers (SITE WHO, the status segment, Server.Stats) take consistent
// snapshots through the per-slot lock and skip slots whose liveness tag is
// not set.
package registry

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrFull is returned by Allocate when every slot is in use.
	ErrFull = errors.New("registry: no free session slot")
	// ErrNotFound is returned when a handle does not name a live session.
	ErrNotFound = errors.New("registry: no such session")
)

// Handle identifies a slot. It is stable for the life of a session and
// may be reused after Release.
type Handle int

// Liveness tags.
const (
	Unused uint32 = iota
	Active
)

// State is the protocol state of a connection.
type State uint8

const (
	StateUnknown State = iota
	StateConnecting
	StateLogging
	StateCommand
	StateTransfer
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLogging:
		return "logging"
	case StateCommand:
		return "command"
	case StateTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Tokens for Record.Token.
const (
	TokenIdle = "IDLE"
	TokenRetr = "RETR"
	TokenStor = "STOR"
	TokenList = "LIST"
)

// Record is the per-session data visible to administrators.
type Record struct {
	Handle    Handle
	SessionID string
	State     State

	User      string
	UserID    int
	Group     string
	UserFlags string

	RemoteIP netip.Addr
	Family   uint8 // 4 or 6

	LoginTime    time.Time
	LastActivity time.Time
	DataActivity time.Time
	LastCommand  string

	Token    string
	Path     string
	BytesNow int64
	Resume   int64
	Speed    float64

	TLS           bool
	DataEncrypted bool
}

// Idle returns how long the session has been idle at now.
func (r *Record) Idle(now time.Time) time.Duration {
	if r.LastActivity.IsZero() {
		return 0
	}
	return now.Sub(r.LastActivity)
}

// Slot is one entry of the registry.
type Slot struct {
	state atomic.Uint32

	mu   sync.Mutex
	rec  Record
	kill func()

	reg *Registry
	idx int
}

// Handle returns the slot's handle.
func (s *Slot) Handle() Handle { return Handle(s.idx) }

// Live reports whether the slot is allocated.
func (s *Slot) Live() bool { return s.state.Load() == Active }

// Update applies fn to the record under the slot lock and republishes it.
func (s *Slot) Update(fn func(*Record)) {
	s.mu.Lock()
	fn(&s.rec)
	s.rec.Handle = s.Handle()
	s.publishLocked()
	s.mu.Unlock()
}

// Record returns a copy of the slot's record.
func (s *Slot) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// SetKill registers the function an administrator's kill runs. It must
// only close the session's sockets; the owner observes the failure and
// shuts itself down.
func (s *Slot) SetKill(fn func()) {
	s.mu.Lock()
	s.kill = fn
	s.mu.Unlock()
}

func (s *Slot) publishLocked() {
	if sf := s.reg.status.Load(); sf != nil {
		sf.write(s.idx, &s.rec, s.state.Load() == Active)
	}
}

// Registry is a fixed-capacity session table.
type Registry struct {
	mu      sync.Mutex // serialises allocation
	slots   []Slot
	started time.Time
	status  atomic.Pointer[StatusFile]
}

// New creates a registry with room for capacity sessions.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Registry{
		slots:   make([]Slot, capacity),
		started: time.Now(),
	}
	for i := range r.slots {
		r.slots[i].reg = r
		r.slots[i].idx = i
	}
	return r
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int { return len(r.slots) }

// Started returns the time the registry was created.
func (r *Registry) Started() time.Time { return r.started }

// SetStatusFile publishes every subsequent slot update to sf.
// Live records are written immediately.
func (r *Registry) SetStatusFile(sf *StatusFile) {
	r.status.Store(sf)
	if sf == nil {
		return
	}
	for i := range r.slots {
		s := &r.slots[i]
		s.mu.Lock()
		s.publishLocked()
		s.mu.Unlock()
	}
}

// Allocate reserves the first unused slot and initialises it with rec.
// The liveness tag is set only after the record is in place.
func (r *Registry) Allocate(rec Record) (Handle, *Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		s := &r.slots[i]
		if s.state.Load() != Unused {
			continue
		}
		s.mu.Lock()
		s.rec = rec
		s.rec.Handle = Handle(i)
		s.kill = nil
		s.state.Store(Active)
		s.publishLocked()
		s.mu.Unlock()
		return Handle(i), s, nil
	}
	return -1, nil, fmt.Errorf("%w (capacity %d)", ErrFull, len(r.slots))
}

// Release frees the slot. The liveness tag is cleared before the record
// is reset so readers never see a live slot with stale data.
func (r *Registry) Release(h Handle) {
	s, ok := r.slot(h)
	if !ok {
		return
	}
	s.mu.Lock()
	s.state.Store(Unused)
	s.rec = Record{}
	s.kill = nil
	s.publishLocked()
	s.mu.Unlock()
}

// Get returns the slot for h if it is live.
func (r *Registry) Get(h Handle) (*Slot, bool) {
	s, ok := r.slot(h)
	if !ok || !s.Live() {
		return nil, false
	}
	return s, true
}

func (r *Registry) slot(h Handle) (*Slot, bool) {
	if h < 0 || int(h) >= len(r.slots) {
		return nil, false
	}
	return &r.slots[h], true
}

// Snapshot returns copies of every live record, ordered by handle.
func (r *Registry) Snapshot() []Record {
	var out []Record
	for i := range r.slots {
		s := &r.slots[i]
		if !s.Live() {
			continue
		}
		s.mu.Lock()
		// Recheck under the lock; Release clears the tag while holding it.
		if s.Live() {
			out = append(out, s.rec)
		}
		s.mu.Unlock()
	}
	return out
}

// Kill closes the sockets of the session in slot h by running the kill
// function its owner registered.
func (r *Registry) Kill(h Handle) error {
	s, ok := r.Get(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	s.mu.Lock()
	fn := s.kill
	s.mu.Unlock()
	if fn == nil || !s.Live() {
		return fmt.Errorf("%w: %d", ErrNotFound, h)
	}
	fn()
	return nil
}

// Live returns the number of allocated slots.
func (r *Registry) Live() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].Live() {
			n++
		}
	}
	return n
}

// CountUser returns the number of live sessions logged in as name.
func (r *Registry) CountUser(name string) int {
	return r.count(func(rec *Record) bool { return rec.User == name })
}

// CountIP returns the number of live sessions from ip.
func (r *Registry) CountIP(ip netip.Addr) int {
	ip = ip.Unmap()
	return r.count(func(rec *Record) bool { return rec.RemoteIP == ip })
}

func (r *Registry) count(match func(*Record) bool) int {
	n := 0
	for i := range r.slots {
		s := &r.slots[i]
		if !s.Live() {
			continue
		}
		s.mu.Lock()
		if s.Live() && match(&s.rec) {
			n++
		}
		s.mu.Unlock()
	}
	return n
}
