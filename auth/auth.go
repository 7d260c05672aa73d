// Package auth defines the user records and the authentication backend
// contract used by the FTP server, with an in-memory backend and a YAML
// users-file backend storing bcrypt password hashes.
package auth

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserNotFound is returned for unknown users.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrRejected is returned when a login or password is refused.
	ErrRejected = errors.New("auth: login rejected")
)

// User flags.
const (
	FlagSiteOp      = 'O' // may run administrative SITE commands
	FlagDeleted     = 'D' // account disabled
	FlagNoIdle      = 'I' // exempt from the idle timeout
	FlagHidden      = 'H' // hidden from SITE WHO
	FlagGroupAdmin  = 'G'
	FlagTLSRequired = 'k' // must secure the control connection before login
	FlagAnonymous   = 'A' // any password accepted, no write access
)

// Stats are the transfer totals of a user, shared by all its sessions.
type Stats struct {
	BytesUp   atomic.Int64
	BytesDown atomic.Int64
	FilesUp   atomic.Int64
	FilesDown atomic.Int64
}

// User is an account record. Backends hand out shared pointers; only the
// Stats counters change after the record is loaded.
type User struct {
	ID      int
	Name    string
	Groups  []string
	Flags   string
	HomeDir string

	MaxIdle          time.Duration // 0 uses the server default
	MaxUploadSpeed   int64         // bytes per second, 0 = unlimited
	MaxDownloadSpeed int64
	NumLogins        int // concurrent sessions, 0 = unlimited

	// IPAllowed lists the addresses or prefixes the user may log in from.
	// Empty allows every address.
	IPAllowed []netip.Prefix

	Stats Stats
}

// HasFlag reports whether the user carries flag f.
func (u *User) HasFlag(f rune) bool {
	return u != nil && strings.ContainsRune(u.Flags, f)
}

// InGroup reports whether the user belongs to group.
func (u *User) InGroup(group string) bool {
	return u != nil && slices.Contains(u.Groups, group)
}

// PrimaryGroup returns the first group, or "".
func (u *User) PrimaryGroup() string {
	if u == nil || len(u.Groups) == 0 {
		return ""
	}
	return u.Groups[0]
}

// AllowsIP reports whether ip may log in as this user.
func (u *User) AllowsIP(ip netip.Addr) bool {
	if len(u.IPAllowed) == 0 {
		return true
	}
	ip = ip.Unmap()
	for _, p := range u.IPAllowed {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Backend is the authentication collaborator. It is consulted only at
// login time; sessions keep the resolved *User afterwards.
type Backend interface {
	// ValidateLogin checks that name may log in and returns its record.
	ValidateLogin(name string) (*User, error)
	// ValidatePassword checks the password of name.
	ValidatePassword(name, password string) (*User, error)
	// FindUser looks a user up by id.
	FindUser(id int) (*User, error)
}

type entry struct {
	user *User
	hash []byte
}

// Memory is an in-memory Backend.
type Memory struct {
	// Cost is the bcrypt cost used by Add. Zero means bcrypt.DefaultCost.
	Cost int

	mu     sync.RWMutex
	byName map[string]*entry
	byID   map[int]*entry
}

// NewMemory returns an empty backend.
func NewMemory() *Memory {
	return &Memory{
		byName: make(map[string]*entry),
		byID:   make(map[int]*entry),
	}
}

// Add stores u with a bcrypt hash of password. Anonymous users may have
// an empty password.
func (m *Memory) Add(u *User, password string) error {
	cost := m.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	var hash []byte
	if password != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), cost)
		if err != nil {
			return fmt.Errorf("hashing password of %s: %w", u.Name, err)
		}
	}
	return m.AddHashed(u, string(hash))
}

// AddHashed stores u with an existing bcrypt hash.
func (m *Memory) AddHashed(u *User, hash string) error {
	if u == nil || u.Name == "" {
		return errors.New("auth: user without a name")
	}
	if hash == "" && !u.HasFlag(FlagAnonymous) {
		return fmt.Errorf("auth: user %s has no password", u.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if other, ok := m.byID[u.ID]; ok && other.user.Name != u.Name {
		return fmt.Errorf("auth: duplicate user id %d (%s, %s)", u.ID, other.user.Name, u.Name)
	}
	e := &entry{user: u, hash: []byte(hash)}
	m.byName[u.Name] = e
	m.byID[u.ID] = e
	return nil
}

// Users returns all user records.
func (m *Memory) Users() []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.byName))
	for _, e := range m.byName {
		out = append(out, e.user)
	}
	slices.SortFunc(out, func(a, b *User) int { return a.ID - b.ID })
	return out
}

func (m *Memory) lookup(name string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	return e, nil
}

// ValidateLogin implements Backend.
func (m *Memory) ValidateLogin(name string) (*User, error) {
	e, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if e.user.HasFlag(FlagDeleted) {
		return nil, fmt.Errorf("%w: %s is disabled", ErrRejected, name)
	}
	return e.user, nil
}

// ValidatePassword implements Backend.
func (m *Memory) ValidatePassword(name, password string) (*User, error) {
	e, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	u := e.user
	if u.HasFlag(FlagDeleted) {
		return nil, fmt.Errorf("%w: %s is disabled", ErrRejected, name)
	}
	if u.HasFlag(FlagAnonymous) {
		return u, nil
	}
	if err := bcrypt.CompareHashAndPassword(e.hash, []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: bad password for %s", ErrRejected, name)
	}
	return u, nil
}

// FindUser implements Backend.
func (m *Memory) FindUser(id int) (*User, error) {
	m.mu.RLock()
	e, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, id)
	}
	return e.user, nil
}

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
