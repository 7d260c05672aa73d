package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gonzalop/ftpd/auth"
)

// ErrPermissionDenied is returned when a permission list refuses a command.
// Sessions answer it with 550 and never log it as an error.
var ErrPermissionDenied = errors.New("ftp: permission denied")

// RuleKind selects what a permission rule matches.
type RuleKind uint8

const (
	// RuleAny matches every session, logged in or not ("*").
	RuleAny RuleKind = iota
	// RuleUser matches a user name ("-alice").
	RuleUser
	// RuleGroup matches a group member ("=staff").
	RuleGroup
	// RuleFlag matches users carrying a flag character ("+O").
	RuleFlag
)

// Rule is one entry of a permission list.
type Rule struct {
	Deny  bool
	Kind  RuleKind
	Value string
}

func (r Rule) String() string {
	var b strings.Builder
	if r.Deny {
		b.WriteByte('!')
	}
	switch r.Kind {
	case RuleAny:
		b.WriteByte('*')
		return b.String()
	case RuleUser:
		b.WriteByte('-')
	case RuleGroup:
		b.WriteByte('=')
	case RuleFlag:
		b.WriteByte('+')
	}
	b.WriteString(r.Value)
	return b.String()
}

// matches reports whether r applies to u. Only RuleAny matches a session
// that has not logged in yet.
func (r Rule) matches(u *auth.User) bool {
	if r.Kind == RuleAny {
		return true
	}
	if u == nil {
		return false
	}
	switch r.Kind {
	case RuleUser:
		return u.Name == r.Value
	case RuleGroup:
		return u.InGroup(r.Value)
	case RuleFlag:
		return strings.Contains(u.Flags, r.Value)
	}
	return false
}

// Permission is an ordered rule list. The first matching rule decides.
// A published list is never modified; updates build a new one.
type Permission []Rule

// ParsePermission parses a whitespace separated rule line such as
// "!+A -alice =staff *".
func ParsePermission(line string) (Permission, error) {
	var p Permission
	for _, tok := range strings.Fields(line) {
		var r Rule
		if strings.HasPrefix(tok, "!") {
			r.Deny = true
			tok = tok[1:]
		}
		if tok == "*" {
			r.Kind = RuleAny
			p = append(p, r)
			continue
		}
		if len(tok) < 2 {
			return nil, fmt.Errorf("invalid permission rule %q", tok)
		}
		switch tok[0] {
		case '-':
			r.Kind = RuleUser
		case '=':
			r.Kind = RuleGroup
		case '+':
			r.Kind = RuleFlag
			if len(tok) != 2 {
				return nil, fmt.Errorf("invalid flag rule %q: one flag character expected", tok)
			}
		default:
			return nil, fmt.Errorf("invalid permission rule %q", tok)
		}
		r.Value = tok[1:]
		p = append(p, r)
	}
	return p, nil
}

func (p Permission) String() string {
	parts := make([]string, len(p))
	for i, r := range p {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}

// Allows evaluates the list for u. An empty list allows everyone; a
// non-empty list without a matching rule denies.
func (p Permission) Allows(u *auth.User) bool {
	if len(p) == 0 {
		return true
	}
	for _, r := range p {
		if r.matches(u) {
			return !r.Deny
		}
	}
	return false
}

// Handler is the implementation behind a command: either a built-in
// session method or an external program.
type Handler interface {
	isHandler()
}

type nativeHandler func(s *session, arg string)

// externalHandler runs a command line through the hook runner with the
// session cookies substituted.
type externalHandler struct {
	cmdline string
}

func (nativeHandler) isHandler()   {}
func (externalHandler) isHandler() {}

// Command is an entry of the command table.
type Command struct {
	Name    string
	ID      int
	Handler Handler

	// NeedsLogin makes the dispatcher answer 530 before login.
	NeedsLogin bool

	perms atomic.Pointer[Permission]
}

// Permission returns the current rule list.
func (c *Command) Permission() Permission {
	if p := c.perms.Load(); p != nil {
		return *p
	}
	return nil
}

// CommandTable maps command names to handlers. Lookups are
// case-insensitive. Permission updates swap a command's list atomically,
// so checks never see a half-built list.
type CommandTable struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	nextID int
}

// NewCommandTable returns an empty table.
func NewCommandTable() *CommandTable {
	return &CommandTable{cmds: make(map[string]*Command)}
}

func (t *CommandTable) register(name string, h Handler, perm string, needsLogin bool) (*Command, error) {
	p, err := ParsePermission(perm)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", name, err)
	}
	key := strings.ToUpper(name)
	c := &Command{Name: key, Handler: h, NeedsLogin: needsLogin}
	c.perms.Store(&p)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	c.ID = t.nextID
	t.cmds[key] = c
	return c, nil
}

// Register adds a built-in command with its default permission line.
func (t *CommandTable) Register(name string, h Handler, perm string) error {
	_, err := t.register(name, h, perm, true)
	return err
}

// RegisterExternal maps name to an external program, replacing any
// previous entry. SITE subcommands are registered as "site_<name>".
func (t *CommandTable) RegisterExternal(name, cmdline, perm string) error {
	if strings.TrimSpace(cmdline) == "" {
		return fmt.Errorf("command %s: empty command line", name)
	}
	_, err := t.register(name, externalHandler{cmdline: cmdline}, perm, true)
	return err
}

// Find looks a command up by name.
func (t *CommandTable) Find(name string) (*Command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.cmds[strings.ToUpper(name)]
	return c, ok
}

// Names returns the registered command names, sorted.
func (t *CommandTable) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.cmds))
	for name := range t.cmds {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (t *CommandTable) lookup(name string) (*Command, error) {
	c, ok := t.Find(name)
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	return c, nil
}

// SetPermission replaces the rule list of a command.
func (t *CommandTable) SetPermission(name, line string) error {
	c, err := t.lookup(name)
	if err != nil {
		return err
	}
	p, err := ParsePermission(line)
	if err != nil {
		return err
	}
	c.perms.Store(&p)
	return nil
}

// AddPermission appends rules to a command's list.
func (t *CommandTable) AddPermission(name, line string) error {
	c, err := t.lookup(name)
	if err != nil {
		return err
	}
	add, err := ParsePermission(line)
	if err != nil {
		return err
	}
	for {
		old := c.perms.Load()
		next := make(Permission, 0, len(*old)+len(add))
		next = append(next, *old...)
		next = append(next, add...)
		if c.perms.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// DeletePermission clears a command's list, allowing everyone.
func (t *CommandTable) DeletePermission(name string) error {
	c, err := t.lookup(name)
	if err != nil {
		return err
	}
	c.perms.Store(&Permission{})
	return nil
}

// CheckPermission reports whether u may run c.
func (t *CommandTable) CheckPermission(c *Command, u *auth.User) bool {
	return c.Permission().Allows(u)
}

// Default permission lines.
const (
	permEveryone = ""
	permNoAnon   = "!+A *"
	permSiteOp   = "+O"
)

// defaultCommands registers the built-in command set.
func defaultCommands() *CommandTable {
	t := NewCommandTable()
	add := func(name string, h func(*session, string), perm string, needsLogin bool) {
		if _, err := t.register(name, nativeHandler(h), perm, needsLogin); err != nil {
			panic(err)
		}
	}

	// Access control and connection state.
	add("USER", (*session).handleUSER, permEveryone, false)
	add("PASS", (*session).handlePASS, permEveryone, false)
	add("QUIT", (*session).handleQUIT, permEveryone, false)
	add("NOOP", (*session).handleNOOP, permEveryone, false)
	add("FEAT", (*session).handleFEAT, permEveryone, false)
	add("OPTS", (*session).handleOPTS, permEveryone, false)
	add("SYST", (*session).handleSYST, permEveryone, false)
	add("HELP", (*session).handleHELP, permEveryone, false)
	add("ACCT", (*session).handleACCT, permEveryone, false)
	add("AUTH", (*session).handleAUTH, permEveryone, false)
	add("PBSZ", (*session).handlePBSZ, permEveryone, false)
	add("PROT", (*session).handlePROT, permEveryone, false)
	add("STAT", (*session).handleSTAT, permEveryone, false)
	add("ABOR", (*session).handleABOR, permEveryone, false)

	// Navigation and information.
	add("PWD", (*session).handlePWD, permEveryone, true)
	add("XPWD", (*session).handlePWD, permEveryone, true)
	add("CWD", (*session).handleCWD, permEveryone, true)
	add("XCWD", (*session).handleCWD, permEveryone, true)
	add("CDUP", (*session).handleCDUP, permEveryone, true)
	add("XCUP", (*session).handleCDUP, permEveryone, true)
	add("SIZE", (*session).handleSIZE, permEveryone, true)
	add("MDTM", (*session).handleMDTM, permEveryone, true)
	add("MODE", (*session).handleMODE, permEveryone, true)
	add("STRU", (*session).handleSTRU, permEveryone, true)

	// Transfer parameters.
	add("TYPE", (*session).handleTYPE, permEveryone, true)
	add("PORT", (*session).handlePORT, permEveryone, true)
	add("EPRT", (*session).handleEPRT, permEveryone, true)
	add("PASV", (*session).handlePASV, permEveryone, true)
	add("EPSV", (*session).handleEPSV, permEveryone, true)
	add("REST", (*session).handleREST, permEveryone, true)

	// Transfers.
	add("RETR", (*session).handleRETR, permEveryone, true)
	add("LIST", (*session).handleLIST, permEveryone, true)
	add("NLST", (*session).handleNLST, permEveryone, true)
	add("STOR", (*session).handleSTOR, permNoAnon, true)
	add("APPE", (*session).handleAPPE, permNoAnon, true)

	// Filesystem changes.
	add("MKD", (*session).handleMKD, permNoAnon, true)
	add("XMKD", (*session).handleMKD, permNoAnon, true)
	add("RMD", (*session).handleRMD, permNoAnon, true)
	add("XRMD", (*session).handleRMD, permNoAnon, true)
	add("DELE", (*session).handleDELE, permNoAnon, true)
	add("RNFR", (*session).handleRNFR, permNoAnon, true)
	add("RNTO", (*session).handleRNTO, permNoAnon, true)

	// SITE and its administrative subcommands.
	add("SITE", (*session).handleSITE, permEveryone, true)
	add("SITE_HELP", (*session).handleSiteHELP, permSiteOp, true)
	add("SITE_WHO", (*session).handleSiteWHO, permSiteOp, true)
	add("SITE_KILL", (*session).handleSiteKILL, permSiteOp, true)
	add("SITE_UPTIME", (*session).handleSiteUPTIME, permSiteOp, true)

	return t
}
