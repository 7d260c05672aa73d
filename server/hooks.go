package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gonzalop/ftpd/auth"
)

// Event is a bitmask of hook events.
type Event uint32

const (
	EventLogin Event = 1 << iota
	EventLogout
	EventPreUpload
	EventPostUpload
	EventPostDownload
	EventMkdir
	EventRmdir
	EventSite
	EventCrontab

	EventAll = EventLogin | EventLogout | EventPreUpload | EventPostUpload |
		EventPostDownload | EventMkdir | EventRmdir | EventSite | EventCrontab
)

var eventNames = []struct {
	ev   Event
	name string
}{
	{EventLogin, "login"},
	{EventLogout, "logout"},
	{EventPreUpload, "preupload"},
	{EventPostUpload, "postupload"},
	{EventPostDownload, "postdownload"},
	{EventMkdir, "mkdir"},
	{EventRmdir, "rmdir"},
	{EventSite, "site"},
	{EventCrontab, "crontab"},
}

func (e Event) String() string {
	var names []string
	for _, n := range eventNames {
		if e&n.ev != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseEvent parses a "|" or "," separated list of event names, or "all".
func ParseEvent(s string) (Event, error) {
	var mask Event
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "all" {
			mask |= EventAll
			continue
		}
		found := false
		for _, n := range eventNames {
			if n.name == name {
				mask |= n.ev
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown hook event %q", part)
		}
	}
	if mask == 0 {
		return 0, errors.New("empty hook event")
	}
	return mask, nil
}

// HookInfo is what a hook learns about the event.
type HookInfo struct {
	Event     Event
	SessionID string
	User      *auth.User
	RemoteIP  netip.Addr
	Path      string
	Arg       string
	Bytes     int64
}

// HookFunc is an in-process hook.
type HookFunc func(ctx context.Context, info HookInfo) error

type hook struct {
	mask    Event
	fn      HookFunc
	cmdline string
}

// DefaultHookTimeout bounds external hook commands.
const DefaultHookTimeout = 10 * time.Second

// Hooks dispatches events to registered functions and external commands.
// Firing never blocks the caller; failures are logged.
type Hooks struct {
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.RWMutex
	hooks []hook

	wg sync.WaitGroup
}

// NewHooks returns an empty hook set.
func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{logger: logger, timeout: DefaultHookTimeout}
}

// Add registers fn for the events in mask.
func (h *Hooks) Add(mask Event, fn HookFunc) {
	h.mu.Lock()
	h.hooks = append(h.hooks, hook{mask: mask, fn: fn})
	h.mu.Unlock()
}

// AddExternal registers a command line for the events in mask. Cookies
// such as %username and %path are substituted when it runs.
func (h *Hooks) AddExternal(mask Event, cmdline string) error {
	if strings.TrimSpace(cmdline) == "" {
		return errors.New("empty hook command")
	}
	h.mu.Lock()
	h.hooks = append(h.hooks, hook{mask: mask, cmdline: cmdline})
	h.mu.Unlock()
	return nil
}

// Fire runs every hook registered for info.Event in the background.
func (h *Hooks) Fire(ctx context.Context, info HookInfo) {
	h.mu.RLock()
	var matched []hook
	for _, hk := range h.hooks {
		if hk.mask&info.Event != 0 {
			matched = append(matched, hk)
		}
	}
	h.mu.RUnlock()
	if len(matched) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for _, hk := range matched {
			var err error
			if hk.fn != nil {
				err = hk.fn(ctx, info)
			} else {
				_, err = h.Run(ctx, hk.cmdline, cookies(info))
			}
			if err != nil {
				h.logger.Warn("hook_failed",
					"event", info.Event.String(),
					"session_id", info.SessionID,
					"error", err,
				)
			}
		}
	}()
}

// Wait blocks until all fired hooks have returned.
func (h *Hooks) Wait() {
	h.wg.Wait()
}

// Run executes cmdline with the cookies substituted and returns its
// combined output. The line is split on whitespace and run without a
// shell.
func (h *Hooks) Run(ctx context.Context, cmdline string, vars map[string]string) ([]byte, error) {
	args := expand(cmdline, vars)
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	h.logger.Debug("external_command",
		"command", args[0],
		"output", strings.TrimSpace(out.String()),
	)
	if err != nil {
		return out.Bytes(), fmt.Errorf("running %s: %w", args[0], err)
	}
	return out.Bytes(), nil
}

// cookies returns the substitution values for info.
func cookies(info HookInfo) map[string]string {
	vars := map[string]string{
		"event": info.Event.String(),
		"path":  info.Path,
		"arg":   info.Arg,
		"bytes": fmt.Sprint(info.Bytes),
	}
	if info.RemoteIP.IsValid() {
		vars["userip"] = info.RemoteIP.String()
	}
	if u := info.User; u != nil {
		vars["username"] = u.Name
		vars["usergroup"] = u.PrimaryGroup()
		vars["userhome"] = u.HomeDir
		vars["userflags"] = u.Flags
	}
	return vars
}

// expand splits cmdline into arguments and substitutes %name cookies in
// each of them. Substituted values have shell metacharacters removed.
func expand(cmdline string, vars map[string]string) []string {
	fields := strings.Fields(cmdline)
	for i, f := range fields {
		if strings.IndexByte(f, '%') < 0 {
			continue
		}
		fields[i] = substitute(f, vars)
	}
	return fields
}

func substitute(s string, vars map[string]string) string {
	var b strings.Builder
	for {
		i := strings.IndexByte(s, '%')
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		s = s[i+1:]
		j := 0
		for j < len(s) && (s[j] >= 'a' && s[j] <= 'z') {
			j++
		}
		name := s[:j]
		if v, ok := vars[name]; ok && name != "" {
			b.WriteString(stripMeta(v))
			s = s[j:]
			continue
		}
		b.WriteByte('%')
	}
}

const shellMeta = "`$;&|<>(){}[]*?!~'\"\\\n\r\t "

func stripMeta(v string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(shellMeta, r) {
			return -1
		}
		return r
	}, v)
}
