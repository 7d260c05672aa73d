package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/registry"
	"github.com/gonzalop/ftpd/server"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

func writeUsers(t *testing.T) string {
	t.Helper()
	hash, err := auth.HashPassword("secret")
	fatalIfErr(t, err, "HashPassword")
	path := filepath.Join(t.TempDir(), "users.yaml")
	body := "users:\n  - name: alice\n    id: 1\n    password: \"" + hash + "\"\n    flags: O\n"
	fatalIfErr(t, os.WriteFile(path, []byte(body), 0o600), "writing users")
	return path
}

func TestServerOptions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := config.Config{
		Listen:    "127.0.0.1:0",
		Family:    "ipv4",
		Backlog:   16,
		MaxUsers:  4,
		Root:      dir,
		UsersFile: writeUsers(t),
		Xferlog:   filepath.Join(dir, "xferlog"),
		Timeouts:  config.TimeoutConfig{Idle: time.Minute, Transfer: time.Minute, Connect: time.Second},
		Permissions: map[string]string{
			"dele":    "=staff",
			"site_df": "*",
		},
		Commands:      []config.CommandConfig{{Name: "site_df", Command: "df -h", Permission: "+O"}},
		Hooks:         []config.HookConfig{{Event: "login|logout", Command: "logger %username"}},
		Crontab:       []config.JobConfig{{Minutes: "0", Hours: "4", Command: "true"}},
		LoginThrottle: config.LoginThrottleConfig{Rate: 1, Burst: 3},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts, closer, err := serverOptions(cfg, logger)
	fatalIfErr(t, err, "serverOptions")
	defer closer.Close()

	s, err := server.NewServer(cfg.Listen, opts...)
	fatalIfErr(t, err, "NewServer")

	df, ok := s.Commands().Find("SITE_DF")
	if !ok {
		t.Fatal("external command not registered")
	}
	// The permissions map is applied after the command's own default.
	if got := df.Permission().String(); got != "*" {
		t.Errorf("SITE_DF permission = %q", got)
	}
	if jobs := s.Crontab().Len(); jobs != 1 {
		t.Errorf("crontab has %d jobs", jobs)
	}
	if _, err := os.Stat(cfg.Xferlog); err != nil {
		t.Errorf("xferlog not opened: %v", err)
	}
}

func TestServerOptions_Errors(t *testing.T) {
	t.Parallel()
	users := writeUsers(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := func() config.Config {
		return config.Config{Family: "any", MaxUsers: 1, Root: t.TempDir(), UsersFile: users}
	}
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing users file", func(c *config.Config) { c.UsersFile = filepath.Join(t.TempDir(), "none.yaml") }},
		{"missing root", func(c *config.Config) { c.Root = filepath.Join(t.TempDir(), "none") }},
		{"bad family", func(c *config.Config) { c.Family = "ipx" }},
		{"bad hook event", func(c *config.Config) { c.Hooks = []config.HookConfig{{Event: "reboot", Command: "true"}} }},
		{"missing certificate", func(c *config.Config) { c.TLS = config.TLSConfig{CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if _, _, err := serverOptions(cfg, logger); err == nil {
				t.Error("serverOptions succeeded")
			}
		})
	}
}

func TestRenderWho(t *testing.T) {
	t.Parallel()
	now := time.Now()
	recs := []registry.Record{
		{Handle: 0, User: "alice", RemoteIP: netip.MustParseAddr("192.0.2.1"), State: registry.StateTransfer,
			Token: registry.TokenRetr, LastActivity: now.Add(-time.Minute), BytesNow: 4096, Speed: 2048, Path: "/pub/big.iso"},
		{Handle: 1, User: "ghost", UserFlags: "H", RemoteIP: netip.MustParseAddr("192.0.2.2"), State: registry.StateCommand},
		{Handle: 2, RemoteIP: netip.MustParseAddr("2001:db8::1"), State: registry.StateLogging, TLS: true},
	}

	var buf bytes.Buffer
	fatalIfErr(t, renderWho(&buf, recs, now, false), "renderWho")
	out := buf.String()
	for _, want := range []string{"alice", "/pub/big.iso", "4096", "2.0 KiB/s", "2001:db8::1", "(tls)", "2 session(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("who output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "ghost") {
		t.Errorf("hidden user listed:\n%s", out)
	}

	buf.Reset()
	fatalIfErr(t, renderWho(&buf, recs, now, true), "renderWho --all")
	if !strings.Contains(buf.String(), "ghost") || !strings.Contains(buf.String(), "3 session(s)") {
		t.Errorf("--all output:\n%s", buf.String())
	}
}

func TestWhoAndUptimeCommands(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "status")
	started := time.Now().Add(-90 * time.Second)
	sf, err := registry.CreateStatus(path, 4, started)
	fatalIfErr(t, err, "CreateStatus")
	defer sf.Close()

	reg := registry.New(4)
	reg.SetStatusFile(sf)
	_, slot, err := reg.Allocate(registry.Record{User: "bob", RemoteIP: netip.MustParseAddr("198.51.100.7"), State: registry.StateCommand})
	fatalIfErr(t, err, "Allocate")
	slot.Update(func(r *registry.Record) { r.Path = "/incoming" })

	run := func(args ...string) string {
		t.Helper()
		root := newRootCommand(config.NewLoader())
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(io.Discard)
		root.SetArgs(args)
		fatalIfErr(t, root.Execute(), "ftpd %v", args)
		return out.String()
	}

	who := run("who", "--status-file", path)
	if !strings.Contains(who, "bob") || !strings.Contains(who, "/incoming") || !strings.Contains(who, "1 session(s)") {
		t.Errorf("who output:\n%s", who)
	}

	up := run("uptime", "--status-file", path)
	if !strings.Contains(up, "1/4 session(s)") || !strings.Contains(up, "up 1m") {
		t.Errorf("uptime output = %q", up)
	}

	if v := run("version"); !strings.Contains(v, "ftpd version dev") {
		t.Errorf("version output = %q", v)
	}
}
