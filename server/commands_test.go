package server

import (
	"testing"

	"github.com/gonzalop/ftpd/auth"
)

func TestParsePermission(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line    string
		want    string
		wantErr bool
	}{
		{line: "", want: ""},
		{line: "*", want: "*"},
		{line: "!+A  -alice\t=staff *", want: "!+A -alice =staff *"},
		{line: "!*", want: "!*"},
		{line: "+OG", wantErr: true},
		{line: "-", wantErr: true},
		{line: "!", wantErr: true},
		{line: "alice", wantErr: true},
		{line: "?x", wantErr: true},
	}
	for _, tt := range tests {
		p, err := ParsePermission(tt.line)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePermission(%q) = %v, want error", tt.line, p)
			}
			continue
		}
		fatalIfErr(t, err, "ParsePermission(%q)", tt.line)
		if got := p.String(); got != tt.want {
			t.Errorf("ParsePermission(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestPermissionAllows(t *testing.T) {
	t.Parallel()
	alice := &auth.User{Name: "alice", Flags: "X", Groups: []string{"staff"}}
	bob := &auth.User{Name: "bob", Groups: []string{"users"}}
	anon := &auth.User{Name: "anonymous", Flags: "A"}

	tests := []struct {
		line string
		user *auth.User
		want bool
	}{
		{"", nil, true},
		{"", bob, true},
		{"*", nil, true},
		{"-alice", nil, false},
		{"-alice", alice, true},
		{"-alice", bob, false},
		{"=staff", alice, true},
		{"=staff", bob, false},
		{"+X", alice, true},
		{"+X", bob, false},
		// The first matching rule decides.
		{"!+X -alice", alice, false},
		{"-alice !+X", alice, true},
		{"!+A *", anon, false},
		{"!+A *", bob, true},
		{"!+A *", nil, true},
		{"!* -alice", alice, false},
		{"!-bob =users", bob, false},
	}
	for _, tt := range tests {
		p, err := ParsePermission(tt.line)
		fatalIfErr(t, err, "ParsePermission(%q)", tt.line)
		name := "<nil>"
		if tt.user != nil {
			name = tt.user.Name
		}
		if got := p.Allows(tt.user); got != tt.want {
			t.Errorf("%q.Allows(%s) = %v, want %v", tt.line, name, got, tt.want)
		}
	}
}

func TestCommandTablePermissions(t *testing.T) {
	t.Parallel()
	table := defaultCommands()
	alice := &auth.User{Name: "alice", Flags: "O"}
	bob := &auth.User{Name: "bob"}
	anon := &auth.User{Name: "anonymous", Flags: "A"}

	dele, ok := table.Find("dele")
	if !ok {
		t.Fatal("DELE not found by lower-case name")
	}
	if table.CheckPermission(dele, anon) || !table.CheckPermission(dele, bob) {
		t.Errorf("default DELE permission = %q", dele.Permission())
	}

	fatalIfErr(t, table.SetPermission("DELE", "-alice"), "SetPermission")
	if table.CheckPermission(dele, bob) || !table.CheckPermission(dele, alice) {
		t.Errorf("after SetPermission DELE = %q", dele.Permission())
	}

	fatalIfErr(t, table.AddPermission("dele", "-bob"), "AddPermission")
	if got := dele.Permission().String(); got != "-alice -bob" {
		t.Errorf("after AddPermission DELE = %q", got)
	}
	if !table.CheckPermission(dele, bob) {
		t.Error("bob denied after AddPermission")
	}

	fatalIfErr(t, table.DeletePermission("DELE"), "DeletePermission")
	if !table.CheckPermission(dele, anon) {
		t.Error("empty list denied anonymous")
	}

	if err := table.SetPermission("XYZZY", "*"); err == nil {
		t.Error("SetPermission on unknown command succeeded")
	}
	if err := table.SetPermission("DELE", "?bad"); err == nil {
		t.Error("SetPermission with bad line succeeded")
	}
	if err := table.RegisterExternal("SITE_EMPTY", "  ", ""); err == nil {
		t.Error("RegisterExternal with empty command line succeeded")
	}

	who, _ := table.Find("SITE_WHO")
	if table.CheckPermission(who, bob) || !table.CheckPermission(who, alice) {
		t.Errorf("SITE_WHO permission = %q", who.Permission())
	}
}

func TestCommandTableIDs(t *testing.T) {
	t.Parallel()
	table := NewCommandTable()
	fatalIfErr(t, table.RegisterExternal("SITE_A", "/bin/true", ""), "register A")
	fatalIfErr(t, table.RegisterExternal("site_b", "/bin/true", "*"), "register B")

	a, _ := table.Find("SITE_A")
	b, _ := table.Find("SITE_B")
	if a.ID == b.ID || a.ID == 0 || b.ID == 0 {
		t.Errorf("IDs = %d, %d", a.ID, b.ID)
	}
	if !a.NeedsLogin {
		t.Error("external commands must require login")
	}
	names := table.Names()
	if len(names) != 2 || names[0] != "SITE_A" || names[1] != "SITE_B" {
		t.Errorf("Names = %v", names)
	}
}

func TestPermissionEnforcedOverControl(t *testing.T) {
	t.Parallel()
	_, addr := startServer(t, t.TempDir(),
		WithPermission("MKD", "!-bob *"),
		WithPermission("NOOP", "!* "),
	)

	r := dialRaw(t, addr)
	r.mustCmd(550, "NOOP")
	r.login("bob", "hunter2")
	r.mustCmd(550, "MKD denied")
	r.mustCmd(550, "SITE WHO")

	a := dialRaw(t, addr)
	a.login("alice", "secret")
	a.mustCmd(257, "MKD allowed")
}
