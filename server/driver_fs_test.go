package server

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gonzalop/ftpd/auth"
)

func openFS(t *testing.T, d *FSDriver, u *auth.User) FileSystem {
	t.Helper()
	fs, err := d.Open(u)
	fatalIfErr(t, err, "Open(%s)", u.Name)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestNewFSDriver_Validation(t *testing.T) {
	tests := []struct {
		name        string
		setupPath   func(t *testing.T) string
		expectError bool
	}{
		{
			name: "Valid directory",
			setupPath: func(t *testing.T) string {
				return t.TempDir()
			},
			expectError: false,
		},
		{
			name: "Non-existent path",
			setupPath: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nonexistent")
			},
			expectError: true,
		},
		{
			name: "File instead of directory",
			setupPath: func(t *testing.T) string {
				dir := t.TempDir()
				file := filepath.Join(dir, "file.txt")
				if err := os.WriteFile(file, []byte("test"), 0644); err != nil {
					t.Fatal(err)
				}
				return file
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setupPath(t)
			_, err := NewFSDriver(path)
			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected success, got error: %v", err)
			}
		})
	}
}

func TestFSDriver_HomeJail(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tempDir, "secret.txt"), []byte("top"), 0644); err != nil {
		t.Fatal(err)
	}

	driver, err := NewFSDriver(tempDir, WithCreateHomes(true))
	fatalIfErr(t, err, "NewFSDriver")
	fs := openFS(t, driver, &auth.User{Name: "alice", HomeDir: "/alice"})

	if _, err := os.Stat(filepath.Join(tempDir, "alice")); err != nil {
		t.Fatalf("home not created: %v", err)
	}
	for _, p := range []string{"/secret.txt", "../secret.txt", "/../../secret.txt"} {
		if _, err := fs.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Stat(%q) error = %v, want not exist inside the jail", p, err)
		}
	}
	if err := fs.ChangeDir(".."); err != nil {
		t.Fatalf("ChangeDir(..): %v", err)
	}
	if wd, _ := fs.GetWd(); wd != "/" {
		t.Errorf("GetWd() = %q, want /", wd)
	}
}

func TestFSContext_PathResolution(t *testing.T) {
	tempDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tempDir, "subdir", "deeper"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "file.txt"), []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}

	driver, err := NewFSDriver(tempDir)
	fatalIfErr(t, err, "NewFSDriver")
	fs := openFS(t, driver, &auth.User{Name: "anonymous", Flags: "A"})

	tests := []struct {
		name        string
		path        string
		expectError bool
	}{
		{"Absolute path", "/subdir", false},
		{"Relative path", "subdir", false},
		{"Current directory", ".", false},
		{"Root", "/", false},
		{"File", "/file.txt", false},
		{"Missing", "/nope", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fs.Stat(tt.path)
			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected success, got error: %v", err)
			}
		})
	}

	fatalIfErr(t, fs.ChangeDir("subdir"), "ChangeDir")
	fatalIfErr(t, fs.ChangeDir("deeper"), "ChangeDir")
	if wd, _ := fs.GetWd(); wd != "/subdir/deeper" {
		t.Errorf("GetWd() = %q", wd)
	}
	if err := fs.ChangeDir("/file.txt"); err == nil {
		t.Error("ChangeDir to a file should fail")
	}
}

func TestFSContext_FileOperations(t *testing.T) {
	tempDir := t.TempDir()
	driver, err := NewFSDriver(tempDir)
	fatalIfErr(t, err, "NewFSDriver")
	fs := openFS(t, driver, &auth.User{Name: "user"})

	fatalIfErr(t, fs.MakeDir("/testdir"), "MakeDir")
	info, err := fs.Stat("/testdir")
	if err != nil || !info.IsDir() {
		t.Error("Directory not created")
	}

	f, err := fs.OpenWrite("/test.txt", false)
	fatalIfErr(t, err, "OpenWrite")
	if _, err := f.Write([]byte("test content")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	f.Close()

	f, err = fs.OpenWrite("/test.txt", true)
	fatalIfErr(t, err, "OpenWrite(append)")
	f.Write([]byte(" more"))
	f.Close()

	f, err = fs.OpenRead("/test.txt")
	fatalIfErr(t, err, "OpenRead")
	if _, ok := f.(io.Seeker); !ok {
		t.Error("files opened for reading should be seekable")
	}
	b, _ := io.ReadAll(f)
	f.Close()
	if string(b) != "test content more" {
		t.Errorf("File content mismatch: got %q", b)
	}

	if _, err := fs.OpenRead("/testdir"); err == nil {
		t.Error("OpenRead on a directory should fail")
	}

	entries, err := fs.ListDir("/")
	fatalIfErr(t, err, "ListDir")
	if len(entries) != 2 {
		t.Errorf("ListDir returned %d entries, want 2", len(entries))
	}

	fatalIfErr(t, fs.Rename("/test.txt", "/testdir/renamed.txt"), "Rename")
	if err := fs.RemoveDir("/testdir"); err == nil {
		t.Error("RemoveDir on a non-empty directory should fail")
	}
	if err := fs.Delete("/testdir"); err == nil {
		t.Error("Delete on a directory should fail")
	}
	fatalIfErr(t, fs.Delete("/testdir/renamed.txt"), "Delete")
	fatalIfErr(t, fs.RemoveDir("/testdir"), "RemoveDir")
}

func TestFSContext_AnonymousReadOnly(t *testing.T) {
	tempDir := t.TempDir()
	anon := &auth.User{Name: "ftp", Flags: "A"}

	driver, err := NewFSDriver(tempDir)
	fatalIfErr(t, err, "NewFSDriver")
	fs := openFS(t, driver, anon)

	if err := fs.MakeDir("/testdir"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("MakeDir error = %v, want permission error", err)
	}
	if err := fs.Delete("/file.txt"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Delete error = %v", err)
	}
	if err := fs.RemoveDir("/dir"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("RemoveDir error = %v", err)
	}
	if err := fs.Rename("/a", "/b"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Rename error = %v", err)
	}
	if _, err := fs.OpenWrite("/test.txt", false); !errors.Is(err, os.ErrPermission) {
		t.Errorf("OpenWrite error = %v", err)
	}

	writable, err := NewFSDriver(tempDir, WithAnonWrite(true))
	fatalIfErr(t, err, "NewFSDriver")
	fs = openFS(t, writable, anon)
	fatalIfErr(t, fs.MakeDir("/incoming"), "MakeDir with anonymous writes enabled")
}

func TestFSContext_RenameOutsideRoot(t *testing.T) {
	tempDir := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(tempDir, "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	driver, err := NewFSDriver(tempDir)
	fatalIfErr(t, err, "NewFSDriver")
	fs := openFS(t, driver, &auth.User{Name: "user"})

	if err := fs.Rename("/f.txt", "/escape/f.txt"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Rename through symlink error = %v, want permission error", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "f.txt")); err == nil {
		t.Error("file escaped the root")
	}
}

func TestFSContext_Settings(t *testing.T) {
	tempDir := t.TempDir()
	driver, err := NewFSDriver(tempDir)
	fatalIfErr(t, err, "NewFSDriver")
	if s := openFS(t, driver, &auth.User{Name: "u"}).Settings(); s == nil || s.PasvMinPort != 0 {
		t.Errorf("default Settings() = %+v", s)
	}

	want := &Settings{PublicHost: "ftp.example.com", PasvMinPort: 30000, PasvMaxPort: 30010}
	driver, err = NewFSDriver(tempDir, WithSettings(want))
	fatalIfErr(t, err, "NewFSDriver")
	if got := openFS(t, driver, &auth.User{Name: "u"}).Settings(); got != want {
		t.Errorf("Settings() = %+v, want %+v", got, want)
	}
}
