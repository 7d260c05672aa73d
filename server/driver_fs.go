package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gonzalop/ftpd/auth"
)

// FSDriver implements Driver using the local filesystem.
//
// Security Model:
//   - Every user is jailed with os.Root in root/<home>, where home is the
//     user's HomeDir (the whole root when empty)
//   - Path traversal (../) cannot leave the jail
//   - Anonymous users are read-only unless WithAnonWrite(true) is used
type FSDriver struct {
	rootPath string

	// enableAnonWrite allows anonymous users to modify the tree.
	enableAnonWrite bool

	// createHomes creates missing home directories on first login.
	createHomes bool

	settings *Settings
}

// FSDriverOption is a functional option for configuring an FSDriver.
type FSDriverOption func(*FSDriver)

// NewFSDriver creates a filesystem driver serving rootPath.
// Returns an error if rootPath does not exist or is not a directory.
//
//	driver, err := server.NewFSDriver("/srv/ftp",
//	    server.WithSettings(&server.Settings{PasvMinPort: 30000, PasvMaxPort: 30100}),
//	)
func NewFSDriver(rootPath string, options ...FSDriverOption) (*FSDriver, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", rootPath)
	}

	// Canonicalize the root path so it can be compared safely later.
	rootPath, err = filepath.EvalSymlinks(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	d := &FSDriver{rootPath: rootPath}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// WithAnonWrite enables write access for anonymous users.
// Default is false (read-only). Use this with caution.
func WithAnonWrite(enable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.enableAnonWrite = enable
	}
}

// WithCreateHomes creates a user's home directory at first login.
func WithCreateHomes(enable bool) FSDriverOption {
	return func(d *FSDriver) {
		d.createHomes = enable
	}
}

// WithSettings sets the passive mode settings handed to sessions.
func WithSettings(settings *Settings) FSDriverOption {
	return func(d *FSDriver) {
		d.settings = settings
	}
}

// Open implements Driver.
func (d *FSDriver) Open(user *auth.User) (FileSystem, error) {
	if user == nil {
		return nil, errors.New("no user")
	}
	home := path.Clean("/" + user.HomeDir)
	rootPath := filepath.Join(d.rootPath, filepath.FromSlash(home))

	if d.createHomes && home != "/" {
		if err := os.MkdirAll(rootPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating home of %s: %w", user.Name, err)
		}
	}

	root, err := os.OpenRoot(rootPath)
	if err != nil {
		return nil, err
	}

	return &fsContext{
		rootHandle: root,
		rootPath:   rootPath,
		cwd:        "/",
		readOnly:   user.HasFlag(auth.FlagAnonymous) && !d.enableAnonWrite,
		settings:   d.settings,
	}, nil
}

// fsContext implements FileSystem for the local filesystem. It tracks the
// current working directory and keeps every operation inside the root
// handle.
type fsContext struct {
	rootHandle *os.Root
	rootPath   string
	cwd        string
	readOnly   bool
	settings   *Settings
}

// Close closes the underlying root directory handle.
func (c *fsContext) Close() error {
	return c.rootHandle.Close()
}

// abs returns the cleaned virtual path of p.
func (c *fsContext) abs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(c.cwd, p)
	}
	return path.Clean("/" + p)
}

// resolve returns the path relative to the root handle:
// "/foo/bar" -> "foo/bar", "/" -> ".".
func (c *fsContext) resolve(p string) string {
	rel := strings.TrimPrefix(c.abs(p), "/")
	if rel == "" {
		return "."
	}
	return filepath.FromSlash(rel)
}

// ChangeDir changes the current working directory.
func (c *fsContext) ChangeDir(p string) error {
	info, err := c.rootHandle.Stat(c.resolve(p))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", c.abs(p))
	}
	c.cwd = c.abs(p)
	return nil
}

// GetWd returns the current working directory.
func (c *fsContext) GetWd() (string, error) {
	return c.cwd, nil
}

// MakeDir creates a new directory with 0755 permissions.
func (c *fsContext) MakeDir(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	return c.rootHandle.Mkdir(c.resolve(p), 0o755)
}

// RemoveDir removes an empty directory.
func (c *fsContext) RemoveDir(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel := c.resolve(p)
	info, err := c.rootHandle.Stat(rel)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory", c.abs(p))
	}
	return c.rootHandle.Remove(rel)
}

// Delete removes a file.
func (c *fsContext) Delete(p string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	rel := c.resolve(p)
	info, err := c.rootHandle.Stat(rel)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", c.abs(p))
	}
	return c.rootHandle.Remove(rel)
}

// Rename moves or renames a file or directory.
func (c *fsContext) Rename(from, to string) error {
	if c.readOnly {
		return os.ErrPermission
	}
	srcFull := filepath.Join(c.rootPath, c.resolve(from))
	dstFull := filepath.Join(c.rootPath, c.resolve(to))

	// os.Root has no Rename, so both ends are checked against the root
	// after resolving symlinks. The destination may not exist yet; its
	// parent is checked instead.
	realSrc, err := filepath.EvalSymlinks(srcFull)
	if err != nil {
		return sanitize(err, "failed to resolve source path")
	}
	if !within(realSrc, c.rootPath) {
		return os.ErrPermission
	}
	realDstParent, err := filepath.EvalSymlinks(filepath.Dir(dstFull))
	if err != nil {
		return sanitize(err, "failed to resolve destination path")
	}
	if !within(realDstParent, c.rootPath) {
		return os.ErrPermission
	}

	if err := os.Rename(srcFull, dstFull); err != nil {
		return sanitize(err, "rename failed")
	}
	return nil
}

// within reports whether p is root or below it.
func within(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// sanitize maps err to a sentinel so absolute host paths never reach
// the client.
func sanitize(err error, msg string) error {
	switch {
	case os.IsNotExist(err):
		return os.ErrNotExist
	case os.IsPermission(err):
		return os.ErrPermission
	}
	return errors.New(msg)
}

// ListDir returns the entries of a directory.
func (c *fsContext) ListDir(p string) ([]os.FileInfo, error) {
	f, err := c.rootHandle.Open(c.resolve(p))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// OpenRead opens a regular file for download.
func (c *fsContext) OpenRead(p string) (File, error) {
	f, err := c.rootHandle.Open(c.resolve(p))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s: is a directory", c.abs(p))
	}
	return f, nil
}

// OpenWrite opens a file for upload.
func (c *fsContext) OpenWrite(p string, append bool) (File, error) {
	if c.readOnly {
		return nil, os.ErrPermission
	}
	flag := os.O_WRONLY | os.O_CREATE
	if !append {
		flag |= os.O_TRUNC
	}
	f, err := c.rootHandle.OpenFile(c.resolve(p), flag, 0o644)
	if err != nil {
		return nil, err
	}
	if append {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Stat returns status information for a file or directory.
func (c *fsContext) Stat(p string) (os.FileInfo, error) {
	return c.rootHandle.Stat(c.resolve(p))
}

// Settings implements FileSystem.
func (c *fsContext) Settings() *Settings {
	if c.settings == nil {
		return &Settings{}
	}
	return c.settings
}
