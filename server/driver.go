package server

import (
	"io"
	"os"

	"github.com/gonzalop/ftpd/auth"
)

// Driver opens a user's view of the filesystem after login.
//
// Implementations should:
//   - Confine the user to its home directory
//   - Refuse writes for users that may not write (e.g. anonymous)
//   - Return os.ErrNotExist, os.ErrPermission and os.ErrExist so the server
//     can translate them to reply codes
//
// To serve from another backend (memory, object storage), implement this
// interface and FileSystem.
type Driver interface {
	// Open returns the filesystem of an authenticated user. It is called
	// once per login; the session closes the result when it ends.
	Open(user *auth.User) (FileSystem, error)
}

// File is an open file handed to the transfer engine. Files opened for a
// resumable transfer should also implement io.Seeker.
type File = io.ReadWriteCloser

// FileSystem is the per-session filesystem. Paths use forward slashes and
// are relative to the current directory unless they start with "/".
//
// A FileSystem is used by a single session; transfers run on one goroutine
// at a time.
type FileSystem interface {
	// OpenRead opens a file for download. The transfer engine applies any
	// restart offset by seeking the returned file.
	OpenRead(path string) (File, error)

	// OpenWrite opens a file for upload. With append false the file is
	// created or truncated; with append true it is created if missing and
	// positioned at its end.
	OpenWrite(path string, append bool) (File, error)

	// Stat returns file or directory metadata.
	Stat(path string) (os.FileInfo, error)

	// ChangeDir changes the current working directory.
	ChangeDir(path string) error

	// GetWd returns the current working directory.
	GetWd() (string, error)

	// ListDir returns the entries of a directory.
	ListDir(path string) ([]os.FileInfo, error)

	// MakeDir creates a directory.
	MakeDir(path string) error

	// RemoveDir removes an empty directory.
	RemoveDir(path string) error

	// Delete removes a file.
	Delete(path string) error

	// Rename moves a file or directory.
	Rename(from, to string) error

	// Close releases resources held for the session.
	Close() error

	// Settings returns passive mode settings. May return nil.
	Settings() *Settings
}

// Settings defines passive mode behavior.
type Settings struct {
	// PublicHost is the hostname or IP address advertised in PASV replies.
	// A hostname is resolved and its first IPv4 address used.
	// If empty, the local address of the control connection is used.
	PublicHost string

	// PasvMinPort and PasvMaxPort bound the passive port range.
	// If either is 0, the OS picks the port.
	PasvMinPort int
	PasvMaxPort int
}
