// Package server implements a multi-user FTP server with per-command
// permissions, bandwidth limits and a published session registry.
//
// # Overview
//
// Every accepted connection reserves a slot in a fixed-size session
// registry, logs in against an auth.Backend and gets a FileSystem from a
// Driver. Commands are looked up in a CommandTable whose entries carry
// permission lists; data transfers run through a transfer state machine
// on a background goroutine so ABOR and STAT stay responsive.
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//
//	    "github.com/gonzalop/ftpd/auth"
//	    "github.com/gonzalop/ftpd/server"
//	)
//
//	func main() {
//	    users, err := auth.LoadFile("/etc/ftpd/users.yaml")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    driver, err := server.NewFSDriver("/srv/ftp")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    s, err := server.NewServer(":21",
//	        server.WithDriver(driver),
//	        server.WithAuth(users),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Fatal(s.ListenAndServe())
//	}
//
// # Permissions
//
// Each command has an ordered rule list. The first rule matching the user
// decides; an empty list allows everyone and a list without a match
// denies. Rules are written as:
//
//	*        everyone, including sessions that have not logged in
//	-alice   the user alice
//	=staff   members of group staff
//	+O       users carrying flag O
//	!rule    the negation: a match denies
//
// STOR, APPE, MKD, RMD, DELE, RNFR and RNTO default to "!+A *", refusing
// anonymous users. SITE subcommands are registered as SITE_<NAME> and
// default to site operators ("+O"):
//
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithAuth(users),
//	    server.WithPermission("DELE", "=staff"),
//	    server.WithPermission("SITE_WHO", "*"),
//	    server.WithExternalCommand("SITE_DF", "/usr/local/bin/df.sh %userhome", "*"),
//	)
//
// # Hooks and Jobs
//
// Hooks run on login, logout, uploads, downloads, directory changes and
// SITE commands. In-process hooks are functions; external hooks are
// command lines run without a shell, with cookies such as %username,
// %path and %bytes substituted:
//
//	server.WithExternalHook(server.EventPostUpload, "/usr/local/bin/scan %userhome %path")
//
// The server also owns a crontab whose command jobs run through the same
// runner; see WithCrontab.
//
// # Limits
//
// WithMaxConnections sizes the registry and caps connections per address.
// WithBandwidthLimit sets server-wide limits; the MaxUploadSpeed and
// MaxDownloadSpeed of a user apply on top. WithLoginThrottle slows down
// password guessing per client address.
//
// # Session Registry
//
// Server.Sessions, Server.Kill and the SITE WHO and SITE KILL commands
// work on the in-process registry. With WithStatusFile it is also
// published to a memory-mapped file that "ftpd who" reads from another
// process.
//
// # FTPS
//
// WithTLS enables explicit FTPS (AUTH TLS, PBSZ, PROT). Add
// WithImplicitTLS(true) to handshake on accept instead. Users with the k
// flag must secure the control connection before PASS.
//
// # Passive Mode
//
// When behind NAT, advertise the public address and a port range through
// the driver settings:
//
//	driver, _ := server.NewFSDriver("/srv/ftp",
//	    server.WithSettings(&server.Settings{
//	        PublicHost:  "ftp.example.com",
//	        PasvMinPort: 30000,
//	        PasvMaxPort: 30100,
//	    }),
//	)
//
// # RFC Compliance
//
//   - RFC 959 (Base FTP)
//   - RFC 1123 (minimum implementation)
//   - RFC 2389 (Feature Negotiation)
//   - RFC 2428 (IPv6 / NAT)
//   - RFC 3659 (SIZE, MDTM, REST)
//   - RFC 4217 (Securing FTP with TLS)
package server
