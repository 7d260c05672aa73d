package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/cron"
	"github.com/gonzalop/ftpd/internal/socket"
)

// Option is a functional option for configuring an FTP server.
type Option func(*Server) error

// WithDriver sets the filesystem driver. This option is required and can
// only be set once.
//
// Example:
//
//	driver, _ := server.NewFSDriver("/srv/ftp")
//	s, _ := server.NewServer(":21", server.WithDriver(driver), server.WithAuth(users))
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		if s.driver != nil {
			return fmt.Errorf("driver already set")
		}
		s.driver = driver
		return nil
	}
}

// WithAuth sets the authentication backend. This option is required.
func WithAuth(backend auth.Backend) Option {
	return func(s *Server) error {
		if backend == nil {
			return errors.New("nil authentication backend")
		}
		s.auth = backend
		return nil
	}
}

// WithTLS enables TLS (FTPS) with the provided configuration.
// Clients upgrade the control connection with AUTH TLS and protect data
// connections with PROT P.
//
//	cert, _ := tls.LoadX509KeyPair("server.crt", "server.key")
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithAuth(users),
//	    server.WithTLS(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	        MinVersion:   tls.VersionTLS12,
//	    }),
//	)
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithImplicitTLS wraps every accepted connection in TLS (legacy FTPS,
// usually port 990). Requires WithTLS.
func WithImplicitTLS(enable bool) Option {
	return func(s *Server) error {
		s.implicitTLS = enable
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithMaxIdleTime sets the maximum time a connection can be idle before being closed.
// If not specified, defaults to 5 minutes. A user's own MaxIdle takes
// precedence once logged in; users with the I flag never time out.
func WithMaxIdleTime(duration time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = duration
		return nil
	}
}

// WithMaxConnections sets the registry capacity and the per-IP limit.
// max must be positive; perIP 0 means no per-IP limit.
//
// When the registry is full, new connections receive "421 Too many users, sorry."
//
// Example:
//
//	s, _ := server.NewServer(":21",
//	    server.WithDriver(driver),
//	    server.WithMaxConnections(100, 5),
//	)
func WithMaxConnections(max, perIP int) Option {
	return func(s *Server) error {
		if max <= 0 {
			return fmt.Errorf("max connections must be positive, got %d", max)
		}
		if perIP < 0 {
			return fmt.Errorf("negative per-IP limit %d", perIP)
		}
		s.maxConnections = max
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithTransferTimeout bounds each readiness wait on a data connection.
func WithTransferTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.transferTimeout = d
		return nil
	}
}

// WithConnectTimeout bounds the wait for a data connection to be
// established, in both active and passive mode.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("connect timeout must be positive, got %v", d)
		}
		s.connectTimeout = d
		return nil
	}
}

// WithFamily restricts ListenAndServe to one address family.
func WithFamily(f socket.Family) Option {
	return func(s *Server) error {
		s.family = f
		return nil
	}
}

// WithBacklog sets the listen backlog used by ListenAndServe.
func WithBacklog(n int) Option {
	return func(s *Server) error {
		s.backlog = n
		return nil
	}
}

// WithWelcomeMessage sets the 220 greeting.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithRedactPaths redacts paths in logs with fn.
func WithRedactPaths(fn PathRedactor) Option {
	return func(s *Server) error {
		s.pathRedactor = fn
		return nil
	}
}

// WithRedactIPs masks client addresses in logs.
func WithRedactIPs(enable bool) Option {
	return func(s *Server) error {
		s.redactIPs = enable
		return nil
	}
}

// WithTransferLog writes one xferlog line per finished transfer to w.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = m
		return nil
	}
}

// WithBandwidthLimit sets the global upload and download limits in bytes
// per second, shared by all sessions. 0 means unlimited. Per-user limits
// from the auth backend apply on top.
func WithBandwidthLimit(upload, download int64) Option {
	return func(s *Server) error {
		if upload < 0 || download < 0 {
			return errors.New("bandwidth limits must not be negative")
		}
		s.uploadLimiter.SetMaxSpeed(upload)
		s.downloadLimiter.SetMaxSpeed(download)
		return nil
	}
}

// WithStatusFile publishes the session registry to a shared memory-mapped
// file at path, readable by "ftpd who".
func WithStatusFile(path string) Option {
	return func(s *Server) error {
		s.statusPath = path
		return nil
	}
}

// WithLoginThrottle limits failed PASS attempts per client address to
// perSecond, with bursts of burst.
func WithLoginThrottle(perSecond float64, burst int) Option {
	return func(s *Server) error {
		if perSecond <= 0 || burst <= 0 {
			return errors.New("login throttle needs a positive rate and burst")
		}
		s.throttle = newLoginThrottle(perSecond, burst)
		return nil
	}
}

// WithPermission replaces the rule list of a command, e.g.
// WithPermission("DELE", "!+A =staff") or WithPermission("SITE_WHO", "*").
func WithPermission(cmd, line string) Option {
	return func(s *Server) error {
		return s.commands.SetPermission(cmd, line)
	}
}

// WithExternalCommand registers a command implemented by an external
// program, e.g. WithExternalCommand("SITE_DF", "/usr/local/bin/df.sh %path", "*").
func WithExternalCommand(name, cmdline, perm string) Option {
	return func(s *Server) error {
		return s.commands.RegisterExternal(name, cmdline, perm)
	}
}

// WithHook runs fn for every event in mask.
func WithHook(mask Event, fn HookFunc) Option {
	return func(s *Server) error {
		s.hooks.Add(mask, fn)
		return nil
	}
}

// WithExternalHook runs cmdline for every event in mask.
func WithExternalHook(mask Event, cmdline string) Option {
	return func(s *Server) error {
		return s.hooks.AddExternal(mask, cmdline)
	}
}

// WithCrontab schedules jobs on the server's job runner, which starts
// with the first Serve call and stops on Shutdown. Command actions run
// through the server's external command runner.
//
//	server.WithCrontab(func(c *cron.Crontab) error {
//	    spec, _ := cron.ParseSpec("0 3 * * *")
//	    _, err := c.Add(spec, cron.Command("/usr/local/bin/rotate-xferlog"))
//	    return err
//	})
func WithCrontab(fn func(c *cron.Crontab) error) Option {
	return func(s *Server) error {
		s.cronSetup = append(s.cronSetup, fn)
		return nil
	}
}
