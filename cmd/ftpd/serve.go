package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/cron"
	"github.com/gonzalop/ftpd/internal/socket"
	"github.com/gonzalop/ftpd/server"
)

// shutdownTimeout bounds the wait for sessions after a signal.
const shutdownTimeout = 30 * time.Second

func newServeCommand(loader *config.Loader) *cobra.Command {
	var bindErr error

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the FTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bindErr != nil {
				return bindErr
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", config.DefaultListen, "listen address")
	flags.String("family", config.DefaultFamily, "address family: any, ipv4 or ipv6")
	flags.String("root", ".", "directory served to users")
	flags.String("users-file", "", "YAML users file")
	flags.Int("max-users", config.DefaultMaxUsers, "maximum concurrent sessions")
	flags.String("status-file", "", "publish the session registry to this file")
	flags.String("xferlog", "", "append transfers to this file in xferlog format")

	bind := func(key, name string) {
		if bindErr != nil {
			return
		}
		if err := loader.Viper().BindPFlag(key, flags.Lookup(name)); err != nil {
			bindErr = err
		}
	}
	bind("listen", "listen")
	bind("family", "family")
	bind("root", "root")
	bind("users_file", "users-file")
	bind("max_users", "max-users")
	bind("registry.status_file", "status-file")
	bind("xferlog", "xferlog")

	return cmd
}

// serve runs the server until ctx is cancelled, then shuts it down.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	opts, closer, err := serverOptions(cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	srv, err := server.NewServer(cfg.Listen, opts...)
	if err != nil {
		return err
	}

	logger.Info("server_starting",
		"version", version,
		"listen", cfg.Listen,
		"root", cfg.Root,
		"max_users", cfg.MaxUsers,
	)

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	select {
	case err := <-served:
		// Listener setup failures are fatal.
		return err
	case <-ctx.Done():
	}

	logger.Info("server_stopping", "cause", context.Cause(ctx))
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var result *multierror.Error
	if err := srv.Shutdown(sctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := <-served; err != nil && !errors.Is(err, server.ErrServerClosed) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// closers closes everything serverOptions opened.
type closers []io.Closer

func (c closers) Close() error {
	var result *multierror.Error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// serverOptions translates cfg into server options. The returned closer
// releases files the options write to.
func serverOptions(cfg config.Config, logger *slog.Logger) ([]server.Option, io.Closer, error) {
	var open closers
	fail := func(err error) ([]server.Option, io.Closer, error) {
		open.Close()
		return nil, nil, err
	}

	users, err := auth.LoadFile(cfg.UsersFile)
	if err != nil {
		return fail(err)
	}
	driver, err := server.NewFSDriver(cfg.Root,
		server.WithCreateHomes(cfg.CreateHomes),
		server.WithAnonWrite(cfg.AnonWrite),
		server.WithSettings(&server.Settings{
			PublicHost:  cfg.Pasv.PublicHost,
			PasvMinPort: cfg.Pasv.MinPort,
			PasvMaxPort: cfg.Pasv.MaxPort,
		}),
	)
	if err != nil {
		return fail(err)
	}
	family, err := socket.ParseFamily(cfg.Family)
	if err != nil {
		return fail(err)
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithDriver(driver),
		server.WithAuth(users),
		server.WithFamily(family),
		server.WithBacklog(cfg.Backlog),
		server.WithMaxConnections(cfg.MaxUsers, cfg.MaxUsersPerIP),
		server.WithMaxIdleTime(cfg.Timeouts.Idle),
		server.WithTransferTimeout(cfg.Timeouts.Transfer),
		server.WithConnectTimeout(cfg.Timeouts.Connect),
		server.WithBandwidthLimit(cfg.Bandwidth.GlobalUpload, cfg.Bandwidth.GlobalDownload),
		server.WithRedactIPs(cfg.RedactIPs),
	}
	if cfg.Welcome != "" {
		opts = append(opts, server.WithWelcomeMessage(cfg.Welcome))
	}
	if cfg.LoginThrottle.Rate > 0 {
		opts = append(opts, server.WithLoginThrottle(cfg.LoginThrottle.Rate, cfg.LoginThrottle.Burst))
	}
	if cfg.Registry.StatusFile != "" {
		opts = append(opts, server.WithStatusFile(cfg.Registry.StatusFile))
	}

	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fail(fmt.Errorf("loading TLS certificate: %w", err))
		}
		opts = append(opts,
			server.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}),
			server.WithImplicitTLS(cfg.TLS.Implicit),
		)
	}

	if cfg.Xferlog != "" {
		f, err := os.OpenFile(cfg.Xferlog, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
		if err != nil {
			return fail(fmt.Errorf("opening xferlog: %w", err))
		}
		open = append(open, f)
		opts = append(opts, server.WithTransferLog(f))
	}

	for _, c := range cfg.Commands {
		opts = append(opts, server.WithExternalCommand(strings.ToUpper(c.Name), c.Command, c.Permission))
	}
	// Permissions come after external commands so they can name them.
	for name, line := range cfg.Permissions {
		opts = append(opts, server.WithPermission(strings.ToUpper(name), line))
	}

	for _, h := range cfg.Hooks {
		mask, err := server.ParseEvent(h.Event)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, server.WithExternalHook(mask, h.Command))
	}

	if len(cfg.Crontab) > 0 {
		jobs := cfg.Crontab
		opts = append(opts, server.WithCrontab(func(c *cron.Crontab) error {
			for _, j := range jobs {
				spec, err := cron.ParseSpec(j.Spec())
				if err != nil {
					return err
				}
				if _, err := c.Add(spec, cron.Command(j.Command)); err != nil {
					return err
				}
			}
			return nil
		}))
	}

	return opts, open, nil
}
