// Command ftpd runs the FTP server and inspects a running one through its
// published session registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpd/internal/config"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(config.NewLoader())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// newRootCommand builds the command tree around loader.
func newRootCommand(loader *config.Loader) *cobra.Command {
	var configFile string
	var bindErr error

	cmd := &cobra.Command{
		Use:   "ftpd",
		Short: "Multi-user FTP server",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				loader.SetConfigFile(configFile)
			}
			return bindErr
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	v := loader.Viper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file path (default: ftpd.yaml in ., ~/.config/ftpd, /etc/ftpd)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	for key, name := range map[string]string{"log.level": "log-level", "log.format": "log-format"} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil && bindErr == nil {
			bindErr = err
		}
	}

	cmd.AddCommand(newServeCommand(loader))
	cmd.AddCommand(newWhoCommand())
	cmd.AddCommand(newUptimeCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ftpd version %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Build date: %s\n", buildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		},
	})
	return cmd
}
