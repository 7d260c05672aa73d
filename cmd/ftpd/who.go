package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpd/auth"
	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/registry"
)

func newWhoCommand() *cobra.Command {
	var statusFile string
	var showHidden bool

	cmd := &cobra.Command{
		Use:   "who",
		Short: "List the sessions of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sf, err := registry.OpenStatus(statusFile)
			if err != nil {
				return err
			}
			defer sf.Close()
			return renderWho(cmd.OutOrStdout(), sf.Records(), time.Now(), showHidden)
		},
	}
	cmd.Flags().StringVar(&statusFile, "status-file", config.DefaultStatusFile, "status file published by ftpd serve")
	cmd.Flags().BoolVar(&showHidden, "all", false, "include users with the hidden flag")
	return cmd
}

func newUptimeCommand() *cobra.Command {
	var statusFile string

	cmd := &cobra.Command{
		Use:   "uptime",
		Short: "Show how long a running server has been up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sf, err := registry.OpenStatus(statusFile)
			if err != nil {
				return err
			}
			defer sf.Close()
			fmt.Fprintln(cmd.OutOrStdout(), uptimeLine(sf.Header(), len(sf.Records()), time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFile, "status-file", config.DefaultStatusFile, "status file published by ftpd serve")
	return cmd
}

func uptimeLine(h registry.Header, sessions int, now time.Time) string {
	return fmt.Sprintf("ftpd (pid %d) up %s, %d/%d session(s)",
		h.PID, now.Sub(h.Started).Round(time.Second), sessions, h.Capacity)
}

// stateColor highlights transfers and sessions that have not logged in.
func stateColor(s registry.State) *color.Color {
	switch s {
	case registry.StateTransfer:
		return color.New(color.FgGreen)
	case registry.StateConnecting, registry.StateLogging:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}

// formatSpeed shows the transfer speed of rec, or "-" between transfers.
func formatSpeed(rec registry.Record) string {
	if rec.State != registry.StateTransfer {
		return "-"
	}
	return fmt.Sprintf("%.1f KiB/s", rec.Speed/1024)
}

func renderWho(w io.Writer, recs []registry.Record, now time.Time, showHidden bool) error {
	table := tablewriter.NewWriter(w)
	table.Header("Slot", "User", "From", "State", "Cmd", "Idle", "Bytes", "Speed", "Path")
	shown := 0
	for _, rec := range recs {
		if !showHidden && strings.ContainsRune(rec.UserFlags, auth.FlagHidden) {
			continue
		}
		user := rec.User
		if user == "" {
			user = "-"
		}
		from := rec.RemoteIP.String()
		if rec.TLS {
			from += " (tls)"
		}
		if err := table.Append([]string{
			strconv.Itoa(int(rec.Handle)),
			user,
			from,
			stateColor(rec.State).Sprint(rec.State.String()),
			rec.Token,
			rec.Idle(now).Round(time.Second).String(),
			strconv.FormatInt(rec.BytesNow, 10),
			formatSpeed(rec),
			rec.Path,
		}); err != nil {
			return err
		}
		shown++
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d session(s)\n", shown)
	return err
}
