package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/client"
	"github.com/vehbioztomurcuk/oeks-tt-v2/internal/models"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	server  string
	timeout time.Duration
	asJSON  bool
}

func (o *options) client() *client.Client {
	return client.New(o.server, o.timeout)
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "monitorctl",
		Short:         "Query a fleet monitoring collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("MONITOR_API_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "Base URL of the collector query API")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")
	cmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "Print raw JSON")

	cmd.AddCommand(newStaffCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newFetchCommand(opts))
	return cmd
}

func newStaffCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Monitored staff and their artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newStaffListCommand(opts))
	cmd.AddCommand(newStaffHistoryCommand(opts, false))
	cmd.AddCommand(newStaffHistoryCommand(opts, true))
	return cmd
}

func newStaffListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List staff with their status and latest artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().StaffList(commandContext(cmd))
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDIVISION\tSTATUS\tLAST SEEN\tSCREENSHOT")
			for _, id := range resp.StaffList {
				e := resp.StaffData[id]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, e.Name, e.Division, e.RecordingStatus, orDash(e.Timestamp), deref(e.ScreenshotPath))
			}
			return tw.Flush()
		},
	}
}

func newStaffHistoryCommand(opts *options, videos bool) *cobra.Command {
	var (
		date  string
		limit int
	)
	use, short := "history <staff-id>", "List a staff member's screenshots, newest first"
	if videos {
		use, short = "videos <staff-id>", "List a staff member's videos, newest first"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			q := client.HistoryQuery{Date: date, Limit: limit}
			var (
				items []models.HistoryItem
				dates []string
				raw   any
			)
			if videos {
				resp, err := c.StaffVideos(commandContext(cmd), args[0], q)
				if err != nil {
					return err
				}
				items, dates, raw = resp.Videos, resp.AvailableDates, resp
			} else {
				resp, err := c.StaffHistory(commandContext(cmd), args[0], q)
				if err != nil {
					return err
				}
				items, dates, raw = resp.History, resp.AvailableDates, resp
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), raw)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CAPTURED\tFILE\tSIZE\tPATH")
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", it.Timestamp, it.Filename, it.Size, it.Path)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d item(s); dates available: %v\n", len(items), dates)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Only show one day (YYYYMMDD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of items")
	return cmd
}

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show collector totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Stats(commandContext(cmd))
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Users: %d (%d active)\n", s.TotalUsers, s.ActiveUsers)
			fmt.Fprintf(cmd.OutOrStdout(), "Screenshots: %d\n", s.TotalScreenshots)
			fmt.Fprintf(cmd.OutOrStdout(), "Videos: %d\n", s.TotalVideos)
			return nil
		},
	}
}

func newFetchCommand(opts *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "fetch <artifact-path>",
		Short: "Download an artifact, e.g. /screenshots/alice/latest.jpg",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, ctype, err := opts.client().Fetch(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = path.Base(args[0])
			}
			if output == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes, %s)\n", output, len(data), ctype)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file, - for stdout (default: the artifact's file name)")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
