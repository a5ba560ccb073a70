package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashureev/eventcast/internal/client"
	"github.com/ashureev/eventcast/internal/domain"
)

// EventOptions holds flags shared by the per-event commands.
type EventOptions struct {
	*RootOptions
	EventID string
	Limit   int
}

func eventCommand(rootOpts *RootOptions, use, short string, args cobra.PositionalArgs, run func(context.Context, *EventOptions, *cobra.Command, []string) error) (*cobra.Command, *EventOptions) {
	opts := &EventOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return run(ctx, opts, cmd, args)
		},
	}
	cmd.Flags().StringVar(&opts.EventID, "event", "", "event id (defaults to the current event)")
	return cmd, opts
}

// NewSessionCommand creates the session command.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd, _ := eventCommand(rootOpts, "session <session-id>", "Show one publish session", cobra.ExactArgs(1),
		func(ctx context.Context, opts *EventOptions, cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			s, err := opts.client().Session(ctx, opts.EventID, args[0])
			if err != nil {
				return out.Fail("load session failed", err)
			}
			return out.Success(s, func(w io.Writer) { printSession(w, s) })
		})
	return cmd
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd, _ := eventCommand(rootOpts, "sessions", "List the publish sessions of an event", cobra.NoArgs,
		func(ctx context.Context, opts *EventOptions, cmd *cobra.Command, _ []string) error {
			out := opts.formatter(cmd)
			sessions, err := opts.client().Sessions(ctx, opts.EventID)
			if err != nil {
				return out.Fail("list sessions failed", err)
			}
			return out.Success(sessions, func(w io.Writer) {
				if len(sessions) == 0 {
					fmt.Fprintln(w, "No sessions.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tSTATUS\tSUCCESS\tPLATFORMS\tSTARTED\tDURATION")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%dms\n",
						s.ID, s.Status, s.OverallSuccess, strings.Join(s.Platforms, ","),
						s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.TotalDurationMs)
				}
				_ = tw.Flush()
			})
		})
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd, _ := eventCommand(rootOpts, "stats", "Show publish statistics of an event", cobra.NoArgs,
		func(ctx context.Context, opts *EventOptions, cmd *cobra.Command, _ []string) error {
			out := opts.formatter(cmd)
			stats, err := opts.client().Stats(ctx, opts.EventID)
			if err != nil {
				return out.Fail("load stats failed", err)
			}
			return out.Success(stats, func(w io.Writer) {
				fmt.Fprintf(w, "Sessions:  %d (%d successful)\n", stats.TotalSessions, stats.SuccessfulSessions)
				fmt.Fprintf(w, "Platforms: %d (%d successful)\n", stats.TotalPlatforms, stats.SuccessfulPlatforms)
				fmt.Fprintf(w, "Average:   %dms\n", stats.AverageDurationMs)
			})
		})
	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd, opts := eventCommand(rootOpts, "history", "Show the publish history log of an event", cobra.NoArgs,
		func(ctx context.Context, opts *EventOptions, cmd *cobra.Command, _ []string) error {
			out := opts.formatter(cmd)
			records, err := opts.client().History(ctx, opts.EventID, opts.Limit)
			if err != nil {
				return out.Fail("load history failed", err)
			}
			return out.Success(records, func(w io.Writer) {
				for _, r := range records {
					fmt.Fprintf(w, "%s  %s  %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.SessionID, r.Summary)
				}
			})
		})
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of records")
	return cmd
}

func printSession(w io.Writer, s *domain.PublishSession) {
	fmt.Fprintf(w, "Session %s (event %s): %s\n", s.ID, s.EventID, s.Status)
	if s.IsComplete() {
		fmt.Fprintf(w, "Overall success: %t in %dms\n", s.OverallSuccess, s.TotalDurationMs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tRESULT\tMETHOD\tATTEMPTS\tDETAIL")
	for _, r := range s.Results {
		result, detail := "ok", r.URL
		if !r.Success {
			result, detail = "failed", r.Error
			if r.ErrorCode != "" {
				detail = r.ErrorCode + ": " + detail
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Platform, result, r.Method, r.Attempts, detail)
	}
	for _, p := range s.Pending() {
		fmt.Fprintf(tw, "%s\tpending\t\t\t\n", p)
	}
	_ = tw.Flush()
}

func watchOptions(after int64) client.WatchOptions {
	return client.WatchOptions{AfterSeq: after, MaxReconnects: 5}
}
