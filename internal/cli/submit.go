package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/eventcast/internal/domain"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	EventID   string
	Platforms []string
	Watch     bool
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start a publish session",
		Long: `Start publishing an event to its selected platforms.

Examples:
  publishctl submit
  publishctl submit --event spring-gala --platform reddit --platform email
  publishctl submit --watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EventID, "event", "", "event id (defaults to the current event)")
	cmd.Flags().StringSliceVarP(&opts.Platforms, "platform", "p", nil, "platform to publish to; overrides the event selection")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "follow progress until the session completes")

	return cmd
}

func runSubmit(ctx context.Context, opts *SubmitOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)
	c := opts.client()

	resp, err := c.Publish(ctx, opts.EventID, opts.Platforms)
	if err != nil {
		return out.Fail("submit failed", err)
	}

	if !opts.Watch {
		return out.Success(resp, func(w io.Writer) {
			fmt.Fprintf(w, "Session %s started for event %s: %s\n", resp.SessionID, resp.EventID, strings.Join(resp.Platforms, ", "))
		})
	}

	out.VerboseLog("session %s started, following progress", resp.SessionID)
	return followSession(ctx, opts.RootOptions, cmd, resp.EventID, resp.SessionID, 0)
}

// followSession streams events of a session and then prints its final
// state. A session with failures ends with ExitFailure.
func followSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command, eventID, sessionID string, after int64) error {
	out := opts.formatter(cmd)
	c := opts.client()

	var events []domain.StepEvent
	success := true
	err := c.Watch(ctx, sessionID, watchOptions(after), func(ev domain.StepEvent) error {
		if ev.Type == domain.SessionCompleted {
			if ok, isBool := ev.Data["overall_success"].(bool); isBool {
				success = ok
			}
		}
		if opts.Format == "json" {
			events = append(events, ev)
			return nil
		}
		printEvent(cmd.OutOrStdout(), ev)
		return nil
	})
	if err != nil {
		return out.Fail("watch failed", err)
	}

	var s *domain.PublishSession
	if eventID != "" {
		s, err = c.Session(ctx, eventID, sessionID)
		if err != nil {
			return out.Fail("load session failed", err)
		}
	}

	if opts.Format == "json" {
		if err := out.Success(map[string]interface{}{"events": events, "session": s}, nil); err != nil {
			return err
		}
	} else if s != nil {
		printSession(cmd.OutOrStdout(), s)
	}

	if s != nil {
		success = s.OverallSuccess
	}
	if !success {
		return NewExitError(ExitFailure, fmt.Sprintf("session %s finished with failures", sessionID))
	}
	return nil
}

func printEvent(w io.Writer, ev domain.StepEvent) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d %-16s", ev.Timestamp.Local().Format("15:04:05"), ev.Seq, ev.Type)
	if ev.Platform != "" {
		label := ev.Platform
		if ev.Method != "" {
			label += "/" + string(ev.Method)
		}
		fmt.Fprintf(&b, " [%s]", label)
	}
	if ev.Step != "" {
		fmt.Fprintf(&b, " %s", ev.Step)
	}
	if ev.Progress != nil {
		fmt.Fprintf(&b, " %d%%", *ev.Progress)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " %s", ev.Message)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", ev.Error)
	}
	if ev.DurationMs > 0 {
		fmt.Fprintf(&b, " (%dms)", ev.DurationMs)
	}
	fmt.Fprintln(w, b.String())
}
