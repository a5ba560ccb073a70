package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	EventID string
	After   int64
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow the progress of a publish session",
		Long: `Follow the step events of a publish session until it completes.

Events still buffered on the server are replayed first. With --event the
final session state is printed once the stream ends.

Examples:
  publishctl watch 1b4e28ba-2fa1-11d2-883f-0016d3cca427
  publishctl watch 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --after 12`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return followSession(ctx, opts.RootOptions, cmd, opts.EventID, args[0], opts.After)
		},
	}

	cmd.Flags().StringVar(&opts.EventID, "event", "", "event id of the session, to print its final state")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "resume after this event id")

	return cmd
}
