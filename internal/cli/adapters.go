package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashureev/eventcast/internal/client"
)

// AdaptersOptions holds flags for the adapters command.
type AdaptersOptions struct {
	*RootOptions
	Category string
	Reload   bool
}

// NewAdaptersCommand creates the adapters command.
func NewAdaptersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdaptersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "adapters",
		Short: "List registered platform adapters",
		Long: `List the platform adapters the server has registered.

Examples:
  publishctl adapters
  publishctl adapters --category social
  publishctl adapters --reload`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runAdapters(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Category, "category", "", "only list adapters of this category")
	cmd.Flags().BoolVar(&opts.Reload, "reload", false, "rediscover adapters before listing")

	return cmd
}

func runAdapters(ctx context.Context, opts *AdaptersOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	c := opts.client()

	if opts.Reload {
		n, err := c.Reload(ctx)
		if err != nil {
			return out.Fail("reload failed", err)
		}
		out.VerboseLog("reloaded, %d adapters registered", n)
	}

	adapters, err := c.Adapters(ctx, opts.Category)
	if err != nil {
		return out.Fail("list adapters failed", err)
	}
	return out.Success(adapters, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tVERSION\tSERVICE\tAUTOMATION")
		for _, a := range adapters {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.DisplayName, a.Category, a.Version, strategyLabel(&a.Service), strategyLabel(a.Automation))
		}
		_ = tw.Flush()
	})
}

func strategyLabel(s *client.StrategyInfo) string {
	if s == nil {
		return "-"
	}
	if !s.Available {
		return string(s.Method) + " (unavailable)"
	}
	return string(s.Method)
}
