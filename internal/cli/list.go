package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	EventType string
	Limit     int
}

// eventList renders stored events one per line in text output.
type eventList []StoredEvent

func (l eventList) Text() string {
	if len(l) == 0 {
		return "no audit events\n"
	}
	var b strings.Builder
	for _, se := range l {
		fmt.Fprintf(&b, "%-40s %-24s %s %6dms\n",
			se.ID, se.Event.EventType, se.Event.StartDate.Format("2006-01-02T15:04:05Z07:00"), se.Event.Duration)
	}
	return b.String()
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored audit events, newest first",
		Long: `List stored audit events, newest first.

Example:
  auditscope list --db ./audit.db --limit 5
  auditscope list --type order:ship --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

			b, err := openBackend(ctx, opts.RootOptions)
			if err != nil {
				_ = out.Error(ErrCodeBackend, err.Error())
				return WrapExitError(ExitCommandError, "failed to open backend", err)
			}
			defer b.close()

			events, err := b.list(ctx, opts.EventType, opts.Limit)
			if err != nil {
				_ = out.Error(ErrCodeBackend, err.Error())
				return WrapExitError(ExitFailure, "failed to list events", err)
			}
			return out.Success(eventList(events))
		},
	}

	cmd.Flags().StringVarP(&opts.EventType, "type", "t", "", "only events of this type")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of events")

	return cmd
}
