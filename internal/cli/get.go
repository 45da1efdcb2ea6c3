package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/auditscope/internal/event"
	"github.com/roach88/auditscope/internal/provider"
)

// eventJSON renders an event as canonical JSON in text output.
type eventJSON struct {
	*event.Event
}

func (e eventJSON) Text() string {
	data, err := event.Canonical(e.Event)
	if err != nil {
		return err.Error() + "\n"
	}
	return string(data) + "\n"
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Print one stored audit event",
		Long: `Print one stored audit event as canonical JSON.

Example:
  auditscope get 42 --db ./audit.db
  auditscope get 0190b6e0-7c1a-7def-8a3b-1c2d3e4f5a6b --backend nats`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

			b, err := openBackend(ctx, rootOpts)
			if err != nil {
				_ = out.Error(ErrCodeBackend, err.Error())
				return WrapExitError(ExitCommandError, "failed to open backend", err)
			}
			defer b.close()

			ev, err := b.provider.GetEvent(ctx, args[0])
			if errors.Is(err, provider.ErrEventNotFound) {
				_ = out.Error(ErrCodeNotFound, err.Error())
				return WrapExitError(ExitNotFound, "event not found", err)
			}
			if err != nil {
				_ = out.Error(ErrCodeBackend, err.Error())
				return WrapExitError(ExitFailure, "failed to read event", err)
			}
			return out.Success(eventJSON{ev})
		},
	}
}
