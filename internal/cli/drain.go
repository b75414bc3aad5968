package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// DrainResult is printed by the drain command.
type DrainResult struct {
	Applied   int `json:"applied"`
	Remaining int `json:"remaining"`
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued local edits to the remote once",
		Long: `Replay every queued local edit to the remote in enqueue order.

Edits that fail with a transient error stay queued for the next pass; edits
the remote rejects are dropped. The exit code is 1 when any edit failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd, opts)
		},
	}
}

func runDrain(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := synckit.NewDrainer(a.remote, a.cache, a.identity, a.syncOptions()...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create drainer", err)
	}

	ctx := cmd.Context()
	applied, drainErr := d.Drain(ctx)
	remaining, err := a.cache.PendingCount(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count pending edits", err)
	}

	out := newPrinter(opts, cmd.OutOrStdout())
	if err := out.Success(DrainResult{Applied: applied, Remaining: remaining},
		fmt.Sprintf("Applied %d edit(s), %d still queued", applied, remaining)); err != nil {
		return err
	}
	if drainErr != nil {
		return WrapExitError(ExitFailure, "drain incomplete", drainErr)
	}
	return nil
}
