package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// NewEditCommand creates the edit command group. Edits are applied to the
// local cache and queued; drain or run uploads them.
func NewEditCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Stage local record edits for upload",
	}
	cmd.AddCommand(newEditCreateCommand(opts))
	cmd.AddCommand(newEditUpdateCommand(opts))
	cmd.AddCommand(newEditDeleteCommand(opts))
	return cmd
}

func newEditCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "create <record-type> <json>",
		Short:   "Create a record under a temporary key",
		Example: `  syncctl edit create recipe '{"title":"Soup","servings":2}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEditor(cmd, opts, func(e *synckit.Editor) error {
				rec, err := e.Create(cmd.Context(), args[0], json.RawMessage(args[1]))
				if err != nil {
					return err
				}
				return newPrinter(opts, cmd.OutOrStdout()).Success(rec,
					fmt.Sprintf("Created %s %s (pending upload)", rec.RecordType, rec.Key))
			})
		},
	}
}

func newEditUpdateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <key> <json-patch>",
		Short: "Merge top-level fields into a cached record",
		Long: `Merge the given JSON object into the cached record. A null value removes
the field. Only the patch is uploaded.`,
		Example: `  syncctl edit update r-12 '{"servings":4,"notes":null}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEditor(cmd, opts, func(e *synckit.Editor) error {
				rec, err := e.Update(cmd.Context(), args[0], json.RawMessage(args[1]))
				if err != nil {
					return err
				}
				return newPrinter(opts, cmd.OutOrStdout()).Success(rec,
					fmt.Sprintf("Updated %s (pending upload)", rec.Key))
			})
		},
	}
}

func newEditDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a cached record and queue its deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEditor(cmd, opts, func(e *synckit.Editor) error {
				if err := e.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				return newPrinter(opts, cmd.OutOrStdout()).Success(map[string]string{"key": args[0]},
					fmt.Sprintf("Deleted %s (pending upload)", args[0]))
			})
		},
	}
}

func withEditor(cmd *cobra.Command, opts *RootOptions, fn func(*synckit.Editor) error) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := synckit.NewEditor(a.cache, synckit.WithLogger(a.logger.Logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create editor", err)
	}
	if err := fn(e); err != nil {
		return WrapExitError(ExitFailure, "edit failed", err)
	}
	return nil
}
