package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-record-sync/synckit"
)

// StatusResult is printed by the status command.
type StatusResult struct {
	Cursor       string                    `json:"cursor,omitempty"`
	LastSyncAt   *time.Time                `json:"last_sync_at,omitempty"`
	PendingCount int                       `json:"pending_count"`
	Pending      []synckit.PendingMutation `json:"pending,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local sync checkpoint and queued edits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts, list)
		},
	}
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list each queued edit")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *RootOptions, list bool) error {
	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := readStatus(cmd, a, list)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read cache", err)
	}
	return newPrinter(opts, cmd.OutOrStdout()).Success(res, res.text())
}

func readStatus(cmd *cobra.Command, a *app, list bool) (*StatusResult, error) {
	ctx := cmd.Context()
	res := &StatusResult{}

	cur, err := a.cache.GetCursor(ctx)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		res.Cursor = cur.Kind() + ":" + fmt.Sprint(cur)
	}
	last, err := a.cache.LastSyncAt(ctx)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() {
		res.LastSyncAt = &last
	}
	if res.PendingCount, err = a.cache.PendingCount(ctx); err != nil {
		return nil, err
	}
	if list {
		if res.Pending, err = a.cache.ListPendingMutations(ctx); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *StatusResult) text() string {
	var b strings.Builder
	cur := r.Cursor
	if cur == "" {
		cur = "none"
	}
	last := "never"
	if r.LastSyncAt != nil {
		last = r.LastSyncAt.Format(time.RFC3339)
	}
	fmt.Fprintf(&b, "Cursor:     %s\nLast sync:  %s\nPending:    %d", cur, last, r.PendingCount)
	for _, m := range r.Pending {
		fmt.Fprintf(&b, "\n  %s %-6s %s/%s (queued %s)", m.ID, m.Op, m.RecordType, m.Key, m.EnqueuedAt.Format(time.RFC3339))
	}
	return b.String()
}
