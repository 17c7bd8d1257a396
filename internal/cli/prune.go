package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// PruneResult is the output of the prune command.
type PruneResult struct {
	Removed   int64  `json:"removed"`
	OlderThan string `json:"older_than"`
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old synced queue entries",
		Long: `Delete synced queue entries not touched within --older-than (default
sync.prune_after). Entries an unsynced entry still depends on are kept.

Example:
  tillsync prune
  tillsync prune --older-than 24h`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			keep := a.cfg.Sync.PruneAfter
			if cmd.Flags().Changed("older-than") {
				keep = olderThan
			}
			if keep <= 0 {
				return NewExitError(ExitCommandError, "--older-than must be positive")
			}

			n, err := a.q.Prune(cmd.Context(), keep)
			if err != nil {
				return WrapExitError(ExitFailure, "prune failed", err)
			}
			res := PruneResult{Removed: n, OlderThan: keep.String()}
			return a.out.Success(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Pruned %d synced entries older than %s.\n", n, keep)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age of synced entries to delete")
	return cmd
}
