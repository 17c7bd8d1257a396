package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewDiscardCommand creates the discard command.
func NewDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop a dead queue entry",
		Long: `Remove a dead queue entry for good. Entries that depend on it can no
longer be delivered and go dead with it; the entity stays marked failed.

Example:
  tillsync discard 42`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.q.Discard(cmd.Context(), id); err != nil {
				return entryError("discard failed", err)
			}
			return a.out.Success(map[string]int64{"discarded": id}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Discarded entry %d.\n", id)
				return err
			})
		},
	}
}
