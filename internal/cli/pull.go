package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/entity"
)

// PullOptions holds flags for the pull command.
type PullOptions struct {
	*RootOptions
	Types []string
	Full  bool
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch remote changes into the local store",
		Long: `Fetch records changed on the remote since each entity type's watermark,
parents first. Rows with unsynced local changes are left alone.

--full resets the watermarks of the selected types first, re-fetching
everything.

Example:
  tillsync pull
  tillsync pull --type product --type category --full`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "entity type to pull (repeatable; default all)")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "reset watermarks and pull everything")
	return cmd
}

func runPull(cmd *cobra.Command, opts *PullOptions) error {
	for _, t := range opts.Types {
		if !slices.Contains(entity.PullOrder, t) {
			return NewExitError(ExitCommandError,
				fmt.Sprintf("unknown entity type %q: must be one of %v", t, entity.PullOrder))
		}
	}

	a, err := openApp(cmd, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a.remoteClient()
	if err != nil {
		return err
	}
	var engOpts []engine.Option
	if len(opts.Types) > 0 {
		engOpts = append(engOpts, engine.WithPullTypes(opts.Types...))
	}
	eng := a.engine(client, engOpts...)

	if opts.Full {
		types := opts.Types
		if len(types) == 0 {
			types = entity.PullOrder
		}
		for _, t := range types {
			if err := a.q.ResetWatermark(cmd.Context(), t); err != nil {
				return WrapExitError(ExitFailure, "failed to reset watermark", err)
			}
		}
		a.out.VerboseLog("reset watermarks: %v", types)
	}

	res, err := eng.Pull(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "pull failed", err)
	}
	return a.out.Success(res, func(w io.Writer) error {
		return printPull(w, res)
	})
}

func printPull(w io.Writer, res engine.PullResult) error {
	_, err := fmt.Fprintf(w, "Pulled %d pages: %d inserted, %d updated, %d deleted, %d unchanged.\n",
		res.Pages, res.Inserted, res.Updated, res.Deleted, res.Unchanged)
	if err != nil {
		return err
	}
	if res.Conflicts > 0 || res.Orphans > 0 {
		_, err = fmt.Fprintf(w, "Skipped %d with unsynced local changes, %d with unknown parents.\n",
			res.Conflicts, res.Orphans)
	}
	return err
}
