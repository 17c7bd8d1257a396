package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Send every ready queue entry to the remote",
		Long: `Send pending queue entries whose dependencies have synced and whose
retry time has come, in creation order, until nothing is ready.

Failures are retried later with exponential backoff; rejections go dead.
Exits 1 if the drain was interrupted by an error.

Example:
  tillsync drain
  TILLSYNC_REMOTE_BASE_URL=https://pos.example.com tillsync drain --format json`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.remoteClient()
			if err != nil {
				return err
			}
			eng := a.engine(client)

			// A previous process may have died mid-request.
			if n, err := a.q.RecoverInFlight(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "failed to recover in-flight entries", err)
			} else if n > 0 {
				a.out.VerboseLog("recovered %d in-flight entries", n)
			}

			res, err := eng.Drain(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "drain failed", err)
			}
			return a.out.Success(res, func(w io.Writer) error {
				return printDrain(w, res)
			})
		},
	}
}

func printDrain(w io.Writer, res engine.DrainResult) error {
	if res.Sent == 0 && res.Deferred == 0 && res.Succeeded == 0 {
		_, err := fmt.Fprintln(w, "Nothing to send.")
		return err
	}
	_, err := fmt.Fprintf(w, "Sent %d: %d succeeded, %d failed, %d dead, %d deferred.\n",
		res.Sent, res.Succeeded, res.Failed, res.Dead, res.Deferred)
	return err
}
