package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/apperr"
)

// RetryResult is the output of the retry command.
type RetryResult struct {
	Retried int `json:"retried"`
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Re-arm dead queue entries",
		Long: `Return a dead queue entry to pending with a fresh retry budget, so the
next drain sends it again. Entries waiting on it are unblocked.

Example:
  tillsync retry 42
  tillsync retry --all`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return exactArgs(0)(cmd, args)
			}
			return exactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var res RetryResult
			if all {
				n, err := a.q.RetryAllDead(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "retry failed", err)
				}
				res.Retried = n
			} else {
				id, err := parseEntryID(args[0])
				if err != nil {
					return err
				}
				if err := a.q.Retry(cmd.Context(), id); err != nil {
					return entryError("retry failed", err)
				}
				res.Retried = 1
			}
			return a.out.Success(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Re-armed %d dead entries.\n", res.Retried)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "re-arm every dead entry")
	return cmd
}

func parseEntryID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid queue entry id %q", s))
	}
	return id, nil
}

// entryError maps a queue error about one entry to an exit error. Unknown
// and non-dead entries are the caller's mistake.
func entryError(msg string, err error) error {
	if apperr.IsNotFound(err) || apperr.IsValidation(err) {
		return WrapExitError(ExitCommandError, msg, err)
	}
	return WrapExitError(ExitFailure, msg, err)
}
