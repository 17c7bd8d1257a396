package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/store"
)

// MigrateResult is the output of the migrate command.
type MigrateResult struct {
	Applied []int                    `json:"applied"`
	All     []store.AppliedMigration `json:"migrations"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the local schema up to date",
		Long: `Apply every pending schema migration in version order, each in its own
transaction. Running it again is a no-op. Other commands migrate on open;
this one reports what it did.

Example:
  tillsync migrate --db ./pos.db`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := a.db.Migrate(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "migration failed", err)
			}
			all, err := a.db.AppliedMigrations(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list migrations", err)
			}
			if applied == nil {
				applied = []int{}
			}

			res := MigrateResult{Applied: applied, All: all}
			return a.out.Success(res, func(w io.Writer) error {
				if len(applied) == 0 {
					fmt.Fprintln(w, "Schema is up to date.")
				}
				for _, m := range all {
					mark := " "
					if slices.Contains(applied, m.Version) {
						mark = "+"
					}
					fmt.Fprintf(w, "%s %04d %s\n", mark, m.Version, m.Name)
				}
				return nil
			})
		},
	}
}
